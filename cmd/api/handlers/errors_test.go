package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apimodels "github.com/driftworks/conductor/cmd/api/models"
	"github.com/driftworks/conductor/common/repository"
	"github.com/driftworks/conductor/common/validation"
	"github.com/driftworks/conductor/engine/broker"
	"github.com/driftworks/conductor/engine/executor"
	"github.com/driftworks/conductor/engine/resolver"
)

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"cycle", resolver.ErrCycle, http.StatusBadRequest, "cycle_detected"},
		{"wrapped cycle", fmt.Errorf("resolve levels: %w", resolver.ErrCycle), http.StatusBadRequest, "cycle_detected"},
		{"invalid graph", resolver.ErrInvalidGraph, http.StatusBadRequest, "invalid_graph"},
		{"not found", repository.ErrNotFound, http.StatusNotFound, "not_found"},
		{"illegal transition", &repository.TransitionError{Entity: "workflow execution"}, http.StatusConflict, "illegal_transition"},
		{"retry exhausted", executor.ErrRetryExhausted, http.StatusConflict, "retry_exhausted"},
		{"broker down", broker.ErrBrokerUnavailable, http.StatusInternalServerError, "broker_unavailable"},
		{"invalid spec", &validation.ValidationError{Violations: []string{"node n1: unknown type"}}, http.StatusBadRequest, "invalid_spec"},
		{"opaque internal", errors.New("pq: connection reset"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			require.NoError(t, writeError(c, tt.err))
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body apimodels.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
		})
	}
}

// Internal errors must not leak backend details to the caller
func TestWriteErrorInternalIsOpaque(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	require.NoError(t, writeError(c, errors.New("dial tcp 10.0.0.5:5432: connect refused")))

	var body apimodels.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Message)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}
