package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	apimodels "github.com/driftworks/conductor/cmd/api/models"
	"github.com/driftworks/conductor/common/repository"
	"github.com/driftworks/conductor/common/validation"
	"github.com/driftworks/conductor/engine/broker"
	"github.com/driftworks/conductor/engine/executor"
	"github.com/driftworks/conductor/engine/resolver"
)

// writeError maps the engine error taxonomy to HTTP. NotFound covers
// records owned by someone else as well, so the API never confirms
// existence to a non-owner. Internal errors stay opaque; the details go
// to the server log at the call site.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, resolver.ErrCycle):
		return c.JSON(http.StatusBadRequest, apimodels.ErrorResponse{
			Error:   "cycle_detected",
			Message: err.Error(),
		})

	case errors.Is(err, resolver.ErrInvalidGraph):
		return c.JSON(http.StatusBadRequest, apimodels.ErrorResponse{
			Error:   "invalid_graph",
			Message: err.Error(),
		})

	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, apimodels.ErrorResponse{
			Error: "not_found",
		})

	case errors.Is(err, repository.ErrIllegalTransition):
		return c.JSON(http.StatusConflict, apimodels.ErrorResponse{
			Error:   "illegal_transition",
			Message: err.Error(),
		})

	case errors.Is(err, executor.ErrRetryExhausted):
		return c.JSON(http.StatusConflict, apimodels.ErrorResponse{
			Error:   "retry_exhausted",
			Message: err.Error(),
		})

	case errors.Is(err, broker.ErrBrokerUnavailable):
		return c.JSON(http.StatusInternalServerError, apimodels.ErrorResponse{
			Error: "broker_unavailable",
		})
	}

	var validationErr *validation.ValidationError
	if errors.As(err, &validationErr) {
		return c.JSON(http.StatusBadRequest, apimodels.ErrorResponse{
			Error:   "invalid_spec",
			Message: validationErr.Error(),
		})
	}

	return c.JSON(http.StatusInternalServerError, apimodels.ErrorResponse{
		Error: "internal_error",
	})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, apimodels.ErrorResponse{
		Error:   "bad_request",
		Message: message,
	})
}
