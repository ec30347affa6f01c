package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/conductor/common/config"
)

const testSecret = "test-secret"

func signToken(t *testing.T, subject, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func runAuth(t *testing.T, cfg config.AuthConfig, mutate func(*http.Request)) (*httptest.ResponseRecorder, string) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	mutate(req)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seenUserID string
	handler := Authenticate(cfg)(func(c echo.Context) error {
		seenUserID = GetUserID(c)
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))
	return rec, seenUserID
}

func TestAuthenticateBearerToken(t *testing.T) {
	cfg := config.AuthConfig{JWTSecret: testSecret}
	token := signToken(t, "user-42", testSecret)

	rec, userID := runAuth(t, cfg, func(req *http.Request) {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42", userID)
}

func TestAuthenticateQueryToken(t *testing.T) {
	cfg := config.AuthConfig{JWTSecret: testSecret}
	token := signToken(t, "user-42", testSecret)

	rec, userID := runAuth(t, cfg, func(req *http.Request) {
		q := req.URL.Query()
		q.Set("token", token)
		req.URL.RawQuery = q.Encode()
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-42", userID)
}

func TestAuthenticateRejects(t *testing.T) {
	cfg := config.AuthConfig{JWTSecret: testSecret}

	tests := []struct {
		name   string
		mutate func(*http.Request)
	}{
		{"no credentials", func(*http.Request) {}},
		{"wrong secret", func(req *http.Request) {
			req.Header.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, "user-42", "other-secret"))
		}},
		{"expired token", func(req *http.Request) {
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
				Subject:   "user-42",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			})
			signed, err := token.SignedString([]byte(testSecret))
			require.NoError(t, err)
			req.Header.Set(echo.HeaderAuthorization, "Bearer "+signed)
		}},
		{"token without subject", func(req *http.Request) {
			req.Header.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, "", testSecret))
		}},
		{"header ignored without trust", func(req *http.Request) {
			req.Header.Set("X-User-ID", "user-42")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, userID := runAuth(t, cfg, tt.mutate)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, userID)
		})
	}
}

func TestAuthenticateTrustedHeader(t *testing.T) {
	cfg := config.AuthConfig{TrustHeader: true}

	rec, userID := runAuth(t, cfg, func(req *http.Request) {
		req.Header.Set("X-User-ID", "dev-user")
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev-user", userID)
}
