package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemarcinu/new-egents/internal/config"
)

func signed(t *testing.T, secret, subject, role string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func newApp(cfg *config.Config) *fiber.App {
	app := fiber.New()
	app.Get("/me", AuthRequired(cfg), func(c *fiber.Ctx) error {
		return c.SendString(GetSubject(c) + "|" + GetUserRole(c))
	})
	app.Post("/admin", AuthRequired(cfg), AdminRequired(cfg), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func call(t *testing.T, app *fiber.App, method, path, token string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	return resp.StatusCode, string(buf[:n])
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	app := newApp(&config.Config{})

	code, body := call(t, app, http.MethodGet, "/me", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "|user", body)

	code, _ = call(t, app, http.MethodPost, "/admin", "")
	assert.Equal(t, fiber.StatusNoContent, code)
}

func TestAuthRequired(t *testing.T) {
	cfg := &config.Config{JWTSecret: "test-secret"}
	app := newApp(cfg)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", fiber.StatusUnauthorized},
		{"garbage", "not-a-jwt", fiber.StatusUnauthorized},
		{"wrong secret", signed(t, "other", "42", RoleUser, future), fiber.StatusUnauthorized},
		{"expired", signed(t, cfg.JWTSecret, "42", RoleUser, time.Now().Add(-time.Minute)), fiber.StatusUnauthorized},
		{"valid", signed(t, cfg.JWTSecret, "42", RoleUser, future), fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := call(t, app, http.MethodGet, "/me", tt.token)
			assert.Equal(t, tt.want, code)
		})
	}

	_, body := call(t, app, http.MethodGet, "/me", signed(t, cfg.JWTSecret, "42", RoleAdmin, future))
	assert.Equal(t, "42|admin", body)
}

func TestAdminRequired(t *testing.T) {
	cfg := &config.Config{JWTSecret: "test-secret"}
	app := newApp(cfg)
	future := time.Now().Add(time.Hour)

	code, _ := call(t, app, http.MethodPost, "/admin", signed(t, cfg.JWTSecret, "7", RoleUser, future))
	assert.Equal(t, fiber.StatusForbidden, code)

	code, _ = call(t, app, http.MethodPost, "/admin", signed(t, cfg.JWTSecret, "7", RoleAdmin, future))
	assert.Equal(t, fiber.StatusNoContent, code)
}
