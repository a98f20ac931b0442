package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func apiKeyRequest(t *testing.T, configured, header, query string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.GET("/machines", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, RequireAPIKey(configured))

	target := "/machines"
	if query != "" {
		target += "?api_key=" + query
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if header != "" {
		req.Header.Set("X-API-Key", header)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRequireAPIKey_ValidHeader(t *testing.T) {
	if rec := apiKeyRequest(t, "secret", "secret", ""); rec.Code != http.StatusOK {
		t.Errorf("valid header key: expected 200, got %d", rec.Code)
	}
}

func TestRequireAPIKey_ValidQueryParam(t *testing.T) {
	// Websocket clients cannot set headers, so the query form must work too.
	if rec := apiKeyRequest(t, "secret", "", "secret"); rec.Code != http.StatusOK {
		t.Errorf("valid query key: expected 200, got %d", rec.Code)
	}
}

func TestRequireAPIKey_MissingKey(t *testing.T) {
	if rec := apiKeyRequest(t, "secret", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key: expected 401, got %d", rec.Code)
	}
}

func TestRequireAPIKey_WrongKey(t *testing.T) {
	if rec := apiKeyRequest(t, "secret", "wrong", ""); rec.Code != http.StatusForbidden {
		t.Errorf("wrong key: expected 403, got %d", rec.Code)
	}
}

func TestRequireAPIKey_OpenWhenUnconfigured(t *testing.T) {
	if rec := apiKeyRequest(t, "", "", ""); rec.Code != http.StatusOK {
		t.Errorf("no configured key: expected 200, got %d", rec.Code)
	}
}
