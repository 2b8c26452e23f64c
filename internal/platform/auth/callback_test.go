package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestMintAndVerifyRoundTrip(t *testing.T) {
	token, err := MintCallbackToken("secret", "req-123", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	requestID, err := VerifyCallbackToken("secret", token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if requestID != "req-123" {
		t.Fatalf("expected requestId req-123, got %q", requestID)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := MintCallbackToken("secret", "req-123", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := VerifyCallbackToken("other-secret", token); err == nil {
		t.Fatal("expected verification to fail with wrong secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	token, err := MintCallbackToken("secret", "req-123", -time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := VerifyCallbackToken("secret", token); err == nil {
		t.Fatal("expected verification to fail for expired token")
	}
}

func TestCallbackAuthMiddleware(t *testing.T) {
	e := echo.New()
	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	t.Run("empty secret passes through", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		if err := CallbackAuth("")(handler)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("missing token rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		err := CallbackAuth("secret")(handler)(c)
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %v", err)
		}
	})

	t.Run("invalid token rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer not-a-token")
		c := e.NewContext(req, httptest.NewRecorder())
		err := CallbackAuth("secret")(handler)(c)
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %v", err)
		}
	})

	t.Run("valid token sets requestId", func(t *testing.T) {
		token, err := MintCallbackToken("secret", "req-9", time.Minute)
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		if err := CallbackAuth("secret")(handler)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := c.Get(ContextKeyRequestID); got != "req-9" {
			t.Fatalf("expected requestId req-9 in context, got %v", got)
		}
	})
}
