package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
		wantMsg  string
	}{
		{"unauthorized", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header"), 401, "Unauthorized", "missing authorization header"},
		{"forbidden", echo.NewHTTPError(http.StatusForbidden, "required role: doctor"), 403, "Forbidden", "required role: doctor"},
		{"route not found", echo.ErrNotFound, 404, "NotFound", "Not Found"},
		{"rate limited", echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded"), 429, "RateLimited", "rate limit exceeded"},
		{"non-string message", echo.NewHTTPError(http.StatusBadRequest, 42), 400, "ValidationError", "42"},
		{"plain error", errors.New("boom"), 500, "InternalError", "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/slots", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			ErrorHandler(zerolog.Nop())(tt.err, c)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["error"] != tt.wantErr || body["message"] != tt.wantMsg {
				t.Errorf("body = %v, want error=%q message=%q", body, tt.wantErr, tt.wantMsg)
			}
		})
	}
}

func TestErrorHandler_CommittedResponse(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if err := c.String(http.StatusOK, "done"); err != nil {
		t.Fatal(err)
	}

	ErrorHandler(zerolog.Nop())(errors.New("late"), c)

	if rec.Code != http.StatusOK || rec.Body.String() != "done" {
		t.Errorf("committed response was rewritten: %d %q", rec.Code, rec.Body.String())
	}
}

func TestErrorHandler_HeadHasNoBody(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodHead, "/", nil), rec)

	ErrorHandler(zerolog.Nop())(echo.ErrNotFound, c)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD response has body %q", rec.Body.String())
	}
}
