package auth

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func runJWT(t *testing.T, cfg JWTConfig, header string) (echo.Context, *httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var seen echo.Context
	h := JWTMiddleware(cfg)(func(c echo.Context) error {
		seen = c
		return c.String(http.StatusOK, "ok")
	})
	err := h(c)
	return seen, rec, err
}

func assertStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "")
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, tt.header)
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			Issuer:    "clinic-auth",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{RoleReceptionist},
	}
	token := createTestToken(t, claims, testSigningKey)

	seen, rec, err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "clinic-auth"}, "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	ctx := seen.Request().Context()
	if got := UserIDFromContext(ctx); got != "user-42" {
		t.Errorf("user id = %q, want user-42", got)
	}
	if got := RolesFromContext(ctx); !reflect.DeepEqual(got, []string{RoleReceptionist}) {
		t.Errorf("roles = %v", got)
	}
}

func TestJWTMiddleware_Rejections(t *testing.T) {
	valid := jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	tests := []struct {
		name   string
		claims Claims
		key    []byte
		cfg    JWTConfig
	}{
		{
			name:   "expired",
			claims: Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}},
			key:    testSigningKey,
			cfg:    JWTConfig{SigningKey: testSigningKey},
		},
		{
			name:   "wrong key",
			claims: Claims{RegisteredClaims: valid},
			key:    []byte("another-key"),
			cfg:    JWTConfig{SigningKey: testSigningKey},
		},
		{
			name:   "wrong issuer",
			claims: Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "evil", ExpiresAt: valid.ExpiresAt}},
			key:    testSigningKey,
			cfg:    JWTConfig{SigningKey: testSigningKey, Issuer: "clinic-auth"},
		},
		{
			name:   "missing subject",
			claims: Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: valid.ExpiresAt}},
			key:    testSigningKey,
			cfg:    JWTConfig{SigningKey: testSigningKey},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := createTestToken(t, tt.claims, tt.key)
			_, _, err := runJWT(t, tt.cfg, "Bearer "+token)
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		headers   map[string]string
		wantUser  string
		wantRoles []string
	}{
		{"defaults", nil, "dev-user", []string{RoleAdmin}},
		{"override", map[string]string{"X-User-ID": "p-1", "X-User-Roles": "patient, nurse"}, "p-1", []string{RolePatient, RoleNurse}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			var gotUser string
			var gotRoles []string
			h := DevAuthMiddleware()(func(c echo.Context) error {
				gotUser = UserIDFromContext(c.Request().Context())
				gotRoles = RolesFromContext(c.Request().Context())
				return nil
			})
			if err := h(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if gotUser != tt.wantUser || !reflect.DeepEqual(gotRoles, tt.wantRoles) {
				t.Errorf("got %q %v, want %q %v", gotUser, gotRoles, tt.wantUser, tt.wantRoles)
			}
		})
	}
}

func TestPrimaryRole(t *testing.T) {
	tests := []struct {
		roles []string
		want  string
	}{
		{[]string{RolePatient, RoleDoctor}, RoleDoctor},
		{[]string{RolePatient}, RolePatient},
		{[]string{"auditor"}, "auditor"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := PrimaryRole(tt.roles); got != tt.want {
			t.Errorf("PrimaryRole(%v) = %q, want %q", tt.roles, got, tt.want)
		}
	}
	if !OnlyPatient([]string{RolePatient}) || OnlyPatient([]string{RolePatient, RoleReceptionist}) {
		t.Error("OnlyPatient misclassified roles")
	}
}
