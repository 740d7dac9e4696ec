package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func signHS256(t *testing.T, claims jwt.RegisteredClaims, key []byte) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return s
}

func validClaims(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "medichain-test",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func runMiddleware(mw echo.MiddlewareFunc, req *http.Request) (string, error) {
	e := echo.New()
	c := e.NewContext(req, httptest.NewRecorder())
	var got string
	err := mw(func(c echo.Context) error {
		got = ParticipantFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})(c)
	return got, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, validClaims("0xPATIENT1"), testSigningKey))

	got, err := runMiddleware(JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "medichain-test"}), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0xPATIENT1" {
		t.Errorf("expected participant 0xPATIENT1, got %q", got)
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	expired := validClaims("pat-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noExp := validClaims("pat-1")
	noExp.ExpiresAt = nil

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
		{"wrong key", "Bearer " + signHS256(t, validClaims("pat-1"), []byte("other"))},
		{"expired", "Bearer " + signHS256(t, expired, testSigningKey)},
		{"no expiry", "Bearer " + signHS256(t, noExp, testSigningKey)},
		{"wrong issuer", "Bearer " + signHS256(t, jwt.RegisteredClaims{Subject: "pat-1", Issuer: "x", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}, testSigningKey)},
		{"bad subject", "Bearer " + signHS256(t, validClaims("has space"), testSigningKey)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			_, err := runMiddleware(JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "medichain-test"}), req)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jwksResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: "k1",
			N:   base64.RawURLEncoding.EncodeToString(priv.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("doc-7"))
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	got, err := runMiddleware(JWTMiddleware(JWTConfig{JWKSURL: srv.URL}), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "doc-7" {
		t.Errorf("expected doc-7, got %q", got)
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevParticipantHeader, "ins-1")
	got, err := runMiddleware(DevAuthMiddleware(), req)
	if err != nil || got != "ins-1" {
		t.Fatalf("expected ins-1, got %q (%v)", got, err)
	}

	got, err = runMiddleware(DevAuthMiddleware(), httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil || got != "" {
		t.Fatalf("expected anonymous request, got %q (%v)", got, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevParticipantHeader, "bad/id")
	_, err = runMiddleware(DevAuthMiddleware(), req)
	expectStatus(t, err, http.StatusBadRequest)
}

func TestRequireIdentity(t *testing.T) {
	_, err := runMiddleware(RequireIdentity(), httptest.NewRequest(http.MethodGet, "/", nil))
	expectStatus(t, err, http.StatusUnauthorized)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithParticipant(req.Context(), "pat-1"))
	if _, err := runMiddleware(RequireIdentity(), req); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
