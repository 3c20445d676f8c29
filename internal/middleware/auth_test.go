package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func tokenFor(t *testing.T, userID, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": userID}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func unsignedTokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": userID}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build unsigned token: %v", err)
	}
	return token
}

func TestAuthMiddleware(t *testing.T) {
	configured := tokenFor(t, "user-a", "server-secret")

	var seenUser string
	handler := AuthMiddleware("user-a", configured)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{"bearer header", "Bearer " + configured, "", http.StatusOK},
		{"query token", "", configured, http.StatusOK},
		{"forged token for same user", "Bearer " + tokenFor(t, "user-a", "attacker-secret"), "", http.StatusUnauthorized},
		{"unsigned token for same user", "Bearer " + unsignedTokenFor(t, "user-a"), "", http.StatusUnauthorized},
		{"forged query token", "", tokenFor(t, "user-a", "attacker-secret"), http.StatusUnauthorized},
		{"other user", "Bearer " + tokenFor(t, "user-b", "server-secret"), "", http.StatusUnauthorized},
		{"malformed header", "Token " + configured, "", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", "", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seenUser = ""
			target := "/api/v1/location-sharing"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, rec.Code)
			}
			if tt.status == http.StatusOK && seenUser != "user-a" {
				t.Errorf("Expected user-a in context, got %q", seenUser)
			}
			if tt.status != http.StatusOK && seenUser != "" {
				t.Errorf("Expected handler not to run, saw user %q", seenUser)
			}
		})
	}
}

func TestAuthMiddleware_EmptyConfiguredToken(t *testing.T) {
	handler := AuthMiddleware("user-a", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/location-sharing", nil)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, "user-a", "secret"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}
