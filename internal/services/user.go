package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserIDFromToken extracts the current user's ID from the bearer token.
// The token is issued and verified by the server; the client only reads its
// claims and rejects tokens that are already expired.
func UserIDFromToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("token required")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", fmt.Errorf("invalid token claims: %w", err)
	}
	if exp != nil && exp.Before(time.Now()) {
		return "", fmt.Errorf("token expired at %s", exp.Time.Format(time.RFC3339))
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user_id not found in token")
	}

	return userID, nil
}
