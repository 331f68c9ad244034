package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	appErrors "github.com/matheus3301/matchsync/pkg/errors"
)

// identityClaims lists the claims that may carry the user id, in order of preference.
var identityClaims = []string{"userId", "id", "_id", "sub"}

// UserIDFromToken extracts the user id from a JWT without verifying its
// signature. The backend verifies the token during the handshake; the client
// only needs to know who it is.
func UserIDFromToken(token string) (string, error) {
	if token == "" {
		return "", appErrors.ErrNoToken
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", appErrors.Wrap(appErrors.CodeUnauthenticated, "decode auth token", err)
	}
	for _, name := range identityClaims {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return fmt.Sprintf("%.0f", v), nil
		}
	}
	return "", appErrors.ErrTokenNoIdentity
}
