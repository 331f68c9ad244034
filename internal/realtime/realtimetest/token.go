package realtimetest

import "github.com/golang-jwt/jwt/v5"

// Token returns a signed JWT whose userId claim is userID.
func Token(userID string) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"userId": userID}).
		SignedString([]byte("realtimetest"))
	if err != nil {
		panic(err)
	}
	return tok
}
