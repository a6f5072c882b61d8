package tokenizer

import "github.com/golang-jwt/jwt/v5"

// SessionClaims are the standard claims of a voter session token.
// The JWT ID carries the session id.
type SessionClaims struct {
	jwt.RegisteredClaims
}
