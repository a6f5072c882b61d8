package ports

import "time"

// Tokenizer converts between session ids and bearer tokens
type Tokenizer interface {
	SessionToToken(sessionID string, expiresAt time.Time) (string, error)
	TokenToSession(token string) (string, error)
}
