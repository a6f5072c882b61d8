package core

import "time"

const (
	// DefaultChallengeTTL is how long an issued code stays usable
	DefaultChallengeTTL = 15 * time.Minute

	// DefaultMaxAttempts is the verify budget of a single code
	DefaultMaxAttempts = 3

	// DefaultCodeLength is the number of digits in a code
	DefaultCodeLength = 6
)

// Challenge represents a one-time verification code bound to an identity
type Challenge struct {
	ID          string    // Unique identifier, used to guard against re-issue races
	Identity    Identity  // Identity the code was issued to
	Code        string    // Fixed-length numeric code
	IssuedAt    time.Time // When the code was issued
	ExpiresAt   time.Time // When the code stops being usable
	Attempts    int       // Verify calls made so far
	MaxAttempts int       // Verify budget
}

// Expired reports whether the challenge is past its expiry at now.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Remaining returns the verify calls left.
func (c *Challenge) Remaining() int {
	if r := c.MaxAttempts - c.Attempts; r > 0 {
		return r
	}
	return 0
}

// VerifyResult enumerates challenge verification outcomes
type VerifyResult string

const (
	VerifyVerified            VerifyResult = "verified"
	VerifyCodeNotFound        VerifyResult = "code_not_found"
	VerifyMaxAttemptsExceeded VerifyResult = "max_attempts_exceeded"
	VerifyMismatch            VerifyResult = "mismatch"
)

// VerifyOutcome is the discriminated result of a verify call
type VerifyOutcome struct {
	Result            VerifyResult `json:"result"`
	RemainingAttempts int          `json:"remaining_attempts"`
	Message           string       `json:"message"`
}

// ChallengeStatus is the read-only projection used for polling
type ChallengeStatus struct {
	Pending             bool  `json:"pending"`
	RemainingAttempts   int   `json:"remaining_attempts"`
	RemainingTTLSeconds int64 `json:"remaining_ttl_seconds"`
}

// ChallengeNotification is handed to the delivery channel after issuance
type ChallengeNotification struct {
	Recipient   string        `json:"recipient"`
	Code        string        `json:"code"`
	DisplayName string        `json:"display_name"`
	TTL         time.Duration `json:"ttl"`
}
