package core

import (
	"fmt"
	"time"
)

// SessionState is a voter's progress marker
type SessionState string

const (
	StateUnverified         SessionState = "unverified"
	StateIdentityConfirmed  SessionState = "identity_confirmed"
	StateChallengeIssued    SessionState = "challenge_issued"
	StateChallengeVerified  SessionState = "challenge_verified"
	StateSubmissionInFlight SessionState = "submission_in_flight"
	StateCommitted          SessionState = "committed"
	StateRejected           SessionState = "rejected"
)

// DefaultSessionTTL bounds how long an idle session survives
const DefaultSessionTTL = 30 * time.Minute

// transitions lists the legal forward edges. Rejected is reachable from
// every non-terminal state and is checked separately.
var transitions = map[SessionState][]SessionState{
	StateUnverified:         {StateIdentityConfirmed},
	StateIdentityConfirmed:  {StateChallengeIssued},
	StateChallengeIssued:    {StateChallengeIssued, StateChallengeVerified},
	StateChallengeVerified:  {StateSubmissionInFlight},
	StateSubmissionInFlight: {StateCommitted},
}

// Terminal reports whether no further transitions are allowed.
func (s SessionState) Terminal() bool {
	return s == StateCommitted || s == StateRejected
}

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	switch s {
	case StateUnverified, StateIdentityConfirmed, StateChallengeIssued, StateChallengeVerified,
		StateSubmissionInFlight, StateCommitted, StateRejected:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to SessionState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateRejected {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition for an illegal edge.
func CheckTransition(from, to SessionState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// VoterSession represents one voter's progress through the voting flow
type VoterSession struct {
	ID          string       // Opaque session identifier
	State       SessionState // Current state
	Identity    Identity     // Set once the identity is confirmed
	VoterID     string       // Local voter reference
	Recipient   string       // Where challenge codes are delivered
	DisplayName string       // Name used in notifications
	Reason      string       // Why the session was rejected
	CreatedAt   time.Time    // When the session was opened
	UpdatedAt   time.Time    // Last transition
}

// Clone returns a copy that can be mutated for a transition.
func (s *VoterSession) Clone() *VoterSession {
	c := *s
	return &c
}
