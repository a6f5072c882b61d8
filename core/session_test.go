package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionState
		want     bool
	}{
		{StateUnverified, StateIdentityConfirmed, true},
		{StateIdentityConfirmed, StateChallengeIssued, true},
		{StateChallengeIssued, StateChallengeIssued, true},
		{StateChallengeIssued, StateChallengeVerified, true},
		{StateChallengeVerified, StateSubmissionInFlight, true},
		{StateSubmissionInFlight, StateCommitted, true},

		{StateUnverified, StateChallengeIssued, false},
		{StateIdentityConfirmed, StateChallengeVerified, false},
		{StateChallengeIssued, StateSubmissionInFlight, false},
		{StateChallengeVerified, StateCommitted, false},
		{StateChallengeVerified, StateChallengeIssued, false},

		{StateUnverified, StateRejected, true},
		{StateChallengeIssued, StateRejected, true},
		{StateSubmissionInFlight, StateRejected, true},

		{StateCommitted, StateRejected, false},
		{StateCommitted, StateChallengeIssued, false},
		{StateRejected, StateUnverified, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
			if tt.want {
				assert.NoError(t, CheckTransition(tt.from, tt.to))
			} else {
				assert.ErrorIs(t, CheckTransition(tt.from, tt.to), ErrInvalidTransition)
			}
		})
	}
}

func TestSessionState_Terminal(t *testing.T) {
	assert.True(t, StateCommitted.Terminal())
	assert.True(t, StateRejected.Terminal())
	assert.False(t, StateSubmissionInFlight.Terminal())
	assert.True(t, StateChallengeVerified.Valid())
	assert.False(t, SessionState("bogus").Valid())
}
