package ports

import (
	"context"
	"time"

	"github.com/layer-3/votechain/core"
)

// ChallengeStore holds at most one live challenge per identity
type ChallengeStore interface {
	// SaveChallenge stores c, replacing any live challenge for the same identity
	SaveChallenge(ctx context.Context, c *core.Challenge) error

	// GetChallenge returns the live challenge or core.ErrChallengeNotFound
	GetChallenge(ctx context.Context, identity core.Identity) (*core.Challenge, error)

	// IncrementAttempts atomically bumps the attempt counter of the challenge with
	// the given id and returns the new count. A missing or replaced challenge
	// yields core.ErrChallengeNotFound.
	IncrementAttempts(ctx context.Context, identity core.Identity, challengeID string) (int, error)

	// DeleteChallenge removes the challenge with the given id and reports whether
	// this call removed it
	DeleteChallenge(ctx context.Context, identity core.Identity, challengeID string) (bool, error)
}

// SessionStore maps session ids to voter sessions with a TTL
type SessionStore interface {
	CreateSession(ctx context.Context, s *core.VoterSession, ttl time.Duration) error

	// GetSession returns the session or core.ErrNotFound
	GetSession(ctx context.Context, id string) (*core.VoterSession, error)

	// TransitionSession replaces the session only if its stored state equals
	// from. It returns core.ErrSessionConflict when the state differs and
	// core.ErrNotFound when the session is gone.
	TransitionSession(ctx context.Context, from core.SessionState, next *core.VoterSession, ttl time.Duration) error

	DeleteSession(ctx context.Context, id string) error
}

// VoteStore is the transactional store for votes and ledger transactions
type VoteStore interface {
	// HasVote reports whether a vote record exists for the identity
	HasVote(ctx context.Context, identity core.Identity) (bool, error)

	// CommitVote writes the ledger transaction, the vote record and the voter's
	// voted flag in one transaction. A uniqueness violation yields core.ErrAlreadyVoted.
	CommitVote(ctx context.Context, commit core.VoteCommit) (*core.VoteRecord, error)

	// RecordOrphan stores a ledger transaction that has no local vote
	RecordOrphan(ctx context.Context, tx *core.LedgerTransaction) error

	// LedgerVotes lists committed votes carrying a ledger reference
	LedgerVotes(ctx context.Context) ([]core.VoteRecord, error)

	// CountOrphans returns the number of ledger transactions with no vote
	CountOrphans(ctx context.Context) (int, error)

	// FlagForReverification marks a vote for operator follow-up without touching it
	FlagForReverification(ctx context.Context, voteID, reason string) error

	// RecordAuditRun appends an audit summary to the operator history
	RecordAuditRun(ctx context.Context, result *core.AuditResult) error
}

// VoterDirectory resolves voters and ballot options
type VoterDirectory interface {
	// LookupVoter finds an active voter by national id or email
	LookupVoter(ctx context.Context, key string) (*core.Voter, error)

	// GetParty returns an active party or core.ErrNotFound
	GetParty(ctx context.Context, partyID string) (*core.Party, error)
}

// VotingWindows answers whether votes are currently accepted
type VotingWindows interface {
	IsVotingOpen(ctx context.Context, at time.Time) (bool, error)
}

// Tally exposes local counts for result reporting
type Tally interface {
	ListParties(ctx context.Context) ([]core.Party, error)
	LocalTally(ctx context.Context) (map[string]uint64, error)
}
