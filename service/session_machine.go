package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/votechain/core"
	"github.com/layer-3/votechain/ports"
	"go.uber.org/zap"
)

// SessionMachine drives a voter session through its states. Every transition
// is a compare-and-set against the stored state.
type SessionMachine struct {
	sessions   ports.SessionStore
	directory  ports.VoterDirectory
	votes      ports.VoteStore
	challenges *ChallengeService
	salt       string
	ttl        time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewSessionMachine creates a new session machine
func NewSessionMachine(
	sessions ports.SessionStore,
	directory ports.VoterDirectory,
	votes ports.VoteStore,
	challenges *ChallengeService,
	salt string,
	ttl time.Duration,
	logger *zap.Logger,
) *SessionMachine {
	if ttl <= 0 {
		ttl = core.DefaultSessionTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionMachine{
		sessions:   sessions,
		directory:  directory,
		votes:      votes,
		challenges: challenges,
		salt:       salt,
		ttl:        ttl,
		logger:     logger.Named("session"),
		now:        time.Now,
	}
}

// TTL returns the idle lifetime of a session
func (m *SessionMachine) TTL() time.Duration {
	return m.ttl
}

// CreateSession opens an unverified session
func (m *SessionMachine) CreateSession(ctx context.Context) (*core.VoterSession, error) {
	now := m.now()
	session := &core.VoterSession{
		ID:        uuid.New().String(),
		State:     core.StateUnverified,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.sessions.CreateSession(ctx, session, m.ttl); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Get returns the session or core.ErrSessionInvalid when it is gone
func (m *SessionMachine) Get(ctx context.Context, sessionID string) (*core.VoterSession, error) {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w: session not found or expired", core.ErrSessionInvalid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

// ConfirmIdentity resolves the voter by national id or email and binds the
// derived identity to the session. A voter who already voted rejects the session.
func (m *SessionMachine) ConfirmIdentity(ctx context.Context, sessionID, key string) (*core.VoterSession, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: national id or email is required", core.ErrValidation)
	}

	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := core.CheckTransition(session.State, core.StateIdentityConfirmed); err != nil {
		return nil, err
	}

	voter, err := m.directory.LookupVoter(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to find voter: %w", err)
	}

	identity, err := core.NewIdentity(m.salt, voter.Email, voter.NationalID, voter.ID)
	if err != nil {
		return nil, err
	}

	voted := voter.HasVoted
	if !voted {
		if voted, err = m.votes.HasVote(ctx, identity); err != nil {
			return nil, fmt.Errorf("failed to check votes: %w", err)
		}
	}
	if voted {
		if _, err := m.Reject(ctx, session, "identity has already voted"); err != nil {
			return nil, err
		}
		return nil, core.ErrAlreadyVoted
	}

	return m.advance(ctx, session, core.StateIdentityConfirmed, func(next *core.VoterSession) {
		next.Identity = identity
		next.VoterID = voter.ID
		next.Recipient = voter.Email
		next.DisplayName = voter.FullName
	})
}

// IssueChallenge issues a code for the session's identity. Re-issuing from
// ChallengeIssued replaces the previous code. The returned notification is
// for the caller's delivery channel.
func (m *SessionMachine) IssueChallenge(ctx context.Context, sessionID string) (*core.ChallengeNotification, error) {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if _, err := m.advance(ctx, session, core.StateChallengeIssued, nil); err != nil {
		return nil, err
	}

	challenge, err := m.challenges.Issue(ctx, session.Identity)
	if err != nil {
		return nil, err
	}

	return &core.ChallengeNotification{
		Recipient:   session.Recipient,
		Code:        challenge.Code,
		DisplayName: session.DisplayName,
		TTL:         m.challenges.TTL(),
	}, nil
}

// VerifyChallenge checks a code and advances the session on success.
// An exhausted code leaves the session in ChallengeIssued so a new code can be requested.
func (m *SessionMachine) VerifyChallenge(ctx context.Context, sessionID, code string) (core.VerifyOutcome, error) {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return core.VerifyOutcome{}, err
	}
	if err := core.CheckTransition(session.State, core.StateChallengeVerified); err != nil {
		return core.VerifyOutcome{}, err
	}

	outcome, err := m.challenges.Verify(ctx, session.Identity, code)
	if err != nil {
		return core.VerifyOutcome{}, err
	}
	if outcome.Result != core.VerifyVerified {
		return outcome, nil
	}

	if _, err := m.advance(ctx, session, core.StateChallengeVerified, nil); err != nil {
		return core.VerifyOutcome{}, err
	}
	return outcome, nil
}

// ChallengeStatus reports the session's pending code
func (m *SessionMachine) ChallengeStatus(ctx context.Context, sessionID string) (core.ChallengeStatus, error) {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return core.ChallengeStatus{}, err
	}
	if session.Identity == "" {
		return core.ChallengeStatus{}, nil
	}
	return m.challenges.Status(ctx, session.Identity)
}

// BeginSubmission claims the session for a single submission
func (m *SessionMachine) BeginSubmission(ctx context.Context, session *core.VoterSession) (*core.VoterSession, error) {
	return m.advance(ctx, session, core.StateSubmissionInFlight, nil)
}

// Commit marks the session as having produced a vote. The session is kept
// as a terminal marker until it expires.
func (m *SessionMachine) Commit(ctx context.Context, session *core.VoterSession) (*core.VoterSession, error) {
	return m.advance(ctx, session, core.StateCommitted, nil)
}

// Reject terminates the session with a reason
func (m *SessionMachine) Reject(ctx context.Context, session *core.VoterSession, reason string) (*core.VoterSession, error) {
	return m.advance(ctx, session, core.StateRejected, func(next *core.VoterSession) {
		next.Reason = reason
	})
}

// advance moves session to the given state if the stored state still
// matches. A lost race is reported as core.ErrSessionConflict.
func (m *SessionMachine) advance(ctx context.Context, session *core.VoterSession, to core.SessionState, mutate func(*core.VoterSession)) (*core.VoterSession, error) {
	if err := core.CheckTransition(session.State, to); err != nil {
		return nil, err
	}

	next := session.Clone()
	next.State = to
	next.UpdatedAt = m.now()
	if mutate != nil {
		mutate(next)
	}

	err := m.sessions.TransitionSession(ctx, session.State, next, m.ttl)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w: session not found or expired", core.ErrSessionInvalid)
	}
	if err != nil {
		return nil, err
	}

	m.logger.Debug("session transition",
		zap.String("session", session.ID),
		zap.String("from", string(session.State)),
		zap.String("to", string(to)),
	)
	return next, nil
}
