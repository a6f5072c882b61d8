package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/votechain/core"
	"github.com/layer-3/votechain/ports"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrentSubmissions bounds in-flight ledger submissions
const DefaultMaxConcurrentSubmissions = 16

// VoteCoordinator turns a verified session and a party choice into exactly
// one committed vote. The ledger is written before any local mutation; the
// local uniqueness constraint decides races.
type VoteCoordinator struct {
	sessions   *SessionMachine
	challenges *ChallengeService
	directory  ports.VoterDirectory
	windows    ports.VotingWindows
	votes      ports.VoteStore
	ledger     ports.Ledger
	events     ports.EventPublisher
	admission  *semaphore.Weighted
	logger     *zap.Logger
	now        func() time.Time
}

// NewVoteCoordinator creates a new vote coordinator
func NewVoteCoordinator(
	sessions *SessionMachine,
	challenges *ChallengeService,
	directory ports.VoterDirectory,
	windows ports.VotingWindows,
	votes ports.VoteStore,
	ledger ports.Ledger,
	events ports.EventPublisher,
	maxConcurrent int64,
	logger *zap.Logger,
) *VoteCoordinator {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentSubmissions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoteCoordinator{
		sessions:   sessions,
		challenges: challenges,
		directory:  directory,
		windows:    windows,
		votes:      votes,
		ledger:     ledger,
		events:     events,
		admission:  semaphore.NewWeighted(maxConcurrent),
		logger:     logger.Named("coordinator"),
		now:        time.Now,
	}
}

// Submit casts the session's vote for partyID. Business outcomes are reported
// in the returned SubmitOutcome; the error is reserved for infrastructure
// failures and cancellation.
func (c *VoteCoordinator) Submit(ctx context.Context, sessionID, partyID string) (*core.SubmitOutcome, error) {
	if err := c.admission.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("submission not admitted: %w", err)
	}
	defer c.admission.Release(1)

	session, err := c.sessions.Get(ctx, sessionID)
	if errors.Is(err, core.ErrSessionInvalid) {
		return sessionInvalid("session not found or expired"), nil
	}
	if err != nil {
		return nil, err
	}

	switch session.State {
	case core.StateChallengeVerified:
	case core.StateSubmissionInFlight:
		return inProgress(), nil
	case core.StateCommitted:
		return alreadyVoted(), nil
	default:
		return sessionInvalid(fmt.Sprintf("session is %s, verification required", session.State)), nil
	}

	if partyID == "" {
		return nil, fmt.Errorf("%w: party id is required", core.ErrValidation)
	}
	if _, err := c.directory.GetParty(ctx, partyID); err != nil {
		return nil, fmt.Errorf("invalid party %q: %w", partyID, err)
	}

	identity := session.Identity
	log := c.logger.With(zap.String("session", session.ID), zap.String("identity", identity.Short()), zap.String("party", partyID))

	voted, err := c.votes.HasVote(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to check local votes: %w", err)
	}
	if voted {
		c.terminate(ctx, session, "identity has already voted")
		return alreadyVoted(), nil
	}

	open, err := c.windows.IsVotingOpen(ctx, c.now())
	if err != nil {
		return nil, fmt.Errorf("failed to check voting window: %w", err)
	}
	if !open {
		return &core.SubmitOutcome{
			Status:  core.SubmitNoActiveVotingWindow,
			Message: "voting is not open",
		}, nil
	}

	onLedger, err := c.ledger.HasVoted(ctx, identity)
	if err != nil {
		// Best effort; SubmitVote re-checks and applies the degrade policy
		log.Warn("ledger vote check failed", zap.Error(err))
	}
	if onLedger {
		c.terminate(ctx, session, "identity has already voted on the ledger")
		return alreadyVoted(), nil
	}

	inflight, err := c.sessions.BeginSubmission(ctx, session)
	if errors.Is(err, core.ErrSessionConflict) {
		return inProgress(), nil
	}
	if errors.Is(err, core.ErrSessionInvalid) {
		return sessionInvalid("session not found or expired"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}

	result := c.ledger.SubmitVote(ctx, identity, partyID)

	// The ledger write may have happened; finish the bookkeeping regardless
	// of the caller going away.
	ctx = context.WithoutCancel(ctx)

	if result.Status == core.SubmissionRejected {
		log.Info("ledger rejected vote", zap.String("reason", string(result.Reason)))
		c.terminate(ctx, inflight, result.Message)
		if result.Reason == core.RejectAlreadyVoted {
			return alreadyVoted(), nil
		}
		return &core.SubmitOutcome{
			Status:  core.SubmitLedgerRejected,
			Reason:  result.Reason,
			Message: result.Message,
		}, nil
	}

	record, err := c.votes.CommitVote(ctx, core.VoteCommit{
		Record: core.VoteRecord{
			VoterIdentity: identity,
			VoterID:       session.VoterID,
			PartyID:       partyID,
			CreatedAt:     c.now(),
		},
		Transaction: result.Transaction,
	})
	if err != nil {
		c.orphan(ctx, result.Transaction, log)
		c.terminate(ctx, inflight, "vote was not recorded")
		if errors.Is(err, core.ErrAlreadyVoted) {
			log.Warn("lost local commit race")
			return alreadyVoted(), nil
		}
		log.Error("failed to commit vote", zap.String("tx", result.TxHash()), zap.Error(err))
		return nil, fmt.Errorf("failed to commit vote: %w", err)
	}

	if _, err := c.sessions.Commit(ctx, inflight); err != nil {
		log.Warn("failed to mark session committed", zap.Error(err))
	}
	if err := c.challenges.Clear(ctx, identity); err != nil {
		log.Warn("failed to clear challenge", zap.Error(err))
	}

	simulated := result.Status == core.SubmissionSimulated
	if err := c.events.PublishVoteCommitted(ctx, record, simulated); err != nil {
		log.Error("failed to publish vote event", zap.Error(err))
	}

	log.Info("vote committed", zap.String("vote", record.ID), zap.String("tx", result.TxHash()), zap.Bool("simulated", simulated))

	outcome := &core.SubmitOutcome{
		Status:    core.SubmitCommitted,
		VoteID:    record.ID,
		TxRef:     result.TxHash(),
		Simulated: simulated,
		Message:   "vote recorded",
	}
	if simulated {
		outcome.Message = result.Message
	}
	return outcome, nil
}

// orphan records a transaction that reached the ledger but has no local vote.
// Simulated placeholders never reached the ledger and are dropped.
func (c *VoteCoordinator) orphan(ctx context.Context, tx *core.LedgerTransaction, log *zap.Logger) {
	if tx == nil || tx.Status == core.LedgerTxSimulated {
		return
	}

	if err := c.votes.RecordOrphan(ctx, tx); err != nil {
		log.Error("failed to record orphaned ledger transaction", zap.String("tx", tx.TxHash), zap.Error(err))
		return
	}
	if err := c.events.PublishLedgerOrphan(ctx, tx); err != nil {
		log.Error("failed to publish orphan event", zap.Error(err))
	}
}

// terminate rejects the session and discards any live challenge.
// Failures are logged; the caller's outcome does not depend on them.
func (c *VoteCoordinator) terminate(ctx context.Context, session *core.VoterSession, reason string) {
	if _, err := c.sessions.Reject(ctx, session, reason); err != nil {
		c.logger.Debug("failed to reject session", zap.String("session", session.ID), zap.Error(err))
	}
	if session.Identity != "" {
		if err := c.challenges.Clear(ctx, session.Identity); err != nil {
			c.logger.Debug("failed to clear challenge", zap.String("session", session.ID), zap.Error(err))
		}
	}
}

func alreadyVoted() *core.SubmitOutcome {
	return &core.SubmitOutcome{
		Status:  core.SubmitAlreadyVoted,
		Message: "this identity has already voted",
	}
}

// inProgress answers a caller racing another submission on the same
// session. That submission may still be rejected by the ledger.
func inProgress() *core.SubmitOutcome {
	return &core.SubmitOutcome{
		Status:  core.SubmitAlreadyVoted,
		Message: "a submission for this session is already in progress",
	}
}

func sessionInvalid(message string) *core.SubmitOutcome {
	return &core.SubmitOutcome{
		Status:  core.SubmitSessionInvalid,
		Message: message,
	}
}
