package ports

import (
	"context"

	"github.com/layer-3/votechain/core"
)

// Ledger is the external append-only vote log
type Ledger interface {
	// HasVoted asks the ledger whether the identity has a recorded vote
	HasVoted(ctx context.Context, identity core.Identity) (bool, error)

	// SubmitVote records a vote. Transport failures are folded into the result
	SubmitVote(ctx context.Context, identity core.Identity, partyID string) core.SubmissionResult

	// VerifyEvent checks that txRef emitted a VoteCast event for identity and party
	VerifyEvent(ctx context.Context, identity core.Identity, partyID, txRef string) (bool, error)
}

// LedgerReader exposes the read-only aggregates of the ledger contract
type LedgerReader interface {
	TotalVotes(ctx context.Context) (uint64, error)
	VoteCount(ctx context.Context, partyID string) (uint64, error)
	IsVotingActive(ctx context.Context) (bool, error)
	NetworkInfo(ctx context.Context) (*core.NetworkInfo, error)
}
