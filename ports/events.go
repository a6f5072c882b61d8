package ports

import (
	"context"

	"github.com/layer-3/votechain/core"
)

// EventPublisher publishes domain events for other instances and operators
type EventPublisher interface {
	PublishVoteCommitted(ctx context.Context, record *core.VoteRecord, simulated bool) error
	PublishLedgerOrphan(ctx context.Context, tx *core.LedgerTransaction) error
	PublishAuditCompleted(ctx context.Context, result *core.AuditResult) error
}

// Notifier hands a challenge code to the delivery channel
type Notifier interface {
	NotifyChallenge(ctx context.Context, n core.ChallengeNotification) error
}
