package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/votechain/core"
	"github.com/layer-3/votechain/ports"
)

const (
	TopicVoteCommitted   = "votechain.vote.committed"
	TopicVoteOrphaned    = "votechain.vote.orphaned"
	TopicAuditCompleted  = "votechain.audit.completed"
	TopicChallengeIssued = "votechain.challenge.issued"
)

// VoteCommittedEvent is published after a vote is committed locally
type VoteCommittedEvent struct {
	VoteID      string    `json:"vote_id"`
	Identity    string    `json:"identity"`
	PartyID     string    `json:"party_id"`
	TxRef       string    `json:"tx_ref,omitempty"`
	Simulated   bool      `json:"simulated"`
	CommittedAt time.Time `json:"committed_at"`
}

// VoteOrphanedEvent is published for a ledger transaction with no local vote
type VoteOrphanedEvent struct {
	TxHash   string `json:"tx_hash"`
	Identity string `json:"identity"`
	PartyID  string `json:"party_id"`
	Status   string `json:"status"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{publisher: publisher}
}

// PublishVoteCommitted publishes a vote.committed event
func (p *WatermillPublisher) PublishVoteCommitted(ctx context.Context, record *core.VoteRecord, simulated bool) error {
	event := VoteCommittedEvent{
		VoteID:      record.ID,
		Identity:    record.VoterIdentity.String(),
		PartyID:     record.PartyID,
		Simulated:   simulated,
		CommittedAt: record.CreatedAt,
	}
	if record.LedgerTxRef != nil {
		event.TxRef = *record.LedgerTxRef
	}

	return publishJSON(ctx, p.publisher, TopicVoteCommitted, record.ID, event)
}

// PublishLedgerOrphan publishes a vote.orphaned event
func (p *WatermillPublisher) PublishLedgerOrphan(ctx context.Context, tx *core.LedgerTransaction) error {
	event := VoteOrphanedEvent{
		TxHash:   tx.TxHash,
		Identity: tx.Identity.String(),
		PartyID:  tx.PartyID,
		Status:   string(tx.Status),
	}

	return publishJSON(ctx, p.publisher, TopicVoteOrphaned, tx.TxHash, event)
}

// PublishAuditCompleted publishes an audit.completed event
func (p *WatermillPublisher) PublishAuditCompleted(ctx context.Context, result *core.AuditResult) error {
	return publishJSON(ctx, p.publisher, TopicAuditCompleted, watermill.NewUUID(), result)
}

func publishJSON(ctx context.Context, publisher message.Publisher, topic, id string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	msg.SetContext(ctx)

	if err := publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
