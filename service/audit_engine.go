package service

import (
	"context"
	"fmt"
	"time"

	"github.com/layer-3/votechain/core"
	"github.com/layer-3/votechain/ports"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultAuditConcurrency bounds parallel receipt lookups
const DefaultAuditConcurrency = 8

const (
	reasonSimulated   = "simulated transaction never reached the ledger"
	reasonNoEvent     = "no matching VoteCast event"
	reasonUnavailable = "ledger unavailable"
)

// AuditEngine reconciles committed votes against ledger events. It never
// mutates votes; mismatches are flagged for reverification.
type AuditEngine struct {
	votes       ports.VoteStore
	ledger      ports.Ledger
	events      ports.EventPublisher
	concurrency int
	logger      *zap.Logger
	now         func() time.Time
}

// NewAuditEngine creates a new audit engine
func NewAuditEngine(votes ports.VoteStore, ledger ports.Ledger, events ports.EventPublisher, concurrency int, logger *zap.Logger) *AuditEngine {
	if concurrency <= 0 {
		concurrency = DefaultAuditConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditEngine{
		votes:       votes,
		ledger:      ledger,
		events:      events,
		concurrency: concurrency,
		logger:      logger.Named("audit"),
		now:         time.Now,
	}
}

// Run checks every vote carrying a ledger reference and reports the tally.
// A failed lookup counts as a mismatch; only store failures and
// cancellation abort the run.
func (a *AuditEngine) Run(ctx context.Context) (*core.AuditResult, error) {
	records, err := a.votes.LedgerVotes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}

	orphans, err := a.votes.CountOrphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count orphans: %w", err)
	}

	reasons := make([]string, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, record := range records {
		if record.LedgerStatus == core.LedgerTxSimulated {
			reasons[i] = reasonSimulated
			continue
		}

		g.Go(func() error {
			ok, err := a.ledger.VerifyEvent(gctx, record.VoterIdentity, record.PartyID, *record.LedgerTxRef)
			switch {
			case err != nil:
				a.logger.Debug("verify event failed", zap.String("vote", record.ID), zap.Error(err))
				reasons[i] = reasonUnavailable
			case !ok:
				reasons[i] = reasonNoEvent
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &core.AuditResult{
		TotalChecked:  len(records),
		OrphanedCount: orphans,
		GeneratedAt:   a.now().UTC(),
	}

	for i, record := range records {
		if reasons[i] == "" {
			result.VerifiedCount++
			continue
		}

		result.Mismatches = append(result.Mismatches, core.Mismatch{
			VoteID: record.ID,
			TxRef:  *record.LedgerTxRef,
			Reason: reasons[i],
		})
		if err := a.votes.FlagForReverification(ctx, record.ID, reasons[i]); err != nil {
			a.logger.Warn("failed to flag vote", zap.String("vote", record.ID), zap.Error(err))
		}
	}
	result.MismatchCount = len(result.Mismatches)
	result.IntegrityPercentage = integrity(result.VerifiedCount, result.TotalChecked)
	result.Classification = classify(result.VerifiedCount, result.TotalChecked)

	a.logger.Info("audit completed",
		zap.Int("total", result.TotalChecked),
		zap.Int("verified", result.VerifiedCount),
		zap.Int("mismatches", result.MismatchCount),
		zap.Int("orphans", result.OrphanedCount),
		zap.Float64("integrity", result.IntegrityPercentage),
		zap.String("classification", string(result.Classification)),
	)

	if err := a.votes.RecordAuditRun(ctx, result); err != nil {
		a.logger.Warn("failed to record audit run", zap.Error(err))
	}

	if err := a.events.PublishAuditCompleted(ctx, result); err != nil {
		a.logger.Error("failed to publish audit event", zap.Error(err))
	}

	return result, nil
}

// Start runs the audit every interval until ctx is done
func (a *AuditEngine) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("scheduled audit failed", zap.Error(err))
			}
		}
	}
}

// classify bands the exact verified/total ratio. The rounded percentage
// is for display and can sit on the other side of a threshold.
func classify(verified, total int) core.Classification {
	if total == 0 {
		return core.Healthy
	}
	scaled := decimal.NewFromInt(int64(verified)).Mul(decimal.NewFromInt(100))
	atLeast := func(threshold float64) bool {
		return scaled.GreaterThanOrEqual(decimal.NewFromFloat(threshold).Mul(decimal.NewFromInt(int64(total))))
	}

	switch {
	case atLeast(core.HealthyThreshold):
		return core.Healthy
	case atLeast(core.DegradedThreshold):
		return core.Degraded
	default:
		return core.Critical
	}
}

// integrity returns verified/total as a percentage rounded to two places
func integrity(verified, total int) float64 {
	if total == 0 {
		return 100
	}
	return decimal.NewFromInt(int64(verified)).
		Div(decimal.NewFromInt(int64(total))).
		Mul(decimal.NewFromInt(100)).
		Round(2).
		InexactFloat64()
}
