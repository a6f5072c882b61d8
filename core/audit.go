package core

import "time"

// Classification bands an integrity percentage
type Classification string

const (
	Healthy  Classification = "healthy"
	Degraded Classification = "degraded"
	Critical Classification = "critical"
)

const (
	// HealthyThreshold is the lowest integrity percentage still considered healthy
	HealthyThreshold = 95.0

	// DegradedThreshold is the lowest integrity percentage still considered degraded
	DegradedThreshold = 80.0
)

// Classify maps an integrity percentage onto its band.
func Classify(percentage float64) Classification {
	switch {
	case percentage >= HealthyThreshold:
		return Healthy
	case percentage >= DegradedThreshold:
		return Degraded
	default:
		return Critical
	}
}

// Mismatch describes one local vote that the ledger does not confirm
type Mismatch struct {
	VoteID string `json:"vote_id"`
	TxRef  string `json:"tx_ref"`
	Reason string `json:"reason"`
}

// AuditResult is a point-in-time reconciliation report
type AuditResult struct {
	TotalChecked        int            `json:"total_checked"`
	VerifiedCount       int            `json:"verified_count"`
	MismatchCount       int            `json:"mismatch_count"`
	IntegrityPercentage float64        `json:"integrity_percentage"`
	Classification      Classification `json:"classification"`
	OrphanedCount       int            `json:"orphaned_count"`
	Mismatches          []Mismatch     `json:"mismatches,omitempty"`
	GeneratedAt         time.Time      `json:"generated_at"`
}
