package service

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/layer-3/votechain/core"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Render writes the audit result as text or JSON
func Render(w io.Writer, result *core.AuditResult, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case FormatText, "":
		return renderText(w, result)
	default:
		return fmt.Errorf("%w: unknown format %q", core.ErrValidation, format)
	}
}

func renderText(w io.Writer, r *core.AuditResult) error {
	lines := []string{
		fmt.Sprintf("Audit report %s", r.GeneratedAt.UTC().Format(time.RFC3339)),
		fmt.Sprintf("  total checked:  %d", r.TotalChecked),
		fmt.Sprintf("  verified:       %d", r.VerifiedCount),
		fmt.Sprintf("  mismatches:     %d", r.MismatchCount),
		fmt.Sprintf("  integrity:      %.2f%%", r.IntegrityPercentage),
		fmt.Sprintf("  classification: %s", r.Classification),
		fmt.Sprintf("  orphaned txs:   %d", r.OrphanedCount),
	}

	if len(r.Mismatches) > 0 {
		lines = append(lines, "", "Mismatches:")
		for _, m := range r.Mismatches {
			lines = append(lines, fmt.Sprintf("  - vote %s tx %s: %s", m.VoteID, m.TxRef, m.Reason))
		}
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
