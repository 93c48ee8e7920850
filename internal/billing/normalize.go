// Package billing turns enriched agreements into past due summaries and runs those for many
// members at a time.
package billing

import (
	"math"
	"time"

	"gymbot-backend/internal/clubos"
)

// PastDueSummary is the canonical per-member billing result. When Complete is false
// TotalPastDue is only a lower bound, the agreements in AgreementsUnavailable could not be
// read.
type PastDueSummary struct {
	MemberID     string    `json:"member_id"`
	TotalPastDue float64   `json:"total_past_due"`
	InvoiceCount int       `json:"invoice_count"`
	Complete     bool      `json:"complete"`
	GeneratedAt  time.Time `json:"generated_at"`

	AgreementsUnavailable []string `json:"agreements_unavailable"`
}

// Normalize sums the past due invoices of every agreement that could be read. It never
// fails, unreadable agreements only make the summary incomplete.
func Normalize(memberID string, agreements []clubos.EnrichedAgreement) PastDueSummary {
	summary := PastDueSummary{
		MemberID:              memberID,
		AgreementsUnavailable: []string{},
	}

	// summed in cents so that many small amounts don't drift
	var cents int64
	for _, agreement := range agreements {
		if agreement.Provenance == clubos.ProvenanceUnavailable {
			summary.AgreementsUnavailable = append(summary.AgreementsUnavailable, agreement.ID)
			continue
		}
		for _, invoice := range agreement.Invoices {
			if invoice.Status != clubos.StatusPastDue {
				continue
			}
			cents += int64(math.Round(invoice.Amount * 100))
			summary.InvoiceCount++
		}
	}

	summary.TotalPastDue = float64(cents) / 100
	summary.Complete = len(summary.AgreementsUnavailable) == 0
	return summary
}
