package billing

import (
	"errors"
	"testing"

	"gymbot-backend/internal/clubos"

	"github.com/stretchr/testify/require"
)

func invoice(status clubos.InvoiceStatus, amount float64) clubos.Invoice {
	return clubos.Invoice{Status: status, Amount: amount}
}

func available(id string, provenance clubos.Provenance, invoices ...clubos.Invoice) clubos.EnrichedAgreement {
	return clubos.EnrichedAgreement{
		Agreement:  clubos.Agreement{ID: id},
		Invoices:   invoices,
		Provenance: provenance,
	}
}

func unavailable(id string) clubos.EnrichedAgreement {
	return clubos.EnrichedAgreement{
		Agreement:  clubos.Agreement{ID: id},
		Provenance: clubos.ProvenanceUnavailable,
		Warning: &clubos.PartialEnrichmentWarning{
			AgreementID: id,
			Attempts:    3,
			Cause:       errors.New("server error 500"),
		},
	}
}

func TestNormalizeAllPaid(t *testing.T) {
	summary := Normalize("X", []clubos.EnrichedAgreement{
		available("A", clubos.ProvenanceList, invoice(clubos.StatusPaid, 50), invoice(clubos.StatusPaid, 20)),
		available("B", clubos.ProvenanceDetailFallback, invoice(clubos.StatusPaid, 10)),
	})
	require.Equal(t, "X", summary.MemberID)
	require.Equal(t, 0.0, summary.TotalPastDue)
	require.Equal(t, 0, summary.InvoiceCount)
	require.True(t, summary.Complete)
	require.Empty(t, summary.AgreementsUnavailable)
}

func TestNormalizeNoAgreements(t *testing.T) {
	summary := Normalize("X", nil)
	require.Equal(t, 0.0, summary.TotalPastDue)
	require.True(t, summary.Complete)
	require.NotNil(t, summary.AgreementsUnavailable)
}

func TestNormalizeMemberWithUnavailableAgreement(t *testing.T) {
	summary := Normalize("X", []clubos.EnrichedAgreement{
		available("A", clubos.ProvenanceList,
			invoice(clubos.StatusPastDue, 50.00),
			invoice(clubos.StatusPaid, 30.00),
		),
		unavailable("B"),
	})
	require.Equal(t, 50.00, summary.TotalPastDue)
	require.Equal(t, 1, summary.InvoiceCount)
	require.False(t, summary.Complete)
	require.Equal(t, []string{"B"}, summary.AgreementsUnavailable)
}

func TestNormalizeMixedProvenance(t *testing.T) {
	summary := Normalize("X", []clubos.EnrichedAgreement{
		available("A", clubos.ProvenanceList,
			invoice(clubos.StatusPastDue, 0.10),
			invoice(clubos.StatusPending, 99),
		),
		available("B", clubos.ProvenanceDetailFallback,
			invoice(clubos.StatusPastDue, 0.20),
			invoice(clubos.StatusOther, 5),
		),
		unavailable("C"),
	})
	// 0.1 + 0.2 without float drift
	require.Equal(t, 0.30, summary.TotalPastDue)
	require.Equal(t, 2, summary.InvoiceCount)
	require.False(t, summary.Complete)
	require.Equal(t, []string{"C"}, summary.AgreementsUnavailable)
}

func TestNormalizeCountsInactiveAgreements(t *testing.T) {
	// agreementStatus 2 is active, a cancelled agreement can still owe money
	cancelled := available("A", clubos.ProvenanceDetailFallback, invoice(clubos.StatusPastDue, 40))
	cancelled.Status = "3"

	summary := Normalize("X", []clubos.EnrichedAgreement{
		cancelled,
		available("B", clubos.ProvenanceList, invoice(clubos.StatusPastDue, 10)),
	})
	require.Equal(t, 50.0, summary.TotalPastDue)
	require.Equal(t, 2, summary.InvoiceCount)
	require.True(t, summary.Complete)
}
