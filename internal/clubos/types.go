package clubos

import (
	"fmt"
	"time"

	"gymbot-backend/internal/components/retry"
)

type InvoiceStatus int

const (
	StatusOther InvoiceStatus = iota
	StatusPaid
	StatusPending
	StatusPastDue
)

func (s InvoiceStatus) String() string {
	switch s {
	case StatusPaid:
		return "paid"
	case StatusPending:
		return "pending"
	case StatusPastDue:
		return "past_due"
	}
	return "other"
}

type Agreement struct {
	ID       string
	Name     string
	MemberID string
	Status   string
}

type Invoice struct {
	ID          string
	AgreementID string
	// Amount is in dollars, rounded to cents.
	Amount  float64
	DueDate time.Time
	Status  InvoiceStatus
	// RawStatus is what the server sent, for debugging unmapped statuses.
	RawStatus string
}

// ListedAgreement is an agreement as the list endpoint returned it.
type ListedAgreement struct {
	Agreement
	// InvoicesEmbedded is true when the list answered with the invoices inline (possibly
	// none), in which case no detail call is needed.
	InvoicesEmbedded bool
	Invoices         []Invoice
}

type Provenance int

const (
	ProvenanceList Provenance = iota
	ProvenanceDetailFallback
	ProvenanceUnavailable
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceList:
		return "list"
	case ProvenanceDetailFallback:
		return "detail_fallback"
	case ProvenanceUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("provenance(%d)", int(p))
}

// PartialEnrichmentWarning explains why an agreement ended up Unavailable. It is attached
// to the agreement, never returned as an error.
type PartialEnrichmentWarning struct {
	AgreementID string
	Attempts    int
	Cause       error
}

func (w PartialEnrichmentWarning) String() string {
	return fmt.Sprintf(
		"agreement %s unavailable after %d attempt(s): %v",
		w.AgreementID, w.Attempts, w.Cause,
	)
}

type EnrichedAgreement struct {
	Agreement
	Invoices   []Invoice
	Provenance Provenance
	// Warning is set iff Provenance is ProvenanceUnavailable.
	Warning *PartialEnrichmentWarning
	// DetailReport holds the detail call attempts, it is nil for ProvenanceList.
	DetailReport *retry.Report
}
