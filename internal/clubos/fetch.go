package clubos

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const report_fetcher_fetch_member = "fetcher.fetch-member"

// DefaultInclude asks the list endpoint to embed invoices so that detail calls are only
// needed for agreements it does not embed them for.
var DefaultInclude = []string{"invoices"}

// FetchMember lists the delegated member's agreements and fills in invoices, falling back to
// one detail call per agreement the list did not embed invoices for.
//
// It only fails when the list call fails (or the session dies), a detail call that fails
// leaves its agreement Unavailable with a warning and the rest are still fetched.
func (c *Client) FetchMember(ctx context.Context, auth AuthContext, include []string) (enriched []EnrichedAgreement, err error) {
	if auth.Session == nil || auth.Delegation == nil {
		return nil, ErrNoDelegation
	}
	memberID := auth.Delegation.MemberID

	ctx, span := tracer.Start(ctx, "client:FetchMember")
	span.SetAttributes(attribute.String("member_id", memberID))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	release, err := auth.Session.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	listed, err := c.fetchList(ctx, auth, memberID, include)
	if err != nil {
		return nil, err
	}

	enriched = make([]EnrichedAgreement, 0, len(listed))
	unavailable := 0
	for _, item := range listed {
		if item.InvoicesEmbedded {
			enriched = append(enriched, EnrichedAgreement{
				Agreement:  item.Agreement,
				Invoices:   item.Invoices,
				Provenance: ProvenanceList,
			})
			continue
		}

		detail, report, err := c.fetchDetail(ctx, auth, item.ID)
		if err != nil {
			// a canceled fetch is not a partial result
			if ctx.Err() != nil {
				return nil, fmt.Errorf("fetch agreement %q: %w", item.ID, ctx.Err())
			}
			var expired *SessionExpiredError
			if errors.As(err, &expired) {
				return nil, err
			}

			unavailable++
			enriched = append(enriched, EnrichedAgreement{
				Agreement:  item.Agreement,
				Provenance: ProvenanceUnavailable,
				Warning: &PartialEnrichmentWarning{
					AgreementID: item.ID,
					Attempts:    len(report.Attempts),
					Cause:       err,
				},
				DetailReport: &report,
			})
			continue
		}

		agreement := item.Agreement
		if agreement.Name == "" {
			agreement.Name = detail.Name
		}
		if agreement.Status == "" {
			agreement.Status = detail.Status
		}
		enriched = append(enriched, EnrichedAgreement{
			Agreement:    agreement,
			Invoices:     detail.Invoices,
			Provenance:   ProvenanceDetailFallback,
			DetailReport: &report,
		})
	}

	if unavailable > 0 {
		c.tel.ReportWarning(report_fetcher_fetch_member, memberID, unavailable, len(enriched))
	}
	span.SetAttributes(
		attribute.Int("agreements", len(enriched)),
		attribute.Int("unavailable", unavailable),
	)
	return enriched, nil
}
