// Package summarystore keeps the latest past due summary of every member.
package summarystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"gymbot-backend/internal/billing"
	"gymbot-backend/internal/db"
)

var ErrNotFound = errors.New("summarystore: no summary for member")

type Store struct {
	qry    *db.Queries
	makeTx db.MakeTx
}

// Open applies the schema and returns a store backed by database.
func Open(ctx context.Context, database *sql.DB) (Store, error) {
	_, err := database.ExecContext(ctx, db.Schema)
	if err != nil {
		return Store{}, fmt.Errorf("apply schema: %w", err)
	}
	return Store{
		qry:    db.New(database),
		makeTx: db.NewMakeTx(database),
	}, nil
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}

// Push replaces the stored summary of every member in summaries, in a single transaction.
func (s Store) Push(ctx context.Context, summaries []billing.PastDueSummary) error {
	txqry, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		return err
	}
	defer discard()

	for _, summary := range summaries {
		err = txqry.UpsertSummary(ctx, db.UpsertSummaryParams{
			MemberId:          summary.MemberID,
			TotalPastDueCents: int64(math.Round(summary.TotalPastDue * 100)),
			InvoiceCount:      int64(summary.InvoiceCount),
			Complete:          boolToInt(summary.Complete),
			GeneratedAt:       summary.GeneratedAt.UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("upsert summary of %q: %w", summary.MemberID, err)
		}

		err = txqry.DeleteUnavailableAgreements(ctx, summary.MemberID)
		if err != nil {
			return err
		}
		for _, agreementID := range summary.AgreementsUnavailable {
			err = txqry.CreateUnavailableAgreement(ctx, db.CreateUnavailableAgreementParams{
				MemberId:    summary.MemberID,
				AgreementId: agreementID,
			})
			if err != nil {
				return err
			}
		}
	}

	return commit()
}

func (s Store) toSummary(ctx context.Context, row db.PastDueSummary) (billing.PastDueSummary, error) {
	unavailable, err := s.qry.GetUnavailableAgreements(ctx, row.MemberId)
	if err != nil {
		return billing.PastDueSummary{}, err
	}
	if unavailable == nil {
		unavailable = []string{}
	}
	return billing.PastDueSummary{
		MemberID:              row.MemberId,
		TotalPastDue:          float64(row.TotalPastDueCents) / 100,
		InvoiceCount:          int(row.InvoiceCount),
		Complete:              row.Complete != 0,
		GeneratedAt:           time.UnixMilli(row.GeneratedAt).UTC(),
		AgreementsUnavailable: unavailable,
	}, nil
}

func (s Store) Get(ctx context.Context, memberID string) (billing.PastDueSummary, error) {
	row, err := s.qry.GetSummary(ctx, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.PastDueSummary{}, ErrNotFound
	}
	if err != nil {
		return billing.PastDueSummary{}, err
	}
	return s.toSummary(ctx, row)
}

func (s Store) List(ctx context.Context) ([]billing.PastDueSummary, error) {
	rows, err := s.qry.ListSummaries(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]billing.PastDueSummary, 0, len(rows))
	for _, row := range rows {
		summary, err := s.toSummary(ctx, row)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
