// source: query.sql

package db

import (
	"context"
)

const createUnavailableAgreement = `-- name: CreateUnavailableAgreement :exec
insert into UnavailableAgreement(memberId, agreementId) values (?, ?)
on conflict do nothing
`

type CreateUnavailableAgreementParams struct {
	MemberId    string
	AgreementId string
}

func (q *Queries) CreateUnavailableAgreement(ctx context.Context, arg CreateUnavailableAgreementParams) error {
	_, err := q.db.ExecContext(ctx, createUnavailableAgreement, arg.MemberId, arg.AgreementId)
	return err
}

const deleteUnavailableAgreements = `-- name: DeleteUnavailableAgreements :exec
delete from UnavailableAgreement where memberId = ?
`

func (q *Queries) DeleteUnavailableAgreements(ctx context.Context, memberid string) error {
	_, err := q.db.ExecContext(ctx, deleteUnavailableAgreements, memberid)
	return err
}

const getSummary = `-- name: GetSummary :one
select memberid, totalpastduecents, invoicecount, complete, generatedat from PastDueSummary where memberId = ?
`

func (q *Queries) GetSummary(ctx context.Context, memberid string) (PastDueSummary, error) {
	row := q.db.QueryRowContext(ctx, getSummary, memberid)
	var i PastDueSummary
	err := row.Scan(
		&i.MemberId,
		&i.TotalPastDueCents,
		&i.InvoiceCount,
		&i.Complete,
		&i.GeneratedAt,
	)
	return i, err
}

const getUnavailableAgreements = `-- name: GetUnavailableAgreements :many
select agreementId from UnavailableAgreement
where memberId = ?
order by agreementId
`

func (q *Queries) GetUnavailableAgreements(ctx context.Context, memberid string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, getUnavailableAgreements, memberid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var agreementid string
		if err := rows.Scan(&agreementid); err != nil {
			return nil, err
		}
		items = append(items, agreementid)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listSummaries = `-- name: ListSummaries :many
select memberid, totalpastduecents, invoicecount, complete, generatedat from PastDueSummary order by memberId
`

func (q *Queries) ListSummaries(ctx context.Context) ([]PastDueSummary, error) {
	rows, err := q.db.QueryContext(ctx, listSummaries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PastDueSummary
	for rows.Next() {
		var i PastDueSummary
		if err := rows.Scan(
			&i.MemberId,
			&i.TotalPastDueCents,
			&i.InvoiceCount,
			&i.Complete,
			&i.GeneratedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const upsertSummary = `-- name: UpsertSummary :exec
insert into PastDueSummary(memberId, totalPastDueCents, invoiceCount, complete, generatedAt)
values (?, ?, ?, ?, ?)
on conflict (memberId) do update set
    totalPastDueCents = excluded.totalPastDueCents,
    invoiceCount = excluded.invoiceCount,
    complete = excluded.complete,
    generatedAt = excluded.generatedAt
`

type UpsertSummaryParams struct {
	MemberId          string
	TotalPastDueCents int64
	InvoiceCount      int64
	Complete          int64
	GeneratedAt       int64
}

func (q *Queries) UpsertSummary(ctx context.Context, arg UpsertSummaryParams) error {
	_, err := q.db.ExecContext(ctx, upsertSummary,
		arg.MemberId,
		arg.TotalPastDueCents,
		arg.InvoiceCount,
		arg.Complete,
		arg.GeneratedAt,
	)
	return err
}
