package db

type PastDueSummary struct {
	MemberId          string
	TotalPastDueCents int64
	InvoiceCount      int64
	Complete          int64
	GeneratedAt       int64
}

type UnavailableAgreement struct {
	MemberId    string
	AgreementId string
}
