package clubos

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"gymbot-backend/internal/components/retry"

	"github.com/go-resty/resty/v2"
)

const (
	report_fetcher_list_agreements  = "fetcher.list-agreements"
	report_fetcher_agreement_detail = "fetcher.agreement-detail"
	report_fetcher_parse_invoice    = "fetcher.parse-invoice"
)

// ids come back as numbers from some endpoints and strings from others
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		err := json.Unmarshal(data, &str)
		if err != nil {
			return err
		}
		*f = flexString(str)
		return nil
	}
	var num json.Number
	err := json.Unmarshal(data, &num)
	if err != nil {
		return err
	}
	*f = flexString(num.String())
	return nil
}

type wireAgreement struct {
	ID              flexString `json:"id"`
	Name            string     `json:"name"`
	MemberID        flexString `json:"memberId"`
	AgreementStatus flexString `json:"agreementStatus"`
}

type wireInclude struct {
	Invoices []map[string]any `json:"invoices"`
}

// wireEntry is one element of the list response or the whole detail response, the
// agreement fields are either nested under packageAgreement or at the top level.
type wireEntry struct {
	wireAgreement
	PackageAgreement *wireAgreement   `json:"packageAgreement"`
	Invoices         []map[string]any `json:"invoices"`
	Include          *wireInclude     `json:"include"`
}

func pick(nested, top flexString) string {
	if nested != "" {
		return string(nested)
	}
	return string(top)
}

func (e wireEntry) agreement() Agreement {
	nested := wireAgreement{}
	if e.PackageAgreement != nil {
		nested = *e.PackageAgreement
	}
	name := nested.Name
	if name == "" {
		name = e.Name
	}
	return Agreement{
		ID:       pick(nested.ID, e.ID),
		Name:     name,
		MemberID: pick(nested.MemberID, e.MemberID),
		Status:   pick(nested.AgreementStatus, e.AgreementStatus),
	}
}

// rawInvoices returns the embedded invoices and whether any were embedded at all (an
// empty array still counts).
func (e wireEntry) rawInvoices() ([]map[string]any, bool) {
	if e.Include != nil && e.Include.Invoices != nil {
		return e.Include.Invoices, true
	}
	if e.Invoices != nil {
		return e.Invoices, true
	}
	return nil, false
}

func (c *Client) parseInvoices(agreementID string, raw []map[string]any) []Invoice {
	invoices := make([]Invoice, 0, len(raw))
	for _, entry := range raw {
		invoice, err := parseInvoice(agreementID, entry)
		if err != nil {
			c.tel.ReportWarning(report_fetcher_parse_invoice, err)
		}
		invoices = append(invoices, invoice)
	}
	return invoices
}

func (c *Client) checkAuth(session *Session, auth AuthContext, memberID string) error {
	if auth.Session != session {
		return fmt.Errorf("clubos: auth context belongs to another session")
	}
	if auth.Delegation == nil {
		return ErrNoDelegation
	}
	if auth.Delegation.MemberID != memberID || !auth.Delegation.validFor(session) {
		return ErrDelegationMismatch
	}
	return nil
}

// FetchAgreementList lists the delegated member's package agreements. include is sent as
// repeated include= parameters, when the server honors "invoices" they come back inline.
func (c *Client) FetchAgreementList(ctx context.Context, auth AuthContext, memberID string, include []string) ([]ListedAgreement, error) {
	if auth.Session == nil {
		return nil, fmt.Errorf("clubos: list agreements: no session")
	}
	release, err := auth.Session.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return c.fetchList(ctx, auth, memberID, include)
}

func (c *Client) fetchList(ctx context.Context, auth AuthContext, memberID string, include []string) ([]ListedAgreement, error) {
	session := auth.Session
	err := c.checkAuth(session, auth, memberID)
	if err != nil {
		return nil, err
	}

	// the browser always opens the services page first, it is fine if that fails
	_, _, err = session.get(ctx, auth, KindServicesPage, "services-page", pathServices, nil)
	if err != nil {
		if !session.Alive() {
			return nil, err
		}
		c.tel.ReportWarning(report_fetcher_list_agreements, "services page", err)
	}

	res, _, err := session.get(
		ctx, auth, KindAgreementList, "agreement-list", pathList,
		func(req *resty.Request) {
			c.cacheBust(req)
			params := url.Values{}
			params.Set("memberId", memberID)
			if c.opts.ClubID != "" {
				params.Set("clubId", c.opts.ClubID)
			}
			for _, field := range include {
				params.Add("include", field)
			}
			req.SetQueryParamsFromValues(params)
		},
	)
	if err != nil {
		c.tel.ReportBroken(report_fetcher_list_agreements, memberID, err)
		return nil, err
	}

	var entries []wireEntry
	err = json.Unmarshal(res.Body(), &entries)
	if err != nil {
		err = fmt.Errorf("clubos: decode agreement list of member %q: %w", memberID, err)
		c.tel.ReportBroken(report_fetcher_list_agreements, err)
		return nil, err
	}

	listed := make([]ListedAgreement, 0, len(entries))
	for _, entry := range entries {
		agreement := entry.agreement()
		if agreement.ID == "" {
			c.tel.ReportWarning(report_fetcher_list_agreements, "agreement without id", memberID)
			continue
		}
		if agreement.MemberID != "" && agreement.MemberID != memberID {
			c.tel.ReportWarning(
				report_fetcher_list_agreements,
				fmt.Errorf("dropping agreement %q of member %q listed for member %q", agreement.ID, agreement.MemberID, memberID),
			)
			continue
		}
		if agreement.MemberID == "" {
			agreement.MemberID = memberID
		}

		item := ListedAgreement{Agreement: agreement}
		raw, embedded := entry.rawInvoices()
		if embedded {
			item.InvoicesEmbedded = true
			item.Invoices = c.parseInvoices(agreement.ID, raw)
		}
		listed = append(listed, item)
	}

	c.tel.ReportCount(report_fetcher_list_agreements, int64(len(listed)))
	return listed, nil
}

type AgreementDetail struct {
	Agreement
	Invoices []Invoice
}

// FetchAgreementDetail loads one agreement with its invoices, retried under the client's
// policy. The report is returned even when the call fails.
func (c *Client) FetchAgreementDetail(ctx context.Context, auth AuthContext, agreementID string) (AgreementDetail, retry.Report, error) {
	if auth.Session == nil {
		return AgreementDetail{}, retry.Report{}, fmt.Errorf("clubos: agreement detail: no session")
	}
	release, err := auth.Session.acquire()
	if err != nil {
		return AgreementDetail{}, retry.Report{}, err
	}
	defer release()
	return c.fetchDetail(ctx, auth, agreementID)
}

func (c *Client) fetchDetail(ctx context.Context, auth AuthContext, agreementID string) (AgreementDetail, retry.Report, error) {
	res, report, err := auth.Session.get(
		ctx, auth, KindAgreementDetail, "agreement-detail",
		fmt.Sprintf(pathDetail, url.PathEscape(agreementID)),
		func(req *resty.Request) {
			params := url.Values{}
			for _, field := range []string{"invoices", "scheduledPayments", "prohibitChangeTypes"} {
				params.Add("include", field)
			}
			req.SetQueryParamsFromValues(params)
			c.cacheBust(req)
		},
	)
	if err != nil {
		c.tel.ReportWarning(report_fetcher_agreement_detail, agreementID, err)
		return AgreementDetail{}, report, err
	}

	var entry wireEntry
	err = json.Unmarshal(res.Body(), &entry)
	if err != nil {
		err = fmt.Errorf("clubos: decode agreement %q: %w", agreementID, err)
		c.tel.ReportBroken(report_fetcher_agreement_detail, err)
		return AgreementDetail{}, report, err
	}

	agreement := entry.agreement()
	if agreement.ID == "" {
		agreement.ID = agreementID
	}
	raw, _ := entry.rawInvoices()
	return AgreementDetail{
		Agreement: agreement,
		Invoices:  c.parseInvoices(agreementID, raw),
	}, report, nil
}
