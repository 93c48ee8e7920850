package clubos

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// numeric invoiceStatus values as the agreement api reports them
const (
	invoiceStatusPaid       = 1
	invoiceStatusPending    = 2
	invoiceStatusRejected   = 3
	invoiceStatusUnpaid     = 4
	invoiceStatusDelinquent = 5
	invoiceStatusChargeback = 8
)

var textStatuses = map[string]InvoiceStatus{
	"paid":       StatusPaid,
	"pending":    StatusPending,
	"scheduled":  StatusPending,
	"delinquent": StatusPastDue,
	"past due":   StatusPastDue,
	"pay now":    StatusPastDue,
	"unpaid":     StatusPastDue,
	"overdue":    StatusPastDue,
	"rejected":   StatusPastDue,
	"chargeback": StatusPastDue,
}

func firstPresent(raw map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		value, ok := raw[key]
		if ok && value != nil {
			if str, isStr := value.(string); isStr && strings.TrimSpace(str) == "" {
				continue
			}
			return value, true
		}
	}
	return nil, false
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	}
	return fmt.Sprint(value)
}

func roundCents(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// parseAmount accepts numbers and strings like "$1,250.00".
func parseAmount(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return roundCents(v), nil
	case string:
		cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(v)
		amount, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q", v)
		}
		return roundCents(amount), nil
	}
	return 0, fmt.Errorf("invalid amount %v (%T)", value, value)
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
}

func parseDueDate(value any) (time.Time, error) {
	switch v := value.(type) {
	case float64:
		// epoch millis
		return time.UnixMilli(int64(v)).UTC(), nil
	case string:
		for _, layout := range dateLayouts {
			t, err := time.Parse(layout, v)
			if err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid date %q", v)
	}
	return time.Time{}, fmt.Errorf("invalid date %v (%T)", value, value)
}

func statusFromCode(code int) (InvoiceStatus, bool) {
	switch code {
	case invoiceStatusPaid:
		return StatusPaid, true
	case invoiceStatusPending:
		return StatusPending, true
	case invoiceStatusRejected, invoiceStatusUnpaid, invoiceStatusDelinquent, invoiceStatusChargeback:
		return StatusPastDue, true
	}
	return StatusOther, false
}

func statusFromText(text string) InvoiceStatus {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.ReplaceAll(normalized, "_", " ")
	status, ok := textStatuses[normalized]
	if !ok {
		return StatusOther
	}
	return status
}

// parseStatus prefers the numeric invoiceStatus, the textual status is only consulted when
// the code is absent or unknown.
func parseStatus(raw map[string]any) (InvoiceStatus, string) {
	if value, ok := firstPresent(raw, "invoiceStatus"); ok {
		rawStatus := stringify(value)
		code, err := strconv.Atoi(rawStatus)
		if err == nil {
			if status, known := statusFromCode(code); known {
				return status, rawStatus
			}
		}
	}
	if value, ok := firstPresent(raw, "status", "statusMessage"); ok {
		text := stringify(value)
		return statusFromText(text), text
	}
	if value, ok := firstPresent(raw, "invoiceStatus"); ok {
		return StatusOther, stringify(value)
	}
	return StatusOther, ""
}

// parseInvoice never drops an invoice, fields that could not be parsed are left zero and
// reported through the returned error.
func parseInvoice(agreementID string, raw map[string]any) (Invoice, error) {
	invoice := Invoice{AgreementID: agreementID}
	if id, ok := firstPresent(raw, "id", "invoiceId"); ok {
		invoice.ID = stringify(id)
	}
	invoice.Status, invoice.RawStatus = parseStatus(raw)

	var errs []string
	if value, ok := firstPresent(raw, "invoice_total", "total", "remainingTotal", "amount"); ok {
		amount, err := parseAmount(value)
		if err != nil {
			errs = append(errs, err.Error())
		}
		invoice.Amount = amount
	} else {
		errs = append(errs, "no amount")
	}
	if value, ok := firstPresent(raw, "dueDate", "billingDate", "invoiceDate"); ok {
		due, err := parseDueDate(value)
		if err != nil {
			errs = append(errs, err.Error())
		}
		invoice.DueDate = due
	}

	if len(errs) > 0 {
		return invoice, fmt.Errorf("invoice %q of agreement %q: %s", invoice.ID, agreementID, strings.Join(errs, ", "))
	}
	return invoice, nil
}
