package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	documentNumberDigits = 7
	branchCodeDigits     = 3
	defaultCurrency      = "PYG"
	emissionTypeNormal   = 1
	conditionCash        = 1
)

var issueDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

var localZone = loadLocalZone()

func loadLocalZone() *time.Location {
	loc, err := time.LoadLocation("America/Asuncion")
	if err != nil {
		return time.FixedZone("PYT", -3*60*60)
	}
	return loc
}

// LocalZone is the zone issuance dates without an offset are read in.
func LocalZone() *time.Location {
	return localZone
}

// NormalizedInput is a validated copy of the raw document payload.
type NormalizedInput struct {
	InvoiceInput
	IssuedAt time.Time
}

// NormalizeInput validates raw input and returns a normalized copy. The
// argument is never modified. documentNumber overrides the payload number
// when set.
func NormalizeInput(in InvoiceInput, documentNumber string) (NormalizedInput, error) {
	out := in
	out.Items = append([]InputItem(nil), in.Items...)

	number := strings.TrimSpace(documentNumber)
	if number == "" {
		number = strings.TrimSpace(in.DocumentNumber)
	}
	padded, err := PadDigits(number, documentNumberDigits)
	if err != nil {
		return NormalizedInput{}, WrapError(ErrInvalidInput, "normalize document number", err)
	}
	out.DocumentNumber = padded

	issuedAt, err := ParseIssueDate(in.IssueDate)
	if err != nil {
		return NormalizedInput{}, WrapError(ErrInvalidInput, "normalize issue date", err)
	}
	out.IssueDate = issuedAt.Format(time.RFC3339)

	if out.DocumentType == 0 {
		out.DocumentType = DocumentTypeInvoice
	}
	if out.EmissionType == 0 {
		out.EmissionType = emissionTypeNormal
	}
	if out.Condition == 0 {
		out.Condition = conditionCash
	}
	out.Currency = strings.ToUpper(strings.TrimSpace(out.Currency))
	if out.Currency == "" {
		out.Currency = defaultCurrency
	}
	for _, code := range []*string{&out.Establishment, &out.EmissionPoint} {
		if strings.TrimSpace(*code) == "" {
			*code = ""
			continue
		}
		v, err := PadDigits(*code, branchCodeDigits)
		if err != nil {
			return NormalizedInput{}, WrapError(ErrInvalidInput, "normalize branch code", err)
		}
		*code = v
	}

	out.Receiver.Name = strings.TrimSpace(out.Receiver.Name)
	out.Receiver.TaxID = strings.TrimSpace(out.Receiver.TaxID)
	out.Receiver.TaxIDCheck = strings.TrimSpace(out.Receiver.TaxIDCheck)
	if out.Receiver.Name == "" {
		return NormalizedInput{}, WrapError(ErrInvalidInput, "normalize receiver", errors.New("receiver name is required"))
	}
	if out.Receiver.Country == "" {
		out.Receiver.Country = "PRY"
	}

	if len(out.Items) == 0 {
		return NormalizedInput{}, WrapError(ErrInvalidInput, "normalize items", errors.New("at least one item is required"))
	}
	for idx := range out.Items {
		item := &out.Items[idx]
		item.Description = strings.TrimSpace(item.Description)
		item.Code = strings.TrimSpace(item.Code)
		if item.Description == "" {
			return NormalizedInput{}, WrapError(ErrInvalidInput, "normalize items", fmt.Errorf("item %d: description is required", idx+1))
		}
		if !item.Quantity.GreaterThan(decimal.Zero) {
			return NormalizedInput{}, WrapError(ErrInvalidInput, "normalize items", fmt.Errorf("item %d: quantity must be positive", idx+1))
		}
		if item.UnitPrice.IsNegative() {
			return NormalizedInput{}, WrapError(ErrInvalidInput, "normalize items", fmt.Errorf("item %d: unit price must not be negative", idx+1))
		}
		switch item.VATRate {
		case 0, 5, 10:
		default:
			return NormalizedInput{}, WrapError(ErrInvalidInput, "normalize items", fmt.Errorf("item %d: unsupported vat rate %d", idx+1, item.VATRate))
		}
		if item.Code == "" {
			item.Code = fmt.Sprintf("%03d", idx+1)
		}
	}

	return NormalizedInput{InvoiceInput: out, IssuedAt: issuedAt}, nil
}

// ParseIssueDate accepts RFC3339 or a local date/date-time and returns the
// instant truncated to whole seconds.
func ParseIssueDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("issue date is required")
	}
	for _, layout := range issueDateLayouts {
		var (
			ts  time.Time
			err error
		)
		if layout == time.RFC3339 {
			ts, err = time.Parse(layout, raw)
		} else {
			ts, err = time.ParseInLocation(layout, raw, localZone)
		}
		if err == nil {
			return ts.In(localZone).Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported issue date %q", raw)
}

// PadDigits left-pads a numeric string with zeros up to width.
func PadDigits(value string, width int) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errors.New("value is required")
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%q is not numeric", value)
		}
	}
	if len(value) > width {
		trimmed := strings.TrimLeft(value, "0")
		if len(trimmed) > width {
			return "", fmt.Errorf("%q exceeds %d digits", value, width)
		}
		value = trimmed
	}
	return strings.Repeat("0", width-len(value)) + value, nil
}

// DocumentRequest is the merged view handed to the document assembler.
type DocumentRequest struct {
	Issuer        Issuer
	Input         NormalizedInput
	DocumentType  int
	Establishment string
	EmissionPoint string
	Number        string
	IssuedAt      time.Time
	ControlID     string
	SecurityCode  string
}

// MergeInput fills issuer defaults into normalized input.
func MergeInput(issuer Issuer, in NormalizedInput) DocumentRequest {
	req := DocumentRequest{
		Issuer:        issuer,
		Input:         in,
		DocumentType:  in.DocumentType,
		Establishment: in.Establishment,
		EmissionPoint: in.EmissionPoint,
		Number:        in.DocumentNumber,
		IssuedAt:      in.IssuedAt,
	}
	if req.Establishment == "" {
		req.Establishment = issuer.Establishment
	}
	if req.EmissionPoint == "" {
		req.EmissionPoint = issuer.EmissionPoint
	}
	if req.DocumentType == 0 {
		req.DocumentType = DocumentTypeInvoice
	}
	return req
}

func (r DocumentRequest) Correlative() string {
	return Correlative(r.Establishment, r.EmissionPoint, r.Number)
}

func Correlative(establishment, point, number string) string {
	return establishment + "-" + point + "-" + number
}
