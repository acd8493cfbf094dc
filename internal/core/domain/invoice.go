package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	StatusQueued     InvoiceStatus = "queued"
	StatusProcessing InvoiceStatus = "processing"
	StatusSubmitted  InvoiceStatus = "submitted"
	StatusAccepted   InvoiceStatus = "accepted"
	StatusRejected   InvoiceStatus = "rejected"
	StatusError      InvoiceStatus = "error"
)

// Terminal reports whether the status ends an attempt. Only error can be
// re-entered, and only through an explicit retry or a queue redelivery.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusError:
		return true
	default:
		return false
	}
}

// ResultCodeNoConnection marks outcomes where the authority never answered.
const ResultCodeNoConnection = "NO_CONNECTION"

// DocumentTypeInvoice is the code for an electronic invoice.
const DocumentTypeInvoice = 1

type Invoice struct {
	ID             string            `json:"id"`
	IssuerID       string            `json:"issuer_id"`
	Fingerprint    string            `json:"fingerprint"`
	DocumentType   int               `json:"document_type"`
	DocumentNumber string            `json:"document_number"`
	Correlative    string            `json:"correlative"`
	ControlID      string            `json:"control_id,omitempty"`
	SecurityCode   string            `json:"-"`
	Status         InvoiceStatus     `json:"status"`
	ResultCode     string            `json:"result_code,omitempty"`
	ResultMessage  string            `json:"result_message,omitempty"`
	ArtifactPath   string            `json:"artifact_path,omitempty"`
	RenderPath     string            `json:"render_path,omitempty"`
	Payload        json.RawMessage   `json:"-"`
	ClientMetadata map[string]string `json:"client_metadata,omitempty"`
	IssuedAt       time.Time         `json:"issued_at"`
	SubmittedAt    *time.Time        `json:"submitted_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (i *Invoice) HasArtifact() bool {
	return i != nil && i.ArtifactPath != ""
}

func (i *Invoice) HasIdentifiers() bool {
	return i != nil && i.ControlID != "" && i.SecurityCode != ""
}

// InvoiceInput is the raw document payload accepted at ingress.
type InvoiceInput struct {
	DocumentType   int         `json:"document_type,omitempty"`
	DocumentNumber string      `json:"document_number"`
	IssueDate      string      `json:"issue_date"`
	Establishment  string      `json:"establishment,omitempty"`
	EmissionPoint  string      `json:"emission_point,omitempty"`
	EmissionType   int         `json:"emission_type,omitempty"`
	Currency       string      `json:"currency,omitempty"`
	Condition      int         `json:"condition,omitempty"`
	Receiver       Receiver    `json:"receiver"`
	Items          []InputItem `json:"items"`
	Notes          string      `json:"notes,omitempty"`
}

type Receiver struct {
	TaxID      string `json:"tax_id,omitempty"`
	TaxIDCheck string `json:"tax_id_check,omitempty"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Address    string `json:"address,omitempty"`
	Country    string `json:"country,omitempty"`
}

func (r Receiver) IsTaxpayer() bool {
	return r.TaxID != ""
}

type InputItem struct {
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	VATRate     int             `json:"vat_rate"`
}

// SubmissionRequest is the ingress contract.
type SubmissionRequest struct {
	IssuerID       string            `json:"issuer_id"`
	DocumentNumber string            `json:"document_number"`
	Document       InvoiceInput      `json:"document"`
	ClientMetadata map[string]string `json:"client_metadata,omitempty"`
}

// StateChange describes one conditional lifecycle update plus its audit entry.
type StateChange struct {
	From        InvoiceStatus
	To          InvoiceStatus
	Trigger     Trigger
	Code        string
	Message     string
	SubmittedAt *time.Time
	Description string
}

// InvoiceView is what status queries expose.
type InvoiceView struct {
	ID                 string        `json:"id"`
	Status             InvoiceStatus `json:"status"`
	Correlative        string        `json:"correlative"`
	ControlID          string        `json:"control_id,omitempty"`
	ResultCode         string        `json:"result_code,omitempty"`
	ResultMessage      string        `json:"result_message,omitempty"`
	ArtifactAvailable  bool          `json:"artifact_available"`
	RenderingAvailable bool          `json:"rendering_available"`
	SubmittedAt        *time.Time    `json:"submitted_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

func (i *Invoice) View() InvoiceView {
	return InvoiceView{
		ID:                 i.ID,
		Status:             i.Status,
		Correlative:        i.Correlative,
		ControlID:          i.ControlID,
		ResultCode:         i.ResultCode,
		ResultMessage:      i.ResultMessage,
		ArtifactAvailable:  i.HasArtifact(),
		RenderingAvailable: i.RenderPath != "",
		SubmittedAt:        i.SubmittedAt,
		CreatedAt:          i.CreatedAt,
		UpdatedAt:          i.UpdatedAt,
	}
}
