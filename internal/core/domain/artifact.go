package domain

import (
	"fmt"
	"strings"
	"time"
)

// ArtifactKey is the storage key of a signed document:
// YYYY/MM/<doctype>_<authorization>_<EEE>-<PPP>-<NNNNNNN>_<invoice id>.xml
// The invoice id keeps records that share a document number apart.
func ArtifactKey(processedAt time.Time, docType int, authorization, correlative, invoiceID string) string {
	return fmt.Sprintf("%04d/%02d/%02d_%s_%s_%s.xml",
		processedAt.Year(), int(processedAt.Month()), docType, authorization, correlative, invoiceID)
}

// RenderKey derives the printable rendering key from an artifact key.
func RenderKey(artifactKey string) string {
	return strings.TrimSuffix(artifactKey, ".xml") + ".pdf"
}

// SubmissionResult is the decoded response of the remote authority.
type SubmissionResult struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ControlID string `json:"control_id,omitempty"`
	Raw       []byte `json:"-"`
}

// Outcome is an interpreted submission result.
type Outcome struct {
	Status  InvoiceStatus
	Code    string
	Message string
}

// InvoiceEvent is published after every recorded lifecycle outcome.
type InvoiceEvent struct {
	InvoiceID   string        `json:"invoice_id"`
	IssuerID    string        `json:"issuer_id"`
	Correlative string        `json:"correlative"`
	ControlID   string        `json:"control_id,omitempty"`
	Status      InvoiceStatus `json:"status"`
	Code        string        `json:"code,omitempty"`
	Message     string        `json:"message,omitempty"`
	OccurredAt  time.Time     `json:"occurred_at"`
}
