package domain

import "time"

type OperationKind string

const (
	OpCreated     OperationKind = "created"
	OpProcessing  OperationKind = "processing"
	OpStateChange OperationKind = "state_change"
	OpArtifact    OperationKind = "artifact"
	OpSubmit      OperationKind = "submit"
	OpRetry       OperationKind = "retry"
	OpRender      OperationKind = "render"
	OpPoll        OperationKind = "poll"
)

// OperationLogEntry is an append-only audit record.
type OperationLogEntry struct {
	ID            int64         `json:"id"`
	InvoiceID     string        `json:"invoice_id"`
	Kind          OperationKind `json:"kind"`
	Description   string        `json:"description"`
	PreviousState InvoiceStatus `json:"previous_state,omitempty"`
	NextState     InvoiceStatus `json:"next_state,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// OperationKindFor maps a lifecycle trigger to the log kind it records.
func OperationKindFor(trigger Trigger) OperationKind {
	switch trigger {
	case TriggerDequeue, TriggerRedelivery:
		return OpProcessing
	case TriggerRetry:
		return OpRetry
	case TriggerPoll:
		return OpPoll
	default:
		return OpStateChange
	}
}
