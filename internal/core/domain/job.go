package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// InFlight reports whether the job id is still reserved.
func (s JobState) InFlight() bool {
	return s == JobWaiting || s == JobActive
}

type JobKind string

const (
	JobProcess  JobKind = "process"
	JobResubmit JobKind = "resubmit"
	JobRender   JobKind = "render"
)

const (
	QueueProcess = "invoices.process"
	QueueRender  = "invoices.render"
)

// QueueFor returns the queue a job kind is published to.
func QueueFor(kind JobKind) string {
	if kind == JobRender {
		return QueueRender
	}
	return QueueProcess
}

// JobID derives the job identifier from the invoice it works on, so a
// second enqueue for the same invoice collides in the ledger.
func JobID(kind JobKind, invoiceID string) string {
	if kind == JobRender {
		return "render-" + invoiceID
	}
	return "process-" + invoiceID
}

// BackoffPolicy computes the delay before attempt n+1 after n failures.
type BackoffPolicy struct {
	Initial    time.Duration `json:"initial"`
	Multiplier float64       `json:"multiplier"`
	Max        time.Duration `json:"max"`
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Initial: 5 * time.Second, Multiplier: 2, Max: 10 * time.Minute}
}

// Delay returns Initial * Multiplier^(attempt-1), capped by Max.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	delay := float64(initial) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		return p.Max
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Kind        JobKind         `json:"kind"`
	InvoiceID   string          `json:"invoice_id"`
	Generation  int64           `json:"generation"`
	State       JobState        `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     BackoffPolicy   `json:"backoff"`
	Progress    int             `json:"progress"`
	LastError   string          `json:"last_error,omitempty"`
	NextRunAt   *time.Time      `json:"next_run_at,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// JobEnvelope is the broker message body.
type JobEnvelope struct {
	JobID      string  `json:"job_id"`
	Generation int64   `json:"generation"`
	Kind       JobKind `json:"kind"`
	InvoiceID  string  `json:"invoice_id"`
}

// MessageID is the broker deduplication key for one reservation.
func (e JobEnvelope) MessageID() string {
	return e.JobID + "#" + strconv.FormatInt(e.Generation, 10)
}

// ParseMessageID splits a broker message id back into job id and generation.
func ParseMessageID(id string) (string, int64, bool) {
	idx := strings.LastIndexByte(id, '#')
	if idx <= 0 {
		return "", 0, false
	}
	gen, err := strconv.ParseInt(id[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id[:idx], gen, true
}

// JobSpec is what callers hand to the dispatcher.
type JobSpec struct {
	Kind        JobKind
	InvoiceID   string
	MaxAttempts int
	Backoff     BackoffPolicy
}
