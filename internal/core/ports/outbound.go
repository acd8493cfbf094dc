package ports

import (
	"context"
	"io"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
)

// InvoiceRepository persists invoice records. Every state change is a
// conditional update on the expected previous status.
type InvoiceRepository interface {
	Create(ctx context.Context, inv *domain.Invoice) error
	GetByID(ctx context.Context, id string) (*domain.Invoice, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*domain.Invoice, error)
	// SaveIdentifiers stores the control id and security code unless the
	// record already carries them, and returns the stored pair.
	SaveIdentifiers(ctx context.Context, id, controlID, securityCode string) (string, string, error)
	SetArtifact(ctx context.Context, id, key string) error
	SetRenderPath(ctx context.Context, id, key string) error
	Transition(ctx context.Context, id string, change domain.StateChange) error
	ListAwaitingResult(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Invoice, error)
	ListQueuedBefore(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Invoice, error)
}

// IssuerRepository reads issuer configuration.
type IssuerRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Issuer, error)
}

// JobLedger is the durable record of queued work.
type JobLedger interface {
	Reserve(ctx context.Context, spec domain.JobSpec) (*domain.Job, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	// MarkActive returns ErrJobInFlight while another delivery holds a
	// live lease on the job.
	MarkActive(ctx context.Context, id string, generation int64) (*domain.Job, error)
	Heartbeat(ctx context.Context, id string, generation int64) error
	MarkCompleted(ctx context.Context, id string, generation int64) error
	MarkRetry(ctx context.Context, id string, generation int64, lastErr string, nextRunAt time.Time) error
	MarkFailed(ctx context.Context, id string, generation int64, lastErr string) error
	ReportProgress(ctx context.Context, id string, generation int64, pct int) error
	ListFailed(ctx context.Context, limit int) ([]domain.Job, error)
}

// OperationLog is the append-only audit trail.
type OperationLog interface {
	Append(ctx context.Context, entry domain.OperationLogEntry) error
	ListByInvoice(ctx context.Context, invoiceID string) ([]domain.OperationLogEntry, error)
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArtifactStore keeps signed documents and renderings.
type ArtifactStore interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// JobPublisher hands reserved jobs to the broker.
type JobPublisher interface {
	Publish(ctx context.Context, env domain.JobEnvelope) error
}

// JobDelivery is one broker delivery of a job envelope.
type JobDelivery interface {
	Data() []byte
	NumDelivered() uint64
	// PublishedAt is when the broker stored the message.
	PublishedAt() time.Time
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
	InProgress() error
}

// JobConsumer pulls deliveries for a queue with bounded concurrency.
type JobConsumer interface {
	Consume(ctx context.Context, queue string, concurrency int, handler func(context.Context, JobDelivery)) error
}

// JobDispatcher reserves a job in the ledger and publishes it.
type JobDispatcher interface {
	Enqueue(ctx context.Context, spec domain.JobSpec) (*domain.Job, error)
}

// DocumentAssembler builds the unsigned document.
type DocumentAssembler interface {
	Assemble(ctx context.Context, req domain.DocumentRequest) ([]byte, error)
}

// DocumentSigner signs a document with the issuer credential.
type DocumentSigner interface {
	Sign(ctx context.Context, issuer domain.Issuer, controlID string, document []byte) ([]byte, error)
}

// DocumentStamper inserts the verification code into a signed document.
type DocumentStamper interface {
	Stamp(ctx context.Context, issuer domain.Issuer, document []byte) ([]byte, error)
}

// SubmitRequest carries a signed document to the authority.
// CredentialRef names the issuer whose certificate authenticates the call.
type SubmitRequest struct {
	TrackingID    string
	Document      []byte
	Mode          domain.OperatingMode
	CredentialRef string
}

type QueryRequest struct {
	ControlID     string
	Mode          domain.OperatingMode
	CredentialRef string
}

// AuthorityClient talks to the remote tax authority.
type AuthorityClient interface {
	Submit(ctx context.Context, req SubmitRequest) (*domain.SubmissionResult, error)
	Query(ctx context.Context, req QueryRequest) (*domain.SubmissionResult, error)
}

// Renderer produces the printable representation of a signed document.
type Renderer interface {
	Render(ctx context.Context, document []byte) ([]byte, error)
}

// EventPublisher announces recorded lifecycle outcomes.
type EventPublisher interface {
	PublishInvoiceEvent(ctx context.Context, event domain.InvoiceEvent) error
}

// ProgressSink receives advisory job progress in percent.
type ProgressSink interface {
	Report(ctx context.Context, pct int) error
}

// StageObserver records per-stage pipeline timings.
type StageObserver interface {
	ObserveStage(stage string, seconds float64, err error)
}
