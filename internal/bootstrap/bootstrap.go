package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/config"
	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
	"github.com/jaranetwork/fepy-backend/internal/core/resultcode"
	"github.com/jaranetwork/fepy-backend/internal/core/usecase"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/authority/sifen"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/document/qr"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/document/xmlde"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/events/rabbitmq"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/queue/nats"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/render/pdf"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/repository/postgres"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/resilience"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/signing/xmldsig"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/storage/localfs"
	"github.com/jaranetwork/fepy-backend/internal/observability/metrics"
	"github.com/jaranetwork/fepy-backend/internal/worker"
)

// App holds the components shared by the api, the worker and the
// operator CLI.
type App struct {
	Config config.Config
	Logger *slog.Logger

	DB       *sql.DB
	Queue    *nats.Queue
	Invoices *postgres.InvoiceRepository
	Issuers  *postgres.IssuerRepository
	Ledger   *postgres.JobRepository
	OpLog    *postgres.OperationLogRepository
	Store    ports.ArtifactStore
	Events   ports.EventPublisher

	Dispatcher *usecase.JobDispatcher
	SubmitUC   *usecase.SubmitInvoiceUseCase
	QueryUC    *usecase.QueryInvoiceUseCase
	RetryUC    *usecase.RetryInvoiceUseCase

	closers []func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}

	db, err := postgres.OpenDB(cfg.PostgresDSN, 0)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.onClose(func() { _ = db.Close() })
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		app.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	app.DB = db
	app.Invoices = postgres.NewInvoiceRepository(db)
	app.Issuers = postgres.NewIssuerRepository(db)
	app.Ledger = postgres.NewJobRepository(db, cfg.NATSAckWait)
	app.OpLog = postgres.NewOperationLogRepository(db)

	store, err := localfs.New(cfg.StoragePath)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init artifact storage: %w", err)
	}
	app.Store = store

	brokerCfg := resilience.DefaultConfig()
	brokerCfg.Logger = logger
	queue, err := nats.NewWithOptions(ctx, cfg.NATSURL, nats.Options{
		Stream:             cfg.NATSStream,
		AckWait:            cfg.NATSAckWait,
		DuplicateWindow:    max(cfg.RequeueAfter, 2*time.Minute),
		ResilienceExecutor: resilience.NewExecutor(brokerCfg),
		Logger:             logger,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init job queue: %w", err)
	}
	app.onClose(queue.Close)
	app.Queue = queue

	if cfg.RabbitMQURL == "" {
		app.Events = rabbitmq.Noop{}
	} else {
		publisher, err := rabbitmq.New(cfg.RabbitMQURL, cfg.RabbitMQXchg, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init event publisher: %w", err)
		}
		app.onClose(func() { _ = publisher.Close() })
		app.Events = publisher
	}

	app.Dispatcher = usecase.NewJobDispatcher(app.Ledger, queue)
	app.SubmitUC = usecase.NewSubmitInvoiceUseCase(app.Invoices, app.Issuers, app.Dispatcher, app.ProcessPolicy(), logger)
	app.QueryUC = usecase.NewQueryInvoiceUseCase(app.Invoices, store, app.Ledger, app.OpLog)
	app.RetryUC = usecase.NewRetryInvoiceUseCase(app.Invoices, store, app.Dispatcher, app.ProcessPolicy())
	return app, nil
}

// ProcessPolicy is the retry policy of process and resubmit jobs.
func (a *App) ProcessPolicy() usecase.JobPolicy {
	return usecase.JobPolicy{MaxAttempts: a.Config.ProcessMaxAttempts, Backoff: a.backoff()}
}

func (a *App) RenderPolicy() usecase.JobPolicy {
	return usecase.JobPolicy{MaxAttempts: a.Config.RenderMaxAttempts, Backoff: a.backoff()}
}

func (a *App) backoff() domain.BackoffPolicy {
	return domain.BackoffPolicy{
		Initial:    a.Config.RetryInitialBackoff,
		Multiplier: a.Config.RetryBackoffMultiplier,
		Max:        a.Config.RetryMaxBackoff,
	}
}

// Ready reports whether the database and the broker are reachable.
func (a *App) Ready(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.DB.PingContext(pingCtx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if !a.Queue.Healthy() {
		return errors.New("nats: not connected")
	}
	return nil
}

// Credentials opens the encrypted issuer credential store.
func (a *App) Credentials() (*xmldsig.PKCS12Loader, error) {
	masterKey, err := xmldsig.ParseMasterKey(a.Config.CredentialMasterKey)
	if err != nil {
		return nil, err
	}
	return xmldsig.NewPKCS12Loader(a.Config.CredentialDir, masterKey)
}

// Authority builds the authority client. Every call goes through an
// executor carrying the configured outbound rate limit, and presents the
// issuer's certificate as its TLS client identity.
func (a *App) Authority(loader xmldsig.CredentialLoader) *sifen.Client {
	execCfg := resilience.AuthorityConfig(a.Config.AuthorityRateLimit, a.Config.AuthorityRateBurst)
	execCfg.Logger = a.Logger
	return sifen.New(sifen.Options{
		TestURL:            a.Config.AuthorityTestURL,
		ProdURL:            a.Config.AuthorityProdURL,
		Timeout:            a.Config.AuthorityTimeout,
		ResilienceExecutor: resilience.NewExecutor(execCfg),
		Identities:         xmldsig.NewTLSIdentities(a.Issuers, loader),
	})
}

// ResultCodes loads the configured result code table, falling back to the
// built-in one.
func (a *App) ResultCodes() (*resultcode.Table, error) {
	codes, err := resultcode.Load(a.Config.ResultCodesFile)
	if err != nil {
		return nil, fmt.Errorf("load result codes: %w", err)
	}
	return codes, nil
}

func (a *App) Reconciler(authority ports.AuthorityClient) (*usecase.ReconcileUseCase, error) {
	codes, err := a.ResultCodes()
	if err != nil {
		return nil, err
	}
	return usecase.NewReconcileUseCase(
		a.Invoices,
		a.Issuers,
		authority,
		codes,
		a.Ledger,
		a.Dispatcher,
		a.Events,
		a.ProcessPolicy(),
		a.Logger,
	), nil
}

// Worker is everything the worker process runs.
type Worker struct {
	Process   *worker.Runner
	Render    *worker.Runner
	Scheduler *worker.Scheduler
}

func (a *App) NewWorker(m *metrics.WorkerMetrics) (*Worker, error) {
	loader, err := a.Credentials()
	if err != nil {
		return nil, err
	}
	codes, err := a.ResultCodes()
	if err != nil {
		return nil, err
	}
	authority := a.Authority(loader)

	processUC := usecase.NewProcessInvoiceUseCase(
		a.Invoices,
		a.Issuers,
		a.Store,
		usecase.Pipeline{
			Assembler: xmlde.NewAssembler(),
			Signer:    xmldsig.NewSigner(loader),
			Stamper:   qr.NewStamper(),
			Authority: authority,
		},
		codes,
		a.Dispatcher,
		a.Events,
		m,
		a.RenderPolicy(),
		a.Logger,
	)
	renderUC := usecase.NewRenderInvoiceUseCase(a.Invoices, a.Store, pdf.NewRenderer(), a.Logger)
	reconcileUC, err := a.Reconciler(authority)
	if err != nil {
		return nil, err
	}

	return &Worker{
		Process: worker.NewRunner(domain.QueueProcess, a.Ledger, processUC, worker.Options{
			Timeout:   a.Config.JobTimeout,
			Heartbeat: a.Config.JobHeartbeat,
			Metrics:   m,
			Logger:    a.Logger,
		}),
		Render: worker.NewRunner(domain.QueueRender, a.Ledger, renderUC, worker.Options{
			Timeout:   a.Config.RenderTimeout,
			Heartbeat: a.Config.JobHeartbeat,
			Metrics:   m,
			Logger:    a.Logger,
		}),
		Scheduler: worker.NewScheduler(reconcileUC, worker.ScheduleConfig{
			Interval:     a.Config.PollInterval,
			PollAfter:    a.Config.PollAfter,
			RequeueAfter: a.Config.RequeueAfter,
			BatchSize:    a.Config.ReconcileBatch,
		}, a.Logger),
	}, nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse acquisition order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
