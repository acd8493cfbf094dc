package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/resilience"
)

const (
	DefaultStream   = "FEPY_JOBS"
	streamSubjects  = "invoices.>"
	defaultDupeWin  = 2 * time.Minute
	defaultAckWait  = 60 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Queue carries job envelopes over a JetStream work-queue stream. The
// ledger stays authoritative; the broker only delivers.
type Queue struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	stream   string
	opts     Options
	executor *resilience.Executor
}

type Options struct {
	Stream               string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	DuplicateWindow      time.Duration
	// AckWait is how long a delivery may go without a heartbeat before
	// the broker hands it to another worker.
	AckWait            time.Duration
	ResilienceExecutor *resilience.Executor
	Logger             *slog.Logger
}

func New(ctx context.Context, url string) (*Queue, error) {
	return NewWithOptions(ctx, url, Options{})
}

func NewWithOptions(ctx context.Context, url string, options Options) (*Queue, error) {
	options = options.normalize()
	logger := options.Logger
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("fepy-backend"),
		nats.Timeout(options.ConnectTimeout),
		nats.ReconnectWait(options.ReconnectWait),
		nats.MaxReconnects(options.MaxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	q := &Queue{
		conn:     conn,
		js:       js,
		stream:   options.Stream,
		opts:     options,
		executor: options.ResilienceExecutor,
	}
	if err := q.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (o Options) normalize() Options {
	if strings.TrimSpace(o.Stream) == "" {
		o.Stream = DefaultStream
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 2 * time.Second
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 60
	}
	if o.DuplicateWindow <= 0 {
		o.DuplicateWindow = defaultDupeWin
	}
	if o.AckWait <= 0 {
		o.AckWait = defaultAckWait
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (q *Queue) ensureStream(ctx context.Context) error {
	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       q.stream,
		Subjects:   []string{streamSubjects},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: q.opts.DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", q.stream, err)
	}
	return nil
}

func (q *Queue) Close() {
	if q.conn == nil {
		return
	}
	if err := q.conn.FlushTimeout(shutdownTimeout); err != nil {
		q.opts.Logger.Warn("nats_flush_failed", "error", err)
	}
	q.conn.Close()
}

// Healthy reports whether the connection is up.
func (q *Queue) Healthy() bool {
	return q.conn != nil && q.conn.IsConnected()
}

// Publish sends the envelope to its queue subject. The message id makes a
// republish of the same reservation a no-op on the broker.
func (q *Queue) Publish(ctx context.Context, env domain.JobEnvelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	subject := domain.QueueFor(env.Kind)

	call := func(callCtx context.Context) error {
		ack, err := q.js.Publish(callCtx, subject, data, jetstream.WithMsgID(env.MessageID()))
		if err != nil {
			return fmt.Errorf("jetstream publish: %w", err)
		}
		if ack.Duplicate {
			q.opts.Logger.Debug("publish_duplicate", "job_id", env.JobID, "generation", env.Generation)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, publishVerdict)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return asTemporary(err)
	}
	return nil
}

// Consume pulls deliveries for queue and runs handler on at most
// concurrency of them at a time. It returns after ctx is cancelled and
// the in-flight handlers have finished.
func (q *Queue) Consume(ctx context.Context, queue string, concurrency int, handler func(context.Context, ports.JobDelivery)) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       durableName(queue),
		FilterSubject: queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.opts.AckWait,
		MaxDeliver:    -1,
		MaxAckPending: concurrency * 2,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", queue, err)
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(concurrency))
	if err != nil {
		return fmt.Errorf("open message iterator %s: %w", queue, err)
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			iter.Drain()
		case <-stopped:
		}
	}()
	defer close(stopped)

	// In-flight handlers outlive ctx so a shutdown finishes the current
	// jobs instead of abandoning them to ack-wait redelivery.
	handlerCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(concurrency)

	var loopErr error
	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				break
			}
			if ctx.Err() != nil {
				break
			}
			q.opts.Logger.Warn("consume_next_failed", "queue", queue, "error", err)
			if errors.Is(err, nats.ErrConnectionClosed) {
				loopErr = fmt.Errorf("consume %s: %w", queue, err)
				break
			}
			continue
		}
		d := delivery{msg: msg}
		g.Go(func() error {
			handler(handlerCtx, d)
			return nil
		})
	}
	iter.Stop()
	_ = g.Wait()
	return loopErr
}

func durableName(queue string) string {
	return "fepy-" + strings.NewReplacer(".", "-", ">", "all", "*", "any").Replace(queue)
}

func encodeEnvelope(env domain.JobEnvelope) ([]byte, error) {
	if env.JobID == "" || env.InvoiceID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "encode job envelope", errors.New("job id and invoice id are required"))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal job envelope: %w", err)
	}
	return data, nil
}

// delivery adapts a JetStream message to ports.JobDelivery.
type delivery struct {
	msg jetstream.Msg
}

func (d delivery) Data() []byte { return d.msg.Data() }

func (d delivery) NumDelivered() uint64 {
	md, err := d.msg.Metadata()
	if err != nil || md == nil {
		return 1
	}
	return md.NumDelivered
}

func (d delivery) PublishedAt() time.Time {
	md, err := d.msg.Metadata()
	if err != nil || md == nil {
		return time.Time{}
	}
	return md.Timestamp
}

func (d delivery) Ack() error                             { return d.msg.Ack() }
func (d delivery) NakWithDelay(delay time.Duration) error { return d.msg.NakWithDelay(delay) }
func (d delivery) Term() error                            { return d.msg.Term() }
func (d delivery) InProgress() error                      { return d.msg.InProgress() }
