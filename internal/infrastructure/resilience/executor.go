// Package resilience wraps outbound calls to the authority and the broker
// with retries, a circuit breaker and a rate limit, each keyed by
// operation name.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// Verdict tells the executor what to do with a failed call.
type Verdict int

const (
	// Fail stops and counts against the breaker.
	Fail Verdict = iota
	// Retry backs off, tries again and counts against the breaker.
	Retry
	// Ignore stops without counting against the breaker, e.g. caller
	// cancellation or a well-formed rejection.
	Ignore
)

func (v Verdict) String() string {
	switch v {
	case Retry:
		return "retry"
	case Ignore:
		return "ignore"
	default:
		return "fail"
	}
}

type Classifier func(err error) Verdict

// ErrCircuitOpen is joined into errors returned while an operation's
// breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit open")

type Executor struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
	limiters map[string]*rate.Limiter
}

func NewExecutor(cfg Config) *Executor {
	return &Executor{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Execute runs fn under the operation's limiter, retry loop and breaker.
// A nil classifier fails on the first error.
func (e *Executor) Execute(ctx context.Context, operation string, fn func(context.Context) error, classify Classifier) error {
	if fn == nil {
		return errors.New("resilience: nil operation")
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	if classify == nil {
		classify = func(error) Verdict { return Fail }
	}

	if e.cfg.Breaker.Disabled {
		return e.attempt(ctx, op, fn, classify)
	}
	_, err := e.breaker(op, classify).Execute(func() (struct{}, error) {
		return struct{}{}, e.attempt(ctx, op, fn, classify)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", op, ErrCircuitOpen, err)
	}
	return err
}

func (e *Executor) attempt(ctx context.Context, op string, fn func(context.Context) error, classify Classifier) error {
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l := e.limiter(op); l != nil {
			if err := l.Wait(ctx); err != nil {
				return fmt.Errorf("%s: rate limit wait: %w", op, err)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if n >= e.cfg.Attempts || classify(err) != Retry {
			return err
		}

		wait := e.cfg.Backoff.Delay(n)
		e.cfg.Logger.Warn("outbound_call_retry",
			"operation", op,
			"attempt", n,
			"max_attempts", e.cfg.Attempts,
			"backoff_ms", wait.Milliseconds(),
			"error", err,
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (e *Executor) breaker(op string, classify Classifier) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[op]; ok {
		return cb
	}

	bc := e.cfg.Breaker
	logger := e.cfg.Logger
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        op,
		MaxRequests: bc.ProbeCalls,
		Timeout:     bc.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= bc.MinRequests &&
				float64(c.TotalFailures)/float64(c.Requests) >= bc.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || classify(err) == Ignore
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[op] = cb
	return cb
}

// limiter returns the operation's token bucket, or nil when limiting is
// off. Retries take a token too.
func (e *Executor) limiter(op string) *rate.Limiter {
	if e.cfg.RateLimit <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.limiters[op]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(e.cfg.RateLimit), e.cfg.RateBurst)
	e.limiters[op] = l
	return l
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// Interrupted reports whether err is the caller giving up rather than the
// remote side failing.
func Interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
