package nats

import (
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/resilience"
)

// brokerUnreachable lists the errors of a connection that may come back.
var brokerUnreachable = []error{
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrDisconnected,
	nats.ErrNoResponders,
	jetstream.ErrNoStreamResponse,
}

func publishVerdict(err error) resilience.Verdict {
	if resilience.Interrupted(err) {
		return resilience.Ignore
	}
	for _, target := range brokerUnreachable {
		if errors.Is(err, target) {
			return resilience.Retry
		}
	}
	return resilience.Fail
}

// asTemporary marks publish failures the dispatcher may retry later: an
// unreachable broker or an open breaker.
func asTemporary(err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if resilience.IsCircuitOpen(err) || publishVerdict(err) == resilience.Retry {
		return domain.WrapError(domain.ErrTemporary, "nats publish", err)
	}
	return err
}
