package sifen

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "sifen status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("%s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("%s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// authorityVerdict retries outages and overload. SOAP faults and other
// 4xx answers are the service working as intended, so they neither retry
// nor count against the breaker.
func authorityVerdict(err error) resilience.Verdict {
	if resilience.Interrupted(err) {
		return resilience.Ignore
	}
	var fault *FaultError
	if errors.As(err, &fault) {
		return resilience.Ignore
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if isRetryableHTTPStatus(statusErr.StatusCode) {
			return resilience.Retry
		}
		return resilience.Ignore
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.Retry
	}
	return resilience.Fail
}

// asTransport marks failures where the authority never gave an answer, so
// the caller records "no connection" instead of a rejection.
func asTransport(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTransport) {
		return err
	}
	if resilience.Interrupted(err) || resilience.IsCircuitOpen(err) || authorityVerdict(err) == resilience.Retry {
		return domain.WrapError(domain.ErrTransport, operation, err)
	}
	return err
}

func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
