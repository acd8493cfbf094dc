package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrIssuerNotFound    = errors.New("issuer not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDuplicate         = errors.New("duplicate invoice")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrJobInFlight       = errors.New("job already in flight")
	ErrJobNotRunnable    = errors.New("job not runnable")
	ErrArtifactNotFound  = errors.New("artifact not available")
	ErrTemporary         = errors.New("temporary failure")
	ErrTransport         = errors.New("transport failure")
)

var (
	errIssuerInactive        = errors.New("issuer is not active")
	errIssuerNoCredential    = errors.New("issuer has no signing credential")
	errIssuerNoTaxID         = errors.New("issuer tax id is incomplete")
	errIssuerNoAuthorization = errors.New("issuer has no authorization number")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// DuplicateError references the record that already owns a fingerprint.
type DuplicateError struct {
	Fingerprint string
	ExistingID  string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate invoice: fingerprint=%s existing_id=%s", e.Fingerprint, e.ExistingID)
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicate
}

// AsDuplicate extracts the duplicate reference from an error chain.
func AsDuplicate(err error) (*DuplicateError, bool) {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup, true
	}
	return nil, false
}

// IsPermanent reports errors that no amount of queue retries can fix.
func IsPermanent(err error) bool {
	return IsKind(err, ErrInvalidInput) ||
		IsKind(err, ErrInvalidTransition) ||
		IsKind(err, ErrInvoiceNotFound) ||
		IsKind(err, ErrIssuerNotFound)
}
