package xmldsig

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/jaranetwork/fepy-backend/internal/core/ports"
)

// TLSIdentities serves an issuer's signing certificate as its client
// identity for mutual TLS with the authority. The credential is loaded
// per call and not kept.
type TLSIdentities struct {
	issuers ports.IssuerRepository
	loader  CredentialLoader
}

func NewTLSIdentities(issuers ports.IssuerRepository, loader CredentialLoader) *TLSIdentities {
	return &TLSIdentities{issuers: issuers, loader: loader}
}

func (t *TLSIdentities) ClientCertificate(ctx context.Context, issuerID string) (*tls.Certificate, error) {
	issuer, err := t.issuers.GetByID(ctx, issuerID)
	if err != nil {
		return nil, fmt.Errorf("load issuer: %w", err)
	}
	cred, err := t.loader.Load(ctx, *issuer)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{cred.Certificate.Raw},
		PrivateKey:  cred.Signer,
		Leaf:        cred.Certificate,
	}, nil
}
