package sifen

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"time"
)

// Identities resolves the client certificate the authority expects for a
// credential reference.
type Identities interface {
	ClientCertificate(ctx context.Context, credentialRef string) (*tls.Certificate, error)
}

type clientCertKey struct{}

func withClientCert(ctx context.Context, cert *tls.Certificate) context.Context {
	return context.WithValue(ctx, clientCertKey{}, cert)
}

// presentClientCert hands the handshake the certificate resolved for the
// request that dialed the connection, or none.
func presentClientCert(info *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	if cert, ok := info.Context().Value(clientCertKey{}).(*tls.Certificate); ok && cert != nil {
		return cert, nil
	}
	return &tls.Certificate{}, nil
}

// mutualTLSClient dials a fresh connection per request: a pooled
// connection would keep the identity of whichever issuer opened it.
func mutualTLSClient(timeout time.Duration, roots *x509.CertPool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableKeepAlives = true
	transport.TLSClientConfig = &tls.Config{
		MinVersion:           tls.VersionTLS12,
		RootCAs:              roots,
		GetClientCertificate: presentClientCert,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}
