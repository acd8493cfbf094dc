package sifen

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
)

type identitiesFake struct {
	certs map[string]*tls.Certificate
}

func (f identitiesFake) ClientCertificate(_ context.Context, ref string) (*tls.Certificate, error) {
	cert, ok := f.certs[ref]
	if !ok {
		return nil, domain.WrapError(domain.ErrIssuerNotFound, "get issuer", errors.New(ref))
	}
	return cert, nil
}

func selfSigned(t *testing.T, cn string) *tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

func TestSubmitPresentsIssuerClientCertificate(t *testing.T) {
	var (
		mu   sync.Mutex
		seen [][]byte
	)
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "no client certificate", http.StatusForbidden)
			return
		}
		mu.Lock()
		seen = append(seen, r.TLS.PeerCertificates[0].Raw)
		mu.Unlock()
		if r.URL.Path == consultaPath {
			_, _ = w.Write([]byte(consultaResponse))
			return
		}
		_, _ = w.Write([]byte(acceptedResponse))
	}))
	server.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	server.StartTLS()
	defer server.Close()

	roots := x509.NewCertPool()
	roots.AddCert(server.Certificate())
	first, second := selfSigned(t, "issuer-1"), selfSigned(t, "issuer-2")
	client := New(Options{
		TestURL:    server.URL,
		Timeout:    5 * time.Second,
		Identities: identitiesFake{certs: map[string]*tls.Certificate{"issuer-1": first, "issuer-2": second}},
		RootCAs:    roots,
	})

	ctx := context.Background()
	if _, err := client.Submit(ctx, ports.SubmitRequest{TrackingID: "inv-1", Document: []byte(signedDocument), CredentialRef: "issuer-1"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := client.Query(ctx, ports.QueryRequest{ControlID: testControlID, Mode: domain.ModeTest, CredentialRef: "issuer-2"}); err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 authenticated calls, got %d", len(seen))
	}
	if !bytes.Equal(seen[0], first.Certificate[0]) || !bytes.Equal(seen[1], second.Certificate[0]) {
		t.Fatalf("calls did not present their own issuer certificate")
	}
}

func TestSubmitUnknownCredentialIsNotTransportError(t *testing.T) {
	client := New(Options{
		TestURL:    "https://127.0.0.1:1",
		Identities: identitiesFake{},
	})
	_, err := client.Submit(context.Background(), ports.SubmitRequest{TrackingID: "inv-1", Document: []byte(signedDocument), CredentialRef: "missing"})
	if err == nil || domain.IsKind(err, domain.ErrTransport) {
		t.Fatalf("expected a credential error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrIssuerNotFound) {
		t.Fatalf("expected ErrIssuerNotFound, got %v", err)
	}
}
