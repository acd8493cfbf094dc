package sifen

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jaranetwork/fepy-backend/internal/core/domain"
	"github.com/jaranetwork/fepy-backend/internal/core/ports"
	"github.com/jaranetwork/fepy-backend/internal/infrastructure/resilience"
)

const (
	TestBaseURL = "https://sifen-test.set.gov.py"
	ProdBaseURL = "https://sifen.set.gov.py"

	recibePath   = "/de/ws/sync/recibe.wsdl"
	consultaPath = "/de/ws/consultas/consulta.wsdl"

	soapContentType = "application/soap+xml; charset=utf-8"
	maxResponseSize = 4 << 20
)

type Options struct {
	TestURL            string
	ProdURL            string
	Timeout            time.Duration
	HTTPClient         *http.Client
	ResilienceExecutor *resilience.Executor

	// Identities enables mutual TLS: each call presents the certificate of
	// the request's CredentialRef. RootCAs overrides the system pool.
	Identities Identities
	RootCAs    *x509.CertPool
}

// Client submits signed documents to the authority and queries their
// status by control id.
type Client struct {
	testURL    string
	prodURL    string
	httpClient *http.Client
	executor   *resilience.Executor
	identities Identities
	now        func() time.Time
}

func New(opts Options) *Client {
	if opts.TestURL == "" {
		opts.TestURL = TestBaseURL
	}
	if opts.ProdURL == "" {
		opts.ProdURL = ProdBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	switch {
	case httpClient != nil:
	case opts.Identities != nil:
		httpClient = mutualTLSClient(opts.Timeout, opts.RootCAs)
	default:
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		testURL:    strings.TrimRight(opts.TestURL, "/"),
		prodURL:    strings.TrimRight(opts.ProdURL, "/"),
		httpClient: httpClient,
		executor:   opts.ResilienceExecutor,
		identities: opts.Identities,
		now:        time.Now,
	}
}

func (c *Client) Submit(ctx context.Context, req ports.SubmitRequest) (*domain.SubmissionResult, error) {
	envelope, err := buildRecibeEnvelope(requestID(req.TrackingID, c.now()), req.Document)
	if err != nil {
		return nil, err
	}
	ctx, err = c.authenticate(ctx, req.CredentialRef)
	if err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, "sifen.recibe", c.baseURL(req.Mode)+recibePath, envelope)
	if err != nil {
		return nil, err
	}
	return decodeRecibeResponse(raw)
}

func (c *Client) Query(ctx context.Context, q ports.QueryRequest) (*domain.SubmissionResult, error) {
	controlID := q.ControlID
	if len(controlID) != 44 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "query authority", fmt.Errorf("control id must have 44 digits, got %d", len(controlID)))
	}
	envelope, err := buildConsultaEnvelope(requestID(controlID, c.now()), controlID)
	if err != nil {
		return nil, err
	}
	ctx, err = c.authenticate(ctx, q.CredentialRef)
	if err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, "sifen.consulta", c.baseURL(q.Mode)+consultaPath, envelope)
	if err != nil {
		return nil, err
	}
	res, err := decodeConsultaResponse(raw)
	if err != nil {
		return nil, err
	}
	if res.ControlID == "" {
		res.ControlID = controlID
	}
	return res, nil
}

// authenticate resolves the client certificate once per call, before any
// attempt.
func (c *Client) authenticate(ctx context.Context, credentialRef string) (context.Context, error) {
	if c.identities == nil || credentialRef == "" {
		return ctx, nil
	}
	cert, err := c.identities.ClientCertificate(ctx, credentialRef)
	if err != nil {
		return nil, fmt.Errorf("resolve client certificate: %w", err)
	}
	return withClientCert(ctx, cert), nil
}

func (c *Client) baseURL(mode domain.OperatingMode) string {
	if mode == domain.ModeProd {
		return c.prodURL
	}
	return c.testURL
}

func (c *Client) call(ctx context.Context, operation, url string, envelope []byte) ([]byte, error) {
	var raw []byte
	do := func(callCtx context.Context) error {
		body, err := c.post(callCtx, operation, url, envelope)
		if err != nil {
			return err
		}
		raw = body
		return nil
	}

	var err error
	if c.executor == nil {
		err = do(ctx)
	} else {
		err = c.executor.Execute(ctx, operation, do, authorityVerdict)
	}
	if err != nil {
		return nil, asTransport(operation, err)
	}
	return raw, nil
}

func (c *Client) post(ctx context.Context, operation, url string, envelope []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", soapContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", operation, err)
	}
	// SOAP 1.2 faults come back as 500 with a Fault body; those are
	// answers, not transport trouble.
	if resp.StatusCode >= 300 {
		if fault := decodeFault(body); fault != "" {
			return nil, &FaultError{Operation: operation, Reason: fault}
		}
		return nil, &HTTPStatusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(truncate(body, 2048)),
		}
	}
	return body, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
