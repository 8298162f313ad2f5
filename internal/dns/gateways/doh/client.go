// Package doh forwards raw DNS wire-format queries to a DNS-over-HTTPS
// resolver addressed by IP literal. Using an IP literal avoids the
// circularity of resolving the resolver's own hostname through a tunnel
// that terminates all DNS at this process.
package doh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dnsfence/dnsfence/internal/dns/common/log"
)

const (
	contentType = "application/dns-message"

	// maxResponseSize bounds memory against a malicious or misbehaving
	// resolver; enforced while streaming, not after buffering.
	maxResponseSize = 64 * 1024

	defaultConnectTimeout = 5 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

var (
	ErrEndpointRequired    = errors.New("resolver endpoint is required")
	ErrQueryTooShort       = errors.New("query shorter than a DNS header")
	ErrStatus              = errors.New("resolver returned non-200 status")
	ErrResponseTooLarge    = errors.New("resolver response exceeds size cap")
	ErrResponseTooShort    = errors.New("resolver response shorter than a transaction ID")
	ErrTransactionMismatch = errors.New("resolver response transaction ID does not match query")
)

// DialFunc establishes a network connection; injectable for tests.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Client exchanges DNS messages with one DoH endpoint.
type Client struct {
	endpoint string
	client   *http.Client
	logger   log.Logger
}

// Options configures a Client.
type Options struct {
	// Endpoint is the full resolver URL with an IP-literal host,
	// e.g. "https://1.1.1.1/dns-query".
	Endpoint string

	// ConnectTimeout bounds connection establishment; RequestTimeout
	// bounds the whole exchange including reading the body.
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	Logger log.Logger

	// Dial overrides the transport dialer, for testing.
	Dial DialFunc
}

// New creates a DoH client.
func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, ErrEndpointRequired
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	dial := opts.Dial
	if dial == nil {
		dial = (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext
	}

	transport := &http.Transport{
		DialContext:           dial,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.RequestTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          4,
	}

	return &Client{
		endpoint: opts.Endpoint,
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.RequestTimeout,
		},
		logger: opts.Logger,
	}, nil
}

// Exchange POSTs the raw query and returns the raw response. The response
// must open with the query's transaction ID or it is discarded.
func (c *Client) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) < 12 {
		return nil, ErrQueryTooShort
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("building resolver request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolver exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}

	// Read one byte past the cap to distinguish "exactly at cap" from
	// "over cap" without buffering an unbounded body.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading resolver response: %w", err)
	}
	if len(body) > maxResponseSize {
		return nil, ErrResponseTooLarge
	}
	if len(body) < 2 {
		return nil, ErrResponseTooShort
	}
	if body[0] != query[0] || body[1] != query[1] {
		c.logger.Warn(map[string]any{"endpoint": c.endpoint}, "discarding misdirected resolver response")
		return nil, ErrTransactionMismatch
	}
	return body, nil
}

// Close drops idle connections so no resolver state survives a session.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}
