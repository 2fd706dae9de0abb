// Package upstream performs the outbound call to the LLM API and classifies
// the outcome. The request body is forwarded byte-verbatim; only auth and
// protocol headers are set.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"nexus/internal/credentials"
	"nexus/internal/observability"
)

// Kind classifies an upstream outcome.
type Kind int

const (
	KindOK Kind = iota
	KindRateLimited
	KindAuthExpired
	KindUpstreamError
	KindTimeout
	KindNetwork
)

// String returns the error-envelope type for the kind.
func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindRateLimited:
		return "rate_limit_error"
	case KindAuthExpired:
		return "authentication_error"
	case KindUpstreamError:
		return "api_error"
	case KindTimeout:
		return "timeout_error"
	case KindNetwork:
		return "network_error"
	default:
		return "api_error"
	}
}

// Error carries the classified upstream failure.
type Error struct {
	Kind       Kind
	Status     int
	Body       []byte
	RetryAfter string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("upstream %s: status %d", e.Kind, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Client sends requests to the upstream API.
type Client struct {
	baseURL    string
	apiVersion string
	totalTO    time.Duration
	httpClient *http.Client
}

// New builds a client. ttfb bounds time-to-first-byte; total bounds the
// whole exchange and is kept strictly greater than ttfb by config.
func New(baseURL, apiVersion string, ttfb, total time.Duration) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: ttfb,
	}
	return &Client{
		baseURL:    baseURL,
		apiVersion: apiVersion,
		totalTO:    total,
		httpClient: observability.NewHTTPClient(&http.Client{Transport: transport}),
	}
}

// cancelBody ties the per-request deadline to the response body lifetime.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// Send forwards body to POST {base}/v1/messages with auth derived from the
// credential. On success the caller owns resp.Body; closing it releases the
// deadline. Failures come back as *Error.
func (c *Client) Send(ctx context.Context, body []byte, cred *credentials.Credential, streaming bool) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.totalTO)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &Error{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", c.apiVersion)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	switch cred.Type {
	case credentials.TypeOAuth:
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	default:
		req.Header.Set("x-api-key", cred.Key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, classifyTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, classifyStatus(resp, respBody, cred)
	}

	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}

func classifyStatus(resp *http.Response, body []byte, cred *credentials.Credential) *Error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized && cred.Type == credentials.TypeOAuth && bytes.Contains(body, []byte("invalid_token")):
		// Only an invalid_token 401 marks an expired OAuth token; other
		// 401 bodies surface verbatim.
		return &Error{Kind: KindAuthExpired, Status: resp.StatusCode, Body: body}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimited,
			Status:     resp.StatusCode,
			Body:       body,
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	default:
		return &Error{Kind: KindUpstreamError, Status: resp.StatusCode, Body: body}
	}
}
