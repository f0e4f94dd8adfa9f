package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ProbeOption configures an HTTPProbe
type ProbeOption func(*HTTPProbe)

// WithHeader sends a header on every probe, e.g. the backend API key
func WithHeader(key, value string) ProbeOption {
	return func(p *HTTPProbe) { p.header.Set(key, value) }
}

// WithAccept sets the inclusive range of statuses counted as reachable
func WithAccept(min, max int) ProbeOption {
	return func(p *HTTPProbe) { p.acceptMin, p.acceptMax = min, max }
}

// WithProbeClient replaces the HTTP client used for probes
func WithProbeClient(c *http.Client) ProbeOption {
	return func(p *HTTPProbe) { p.client = c }
}

// HTTPProbe requests the backend health URL. Any status in the accepted
// range, 200-399 by default, means reachable.
type HTTPProbe struct {
	url       string
	header    http.Header
	acceptMin int
	acceptMax int
	client    *http.Client
}

// NewHTTPProbe creates a probe for rawURL
func NewHTTPProbe(rawURL string, timeout time.Duration, opts ...ProbeOption) *HTTPProbe {
	p := &HTTPProbe{
		url:       rawURL,
		header:    make(http.Header),
		acceptMin: http.StatusOK,
		acceptMax: 399,
		client:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check performs one GET
func (p *HTTPProbe) Check(ctx context.Context) Result {
	start := time.Now()
	result := Result{CheckedAt: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		result.Message = fmt.Sprintf("invalid probe request: %v", err)
		return result
	}
	for key := range p.header {
		req.Header.Set(key, p.header.Get(key))
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := p.client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		result.Message = fmt.Sprintf("backend unreachable: %v", err)
		return result
	}
	resp.Body.Close()

	result.Reachable = resp.StatusCode >= p.acceptMin && resp.StatusCode <= p.acceptMax
	result.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	if !result.Reachable {
		result.Message += fmt.Sprintf(" outside %d-%d", p.acceptMin, p.acceptMax)
	}
	return result
}

// Type returns CheckTypeHTTP
func (p *HTTPProbe) Type() CheckType { return CheckTypeHTTP }

// DialProbe opens and closes a TCP connection to the backend host, for
// backends without a health endpoint
type DialProbe struct {
	address string
	timeout time.Duration
}

// NewDialProbe derives host:port from a backend URL
func NewDialProbe(rawURL string, timeout time.Duration) (*DialProbe, error) {
	address, err := dialAddress(rawURL)
	if err != nil {
		return nil, err
	}
	return &DialProbe{address: address, timeout: timeout}, nil
}

// Check dials once
func (p *DialProbe) Check(ctx context.Context) Result {
	start := time.Now()
	dialer := &net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.address)
	result := Result{CheckedAt: start, Latency: time.Since(start)}
	if err != nil {
		result.Message = fmt.Sprintf("dial %s: %v", p.address, err)
		return result
	}
	_ = conn.Close()
	result.Reachable = true
	result.Message = "connected to " + p.address
	return result
}

// Type returns CheckTypeTCP
func (p *DialProbe) Type() CheckType { return CheckTypeTCP }

func dialAddress(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid backend url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid backend url %q: missing host", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// NewChecker builds the probe for a backend. An HTTP probe requests
// probeURL; a TCP probe dials its host. Options apply to HTTP probes only.
func NewChecker(checkType CheckType, probeURL string, timeout time.Duration, opts ...ProbeOption) (Checker, error) {
	switch checkType {
	case CheckTypeHTTP, "":
		return NewHTTPProbe(probeURL, timeout, opts...), nil
	case CheckTypeTCP:
		return NewDialProbe(probeURL, timeout)
	default:
		return nil, fmt.Errorf("unsupported probe type: %s", checkType)
	}
}
