// Package upstream implements the HTTP client for the native generation
// engine behind the proxy.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	recall "github.com/recall-proxy/recall/internal"
	"github.com/recall-proxy/recall/internal/telemetry"
)

var tracer = telemetry.Tracer("recall/upstream")

// Client talks to one generation engine over its native /generate API.
type Client struct {
	baseURL string
	http    *http.Client
}

// newTransport returns a tuned *http.Transport with connection pooling
// and optional DNS caching. Generation engines are local HTTP/1.1
// servers, so HTTP/2 is not attempted.
func newTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// New creates a Client for the engine at baseURL. timeout bounds each
// generation call end to end; generation for long prompts is slow, so
// callers should pass a generous value.
func New(baseURL string, timeout time.Duration, resolver *dnscache.Resolver) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: newTransport(resolver),
			Timeout:   timeout,
		},
	}
}

// BaseURL returns the engine base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Generate posts a native request and returns the engine's completions.
// The engine answers with a single object for n=1 and an array for n>1;
// both normalize to a slice here. Transport failures map to
// ErrUpstreamUnavailable, everything else wrong with the exchange to
// ErrUpstreamProtocol.
func (c *Client) Generate(ctx context.Context, req recall.Request) (_ []recall.Completion, err error) {
	ctx, span := tracer.Start(ctx, "upstream.generate")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generation failed")
		}
		span.End()
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", recall.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", recall.ErrUpstreamUnavailable, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", recall.ErrUpstreamProtocol, resp.StatusCode, truncateBody(raw))
	}
	return parseCompletions(raw)
}

// parseCompletions accepts either a single JSON object or a JSON array
// of objects and returns the completions in order.
func parseCompletions(raw []byte) ([]recall.Completion, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty response body", recall.ErrUpstreamProtocol)
	}
	switch trimmed[0] {
	case '{':
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("%w: invalid response object", recall.ErrUpstreamProtocol)
		}
		return []recall.Completion{recall.Completion(trimmed)}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: decode response array: %v", recall.ErrUpstreamProtocol, err)
		}
		out := make([]recall.Completion, len(items))
		for i, it := range items {
			out[i] = recall.Completion(it)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unexpected response shape", recall.ErrUpstreamProtocol)
	}
}

// Health probes the engine's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("upstream: create request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", recall.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", recall.ErrUpstreamProtocol, resp.StatusCode)
	}
	return nil
}

// truncateBody keeps error messages readable when the engine returns a
// large error page.
func truncateBody(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
