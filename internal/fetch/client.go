// Package fetch moves bytes from verified URLs onto disk: a shared HTTP
// client with gated-host authentication and the resumable transfer engine.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/time/rate"

	"github.com/ecomtree/modelfetch/internal/config"
)

const userAgent = "modelfetch/1.0"

// Client wraps an http.Client with the run's authentication and bandwidth
// policy. One Client is shared by the verifier and all transfer workers.
type Client struct {
	http    *http.Client
	token   string
	limiter *rate.Limiter
}

// NewClient builds the shared client. With cfg.UseHTTP3 set, all requests go
// over a QUIC/HTTP-3 transport instead of TCP. A non-zero rate limit caps
// response-body read throughput across every concurrent transfer.
func NewClient(cfg config.Config) *Client {
	var transport http.RoundTripper
	if cfg.UseHTTP3 {
		transport = &http3.RoundTripper{}
	} else {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	c := &Client{
		// No client-level timeout: transfers of multi-GB files run for
		// hours. Deadlines come from per-request contexts.
		http:  &http.Client{Transport: transport},
		token: cfg.Token,
	}
	if cfg.RateLimitMBps > 0 {
		bps := cfg.RateLimitMBps * 1024 * 1024
		c.limiter = rate.NewLimiter(rate.Limit(bps), 1<<20)
	}
	return c
}

// NewRequest builds a request with the standard headers. The bearer token is
// attached only when the URL's host is the gated provider.
func (c *Client) NewRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" && IsGatedHost(rawURL) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Do executes the request.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// HasToken reports whether a bearer token is configured.
func (c *Client) HasToken() bool {
	return c.token != ""
}

// Body wraps a response body with the run's rate limit. Without a limit the
// body is returned unchanged.
func (c *Client) Body(ctx context.Context, body io.Reader) io.Reader {
	if c.limiter == nil {
		return body
	}
	return &limitedReader{ctx: ctx, r: body, limiter: c.limiter}
}

// IsGatedHost reports whether rawURL points at the gated provider (or one of
// its subdomains, e.g. the CDN hosts redirects land on).
func IsGatedHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == config.GatedHost || strings.HasSuffix(host, "."+config.GatedHost)
}

// limitedReader delays reads to stay under the configured bandwidth.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	// Cap the read so a single WaitN never exceeds the limiter burst.
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
