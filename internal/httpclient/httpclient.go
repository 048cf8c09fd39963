// Package httpclient builds the net/http-based transport a
// ScenarioRuntime issues requests through, rebuilt in place whenever
// RuntimeConfig.Configure reports needsRebuild — see SPEC_FULL.md's
// external-collaborators addition to spec.md §1.
//
// Grounded on the teacher's redis client construction shape in
// internal/infrastructure/cache/redis.go (NewRedisCache rebuilds a
// fresh client from a validated config struct rather than mutating an
// existing one in place) generalized from Redis connection options to
// *http.Client transport options.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/relaytest/karate-go/internal/runtimeconfig"
)

// Client wraps an *http.Client plus the cookie jar and base URL a
// ScenarioRuntime needs, rebuilt wholesale on a rebuild-triggering
// RuntimeConfig.Configure call.
type Client struct {
	HTTP    *http.Client
	Jar     *cookiejar.Jar
	BaseURL string
	Headers map[string]string
	Cookies map[string]string

	retryEnabled  bool
	retryCount    int
	retryInterval time.Duration
}

// Build constructs a Client reflecting cfg's current transport-affecting
// fields (ssl, proxy, timeouts, followRedirects, localAddress). Called
// once at scenario start and again every time Configure returns
// needsRebuild == true.
func Build(cfg *runtimeconfig.RuntimeConfig) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig: tlsConfig(cfg.SSL),
	}

	dialer := &net.Dialer{
		Timeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
	}
	if cfg.LocalAddress != "" {
		if addr, err := net.ResolveTCPAddr("tcp", cfg.LocalAddress+":0"); err == nil {
			dialer.LocalAddr = addr
		}
	}
	transport.DialContext = dialer.DialContext

	if cfg.Proxy.URI != "" {
		proxyURL, err := url.Parse(cfg.Proxy.URI)
		if err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.ReadTimeoutMS) * time.Millisecond,
		Jar:       jar,
	}
	if !cfg.FollowRedirects {
		httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &Client{
		HTTP:    httpClient,
		Jar:     jar,
		BaseURL: cfg.URL,
		Headers: cfg.Headers,
		Cookies: cfg.Cookies,

		retryEnabled:  cfg.HTTPRetryEnabled,
		retryCount:    cfg.Retry.Count,
		retryInterval: time.Duration(cfg.Retry.IntervalMS) * time.Millisecond,
	}, nil
}

func tlsConfig(ssl runtimeconfig.SSL) *tls.Config {
	if !ssl.Enabled {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: ssl.TrustAll}
}

// Do issues req with ctx, applying any configured auth/headers already
// baked into req by internal/bridge before this call. When
// httpRetryEnabled is set, a request that fails outright or comes back
// 5xx is retried up to retry.count times, sleeping retry.intervalMs
// between attempts; a request with a body can only be retried if it
// carries GetBody (net/http's own contract for replaying a body).
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	for k, v := range c.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	if len(c.Cookies) > 0 {
		existing := make(map[string]bool, len(req.Cookies()))
		for _, ck := range req.Cookies() {
			existing[ck.Name] = true
		}
		for k, v := range c.Cookies {
			if !existing[k] {
				req.AddCookie(&http.Cookie{Name: k, Value: v})
			}
		}
	}

	attempts := 1
	if c.retryEnabled && (req.Body == nil || req.GetBody != nil) {
		attempts += c.retryCount
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				req.Body = body
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryInterval):
			}
		}

		resp, err := c.HTTP.Do(req.WithContext(ctx))
		if err == nil && (resp.StatusCode < 500 || !c.retryEnabled || attempt == attempts-1) {
			return resp, nil
		}
		if err == nil {
			resp.Body.Close()
			lastErr = fmt.Errorf("httpclient: server error status %d", resp.StatusCode)
			continue
		}
		lastErr = err
	}
	return nil, lastErr
}
