// Package fetch implements the outbound JSON fetcher with retry, backoff,
// and two mutually exclusive traffic-shaping modes: proxied (no local
// pacing, TLS verification off because the proxy terminates TLS) and direct
// (a shared minimum inter-request interval enforced across all workers).
package fetch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls Client construction.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	UseProxy       bool
	ProxyURL       string
	MinInterval    time.Duration
}

// Client performs JSON GET requests against the remote API. It is safe for
// concurrent use; in direct mode all goroutines share one pacing limiter.
type Client struct {
	http    *http.Client
	policy  *ExponentialRetryPolicy
	limiter *rate.Limiter
	proxied bool
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client in proxied or direct mode.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	var limiter *rate.Limiter
	if cfg.UseProxy {
		if cfg.ProxyURL == "" {
			return nil, fmt.Errorf("proxy url is required in proxied mode")
		}
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		// The proxy terminates TLS; its certificates do not match the
		// upstream hosts.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	} else {
		if cfg.MinInterval <= 0 {
			return nil, fmt.Errorf("min interval is required in direct mode")
		}
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		policy:  NewExponentialRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		limiter: limiter,
		proxied: cfg.UseProxy,
		logger:  logger,
		sleep:   sleepCtx,
	}, nil
}

// GetJSON fetches url with the given query parameters and decodes the JSON
// body into out. It returns found=false without error for "no data" results:
// not-found responses and malformed payloads. Transient failures are retried
// with backoff up to the configured cap before surfacing an error.
func (c *Client) GetJSON(ctx context.Context, rawURL string, query url.Values, out any) (bool, error) {
	target := rawURL
	if len(query) > 0 {
		target = rawURL + "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < c.policy.MaxAttempts(); attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.policy.Backoff(attempt-1)); err != nil {
				return false, err
			}
		}

		found, done, err := c.attempt(ctx, target, out)
		if done {
			return found, err
		}
		lastErr = err
		if !c.policy.ShouldRetry(err, attempt) {
			break
		}
		c.logger.Debug("retrying fetch",
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	if errors.Is(lastErr, errProxiedNotFound) {
		// Every backend the proxy tried agreed: the resource is absent.
		return false, nil
	}
	return false, fmt.Errorf("fetch %s: %w", target, lastErr)
}

// errProxiedNotFound marks a 404 seen through the rotating proxy; it is
// retried like a transient failure but resolves to "no data" once the
// attempt budget is spent.
var errProxiedNotFound = errors.New("not found via proxy")

// attempt performs one request. done=true means the outcome is final and
// should be returned as-is; done=false means the error is a candidate for
// retry.
func (c *Client) attempt(ctx context.Context, target string, out any) (found bool, done bool, err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, true, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, true, fmt.Errorf("build request: %w", err)
	}
	setBrowserHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, false, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		if c.proxied {
			// A rotating proxy may route to a backend that has not caught
			// up yet; retry before concluding the resource is absent.
			return false, false, fmt.Errorf("%s: %w", target, errProxiedNotFound)
		}
		return false, true, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return false, false, fmt.Errorf("status %d from %s", resp.StatusCode, target)
	case resp.StatusCode >= 400:
		return false, true, fmt.Errorf("status %d from %s", resp.StatusCode, target)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, false, fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return false, true, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		// Retrying will not fix a parsing problem.
		c.logger.Warn("malformed response body",
			zap.String("url", target),
			zap.String("content_type", resp.Header.Get("Content-Type")),
			zap.Error(err),
		)
		return false, true, nil
	}
	return true, true, nil
}

func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Connection", "keep-alive")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
