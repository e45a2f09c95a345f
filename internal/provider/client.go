// Package provider is the JSON-over-HTTP client shared by the deployment and
// notification adapters. It rate limits outgoing calls, wraps them in a
// circuit breaker, and classifies every failure into the faults taxonomy.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lucasnoah/handoff/internal/faults"
	"github.com/lucasnoah/handoff/internal/logging"
)

// Options configures a Client.
type Options struct {
	Name      string
	BaseURL   string
	Token     string
	RateLimit float64 // requests per second, 0 means unlimited
	Burst     int
	Timeout   time.Duration

	// FailureThreshold is the number of consecutive transient failures that
	// opens the breaker. Defaults to 5.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open. Defaults to 30s.
	OpenTimeout time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client makes authenticated JSON calls to one provider.
type Client struct {
	name    string
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// New builds a Client from opts.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	threshold := opts.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := opts.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	logger := logging.OrNop(opts.Logger).With(zap.String("provider", opts.Name))
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
		// Rejections (4xx) say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || !faults.IsRetryable(err)
		},
	})

	return &Client{
		name:    opts.Name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    httpClient,
		limiter: limiter,
		breaker: breaker,
		logger:  logger,
	}
}

// State returns the breaker state, for health reporting.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Do sends in as the JSON body of method path and decodes a 2xx response into
// out (either may be nil). Errors are always *faults.Error.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return faults.Classify(ctx.Err())
		}
		return faults.Transient(faults.CodeRateLimit, err, "%s rate limit", c.name)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, path, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return faults.Transient(faults.CodeUnavailable, err, "%s unavailable", c.name)
	}
	if err != nil {
		return faults.Classify(err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return faults.Terminal(faults.CodeInternal, err, "encoding %s request", c.name)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return faults.Terminal(faults.CodeInvalidConfig, err, "building %s request", c.name)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return faults.Classify(ctx.Err())
		}
		return faults.Transient(faults.CodeNetwork, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	c.logger.Debug("provider call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return StatusError(resp.StatusCode, fmt.Sprintf("%s %s", method, path), strings.TrimSpace(string(msg)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.Transient(faults.CodeNetwork, err, "decoding %s response", c.name)
	}
	return nil
}

// StatusError classifies a non-2xx HTTP status.
func StatusError(status int, op, body string) *faults.Error {
	msg := fmt.Sprintf("%s: HTTP %d", op, status)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case status == http.StatusTooManyRequests:
		return faults.New(faults.KindTransient, faults.CodeRateLimit, "%s", msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return faults.New(faults.KindTransient, faults.CodeTimeout, "%s", msg)
	case status >= 500:
		return faults.New(faults.KindTransient, faults.CodeUnavailable, "%s", msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return faults.New(faults.KindTerminal, faults.CodeUnauthorized, "%s", msg)
	default:
		return faults.New(faults.KindTerminal, faults.CodeProviderRejected, "%s", msg)
	}
}

// Ping checks that the provider answers GET /healthz.
func (c *Client) Ping(ctx context.Context) error {
	return c.Do(ctx, http.MethodGet, "/healthz", nil, nil)
}
