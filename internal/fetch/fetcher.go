// Package fetch implements the resilient retrieval layer shared by all
// source adapters: bounded retries with exponential backoff, response
// classification, per-source rate limiting and a circuit breaker.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// retryableStatus is the designated set of transient HTTP statuses.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

const snippetLimit = 500

// Result is a successfully fetched payload.
type Result struct {
	Body        []byte
	ContentType string
}

// Request describes one logical fetch. Build is called once per
// attempt so request bodies can be re-created after a failed try.
type Request struct {
	Build func() (*http.Request, error)
	// ExpectBinary rejects 200 responses whose content-type is HTML or
	// JSON: catalogue APIs return error pages with a 200 status, and
	// staging those as scientific data corrupts the dataset.
	ExpectBinary bool
}

// Options configures a Client.
type Options struct {
	HTTPClient  *http.Client
	Limiter     *Limiter
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
	// BreakerName enables a circuit breaker guarding the source.
	BreakerName string
	Logger      zerolog.Logger
}

// Client performs classified, rate-limited, retried HTTP fetches
// against one external source.
type Client struct {
	http        *http.Client
	limiter     *Limiter
	breaker     *gobreaker.CircuitBreaker
	maxRetries  int
	initialWait time.Duration
	maxWait     time.Duration
	log         zerolog.Logger
}

// New builds a Client. Zero-valued options fall back to safe defaults.
func New(opts Options) *Client {
	c := &Client{
		http:        opts.HTTPClient,
		limiter:     opts.Limiter,
		maxRetries:  opts.MaxRetries,
		initialWait: opts.InitialWait,
		maxWait:     opts.MaxWait,
		log:         opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.initialWait <= 0 {
		c.initialWait = 2 * time.Second
	}
	if c.maxWait <= 0 {
		c.maxWait = 60 * time.Second
	}
	if opts.BreakerName != "" {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: opts.BreakerName,
			// A 202 means the product is parked in the long-term
			// archive, not that the source is unhealthy; it must not
			// open the circuit.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrArchivalUnavailable)
			},
		})
	}
	return c
}

// Do executes the request, retrying transient statuses up to the retry
// budget. Classification:
//   - 2xx with acceptable content-type: success
//   - 202: ErrArchivalUnavailable
//   - 200 + HTML/JSON body where binary expected: MalformedResponseError
//   - 401/403: AuthError
//   - 429/5xx: retried, then TerminalError
//   - anything else: TerminalError immediately
func (c *Client) Do(ctx context.Context, r Request) (*Result, error) {
	var lastStatus int
	var lastErr error

	attempts := 0
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		attempts++
		res, status, err := c.attempt(ctx, r)
		if err == nil {
			return res, nil
		}

		// Permanent classifications pass straight through.
		var malformed *MalformedResponseError
		var authErr *AuthError
		if errors.Is(err, ErrArchivalUnavailable) || errors.As(err, &malformed) || errors.As(err, &authErr) {
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TerminalError{Attempts: attempts, Err: err}
		}
		if status != 0 && !retryableStatus[status] {
			return nil, &TerminalError{Status: status, Attempts: attempts, Err: err}
		}

		lastStatus = status
		lastErr = err
		if attempt == c.maxRetries {
			break
		}

		delay := time.Duration(float64(c.initialWait) * math.Pow(2, float64(attempt)))
		if delay > c.maxWait {
			delay = c.maxWait
		}
		c.log.Debug().Int("attempt", attempts).Int("status", status).Dur("backoff", delay).Msg("transient fetch failure, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, &TerminalError{Status: lastStatus, Attempts: attempts, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, r Request) (*Result, int, error) {
	do := func() (*Result, int, error) {
		req, err := r.Build()
		if err != nil {
			return nil, 0, err
		}
		req = req.WithContext(ctx)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, 0, err
		}
		defer resp.Body.Close()

		return classify(resp, r.ExpectBinary)
	}

	if c.breaker == nil {
		return do()
	}

	type outcome struct {
		res    *Result
		status int
	}
	v, err := c.breaker.Execute(func() (interface{}, error) {
		res, status, err := do()
		if err != nil {
			// The breaker only needs to see the error; status travels
			// alongside via the closure below.
			return outcome{nil, status}, err
		}
		return outcome{res, status}, nil
	})
	out, _ := v.(outcome)
	return out.res, out.status, err
}

func classify(resp *http.Response, expectBinary bool) (*Result, int, error) {
	status := resp.StatusCode

	if status == http.StatusAccepted {
		io.Copy(io.Discard, resp.Body)
		return nil, status, ErrArchivalUnavailable
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, status, &AuthError{Err: fmt.Errorf("status %s", resp.Status)}
	}
	if status < 200 || status >= 300 {
		return nil, status, fmt.Errorf("unexpected status %s", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if expectBinary && (strings.Contains(contentType, "text/html") || strings.Contains(contentType, "application/json")) {
		snippet := make([]byte, snippetLimit)
		n, _ := io.ReadFull(resp.Body, snippet)
		return nil, status, &MalformedResponseError{ContentType: contentType, Snippet: string(snippet[:n])}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, status, fmt.Errorf("read body: %w", err)
	}
	return &Result{Body: body, ContentType: contentType}, status, nil
}
