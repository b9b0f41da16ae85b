package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(limiter *Limiter, maxRetries int) *Client {
	return New(Options{
		HTTPClient:  &http.Client{Timeout: 5 * time.Second},
		Limiter:     limiter,
		MaxRetries:  maxRetries,
		InitialWait: time.Millisecond,
		MaxWait:     10 * time.Millisecond,
	})
}

func getRequest(url string, expectBinary bool) Request {
	return Request{
		Build: func() (*http.Request, error) {
			return http.NewRequest(http.MethodGet, url, nil)
		},
		ExpectBinary: expectBinary,
	}
}

func TestDoRetriesTransientStatuses(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	res, err := testClient(nil, 5).Do(context.Background(), getRequest(srv.URL, true))
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if string(res.Body) != "payload" {
		t.Errorf("body = %q, want %q", res.Body, "payload")
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("server saw %d calls, want 4 (3 failures + 1 success)", got)
	}
}

func TestDoExhaustsRetryBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(nil, 2).Do(context.Background(), getRequest(srv.URL, false))
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("error = %v, want *TerminalError", err)
	}
	if terminal.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", terminal.Attempts)
	}
	if terminal.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want 502", terminal.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestDoRejectsHTMLBodyOnBinaryFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>quota exceeded</body></html>"))
	}))
	defer srv.Close()

	res, err := testClient(nil, 3).Do(context.Background(), getRequest(srv.URL, true))
	if res != nil {
		t.Fatal("200+text/html must never be classified as success")
	}
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v, want *MalformedResponseError", err)
	}
	if !strings.Contains(malformed.Snippet, "quota exceeded") {
		t.Errorf("snippet %q should carry the payload for diagnosis", malformed.Snippet)
	}
}

func TestDoClassifiesArchivalOffline(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	_, err := testClient(nil, 5).Do(context.Background(), getRequest(srv.URL, true))
	if !errors.Is(err, ErrArchivalUnavailable) {
		t.Fatalf("error = %v, want ErrArchivalUnavailable", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("archival-offline was retried: %d calls, want 1", got)
	}
}

func TestDoArchivalOfflineDoesNotTripBreaker(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := New(Options{
		HTTPClient:  &http.Client{Timeout: 5 * time.Second},
		InitialWait: time.Millisecond,
		MaxWait:     10 * time.Millisecond,
		BreakerName: "catalogue",
	})

	// Well past the breaker's consecutive-failure threshold: every call
	// must still reach the server and classify as archival-offline, not
	// surface as an open circuit.
	for i := 0; i < 8; i++ {
		_, err := client.Do(context.Background(), getRequest(srv.URL, true))
		if !errors.Is(err, ErrArchivalUnavailable) {
			t.Fatalf("call %d: error = %v, want ErrArchivalUnavailable", i+1, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 8 {
		t.Errorf("server saw %d calls, want 8 (breaker must stay closed)", got)
	}
}

func TestDoClassifiesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(nil, 5).Do(context.Background(), getRequest(srv.URL, false))
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want *AuthError", err)
	}
}

func TestDoDoesNotRetryOtherClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(nil, 5).Do(context.Background(), getRequest(srv.URL, false))
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("error = %v, want *TerminalError", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("404 was retried: %d calls, want 1", got)
	}
}

func TestLimiterEnforcesMinimumSpacing(t *testing.T) {
	limiter := NewLimiter(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("Wait() error: %v", err)
		}
	}
	// Three calls need at least two full intervals between them.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("3 rate-limited calls took %v, want >= 100ms", elapsed)
	}
}

func TestLimiterHonorsCancellation(t *testing.T) {
	limiter := NewLimiter(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("first Wait() error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- limiter.Wait(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after cancellation")
	}
}
