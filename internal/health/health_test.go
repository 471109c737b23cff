package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestProbeHealthyOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL})
	res := c.Probe(context.Background())
	if !res.Healthy {
		t.Fatalf("expected healthy, got %+v", res)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if res.Err != nil {
		t.Fatalf("unexpected err: %v", res.Err)
	}
	if res.Latency <= 0 {
		t.Errorf("latency not recorded: %v", res.Latency)
	}
}

func TestProbeNon2xxIsUnhealthy(t *testing.T) {
	for _, code := range []int{http.StatusFound, http.StatusNotFound, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
		}))
		c := New(Config{URL: srv.URL})
		res := c.Probe(context.Background())
		srv.Close()
		if res.Healthy {
			t.Errorf("status %d must not be healthy", code)
		}
		if res.StatusCode != code {
			t.Errorf("status = %d, want %d", res.StatusCode, code)
		}
		if res.Err == nil {
			t.Errorf("status %d should carry an error", code)
		}
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(Config{URL: url, Timeout: 500 * time.Millisecond})
	res := c.Probe(context.Background())
	if res.Healthy || res.Err == nil {
		t.Fatalf("expected refusal, got %+v", res)
	}
}

func TestAwaitSucceedsOnThirdPoll(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var observed atomic.Int32
	c := New(Config{URL: srv.URL, Interval: 10 * time.Millisecond, MaxAttempts: 10})
	c.OnResult = func(Result) { observed.Add(1) }

	if err := c.Await(context.Background(), nil); err != nil {
		t.Fatalf("await: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server saw %d probes, want 3", got)
	}
	if got := observed.Load(); got != 3 {
		t.Fatalf("OnResult saw %d probes, want 3", got)
	}
}

func TestAwaitExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Interval: 5 * time.Millisecond, MaxAttempts: 3})
	err := c.Await(context.Background(), nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server saw %d probes, want 3", got)
	}
}

func TestAwaitCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	c := New(Config{URL: srv.URL, Interval: 10 * time.Millisecond, MaxAttempts: 1000})
	err := c.Await(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAwaitKickSkipsInterval(t *testing.T) {
	var ready atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// With a huge interval the loop would normally sit idle for 30s after
	// the first failed probe; the kick must wake it immediately.
	c := New(Config{URL: srv.URL, Interval: 30 * time.Second, MaxAttempts: 10})
	kick := make(chan struct{}, 1)
	done := make(chan error, 1)
	started := time.Now()
	go func() { done <- c.Await(context.Background(), kick) }()

	time.Sleep(50 * time.Millisecond)
	ready.Store(true)
	kick <- struct{}{}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("await: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("await did not return after kick")
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("kick did not short-circuit the interval, took %v", elapsed)
	}
}
