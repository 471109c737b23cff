package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultInterval    = time.Second
	DefaultTimeout     = 2 * time.Second
	DefaultMaxAttempts = 30
)

// ErrTimeout is returned by Await when the attempt budget is exhausted
// without a healthy response. It is distinct from a crash: the backend kept
// running but never became ready.
var ErrTimeout = errors.New("health: readiness timeout")

type Config struct {
	URL         string        `mapstructure:"url" json:"url"`
	Interval    time.Duration `mapstructure:"interval" json:"interval"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Result is the outcome of a single probe.
type Result struct {
	Healthy    bool
	StatusCode int
	Latency    time.Duration
	CheckedAt  time.Time
	Err        error
}

type Checker struct {
	cfg    Config
	client *http.Client

	// OnResult, when set, observes every probe outcome (success and failure).
	OnResult func(Result)
}

func New(cfg Config) *Checker {
	cfg = cfg.withDefaults()
	return &Checker{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			// Redirects are not a healthy answer from a local status
			// endpoint; surface them as their raw status.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe performs one GET against the endpoint. Only a 2xx answer within the
// configured timeout counts as healthy; any other status, a refused
// connection, or a timeout does not.
func (c *Checker) Probe(ctx context.Context) Result {
	start := time.Now()
	res := Result{CheckedAt: start}
	defer func() {
		if c.OnResult != nil {
			c.OnResult(res)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		res.Err = err
		return res
	}
	resp, err := c.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = err
		return res
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Healthy = true
		return res
	}
	res.Err = fmt.Errorf("health: unexpected status %d", resp.StatusCode)
	return res
}

// Await polls the endpoint until it answers healthy, the attempt budget
// runs out (ErrTimeout), or ctx is canceled. The first attempt fires
// immediately. A receive on kick schedules an extra attempt right away;
// kick may be nil.
func (c *Checker) Await(ctx context.Context, kick <-chan struct{}) error {
	var lastErr error
	timer := time.NewTimer(0)
	defer timer.Stop()
	for attempt := 0; ; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		attempt++
		res := c.Probe(ctx)
		if res.Healthy {
			return nil
		}
		lastErr = res.Err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= c.cfg.MaxAttempts {
			if lastErr != nil {
				return fmt.Errorf("%w after %d attempts: %v", ErrTimeout, attempt, lastErr)
			}
			return fmt.Errorf("%w after %d attempts", ErrTimeout, attempt)
		}
		timer.Reset(c.cfg.Interval)
	}
}
