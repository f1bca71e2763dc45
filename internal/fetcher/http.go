package fetcher

import (
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultHostRate paces hosts without a configured rate.
const DefaultHostRate rate.Limit = 20

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int                   // total attempts, including the first
	RetryDelay time.Duration         // base backoff, doubled per attempt
	HostRates  map[string]rate.Limit // requests/sec per host
}

// defaultHostRates paces the registry and statistics-bureau hosts the
// taxonomy sources are published on.
func defaultHostRates() map[string]rate.Limit {
	return map[string]rate.Limit{
		"data.brreg.no": 10,
		"www.brreg.no":  10,
		"data.ssb.no":   5,
		"www.ssb.no":    5,
	}
}

// hostGate paces requests to one host and adapts to its feedback. A 429
// halves the pace, never below a quarter of the configured rate; each
// success nudges it back up 20%, never above double the configured rate.
type hostGate struct {
	mu   sync.Mutex
	lim  *rate.Limiter
	host string
	base rate.Limit
	cur  rate.Limit
}

func newHostGate(host string, base rate.Limit) *hostGate {
	return &hostGate{
		lim:  rate.NewLimiter(base, max(int(base), 1)),
		host: host,
		base: base,
		cur:  base,
	}
}

func (g *hostGate) wait(ctx context.Context) error {
	return g.lim.Wait(ctx)
}

func (g *hostGate) throttle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cur = max(g.cur/2, g.base/4)
	g.lim.SetLimit(g.cur)
	zap.L().Warn("host rate limited, slowing down",
		zap.String("host", g.host),
		zap.Float64("rate", float64(g.cur)))
}

func (g *hostGate) ease() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cur = min(g.cur*1.2, g.base*2)
	g.lim.SetLimit(g.cur)
}

func (g *hostGate) rate() rate.Limit {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cur
}

// HTTPSource downloads taxonomy files over HTTP with per-host adaptive
// pacing and retries for transient failures.
type HTTPSource struct {
	client *http.Client
	opts   HTTPOptions

	mu    sync.Mutex
	gates map[string]*hostGate
}

// NewHTTPSource builds an HTTPSource. Zero-valued options get defaults
// suitable for the public registry hosts.
func NewHTTPSource(opts HTTPOptions) *HTTPSource {
	if opts.UserAgent == "" {
		opts.UserAgent = "harvest-cli/1.0"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	if opts.HostRates == nil {
		opts.HostRates = defaultHostRates()
	}
	return &HTTPSource{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:  opts,
		gates: make(map[string]*hostGate),
	}
}

// gate returns the pacing gate for a host, creating it on first use.
func (s *HTTPSource) gate(host string) *hostGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gates[host]; ok {
		return g
	}
	base, ok := s.opts.HostRates[host]
	if !ok {
		base = DefaultHostRate
	}
	g := newHostGate(host, base)
	s.gates[host] = g
	return g
}

// Get issues a paced GET and returns the body of a 200 response. 429
// and 5xx responses and transport errors are retried with backoff;
// other statuses fail immediately.
func (s *HTTPSource) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %s", rawURL)
	}
	gate := s.gate(u.Host)

	var lastErr error
	for attempt := range s.opts.MaxRetries {
		if err := gate.wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: pacing wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: build request")
		}
		req.Header.Set("User-Agent", s.opts.UserAgent)

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			zap.L().Warn("fetch attempt failed",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			s.backoff(ctx, attempt)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			gate.ease()
			return resp.Body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close() //nolint:errcheck
			gate.throttle()
			lastErr = eris.Errorf("fetcher: 429 from %s", rawURL)
			s.backoff(ctx, attempt)
		case resp.StatusCode >= 500:
			resp.Body.Close() //nolint:errcheck
			lastErr = eris.Errorf("fetcher: %d from %s", resp.StatusCode, rawURL)
			zap.L().Warn("server error, retrying",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))
			s.backoff(ctx, attempt)
		default:
			resp.Body.Close() //nolint:errcheck
			return nil, eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
		}
	}
	return nil, eris.Wrap(lastErr, "fetcher: retries exhausted")
}

// Fetch downloads rawURL to dest.
func (s *HTTPSource) Fetch(ctx context.Context, rawURL, dest string) error {
	body, err := s.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer body.Close() //nolint:errcheck

	out, err := os.Create(dest)
	if err != nil {
		return eris.Wrapf(err, "fetcher: create %s", dest)
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, body); err != nil {
		return eris.Wrapf(err, "fetcher: write %s", dest)
	}
	return nil
}

func (s *HTTPSource) backoff(ctx context.Context, attempt int) {
	d := min(s.opts.RetryDelay<<attempt, 30*time.Second)
	d += rand.N(d / 2)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
