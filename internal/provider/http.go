// Package provider supplies the snapshot fetchers behind the realtime
// revenue cache: an HTTP client for an upstream revenue service and a
// ledger-backed fetcher that totals ingested events.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/currency"
	"golang.org/x/time/rate"

	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/resilience"
	"github.com/sells-group/revenue-ledger/internal/revcache"
)

const maxSnapshotBytes = 1 << 20

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	BaseURL   string
	Interval  string
	UserAgent string
	Timeout   time.Duration
	// RateLimit is requests per second per upstream host.
	RateLimit rate.Limit
	Burst     int
	// Breaker trips after consecutive upstream failures from any tenant.
	// Zero values take the resilience defaults.
	Breaker resilience.BreakerConfig
}

// HTTPFetcher loads snapshots from an upstream revenue endpoint. It makes
// a single attempt per call; the cache's error cooldown paces retries.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	base     *url.URL
	limiters *limiterSet
	breaker  *resilience.Breaker
	now      func() time.Time
	log      *zap.Logger
}

// NewHTTPFetcher creates an HTTPFetcher for opts.BaseURL.
func NewHTTPFetcher(opts HTTPOptions) (*HTTPFetcher, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, eris.Errorf("provider: invalid base url %q", opts.BaseURL)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RateLimit)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "revenue-ledger/1.0"
	}
	if opts.Interval == "" {
		opts.Interval = "24h"
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	log := zap.L().With(zap.String("component", "provider"))
	bcfg := opts.Breaker
	if bcfg.OnStateChange == nil {
		bcfg.OnStateChange = func(from, to resilience.CircuitState) {
			log.Warn("upstream circuit state changed",
				zap.String("host", base.Host),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:     opts,
		base:     base,
		limiters: newLimiterSet(opts.RateLimit, opts.Burst),
		breaker:  resilience.NewBreaker(bcfg),
		now:      time.Now,
		log:      log,
	}, nil
}

// Fetch satisfies revcache.Fetcher. Every failure is a *revcache.FetchError.
// While the upstream circuit is open calls fail without a request and carry
// the time left until the next probe as RetryAfter.
func (f *HTTPFetcher) Fetch(ctx context.Context, tenantID string) (*model.Snapshot, error) {
	if err := f.breaker.Allow(); err != nil {
		var open *resilience.OpenError
		errors.As(err, &open)
		return nil, &revcache.FetchError{Err: err, RetryAfter: open.Remaining}
	}
	snap, err := f.fetch(ctx, tenantID)
	if err != nil && ctx.Err() != nil {
		f.breaker.Abandon()
		return nil, err
	}
	f.breaker.Record(err)
	return snap, err
}

func (f *HTTPFetcher) fetch(ctx context.Context, tenantID string) (*model.Snapshot, error) {
	u := *f.base
	q := u.Query()
	q.Set("tenant_id", tenantID)
	q.Set("interval", f.opts.Interval)
	u.RawQuery = q.Encode()

	lim := f.limiters.get(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, &revcache.FetchError{Err: eris.Wrap(err, "provider: rate limiter wait")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &revcache.FetchError{Err: eris.Wrap(err, "provider: create request")}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &revcache.FetchError{Err: eris.Wrap(err, "provider: request")}
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		lim.OnRateLimit()
		return nil, f.statusError(resp)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, f.statusError(resp)
	case resp.StatusCode != http.StatusOK:
		return nil, &revcache.FetchError{Err: eris.Errorf("provider: unexpected status %d", resp.StatusCode)}
	}
	lim.OnSuccess()

	snap, err := decodeSnapshot(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, &revcache.FetchError{Err: err}
	}
	if snap.Interval == "" {
		snap.Interval = f.opts.Interval
	}
	if snap.AsOf.IsZero() {
		snap.AsOf = f.now().UTC()
	}
	return snap, nil
}

func (f *HTTPFetcher) statusError(resp *http.Response) *revcache.FetchError {
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), f.now())
	f.log.Warn("upstream revenue request failed",
		zap.Int("status", resp.StatusCode),
		zap.Duration("retry_after", retryAfter),
	)
	return &revcache.FetchError{
		Err:        resilience.NewTransientError(eris.Errorf("provider: upstream status %d", resp.StatusCode), resp.StatusCode),
		RetryAfter: retryAfter,
	}
}

// decodeSnapshot parses and validates an upstream body. Partial or
// inconsistent data is an error, never a silently short snapshot.
func decodeSnapshot(r io.Reader) (*model.Snapshot, error) {
	var snap model.Snapshot
	dec := json.NewDecoder(r)
	if err := dec.Decode(&snap); err != nil {
		return nil, eris.Wrap(err, "provider: decode snapshot")
	}
	if snap.RevenueCents < 0 {
		return nil, eris.Errorf("provider: negative revenue_cents %d", snap.RevenueCents)
	}
	if snap.EventCount < 0 {
		return nil, eris.Errorf("provider: negative event_count %d", snap.EventCount)
	}
	unit, err := currency.ParseISO(snap.Currency)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: snapshot currency %q", snap.Currency)
	}
	snap.Currency = unit.String()
	if snap.ConfidenceScore != nil && (*snap.ConfidenceScore < 0 || *snap.ConfidenceScore > 1) {
		return nil, eris.Errorf("provider: confidence_score %v out of range", *snap.ConfidenceScore)
	}
	sort.Strings(snap.Sources)
	snap.AsOf = snap.AsOf.UTC()
	return &snap, nil
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unparseable or past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}
