package provider

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/revcache"
	"github.com/sells-group/revenue-ledger/internal/store"
)

// LedgerSource is the source label on snapshots built from ingested events.
const LedgerSource = "ledger"

// LedgerFetcher totals the tenant's ingested revenue events over a trailing
// window. Only the currency with the largest total is reported; when events
// span several currencies the confidence score is the share of events in
// that currency.
type LedgerFetcher struct {
	pool     db.Pool
	window   time.Duration
	interval string
	currency string
	now      func() time.Time
}

// NewLedgerFetcher creates a LedgerFetcher. defaultCurrency labels empty
// windows.
func NewLedgerFetcher(pool db.Pool, window time.Duration, defaultCurrency string) *LedgerFetcher {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	return &LedgerFetcher{
		pool:     pool,
		window:   window,
		interval: intervalLabel(window),
		currency: defaultCurrency,
		now:      time.Now,
	}
}

// Fetch satisfies revcache.Fetcher.
func (f *LedgerFetcher) Fetch(ctx context.Context, tenantID string) (*model.Snapshot, error) {
	now := f.now().UTC()
	var totals []store.RevenueTotals
	err := db.InTenantTx(ctx, f.pool, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		totals, err = store.SumRevenueEvents(ctx, tx, tenantID, now.Add(-f.window))
		return err
	})
	if err != nil {
		return nil, &revcache.FetchError{Err: eris.Wrap(err, "provider: sum ledger events")}
	}
	return f.snapshot(totals, now), nil
}

func (f *LedgerFetcher) snapshot(totals []store.RevenueTotals, now time.Time) *model.Snapshot {
	snap := &model.Snapshot{
		Currency: f.currency,
		Interval: f.interval,
		AsOf:     now,
		Sources:  []string{LedgerSource},
	}
	if len(totals) == 0 {
		return snap
	}

	top := totals[0]
	snap.Currency = top.Currency
	snap.RevenueCents = top.AmountCents
	snap.EventCount = top.EventCount
	if len(top.Sources) > 0 {
		snap.Sources = top.Sources
	}
	if len(totals) > 1 {
		var all int64
		for _, t := range totals {
			all += t.EventCount
		}
		if all > 0 {
			share := float64(top.EventCount) / float64(all)
			snap.ConfidenceScore = &share
		}
	}
	return snap
}

// intervalLabel renders whole-hour windows as "24h" and anything else in
// time.Duration notation.
func intervalLabel(d time.Duration) string {
	if d%time.Hour == 0 {
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	}
	return d.String()
}
