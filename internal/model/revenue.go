package model

import "time"

// Snapshot is the realtime revenue view served to callers.
type Snapshot struct {
	RevenueCents    int64     `json:"revenue_cents"`
	EventCount      int64     `json:"event_count"`
	Verified        bool      `json:"verified"`
	Currency        string    `json:"currency"`
	Interval        string    `json:"interval"`
	AsOf            time.Time `json:"as_of"`
	Sources         []string  `json:"sources"`
	ConfidenceScore *float64  `json:"confidence_score,omitempty"`
	UpgradeNotice   *string   `json:"upgrade_notice,omitempty"`
}

// CacheEntry is one row of the realtime revenue cache table.
type CacheEntry struct {
	TenantID           string     `json:"tenant_id"`
	CacheKey           string     `json:"cache_key"`
	Payload            *Snapshot  `json:"payload,omitempty"`
	DataAsOf           *time.Time `json:"data_as_of,omitempty"`
	ExpiresAt          time.Time  `json:"expires_at"`
	ErrorCooldownUntil *time.Time `json:"error_cooldown_until,omitempty"`
	LastErrorAt        *time.Time `json:"last_error_at,omitempty"`
	LastErrorMessage   *string    `json:"last_error_message,omitempty"`
	ETag               *string    `json:"etag,omitempty"`
}

// Fresh reports whether the entry can be served without a refresh.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return e != nil && e.Payload != nil && e.DataAsOf != nil && e.ExpiresAt.After(now)
}

// CoolingDown reports whether refreshes are suppressed at now.
func (e *CacheEntry) CoolingDown(now time.Time) bool {
	return e != nil && e.ErrorCooldownUntil != nil && e.ErrorCooldownUntil.After(now)
}

// RevenueEvent is the canonical row written by a successful ingestion.
type RevenueEvent struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Source      string    `json:"source"`
	EventID     string    `json:"event_id"`
	OrderID     string    `json:"order_id,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	OccurredAt  time.Time `json:"occurred_at"`
	CreatedAt   time.Time `json:"created_at"`
}
