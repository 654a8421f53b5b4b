package model

import "time"

// PlatformClaim is one attribution platform's claim that it drove a sale.
type PlatformClaim struct {
	Source      string `json:"source" validate:"required"`
	AmountCents int64  `json:"amount_cents" validate:"gte=0"`
}

// VerifiedRevenue is the payment processor's record of what was charged.
type VerifiedRevenue struct {
	Source        string    `json:"source" validate:"required"`
	TransactionID string    `json:"transaction_id" validate:"required"`
	AmountCents   int64     `json:"amount_cents" validate:"gte=0"`
	Currency      string    `json:"currency,omitempty"`
	VerifiedAt    time.Time `json:"verified_at"`
}

// ReconciliationResult is the ledger row for one verified transaction.
type ReconciliationResult struct {
	ID                    string    `json:"id"`
	TenantID              string    `json:"tenant_id"`
	OrderID               string    `json:"order_id"`
	TransactionID         string    `json:"transaction_id"`
	ClaimedTotalCents     int64     `json:"claimed_total_cents"`
	VerifiedTotalCents    int64     `json:"verified_total_cents"`
	GhostRevenueCents     int64     `json:"ghost_revenue_cents"`
	DiscrepancyBps        int       `json:"discrepancy_bps"`
	ClaimSources          []string  `json:"claim_sources"`
	VerificationSource    string    `json:"verification_source"`
	VerificationTimestamp time.Time `json:"verification_timestamp"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}
