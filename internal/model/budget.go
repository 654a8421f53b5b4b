package model

import "time"

// BudgetAction is the outcome of a budget evaluation.
type BudgetAction string

const (
	BudgetAllow    BudgetAction = "ALLOW"
	BudgetBlock    BudgetAction = "BLOCK"
	BudgetFallback BudgetAction = "FALLBACK"
)

// BudgetDecision is the result of evaluating a costly call against the cap.
// EstimatedCostCents always prices the originally requested model.
type BudgetDecision struct {
	Allowed            bool         `json:"allowed"`
	Action             BudgetAction `json:"action"`
	EstimatedCostCents int64        `json:"estimated_cost_cents"`
	CapCents           int64        `json:"cap_cents"`
	RequestedModel     string       `json:"requested_model"`
	ResolvedModel      string       `json:"resolved_model"`
	Reason             string       `json:"reason"`
	RequestID          string       `json:"request_id"`
}

// BudgetAuditEntry is one append-only audit row. It never carries the raw
// request, only its fingerprint.
type BudgetAuditEntry struct {
	Fingerprint string         `json:"fingerprint"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Decision    BudgetDecision `json:"decision"`
	InputSize   int64          `json:"input_size"`
	OutputSize  int64          `json:"output_size"`
	CreatedAt   time.Time      `json:"created_at"`
}
