// Package budget decides, before a paid downstream call, whether the call
// fits under the per-unit spend cap.
package budget

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-ledger/internal/cost"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/monitoring"
	"github.com/sells-group/revenue-ledger/internal/resilience"
)

// Config controls the policy.
type Config struct {
	CapCents      int64              `yaml:"cap_cents" mapstructure:"cap_cents"`
	Premium       []string           `yaml:"premium" mapstructure:"premium"`
	FallbackModel string             `yaml:"fallback_model" mapstructure:"fallback_model"`
	OverCapAction model.BudgetAction `yaml:"action" mapstructure:"action"`
	AuditTimeout  time.Duration      `yaml:"audit_timeout" mapstructure:"audit_timeout"`
}

// DefaultConfig caps each call at 30 cents and falls back to Haiku.
func DefaultConfig() Config {
	return Config{
		CapCents:      30,
		Premium:       []string{"claude-opus-4-6", "claude-sonnet-4-5-20250929"},
		FallbackModel: "claude-haiku-4-5-20251001",
		OverCapAction: model.BudgetFallback,
		AuditTimeout:  2 * time.Second,
	}
}

// Request is one prospective paid call.
type Request struct {
	TenantID   string `json:"tenant_id,omitempty"`
	Model      string `json:"model"`
	InputSize  int64  `json:"input_size"`
	OutputSize int64  `json:"output_size"`
	// RequestID is echoed in the decision; one is generated when empty.
	RequestID string `json:"request_id,omitempty"`
}

// Policy evaluates requests against the cap.
type Policy struct {
	prices  *cost.PriceTable
	cfg     Config
	premium map[string]struct{}
	sink    AuditSink
	now     func() time.Time
	log     *zap.Logger
}

// NewPolicy creates a Policy. sink may be nil to disable auditing.
func NewPolicy(prices *cost.PriceTable, cfg Config, sink AuditSink) (*Policy, error) {
	if prices == nil {
		prices = cost.DefaultPriceTable()
	}
	if cfg.CapCents < 0 {
		return nil, eris.New("budget: cap must not be negative")
	}
	switch cfg.OverCapAction {
	case "":
		cfg.OverCapAction = model.BudgetFallback
	case model.BudgetFallback, model.BudgetBlock:
	default:
		return nil, eris.Errorf("budget: unknown over-cap action %q", cfg.OverCapAction)
	}
	if cfg.OverCapAction == model.BudgetFallback {
		if _, ok := prices.Rate(cfg.FallbackModel); !ok {
			return nil, eris.Errorf("budget: fallback model %q is not priced", cfg.FallbackModel)
		}
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = DefaultConfig().AuditTimeout
	}

	premium := make(map[string]struct{}, len(cfg.Premium))
	for _, m := range cfg.Premium {
		premium[m] = struct{}{}
	}
	return &Policy{
		prices:  prices,
		cfg:     cfg,
		premium: premium,
		sink:    sink,
		now:     time.Now,
		log:     zap.L().With(zap.String("component", "budget")),
	}, nil
}

// Evaluate decides req. Over-cap requests are never an error; the decision
// says what to do. Errors are returned only for malformed requests. Audit
// failures are logged and do not affect the decision.
func (p *Policy) Evaluate(ctx context.Context, req Request) (model.BudgetDecision, error) {
	if req.Model == "" {
		return model.BudgetDecision{}, &resilience.ValidationError{Field: "model", Err: errors.New("required")}
	}
	if req.InputSize < 0 || req.OutputSize < 0 {
		return model.BudgetDecision{}, &resilience.ValidationError{Field: "size", Err: errors.New("must not be negative")}
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	d := p.decide(req)
	monitoring.BudgetDecisionsTotal.WithLabelValues(string(d.Action)).Inc()
	p.audit(ctx, req, d)
	return d, nil
}

func (p *Policy) decide(req Request) model.BudgetDecision {
	est := p.prices.Estimate(req.Model, req.InputSize, req.OutputSize)
	d := model.BudgetDecision{
		Allowed:            true,
		Action:             model.BudgetAllow,
		EstimatedCostCents: est.Cents,
		CapCents:           p.cfg.CapCents,
		RequestedModel:     req.Model,
		ResolvedModel:      req.Model,
		RequestID:          req.RequestID,
	}

	switch {
	case est.Cents <= p.cfg.CapCents:
		d.Reason = fmt.Sprintf("estimate %d¢ within cap %d¢", est.Cents, p.cfg.CapCents)
	case !p.isPremium(req.Model, est.Known):
		d.Reason = fmt.Sprintf("estimate %d¢ over cap %d¢; %s has no cheaper substitute", est.Cents, p.cfg.CapCents, req.Model)
	case p.cfg.OverCapAction == model.BudgetBlock:
		d.Allowed = false
		d.Action = model.BudgetBlock
		d.Reason = fmt.Sprintf("estimate %d¢ over cap %d¢; blocked", est.Cents, p.cfg.CapCents)
	default:
		d.Action = model.BudgetFallback
		d.ResolvedModel = p.cfg.FallbackModel
		d.Reason = fmt.Sprintf("estimate %d¢ over cap %d¢; falling back to %s", est.Cents, p.cfg.CapCents, p.cfg.FallbackModel)
	}
	if !est.Known {
		d.Reason += " (unknown model priced at highest rate)"
	}
	return d
}

// isPremium treats unpriced models as premium so they cannot slip past the
// cap.
func (p *Policy) isPremium(name string, known bool) bool {
	if !known {
		return true
	}
	_, ok := p.premium[name]
	return ok
}

func (p *Policy) audit(ctx context.Context, req Request, d model.BudgetDecision) {
	if p.sink == nil {
		return
	}
	fp, err := Fingerprint(req)
	if err != nil {
		p.log.Error("budget fingerprint", zap.Error(err))
		monitoring.BudgetAuditFailuresTotal.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.AuditTimeout)
	defer cancel()
	entry := &model.BudgetAuditEntry{
		Fingerprint: fp,
		TenantID:    req.TenantID,
		Decision:    d,
		InputSize:   req.InputSize,
		OutputSize:  req.OutputSize,
		CreatedAt:   p.now().UTC(),
	}
	if err := p.sink.Append(ctx, entry); err != nil {
		monitoring.BudgetAuditFailuresTotal.Inc()
		p.log.Warn("budget audit write failed",
			zap.String("fingerprint", fp),
			zap.String("action", string(d.Action)),
			zap.Error(err),
		)
	}
}

// Fingerprint is the hex SHA-256 of the request's canonical JSON, excluding
// the request id. Identical requests share a fingerprint.
func Fingerprint(req Request) (string, error) {
	req.RequestID = ""
	raw, err := json.Marshal(req)
	if err != nil {
		return "", eris.Wrap(err, "budget: marshal request")
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", eris.Wrap(err, "budget: canonicalize request")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
