// Package ingest is the single entry point for revenue events. Both live
// deliveries and dead letter retries go through Ingester.Ingest.
package ingest

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-ledger/internal/db"
	"github.com/sells-group/revenue-ledger/internal/dlq"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/resilience"
	"github.com/sells-group/revenue-ledger/internal/store"
	"github.com/sells-group/revenue-ledger/internal/tenant"
)

// Ingester validates and stores revenue events.
type Ingester struct {
	log *zap.Logger
}

// New creates an Ingester.
func New() *Ingester {
	return &Ingester{log: zap.L().With(zap.String("component", "ingest"))}
}

// Ingest parses raw and writes it as a canonical revenue event on q, which
// must already be bound to tenantID. It returns the new event's id.
func (i *Ingester) Ingest(ctx context.Context, q db.Querier, tenantID, source string, raw []byte) (string, error) {
	if tenantID == "" {
		return "", &resilience.ValidationError{Field: "tenant_id", Err: errors.New("required")}
	}
	if source == "" {
		return "", &resilience.ValidationError{Field: "source", Err: errors.New("required")}
	}
	ev, err := ParseEvent(raw)
	if err != nil {
		return "", err
	}

	row := &model.RevenueEvent{
		TenantID:    tenantID,
		Source:      source,
		EventID:     ev.EventID,
		OrderID:     ev.OrderID,
		AmountCents: *ev.AmountCents,
		Currency:    ev.Currency,
		OccurredAt:  ev.OccurredAt,
	}
	if err := store.InsertRevenueEvent(ctx, q, row); err != nil {
		return "", err
	}
	i.log.Debug("revenue event ingested",
		zap.String("event_id", row.ID),
		zap.String("source", source),
	)
	return row.ID, nil
}

// Reingest implements dlq.Reingester.
func (i *Ingester) Reingest(ctx context.Context, q db.Querier, tenantID, source string, raw []byte) (string, error) {
	return i.Ingest(ctx, q, tenantID, source, raw)
}

var _ dlq.Reingester = (*Ingester)(nil)

// Delivery is one inbound event as received from a source.
type Delivery struct {
	// TenantKey is the source's account identifier, resolved to a tenant.
	TenantKey     string
	Source        string
	CorrelationID string
	Body          []byte
}

// Receipt says where a delivery ended up. Exactly one of EventID and
// DeadLetter is set.
type Receipt struct {
	TenantID   string                  `json:"tenant_id,omitempty"`
	EventID    string                  `json:"event_id,omitempty"`
	DeadLetter *model.DeadLetterRecord `json:"dead_letter,omitempty"`
}

// Receiver turns deliveries into events or dead letter records. A failed
// delivery is never returned as an error; only a failure to record it is.
type Receiver struct {
	pool     db.Pool
	ingester *Ingester
	dlq      *dlq.Handler
	tenants  *tenant.Resolver
}

// NewReceiver creates a Receiver.
func NewReceiver(pool db.Pool, ingester *Ingester, handler *dlq.Handler, tenants *tenant.Resolver) *Receiver {
	return &Receiver{pool: pool, ingester: ingester, dlq: handler, tenants: tenants}
}

const ingestSavepoint = "ingest_event"

// Receive resolves the delivery's tenant and ingests it. Unresolvable
// tenants go to the quarantine lane; ingestion failures are routed to the
// tenant's dead letter queue in the same transaction.
func (r *Receiver) Receive(ctx context.Context, d Delivery) (*Receipt, error) {
	tenantID, resolveErr := r.tenants.Resolve(ctx, d.TenantKey)
	if errors.Is(resolveErr, tenant.ErrUnresolved) {
		return r.quarantine(ctx, d, eris.Wrapf(resolveErr, "ingest: tenant key %q", d.TenantKey))
	}
	if resolveErr != nil {
		return nil, resolveErr
	}
	return r.ReceiveForTenant(ctx, tenantID, d)
}

func (r *Receiver) quarantine(ctx context.Context, d Delivery, cause error) (*Receipt, error) {
	var rec *model.DeadLetterRecord
	err := db.InTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		rec, err = r.dlq.RouteUnattributed(ctx, tx, dlq.RouteRequest{
			CorrelationID: d.CorrelationID,
			Source:        d.Source,
			Payload:       d.Body,
			Err:           cause,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Receipt{DeadLetter: rec}, nil
}

// ReceiveForTenant is Receive for an already-resolved tenant.
func (r *Receiver) ReceiveForTenant(ctx context.Context, tenantID string, d Delivery) (*Receipt, error) {
	receipt := &Receipt{TenantID: tenantID}
	err := db.InTenantTx(ctx, r.pool, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var (
			eventID   string
			ingestErr error
		)
		spErr := db.Savepoint(ctx, tx, ingestSavepoint, func(ctx context.Context) error {
			eventID, ingestErr = r.ingester.Ingest(ctx, tx, tenantID, d.Source, d.Body)
			return ingestErr
		})
		if ingestErr == nil {
			receipt.EventID = eventID
			return spErr
		}
		if spErr != ingestErr { //nolint:errorlint // Savepoint returns fn's error unwrapped
			return spErr
		}

		rec, err := r.dlq.Route(ctx, tx, dlq.RouteRequest{
			TenantID:      tenantID,
			CorrelationID: d.CorrelationID,
			Source:        d.Source,
			Payload:       d.Body,
			Err:           ingestErr,
		})
		if err != nil {
			return err
		}
		receipt.DeadLetter = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}
