// Package reconcile computes ghost revenue: the part of a platform's claimed
// attribution that exceeds what the payment processor verifiably charged.
package reconcile

import (
	"math/bits"
	"sort"

	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/resilience"
)

// MaxBps is a 100% discrepancy.
const MaxBps = 10000

// Compute derives the ledger row for one order without touching storage.
// All arithmetic is in integer cents and basis points.
func Compute(tenantID, orderID string, claims []model.PlatformClaim, verified *model.VerifiedRevenue) (*model.ReconciliationResult, error) {
	if verified == nil {
		return nil, ErrMissingVerified
	}
	if err := validateInputs(claims, verified); err != nil {
		return nil, err
	}

	claimed, err := claimedTotal(claims)
	if err != nil {
		return nil, err
	}

	ghost := GhostRevenue(claimed, verified.AmountCents)
	return &model.ReconciliationResult{
		TenantID:              tenantID,
		OrderID:               orderID,
		TransactionID:         verified.TransactionID,
		ClaimedTotalCents:     claimed,
		VerifiedTotalCents:    verified.AmountCents,
		GhostRevenueCents:     ghost,
		DiscrepancyBps:        DiscrepancyBps(claimed, verified.AmountCents),
		ClaimSources:          ClaimSources(claims),
		VerificationSource:    verified.Source,
		VerificationTimestamp: verified.VerifiedAt.UTC(),
	}, nil
}

// GhostRevenue is max(0, claimed - verified).
func GhostRevenue(claimed, verified int64) int64 {
	if claimed <= verified {
		return 0
	}
	return claimed - verified
}

// DiscrepancyBps is floor(ghost * 10000 / verified), capped at 10000. With
// nothing verified, any claim is a full discrepancy.
func DiscrepancyBps(claimed, verified int64) int {
	ghost := GhostRevenue(claimed, verified)
	switch {
	case verified > 0:
		if ghost >= verified {
			return MaxBps
		}
		// ghost < verified keeps the quotient below 10000; the 128-bit
		// product avoids overflow for very large amounts.
		hi, lo := bits.Mul64(uint64(ghost), MaxBps)
		q, _ := bits.Div64(hi, lo, uint64(verified))
		return int(q)
	case claimed > 0:
		return MaxBps
	default:
		return 0
	}
}

// ClaimSources returns the distinct claim sources in sorted order.
func ClaimSources(claims []model.PlatformClaim) []string {
	seen := make(map[string]struct{}, len(claims))
	out := make([]string, 0, len(claims))
	for _, c := range claims {
		if _, ok := seen[c.Source]; ok {
			continue
		}
		seen[c.Source] = struct{}{}
		out = append(out, c.Source)
	}
	sort.Strings(out)
	return out
}

func claimedTotal(claims []model.PlatformClaim) (int64, error) {
	var total int64
	for _, c := range claims {
		next := total + c.AmountCents
		if next < total {
			return 0, &resilience.ValidationError{Field: "claims", Err: errOverflow}
		}
		total = next
	}
	return total, nil
}
