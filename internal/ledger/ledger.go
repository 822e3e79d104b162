// Package ledger exposes the credit check/debit interface consumed by the
// admission controller and the call reconciler.
//
// Invariants (mirrored by the store implementation):
//   - no balance update without a ledger entry, in the same transaction
//   - the ledger is append-only
//   - the balance never goes negative: settlements clamp to the remaining
//     balance and suspend the organization instead
package ledger

import (
	"context"
	"time"

	"dialer/internal/domain"
	"dialer/internal/store"
)

type Store interface {
	GetOrganization(ctx context.Context, orgID string) (domain.Organization, bool, error)
	SettleUsage(ctx context.Context, in store.Settlement) (store.SettlementResult, error)
	TopUp(ctx context.Context, in store.CreditTopUp) (int64, error)
}

type Service struct {
	Store Store
}

const (
	DenyUnknownOrg   = "unknown_org"
	DenyInsufficient = "insufficient_credits"
)

// CheckAllowed reports whether the organization's balance covers the given
// estimate. It does not reserve anything; the true cost is unknown until the
// call completes.
func (s *Service) CheckAllowed(ctx context.Context, orgID string, creditsNeeded int64) (bool, string, error) {
	org, found, err := s.Store.GetOrganization(ctx, orgID)
	if err != nil {
		return false, "", err
	}
	if !found {
		return false, DenyUnknownOrg, nil
	}
	if org.CreditBalance < creditsNeeded {
		return false, DenyInsufficient, nil
	}
	return true, "", nil
}

// RecordUsage settles the actual cost of a completed call. The returned
// applied amount may be less than requested when the balance was clamped at
// zero; suspended reports whether the organization was flagged as a result.
// Settling the same reference twice applies nothing new.
func (s *Service) RecordUsage(ctx context.Context, orgID string, credits int64, referenceID, description string, now time.Time) (store.SettlementResult, error) {
	return s.Store.SettleUsage(ctx, store.Settlement{
		OrgID:       orgID,
		Credits:     credits,
		ReferenceID: referenceID,
		Description: description,
		Now:         now,
	})
}

func (s *Service) TopUp(ctx context.Context, orgID string, credits int64, referenceID, description string, now time.Time) (int64, error) {
	return s.Store.TopUp(ctx, store.CreditTopUp{
		OrgID:       orgID,
		Credits:     credits,
		ReferenceID: referenceID,
		Description: description,
		Now:         now,
	})
}
