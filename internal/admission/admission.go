// Package admission gates new outbound calls on suspension, credit balance
// and the per-organization concurrency cap. A denial is backpressure, not an
// error: the lead stays pending and a later tick retries.
package admission

import (
	"context"

	"dialer/internal/domain"
	"dialer/internal/observability"
)

const (
	ReasonUnknownOrg     = "unknown_org"
	ReasonSuspended      = "suspended"
	ReasonInsufficient   = "insufficient_credits"
	ReasonConcurrencyCap = "concurrency_cap"
)

type Decision struct {
	Allowed bool
	Reason  string
}

type Store interface {
	GetOrganization(ctx context.Context, orgID string) (domain.Organization, bool, error)
	// AcquireSlot must check the cap and increment the in-flight counter in
	// one atomic operation, and must refuse suspended organizations.
	AcquireSlot(ctx context.Context, orgID string) (bool, error)
	ReleaseSlot(ctx context.Context, orgID string) error
	ReleaseCallSlot(ctx context.Context, callID string) (bool, error)
}

type Controller struct {
	Store Store
}

// TryAdmit decides whether the organization may place one more call costing
// an estimated creditsNeeded. On allow, an in-flight slot has been acquired
// and must be released when the call terminates (or dispatch aborts).
// No credits are debited here; settlement happens at reconciliation.
func (c *Controller) TryAdmit(ctx context.Context, orgID string, creditsNeeded int64) (Decision, error) {
	org, found, err := c.Store.GetOrganization(ctx, orgID)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		return c.deny(ReasonUnknownOrg), nil
	}
	if org.Suspended {
		return c.deny(ReasonSuspended), nil
	}
	if org.CreditBalance < creditsNeeded {
		return c.deny(ReasonInsufficient), nil
	}

	ok, err := c.Store.AcquireSlot(ctx, orgID)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		// The slot CAS also re-checks suspension, so a concurrent suspension
		// between the read above and here still denies.
		return c.deny(ReasonConcurrencyCap), nil
	}

	observability.AdmissionDecisions.WithLabelValues("allow", "").Inc()
	return Decision{Allowed: true}, nil
}

// Release returns an in-flight slot, floored at zero by the store. It is for
// dispatch aborts that happen before a Call record exists; once a call row is
// there, ReleaseCall is the only correct way back.
func (c *Controller) Release(ctx context.Context, orgID string) error {
	return c.Store.ReleaseSlot(ctx, orgID)
}

// ReleaseCall returns the slot held by a call, at most once per call no
// matter how often its terminal event is replayed.
func (c *Controller) ReleaseCall(ctx context.Context, callID string) (bool, error) {
	return c.Store.ReleaseCallSlot(ctx, callID)
}

func (c *Controller) deny(reason string) Decision {
	observability.AdmissionDecisions.WithLabelValues("deny", reason).Inc()
	return Decision{Allowed: false, Reason: reason}
}
