// Package reconcile applies asynchronous provider call events to Call and
// Lead records and settles credits. Events may arrive out of order or more
// than once; every effect here is idempotent per (provider call id, event
// type).
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dialer/internal/domain"
	"dialer/internal/observability"
	"dialer/internal/providers/voice"
	"dialer/internal/store"
	"dialer/internal/util"
)

type Store interface {
	SeenProviderEvent(ctx context.Context, providerCallID, eventType string) (bool, error)
	InsertProviderEvent(ctx context.Context, providerCallID, eventType string, payload any, now time.Time) (bool, error)
	GetCall(ctx context.Context, callID string) (domain.Call, bool, error)
	GetCallByProviderID(ctx context.Context, providerCallID string) (domain.Call, bool, error)
	MarkCallInProgress(ctx context.Context, callID, providerCallID string, now time.Time) error
	FinalizeCall(ctx context.Context, in store.CallFinalize) (bool, error)
	FinishLead(ctx context.Context, leadID string, to domain.LeadStatus, lastError string, now time.Time) (bool, error)
	GetLead(ctx context.Context, leadID string) (domain.Lead, bool, error)
	GetCampaign(ctx context.Context, campaignID string) (domain.Campaign, bool, error)
	GetOrganization(ctx context.Context, orgID string) (domain.Organization, bool, error)
}

type Ledger interface {
	RecordUsage(ctx context.Context, orgID string, credits int64, referenceID, description string, now time.Time) (store.SettlementResult, error)
}

type Admitter interface {
	ReleaseCall(ctx context.Context, callID string) (bool, error)
}

type RetryPolicy interface {
	OnAttemptFailed(ctx context.Context, lead domain.Lead, camp domain.Campaign, now time.Time) error
}

type Reconciler struct {
	Store     Store
	Ledger    Ledger
	Admission Admitter
	Retry     RetryPolicy

	Now func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return util.NowUTC()
}

// OnProviderEvent applies one webhook event. A nil return means the event is
// fully handled (including "duplicate" and "unknown call" — those are dropped
// by design); an error asks the queue to redeliver.
//
// The idempotency record is written last, after every effect is in place: a
// redelivery following a mid-flight failure still has work to finish and must
// not be mistaken for a duplicate. The effects themselves are conditional
// updates, so a resumed run replays the completed ones as no-ops.
func (r *Reconciler) OnProviderEvent(ctx context.Context, ev voice.Event) error {
	now := r.now()

	key := ev.ProviderCallID
	if key == "" {
		key = ev.Metadata.CallID
	}
	if key == "" {
		observability.WebhookEvents.WithLabelValues(ev.Type, "invalid").Inc()
		slog.Warn("provider event without any call id", "type", ev.Type)
		return nil
	}

	seen, err := r.Store.SeenProviderEvent(ctx, key, ev.Type)
	if err != nil {
		return fmt.Errorf("check provider event: %w", err)
	}
	if seen {
		observability.WebhookEvents.WithLabelValues(ev.Type, "duplicate").Inc()
		slog.Debug("duplicate provider event", "type", ev.Type, "provider_call_id", ev.ProviderCallID)
		return nil
	}

	call, found, err := r.lookupCall(ctx, ev)
	if err != nil {
		return err
	}
	if !found {
		// Unknown call: either a very late event for purged data or a foreign
		// delivery. Logged and dropped per the reconciliation contract.
		observability.WebhookEvents.WithLabelValues(ev.Type, "unknown_call").Inc()
		slog.Warn("provider event for unknown call",
			"type", ev.Type,
			"provider_call_id", ev.ProviderCallID,
			"metadata_call_id", ev.Metadata.CallID,
		)
		return nil
	}

	switch ev.Type {
	case voice.EventCallStarted:
		err = r.onCallStarted(ctx, call, ev, now)
	case voice.EventCallEnded:
		err = r.onCallEnded(ctx, call, ev, now)
	default:
		observability.WebhookEvents.WithLabelValues(ev.Type, "ignored").Inc()
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := r.Store.InsertProviderEvent(ctx, key, ev.Type, ev, now); err != nil {
		return fmt.Errorf("record provider event: %w", err)
	}
	return nil
}

// lookupCall prefers our own call id from the echoed metadata: the provider
// call id is assigned in the create response, and a webhook can race ahead of
// that response.
func (r *Reconciler) lookupCall(ctx context.Context, ev voice.Event) (domain.Call, bool, error) {
	if ev.Metadata.CallID != "" {
		call, found, err := r.Store.GetCall(ctx, ev.Metadata.CallID)
		if err != nil {
			return domain.Call{}, false, err
		}
		if found {
			return call, true, nil
		}
	}
	if ev.ProviderCallID != "" {
		return r.Store.GetCallByProviderID(ctx, ev.ProviderCallID)
	}
	return domain.Call{}, false, nil
}

func (r *Reconciler) onCallStarted(ctx context.Context, call domain.Call, ev voice.Event, now time.Time) error {
	if !call.Status.Open() {
		observability.WebhookEvents.WithLabelValues(ev.Type, "already_terminal").Inc()
		return nil
	}
	if err := r.Store.MarkCallInProgress(ctx, call.ID, ev.ProviderCallID, now); err != nil {
		return err
	}
	observability.WebhookEvents.WithLabelValues(ev.Type, "ok").Inc()
	return nil
}

func (r *Reconciler) onCallEnded(ctx context.Context, call domain.Call, ev voice.Event, now time.Time) error {
	org, found, err := r.Store.GetOrganization(ctx, call.OrgID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("organization %s not found for call %s", call.OrgID, call.ID)
	}

	if call.Status.Open() {
		outcome := domain.Outcome(ev.Outcome)
		if outcome == "" {
			outcome = domain.OutcomeFailed
		}
		callStatus := domain.CallFailed
		if outcome.Conclusive() {
			callStatus = domain.CallCompleted
		}

		endedAt := now
		if ev.EndedAt != nil {
			endedAt = *ev.EndedAt
		}
		cost := domain.CallCost(ev.DurationSeconds, org.VoiceRatePerMin)

		finalized, err := r.Store.FinalizeCall(ctx, store.CallFinalize{
			CallID:          call.ID,
			Status:          callStatus,
			Outcome:         outcome,
			DurationSeconds: ev.DurationSeconds,
			CostCredits:     cost,
			RecordingURL:    ev.RecordingURL,
			EndedAt:         endedAt,
			Now:             now,
		})
		if err != nil {
			return err
		}
		if finalized {
			call.Status = callStatus
			call.Outcome = outcome
			call.CostCredits = cost
		} else {
			// lost the close to a concurrent worker; reload the recorded row
			callID := call.ID
			call, found, err = r.Store.GetCall(ctx, callID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("call %s vanished during reconciliation", callID)
			}
		}
	} else {
		// Closed earlier, by an interrupted run of this handler or by the
		// dispatcher. The steps below replay from the recorded row; each one
		// is a no-op where the earlier run already got through.
		observability.WebhookEvents.WithLabelValues(ev.Type, "already_terminal").Inc()
		slog.Info("call-ended for already terminal call", "call_id", call.ID, "status", call.Status)
	}

	if call.CostCredits > 0 {
		res, err := r.Ledger.RecordUsage(ctx, org.ID, call.CostCredits, call.ID, "call settlement", now)
		if err != nil {
			return fmt.Errorf("settle call %s: %w", call.ID, err)
		}
		if !res.Duplicate {
			observability.SettledCredits.Add(float64(res.Applied))
			if res.Suspended {
				slog.Warn("organization suspended at settlement",
					"org_id", org.ID,
					"call_id", call.ID,
					"cost", call.CostCredits,
					"applied", res.Applied,
					"balance", res.Balance,
				)
			}
		}
	}

	if _, err := r.Admission.ReleaseCall(ctx, call.ID); err != nil {
		return err
	}

	if call.Outcome.Conclusive() {
		ok, err := r.Store.FinishLead(ctx, call.LeadID, domain.LeadCompleted, "", now)
		if err != nil {
			return err
		}
		if ok {
			observability.LeadTransitions.WithLabelValues(string(domain.LeadCompleted)).Inc()
		}
		observability.WebhookEvents.WithLabelValues(ev.Type, "ok").Inc()
		return nil
	}

	ok, err := r.Store.FinishLead(ctx, call.LeadID, domain.LeadFailed, string(call.Outcome), now)
	if err != nil {
		return err
	}
	if ok {
		observability.LeadTransitions.WithLabelValues(string(domain.LeadFailed)).Inc()
	}

	lead, leadFound, err := r.Store.GetLead(ctx, call.LeadID)
	if err != nil {
		return err
	}
	camp, campFound, err := r.Store.GetCampaign(ctx, call.CampaignID)
	if err != nil {
		return err
	}
	// The retry decision runs only while the lead is still parked in failed;
	// on a replay the lead has already moved on and the attempt count must
	// not be touched again.
	if leadFound && campFound && lead.CallStatus == domain.LeadFailed {
		if err := r.Retry.OnAttemptFailed(ctx, lead, camp, now); err != nil {
			return err
		}
	}
	observability.WebhookEvents.WithLabelValues(ev.Type, "ok").Inc()
	return nil
}
