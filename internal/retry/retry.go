// Package retry decides whether a failed call attempt is rescheduled or the
// lead is abandoned.
package retry

import (
	"context"
	"log/slog"
	"time"

	"dialer/internal/domain"
	"dialer/internal/observability"
	"dialer/internal/store"
)

type Store interface {
	ScheduleRetry(ctx context.Context, in store.RetrySchedule) (bool, error)
	MarkLeadExhausted(ctx context.Context, leadID string, now time.Time) (bool, error)
}

type Policy struct {
	Store Store
}

// OnAttemptFailed reschedules the lead with linear backoff, or exhausts it
// once the campaign's attempt budget is spent. The delay factor is the
// attempt count at failure time: a lead failing with attemptCount=1 comes
// back after 1x the campaign backoff, with attemptCount=2 after 2x, and a
// lead already at maxAttempts is exhausted and never dialed again.
func (p *Policy) OnAttemptFailed(ctx context.Context, lead domain.Lead, camp domain.Campaign, now time.Time) error {
	if lead.AttemptCount >= camp.MaxAttempts {
		ok, err := p.Store.MarkLeadExhausted(ctx, lead.ID, now)
		if err != nil {
			return err
		}
		if ok {
			observability.LeadTransitions.WithLabelValues(string(domain.LeadExhausted)).Inc()
			slog.Info("lead exhausted",
				"lead_id", lead.ID,
				"campaign_id", camp.ID,
				"attempts", lead.AttemptCount,
			)
		}
		return nil
	}

	next := now.Add(camp.Backoff * time.Duration(lead.AttemptCount))
	ok, err := p.Store.ScheduleRetry(ctx, store.RetrySchedule{
		LeadID:         lead.ID,
		AttemptCount:   lead.AttemptCount + 1,
		NextEligibleAt: next,
		Now:            now,
	})
	if err != nil {
		return err
	}
	if ok {
		observability.LeadTransitions.WithLabelValues(string(domain.LeadPending)).Inc()
	}
	return nil
}
