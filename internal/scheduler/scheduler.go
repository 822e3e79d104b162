// Package scheduler drives campaign dialing on a fixed tick. Multiple loop
// instances may run concurrently across processes; cross-worker coordination
// is the store's atomic row transitions, not anything in here.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dialer/internal/dispatch"
	"dialer/internal/domain"
	"dialer/internal/store"
	"dialer/internal/util"
)

type Store interface {
	ListActiveCampaigns(ctx context.Context) ([]domain.Campaign, error)
	GetOrganization(ctx context.Context, orgID string) (domain.Organization, bool, error)
	ListEligibleLeads(ctx context.Context, campaignID string, now time.Time, limit int) ([]domain.Lead, error)
	CampaignCounts(ctx context.Context, campaignID string) (store.CampaignCounts, error)
	CompleteCampaign(ctx context.Context, campaignID string, now time.Time) (bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, org domain.Organization, camp domain.Campaign, lead domain.Lead) (dispatch.Result, error)
}

type Loop struct {
	Store      Store
	Dispatcher Dispatcher

	Interval     time.Duration
	LeadsPerTick int
	Workers      int

	Now func() time.Time
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return util.NowUTC()
}

// Run ticks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick processes every active campaign once. Errors are logged and left for
// the next tick; nothing here is allowed to kill the loop.
func (l *Loop) Tick(ctx context.Context) {
	now := l.now()

	campaigns, err := l.Store.ListActiveCampaigns(ctx)
	if err != nil {
		slog.Error("list active campaigns failed", "err", err)
		return
	}

	orgs := map[string]domain.Organization{}
	for _, camp := range campaigns {
		org, ok := orgs[camp.OrgID]
		if !ok {
			var found bool
			org, found, err = l.Store.GetOrganization(ctx, camp.OrgID)
			if err != nil {
				slog.Error("load organization failed", "org_id", camp.OrgID, "err", err)
				continue
			}
			if !found {
				slog.Error("campaign references unknown organization", "campaign_id", camp.ID, "org_id", camp.OrgID)
				continue
			}
			orgs[camp.OrgID] = org
		}

		if !domain.WithinCallingWindow(org, now) {
			continue
		}
		l.driveCampaign(ctx, org, camp, now)
	}
}

func (l *Loop) driveCampaign(ctx context.Context, org domain.Organization, camp domain.Campaign, now time.Time) {
	limit := l.LeadsPerTick
	if limit <= 0 {
		limit = 25
	}
	leads, err := l.Store.ListEligibleLeads(ctx, camp.ID, now, limit)
	if err != nil {
		slog.Error("list eligible leads failed", "campaign_id", camp.ID, "err", err)
		return
	}

	if len(leads) == 0 {
		l.maybeComplete(ctx, camp, now)
		return
	}

	workers := l.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(leads) {
		workers = len(leads)
	}

	jobs := make(chan domain.Lead)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for lead := range jobs {
				res, err := l.Dispatcher.Dispatch(ctx, org, camp, lead)
				if err != nil {
					slog.Error("dispatch failed", "lead_id", lead.ID, "campaign_id", camp.ID, "err", err)
					continue
				}
				if !res.Dispatched {
					// backpressure or a lost race; the lead stays pending
					slog.Debug("dispatch skipped", "lead_id", lead.ID, "reason", res.Reason)
				}
			}
		}()
	}

	for _, lead := range leads {
		select {
		case jobs <- lead:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		}
	}
	close(jobs)
	wg.Wait()
}

// maybeComplete marks a campaign completed once nothing remains to dial:
// no pending or retryable leads and no in-flight calls.
func (l *Loop) maybeComplete(ctx context.Context, camp domain.Campaign, now time.Time) {
	counts, err := l.Store.CampaignCounts(ctx, camp.ID)
	if err != nil {
		slog.Error("campaign counts failed", "campaign_id", camp.ID, "err", err)
		return
	}
	if counts.Pending > 0 || counts.Calling > 0 || counts.Failed > 0 || counts.OpenCalls > 0 {
		return
	}
	done, err := l.Store.CompleteCampaign(ctx, camp.ID, now)
	if err != nil {
		slog.Error("complete campaign failed", "campaign_id", camp.ID, "err", err)
		return
	}
	if done {
		slog.Info("campaign completed",
			"campaign_id", camp.ID,
			"completed", counts.Completed,
			"exhausted", counts.Exhausted,
		)
	}
}
