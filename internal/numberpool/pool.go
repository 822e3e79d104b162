// Package numberpool assigns originating phone numbers to outbound calls,
// least-recently-used first, under per-number hourly and daily caps.
package numberpool

import (
	"context"
	"errors"
	"time"

	"dialer/internal/domain"
	"dialer/internal/store"
)

// ErrNoneAvailable means every number is capped out or disabled right now.
// It is a backpressure signal, not a failure; the lead stays pending.
var ErrNoneAvailable = errors.New("no eligible phone number available")

type Store interface {
	// CandidateNumbers returns active numbers LRU-first.
	CandidateNumbers(ctx context.Context, orgID string) ([]domain.PhoneNumber, error)
	// ConsumeNumber conditionally applies the incremented counters; false
	// means another worker took the number first.
	ConsumeNumber(ctx context.Context, in store.NumberConsume) (bool, error)
	ReturnNumber(ctx context.Context, numberID string, now time.Time) error
}

type Pool struct {
	Store Store
}

// Acquire picks the least-recently-used eligible number and consumes one unit
// of its hourly and daily budget. Counter windows reset lazily: counts from a
// previous hour or day are treated as zero before the cap check.
func (p *Pool) Acquire(ctx context.Context, orgID string, now time.Time) (domain.PhoneNumber, error) {
	candidates, err := p.Store.CandidateNumbers(ctx, orgID)
	if err != nil {
		return domain.PhoneNumber{}, err
	}

	for _, n := range candidates {
		if !n.Eligible(now) {
			continue
		}
		hour, day := n.EffectiveCounts(now)
		ok, err := p.Store.ConsumeNumber(ctx, store.NumberConsume{
			NumberID:       n.ID,
			HourCount:      hour + 1,
			DayCount:       day + 1,
			PrevLastUsedAt: n.LastUsedAt,
			Now:            now,
		})
		if err != nil {
			return domain.PhoneNumber{}, err
		}
		if !ok {
			// lost the race for this number; try the next candidate
			continue
		}
		n.HourCount = hour + 1
		n.DayCount = day + 1
		n.HourResetAt = now
		n.DayResetAt = now
		n.LastUsedAt = &now
		return n, nil
	}
	return domain.PhoneNumber{}, ErrNoneAvailable
}

// Release compensates an acquisition whose call never went out.
func (p *Pool) Release(ctx context.Context, numberID string, now time.Time) error {
	return p.Store.ReturnNumber(ctx, numberID, now)
}
