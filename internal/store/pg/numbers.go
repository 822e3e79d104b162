package pg

import (
	"context"
	"time"

	"dialer/internal/domain"
	"dialer/internal/store"
)

func (s *Store) CreatePhoneNumber(ctx context.Context, n domain.PhoneNumber) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO phone_numbers
			(id, org_id, number, status, max_calls_per_hour, max_calls_per_day,
			 hour_count, day_count, hour_reset_at, day_reset_at, last_used_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,0,$7,$7,NULL)
	`, n.ID, n.OrgID, n.Number, n.Status, n.MaxCallsPerHour, n.MaxCallsPerDay, n.HourResetAt)
	return err
}

// CandidateNumbers lists the organization's active numbers least-recently-used
// first. Eligibility (caps with lazy window reset) is evaluated by the pool on
// top of these rows.
func (s *Store) CandidateNumbers(ctx context.Context, orgID string) ([]domain.PhoneNumber, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, org_id, number, status, max_calls_per_hour, max_calls_per_day,
		       hour_count, day_count, hour_reset_at, day_reset_at, last_used_at
		FROM phone_numbers
		WHERE org_id=$1 AND status='active'
		ORDER BY last_used_at ASC NULLS FIRST
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PhoneNumber
	for rows.Next() {
		var n domain.PhoneNumber
		if err := rows.Scan(&n.ID, &n.OrgID, &n.Number, &n.Status, &n.MaxCallsPerHour,
			&n.MaxCallsPerDay, &n.HourCount, &n.DayCount, &n.HourResetAt,
			&n.DayResetAt, &n.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ConsumeNumber writes the post-acquisition counters. last_used_at doubles as
// an optimistic concurrency token: if another worker consumed the number since
// the candidate row was read, the update misses and the caller tries the next
// candidate.
func (s *Store) ConsumeNumber(ctx context.Context, in store.NumberConsume) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE phone_numbers
		SET hour_count=$2, day_count=$3, hour_reset_at=$4, day_reset_at=$4, last_used_at=$4
		WHERE id=$1 AND last_used_at IS NOT DISTINCT FROM $5
	`, in.NumberID, in.HourCount, in.DayCount, in.Now, in.PrevLastUsedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReturnNumber compensates an acquisition whose dispatch never dialed
// (claim race lost, provider request failed before ringing).
func (s *Store) ReturnNumber(ctx context.Context, numberID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE phone_numbers
		SET hour_count = GREATEST(hour_count - 1, 0),
		    day_count = GREATEST(day_count - 1, 0)
		WHERE id=$1
	`, numberID)
	return err
}
