package pg

import (
	"context"
	"encoding/json"
	"time"
)

// SeenProviderEvent reports whether an event keyed on (provider call id,
// event type) was already fully applied.
func (s *Store) SeenProviderEvent(ctx context.Context, providerCallID, eventType string) (bool, error) {
	var seen bool
	row := s.DB.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM provider_events WHERE provider_call_id=$1 AND event_type=$2
		)
	`, providerCallID, eventType)
	if err := row.Scan(&seen); err != nil {
		return false, err
	}
	return seen, nil
}

// InsertProviderEvent records a webhook event after all of its effects are in
// place. Returns false when another worker recorded it first.
func (s *Store) InsertProviderEvent(ctx context.Context, providerCallID, eventType string, payload any, now time.Time) (bool, error) {
	b, _ := json.Marshal(payload)
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO provider_events (provider_call_id, event_type, payload_json, received_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (provider_call_id, event_type) DO NOTHING
	`, providerCallID, eventType, b, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}
