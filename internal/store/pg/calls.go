package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"dialer/internal/domain"
	"dialer/internal/store"
)

func (s *Store) CreateCall(ctx context.Context, in store.CallInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO calls (id, lead_id, campaign_id, org_id, from_number_id, status, started_at)
		VALUES ($1,$2,$3,$4,$5,'initiating',$6)
	`, in.ID, in.LeadID, in.CampaignID, in.OrgID, in.FromNumberID, in.Now)
	return err
}

func (s *Store) SetCallInitiated(ctx context.Context, callID, providerCallID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE calls SET status='initiated', provider_call_id=$2
		WHERE id=$1 AND status='initiating'
	`, callID, providerCallID)
	return err
}

func (s *Store) MarkCallFailed(ctx context.Context, callID, lastError string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE calls SET status='failed', last_error=$2, ended_at=$3
		WHERE id=$1 AND status IN ('initiating','initiated','in_progress')
	`, callID, nullIfEmpty(lastError), now)
	return err
}

// MarkCallInProgress applies a call-started event; it never moves a call
// backwards out of a terminal state.
func (s *Store) MarkCallInProgress(ctx context.Context, callID, providerCallID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE calls SET status='in_progress', provider_call_id=COALESCE(provider_call_id,$2)
		WHERE id=$1 AND status IN ('initiating','initiated')
	`, callID, nullIfEmpty(providerCallID))
	return err
}

// FinalizeCall moves a call to its terminal state. Returns false if the call
// was already terminal, which callers treat as an already-handled event.
func (s *Store) FinalizeCall(ctx context.Context, in store.CallFinalize) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE calls
		SET status=$2, outcome=$3, duration_seconds=$4, cost_credits=$5,
		    recording_url=$6, ended_at=$7
		WHERE id=$1 AND status IN ('initiating','initiated','in_progress')
	`, in.CallID, in.Status, in.Outcome, in.DurationSeconds, in.CostCredits,
		nullIfEmpty(in.RecordingURL), in.EndedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetCall(ctx context.Context, callID string) (domain.Call, bool, error) {
	row := s.DB.QueryRow(ctx, callSelect+` WHERE id=$1`, callID)
	return scanCallRow(row)
}

func (s *Store) GetCallByProviderID(ctx context.Context, providerCallID string) (domain.Call, bool, error) {
	row := s.DB.QueryRow(ctx, callSelect+` WHERE provider_call_id=$1`, providerCallID)
	return scanCallRow(row)
}

const callSelect = `
	SELECT id, lead_id, campaign_id, org_id, COALESCE(provider_call_id,''), from_number_id,
	       status, started_at, ended_at, duration_seconds, cost_credits,
	       COALESCE(outcome,''), COALESCE(recording_url,''), COALESCE(last_error,'')
	FROM calls`

func scanCallRow(row rowScanner) (domain.Call, bool, error) {
	var c domain.Call
	err := row.Scan(&c.ID, &c.LeadID, &c.CampaignID, &c.OrgID, &c.ProviderCallID,
		&c.FromNumberID, &c.Status, &c.StartedAt, &c.EndedAt, &c.DurationSeconds,
		&c.CostCredits, &c.Outcome, &c.RecordingURL, &c.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Call{}, false, nil
		}
		return domain.Call{}, false, err
	}
	return c, true, nil
}
