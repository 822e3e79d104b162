package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"dialer/internal/domain"
	"dialer/internal/store"
)

func (s *Store) CreateCampaign(ctx context.Context, in store.CampaignInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO campaigns
			(id, org_id, name, status, assistant_id, phone_number_id,
			 max_attempts, backoff_seconds, duplicate_policy, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, in.ID, in.OrgID, in.Name, domain.CampaignDraft, in.AssistantID, in.PhoneNumberID,
		in.MaxAttempts, int64(in.Backoff/time.Second), in.DuplicatePolicy, in.Now)
	return err
}

func (s *Store) GetCampaign(ctx context.Context, campaignID string) (domain.Campaign, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, org_id, name, status, assistant_id, phone_number_id,
		       max_attempts, backoff_seconds, duplicate_policy, COALESCE(last_alert,''),
		       created_at, updated_at
		FROM campaigns WHERE id=$1
	`, campaignID)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, false, nil
		}
		return domain.Campaign{}, false, err
	}
	return c, true, nil
}

func (s *Store) SetCampaignStatus(ctx context.Context, campaignID string, status domain.CampaignStatus, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, updated_at=$3 WHERE id=$1 AND status <> 'completed'
	`, campaignID, status, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// CompleteCampaign is conditional on the campaign still being active so a
// user pausing it mid-tick is not overwritten.
func (s *Store) CompleteCampaign(ctx context.Context, campaignID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='completed', updated_at=$2 WHERE id=$1 AND status='active'
	`, campaignID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) RecordCampaignAlert(ctx context.Context, campaignID, alert string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET last_alert=$2, updated_at=$3 WHERE id=$1
	`, campaignID, alert, now)
	return err
}

func (s *Store) ListActiveCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, org_id, name, status, assistant_id, phone_number_id,
		       max_attempts, backoff_seconds, duplicate_policy, COALESCE(last_alert,''),
		       created_at, updated_at
		FROM campaigns WHERE status='active' ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CampaignCounts(ctx context.Context, campaignID string) (store.CampaignCounts, error) {
	var c store.CampaignCounts
	row := s.DB.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE call_status='pending'),
			COUNT(*) FILTER (WHERE call_status='calling'),
			COUNT(*) FILTER (WHERE call_status='completed'),
			COUNT(*) FILTER (WHERE call_status='failed'),
			COUNT(*) FILTER (WHERE call_status='exhausted')
		FROM leads WHERE campaign_id=$1
	`, campaignID)
	if err := row.Scan(&c.Pending, &c.Calling, &c.Completed, &c.Failed, &c.Exhausted); err != nil {
		return store.CampaignCounts{}, err
	}
	row = s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM calls
		WHERE campaign_id=$1 AND status IN ('initiating','initiated','in_progress')
	`, campaignID)
	if err := row.Scan(&c.OpenCalls); err != nil {
		return store.CampaignCounts{}, err
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (domain.Campaign, error) {
	var c domain.Campaign
	var backoffSeconds int64
	err := row.Scan(&c.ID, &c.OrgID, &c.Name, &c.Status, &c.AssistantID, &c.PhoneNumberID,
		&c.MaxAttempts, &backoffSeconds, &c.DuplicatePolicy, &c.LastAlert,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.Backoff = time.Duration(backoffSeconds) * time.Second
	return c, nil
}
