package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"dialer/internal/domain"
	"dialer/internal/store"
)

func (s *Store) InsertLead(ctx context.Context, in store.LeadInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO leads (id, campaign_id, org_id, phone, name, call_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'pending',$6,$6)
	`, in.ID, in.CampaignID, in.OrgID, in.Phone, in.Name, in.Now)
	return err
}

// FindLeadByPhone locates an existing lead with the same phone anywhere in the
// organization, used by the import duplicate policy.
func (s *Store) FindLeadByPhone(ctx context.Context, orgID, phone string) (domain.Lead, bool, error) {
	row := s.DB.QueryRow(ctx, leadSelect+` WHERE org_id=$1 AND phone=$2 ORDER BY created_at LIMIT 1`, orgID, phone)
	return scanLeadRow(row)
}

// MoveLead re-homes a lead into another campaign and resets its call state so
// the new campaign dials it fresh.
func (s *Store) MoveLead(ctx context.Context, leadID, campaignID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE leads
		SET campaign_id=$2, call_status='pending', attempt_count=0,
		    next_eligible_at=NULL, last_error=NULL, updated_at=$3
		WHERE id=$1
	`, leadID, campaignID, now)
	return err
}

func (s *Store) GetLead(ctx context.Context, leadID string) (domain.Lead, bool, error) {
	row := s.DB.QueryRow(ctx, leadSelect+` WHERE id=$1`, leadID)
	return scanLeadRow(row)
}

// ClaimLead performs the dispatch transition pending -> calling. Exactly one
// of any number of concurrent claimants wins; losers see false.
func (s *Store) ClaimLead(ctx context.Context, leadID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE leads
		SET call_status='calling', last_attempted_at=$2, updated_at=$2
		WHERE id=$1 AND call_status='pending'
	`, leadID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReleaseLead undoes a claim when dispatch aborts before a call was created
// (calling -> pending). Reconciliation paths use FinishLead instead.
func (s *Store) ReleaseLead(ctx context.Context, leadID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE leads SET call_status='pending', updated_at=$2
		WHERE id=$1 AND call_status='calling'
	`, leadID, now)
	return err
}

// FinishLead moves a lead out of calling: the reconciler on terminal call
// events, the dispatcher when the provider refuses the call outright.
func (s *Store) FinishLead(ctx context.Context, leadID string, to domain.LeadStatus, lastError string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE leads SET call_status=$2, last_error=$3, updated_at=$4
		WHERE id=$1 AND call_status='calling'
	`, leadID, to, nullIfEmpty(lastError), now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ScheduleRetry(ctx context.Context, in store.RetrySchedule) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE leads
		SET call_status='pending', attempt_count=$2, next_eligible_at=$3,
		    last_attempted_at=$4, updated_at=$4
		WHERE id=$1 AND call_status='failed'
	`, in.LeadID, in.AttemptCount, in.NextEligibleAt, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkLeadExhausted(ctx context.Context, leadID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE leads SET call_status='exhausted', updated_at=$2
		WHERE id=$1 AND call_status='failed'
	`, leadID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ListEligibleLeads returns pending leads whose retry delay has passed,
// never-attempted leads first, then oldest attempt first (fairness).
func (s *Store) ListEligibleLeads(ctx context.Context, campaignID string, now time.Time, limit int) ([]domain.Lead, error) {
	rows, err := s.DB.Query(ctx, leadSelect+`
		WHERE campaign_id=$1 AND call_status='pending'
		  AND (next_eligible_at IS NULL OR next_eligible_at <= $2)
		ORDER BY last_attempted_at ASC NULLS FIRST, created_at ASC
		LIMIT $3
	`, campaignID, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const leadSelect = `
	SELECT id, campaign_id, org_id, phone, name, call_status, attempt_count,
	       last_attempted_at, next_eligible_at, COALESCE(last_error,''),
	       created_at, updated_at
	FROM leads`

func scanLead(row rowScanner) (domain.Lead, error) {
	var l domain.Lead
	err := row.Scan(&l.ID, &l.CampaignID, &l.OrgID, &l.Phone, &l.Name, &l.CallStatus,
		&l.AttemptCount, &l.LastAttemptedAt, &l.NextEligibleAt, &l.LastError,
		&l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func scanLeadRow(row rowScanner) (domain.Lead, bool, error) {
	l, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Lead{}, false, nil
		}
		return domain.Lead{}, false, err
	}
	return l, true, nil
}
