package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dialer/internal/domain"
	"dialer/internal/store"
	"dialer/internal/util"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) CreateOrganization(ctx context.Context, org domain.Organization) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO organizations
			(id, name, credit_balance, suspended, max_concurrent_calls, inflight_calls,
			 voice_rate_per_min, timezone, window_start_min, window_end_min, weekday_mask,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7,$8,$9,$10,$11,$11)
	`, org.ID, org.Name, org.CreditBalance, org.Suspended, org.MaxConcurrentCalls,
		org.VoiceRatePerMin, org.Timezone, org.WindowStartMin, org.WindowEndMin,
		org.WeekdayMask, org.CreatedAt)
	return err
}

func (s *Store) GetOrganization(ctx context.Context, orgID string) (domain.Organization, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, name, credit_balance, suspended, max_concurrent_calls, inflight_calls,
		       voice_rate_per_min, timezone, window_start_min, window_end_min, weekday_mask,
		       created_at, updated_at
		FROM organizations WHERE id=$1
	`, orgID)
	var o domain.Organization
	err := row.Scan(&o.ID, &o.Name, &o.CreditBalance, &o.Suspended, &o.MaxConcurrentCalls,
		&o.InflightCalls, &o.VoiceRatePerMin, &o.Timezone, &o.WindowStartMin,
		&o.WindowEndMin, &o.WeekdayMask, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Organization{}, false, nil
		}
		return domain.Organization{}, false, err
	}
	return o, true, nil
}

// AcquireSlot increments the organization's in-flight counter only if the
// concurrency cap allows it and the organization is not suspended. The check
// and the increment are one statement, so two dispatchers racing for the last
// slot cannot both win.
func (s *Store) AcquireSlot(ctx context.Context, orgID string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE organizations
		SET inflight_calls = inflight_calls + 1, updated_at = now()
		WHERE id=$1 AND suspended = FALSE AND inflight_calls < max_concurrent_calls
	`, orgID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ReleaseSlot(ctx context.Context, orgID string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE organizations
		SET inflight_calls = GREATEST(inflight_calls - 1, 0), updated_at = now()
		WHERE id=$1
	`, orgID)
	return err
}

// ReleaseCallSlot returns the in-flight slot held by a specific call, at most
// once: the released flag on the call row absorbs replayed terminal events.
func (s *Store) ReleaseCallSlot(ctx context.Context, callID string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		WITH c AS (
			UPDATE calls SET slot_released = TRUE
			WHERE id=$1 AND slot_released = FALSE
			RETURNING org_id
		)
		UPDATE organizations o
		SET inflight_calls = GREATEST(o.inflight_calls - 1, 0), updated_at = now()
		FROM c
		WHERE o.id = c.org_id
	`, callID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) TopUp(ctx context.Context, in store.CreditTopUp) (int64, error) {
	if in.Credits <= 0 {
		return 0, fmt.Errorf("topup credits must be positive")
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_ledger (id, org_id, delta, reason, reference_id, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, util.NewLedgerID(), in.OrgID, in.Credits, domain.ReasonTopUp, in.ReferenceID, in.Description, in.Now)
	if err != nil {
		return 0, err
	}

	var balance int64
	row := tx.QueryRow(ctx, `
		UPDATE organizations
		SET credit_balance = credit_balance + $2, updated_at = $3
		WHERE id=$1
		RETURNING credit_balance
	`, in.OrgID, in.Credits, in.Now)
	if err := row.Scan(&balance); err != nil {
		return 0, err
	}
	return balance, tx.Commit(ctx)
}

// SettleUsage appends a settlement debit and updates the balance projection in
// one transaction. The debit is clamped to the remaining balance; a clamped
// settlement, or one that drains the balance to zero, suspends the
// organization. A repeated settlement for the same reference is a no-op
// (unique partial index on the ledger) and reports Duplicate.
func (s *Store) SettleUsage(ctx context.Context, in store.Settlement) (store.SettlementResult, error) {
	if in.Credits < 0 {
		return store.SettlementResult{}, fmt.Errorf("settlement credits must not be negative")
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return store.SettlementResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance int64
	var suspended bool
	row := tx.QueryRow(ctx, `
		SELECT credit_balance, suspended FROM organizations WHERE id=$1 FOR UPDATE
	`, in.OrgID)
	if err := row.Scan(&balance, &suspended); err != nil {
		return store.SettlementResult{}, err
	}

	var prior int64
	row = tx.QueryRow(ctx, `
		SELECT delta FROM credit_ledger
		WHERE org_id=$1 AND reason=$2 AND reference_id=$3
	`, in.OrgID, domain.ReasonSettlement, in.ReferenceID)
	if err := row.Scan(&prior); err == nil {
		if err := tx.Commit(ctx); err != nil {
			return store.SettlementResult{}, err
		}
		return store.SettlementResult{Applied: -prior, Balance: balance, Suspended: suspended, Duplicate: true}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return store.SettlementResult{}, err
	}

	applied := in.Credits
	if applied > balance {
		applied = balance
	}
	newBalance := balance - applied
	clamped := applied < in.Credits
	suspend := suspended || clamped || newBalance == 0

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_ledger (id, org_id, delta, reason, reference_id, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, util.NewLedgerID(), in.OrgID, -applied, domain.ReasonSettlement, in.ReferenceID, in.Description, in.Now)
	if err != nil {
		return store.SettlementResult{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE organizations SET credit_balance=$2, suspended=$3, updated_at=$4 WHERE id=$1
	`, in.OrgID, newBalance, suspend, in.Now)
	if err != nil {
		return store.SettlementResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return store.SettlementResult{}, err
	}
	return store.SettlementResult{Applied: applied, Balance: newBalance, Suspended: suspend}, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, orgID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, org_id, delta, reason, reference_id, description, created_at
		FROM credit_ledger WHERE org_id=$1
		ORDER BY created_at DESC LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Delta, &e.Reason, &e.ReferenceID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
