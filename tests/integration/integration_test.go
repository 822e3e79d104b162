//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dialer/internal/store"
	"dialer/internal/store/pg"
)

func TestSettleUsageClampsSuspendsAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	insertOrg(t, db, "org_1", 30, 5)

	res, err := st.SettleUsage(ctx, store.Settlement{
		OrgID:       "org_1",
		Credits:     45,
		ReferenceID: "call_1",
		Description: "call settlement",
		Now:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Applied != 30 || res.Balance != 0 || !res.Suspended || res.Duplicate {
		t.Fatalf("result = %+v", res)
	}
	assertOrgBalanceDB(t, db, "org_1", 0, true)

	// same reference again: nothing new applied, nothing appended
	res, err = st.SettleUsage(ctx, store.Settlement{
		OrgID:       "org_1",
		Credits:     45,
		ReferenceID: "call_1",
		Description: "call settlement",
		Now:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("repeat settle: %v", err)
	}
	if !res.Duplicate || res.Applied != 30 || res.Balance != 0 {
		t.Fatalf("repeat result = %+v", res)
	}

	var rows int
	err = db.QueryRow(ctx, `
		SELECT COUNT(*) FROM credit_ledger WHERE org_id='org_1' AND reason='settlement'
	`).Scan(&rows)
	if err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if rows != 1 {
		t.Fatalf("settlement rows = %d, want 1", rows)
	}
}

func TestSettleUsageConcurrentNeverNegative(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	insertOrg(t, db, "org_1", 50, 5)

	var applied int64
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			res, err := st.SettleUsage(ctx, store.Settlement{
				OrgID:       "org_1",
				Credits:     40,
				ReferenceID: ref,
				Now:         time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("settle %s: %v", ref, err)
				return
			}
			atomic.AddInt64(&applied, res.Applied)
		}(fmt.Sprintf("call_%d", i))
	}
	wg.Wait()

	if applied != 50 {
		t.Fatalf("applied total = %d, want the full balance and not a credit more", applied)
	}
	assertOrgBalanceDB(t, db, "org_1", 0, true)
}

func TestAcquireSlotCapUnderContention(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	insertOrg(t, db, "org_1", 1000, 2)

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.AcquireSlot(ctx, "org_1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 2 {
		t.Fatalf("slot winners = %d, want exactly the cap", wins)
	}
	var inflight int
	if err := db.QueryRow(ctx, `SELECT inflight_calls FROM organizations WHERE id='org_1'`).Scan(&inflight); err != nil {
		t.Fatalf("select inflight: %v", err)
	}
	if inflight != 2 {
		t.Fatalf("inflight_calls = %d", inflight)
	}
}

func TestReleaseCallSlotAtMostOnce(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	insertOrg(t, db, "org_1", 1000, 2)
	insertCampaign(t, db, "camp_1", "org_1")
	insertLead(t, db, "lead_1", "camp_1", "org_1", "calling")

	if ok, err := st.AcquireSlot(ctx, "org_1"); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	insertCall(t, db, "call_1", "lead_1", "camp_1", "org_1")

	ok, err := st.ReleaseCallSlot(ctx, "call_1")
	if err != nil || !ok {
		t.Fatalf("first release: ok=%v err=%v", ok, err)
	}
	ok, err = st.ReleaseCallSlot(ctx, "call_1")
	if err != nil {
		t.Fatalf("repeat release: %v", err)
	}
	if ok {
		t.Fatal("repeat release decremented again")
	}

	var inflight int
	if err := db.QueryRow(ctx, `SELECT inflight_calls FROM organizations WHERE id='org_1'`).Scan(&inflight); err != nil {
		t.Fatalf("select inflight: %v", err)
	}
	if inflight != 0 {
		t.Fatalf("inflight_calls = %d", inflight)
	}
}

func TestClaimLeadSingleWinner(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	insertOrg(t, db, "org_1", 1000, 5)
	insertCampaign(t, db, "camp_1", "org_1")
	insertLead(t, db, "lead_1", "camp_1", "org_1", "pending")

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ClaimLead(ctx, "lead_1", time.Now().UTC())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("claim winners = %d, want 1", wins)
	}
	var status string
	if err := db.QueryRow(ctx, `SELECT call_status FROM leads WHERE id='lead_1'`).Scan(&status); err != nil {
		t.Fatalf("select status: %v", err)
	}
	if status != "calling" {
		t.Fatalf("call_status = %s", status)
	}
}

func TestConsumeNumberStaleTokenLoses(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	st := pg.New(db)
	insertOrg(t, db, "org_1", 1000, 5)
	insertNumber(t, db, "pn_1", "org_1", "+15550001111")

	candidates, err := st.CandidateNumbers(ctx, "org_1")
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d", len(candidates))
	}
	n := candidates[0]
	now := time.Now().UTC()

	ok, err := st.ConsumeNumber(ctx, store.NumberConsume{
		NumberID:       n.ID,
		HourCount:      1,
		DayCount:       1,
		PrevLastUsedAt: n.LastUsedAt,
		Now:            now,
	})
	if err != nil || !ok {
		t.Fatalf("first consume: ok=%v err=%v", ok, err)
	}

	// same stale token again: the row moved on, the update must miss
	ok, err = st.ConsumeNumber(ctx, store.NumberConsume{
		NumberID:       n.ID,
		HourCount:      1,
		DayCount:       1,
		PrevLastUsedAt: n.LastUsedAt,
		Now:            now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("stale consume: %v", err)
	}
	if ok {
		t.Fatal("stale token consumed the number twice")
	}

	var hourCount int
	if err := db.QueryRow(ctx, `SELECT hour_count FROM phone_numbers WHERE id='pn_1'`).Scan(&hourCount); err != nil {
		t.Fatalf("select hour_count: %v", err)
	}
	if hourCount != 1 {
		t.Fatalf("hour_count = %d", hourCount)
	}
}

func insertOrg(t *testing.T, db *pgxpool.Pool, orgID string, balance int64, maxConcurrent int) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO organizations (id, name, credit_balance, max_concurrent_calls, voice_rate_per_min, created_at, updated_at)
		VALUES ($1, $1, $2, $3, 30, now(), now())
	`, orgID, balance, maxConcurrent)
	if err != nil {
		t.Fatalf("insert org: %v", err)
	}
}

func insertCampaign(t *testing.T, db *pgxpool.Pool, campID, orgID string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO campaigns (id, org_id, name, status, created_at, updated_at)
		VALUES ($1, $2, $1, 'active', now(), now())
	`, campID, orgID)
	if err != nil {
		t.Fatalf("insert campaign: %v", err)
	}
}

func insertLead(t *testing.T, db *pgxpool.Pool, leadID, campID, orgID, status string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO leads (id, campaign_id, org_id, phone, call_status, created_at, updated_at)
		VALUES ($1, $2, $3, '+15559990000', $4, now(), now())
	`, leadID, campID, orgID, status)
	if err != nil {
		t.Fatalf("insert lead: %v", err)
	}
}

func insertCall(t *testing.T, db *pgxpool.Pool, callID, leadID, campID, orgID string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO calls (id, lead_id, campaign_id, org_id, status, started_at)
		VALUES ($1, $2, $3, $4, 'initiated', now())
	`, callID, leadID, campID, orgID)
	if err != nil {
		t.Fatalf("insert call: %v", err)
	}
}

func insertNumber(t *testing.T, db *pgxpool.Pool, numberID, orgID, number string) {
	t.Helper()
	_, err := db.Exec(context.Background(), `
		INSERT INTO phone_numbers (id, org_id, number, status, max_calls_per_hour, max_calls_per_day, hour_reset_at, day_reset_at)
		VALUES ($1, $2, $3, 'active', 10, 100, now(), now())
	`, numberID, orgID, number)
	if err != nil {
		t.Fatalf("insert number: %v", err)
	}
}

func assertOrgBalanceDB(t *testing.T, db *pgxpool.Pool, orgID string, wantBalance int64, wantSuspended bool) {
	t.Helper()
	var balance int64
	var suspended bool
	err := db.QueryRow(context.Background(), `
		SELECT credit_balance, suspended FROM organizations WHERE id=$1
	`, orgID).Scan(&balance, &suspended)
	if err != nil {
		t.Fatalf("select org: %v", err)
	}
	if balance != wantBalance || suspended != wantSuspended {
		t.Fatalf("balance=%d suspended=%v, want %d/%v", balance, suspended, wantBalance, wantSuspended)
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	_, err = admin.Exec(context.Background(), "CREATE SCHEMA "+schema)
	if err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlPath := filepath.Join("..", "..", "internal", "store", "pg", "schema.sql")
	sqlBytes, err := os.ReadFile(sqlPath)
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read schema: %v", err)
	}

	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("apply schema: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}

	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
