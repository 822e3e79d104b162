package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dialer/internal/domain"
	"dialer/internal/store"
)

type fakeStore struct {
	orgs      map[string]domain.Organization
	campaigns map[string]domain.Campaign
	leads     map[string]domain.Lead
	byPhone   map[string]domain.Lead
	calls     map[string]domain.Call
	counts    store.CampaignCounts

	inserted []store.LeadInsert
	moved    []string
	created  []store.CampaignInsert
	statuses []string
}

func newStore() *fakeStore {
	return &fakeStore{
		orgs:      map[string]domain.Organization{},
		campaigns: map[string]domain.Campaign{},
		leads:     map[string]domain.Lead{},
		byPhone:   map[string]domain.Lead{},
		calls:     map[string]domain.Call{},
	}
}

func (f *fakeStore) CreateOrganization(ctx context.Context, org domain.Organization) error {
	f.orgs[org.ID] = org
	return nil
}

func (f *fakeStore) GetOrganization(ctx context.Context, orgID string) (domain.Organization, bool, error) {
	org, ok := f.orgs[orgID]
	return org, ok, nil
}

func (f *fakeStore) CreatePhoneNumber(ctx context.Context, n domain.PhoneNumber) error {
	return nil
}

func (f *fakeStore) CreateCampaign(ctx context.Context, in store.CampaignInsert) error {
	f.created = append(f.created, in)
	f.campaigns[in.ID] = domain.Campaign{
		ID: in.ID, OrgID: in.OrgID, Name: in.Name, Status: domain.CampaignDraft,
		MaxAttempts: in.MaxAttempts, Backoff: in.Backoff, DuplicatePolicy: in.DuplicatePolicy,
	}
	return nil
}

func (f *fakeStore) GetCampaign(ctx context.Context, campaignID string) (domain.Campaign, bool, error) {
	c, ok := f.campaigns[campaignID]
	return c, ok, nil
}

func (f *fakeStore) SetCampaignStatus(ctx context.Context, campaignID string, status domain.CampaignStatus, now time.Time) (bool, error) {
	c, ok := f.campaigns[campaignID]
	if !ok || c.Status == domain.CampaignCompleted {
		return false, nil
	}
	c.Status = status
	f.campaigns[campaignID] = c
	f.statuses = append(f.statuses, string(status))
	return true, nil
}

func (f *fakeStore) CampaignCounts(ctx context.Context, campaignID string) (store.CampaignCounts, error) {
	return f.counts, nil
}

func (f *fakeStore) InsertLead(ctx context.Context, in store.LeadInsert) error {
	f.inserted = append(f.inserted, in)
	return nil
}

func (f *fakeStore) FindLeadByPhone(ctx context.Context, orgID, phone string) (domain.Lead, bool, error) {
	l, ok := f.byPhone[phone]
	return l, ok, nil
}

func (f *fakeStore) MoveLead(ctx context.Context, leadID, campaignID string, now time.Time) error {
	f.moved = append(f.moved, leadID)
	return nil
}

func (f *fakeStore) GetLead(ctx context.Context, leadID string) (domain.Lead, bool, error) {
	l, ok := f.leads[leadID]
	return l, ok, nil
}

func (f *fakeStore) GetCall(ctx context.Context, callID string) (domain.Call, bool, error) {
	c, ok := f.calls[callID]
	return c, ok, nil
}

func (f *fakeStore) ListLedgerEntries(ctx context.Context, orgID string, limit int) ([]domain.LedgerEntry, error) {
	return nil, nil
}

type fakeLedger struct {
	balance int64
	topups  []int64
}

func (f *fakeLedger) TopUp(ctx context.Context, orgID string, credits int64, referenceID, description string, now time.Time) (int64, error) {
	f.topups = append(f.topups, credits)
	f.balance += credits
	return f.balance, nil
}

func newAPI(st *fakeStore, led *fakeLedger) http.Handler {
	s := New()
	api := &API{Store: st, Ledger: led}
	api.Register(s.Mux)
	return s.Mux
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateCampaign(t *testing.T) {
	st := newStore()
	st.orgs["org_1"] = domain.Organization{ID: "org_1"}
	h := newAPI(st, &fakeLedger{})

	rec := doJSON(t, h, http.MethodPost, "/v1/campaigns", domain.CreateCampaignRequest{
		OrgID:          "org_1",
		Name:           "spring outreach",
		AssistantID:    "asst_1",
		MaxAttempts:    3,
		BackoffSeconds: 900,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if len(st.created) != 1 {
		t.Fatalf("created = %v", st.created)
	}
	in := st.created[0]
	if in.Backoff != 15*time.Minute {
		t.Fatalf("backoff = %v", in.Backoff)
	}
	if in.DuplicatePolicy != domain.DuplicateMove {
		t.Fatalf("default duplicate policy = %v, want move", in.DuplicatePolicy)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	st := newStore()
	h := newAPI(st, &fakeLedger{})

	rec := doJSON(t, h, http.MethodPost, "/v1/campaigns", domain.CreateCampaignRequest{
		OrgID: "org_1", Name: "x", AssistantID: "a", MaxAttempts: 0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateCampaignUnknownOrg(t *testing.T) {
	st := newStore()
	h := newAPI(st, &fakeLedger{})

	rec := doJSON(t, h, http.MethodPost, "/v1/campaigns", domain.CreateCampaignRequest{
		OrgID: "org_ghost", Name: "x", AssistantID: "a", MaxAttempts: 1,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCampaignStatusTransition(t *testing.T) {
	st := newStore()
	st.campaigns["camp_1"] = domain.Campaign{ID: "camp_1", Status: domain.CampaignDraft}
	h := newAPI(st, &fakeLedger{})

	rec := doJSON(t, h, http.MethodPost, "/v1/campaigns/camp_1/status", domain.CampaignStatusRequest{Status: "active"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if st.campaigns["camp_1"].Status != domain.CampaignActive {
		t.Fatalf("campaign status = %v", st.campaigns["camp_1"].Status)
	}
}

func TestCampaignStatusCompletedIsFrozen(t *testing.T) {
	st := newStore()
	st.campaigns["camp_1"] = domain.Campaign{ID: "camp_1", Status: domain.CampaignCompleted}
	h := newAPI(st, &fakeLedger{})

	rec := doJSON(t, h, http.MethodPost, "/v1/campaigns/camp_1/status", domain.CampaignStatusRequest{Status: "active"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCampaignStatusRejectsCompleted(t *testing.T) {
	st := newStore()
	st.campaigns["camp_1"] = domain.Campaign{ID: "camp_1", Status: domain.CampaignActive}
	h := newAPI(st, &fakeLedger{})

	// completed is set by the system when the campaign drains, never by clients
	rec := doJSON(t, h, http.MethodPost, "/v1/campaigns/camp_1/status", domain.CampaignStatusRequest{Status: "completed"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetCampaignWithCounts(t *testing.T) {
	st := newStore()
	st.campaigns["camp_1"] = domain.Campaign{ID: "camp_1", Name: "q3", Status: domain.CampaignActive}
	st.counts = store.CampaignCounts{Pending: 2, Completed: 5, Exhausted: 1}
	h := newAPI(st, &fakeLedger{})

	rec := doJSON(t, h, http.MethodGet, "/v1/campaigns/camp_1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Name   string `json:"Name"`
		Counts struct {
			Pending   int
			Completed int
		} `json:"counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Name != "q3" || out.Counts.Pending != 2 || out.Counts.Completed != 5 {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestImportLeadsMovesDuplicates(t *testing.T) {
	st := newStore()
	st.orgs["org_1"] = domain.Organization{ID: "org_1"}
	st.campaigns["camp_2"] = domain.Campaign{
		ID: "camp_2", OrgID: "org_1", DuplicatePolicy: domain.DuplicateMove,
	}
	// +15550000001 already belongs to camp_1, +15550000002 to camp_2 itself
	st.byPhone["+15550000001"] = domain.Lead{ID: "lead_old", CampaignID: "camp_1", OrgID: "org_1", Phone: "+15550000001"}
	st.byPhone["+15550000002"] = domain.Lead{ID: "lead_same", CampaignID: "camp_2", OrgID: "org_1", Phone: "+15550000002"}
	h := newAPI(st, &fakeLedger{})

	rec := doJSON(t, h, http.MethodPost, "/v1/campaigns/camp_2/leads", domain.ImportLeadsRequest{
		Leads: []domain.LeadImport{
			{Phone: "+15550000001", Name: "moved over"},
			{Phone: "+15550000002"},
			{Phone: "+15550000003", Name: "brand new"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var sum importSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Imported != 1 || sum.Moved != 1 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(st.moved) != 1 || st.moved[0] != "lead_old" {
		t.Fatalf("moved = %v", st.moved)
	}
	if len(st.inserted) != 1 || st.inserted[0].Phone != "+15550000003" {
		t.Fatalf("inserted = %v", st.inserted)
	}
}

func TestImportLeadsAllowPolicyKeepsBoth(t *testing.T) {
	st := newStore()
	st.campaigns["camp_2"] = domain.Campaign{
		ID: "camp_2", OrgID: "org_1", DuplicatePolicy: domain.DuplicateAllow,
	}
	st.byPhone["+15550000001"] = domain.Lead{ID: "lead_old", CampaignID: "camp_1", OrgID: "org_1", Phone: "+15550000001"}
	h := newAPI(st, &fakeLedger{})

	rec := doJSON(t, h, http.MethodPost, "/v1/campaigns/camp_2/leads", domain.ImportLeadsRequest{
		Leads: []domain.LeadImport{{Phone: "+15550000001"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(st.moved) != 0 {
		t.Fatalf("allow policy moved a lead: %v", st.moved)
	}
	if len(st.inserted) != 1 {
		t.Fatalf("inserted = %v", st.inserted)
	}
}

func TestTopUp(t *testing.T) {
	st := newStore()
	led := &fakeLedger{balance: 10}
	h := newAPI(st, led)

	rec := doJSON(t, h, http.MethodPost, "/v1/organizations/org_1/topup", domain.TopUpRequest{
		Credits: 500, ReferenceID: "inv_42",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var out map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["balance"] != 510 {
		t.Fatalf("balance = %d", out["balance"])
	}
}

func TestTopUpRejectsNonPositive(t *testing.T) {
	h := newAPI(newStore(), &fakeLedger{})
	rec := doJSON(t, h, http.MethodPost, "/v1/organizations/org_1/topup", domain.TopUpRequest{
		Credits: 0, ReferenceID: "inv_42",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetLeadNotFound(t *testing.T) {
	h := newAPI(newStore(), &fakeLedger{})
	rec := doJSON(t, h, http.MethodGet, "/v1/leads/lead_missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetCall(t *testing.T) {
	st := newStore()
	st.calls["call_1"] = domain.Call{ID: "call_1", Status: domain.CallCompleted, Outcome: domain.OutcomeAnswered}
	h := newAPI(st, &fakeLedger{})

	rec := doJSON(t, h, http.MethodGet, "/v1/calls/call_1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out domain.Call
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Outcome != domain.OutcomeAnswered {
		t.Fatalf("call = %+v", out)
	}
}
