package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"dialer/internal/domain"
	"dialer/internal/store"
	"dialer/internal/util"
)

type APIStore interface {
	CreateOrganization(ctx context.Context, org domain.Organization) error
	GetOrganization(ctx context.Context, orgID string) (domain.Organization, bool, error)
	CreatePhoneNumber(ctx context.Context, n domain.PhoneNumber) error
	CreateCampaign(ctx context.Context, in store.CampaignInsert) error
	GetCampaign(ctx context.Context, campaignID string) (domain.Campaign, bool, error)
	SetCampaignStatus(ctx context.Context, campaignID string, status domain.CampaignStatus, now time.Time) (bool, error)
	CampaignCounts(ctx context.Context, campaignID string) (store.CampaignCounts, error)
	InsertLead(ctx context.Context, in store.LeadInsert) error
	FindLeadByPhone(ctx context.Context, orgID, phone string) (domain.Lead, bool, error)
	MoveLead(ctx context.Context, leadID, campaignID string, now time.Time) error
	GetLead(ctx context.Context, leadID string) (domain.Lead, bool, error)
	GetCall(ctx context.Context, callID string) (domain.Call, bool, error)
	ListLedgerEntries(ctx context.Context, orgID string, limit int) ([]domain.LedgerEntry, error)
}

type APILedger interface {
	TopUp(ctx context.Context, orgID string, credits int64, referenceID, description string, now time.Time) (int64, error)
}

type API struct {
	Store  APIStore
	Ledger APILedger
	Now    func() time.Time
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return util.NowUTC()
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/organizations", a.handleCreateOrganization).Methods(http.MethodPost)
	mux.HandleFunc("/v1/organizations/{id}", a.handleGetOrganization).Methods(http.MethodGet)
	mux.HandleFunc("/v1/organizations/{id}/numbers", a.handleCreateNumber).Methods(http.MethodPost)
	mux.HandleFunc("/v1/organizations/{id}/topup", a.handleTopUp).Methods(http.MethodPost)
	mux.HandleFunc("/v1/organizations/{id}/ledger", a.handleListLedger).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns", a.handleCreateCampaign).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGetCampaign).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}/status", a.handleCampaignStatus).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/leads", a.handleImportLeads).Methods(http.MethodPost)
	mux.HandleFunc("/v1/leads/{id}", a.handleGetLead).Methods(http.MethodGet)
	mux.HandleFunc("/v1/calls/{id}", a.handleGetCall).Methods(http.MethodGet)
}

func (a *API) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateOrganizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := a.now()
	org := domain.Organization{
		ID:                 util.NewOrgID(),
		Name:               req.Name,
		CreditBalance:      req.CreditBalance,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
		VoiceRatePerMin:    req.VoiceRatePerMin,
		Timezone:           req.Timezone,
		WindowStartMin:     req.WindowStartMin,
		WindowEndMin:       req.WindowEndMin,
		WeekdayMask:        req.WeekdayMask,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := a.Store.CreateOrganization(r.Context(), org); err != nil {
		slog.Error("create organization failed", "err", err, "name", req.Name)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

func (a *API) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	org, found, err := a.Store.GetOrganization(r.Context(), id)
	if err != nil {
		slog.Error("get organization failed", "err", err, "org_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (a *API) handleCreateNumber(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["id"]
	var req domain.CreatePhoneNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, found, err := a.Store.GetOrganization(r.Context(), orgID); err != nil {
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	} else if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}

	now := a.now()
	n := domain.PhoneNumber{
		ID:              util.NewNumberID(),
		OrgID:           orgID,
		Number:          util.NormalizePhone(req.Number),
		Status:          domain.NumberActive,
		MaxCallsPerHour: req.MaxCallsPerHour,
		MaxCallsPerDay:  req.MaxCallsPerDay,
		HourResetAt:     now,
		DayResetAt:      now,
	}
	if err := a.Store.CreatePhoneNumber(r.Context(), n); err != nil {
		slog.Error("create phone number failed", "err", err, "org_id", orgID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (a *API) handleTopUp(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["id"]
	var req domain.TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	balance, err := a.Ledger.TopUp(r.Context(), orgID, req.Credits, req.ReferenceID, req.Description, a.now())
	if err != nil {
		slog.Error("top up failed", "err", err, "org_id", orgID, "reference_id", req.ReferenceID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (a *API) handleListLedger(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["id"]
	entries, err := a.Store.ListLedgerEntries(r.Context(), orgID, 100)
	if err != nil {
		slog.Error("list ledger failed", "err", err, "org_id", orgID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, found, err := a.Store.GetOrganization(r.Context(), req.OrgID); err != nil {
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	} else if !found {
		http.Error(w, "unknown organization", http.StatusNotFound)
		return
	}

	id := util.NewCampaignID()
	if err := a.Store.CreateCampaign(r.Context(), store.CampaignInsert{
		ID:              id,
		OrgID:           req.OrgID,
		Name:            req.Name,
		AssistantID:     req.AssistantID,
		PhoneNumberID:   req.PhoneNumberID,
		MaxAttempts:     req.MaxAttempts,
		Backoff:         req.Backoff(),
		DuplicatePolicy: req.Policy(),
		Now:             a.now(),
	}); err != nil {
		slog.Error("create campaign failed", "err", err, "org_id", req.OrgID, "name", req.Name)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"campaignId": id,
		"status":     string(domain.CampaignDraft),
	})
}

type campaignDetail struct {
	domain.Campaign
	Counts store.CampaignCounts `json:"counts"`
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	camp, found, err := a.Store.GetCampaign(r.Context(), id)
	if err != nil {
		slog.Error("get campaign failed", "err", err, "campaign_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	counts, err := a.Store.CampaignCounts(r.Context(), id)
	if err != nil {
		slog.Error("campaign counts failed", "err", err, "campaign_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, campaignDetail{Campaign: camp, Counts: counts})
}

func (a *API) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req domain.CampaignStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ok, err := a.Store.SetCampaignStatus(r.Context(), id, domain.CampaignStatus(req.Status), a.now())
	if err != nil {
		slog.Error("set campaign status failed", "err", err, "campaign_id", id, "status", req.Status)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !ok {
		// either unknown or already completed; completed campaigns are frozen
		http.Error(w, "campaign not found or completed", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

type importSummary struct {
	Imported int `json:"imported"`
	Moved    int `json:"moved"`
	Skipped  int `json:"skipped"`
}

func (a *API) handleImportLeads(w http.ResponseWriter, r *http.Request) {
	campaignID := mux.Vars(r)["id"]
	var req domain.ImportLeadsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	camp, found, err := a.Store.GetCampaign(r.Context(), campaignID)
	if err != nil {
		slog.Error("get campaign failed", "err", err, "campaign_id", campaignID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}

	now := a.now()
	var sum importSummary
	for _, in := range req.Leads {
		phone := util.NormalizePhone(in.Phone)

		existing, dup, err := a.Store.FindLeadByPhone(r.Context(), camp.OrgID, phone)
		if err != nil {
			slog.Error("lead lookup failed", "err", err, "campaign_id", campaignID)
			http.Error(w, ErrDependency, http.StatusBadGateway)
			return
		}

		if dup && camp.DuplicatePolicy == domain.DuplicateMove {
			if existing.CampaignID == campaignID {
				sum.Skipped++
				continue
			}
			if err := a.Store.MoveLead(r.Context(), existing.ID, campaignID, now); err != nil {
				slog.Error("move lead failed", "err", err, "lead_id", existing.ID, "campaign_id", campaignID)
				http.Error(w, ErrDependency, http.StatusBadGateway)
				return
			}
			sum.Moved++
			continue
		}

		if err := a.Store.InsertLead(r.Context(), store.LeadInsert{
			ID:         util.NewLeadID(),
			CampaignID: campaignID,
			OrgID:      camp.OrgID,
			Phone:      phone,
			Name:       in.Name,
			Now:        now,
		}); err != nil {
			slog.Error("insert lead failed", "err", err, "campaign_id", campaignID)
			http.Error(w, ErrDependency, http.StatusBadGateway)
			return
		}
		sum.Imported++
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleGetLead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	lead, found, err := a.Store.GetLead(r.Context(), id)
	if err != nil {
		slog.Error("get lead failed", "err", err, "lead_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (a *API) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	call, found, err := a.Store.GetCall(r.Context(), id)
	if err != nil {
		slog.Error("get call failed", "err", err, "call_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
