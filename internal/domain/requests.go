package domain

import (
	"errors"
	"time"
)

var ErrMissingFields = errors.New("missing required fields")

type CreateOrganizationRequest struct {
	Name               string `json:"name"`
	CreditBalance      int64  `json:"creditBalance"`
	MaxConcurrentCalls int    `json:"maxConcurrentCalls"`
	VoiceRatePerMin    int64  `json:"voiceRatePerMin"`
	Timezone           string `json:"timezone"`
	WindowStartMin     int    `json:"windowStartMin"`
	WindowEndMin       int    `json:"windowEndMin"`
	WeekdayMask        int    `json:"weekdayMask"`
}

func (r CreateOrganizationRequest) Validate() error {
	if r.Name == "" {
		return ErrMissingFields
	}
	if r.CreditBalance < 0 {
		return errors.New("creditBalance must not be negative")
	}
	if r.MaxConcurrentCalls <= 0 {
		return errors.New("maxConcurrentCalls must be positive")
	}
	if r.VoiceRatePerMin <= 0 {
		return errors.New("voiceRatePerMin must be positive")
	}
	if r.WindowStartMin < 0 || r.WindowStartMin >= 24*60 ||
		r.WindowEndMin < 0 || r.WindowEndMin >= 24*60 {
		return errors.New("calling window minutes out of range")
	}
	return nil
}

type CreatePhoneNumberRequest struct {
	Number          string `json:"number"`
	MaxCallsPerHour int    `json:"maxCallsPerHour"`
	MaxCallsPerDay  int    `json:"maxCallsPerDay"`
}

func (r CreatePhoneNumberRequest) Validate() error {
	if r.Number == "" {
		return ErrMissingFields
	}
	if r.MaxCallsPerHour <= 0 || r.MaxCallsPerDay <= 0 {
		return errors.New("number caps must be positive")
	}
	return nil
}

type CreateCampaignRequest struct {
	OrgID           string `json:"orgId"`
	Name            string `json:"name"`
	AssistantID     string `json:"assistantId"`
	PhoneNumberID   string `json:"phoneNumberId,omitempty"`
	MaxAttempts     int    `json:"maxAttempts"`
	BackoffSeconds  int64  `json:"backoffSeconds"`
	DuplicatePolicy string `json:"duplicatePolicy,omitempty"`
}

func (r CreateCampaignRequest) Validate() error {
	if r.OrgID == "" || r.Name == "" || r.AssistantID == "" {
		return ErrMissingFields
	}
	if r.MaxAttempts <= 0 {
		return errors.New("maxAttempts must be positive")
	}
	if r.BackoffSeconds < 0 {
		return errors.New("backoffSeconds must not be negative")
	}
	switch DuplicatePolicy(r.DuplicatePolicy) {
	case "", DuplicateMove, DuplicateAllow:
	default:
		return errors.New("unknown duplicatePolicy")
	}
	return nil
}

func (r CreateCampaignRequest) Policy() DuplicatePolicy {
	if r.DuplicatePolicy == "" {
		return DuplicateMove
	}
	return DuplicatePolicy(r.DuplicatePolicy)
}

func (r CreateCampaignRequest) Backoff() time.Duration {
	return time.Duration(r.BackoffSeconds) * time.Second
}

type CampaignStatusRequest struct {
	Status string `json:"status"`
}

func (r CampaignStatusRequest) Validate() error {
	switch CampaignStatus(r.Status) {
	case CampaignDraft, CampaignActive, CampaignPaused:
		return nil
	}
	return errors.New("status must be draft, active or paused")
}

type LeadImport struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

type ImportLeadsRequest struct {
	Leads []LeadImport `json:"leads"`
}

func (r ImportLeadsRequest) Validate() error {
	if len(r.Leads) == 0 {
		return errors.New("leads must not be empty")
	}
	for _, l := range r.Leads {
		if l.Phone == "" {
			return errors.New("every lead needs a phone")
		}
	}
	return nil
}

type TopUpRequest struct {
	Credits     int64  `json:"credits"`
	ReferenceID string `json:"referenceId"`
	Description string `json:"description,omitempty"`
}

func (r TopUpRequest) Validate() error {
	if r.Credits <= 0 {
		return errors.New("credits must be positive")
	}
	if r.ReferenceID == "" {
		return ErrMissingFields
	}
	return nil
}
