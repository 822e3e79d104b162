package domain

import "time"

type LeadStatus string

const (
	LeadPending   LeadStatus = "pending"
	LeadCalling   LeadStatus = "calling"
	LeadCompleted LeadStatus = "completed"
	LeadFailed    LeadStatus = "failed"
	LeadExhausted LeadStatus = "exhausted"
)

type CallStatus string

const (
	CallInitiating CallStatus = "initiating"
	CallInitiated  CallStatus = "initiated"
	CallInProgress CallStatus = "in_progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
)

// Open reports whether the call still holds an admission slot.
func (s CallStatus) Open() bool {
	return s == CallInitiating || s == CallInitiated || s == CallInProgress
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// DuplicatePolicy controls what happens when an imported lead's phone number
// already exists in another campaign of the same organization.
type DuplicatePolicy string

const (
	// DuplicateMove re-homes the existing lead into the importing campaign.
	DuplicateMove DuplicatePolicy = "move"
	// DuplicateAllow creates an independent lead alongside the existing one.
	DuplicateAllow DuplicatePolicy = "allow"
)

// Outcome classifies how a call ended, as reported by the voice provider.
type Outcome string

const (
	OutcomeAnswered      Outcome = "answered"
	OutcomeVoicemail     Outcome = "voicemail"
	OutcomeNotInterested Outcome = "not_interested"
	OutcomeNoAnswer      Outcome = "no_answer"
	OutcomeBusy          Outcome = "busy"
	OutcomeFailed        Outcome = "failed"
)

// Conclusive reports whether the contact attempt reached a person (or their
// voicemail) and should not be retried.
func (o Outcome) Conclusive() bool {
	switch o {
	case OutcomeAnswered, OutcomeVoicemail, OutcomeNotInterested:
		return true
	}
	return false
}

type Organization struct {
	ID                 string
	Name               string
	CreditBalance      int64
	Suspended          bool
	MaxConcurrentCalls int
	InflightCalls      int
	VoiceRatePerMin    int64
	Timezone           string
	WindowStartMin     int // minutes after local midnight
	WindowEndMin       int
	WeekdayMask        int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Campaign struct {
	ID              string
	OrgID           string
	Name            string
	Status          CampaignStatus
	AssistantID     string
	PhoneNumberID   string
	MaxAttempts     int
	Backoff         time.Duration
	DuplicatePolicy DuplicatePolicy
	LastAlert       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Lead struct {
	ID              string
	CampaignID      string
	OrgID           string
	Phone           string // E.164
	Name            string
	CallStatus      LeadStatus
	AttemptCount    int
	LastAttemptedAt *time.Time
	NextEligibleAt  *time.Time
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Call struct {
	ID              string
	LeadID          string
	CampaignID      string
	OrgID           string
	ProviderCallID  string
	FromNumberID    string
	Status          CallStatus
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int
	CostCredits     int64
	Outcome         Outcome
	RecordingURL    string
	LastError       string
}

// LedgerReason tags a credit ledger entry with why the delta was applied.
type LedgerReason string

const (
	ReasonTopUp      LedgerReason = "topup"
	ReasonSettlement LedgerReason = "settlement"
	ReasonRefund     LedgerReason = "refund"
)

// LedgerEntry is immutable once written. The organization balance is a
// projection kept consistent with the ledger in the same transaction.
type LedgerEntry struct {
	ID          string
	OrgID       string
	Delta       int64 // signed credits
	Reason      LedgerReason
	ReferenceID string
	Description string
	CreatedAt   time.Time
}

type NumberStatus string

const (
	NumberActive   NumberStatus = "active"
	NumberDisabled NumberStatus = "disabled"
)

type PhoneNumber struct {
	ID              string
	OrgID           string
	Number          string
	Status          NumberStatus
	MaxCallsPerHour int
	MaxCallsPerDay  int
	HourCount       int
	DayCount        int
	HourResetAt     time.Time
	DayResetAt      time.Time
	LastUsedAt      *time.Time
}
