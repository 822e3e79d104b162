package store

import (
	"time"

	"dialer/internal/domain"
)

type CampaignInsert struct {
	ID              string
	OrgID           string
	Name            string
	AssistantID     string
	PhoneNumberID   string
	MaxAttempts     int
	Backoff         time.Duration
	DuplicatePolicy domain.DuplicatePolicy
	Now             time.Time
}

type LeadInsert struct {
	ID         string
	CampaignID string
	OrgID      string
	Phone      string
	Name       string
	Now        time.Time
}

type CallInsert struct {
	ID           string
	LeadID       string
	CampaignID   string
	OrgID        string
	FromNumberID string
	Now          time.Time
}

type CallFinalize struct {
	CallID          string
	Status          domain.CallStatus
	Outcome         domain.Outcome
	DurationSeconds int
	CostCredits     int64
	RecordingURL    string
	EndedAt         time.Time
	Now             time.Time
}

type Settlement struct {
	OrgID       string
	Credits     int64 // positive; applied as a negative ledger delta
	ReferenceID string
	Description string
	Now         time.Time
}

type SettlementResult struct {
	Applied   int64
	Balance   int64
	Suspended bool
	Duplicate bool
}

type CreditTopUp struct {
	OrgID       string
	Credits     int64
	ReferenceID string
	Description string
	Now         time.Time
}

type NumberConsume struct {
	NumberID       string
	HourCount      int // new value after increment, post lazy reset
	DayCount       int
	PrevLastUsedAt *time.Time // optimistic concurrency token
	Now            time.Time
}

type RetrySchedule struct {
	LeadID         string
	AttemptCount   int
	NextEligibleAt time.Time
	Now            time.Time
}

type CampaignCounts struct {
	Pending   int
	Calling   int
	Completed int
	Failed    int
	Exhausted int
	OpenCalls int
}
