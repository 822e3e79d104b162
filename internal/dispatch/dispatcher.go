// Package dispatch places one outbound call for one lead: admission gate,
// number acquisition, the atomic pending->calling claim, the Call record, and
// the provider request. Every failure path puts the capacity it took back.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"dialer/internal/admission"
	"dialer/internal/domain"
	"dialer/internal/numberpool"
	"dialer/internal/observability"
	"dialer/internal/providers/voice"
	"dialer/internal/store"
	"dialer/internal/util"
)

type Store interface {
	ClaimLead(ctx context.Context, leadID string, now time.Time) (bool, error)
	ReleaseLead(ctx context.Context, leadID string, now time.Time) error
	FinishLead(ctx context.Context, leadID string, to domain.LeadStatus, lastError string, now time.Time) (bool, error)
	CreateCall(ctx context.Context, in store.CallInsert) error
	SetCallInitiated(ctx context.Context, callID, providerCallID string) error
	MarkCallFailed(ctx context.Context, callID, lastError string, now time.Time) error
	RecordCampaignAlert(ctx context.Context, campaignID, alert string, now time.Time) error
}

type Admitter interface {
	TryAdmit(ctx context.Context, orgID string, creditsNeeded int64) (admission.Decision, error)
	// Release is for aborts before a Call record exists; ReleaseCall keys the
	// slot return on the call so it happens at most once.
	Release(ctx context.Context, orgID string) error
	ReleaseCall(ctx context.Context, callID string) (bool, error)
}

type NumberPool interface {
	Acquire(ctx context.Context, orgID string, now time.Time) (domain.PhoneNumber, error)
	Release(ctx context.Context, numberID string, now time.Time) error
}

type Sender interface {
	CreateCall(ctx context.Context, req voice.CreateCallRequest) (voice.CreateCallResponse, int, []byte, error)
}

type RetryPolicy interface {
	OnAttemptFailed(ctx context.Context, lead domain.Lead, camp domain.Campaign, now time.Time) error
}

// Result reports why a dispatch did not happen. A false Dispatched with a
// Reason is normal backpressure, not an error.
type Result struct {
	Dispatched bool
	Reason     string
	CallID     string
}

const (
	ReasonNoNumber            = "no_number_available"
	ReasonClaimedElsewhere    = "lead_claimed_elsewhere"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonProviderError       = "provider_error"
	ReasonProviderRejected    = "provider_rejected"
)

type Dispatcher struct {
	Store     Store
	Admission Admitter
	Numbers   NumberPool
	Provider  Sender
	Retry     RetryPolicy

	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	// Timeout bounds the provider request; an unbounded hang would leak
	// concurrency-cap capacity.
	Timeout time.Duration

	Now func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return util.NowUTC()
}

func (d *Dispatcher) Dispatch(ctx context.Context, org domain.Organization, camp domain.Campaign, lead domain.Lead) (Result, error) {
	now := d.now()
	estimate := domain.EstimateCredits(org.VoiceRatePerMin)

	dec, err := d.Admission.TryAdmit(ctx, org.ID, estimate)
	if err != nil {
		return Result{}, err
	}
	if !dec.Allowed {
		observability.Dispatches.WithLabelValues("denied").Inc()
		return Result{Reason: dec.Reason}, nil
	}

	number, err := d.Numbers.Acquire(ctx, org.ID, now)
	if err != nil {
		if errors.Is(err, numberpool.ErrNoneAvailable) {
			_ = d.Admission.Release(ctx, org.ID)
			observability.Dispatches.WithLabelValues("no_number").Inc()
			return Result{Reason: ReasonNoNumber}, nil
		}
		_ = d.Admission.Release(ctx, org.ID)
		return Result{}, err
	}

	claimed, err := d.Store.ClaimLead(ctx, lead.ID, now)
	if err != nil {
		_ = d.Numbers.Release(ctx, number.ID, now)
		_ = d.Admission.Release(ctx, org.ID)
		return Result{}, err
	}
	if !claimed {
		// another worker got here first; a normal race outcome
		_ = d.Numbers.Release(ctx, number.ID, now)
		_ = d.Admission.Release(ctx, org.ID)
		observability.Dispatches.WithLabelValues("lost_claim").Inc()
		return Result{Reason: ReasonClaimedElsewhere}, nil
	}

	// The Call row exists before the provider knows about it, so a crash
	// between deciding to call and the provider accepting is observable.
	callID := util.NewCallID()
	if err := d.Store.CreateCall(ctx, store.CallInsert{
		ID:           callID,
		LeadID:       lead.ID,
		CampaignID:   camp.ID,
		OrgID:        org.ID,
		FromNumberID: number.ID,
		Now:          now,
	}); err != nil {
		_ = d.Store.ReleaseLead(ctx, lead.ID, now)
		_ = d.Numbers.Release(ctx, number.ID, now)
		_ = d.Admission.Release(ctx, org.ID)
		return Result{}, err
	}

	resp, httpStatus, callErr := d.placeCall(ctx, voice.CreateCallRequest{
		AssistantID: camp.AssistantID,
		FromNumber:  number.Number,
		ToNumber:    lead.Phone,
		Metadata:    voice.CallMetadata{CallID: callID},
	})

	if errors.Is(callErr, gobreaker.ErrOpenState) || errors.Is(callErr, gobreaker.ErrTooManyRequests) {
		// Provider protection tripped; this was not a dial attempt. Put the
		// lead back and let a later tick try again.
		now = d.now()
		_ = d.Store.MarkCallFailed(ctx, callID, "provider_circuit_open", now)
		_ = d.Store.ReleaseLead(ctx, lead.ID, now)
		_ = d.Numbers.Release(ctx, number.ID, now)
		_, _ = d.Admission.ReleaseCall(ctx, callID)
		observability.Dispatches.WithLabelValues("circuit_open").Inc()
		return Result{Reason: ReasonProviderUnavailable}, nil
	}

	if callErr != nil {
		now = d.now()
		_ = d.Store.MarkCallFailed(ctx, callID, callErr.Error(), now)
		_ = d.Numbers.Release(ctx, number.ID, now)
		_, _ = d.Admission.ReleaseCall(ctx, callID)

		if httpStatus >= 400 && httpStatus < 500 {
			// Configuration rejection: retrying the same assistant/number
			// would fail forever. Surface it on the campaign instead.
			if _, err := d.Store.FinishLead(ctx, lead.ID, domain.LeadFailed, ReasonProviderRejected, now); err != nil {
				return Result{}, err
			}
			alert := "provider rejected call create (" + strconv.Itoa(httpStatus) + "): " + callErr.Error()
			_ = d.Store.RecordCampaignAlert(ctx, camp.ID, alert, now)
			observability.CampaignAlerts.WithLabelValues("provider_rejected").Inc()
			observability.Dispatches.WithLabelValues("rejected").Inc()
			slog.Warn("provider rejected call",
				"call_id", callID,
				"campaign_id", camp.ID,
				"http_status", httpStatus,
				"err", callErr,
			)
			return Result{Reason: ReasonProviderRejected}, nil
		}

		if _, err := d.Store.FinishLead(ctx, lead.ID, domain.LeadFailed, ReasonProviderError, now); err != nil {
			return Result{}, err
		}
		if err := d.Retry.OnAttemptFailed(ctx, lead, camp, now); err != nil {
			return Result{}, err
		}
		observability.Dispatches.WithLabelValues("provider_error").Inc()
		return Result{Reason: ReasonProviderError}, nil
	}

	if err := d.Store.SetCallInitiated(ctx, callID, resp.ID); err != nil {
		return Result{}, err
	}
	observability.Dispatches.WithLabelValues("ok").Inc()
	observability.LeadTransitions.WithLabelValues(string(domain.LeadCalling)).Inc()
	slog.Info("call dispatched",
		"call_id", callID,
		"provider_call_id", resp.ID,
		"lead_id", lead.ID,
		"campaign_id", camp.ID,
		"from", number.Number,
	)
	return Result{Dispatched: true, CallID: callID}, nil
}

// placeCall runs the provider request through the local rate limiter, the
// circuit breaker, a bounded timeout, and small inline retries on transient
// failures. Anything still failing after that is the caller's problem.
func (d *Dispatcher) placeCall(ctx context.Context, req voice.CreateCallRequest) (voice.CreateCallResponse, int, error) {
	var lastErr error
	var lastStatus int

	for attempt := 0; attempt < 3; attempt++ {
		if d.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := d.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				observability.ProviderCalls.WithLabelValues("rate_limited_local", "0").Inc()
				lastErr = err
				continue
			}
		}

		start := time.Now()
		resAny, err := d.executeWithBreaker(ctx, req)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.ProviderCalls.WithLabelValues("cb_open", "0").Inc()
			return voice.CreateCallResponse{}, 0, err
		}

		if err == nil {
			r := resAny.(callResult)
			observability.ProviderCalls.WithLabelValues("ok", strconv.Itoa(r.httpStatus)).Inc()
			observability.ProviderLatency.Observe(time.Since(start).Seconds())
			return r.resp, r.httpStatus, nil
		}

		lastErr = err
		lastStatus = 0
		var pce providerCallError
		if errors.As(err, &pce) {
			lastStatus = pce.httpStatus
		}
		observability.ProviderCalls.WithLabelValues("error", strconv.Itoa(lastStatus)).Inc()

		if !voice.ShouldRetry(err, lastStatus) {
			return voice.CreateCallResponse{}, lastStatus, err
		}
		time.Sleep(voice.Backoff(attempt))
	}
	return voice.CreateCallResponse{}, lastStatus, lastErr
}

func (d *Dispatcher) executeWithBreaker(ctx context.Context, req voice.CreateCallRequest) (any, error) {
	call := func() (any, error) {
		timeout := d.Timeout
		if timeout <= 0 {
			timeout = 6 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, httpStatus, _, callErr := d.Provider.CreateCall(reqCtx, req)
		if callErr != nil {
			return nil, providerCallError{err: callErr, httpStatus: httpStatus}
		}
		return callResult{resp: resp, httpStatus: httpStatus}, nil
	}

	if d.Breaker == nil {
		return call()
	}
	return d.Breaker.Execute(call)
}

type callResult struct {
	resp       voice.CreateCallResponse
	httpStatus int
}

type providerCallError struct {
	err        error
	httpStatus int
}

func (e providerCallError) Error() string { return e.err.Error() }
func (e providerCallError) Unwrap() error { return e.err }
