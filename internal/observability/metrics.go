package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_admission_total", Help: "Admission decisions"},
		[]string{"result", "reason"},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_dispatch_total", Help: "Dispatch attempts"},
		[]string{"result"},
	)
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_provider_calls_total", Help: "Voice provider call-create outcomes"},
		[]string{"result", "http_status"},
	)
	ProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dialer_provider_call_latency_seconds", Help: "Voice provider call-create latency"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_webhook_events_total", Help: "Provider webhook events"},
		[]string{"type", "result"},
	)
	SettledCredits = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dialer_settled_credits_total", Help: "Credits debited at settlement"},
	)
	LeadTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_lead_transitions_total", Help: "Lead state transitions"},
		[]string{"to"},
	)
	CampaignAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_campaign_alerts_total", Help: "Campaign-level alerts"},
		[]string{"reason"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, AdmissionDecisions, Dispatches, ProviderCalls,
		ProviderLatency, WebhookEvents, SettledCredits, LeadTransitions,
		CampaignAlerts,
	)
}
