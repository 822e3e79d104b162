package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"dialer/internal/providers/voice"
)

type config struct {
	APIKey        string `envconfig:"MOCK_API_KEY" default:"mock_key"`
	WebhookSecret string `envconfig:"MOCK_WEBHOOK_SECRET" default:"mock_secret"`
	Port          string `envconfig:"PORT" default:"8080"`

	OutcomeMode string `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string `envconfig:"MOCK_OUTCOMES" default:"answered"`

	DefaultWebhookURL string `envconfig:"MOCK_WEBHOOK_URL" default:""`

	// Simulated call timing (ms)
	RingDelayMs     int `envconfig:"MOCK_RING_DELAY_MS" default:"500"`
	CallDurationMin int `envconfig:"MOCK_CALL_DURATION_MIN_S" default:"10"`
	CallDurationMax int `envconfig:"MOCK_CALL_DURATION_MAX_S" default:"120"`

	WebhookMaxRetries  int `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`
	WebhookRetryBaseMs int `envconfig:"MOCK_WEBHOOK_RETRY_BASE_MS" default:"250"`

	Outcomes  []string
	RingDelay time.Duration
	RetryBase time.Duration
}

type server struct {
	cfg    config
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	cfg := loadConfig()
	loggingInit()

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/calls", s.handleCreateCall).Methods(http.MethodPost)

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(router)); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func loggingInit() {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock provider request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.RingDelay = time.Duration(cfg.RingDelayMs) * time.Millisecond
	if cfg.CallDurationMin < 0 {
		cfg.CallDurationMin = 0
	}
	if cfg.CallDurationMax < cfg.CallDurationMin {
		cfg.CallDurationMax = cfg.CallDurationMin
	}
	if cfg.WebhookMaxRetries < 0 {
		cfg.WebhookMaxRetries = 0
	}
	if cfg.WebhookRetryBaseMs <= 0 {
		cfg.WebhookRetryBaseMs = 250
	}
	cfg.RetryBase = time.Duration(cfg.WebhookRetryBaseMs) * time.Millisecond
	return cfg
}

func (s *server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
		writeJSON(w, http.StatusUnauthorized, voice.CreateCallResponse{Message: "authentication error"})
		return
	}

	var req voice.CreateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, voice.CreateCallResponse{Message: "invalid json"})
		return
	}
	if req.AssistantID == "" || req.FromNumber == "" || req.ToNumber == "" {
		writeJSON(w, http.StatusBadRequest, voice.CreateCallResponse{Message: "missing required parameter"})
		return
	}
	if strings.HasPrefix(req.AssistantID, "bad_") {
		writeJSON(w, http.StatusNotFound, voice.CreateCallResponse{Message: "unknown assistant"})
		return
	}

	outcome := s.nextOutcome()
	switch outcome {
	case "rate_limit", "429":
		writeJSON(w, http.StatusTooManyRequests, voice.CreateCallResponse{Message: "rate limited"})
		return
	case "server_error", "500":
		writeJSON(w, http.StatusInternalServerError, voice.CreateCallResponse{Message: "server error"})
		return
	}

	id := fmtCallID(atomic.AddUint64(&s.idx, 1) - 1)
	writeJSON(w, http.StatusCreated, voice.CreateCallResponse{ID: id, Status: "queued"})

	cb := req.WebhookURL
	if cb == "" {
		cb = s.cfg.DefaultWebhookURL
	}
	s.simulateCall(cb, id, req.Metadata, outcome)
}

// simulateCall fires the call-started and call-ended webhooks for an accepted
// call. Conclusive outcomes get a talk-time duration; no_answer, busy and
// failed end with zero duration and no call-started event.
func (s *server) simulateCall(callbackURL, providerCallID string, meta voice.CallMetadata, outcome string) {
	if callbackURL == "" {
		return
	}
	go func() {
		time.Sleep(s.cfg.RingDelay)

		connected := outcome == "answered" || outcome == "voicemail" || outcome == "not_interested"
		duration := 0
		if connected {
			s.post(callbackURL, voice.Event{
				Type:           voice.EventCallStarted,
				ProviderCallID: providerCallID,
				Metadata:       meta,
			})
			duration = s.randDuration()
			time.Sleep(time.Duration(duration) * time.Millisecond) // compressed wall time
		}

		ended := time.Now().UTC()
		s.post(callbackURL, voice.Event{
			Type:            voice.EventCallEnded,
			ProviderCallID:  providerCallID,
			Metadata:        meta,
			Outcome:         outcome,
			DurationSeconds: duration,
			EndedAt:         &ended,
		})
	}()
}

func (s *server) post(callbackURL string, ev voice.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	sig := voice.Sign(s.cfg.WebhookSecret, body)

	maxAttempts := s.cfg.WebhookMaxRetries + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, callbackURL, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(voice.SignatureHeader, sig)

		resp, err := s.client.Do(req)
		if err == nil {
			status := resp.StatusCode
			_ = resp.Body.Close()
			if status >= 200 && status < 300 {
				return
			}
			if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
				slog.Error("mock webhook post non-retryable", "url", callbackURL, "status", status, "type", ev.Type)
				return
			}
		}
		if attempt == maxAttempts-1 {
			slog.Error("mock webhook post failed", "url", callbackURL, "attempts", maxAttempts, "type", ev.Type, "err", err)
			return
		}
		time.Sleep(s.cfg.RetryBase * time.Duration(1<<attempt))
	}
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func (s *server) randDuration() int {
	min, max := s.cfg.CallDurationMin, s.cfg.CallDurationMax
	if max <= min {
		return min
	}
	s.rngMu.Lock()
	n := s.rng.Intn(max - min + 1)
	s.rngMu.Unlock()
	return min + n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fmtCallID(i uint64) string {
	return "vc_" + fmt.Sprintf("%06d", i)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"answered"}
	}
	return out
}
