package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"dialer/internal/observability"
	"dialer/internal/providers/voice"
	sqsqueue "dialer/internal/queue/sqs"
	"dialer/internal/util"
)

type EventQueue interface {
	Enqueue(ctx context.Context, ev sqsqueue.CallEvent) error
}

// Webhook accepts provider callbacks, verifies the body signature and hands
// the event to the queue. It never touches the database; the reconciler owns
// all state changes so the provider sees a fast 200.
type Webhook struct {
	Queue  EventQueue
	Secret string

	// MaxBodyBytes bounds the request body read. Zero means 1MB.
	MaxBodyBytes int64
}

func (w *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/voice", w.handleVoiceEvent).Methods(http.MethodPost)
}

func (w *Webhook) handleVoiceEvent(rw http.ResponseWriter, r *http.Request) {
	limit := w.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		http.Error(rw, "read body failed", http.StatusBadRequest)
		return
	}

	if !voice.VerifySignature(w.Secret, body, r.Header.Get(voice.SignatureHeader)) {
		observability.WebhookEvents.WithLabelValues("unknown", "bad_signature").Inc()
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	var ev voice.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		observability.WebhookEvents.WithLabelValues("unknown", "bad_payload").Inc()
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if ev.Type == "" {
		http.Error(rw, "missing event type", http.StatusBadRequest)
		return
	}

	if err := w.Queue.Enqueue(r.Context(), sqsqueue.CallEvent{
		Event:      ev,
		ReceivedAt: util.NowUTC(),
	}); err != nil {
		slog.Error("webhook enqueue failed", "err", err, "type", ev.Type, "provider_call_id", ev.ProviderCallID)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}

	observability.WebhookEvents.WithLabelValues(ev.Type, "accepted").Inc()
	rw.WriteHeader(http.StatusOK)
}
