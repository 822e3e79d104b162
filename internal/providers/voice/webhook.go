package voice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Event is the provider's webhook payload.
type Event struct {
	Type            string       `json:"type"` // call-started | call-ended
	ProviderCallID  string       `json:"call_id"`
	Metadata        CallMetadata `json:"metadata"`
	Outcome         string       `json:"outcome,omitempty"`
	DurationSeconds int          `json:"duration_seconds,omitempty"`
	RecordingURL    string       `json:"recording_url,omitempty"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
}

const (
	EventCallStarted = "call-started"
	EventCallEnded   = "call-ended"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Dialer-Signature"

func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret string, body []byte, provided string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(provided))
}
