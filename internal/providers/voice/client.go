package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client issues call-create requests to the voice provider.
type Client struct {
	APIKey  string
	HTTP    *http.Client
	BaseURL string

	// WebhookURL is passed to the provider so call lifecycle events come back
	// to this system's webhook receiver.
	WebhookURL string
}

type CreateCallRequest struct {
	AssistantID string       `json:"assistant_id"`
	FromNumber  string       `json:"from_number"`
	ToNumber    string       `json:"to_number"`
	WebhookURL  string       `json:"webhook_url,omitempty"`
	Metadata    CallMetadata `json:"metadata"`
}

// CallMetadata correlates provider events back to our Call record. The
// provider echoes it in webhooks, which matters because a webhook can race
// ahead of the synchronous create response.
type CallMetadata struct {
	CallID string `json:"callId"`
}

type CreateCallResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResponse, int, []byte, error) {
	if req.WebhookURL == "" {
		req.WebhookURL = c.WebhookURL
	}
	body, err := json.Marshal(req)
	if err != nil {
		return CreateCallResponse{}, 0, nil, err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/calls", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return CreateCallResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out CreateCallResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, b, errors.New(out.Message)
		}
		return out, resp.StatusCode, b, errors.New("provider call create failed")
	}
	return out, resp.StatusCode, b, nil
}

// ShouldRetry classifies a create-call failure as transient. 4xx responses
// are configuration rejections and must not be retried on the same inputs.
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		if httpStatus == 0 {
			// transport-level failure without a response
			return true
		}
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	return false
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
