package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"careflow/internal/config"
)

// Error is a classified messaging-provider failure. Transient errors
// (timeouts, 429, 5xx) are worth retrying; permanent ones (bad recipient,
// rejected payload) are not.
type Error struct {
	StatusCode int
	Message    string
	Transient  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("channel error (status %d, transient=%t): %s", e.StatusCode, e.Transient, e.Message)
}

// Receipt is the provider's acknowledgement of an accepted push.
type Receipt struct {
	MessageID  string    `json:"message_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Client sends rendered messages to recipients over the external provider.
type Client interface {
	Send(ctx context.Context, recipientID string, message json.RawMessage) (Receipt, error)
	Healthy(ctx context.Context) error
}

// HTTPClient pushes messages to a provider HTTP API with bearer auth.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient builds the provider client from config.
func NewHTTPClient(cfg config.Config) *HTTPClient {
	timeout := cfg.ChannelTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.ChannelBaseURL,
		token:   cfg.ChannelToken,
		http:    &http.Client{Timeout: timeout},
	}
}

type pushRequest struct {
	To      string          `json:"to"`
	Message json.RawMessage `json:"message"`
}

type pushResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send posts one rendered message. Classification: 2xx accepted, 408/429/5xx
// transient, remaining 4xx permanent.
func (c *HTTPClient) Send(ctx context.Context, recipientID string, message json.RawMessage) (Receipt, error) {
	body, err := json.Marshal(pushRequest{To: recipientID, Message: message})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages/push", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient by definition.
		return Receipt{}, &Error{Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var pr pushResponse
		if err := json.Unmarshal(raw, &pr); err != nil || pr.MessageID == "" {
			// Accepted without a usable body; synthesize a receipt.
			return Receipt{AcceptedAt: time.Now().UTC()}, nil
		}
		return Receipt{MessageID: pr.MessageID, AcceptedAt: time.Now().UTC()}, nil
	}

	msg := string(raw)
	var pr pushResponse
	if err := json.Unmarshal(raw, &pr); err == nil && pr.Error != "" {
		msg = pr.Error
	}
	return Receipt{}, &Error{
		StatusCode: resp.StatusCode,
		Message:    msg,
		Transient:  resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}

// Healthy pings the provider status endpoint; used by the degradation
// manager's probe loop.
func (c *HTTPClient) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/status", nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("channel status %d", resp.StatusCode)
	}
	return nil
}
