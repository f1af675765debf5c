package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"refeed/models"
)

// HTTPTransport enqueues chunks through the worker enqueue API of a
// remote pipeline server. Used as a fallback when no direct transport
// binding is available.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type httpEnqueueRequest struct {
	Message      models.QueueMessage `json:"message"`
	DelaySeconds int                 `json:"delaySeconds,omitempty"`
}

func (t *HTTPTransport) Send(ctx context.Context, msg models.QueueMessage, delay time.Duration) error {
	body, err := json.Marshal(httpEnqueueRequest{
		Message:      msg,
		DelaySeconds: int(delay.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/worker/enqueue", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build enqueue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("enqueue request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("enqueue request rejected: %d %s", resp.StatusCode, payload)
	}

	return nil
}
