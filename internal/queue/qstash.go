package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/eternisai/enchanted-workflows/internal/durable"
)

// QStashClient publishes workflow deliveries through the QStash HTTP API.
type QStashClient struct {
	baseURL    string
	token      string
	retries    int
	httpClient *http.Client
}

// NewQStashClient creates a publisher. retries is the delivery retry count QStash applies per message.
func NewQStashClient(baseURL, token string, retries int) *QStashClient {
	return &QStashClient{
		baseURL:    baseURL,
		token:      token,
		retries:    retries,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

var _ durable.Publisher = (*QStashClient)(nil)

type publishResponse struct {
	MessageID string `json:"messageId"`
}

// Publish sends req to {baseURL}/v2/publish/{destination} and returns the QStash message ID.
func (c *QStashClient) Publish(ctx context.Context, req durable.PublishRequest) (string, error) {
	if c == nil || c.token == "" {
		return "", errors.New("qstash token not configured")
	}
	if req.Destination == "" {
		return "", errors.New("publish destination is empty")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/publish/"+req.Destination, bytes.NewReader(req.Body))
	if err != nil {
		return "", fmt.Errorf("failed to create QStash request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Upstash-Retries", strconv.Itoa(c.retries))
	if req.Delay > 0 {
		httpReq.Header.Set("Upstash-Delay", formatDelay(req.Delay))
	}
	if req.DeduplicationID != "" {
		httpReq.Header.Set("Upstash-Deduplication-Id", req.DeduplicationID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to call QStash: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("QStash returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode QStash response: %w", err)
	}

	return out.MessageID, nil
}

// formatDelay renders d in whole seconds, rounding up, as QStash expects ("5s").
func formatDelay(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	return strconv.FormatInt(secs, 10) + "s"
}
