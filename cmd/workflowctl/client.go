package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eternisai/enchanted-workflows/internal/signature"
)

// operatorClient calls the workflow endpoints with the operator secret.
type operatorClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

func newOperatorClient(baseURL, secret string) *operatorClient {
	return &operatorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		// Inline cleanup of a large backlog can take minutes.
		httpClient: &http.Client{Timeout: 15 * time.Minute},
	}
}

// response is a decoded workflow answer.
type response struct {
	Status int
	Body   json.RawMessage
}

func (c *operatorClient) post(ctx context.Context, path string, payload any) (*response, error) {
	if c.secret == "" {
		return nil, fmt.Errorf("operator secret is required (--secret or WORKFLOW_OPERATOR_SECRET)")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.OperatorHeader, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := &response{Status: resp.StatusCode, Body: raw}
	if resp.StatusCode >= http.StatusBadRequest {
		return out, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return out, nil
}
