// Package connector calls the external connector service that performs the
// provider-specific part of a sync.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wize-works/splits-network-sub004/internal/syncqueue"
	"github.com/wize-works/splits-network-sub004/internal/syncqueue/domain"
)

// DefaultTimeout bounds a single connector call
const DefaultTimeout = 5 * time.Minute

// maxErrorBody limits how much of a failed response is kept in the error
const maxErrorBody = 1024

// Config holds connector service configuration
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPExecutor runs a sync by POSTing the item to <base_url>/sync/<provider>
type HTTPExecutor struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ syncqueue.Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor creates a connector executor
func NewHTTPExecutor(config Config, logger *slog.Logger) (*HTTPExecutor, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("connector base URL is required")
	}
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid connector base URL: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	return &HTTPExecutor{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.With(slog.String("component", "connector-client")),
	}, nil
}

type syncRequest struct {
	ItemID        string          `json:"item_id"`
	IntegrationID string          `json:"integration_id"`
	EntityType    string          `json:"entity_type"`
	Direction     string          `json:"direction"`
	Action        string          `json:"action"`
	Attempt       int             `json:"attempt"`
	Payload       json.RawMessage `json:"payload"`
}

// Execute implements syncqueue.Executor
func (e *HTTPExecutor) Execute(ctx context.Context, item domain.Item) error {
	var payload domain.Payload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	body, err := json.Marshal(syncRequest{
		ItemID:        item.ID,
		IntegrationID: item.IntegrationID,
		EntityType:    item.EntityType,
		Direction:     item.Direction,
		Action:        item.Action,
		Attempt:       item.RetryCount + 1,
		Payload:       item.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sync request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/sync/%s", e.baseURL, url.PathEscape(payload.Provider))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connector request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("connector returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	e.logger.Debug("Connector sync finished",
		slog.String("item_id", item.ID),
		slog.String("provider", payload.Provider),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}
