// internal/payout/executor.go
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Trigger is emitted once a project's pending earnings reach its threshold.
type Trigger struct {
	ProjectID        string    `json:"project_id"`
	NewPendingTotal  float64   `json:"new_pending_total"`
	Threshold        float64   `json:"payout_threshold"`
	ThresholdCrossed bool      `json:"threshold_crossed"`
	TriggeredAt      time.Time `json:"triggered_at"`
}

// Executor moves money, or hands the decision to whoever does.
type Executor interface {
	Execute(ctx context.Context, t Trigger) error
}

// LogExecutor only records the trigger.
type LogExecutor struct {
	logger *slog.Logger
}

func NewLogExecutor(logger *slog.Logger) *LogExecutor {
	return &LogExecutor{logger: logger.With("component", "payout")}
}

func (e *LogExecutor) Execute(ctx context.Context, t Trigger) error {
	e.logger.Info("Payout threshold reached",
		"project_id", t.ProjectID,
		"pending", t.NewPendingTotal,
		"threshold", t.Threshold,
	)
	return nil
}

// HTTPExecutor posts the trigger as JSON to an external payout service.
type HTTPExecutor struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPExecutor creates an executor for url. A nil client gets a 10s timeout.
func NewHTTPExecutor(url string, client *http.Client, logger *slog.Logger) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPExecutor{
		url:    url,
		client: client,
		logger: logger.With("component", "payout"),
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, t Trigger) error {
	if t.TriggeredAt.IsZero() {
		t.TriggeredAt = time.Now().UTC()
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode payout trigger: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("payout request for project %s failed: %w", t.ProjectID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("payout service returned %d for project %s: %s", resp.StatusCode, t.ProjectID, bytes.TrimSpace(snippet))
	}

	e.logger.Info("Payout trigger delivered", "project_id", t.ProjectID, "pending", t.NewPendingTotal)
	return nil
}
