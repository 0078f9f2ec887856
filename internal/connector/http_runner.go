// Package connector executes admitted pipeline runs against the ingestion
// connector fleet over HTTP.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pipegate.io/pipegate/internal/domain"
	"pipegate.io/pipegate/internal/pkg/logger"
)

// DefaultTimeout bounds one connector invocation end to end.
const DefaultTimeout = 10 * time.Minute

// HTTPRunner triggers a run by POSTing the queue item to the connector
// endpoint and mapping the response status to a terminal outcome.
//
// Response mapping:
//   - 2xx            -> SUCCEEDED
//   - 4xx            -> FAILED (the connector rejected the run; no retry)
//   - 5xx, transport -> error, left to the job queue's retry policy
type HTTPRunner struct {
	url    string
	client *http.Client
}

// NewHTTPRunner creates a runner targeting the given connector URL.
func NewHTTPRunner(url string, timeout time.Duration) *HTTPRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPRunner{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type runPayload struct {
	QueueID      string `json:"queue_id"`
	OrgID        string `json:"org_id"`
	PipelineID   string `json:"pipeline_id"`
	CredentialID string `json:"credential_id"`
}

type runResponse struct {
	Message string `json:"message"`
}

// Run implements jobs.PipelineRunner.
func (r *HTTPRunner) Run(ctx context.Context, item domain.QueueItem) (domain.RunOutcome, string, error) {
	body, err := json.Marshal(runPayload{
		QueueID:      item.QueueID,
		OrgID:        item.OrgID,
		PipelineID:   item.PipelineID,
		CredentialID: item.CredentialID,
	})
	if err != nil {
		return "", "", fmt.Errorf("marshal run payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("build connector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("invoke connector: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return domain.OutcomeSucceeded, "", nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		reason := fmt.Sprintf("connector rejected run: %s", connectorMessage(resp))
		logger.Warn("connector rejected pipeline run",
			zap.String("queue_id", item.QueueID),
			zap.Int("status", resp.StatusCode),
		)
		return domain.OutcomeFailed, reason, nil
	default:
		return "", "", fmt.Errorf("connector returned status %d", resp.StatusCode)
	}
}

func connectorMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(raw) == 0 {
		return resp.Status
	}
	var parsed runResponse
	if json.Unmarshal(raw, &parsed) == nil && parsed.Message != "" {
		return parsed.Message
	}
	return resp.Status
}
