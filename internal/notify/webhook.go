// Package notify delivers promotion events to external collaborators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Harshitk-cp/markovtune/internal/domain"
)

const webhookTimeout = 10 * time.Second

// Webhook posts promotion events to a CI/CD dispatch endpoint using the
// repository-dispatch envelope.
type Webhook struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewWebhook(url, token string) *Webhook {
	return &Webhook{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: webhookTimeout},
	}
}

type webhookRequest struct {
	EventType     string         `json:"event_type"`
	ClientPayload webhookPayload `json:"client_payload"`
}

type webhookPayload struct {
	domain.PromotionEvent
	ChangeDegree  float64 `json:"change_degree"`
	ChangeSummary string  `json:"change_summary"`
	Timestamp     string  `json:"timestamp"`
}

func (w *Webhook) Publish(ctx context.Context, e domain.PromotionEvent) error {
	body, err := json.Marshal(webhookRequest{
		EventType: domain.PromotionEventType,
		ClientPayload: webhookPayload{
			PromotionEvent: e,
			ChangeDegree:   e.DriftScore,
			ChangeSummary:  Summarize(e),
			Timestamp:      e.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("marshal webhook request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Summarize renders a one-line description of a promotion.
func Summarize(e domain.PromotionEvent) string {
	s := e.DiffSummary
	return fmt.Sprintf("version %d: drift %.4f, %d/%d states changed, %d sources added, %d transitions added, %d removed",
		e.VersionID, e.DriftScore, s.StatesChanged, s.StatesCompared, s.SourcesAdded, s.TransitionsAdded, s.TransitionsRemoved)
}
