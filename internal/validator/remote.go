package validator

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

const remoteTimeout = 5 * time.Second

// Remote asks an external rule engine about each delta. The engine answers
// {"allow": bool, "reason": string}; transport failures and non-2xx answers
// are errors, not rejections.
type Remote struct {
	url        string
	httpClient *http.Client
}

func NewRemote(url string) *Remote {
	return &Remote{url: url, httpClient: &http.Client{Timeout: remoteTimeout}}
}

type remoteRequest struct {
	Source domain.State `json:"source"`
	Target domain.State `json:"target"`
	Delta  float64      `json:"delta"`
}

type remoteResponse struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

func (r *Remote) Validate(ctx context.Context, d domain.TransitionDelta) error {
	body, err := json.Marshal(remoteRequest{Source: d.Source, Target: d.Target, Delta: d.Delta})
	if err != nil {
		return fmt.Errorf("marshal validation request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read validation response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rule engine returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out remoteResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return fmt.Errorf("decode validation response: %w", err)
	}
	if !out.Allow {
		reason := out.Reason
		if reason == "" {
			reason = "rejected by rule engine"
		}
		return domain.Reject(d, reason)
	}
	return nil
}
