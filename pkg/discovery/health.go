package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// AgentHealth is the shape returned by an agent's /system/health endpoint.
type AgentHealth struct {
	Status                 string `json:"status"`
	Version                string `json:"version"`
	Codename               string `json:"codename"`
	CodeHash               string `json:"code_hash"`
	CognitiveState         string `json:"cognitive_state"`
	UptimeSeconds          int64  `json:"uptime_seconds"`
	InitializationComplete bool   `json:"initialization_complete"`
}

// HealthChecker fetches an agent's live health over a bounded-timeout GET.
type HealthChecker struct {
	client *http.Client
}

// NewHealthChecker builds a checker with the given timeout, defaulting
// to 5s.
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{client: &http.Client{Timeout: timeout}}
}

// Fetch issues a best-effort authenticated GET against the agent's
// /system/health. Callers treat any error as "degrade to unknown", never
// as fatal to discovery as a whole.
func (h *HealthChecker) Fetch(ctx context.Context, baseURL, bearerToken string) (AgentHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/system/health", nil)
	if err != nil {
		return AgentHealth{}, fmt.Errorf("build health request: %w", err)
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return AgentHealth{}, fmt.Errorf("agent_unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return AgentHealth{}, fmt.Errorf("agent_unreachable: health returned HTTP %d", resp.StatusCode)
	}

	var health AgentHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return AgentHealth{}, fmt.Errorf("decode health response: %w", err)
	}
	return health, nil
}
