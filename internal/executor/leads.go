package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultLeadsTimeout = 10 * time.Second

// LeadsWebhook pushes qualifying leads to the tenant's CRM webhook.
type LeadsWebhook struct {
	// Targets maps tenant id to its CRM webhook URL.
	Targets  map[string]string
	MinScore float64
	Client   *http.Client
}

type leadsPayload struct {
	Leads    []map[string]any `json:"leads"`
	MinScore *float64         `json:"minScore,omitempty"`
}

type leadsDelivery struct {
	TenantID   string           `json:"tenantId"`
	ProposalID string           `json:"proposalId"`
	Leads      []map[string]any `json:"leads"`
}

type leadsResult struct {
	Sent       int `json:"sent"`
	Skipped    int `json:"skipped"`
	StatusCode int `json:"statusCode,omitempty"`
}

func leadScore(lead map[string]any) float64 {
	switch v := lead["score"].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func (w *LeadsWebhook) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	var p leadsPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode leads payload: %w", err)
		}
	}
	minScore := w.MinScore
	if p.MinScore != nil {
		minScore = *p.MinScore
	}
	qualifying := make([]map[string]any, 0, len(p.Leads))
	for _, lead := range p.Leads {
		if leadScore(lead) >= minScore {
			qualifying = append(qualifying, lead)
		}
	}
	res := leadsResult{Sent: len(qualifying), Skipped: len(p.Leads) - len(qualifying)}
	if len(qualifying) == 0 {
		return json.Marshal(res)
	}

	url := strings.TrimSpace(w.Targets[req.TenantID])
	if url == "" {
		return nil, errors.New("no CRM webhook configured for tenant")
	}
	body, err := json.Marshal(leadsDelivery{TenantID: req.TenantID, ProposalID: req.ProposalID, Leads: qualifying})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", fmt.Sprintf("%s/%d", req.ProposalID, req.Attempt))
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultLeadsTimeout}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("deliver leads: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("crm webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	res.StatusCode = resp.StatusCode
	return json.Marshal(res)
}
