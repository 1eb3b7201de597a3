package actiongatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal ActionGate HTTP API client. Agents set AgentKey (and
// optionally AgentLabel); dashboards set BearerToken.
type Client struct {
	BaseURL        string
	OrganizationID string
	AgentKey       string
	AgentLabel     string
	BearerToken    string
	HTTPClient     *http.Client
	Timeout        time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v0.
func New(baseURL, organizationID string) *Client {
	return &Client{
		BaseURL:        baseURL,
		OrganizationID: organizationID,
		Timeout:        30 * time.Second,
	}
}

// Proposal is the API proposal model.
type Proposal struct {
	ID                 string          `json:"id"`
	OrganizationID     string          `json:"organizationId"`
	ActionType         string          `json:"actionType"`
	AgentID            string          `json:"agentId"`
	DashboardID        string          `json:"dashboardId"`
	Summary            string          `json:"summary"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Priority           string          `json:"priority"`
	RiskLevel          string          `json:"riskLevel"`
	ExpectedImpact     string          `json:"expectedImpact"`
	PolicyAutoApproved bool            `json:"policyAutoApproved"`
	ApprovalRequired   bool            `json:"approvalRequired"`
	Status             string          `json:"status"`
	DecidedBy          string          `json:"decidedBy,omitempty"`
	DecisionNote       string          `json:"decisionNote,omitempty"`
	DecidedAt          string          `json:"decidedAt,omitempty"`
	ExecutionAttempts  int             `json:"executionAttempts"`
	ExecutionResult    json.RawMessage `json:"executionResult,omitempty"`
	ExecutionError     string          `json:"executionError,omitempty"`
	ExecutedAt         string          `json:"executedAt,omitempty"`
	CreatedAt          string          `json:"createdAt"`
	UpdatedAt          string          `json:"updatedAt"`
}

// CreateProposalInput carries the fields an agent submits. Empty priority,
// risk and impact take the server defaults; nil flags let the server policy
// decide.
type CreateProposalInput struct {
	ActionType         string `json:"actionType"`
	AgentID            string `json:"agentId"`
	DashboardID        string `json:"dashboardId"`
	Summary            string `json:"summary"`
	Payload            any    `json:"payload,omitempty"`
	Priority           string `json:"priority,omitempty"`
	RiskLevel          string `json:"riskLevel,omitempty"`
	ExpectedImpact     string `json:"expectedImpact,omitempty"`
	PolicyAutoApproved *bool  `json:"policyAutoApproved,omitempty"`
	ApprovalRequired   *bool  `json:"approvalRequired,omitempty"`
}

// DecideInput approves or rejects a proposal.
type DecideInput struct {
	ProposalID       string `json:"proposalId"`
	Decision         string `json:"decision"`
	Actor            string `json:"actor,omitempty"`
	Note             string `json:"note,omitempty"`
	Payload          any    `json:"payload,omitempty"`
	ExecuteOnApprove *bool  `json:"executeOnApprove,omitempty"`
}

// AutoExecution reports the execution triggered by a human approval.
type AutoExecution struct {
	Triggered bool            `json:"triggered"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type Decision struct {
	Message       string         `json:"message"`
	Proposal      Proposal       `json:"proposal"`
	AutoExecution *AutoExecution `json:"autoExecution,omitempty"`
}

type Execution struct {
	Message  string          `json:"message"`
	Proposal Proposal        `json:"proposal"`
	Result   json.RawMessage `json:"result"`
	Attempt  int             `json:"attempt"`
}

// ListOptions filters a proposal listing.
type ListOptions struct {
	Status     string
	ActionType string
	Limit      int
	Cursor     string
}

// PaginatedProposals wraps list responses with cursors.
type PaginatedProposals struct {
	Items      []Proposal `json:"items"`
	NextCursor string     `json:"nextCursor"`
}

// Event is a lifecycle log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenantId"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProposal submits a proposal for the client's organization.
func (c *Client) CreateProposal(ctx context.Context, in CreateProposalInput) (Proposal, error) {
	body := struct {
		OrganizationID string `json:"organizationId"`
		CreateProposalInput
	}{c.OrganizationID, in}
	var resp struct {
		Proposal Proposal `json:"proposal"`
	}
	err := c.do(ctx, http.MethodPost, "proposals", body, &resp)
	return resp.Proposal, err
}

// ListProposals returns one page of proposals, newest first.
func (c *Client) ListProposals(ctx context.Context, opts ListOptions) (PaginatedProposals, error) {
	q := url.Values{}
	q.Set("organizationId", c.OrganizationID)
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.ActionType != "" {
		q.Set("actionType", opts.ActionType)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprint(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp PaginatedProposals
	err := c.do(ctx, http.MethodGet, "proposals?"+q.Encode(), nil, &resp)
	return resp, err
}

// GetProposal fetches a proposal by id.
func (c *Client) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var resp struct {
		Proposal Proposal `json:"proposal"`
	}
	err := c.do(ctx, http.MethodGet, "proposals/"+url.PathEscape(id), nil, &resp)
	return resp.Proposal, err
}

// Decide approves or rejects a proposal.
func (c *Client) Decide(ctx context.Context, in DecideInput) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "proposals/decide", in, &resp)
	return resp, err
}

// Execute runs an approved proposal. On executor failure the returned
// *APIError carries the failed proposal under Details["proposal"].
func (c *Client) Execute(ctx context.Context, proposalID string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, "proposals/execute", map[string]any{"proposalId": proposalID}, &resp)
	return resp, err
}

// Events returns a proposal's lifecycle events, newest first.
func (c *Client) Events(ctx context.Context, proposalID string, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("proposals/%s/events", url.PathEscape(proposalID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.AgentKey != "":
		req.Header.Set("X-Agent-Key", c.AgentKey)
		if c.AgentLabel != "" {
			req.Header.Set("X-Agent-Id", c.AgentLabel)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Message string `json:"message"`
		Error   struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		if apiErr.Message == "" {
			apiErr.Message = env.Message
		}
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
