package server

import (
	"bytes"
	"encoding/json"

	"github.com/samber/lo"

	"actiongate/internal/domain"
	"actiongate/internal/engine"
)

// Request payloads

type CreateProposalRequest struct {
	OrganizationID     string         `json:"organizationId" minLength:"1"`
	ActionType         string         `json:"actionType" enum:"publish_content,send_leads_ghl,publish_ads,optimize_ads"`
	AgentID            string         `json:"agentId" minLength:"1"`
	DashboardID        string         `json:"dashboardId" minLength:"1"`
	Summary            string         `json:"summary" minLength:"1"`
	Payload            map[string]any `json:"payload,omitempty"`
	Priority           string         `json:"priority,omitempty" example:"P2"`
	RiskLevel          string         `json:"riskLevel,omitempty" example:"low"`
	ExpectedImpact     string         `json:"expectedImpact,omitempty" example:"medium"`
	PolicyAutoApproved *bool          `json:"policyAutoApproved,omitempty"`
	ApprovalRequired   *bool          `json:"approvalRequired,omitempty"`
}

type DecideRequest struct {
	ProposalID string `json:"proposalId" minLength:"1"`
	Decision   string `json:"decision" enum:"approved,rejected"`
	// Actor names the agent when the agent-key request carries no label
	// header. Session callers are always recorded by their token identity.
	Actor            string         `json:"actor,omitempty"`
	Note             string         `json:"note,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	ExecuteOnApprove *bool          `json:"executeOnApprove,omitempty"`
}

type ExecuteRequest struct {
	ProposalID string `json:"proposalId" minLength:"1"`
	Actor      string `json:"actor,omitempty"`
}

// Response payloads

type ProposalResponse struct {
	ID                  string  `json:"id"`
	OrganizationID      string  `json:"organizationId"`
	ActionType          string  `json:"actionType"`
	AgentID             string  `json:"agentId"`
	DashboardID         string  `json:"dashboardId"`
	Summary             string  `json:"summary"`
	Payload             any     `json:"payload"`
	Priority            string  `json:"priority"`
	RiskLevel           string  `json:"riskLevel"`
	ExpectedImpact      string  `json:"expectedImpact"`
	PolicyAutoApproved  bool    `json:"policyAutoApproved"`
	ApprovalRequired    bool    `json:"approvalRequired"`
	Status              string  `json:"status" enum:"proposed,approved,rejected,executed,failed"`
	DecidedBy           *string `json:"decidedBy,omitempty"`
	DecisionNote        *string `json:"decisionNote,omitempty"`
	DecidedAt           *string `json:"decidedAt,omitempty"`
	PayloadDigest       *string `json:"payloadDigest,omitempty"`
	ExecutionStartedAt  *string `json:"executionStartedAt,omitempty"`
	ExecutionStartedBy  *string `json:"executionStartedBy,omitempty"`
	ExecutionAttempts   int     `json:"executionAttempts"`
	ExecutionLeaseUntil *string `json:"executionLeaseUntil,omitempty"`
	ExecutionResult     any     `json:"executionResult,omitempty"`
	ExecutionError      *string `json:"executionError,omitempty"`
	ExecutedAt          *string `json:"executedAt,omitempty"`
	CreatedAt           string  `json:"createdAt"`
	UpdatedAt           string  `json:"updatedAt"`
}

type ProposalEnvelope struct {
	OK       bool             `json:"ok"`
	Message  string           `json:"message"`
	Proposal ProposalResponse `json:"proposal"`
}

type ProposalListEnvelope struct {
	OK         bool               `json:"ok"`
	Message    string             `json:"message"`
	Items      []ProposalResponse `json:"items"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

type AutoExecutionResponse struct {
	Triggered bool   `json:"triggered"`
	OK        bool   `json:"ok"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

type DecisionEnvelope struct {
	OK            bool                   `json:"ok"`
	Message       string                 `json:"message"`
	Proposal      ProposalResponse       `json:"proposal"`
	AutoExecution *AutoExecutionResponse `json:"autoExecution,omitempty"`
}

type ExecutionEnvelope struct {
	OK       bool             `json:"ok"`
	Message  string           `json:"message"`
	Proposal ProposalResponse `json:"proposal"`
	Result   any              `json:"result"`
	Attempt  int              `json:"attempt"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenantId"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId,omitempty"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

type EventListEnvelope struct {
	OK         bool            `json:"ok"`
	Message    string          `json:"message"`
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

type StatusEnvelope struct {
	OK             bool           `json:"ok"`
	Message        string         `json:"message"`
	OrganizationID string         `json:"organizationId"`
	Counts         map[string]int `json:"counts"`
}

type WhoAmIEnvelope struct {
	OK             bool   `json:"ok"`
	Message        string `json:"message"`
	OrganizationID string `json:"organizationId"`
	Principal      string `json:"principal"`
	Kind           string `json:"kind"`
	Mode           string `json:"mode"`
}

// decodeRaw turns stored JSON into a value huma can describe; empty input
// stays nil.
func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	return v
}

// rawPayload returns the request's payload member byte for byte. The typed
// Body only serves schema validation; decoding it would turn numbers into
// float64.
func rawPayload(body []byte) json.RawMessage {
	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	trimmed := bytes.TrimSpace(envelope.Payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return envelope.Payload
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:                  p.ID,
		OrganizationID:      p.OrganizationID,
		ActionType:          string(p.ActionType),
		AgentID:             p.AgentID,
		DashboardID:         p.DashboardID,
		Summary:             p.Summary,
		Payload:             decodeRaw(p.Payload),
		Priority:            string(p.Priority),
		RiskLevel:           string(p.RiskLevel),
		ExpectedImpact:      string(p.ExpectedImpact),
		PolicyAutoApproved:  p.PolicyAutoApproved,
		ApprovalRequired:    p.ApprovalRequired,
		Status:              string(p.Status),
		DecidedBy:           p.DecidedBy,
		DecisionNote:        p.DecisionNote,
		DecidedAt:           p.DecidedAt,
		PayloadDigest:       p.PayloadDigest,
		ExecutionStartedAt:  p.ExecutionStartedAt,
		ExecutionStartedBy:  p.ExecutionStartedBy,
		ExecutionAttempts:   p.ExecutionAttempts,
		ExecutionLeaseUntil: p.ExecutionLeaseUntil,
		ExecutionResult:     decodeRaw(p.ExecutionResult),
		ExecutionError:      p.ExecutionError,
		ExecutedAt:          p.ExecutedAt,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

func mapProposals(items []domain.Proposal) []ProposalResponse {
	return lo.Map(items, func(p domain.Proposal, _ int) ProposalResponse { return proposalResponse(p) })
}

func autoExecutionResponse(a *engine.AutoExecution) *AutoExecutionResponse {
	if a == nil {
		return nil
	}
	return &AutoExecutionResponse{
		Triggered: a.Triggered,
		OK:        a.OK,
		Result:    decodeRaw(a.Result),
		Error:     a.Error,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		TenantID:   evt.TenantID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Actor:      evt.Actor,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	return lo.Map(items, func(evt domain.Event, _ int) EventResponse { return eventResponse(evt) })
}
