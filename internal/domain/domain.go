package domain

import "encoding/json"

// TimeLayout is the fixed-width UTC layout used for every stored timestamp,
// so lexical order in SQL matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Proposal is a durable request for a tenant-scoped side-effecting action.
type Proposal struct {
	ID                  string          `json:"id"`
	OrganizationID      string          `json:"organizationId"`
	ActionType          ActionType      `json:"actionType"`
	AgentID             string          `json:"agentId"`
	DashboardID         string          `json:"dashboardId"`
	Summary             string          `json:"summary"`
	Payload             json.RawMessage `json:"payload"`
	Priority            Priority        `json:"priority"`
	RiskLevel           RiskLevel       `json:"riskLevel"`
	ExpectedImpact      Impact          `json:"expectedImpact"`
	PolicyAutoApproved  bool            `json:"policyAutoApproved"`
	ApprovalRequired    bool            `json:"approvalRequired"`
	Status              Status          `json:"status"`
	DecidedBy           *string         `json:"decidedBy,omitempty"`
	DecisionNote        *string         `json:"decisionNote,omitempty"`
	DecidedAt           *string         `json:"decidedAt,omitempty"`
	PayloadDigest       *string         `json:"payloadDigest,omitempty"`
	ExecutionStartedAt  *string         `json:"executionStartedAt,omitempty"`
	ExecutionStartedBy  *string         `json:"executionStartedBy,omitempty"`
	ExecutionAttempts   int             `json:"executionAttempts"`
	ExecutionLeaseUntil *string         `json:"executionLeaseUntil,omitempty"`
	ExecutionResult     json.RawMessage `json:"executionResult,omitempty"`
	ExecutionError      *string         `json:"executionError,omitempty"`
	ExecutedAt          *string         `json:"executedAt,omitempty"`
	CreatedAt           string          `json:"createdAt"`
	UpdatedAt           string          `json:"updatedAt"`
}

// Tenant is an isolated organization scope.
type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
}

// AgentKey is one hashed key slot for a tenant. A tenant may hold several
// live slots at once so keys can be rotated without downtime.
type AgentKey struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenantId"`
	Label     string  `json:"label,omitempty"`
	KeyHash   string  `json:"-"`
	CreatedAt string  `json:"createdAt"`
	RevokedAt *string `json:"revokedAt,omitempty"`
}

// Membership binds a human user to a role on a tenant.
type Membership struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
}

// Event is one row of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TenantID   string `json:"tenantId"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload"`
}

// Principal is the authenticated identity behind a request.
type Principal struct {
	Kind PrincipalKind
	// ID is the agent label for agents, the user id or email for humans.
	ID string
}

// Label renders the principal as stored in decidedBy / executionStartedBy.
func (p Principal) Label() string {
	if p.ID == "" {
		return string(p.Kind)
	}
	switch p.Kind {
	case PrincipalHuman:
		return "user:" + p.ID
	case PrincipalAgent:
		return "agent:" + p.ID
	case PrincipalPolicy:
		return "policy:" + p.ID
	}
	return p.ID
}

// IsHuman reports whether the principal is an interactive session.
func (p Principal) IsHuman() bool {
	return p.Kind == PrincipalHuman
}
