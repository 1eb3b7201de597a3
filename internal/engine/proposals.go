package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"actiongate/internal/domain"
	"actiongate/internal/events"
	"actiongate/internal/policy"
	"actiongate/internal/repo"
)

// CreateInput are parameters for creating a proposal. Enumerations are
// given as received and normalized here.
type CreateInput struct {
	OrganizationID     string
	ActionType         string
	AgentID            string
	DashboardID        string
	Summary            string
	Payload            json.RawMessage
	Priority           string
	RiskLevel          string
	ExpectedImpact     string
	PolicyAutoApproved *bool
	ApprovalRequired   *bool
	Principal          domain.Principal
}

func (in CreateInput) validate() error {
	required := []struct{ field, value string }{
		{"organizationId", in.OrganizationID},
		{"actionType", in.ActionType},
		{"agentId", in.AgentID},
		{"dashboardId", in.DashboardID},
		{"summary", in.Summary},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return ValidationError{Field: r.field, Message: "is required"}
		}
	}
	return nil
}

// CreateProposal validates, applies the approval policy and persists a new
// proposal in status proposed. With policy.auto_decide on, a proposal that
// needs no approval is approved immediately by policy:auto.
func (e Engine) CreateProposal(ctx context.Context, in CreateInput) (domain.Proposal, error) {
	if err := in.validate(); err != nil {
		return domain.Proposal{}, err
	}
	action, err := domain.ParseActionType(in.ActionType)
	if err != nil {
		return domain.Proposal{}, err
	}
	if _, err := e.Repo.GetTenant(ctx, in.OrganizationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Proposal{}, ValidationError{Field: "organizationId", Message: "unknown organization"}
		}
		return domain.Proposal{}, err
	}
	payload := in.Payload
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = json.RawMessage(`{}`)
	}
	if err := e.Schemas.Validate(action, payload); err != nil {
		return domain.Proposal{}, err
	}

	p := domain.Proposal{
		ID:             uuid.NewString(),
		OrganizationID: in.OrganizationID,
		ActionType:     action,
		AgentID:        in.AgentID,
		DashboardID:    in.DashboardID,
		Summary:        in.Summary,
		Payload:        payload,
		Priority:       domain.NormalizePriority(in.Priority),
		RiskLevel:      domain.NormalizeRiskLevel(in.RiskLevel),
		ExpectedImpact: domain.NormalizeImpact(in.ExpectedImpact),
		Status:         domain.StatusProposed,
	}
	verdict, err := e.policy().Evaluate(ctx, policy.Input{
		TenantID:       p.OrganizationID,
		AgentID:        p.AgentID,
		ActionType:     p.ActionType,
		Priority:       p.Priority,
		RiskLevel:      p.RiskLevel,
		ExpectedImpact: p.ExpectedImpact,
		Requested:      in.PolicyAutoApproved,
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	p.PolicyAutoApproved = verdict.AutoApproved
	p.ApprovalRequired = verdict.ApprovalRequired(in.ApprovalRequired)
	now := e.stamp()
	p.CreatedAt, p.UpdatedAt = now, now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	evt, err := e.eventWriter().Append(ctx, tx, events.ProposalCreated, p.OrganizationID, "proposal", p.ID, in.Principal.Label(), events.EventPayload{
		"actionType":         p.ActionType,
		"riskLevel":          p.RiskLevel,
		"policyAutoApproved": p.PolicyAutoApproved,
		"approvalRequired":   p.ApprovalRequired,
		"policyRule":         verdict.Rule,
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	e.publish(ctx, evt)
	e.Metrics.ProposalCreated(string(p.ActionType))
	e.logger().Info("proposal created", "proposal_id", p.ID, "tenant", p.OrganizationID, "action_type", p.ActionType,
		"actor", in.Principal.Label(), "approval_required", p.ApprovalRequired)

	if e.config().Policy.AutoDecide && !p.ApprovalRequired {
		decided, err := e.Decide(ctx, DecideInput{
			ProposalID: p.ID,
			Decision:   string(domain.DecisionApproved),
			Principal:  domain.Principal{Kind: domain.PrincipalPolicy, ID: "auto"},
			Note:       "auto-approved by policy " + verdict.Rule,
		})
		var notActionable NotActionableError
		switch {
		case err == nil:
			return decided, nil
		case errors.As(err, &notActionable):
			// a human decided first
			return e.Repo.GetProposal(ctx, p.ID)
		default:
			// the proposal is committed; it stays proposed for a manual decision
			e.logger().Warn("policy auto-approval failed", "proposal_id", p.ID, "tenant", p.OrganizationID, "err", err)
			return p, nil
		}
	}
	return p, nil
}

func (e Engine) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Proposal{}, ValidationError{Field: "proposalId", Message: "is required"}
	}
	return e.Repo.GetProposal(ctx, id)
}

// ListInput filters ListProposals. Status "all" or empty disables the status
// filter.
type ListInput struct {
	OrganizationID string
	Status         string
	ActionType     string
	Limit          int
	Cursor         string
}

type ListResult struct {
	Items      []domain.Proposal
	NextCursor string
}

func encodeCursor(p domain.Proposal) string {
	return base64.RawURLEncoding.EncodeToString([]byte(p.CreatedAt + "|" + p.ID))
}

func decodeCursor(c string) (string, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return "", "", ValidationError{Field: "cursor", Message: "malformed"}
	}
	createdAt, id, ok := strings.Cut(string(raw), "|")
	if !ok || createdAt == "" || id == "" {
		return "", "", ValidationError{Field: "cursor", Message: "malformed"}
	}
	return createdAt, id, nil
}

// ListProposals returns a tenant's proposals newest first.
func (e Engine) ListProposals(ctx context.Context, in ListInput) (ListResult, error) {
	if strings.TrimSpace(in.OrganizationID) == "" {
		return ListResult{}, ValidationError{Field: "organizationId", Message: "is required"}
	}
	f := repo.ProposalFilters{OrganizationID: in.OrganizationID}
	if s := strings.TrimSpace(in.Status); s != "" && !strings.EqualFold(s, "all") {
		st, err := domain.ParseStatus(s)
		if err != nil {
			return ListResult{}, err
		}
		f.Status = st
	}
	if a := strings.TrimSpace(in.ActionType); a != "" {
		action, err := domain.ParseActionType(a)
		if err != nil {
			return ListResult{}, err
		}
		f.ActionType = action
	}
	if in.Cursor != "" {
		createdAt, id, err := decodeCursor(in.Cursor)
		if err != nil {
			return ListResult{}, err
		}
		f.CursorCreatedAt, f.CursorID = createdAt, id
	}
	limit := repo.NormalizeLimit(in.Limit)
	f.Limit = limit + 1
	items, err := e.Repo.ListProposals(ctx, f)
	if err != nil {
		return ListResult{}, err
	}
	res := ListResult{Items: items}
	if len(items) > limit {
		res.Items = items[:limit]
		res.NextCursor = encodeCursor(res.Items[limit-1])
	}
	return res, nil
}

// DecideInput applies an approve/reject decision.
type DecideInput struct {
	ProposalID string
	Decision   string
	Principal  domain.Principal
	Note       string
	// Payload replaces the proposal payload on approval; ignored on reject.
	Payload json.RawMessage
}

// Decide moves a proposal out of proposed. An unknown id yields ErrNotFound;
// a proposal in any other status yields NotActionableError and is untouched.
func (e Engine) Decide(ctx context.Context, in DecideInput) (domain.Proposal, error) {
	if strings.TrimSpace(in.ProposalID) == "" {
		return domain.Proposal{}, ValidationError{Field: "proposalId", Message: "is required"}
	}
	decision, err := domain.ParseDecision(in.Decision)
	if err != nil {
		return domain.Proposal{}, err
	}
	p, err := e.Repo.GetProposal(ctx, in.ProposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	to := decision.Status()
	if p.Status != domain.StatusProposed {
		return domain.Proposal{}, NotActionableError{ID: p.ID, Status: p.Status}
	}
	if err := ensureTransition(p.Status, to); err != nil {
		return domain.Proposal{}, err
	}

	upd := repo.DecisionUpdate{
		ID:        p.ID,
		Status:    to,
		DecidedBy: in.Principal.Label(),
		Note:      strings.TrimSpace(in.Note),
		At:        e.stamp(),
	}
	edited := false
	if to == domain.StatusApproved {
		final := p.Payload
		if len(bytes.TrimSpace(in.Payload)) > 0 && !bytes.Equal(bytes.TrimSpace(in.Payload), []byte("null")) {
			if err := e.Schemas.Validate(p.ActionType, in.Payload); err != nil {
				return domain.Proposal{}, err
			}
			final = in.Payload
			upd.Payload = in.Payload
			edited = true
		}
		digest, err := PayloadDigest(final)
		if err != nil {
			return domain.Proposal{}, ValidationError{Field: "payload", Message: err.Error()}
		}
		upd.PayloadDigest = digest
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ApplyDecisionTx(ctx, tx, upd); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			_ = tx.Rollback()
			current, gerr := e.Repo.GetProposal(ctx, p.ID)
			if gerr != nil {
				return domain.Proposal{}, gerr
			}
			return domain.Proposal{}, NotActionableError{ID: p.ID, Status: current.Status}
		}
		return domain.Proposal{}, err
	}
	evt, err := e.eventWriter().Append(ctx, tx, eventForStatus(to), p.OrganizationID, "proposal", p.ID, upd.DecidedBy, events.EventPayload{
		"from":          p.Status,
		"to":            to,
		"note":          upd.Note,
		"payloadEdited": edited,
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	updated, err := e.Repo.GetProposalTx(ctx, tx, p.ID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	e.publish(ctx, evt)
	e.Metrics.Decision(string(decision), string(in.Principal.Kind))
	e.logger().Info("proposal decided", "proposal_id", p.ID, "tenant", p.OrganizationID,
		"from", p.Status, "to", to, "actor", upd.DecidedBy)
	return updated, nil
}

// EventsInput pages the audit log.
type EventsInput struct {
	TenantID   string
	ProposalID string
	Type       string
	BeforeID   int64
	Limit      int
}

// ListEvents returns lifecycle events newest first.
func (e Engine) ListEvents(ctx context.Context, in EventsInput) ([]domain.Event, error) {
	if in.TenantID == "" && in.ProposalID == "" {
		return nil, ValidationError{Field: "organizationId", Message: "is required"}
	}
	f := repo.EventFilters{
		TenantID: in.TenantID,
		Type:     in.Type,
		BeforeID: in.BeforeID,
		Limit:    repo.NormalizeLimit(in.Limit),
	}
	if in.ProposalID != "" {
		f.EntityKind = "proposal"
		f.EntityID = in.ProposalID
	}
	return e.Repo.ListEvents(ctx, f)
}
