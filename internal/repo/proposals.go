package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"actiongate/internal/domain"
)

const proposalColumns = `id,organization_id,action_type,agent_id,dashboard_id,summary,payload_json,priority,risk_level,expected_impact,` +
	`policy_auto_approved,approval_required,status,decided_by,decision_note,decided_at,payload_digest,` +
	`execution_started_at,execution_started_by,execution_attempts,execution_lease_until,execution_result_json,execution_error,executed_at,` +
	`created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (domain.Proposal, error) {
	var p domain.Proposal
	var payload string
	var decidedBy, note, decidedAt, digest, startedAt, startedBy, leaseUntil, result, execErr, executedAt sql.NullString
	err := row.Scan(&p.ID, &p.OrganizationID, &p.ActionType, &p.AgentID, &p.DashboardID, &p.Summary, &payload,
		&p.Priority, &p.RiskLevel, &p.ExpectedImpact, &p.PolicyAutoApproved, &p.ApprovalRequired, &p.Status,
		&decidedBy, &note, &decidedAt, &digest, &startedAt, &startedBy, &p.ExecutionAttempts, &leaseUntil,
		&result, &execErr, &executedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Payload = json.RawMessage(payload)
	p.DecidedBy = stringPtr(decidedBy)
	p.DecisionNote = stringPtr(note)
	p.DecidedAt = stringPtr(decidedAt)
	p.PayloadDigest = stringPtr(digest)
	p.ExecutionStartedAt = stringPtr(startedAt)
	p.ExecutionStartedBy = stringPtr(startedBy)
	p.ExecutionLeaseUntil = stringPtr(leaseUntil)
	if result.Valid && result.String != "" {
		p.ExecutionResult = json.RawMessage(result.String)
	}
	p.ExecutionError = stringPtr(execErr)
	p.ExecutedAt = stringPtr(executedAt)
	return p, nil
}

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	payload := string(p.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := r.exec(ctx, tx, `INSERT INTO proposals(`+proposalColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OrganizationID, string(p.ActionType), p.AgentID, p.DashboardID, p.Summary, payload,
		string(p.Priority), string(p.RiskLevel), string(p.ExpectedImpact), p.PolicyAutoApproved, p.ApprovalRequired, string(p.Status),
		nil, nil, nil, nil, nil, nil, 0, nil, nil, nil, nil, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return r.GetProposalTx(ctx, nil, id)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(r.queryRow(ctx, tx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
}

// ProposalFilters narrows ListProposals. Empty fields do not filter.
type ProposalFilters struct {
	OrganizationID  string
	Status          domain.Status
	ActionType      domain.ActionType
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListProposals returns newest-first proposals. Limit is clamped with
// NormalizeLimit; callers wanting a look-ahead row pass Limit+1 themselves.
func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	var (
		clauses []string
		args    []any
	)
	if f.OrganizationID != "" {
		clauses = append(clauses, "organization_id=?")
		args = append(args, f.OrganizationID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.ActionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, string(f.ActionType))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 201 {
		limit = NormalizeLimit(limit)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// DecisionUpdate moves a proposal out of proposed.
type DecisionUpdate struct {
	ID        string
	Status    domain.Status
	DecidedBy string
	Note      string
	// Payload replaces the stored payload when non-nil.
	Payload       json.RawMessage
	PayloadDigest string
	At            string
}

// ApplyDecisionTx writes a decision only if the proposal is still proposed.
// Zero matched rows yields ErrConflict; the caller decides whether that
// means missing or already decided.
func (r Repo) ApplyDecisionTx(ctx context.Context, tx *sql.Tx, d DecisionUpdate) error {
	res, err := r.exec(ctx, tx, `UPDATE proposals
SET status=?, decided_by=?, decision_note=?, decided_at=?, payload_json=COALESCE(?, payload_json), payload_digest=?, updated_at=?
WHERE id=? AND status=?`,
		string(d.Status), d.DecidedBy, nullable(d.Note), d.At, nullableRaw(d.Payload), nullable(d.PayloadDigest), d.At,
		d.ID, string(domain.StatusProposed))
	if err != nil {
		return fmt.Errorf("apply decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ExecutionStart claims the execution lease for one attempt.
type ExecutionStart struct {
	ID         string
	StartedBy  string
	At         string
	LeaseUntil string
	// MaxAttempts bounds execution_attempts; zero means unbounded.
	MaxAttempts int
}

// MarkExecutionStartTx records the start marker without changing status and
// returns the new attempt number. It only matches executable proposals whose
// lease is free or expired, so a concurrent second caller gets ErrConflict.
func (r Repo) MarkExecutionStartTx(ctx context.Context, tx *sql.Tx, s ExecutionStart) (int, error) {
	query := `UPDATE proposals
SET execution_started_at=?, execution_started_by=?, execution_attempts=execution_attempts+1, execution_lease_until=?, updated_at=?
WHERE id=? AND status IN (?,?) AND (execution_lease_until IS NULL OR execution_lease_until < ?)`
	args := []any{s.At, s.StartedBy, s.LeaseUntil, s.At, s.ID, string(domain.StatusApproved), string(domain.StatusFailed), s.At}
	if s.MaxAttempts > 0 {
		query += " AND execution_attempts < ?"
		args = append(args, s.MaxAttempts)
	}
	res, err := r.exec(ctx, tx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark execution start: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrConflict
	}
	var attempt int
	if err := r.queryRow(ctx, tx, `SELECT execution_attempts FROM proposals WHERE id=?`, s.ID).Scan(&attempt); err != nil {
		return 0, err
	}
	return attempt, nil
}

// ExecutionOutcome is the terminal-for-now result of one attempt.
type ExecutionOutcome struct {
	ID      string
	Attempt int
	Status  domain.Status
	Result  json.RawMessage
	Error   string
	At      string
}

// MarkExecutionResultTx is fenced on the attempt number: a writer whose
// lease was taken over by a newer attempt gets ErrConflict.
func (r Repo) MarkExecutionResultTx(ctx context.Context, tx *sql.Tx, o ExecutionOutcome) error {
	var executedAt any
	if o.Status == domain.StatusExecuted {
		executedAt = o.At
	}
	res, err := r.exec(ctx, tx, `UPDATE proposals
SET status=?, execution_result_json=?, execution_error=?, executed_at=?, execution_lease_until=NULL, updated_at=?
WHERE id=? AND status IN (?,?) AND execution_attempts=? AND execution_started_at IS NOT NULL`,
		string(o.Status), nullableRaw(o.Result), nullable(o.Error), executedAt, o.At,
		o.ID, string(domain.StatusApproved), string(domain.StatusFailed), o.Attempt)
	if err != nil {
		return fmt.Errorf("mark execution result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// CountProposalsByStatus returns per-status counts for a tenant.
func (r Repo) CountProposalsByStatus(ctx context.Context, tenantID string) (map[domain.Status]int, error) {
	rows, err := r.query(ctx, nil, `SELECT status, COUNT(*) FROM proposals WHERE organization_id=? GROUP BY status`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(st)] = n
	}
	return counts, rows.Err()
}
