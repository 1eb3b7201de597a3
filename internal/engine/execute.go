package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"actiongate/internal/domain"
	"actiongate/internal/events"
	"actiongate/internal/executor"
	"actiongate/internal/repo"
)

// Execution origins recorded on execution events.
const (
	OriginManual = "manual"
	OriginAuto   = "auto_on_approve"
)

type ExecuteInput struct {
	ProposalID string
	Principal  domain.Principal
	Origin     string
}

// ExecutionReport is the stored proposal after an attempt plus the
// executor's result on success.
type ExecutionReport struct {
	Proposal domain.Proposal
	Result   json.RawMessage
	Attempt  int
}

// Execute dispatches an approved (or previously failed) proposal to its
// executor exactly once per attempt. The start marker is a conditional write
// that doubles as a lease, so a concurrent second call fails with
// ErrExecutionInProgress or, once the first finished, NotApprovedError.
//
// On executor failure the proposal is stored as failed and the returned
// report carries it alongside an ExecutionFailedError.
func (e Engine) Execute(ctx context.Context, in ExecuteInput) (ExecutionReport, error) {
	if strings.TrimSpace(in.ProposalID) == "" {
		return ExecutionReport{}, ValidationError{Field: "proposalId", Message: "is required"}
	}
	if in.Origin == "" {
		in.Origin = OriginManual
	}
	ctx, span := e.tracer().Start(ctx, "proposal.execute")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", in.ProposalID), attribute.String("execution.origin", in.Origin))

	p, err := e.Repo.GetProposal(ctx, in.ProposalID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ExecutionReport{}, err
	}
	span.SetAttributes(attribute.String("proposal.action_type", string(p.ActionType)), attribute.String("tenant.id", p.OrganizationID))
	if !p.Status.Executable() {
		e.Metrics.Execution(string(p.ActionType), "rejected", 0)
		err := NotApprovedError{ID: p.ID, Status: p.Status}
		span.SetStatus(codes.Error, err.Error())
		return ExecutionReport{}, err
	}

	attempt, err := e.markExecutionStart(ctx, p, in)
	if err != nil {
		e.Metrics.Execution(string(p.ActionType), "rejected", 0)
		span.SetStatus(codes.Error, err.Error())
		return ExecutionReport{}, err
	}
	span.SetAttributes(attribute.Int("execution.attempt", attempt))

	started := e.now()
	result, execErr := e.dispatch(ctx, p, attempt)
	took := e.now().Sub(started)

	// The outcome must land even if the caller went away mid-dispatch.
	recordCtx := context.WithoutCancel(ctx)
	stored, err := e.markExecutionResult(recordCtx, p, attempt, in.Principal, result, execErr)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ExecutionReport{}, err
	}
	if execErr != nil {
		e.Metrics.Execution(string(p.ActionType), string(domain.StatusFailed), took)
		span.SetStatus(codes.Error, execErr.Error())
		e.logger().Warn("proposal execution failed", "proposal_id", p.ID, "tenant", p.OrganizationID,
			"attempt", attempt, "origin", in.Origin, "err", execErr)
		return ExecutionReport{Proposal: stored, Attempt: attempt}, ExecutionFailedError{ID: p.ID, Attempt: attempt, Err: execErr}
	}
	e.Metrics.Execution(string(p.ActionType), string(domain.StatusExecuted), took)
	span.SetStatus(codes.Ok, "")
	return ExecutionReport{Proposal: stored, Result: result, Attempt: attempt}, nil
}

func (e Engine) markExecutionStart(ctx context.Context, p domain.Proposal, in ExecuteInput) (int, error) {
	cfg := e.config()
	now := e.now().UTC()
	start := repo.ExecutionStart{
		ID:          p.ID,
		StartedBy:   in.Principal.Label(),
		At:          now.Format(domain.TimeLayout),
		LeaseUntil:  now.Add(cfg.LeaseTTL()).Format(domain.TimeLayout),
		MaxAttempts: cfg.Execution.MaxAttempts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	attempt, err := e.Repo.MarkExecutionStartTx(ctx, tx, start)
	if errors.Is(err, repo.ErrConflict) {
		_ = tx.Rollback()
		return 0, e.explainStartConflict(ctx, p.ID, start)
	}
	if err != nil {
		return 0, err
	}
	evt, err := e.eventWriter().Append(ctx, tx, events.ProposalExecutionStarted, p.OrganizationID, "proposal", p.ID, start.StartedBy, events.EventPayload{
		"attempt":    attempt,
		"origin":     in.Origin,
		"leaseUntil": start.LeaseUntil,
	})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.publish(ctx, evt)
	e.logger().Info("proposal execution started", "proposal_id", p.ID, "tenant", p.OrganizationID,
		"attempt", attempt, "origin", in.Origin, "actor", start.StartedBy)
	return attempt, nil
}

// explainStartConflict reloads the proposal to tell the caller why the
// start marker matched no row.
func (e Engine) explainStartConflict(ctx context.Context, id string, start repo.ExecutionStart) error {
	current, err := e.Repo.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	if !current.Status.Executable() {
		return NotApprovedError{ID: id, Status: current.Status}
	}
	if start.MaxAttempts > 0 && current.ExecutionAttempts >= start.MaxAttempts {
		return ErrAttemptsExhausted
	}
	return ErrExecutionInProgress
}

func (e Engine) dispatch(ctx context.Context, p domain.Proposal, attempt int) (json.RawMessage, error) {
	if p.PayloadDigest != nil {
		digest, err := PayloadDigest(p.Payload)
		if err != nil {
			return nil, err
		}
		if digest != *p.PayloadDigest {
			return nil, ErrPayloadTampered
		}
	}
	if e.Executors == nil {
		return nil, executor.UnsupportedActionError{ActionType: p.ActionType}
	}
	timeout := e.config().ExecutionTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := e.tracer().Start(ctx, "executor.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.action_type", string(p.ActionType)))

	result, err := e.Executors.Dispatch(ctx, executor.Request{
		ProposalID: p.ID,
		TenantID:   p.OrganizationID,
		ActionType: p.ActionType,
		Payload:    p.Payload,
		Attempt:    attempt,
	})
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("executor timed out after %s: %w", timeout, err)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	return result, nil
}

func (e Engine) markExecutionResult(ctx context.Context, p domain.Proposal, attempt int, actor domain.Principal, result json.RawMessage, execErr error) (domain.Proposal, error) {
	outcome := repo.ExecutionOutcome{
		ID:      p.ID,
		Attempt: attempt,
		Status:  domain.StatusExecuted,
		Result:  result,
		At:      e.stamp(),
	}
	if execErr != nil {
		outcome.Status = domain.StatusFailed
		outcome.Result = nil
		outcome.Error = execErr.Error()
	}
	if err := ensureTransition(p.Status, outcome.Status); err != nil {
		return domain.Proposal{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkExecutionResultTx(ctx, tx, outcome); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Proposal{}, ErrLeaseLost
		}
		return domain.Proposal{}, err
	}
	payload := events.EventPayload{"attempt": attempt, "from": p.Status, "to": outcome.Status}
	if outcome.Error != "" {
		payload["error"] = outcome.Error
	}
	evt, err := e.eventWriter().Append(ctx, tx, eventForStatus(outcome.Status), p.OrganizationID, "proposal", p.ID, actor.Label(), payload)
	if err != nil {
		return domain.Proposal{}, err
	}
	stored, err := e.Repo.GetProposalTx(ctx, tx, p.ID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	e.publish(ctx, evt)
	e.logger().Info("proposal execution recorded", "proposal_id", p.ID, "tenant", p.OrganizationID,
		"from", p.Status, "to", outcome.Status, "attempt", attempt, "actor", actor.Label())
	return stored, nil
}

// AutoExecution reports an execution fired by a human approval. Its failure
// never fails the decision.
type AutoExecution struct {
	Triggered bool            `json:"triggered"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type DecisionReport struct {
	Proposal      domain.Proposal
	AutoExecution *AutoExecution
}

// DecideAndDispatch composes Decide and Execute. Execution fires only when a
// human approved, the action type is allow-listed for auto-execution and the
// caller did not opt out. Agent and policy approvals never auto-execute.
func (e Engine) DecideAndDispatch(ctx context.Context, in DecideInput, executeOnApprove *bool) (DecisionReport, error) {
	p, err := e.Decide(ctx, in)
	if err != nil {
		return DecisionReport{}, err
	}
	report := DecisionReport{Proposal: p}
	if !e.shouldAutoExecute(p, in.Principal, executeOnApprove) {
		return report, nil
	}
	auto := &AutoExecution{Triggered: true}
	report.AutoExecution = auto
	res, err := e.Execute(ctx, ExecuteInput{ProposalID: p.ID, Principal: in.Principal, Origin: OriginAuto})
	if res.Proposal.ID != "" {
		report.Proposal = res.Proposal
	}
	if err != nil {
		auto.Error = err.Error()
		if res.Proposal.ID == "" {
			if current, gerr := e.Repo.GetProposal(context.WithoutCancel(ctx), p.ID); gerr == nil {
				report.Proposal = current
			}
		}
		return report, nil
	}
	auto.OK = true
	auto.Result = res.Result
	return report, nil
}

func (e Engine) shouldAutoExecute(p domain.Proposal, actor domain.Principal, executeOnApprove *bool) bool {
	if p.Status != domain.StatusApproved {
		return false
	}
	if executeOnApprove != nil && !*executeOnApprove {
		return false
	}
	if !actor.IsHuman() {
		return false
	}
	return e.config().AutoExecutable(p.ActionType)
}

// LeaseRemaining reports how long the current execution lease has left.
func LeaseRemaining(p domain.Proposal, now time.Time) time.Duration {
	if p.ExecutionLeaseUntil == nil {
		return 0
	}
	until, err := time.Parse(domain.TimeLayout, *p.ExecutionLeaseUntil)
	if err != nil {
		return 0
	}
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}
