package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"actiongate/internal/domain"
)

// Input is what an approval policy sees about a new proposal.
type Input struct {
	TenantID       string
	AgentID        string
	ActionType     domain.ActionType
	Priority       domain.Priority
	RiskLevel      domain.RiskLevel
	ExpectedImpact domain.Impact
	// Requested is the caller-supplied policyAutoApproved, if any.
	Requested *bool
}

// Verdict is the outcome of a policy evaluation at creation time.
type Verdict struct {
	AutoApproved bool
	Rule         string
}

// ApprovalRequired derives the approval flag from a verdict unless the
// caller overrode it.
func (v Verdict) ApprovalRequired(override *bool) bool {
	if override != nil {
		return *override
	}
	return !v.AutoApproved
}

// ApprovalPolicy decides whether a proposal is auto-approved by policy.
type ApprovalPolicy interface {
	Evaluate(ctx context.Context, in Input) (Verdict, error)
}

func requested(in Input) bool {
	return in.Requested != nil && *in.Requested
}

// LowRisk auto-approves low-risk proposals and otherwise honours the caller.
type LowRisk struct{}

func (LowRisk) Evaluate(_ context.Context, in Input) (Verdict, error) {
	if in.RiskLevel == domain.RiskLow {
		return Verdict{AutoApproved: true, Rule: "low_risk"}, nil
	}
	if requested(in) {
		return Verdict{AutoApproved: true, Rule: "caller"}, nil
	}
	return Verdict{AutoApproved: false, Rule: "default"}, nil
}

// CEL evaluates a boolean expression over the proposal. When the expression
// yields false the caller-supplied value still applies.
type CEL struct {
	expr string
	env  *cel.Env

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCEL compiles expr once so configuration errors surface at startup.
func NewCEL(expr string) (*CEL, error) {
	env, err := cel.NewEnv(
		cel.Variable("proposal", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	p := &CEL{expr: expr, env: env, prgCache: map[string]cel.Program{}}
	if _, err := p.program(expr); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *CEL) program(expr string) (cel.Program, error) {
	p.mu.RLock()
	prg, hit := p.prgCache[expr]
	p.mu.RUnlock()
	if hit {
		return prg, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prg, hit = p.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile policy: %w", issues.Err())
	}
	prg, err := p.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program policy: %w", err)
	}
	p.prgCache[expr] = prg
	return prg, nil
}

func (p *CEL) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	prg, err := p.program(p.expr)
	if err != nil {
		return Verdict{}, err
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{
		"proposal": map[string]any{
			"organizationId": in.TenantID,
			"agentId":        in.AgentID,
			"actionType":     string(in.ActionType),
			"priority":       string(in.Priority),
			"riskLevel":      string(in.RiskLevel),
			"expectedImpact": string(in.ExpectedImpact),
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("eval policy: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return Verdict{}, fmt.Errorf("policy result not bool")
	}
	if ok {
		return Verdict{AutoApproved: true, Rule: "expression"}, nil
	}
	if requested(in) {
		return Verdict{AutoApproved: true, Rule: "caller"}, nil
	}
	return Verdict{AutoApproved: false, Rule: "default"}, nil
}

// New returns the CEL policy for a non-empty expression and LowRisk otherwise.
func New(expr string) (ApprovalPolicy, error) {
	if expr == "" {
		return LowRisk{}, nil
	}
	return NewCEL(expr)
}
