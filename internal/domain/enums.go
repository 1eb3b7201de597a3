package domain

import (
	"fmt"
	"strings"
)

// InvalidEnumError reports a value outside a closed vocabulary.
type InvalidEnumError struct {
	Field string
	Value string
}

func (e InvalidEnumError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

type ActionType string

const (
	ActionPublishContent ActionType = "publish_content"
	ActionSendLeadsGHL   ActionType = "send_leads_ghl"
	ActionPublishAds     ActionType = "publish_ads"
	ActionOptimizeAds    ActionType = "optimize_ads"
)

// ActionTypes lists the closed action vocabulary in declaration order.
var ActionTypes = []ActionType{
	ActionPublishContent,
	ActionSendLeadsGHL,
	ActionPublishAds,
	ActionOptimizeAds,
}

// ParseActionType accepts only known action types; there is no fallback.
func ParseActionType(s string) (ActionType, error) {
	a := ActionType(strings.TrimSpace(s))
	switch a {
	case ActionPublishContent, ActionSendLeadsGHL, ActionPublishAds, ActionOptimizeAds:
		return a, nil
	}
	return "", InvalidEnumError{Field: "actionType", Value: s}
}

type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"

	DefaultPriority = PriorityP2
)

// NormalizePriority maps absent or unknown values to DefaultPriority.
func NormalizePriority(s string) Priority {
	switch p := Priority(strings.ToUpper(strings.TrimSpace(s))); p {
	case PriorityP1, PriorityP2, PriorityP3:
		return p
	}
	return DefaultPriority
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"

	DefaultRiskLevel = RiskMedium
)

func NormalizeRiskLevel(s string) RiskLevel {
	switch r := RiskLevel(strings.ToLower(strings.TrimSpace(s))); r {
	case RiskLow, RiskMedium, RiskHigh:
		return r
	}
	return DefaultRiskLevel
}

type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"

	DefaultImpact = ImpactMedium
)

func NormalizeImpact(s string) Impact {
	switch i := Impact(strings.ToLower(strings.TrimSpace(s))); i {
	case ImpactLow, ImpactMedium, ImpactHigh:
		return i
	}
	return DefaultImpact
}

type Status string

const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

// Statuses lists every proposal status.
var Statuses = []Status{StatusProposed, StatusApproved, StatusRejected, StatusExecuted, StatusFailed}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusProposed, StatusApproved, StatusRejected, StatusExecuted, StatusFailed:
		return st, nil
	}
	return "", InvalidEnumError{Field: "status", Value: s}
}

// Executable reports whether a proposal in this status may be dispatched.
// Failed proposals stay executable so an operator can retry them.
func (s Status) Executable() bool {
	switch s {
	case StatusApproved, StatusFailed:
		return true
	case StatusProposed, StatusRejected, StatusExecuted:
		return false
	}
	return false
}

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DecisionApproved, DecisionRejected:
		return d, nil
	}
	return "", InvalidEnumError{Field: "decision", Value: s}
}

// Status returns the proposal status a decision leads to.
func (d Decision) Status() Status {
	switch d {
	case DecisionApproved:
		return StatusApproved
	case DecisionRejected:
		return StatusRejected
	}
	return ""
}

type PrincipalKind string

const (
	PrincipalHuman  PrincipalKind = "user"
	PrincipalAgent  PrincipalKind = "agent"
	PrincipalPolicy PrincipalKind = "policy"
)
