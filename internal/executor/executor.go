package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"actiongate/internal/domain"
)

// Request is one dispatch of an approved proposal to its action.
type Request struct {
	ProposalID string
	TenantID   string
	ActionType domain.ActionType
	Payload    json.RawMessage
	Attempt    int
}

// Executor performs the side effect behind an action type.
type Executor interface {
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, req Request) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

type UnsupportedActionError struct {
	ActionType domain.ActionType
}

func (e UnsupportedActionError) Error() string {
	return fmt.Sprintf("unsupported action type %q", e.ActionType)
}

// Registry maps each action type to exactly one executor.
type Registry struct {
	mu        sync.RWMutex
	executors map[domain.ActionType]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[domain.ActionType]Executor{}}
}

// Register binds e to action, replacing any previous binding.
func (r *Registry) Register(action domain.ActionType, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[action] = e
}

func (r *Registry) Lookup(action domain.ActionType) (Executor, error) {
	if r == nil {
		return nil, UnsupportedActionError{ActionType: action}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[action]
	if !ok {
		return nil, UnsupportedActionError{ActionType: action}
	}
	return e, nil
}

func (r *Registry) Dispatch(ctx context.Context, req Request) (json.RawMessage, error) {
	e, err := r.Lookup(req.ActionType)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, req)
}

// Queued acknowledges actions whose downstream integration is not wired yet.
type Queued struct{}

func (Queued) Execute(_ context.Context, req Request) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"status":     "queued",
		"actionType": req.ActionType,
		"proposalId": req.ProposalID,
	})
}

// Defaults registers the built-in executors for every action type.
func Defaults(leads *LeadsWebhook) *Registry {
	r := NewRegistry()
	for _, a := range domain.ActionTypes {
		switch a {
		case domain.ActionSendLeadsGHL:
			if leads != nil {
				r.Register(a, leads)
			} else {
				r.Register(a, Queued{})
			}
		case domain.ActionPublishContent, domain.ActionPublishAds, domain.ActionOptimizeAds:
			r.Register(a, Queued{})
		}
	}
	return r
}
