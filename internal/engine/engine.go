package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"
	"go.opentelemetry.io/otel/trace"

	"actiongate/internal/config"
	"actiongate/internal/db"
	"actiongate/internal/domain"
	"actiongate/internal/events"
	"actiongate/internal/executor"
	"actiongate/internal/observability"
	"actiongate/internal/policy"
	"actiongate/internal/repo"
)

// Dispatcher runs the executor bound to a request's action type.
type Dispatcher interface {
	Dispatch(ctx context.Context, req executor.Request) (json.RawMessage, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Publisher events.Publisher
	Policy    policy.ApprovalPolicy
	Executors Dispatcher
	Schemas   *executor.Schemas
	Config    *config.Config
	Now       func() time.Time
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *observability.Metrics
}

// New wires an engine from config: approval policy, payload schemas and the
// built-in executors.
func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	pol, err := policy.New(cfg.Policy.AutoApproveExpression)
	if err != nil {
		return Engine{}, err
	}
	raw := map[string]string{}
	for name, a := range cfg.Actions {
		raw[name] = a.PayloadSchema
	}
	schemas, err := executor.CompileSchemas(raw)
	if err != nil {
		return Engine{}, err
	}
	targets := map[string]string{}
	for _, t := range cfg.Tenants {
		if t.CRMWebhookURL != "" {
			targets[t.ID] = t.CRMWebhookURL
		}
	}
	leads := &executor.LeadsWebhook{Targets: targets, MinScore: cfg.Execution.LeadMinScore}
	return Engine{
		DB:        conn,
		Repo:      repo.Repo{DB: conn, Dialect: dialect},
		Events:    events.Writer{DB: conn, Dialect: dialect, Now: time.Now},
		Policy:    pol,
		Executors: executor.Defaults(leads),
		Schemas:   schemas,
		Config:    cfg,
		Now:       time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// eventWriter stamps events with the engine clock.
func (e Engine) eventWriter() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(domain.TimeLayout)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return observability.Tracer()
}

func (e Engine) policy() policy.ApprovalPolicy {
	if e.Policy != nil {
		return e.Policy
	}
	return policy.LowRisk{}
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// publish hands committed events to the publisher. Failures are logged only;
// the events table remains authoritative.
func (e Engine) publish(ctx context.Context, evts ...domain.Event) {
	if e.Publisher == nil {
		return
	}
	for _, evt := range evts {
		if err := e.Publisher.Publish(ctx, evt); err != nil {
			e.logger().Warn("publish event failed", "type", evt.Type, "event_id", evt.ID, "err", err)
		}
	}
}

// PayloadDigest is the hex SHA-256 of the payload's RFC 8785 canonical form.
func PayloadDigest(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
