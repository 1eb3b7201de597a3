package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"actiongate/internal/db"
	"actiongate/internal/domain"
)

// Proposal lifecycle event types.
const (
	ProposalCreated          = "proposal.created"
	ProposalApproved         = "proposal.approved"
	ProposalRejected         = "proposal.rejected"
	ProposalExecutionStarted = "proposal.execution_started"
	ProposalExecuted         = "proposal.executed"
	ProposalFailed           = "proposal.failed"
)

type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append inserts an event inside tx and returns the stored row so callers
// can publish it once the transaction commits.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, tenantID, entityKind, entityID, actor string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:         w.Now().UTC().Format(domain.TimeLayout),
		Type:       evtType,
		TenantID:   tenantID,
		EntityKind: entityKind,
		EntityID:   entityID,
		Actor:      actor,
		Payload:    string(data),
	}
	err = tx.QueryRowContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,tenant_id,entity_kind,entity_id,actor,payload_json) VALUES (?,?,?,?,?,?,?) RETURNING id`),
		evt.TS, evt.Type, nullable(tenantID), entityKind, nullable(entityID), actor, evt.Payload).Scan(&evt.ID)
	if err != nil {
		return domain.Event{}, fmt.Errorf("append event %s: %w", evtType, err)
	}
	return evt, nil
}

// Publisher fans committed events out of process. Delivery is best effort;
// the events table stays the source of truth.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt domain.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
