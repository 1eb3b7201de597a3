package repo

import (
	"context"
	"database/sql"
	"strings"

	"actiongate/internal/domain"
)

// EventFilters narrows ListEvents. BeforeID pages backwards from a cursor.
type EventFilters struct {
	TenantID   string
	Type       string
	EntityKind string
	EntityID   string
	BeforeID   int64
	Limit      int
}

const eventColumns = `id, ts, type, COALESCE(tenant_id,''), entity_kind, COALESCE(entity_id,''), actor, payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TenantID, &e.EntityKind, &e.EntityID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListEvents returns newest-first audit events.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with id > cursor in ascending order. An empty
// tenantID spans every tenant.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, tenantID string) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id > ?`
	args := []any{cursor}
	if tenantID != "" {
		query += " AND tenant_id=?"
		args = append(args, tenantID)
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context, tenantID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if tenantID != "" {
		query += " WHERE tenant_id=?"
		args = append(args, tenantID)
	}
	var id int64
	err := r.queryRow(ctx, nil, query, args...).Scan(&id)
	return id, err
}
