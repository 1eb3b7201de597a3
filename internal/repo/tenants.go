package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"actiongate/internal/domain"
)

// HashAgentKey returns a stable SHA-256 hex digest for the provided key.
func HashAgentKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func (r Repo) UpsertTenantTx(ctx context.Context, tx *sql.Tx, t domain.Tenant) error {
	if t.ID == "" {
		return errors.New("tenant id required")
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	_, err := r.exec(ctx, tx, `INSERT INTO tenants(id, name, created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, t.ID, t.Name, t.CreatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.queryRow(ctx, nil, `SELECT id, name, created_at FROM tenants WHERE id=?`, id).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.query(ctx, nil, `SELECT id, name, created_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertAgentKeyTx stores a hashed agent key slot. Re-adding an existing
// hash for the same tenant is a no-op.
func (r Repo) InsertAgentKeyTx(ctx context.Context, tx *sql.Tx, key domain.AgentKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.TenantID == "" {
		return errors.New("tenant_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	_, err := r.exec(ctx, tx, `INSERT INTO agent_keys(id, tenant_id, label, key_hash, created_at) VALUES (?,?,?,?,?)
ON CONFLICT(tenant_id, key_hash) DO NOTHING`,
		key.ID, key.TenantID, nullable(key.Label), key.KeyHash, key.CreatedAt)
	return err
}

// ActiveAgentKeyHashes returns every unrevoked key slot hash for a tenant.
func (r Repo) ActiveAgentKeyHashes(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.query(ctx, nil, `SELECT key_hash FROM agent_keys WHERE tenant_id=? AND revoked_at IS NULL`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (r Repo) ListAgentKeys(ctx context.Context, tenantID string) ([]domain.AgentKey, error) {
	rows, err := r.query(ctx, nil, `SELECT id, tenant_id, COALESCE(label,''), key_hash, created_at, revoked_at
FROM agent_keys WHERE tenant_id=? ORDER BY created_at DESC, id DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.AgentKey
	for rows.Next() {
		var k domain.AgentKey
		var revoked sql.NullString
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Label, &k.KeyHash, &k.CreatedAt, &revoked); err != nil {
			return nil, err
		}
		k.RevokedAt = stringPtr(revoked)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r Repo) RevokeAgentKey(ctx context.Context, tenantID, id, at string) error {
	res, err := r.exec(ctx, nil, `UPDATE agent_keys SET revoked_at=? WHERE tenant_id=? AND id=? AND revoked_at IS NULL`, at, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRoleTx(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := r.exec(ctx, tx, `INSERT INTO roles(id, description) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description`, id, nullable(desc))
	return err
}

func (r Repo) AddRolePermissionTx(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := r.exec(ctx, tx, `INSERT INTO role_permissions(role_id, permission_id) VALUES (?,?) ON CONFLICT DO NOTHING`, roleID, permID)
	return err
}

func (r Repo) AssignMemberTx(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	_, err := r.exec(ctx, tx, `INSERT INTO tenant_members(tenant_id, user_id, role_id) VALUES (?,?,?) ON CONFLICT DO NOTHING`,
		m.TenantID, m.UserID, m.Role)
	return err
}

func (r Repo) RevokeMemberTx(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	_, err := r.exec(ctx, tx, `DELETE FROM tenant_members WHERE tenant_id=? AND user_id=? AND role_id=?`, m.TenantID, m.UserID, m.Role)
	return err
}

func (r Repo) ListMembers(ctx context.Context, tenantID string) ([]domain.Membership, error) {
	rows, err := r.query(ctx, nil, `SELECT tenant_id, user_id, role_id FROM tenant_members WHERE tenant_id=? ORDER BY user_id, role_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.TenantID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MemberHasAnyPermission reports whether one of the user's roles on the
// tenant grants any of perms.
func (r Repo) MemberHasAnyPermission(ctx context.Context, tenantID, userID string, perms []string) (bool, error) {
	if len(perms) == 0 {
		return false, nil
	}
	args := []any{tenantID, userID}
	for _, p := range perms {
		args = append(args, p)
	}
	var n int
	err := r.queryRow(ctx, nil, `SELECT 1 FROM tenant_members tm
JOIN role_permissions rp ON rp.role_id=tm.role_id
WHERE tm.tenant_id=? AND tm.user_id=? AND rp.permission_id IN (`+placeholders(len(perms))+`) LIMIT 1`, args...).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
