package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"actiongate/internal/config"
	"actiongate/internal/domain"
	"actiongate/internal/repo"
)

// Summary counts what Bootstrap wrote.
type Summary struct {
	Tenants   int
	Roles     int
	Members   int
	AgentKeys int
}

// Bootstrap seeds roles, tenants, memberships and hashed agent keys from cfg.
// It is additive and idempotent: rows that already exist are left alone and
// nothing absent from the config is removed.
func Bootstrap(ctx context.Context, r repo.Repo, cfg *config.Config, now time.Time) (Summary, error) {
	var sum Summary
	if cfg == nil {
		return sum, nil
	}
	stamp := now.UTC().Format(domain.TimeLayout)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return sum, err
	}
	defer tx.Rollback()

	roleIDs := lo.Keys(cfg.RBAC.Roles)
	sort.Strings(roleIDs)
	for _, id := range roleIDs {
		role := cfg.RBAC.Roles[id]
		if err := r.InsertRoleTx(ctx, tx, id, role.Description); err != nil {
			return sum, fmt.Errorf("seed role %s: %w", id, err)
		}
		for _, perm := range lo.Uniq(role.Permissions) {
			if err := r.AddRolePermissionTx(ctx, tx, id, perm); err != nil {
				return sum, fmt.Errorf("seed role %s permission %s: %w", id, perm, err)
			}
		}
		sum.Roles++
	}

	for _, t := range cfg.Tenants {
		if err := r.UpsertTenantTx(ctx, tx, domain.Tenant{ID: t.ID, Name: t.Name, CreatedAt: stamp}); err != nil {
			return sum, fmt.Errorf("seed tenant %s: %w", t.ID, err)
		}
		sum.Tenants++
		for _, m := range t.Members {
			if _, ok := cfg.RBAC.Roles[m.Role]; !ok {
				return sum, fmt.Errorf("tenant %s member %s: unknown role %q", t.ID, m.User, m.Role)
			}
			if err := r.AssignMemberTx(ctx, tx, domain.Membership{TenantID: t.ID, UserID: m.User, Role: m.Role}); err != nil {
				return sum, fmt.Errorf("seed member %s: %w", m.User, err)
			}
			sum.Members++
		}
		for i, key := range t.AgentKeys {
			if strings.TrimSpace(key) == "" {
				continue
			}
			if err := r.InsertAgentKeyTx(ctx, tx, domain.AgentKey{
				ID:        ConfigKeyID(t.ID, key),
				TenantID:  t.ID,
				Label:     fmt.Sprintf("config[%d]", i),
				KeyHash:   repo.HashAgentKey(key),
				CreatedAt: stamp,
			}); err != nil {
				return sum, fmt.Errorf("seed agent key for %s: %w", t.ID, err)
			}
			sum.AgentKeys++
		}
	}
	if err := tx.Commit(); err != nil {
		return sum, err
	}
	return sum, nil
}

// ConfigKeyID is the stable slot id of a config-seeded agent key, so
// re-running Bootstrap never duplicates a slot.
func ConfigKeyID(tenantID, key string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + strings.TrimSpace(key)))
	return "cfg_" + hex.EncodeToString(sum[:8])
}
