package app

import (
	"context"
	"testing"
	"time"

	"actiongate/internal/config"
	"actiongate/internal/db"
	"actiongate/internal/migrate"
	"actiongate/internal/repo"
)

func TestBootstrapSeedsAndIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if _, err := migrate.Migrate(conn, db.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn, Dialect: db.DialectSQLite}
	cfg := config.Default()
	cfg.Tenants = []config.TenantConfig{{
		ID:        "org1",
		Name:      "Org One",
		AgentKeys: []string{"key-a", "key-b"},
		Members:   []config.MemberConfig{{User: "alice@example.com", Role: "admin"}, {User: "bob", Role: "viewer"}},
	}}
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		sum, err := Bootstrap(ctx, r, cfg, now)
		if err != nil {
			t.Fatalf("bootstrap #%d: %v", i, err)
		}
		if sum.Tenants != 1 || sum.AgentKeys != 2 || sum.Members != 2 {
			t.Fatalf("unexpected summary %+v", sum)
		}
	}

	hashes, err := r.ActiveAgentKeyHashes(ctx, "org1")
	if err != nil {
		t.Fatalf("hashes: %v", err)
	}
	if len(hashes) != 2 {
		t.Fatalf("expected 2 key slots, got %d", len(hashes))
	}
	if hashes[0] == "key-a" || hashes[1] == "key-a" {
		t.Fatalf("agent keys must be stored hashed")
	}

	ok, err := r.MemberHasAnyPermission(ctx, "org1", "alice@example.com", []string{"tenant.manage"})
	if err != nil || !ok {
		t.Fatalf("admin should manage: ok=%v err=%v", ok, err)
	}
	ok, err = r.MemberHasAnyPermission(ctx, "org1", "bob", []string{"tenant.manage"})
	if err != nil || ok {
		t.Fatalf("viewer must not manage: ok=%v err=%v", ok, err)
	}
}

func TestBootstrapUnknownRole(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if _, err := migrate.Migrate(conn, db.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Tenants = []config.TenantConfig{{ID: "org1", Members: []config.MemberConfig{{User: "x", Role: "wizard"}}}}
	if _, err := Bootstrap(context.Background(), repo.Repo{DB: conn, Dialect: db.DialectSQLite}, cfg, time.Now()); err == nil {
		t.Fatalf("expected unknown role error")
	}
}

func TestConfigKeyIDStable(t *testing.T) {
	if ConfigKeyID("org1", "k") != ConfigKeyID("org1", " k ") {
		t.Fatalf("key id should ignore surrounding space")
	}
	if ConfigKeyID("org1", "k") == ConfigKeyID("org2", "k") {
		t.Fatalf("key id must be tenant scoped")
	}
}
