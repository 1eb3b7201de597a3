package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actiongate/internal/domain"
	"actiongate/internal/repo"
)

type fakeKeys map[string][]string

func (f fakeKeys) ActiveAgentKeyHashes(_ context.Context, tenantID string) ([]string, error) {
	return f[tenantID], nil
}

type fakeMembers map[string]map[string][]string // tenant -> user -> perms

func (f fakeMembers) MemberHasAnyPermission(_ context.Context, tenantID, userID string, perms []string) (bool, error) {
	for _, have := range f[tenantID][userID] {
		for _, want := range perms {
			if have == want {
				return true, nil
			}
		}
	}
	return false, nil
}

const secret = "test-secret"

func newResolver() Resolver {
	return Resolver{
		Keys: fakeKeys{"org1": {repo.HashAgentKey("k-live")}},
		Members: fakeMembers{
			"org1": {
				"alice":           {PermTenantManage},
				"bob":             {PermTenantRead},
				"carol@acme.test": {PermTenantRead},
			},
		},
		Sessions:          JWTVerifier{Secret: secret},
		DefaultAgentLabel: "bot",
	}
}

func mint(t *testing.T, sub, email string, roles ...string) string {
	t.Helper()
	tok, err := MintToken(secret, sub, email, roles, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func deniedStatus(t *testing.T, err error) int {
	t.Helper()
	var denied DeniedError
	require.True(t, errors.As(err, &denied), "expected DeniedError, got %v", err)
	return denied.Status
}

func TestAgentKeyMatchGrantsAgentPrincipal(t *testing.T) {
	r := newResolver()
	g, err := r.Authorize(context.Background(), Credentials{AgentKey: "k-live", AgentLabel: "crm-bot"}, "org1", PermTenantManage)
	require.NoError(t, err)
	assert.Equal(t, ModeAgentKey, g.Mode)
	assert.Equal(t, "agent:crm-bot", g.Principal.Label())
	assert.False(t, g.Principal.IsHuman())

	g, err = r.Authorize(context.Background(), Credentials{AgentKey: "k-live"}, "org1", PermTenantRead)
	require.NoError(t, err)
	assert.Equal(t, "agent:bot", g.Principal.Label())
}

func TestAgentKeyMismatchIsUnauthenticated(t *testing.T) {
	r := newResolver()
	_, err := r.Authorize(context.Background(), Credentials{AgentKey: "wrong"}, "org1", PermTenantRead)
	assert.Equal(t, http.StatusUnauthorized, deniedStatus(t, err))
	assert.NotContains(t, err.Error(), "k-live")
}

func TestAgentKeyWithoutConfiguredKeysIsForbidden(t *testing.T) {
	r := newResolver()
	_, err := r.Authorize(context.Background(), Credentials{AgentKey: "k-live"}, "org2", PermTenantRead)
	assert.Equal(t, http.StatusForbidden, deniedStatus(t, err))
}

func TestAgentKeyDoesNotFallThroughToSession(t *testing.T) {
	r := newResolver()
	creds := Credentials{AgentKey: "wrong", BearerToken: mint(t, "alice", "")}
	_, err := r.Authorize(context.Background(), creds, "org1", PermTenantRead)
	assert.Equal(t, http.StatusUnauthorized, deniedStatus(t, err))
}

func TestSessionPermissions(t *testing.T) {
	r := newResolver()
	ctx := context.Background()

	g, err := r.Authorize(ctx, Credentials{BearerToken: mint(t, "alice", "")}, "org1", PermTenantRead)
	require.NoError(t, err, "manage implies read")
	assert.Equal(t, ModeSession, g.Mode)
	assert.Equal(t, "user:alice", g.Principal.Label())
	assert.True(t, g.Principal.IsHuman())

	_, err = r.Authorize(ctx, Credentials{BearerToken: mint(t, "bob", "")}, "org1", PermTenantManage)
	assert.Equal(t, http.StatusForbidden, deniedStatus(t, err))

	_, err = r.Authorize(ctx, Credentials{BearerToken: mint(t, "alice", "")}, "org2", PermTenantRead)
	assert.Equal(t, http.StatusForbidden, deniedStatus(t, err))

	g, err = r.Authorize(ctx, Credentials{BearerToken: mint(t, "", "carol@acme.test")}, "org1", PermTenantRead)
	require.NoError(t, err)
	assert.Equal(t, "user:carol@acme.test", g.Principal.Label())
}

func TestPlatformAdminSpansTenants(t *testing.T) {
	r := newResolver()
	_, err := r.Authorize(context.Background(), Credentials{BearerToken: mint(t, "root", "", RolePlatformAdmin)}, "org9", PermTenantManage)
	require.NoError(t, err)
}

func TestMissingOrBadSession(t *testing.T) {
	r := newResolver()
	ctx := context.Background()

	_, err := r.Authorize(ctx, Credentials{}, "org1", PermTenantRead)
	assert.Equal(t, http.StatusUnauthorized, deniedStatus(t, err))

	_, err = r.Authorize(ctx, Credentials{BearerToken: "not-a-jwt"}, "org1", PermTenantRead)
	assert.Equal(t, http.StatusUnauthorized, deniedStatus(t, err))

	other, err := MintToken("other-secret", "alice", "", nil, time.Hour, time.Now())
	require.NoError(t, err)
	_, err = r.Authorize(ctx, Credentials{BearerToken: other}, "org1", PermTenantRead)
	assert.Equal(t, http.StatusUnauthorized, deniedStatus(t, err))

	expired, err := MintToken(secret, "alice", "", nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = r.Authorize(ctx, Credentials{BearerToken: expired}, "org1", PermTenantRead)
	assert.Equal(t, http.StatusUnauthorized, deniedStatus(t, err))
}

func TestEmptyTenantIsForbidden(t *testing.T) {
	r := newResolver()
	_, err := r.Authorize(context.Background(), Credentials{AgentKey: "k-live"}, " ", PermTenantRead)
	assert.Equal(t, http.StatusForbidden, deniedStatus(t, err))
}

func TestSatisfying(t *testing.T) {
	assert.ElementsMatch(t, []string{PermTenantRead, PermTenantManage}, Satisfying(PermTenantRead))
	assert.Equal(t, []string{PermTenantManage}, Satisfying(PermTenantManage))
}

func TestSessionPrincipalFallsBackToEmail(t *testing.T) {
	s := Session{Email: "dana@acme.test"}
	assert.Equal(t, domain.Principal{Kind: domain.PrincipalHuman, ID: "dana@acme.test"}, s.Principal())
}
