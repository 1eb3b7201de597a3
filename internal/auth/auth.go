package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"actiongate/internal/domain"
	"actiongate/internal/repo"
)

const (
	PermTenantRead   = "tenant.read"
	PermTenantManage = "tenant.manage"

	// RolePlatformAdmin in a session token grants every permission on every tenant.
	RolePlatformAdmin = "platform_admin"
)

// Satisfying lists the permissions that satisfy perm; holding a higher
// permission implies the lower ones.
func Satisfying(perm string) []string {
	switch perm {
	case PermTenantRead:
		return []string{PermTenantRead, PermTenantManage}
	default:
		return []string{perm}
	}
}

// Mode names how a principal was authenticated.
type Mode string

const (
	ModeAgentKey Mode = "agent_key"
	ModeSession  Mode = "session"
)

// Credentials are what a request presented.
type Credentials struct {
	AgentKey    string
	AgentLabel  string
	BearerToken string
}

// Empty reports whether no credential of any kind was supplied.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.AgentKey) == "" && strings.TrimSpace(c.BearerToken) == ""
}

// Grant is a successful authorization.
type Grant struct {
	Principal domain.Principal
	Mode      Mode
}

// DeniedError is a structured authorization failure carrying an HTTP status.
type DeniedError struct {
	Status     int
	Reason     string
	Permission string
}

func (e DeniedError) Error() string {
	if e.Permission != "" {
		return fmt.Sprintf("%s (permission %s)", e.Reason, e.Permission)
	}
	return e.Reason
}

func unauthenticated(reason string) DeniedError {
	return DeniedError{Status: http.StatusUnauthorized, Reason: reason}
}

func forbidden(perm, reason string) DeniedError {
	return DeniedError{Status: http.StatusForbidden, Reason: reason, Permission: perm}
}

// KeyStore yields the live agent key hashes of a tenant.
type KeyStore interface {
	ActiveAgentKeyHashes(ctx context.Context, tenantID string) ([]string, error)
}

// MembershipStore answers role-based permission questions.
type MembershipStore interface {
	MemberHasAnyPermission(ctx context.Context, tenantID, userID string, perms []string) (bool, error)
}

// SessionVerifier turns a bearer token into a human session.
type SessionVerifier interface {
	Verify(token string) (Session, error)
}

// Resolver is the permission gate in front of every proposal operation.
type Resolver struct {
	Keys              KeyStore
	Members           MembershipStore
	Sessions          SessionVerifier
	DefaultAgentLabel string
}

// Authorize tries agent-key mode first, then session mode. A supplied agent
// key never falls through to session auth.
func (r Resolver) Authorize(ctx context.Context, creds Credentials, tenantID, perm string) (Grant, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Grant{}, forbidden(perm, "tenant required")
	}
	if key := strings.TrimSpace(creds.AgentKey); key != "" {
		return r.authorizeAgent(ctx, key, creds.AgentLabel, tenantID)
	}
	return r.authorizeSession(ctx, creds.BearerToken, tenantID, perm)
}

func (r Resolver) authorizeAgent(ctx context.Context, key, label, tenantID string) (Grant, error) {
	if r.Keys == nil {
		return Grant{}, forbidden("", "agent keys not accepted")
	}
	hashes, err := r.Keys.ActiveAgentKeyHashes(ctx, tenantID)
	if err != nil {
		return Grant{}, fmt.Errorf("load agent keys: %w", err)
	}
	if len(hashes) == 0 {
		return Grant{}, forbidden("", "agent keys not accepted for this tenant")
	}
	presented := []byte(repo.HashAgentKey(key))
	matched := 0
	for _, h := range hashes {
		matched |= subtle.ConstantTimeCompare(presented, []byte(h))
	}
	if matched != 1 {
		return Grant{}, unauthenticated("invalid credentials")
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = r.DefaultAgentLabel
	}
	if label == "" {
		label = "agent"
	}
	return Grant{
		Principal: domain.Principal{Kind: domain.PrincipalAgent, ID: label},
		Mode:      ModeAgentKey,
	}, nil
}

func (r Resolver) authorizeSession(ctx context.Context, token, tenantID, perm string) (Grant, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Grant{}, unauthenticated("authentication required")
	}
	if r.Sessions == nil {
		return Grant{}, unauthenticated("sessions not configured")
	}
	session, err := r.Sessions.Verify(token)
	if err != nil {
		return Grant{}, unauthenticated("invalid credentials")
	}
	ok, err := r.HasPermission(ctx, session, tenantID, perm)
	if err != nil {
		return Grant{}, err
	}
	if !ok {
		return Grant{}, forbidden(perm, "permission denied")
	}
	return Grant{Principal: session.Principal(), Mode: ModeSession}, nil
}

// HasPermission checks a human session against tenant role membership.
func (r Resolver) HasPermission(ctx context.Context, s Session, tenantID, perm string) (bool, error) {
	for _, role := range s.Roles {
		if role == RolePlatformAdmin {
			return true, nil
		}
	}
	if r.Members == nil {
		return false, nil
	}
	perms := Satisfying(perm)
	for _, id := range s.identities() {
		ok, err := r.Members.MemberHasAnyPermission(ctx, tenantID, id, perms)
		if err != nil {
			return false, fmt.Errorf("check membership: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
