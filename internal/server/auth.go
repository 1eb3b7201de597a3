package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strings"

	"actiongate/internal/auth"
	"actiongate/internal/config"
	"actiongate/internal/domain"
	"actiongate/internal/engine"
)

const (
	defaultAgentKeyHeader   = "X-Agent-Key"
	defaultAgentLabelHeader = "X-Agent-Id"
)

type credentialsKey struct{}
type remoteAddrKey struct{}

func withCredentials(ctx context.Context, c auth.Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, c)
}

func credentialsFromContext(ctx context.Context) auth.Credentials {
	c, _ := ctx.Value(credentialsKey{}).(auth.Credentials)
	return c
}

func remoteAddrFromContext(ctx context.Context) string {
	v, _ := ctx.Value(remoteAddrKey{}).(string)
	return v
}

// extractCredentials reads the agent key, agent label and bearer token from
// the configured headers.
func extractCredentials(r *http.Request, cfg config.AuthConfig) auth.Credentials {
	keyHeader := cfg.AgentKeyHeader
	if keyHeader == "" {
		keyHeader = defaultAgentKeyHeader
	}
	labelHeader := cfg.AgentLabelHeader
	if labelHeader == "" {
		labelHeader = defaultAgentLabelHeader
	}
	c := auth.Credentials{
		AgentKey:   strings.TrimSpace(r.Header.Get(keyHeader)),
		AgentLabel: strings.TrimSpace(r.Header.Get(labelHeader)),
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "bearer") {
			c.BearerToken = strings.TrimSpace(token)
		}
	}
	return c
}

func newCredentialsMiddleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := withCredentials(r.Context(), extractCredentials(r, cfg))
			ctx = context.WithValue(ctx, remoteAddrKey{}, clientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// fingerprint keys rate limiting by credential without keeping the secret.
func fingerprint(c auth.Credentials, remote string) string {
	switch {
	case c.AgentKey != "":
		return "key:" + shortHash(c.AgentKey)
	case c.BearerToken != "":
		return "session:" + shortHash(c.BearerToken)
	default:
		return "ip:" + remote
	}
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authorize runs the resolver for the request's credentials. actor, when
// given, labels an agent-key caller that sent no label header.
func (s *server) authorize(ctx context.Context, tenantID, perm, actor string) (auth.Grant, error) {
	creds := credentialsFromContext(ctx)
	if creds.AgentLabel == "" && strings.TrimSpace(actor) != "" {
		creds.AgentLabel = strings.TrimSpace(actor)
	}
	grant, err := s.resolver.Authorize(ctx, creds, tenantID, perm)
	if err != nil {
		return auth.Grant{}, err
	}
	return grant, nil
}

// authorizeProposal loads the proposal first so the check runs against the
// tenant that owns it, not one named by the caller. A caller that cannot
// read the owning tenant gets the same not found as for an unknown id.
func (s *server) authorizeProposal(ctx context.Context, proposalID, perm, actor string) (domain.Proposal, auth.Grant, error) {
	if credentialsFromContext(ctx).Empty() {
		return domain.Proposal{}, auth.Grant{}, auth.DeniedError{Status: http.StatusUnauthorized, Reason: "authentication required"}
	}
	p, err := s.engine.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Proposal{}, auth.Grant{}, err
	}
	grant, err := s.authorize(ctx, p.OrganizationID, perm, actor)
	if err == nil {
		return p, grant, nil
	}
	var denied auth.DeniedError
	if !errors.As(err, &denied) {
		return domain.Proposal{}, auth.Grant{}, err
	}
	if perm != auth.PermTenantRead {
		if _, rerr := s.authorize(ctx, p.OrganizationID, auth.PermTenantRead, actor); rerr == nil {
			return domain.Proposal{}, auth.Grant{}, err
		}
	}
	return domain.Proposal{}, auth.Grant{}, engine.ErrNotFound
}
