package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"actiongate/internal/domain"
)

// Session is an authenticated human.
type Session struct {
	UserID string
	Email  string
	Roles  []string
}

// Principal labels the session by user id, falling back to email.
func (s Session) Principal() domain.Principal {
	id := s.UserID
	if id == "" {
		id = s.Email
	}
	return domain.Principal{Kind: domain.PrincipalHuman, ID: id}
}

func (s Session) identities() []string {
	var ids []string
	if s.UserID != "" {
		ids = append(ids, s.UserID)
	}
	if s.Email != "" && s.Email != s.UserID {
		ids = append(ids, s.Email)
	}
	return ids
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// JWTVerifier validates HS256 session tokens.
type JWTVerifier struct {
	Secret string
}

func (v JWTVerifier) Verify(token string) (Session, error) {
	if strings.TrimSpace(v.Secret) == "" {
		return Session{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	})
	if err != nil {
		return Session{}, err
	}
	if !parsed.Valid {
		return Session{}, errors.New("invalid token")
	}
	if claims.Subject == "" && claims.Email == "" {
		return Session{}, errors.New("subject or email claim required")
	}
	return Session{
		UserID: claims.Subject,
		Email:  claims.Email,
		Roles:  claims.Roles,
	}, nil
}

// MintToken signs a session token. Used by the CLI and tests.
func MintToken(secret, subject, email string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret required")
	}
	if subject == "" && email == "" {
		return "", errors.New("subject or email required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
