// Package auth verifies bearer tokens and carries the caller's identity
// through the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleAdmin    = "admin"
	RoleDeployer = "deployer"
	RoleRunner   = "runner"
)

const DefaultIssuer = "stagehand"

type ctxKey string

const ctxKeyPrincipal ctxKey = "stagehand.principal"

// Principal is the authenticated caller. DeploymentID is only set for
// runner tokens and names the one deployment the token may report on.
type Principal struct {
	Subject      string
	Roles        []string
	DeploymentID uuid.UUID
}

func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// MayReport reports whether p may read the plan of, and complete, deployment id.
func (p *Principal) MayReport(id uuid.UUID) bool {
	if p == nil {
		return false
	}
	if p.HasRole(RoleAdmin) {
		return true
	}
	return p.HasRole(RoleRunner) && p.DeploymentID == id
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*Principal)
	return p
}

type Claims struct {
	Roles      []string `json:"roles,omitempty"`
	Deployment string   `json:"deployment,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret     []byte
	Issuer     string
	AllowDebug bool
	DebugToken string
}

// Verifier checks HS256 tokens signed with the shared secret and issues the
// per-deployment tokens handed to dispatched runners.
type Verifier struct {
	cfg Config
	now func() time.Time
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.Secret) == 0 && !cfg.AllowDebug {
		return nil, errors.New("jwt secret required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	return &Verifier{cfg: cfg, now: time.Now}, nil
}

func (v *Verifier) Verify(tokenStr string) (*Principal, error) {
	if v.cfg.AllowDebug && v.cfg.DebugToken != "" && tokenStr == v.cfg.DebugToken {
		return &Principal{Subject: "debug", Roles: []string{RoleAdmin, RoleDeployer}}, nil
	}
	if len(v.cfg.Secret) == 0 {
		return nil, errors.New("no signing secret configured")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	p := &Principal{Subject: claims.Subject, Roles: claims.Roles}
	if claims.Deployment != "" {
		id, err := uuid.Parse(claims.Deployment)
		if err != nil {
			return nil, fmt.Errorf("invalid deployment claim: %w", err)
		}
		p.DeploymentID = id
	}
	return p, nil
}

// Issue signs a token for subject with the given roles.
func (v *Verifier) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	return v.sign(Claims{Roles: roles}, subject, ttl)
}

// IssueRunnerToken signs a token that lets the dispatched process of
// deployment id fetch its plan and report its outcome.
func (v *Verifier) IssueRunnerToken(id uuid.UUID, ttl time.Duration) (string, error) {
	return v.sign(Claims{Roles: []string{RoleRunner}, Deployment: id.String()}, "runner:"+id.String(), ttl)
}

func (v *Verifier) sign(claims Claims, subject string, ttl time.Duration) (string, error) {
	if len(v.cfg.Secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	now := v.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.cfg.Secret)
}

// Middleware rejects requests without a valid bearer token and stores the
// Principal in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		p, err := v.Verify(strings.TrimSpace(authz[7:]))
		if err != nil {
			log.Printf("[auth] rejected token: %v", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAnyRole lets the request through when the principal has one of roles.
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := FromContext(r.Context())
			for _, role := range roles {
				if p.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
