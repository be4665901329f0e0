package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/agentmesh/pkg/coreerr"
	"github.com/cuemby/agentmesh/pkg/storage"
	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// Claims is the JWT payload carried by every agentmesh session token.
type Claims struct {
	AgentName         string `json:"agent_name"`
	Role              string `json:"role"`
	PermissionBitmask uint64 `json:"perm"`
	jwt.RegisteredClaims
}

// AuthGate implements the session and authentication gate: it issues
// signed session tokens, validates them on every inbound operation, and
// enforces the per-role permission bitmask. The signing key is derived
// from the cluster ID the same way SecretsManager derives its encryption
// key, so no separate key distribution step is needed to stand up a
// single-cluster deployment.
type AuthGate struct {
	store      storage.Store
	signingKey []byte
	ttl        time.Duration
	limiter    *RateLimiter
}

// failureRatePerMinute and lockoutWindow bound how many failed
// Authenticate calls an identity may accrue before further failures are
// rejected outright as rate-limited: 10 failures per minute, refilling
// over a 5 minute window so a burst of bad tokens doesn't lock an agent
// out forever once it starts presenting a valid one again.
const (
	failureRatePerMinute = 10.0
	lockoutWindow        = 5 * time.Minute
)

// NewAuthGate builds an AuthGate whose HS256 signing key is
// SHA-256(clusterID), mirroring DeriveKeyFromClusterID's key material.
func NewAuthGate(store storage.Store, clusterID string, ttl time.Duration) *AuthGate {
	return &AuthGate{
		store:      store,
		signingKey: DeriveKeyFromClusterID(clusterID),
		ttl:        ttl,
		limiter:    NewRateLimiter(failureRatePerMinute/lockoutWindow.Seconds(), int(failureRatePerMinute)),
	}
}

// Issue mints a new session for agentName with role, persists it, and
// returns the signed bearer token along with the Session record.
func (g *AuthGate) Issue(agentName string, role types.Role) (string, *types.Session, error) {
	perms, ok := types.RolePermissions[role]
	if !ok {
		return "", nil, fmt.Errorf("unknown role %q: %w", role, coreerr.ErrUnauthorized)
	}
	if override, found, err := g.store.GetRolePermission(role); err == nil && found {
		perms = override
	}

	tokenID := ulid.Make().String()
	expiresAt := time.Now().Add(g.ttl)

	claims := &Claims{
		AgentName:         agentName,
		Role:              string(role),
		PermissionBitmask: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   agentName,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token: %w", err)
	}

	session := &types.Session{
		TokenID:           tokenID,
		AgentName:         agentName,
		Role:              role,
		PermissionBitmask: perms,
		ExpiresAt:         expiresAt,
	}
	if err := g.store.PutSession(session); err != nil {
		return "", nil, fmt.Errorf("failed to persist session: %w", err)
	}

	return signed, session, nil
}

// Authenticate validates a bearer token's signature and expiry, then
// checks the persisted session hasn't been revoked. It returns the
// current Session record, which callers use for authorization checks.
func (g *AuthGate) Authenticate(bearerToken string) (*types.Session, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(bearerToken, claims, func(t *jwt.Token) (interface{}, error) {
		return g.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, g.authFailure(claims, fmt.Errorf("session token expired: %w", coreerr.ErrExpiredToken))
		}
		return nil, g.authFailure(claims, fmt.Errorf("malformed session token: %w", coreerr.ErrInvalidToken))
	}
	if !token.Valid {
		return nil, g.authFailure(claims, fmt.Errorf("invalid session token: %w", coreerr.ErrInvalidToken))
	}

	session, err := g.store.GetSession(claims.ID)
	if err != nil {
		return nil, g.authFailure(claims, fmt.Errorf("unknown session %s: %w", claims.ID, coreerr.ErrInvalidToken))
	}
	if session.Revoked {
		return nil, g.authFailure(claims, fmt.Errorf("session %s revoked: %w", claims.ID, coreerr.ErrRevoked))
	}
	if !session.Valid(time.Now()) {
		return nil, g.authFailure(claims, fmt.Errorf("session %s expired: %w", claims.ID, coreerr.ErrExpiredToken))
	}

	return session, nil
}

// authFailure records a failed authentication attempt against the
// identity claimed by the presented token (falling back to a shared
// "unknown" bucket when the token didn't even parse far enough to carry
// a subject) and, once that identity has exhausted its failure budget,
// returns ErrRateLimited in place of the original error.
func (g *AuthGate) authFailure(claims *Claims, cause error) error {
	identity := claims.Subject
	if identity == "" {
		identity = "unknown"
	}
	if err := g.limiter.Check(identity); err != nil {
		return fmt.Errorf("too many failed authentication attempts for %s: %w", identity, coreerr.ErrRateLimited)
	}
	return cause
}

// Authorize checks that session carries perm in its permission bitmask.
func (g *AuthGate) Authorize(session *types.Session, perm uint64) error {
	if !session.Permits(perm) {
		return fmt.Errorf("agent %s lacks required permission: %w", session.AgentName, coreerr.ErrUnauthorized)
	}
	return nil
}

// Revoke marks a session revoked ahead of its natural expiry, used when an
// agent deregisters or an operator force-evicts it.
func (g *AuthGate) Revoke(tokenID string) error {
	if err := g.store.RevokeSession(tokenID); err != nil {
		return fmt.Errorf("failed to revoke session %s: %w", tokenID, err)
	}
	return nil
}

// CleanupExpired deletes every session whose expiry falls before the
// start of the current second (the store compares whole Unix seconds)
// and returns how many were removed. Invoked on the cron schedule set up by
// NewCleanupScheduler.
func (g *AuthGate) CleanupExpired() (int, error) {
	return g.store.DeleteExpiredSessions(time.Now().Unix())
}
