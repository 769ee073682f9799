package httpadapter

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// Identity is the caller a request acts for.
type Identity struct {
	OrganizationID string
	UserID         string
}

type IdentityResolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// SessionClaims is the payload of a docflow session token.
type SessionClaims struct {
	OrganizationID string `json:"org_id"`
	jwt.RegisteredClaims
}

// JWTAuthenticator resolves identities from HS256 session tokens carried as a
// bearer header, a session cookie or an access_token query parameter.
type JWTAuthenticator struct {
	secret     []byte
	cookieName string
}

func NewJWTAuthenticator(secret, cookieName string) *JWTAuthenticator {
	if cookieName == "" {
		cookieName = "docflow_session"
	}
	return &JWTAuthenticator{secret: []byte(secret), cookieName: cookieName}
}

func (a *JWTAuthenticator) Resolve(r *http.Request) (Identity, error) {
	raw := tokenFromRequest(r, a.cookieName)
	if raw == "" {
		return Identity{}, domain.WrapError(domain.ErrUnauthorized, "resolve identity", errors.New("missing token"))
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Identity{}, domain.WrapError(domain.ErrUnauthorized, "resolve identity", errors.New("invalid token"))
	}

	orgID := strings.TrimSpace(claims.OrganizationID)
	userID := strings.TrimSpace(claims.Subject)
	if orgID == "" || userID == "" {
		return Identity{}, domain.WrapError(domain.ErrUnauthorized, "resolve identity", errors.New("token has no organization or subject"))
	}
	return Identity{OrganizationID: orgID, UserID: userID}, nil
}

// Mint signs a session token for identity. Used by tooling and tests.
func (a *JWTAuthenticator) Mint(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		OrganizationID: identity.OrganizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func tokenFromRequest(r *http.Request, cookieName string) string {
	if hdr := strings.TrimSpace(r.Header.Get("Authorization")); hdr != "" {
		const bearerPrefix = "bearer "
		if len(hdr) > len(bearerPrefix) && strings.EqualFold(hdr[:len(bearerPrefix)], bearerPrefix) {
			return strings.TrimSpace(hdr[len(bearerPrefix):])
		}
	}
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	// Browsers cannot set headers on a websocket handshake.
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
