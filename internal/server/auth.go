package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nulpointcorp/contentgen-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// Roles carried in the token "role" claim.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
)

const identityKey = "identity"

// Claims are the JWT claims accepted by the API. The subject is the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the caller may use the admin endpoints.
func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

// Authenticator validates HS256 bearer tokens. With an empty secret it runs
// in development mode: the caller is named by X-User-ID and is an admin.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	a := &Authenticator{now: time.Now}
	if secret != "" {
		a.secret = []byte(secret)
	}
	return a
}

// DevMode reports whether tokens are not checked.
func (a *Authenticator) DevMode() bool { return len(a.secret) == 0 }

// IssueToken signs a token for userID with the given role and lifetime.
func (a *Authenticator) IssueToken(userID, role string, ttl time.Duration) (string, error) {
	if a.DevMode() {
		return "", errors.New("auth: no JWT secret configured")
	}
	if userID == "" {
		return "", errors.New("auth: user id is required")
	}
	if role != RoleAdmin && role != RoleEditor {
		return "", fmt.Errorf("auth: unknown role %q", role)
	}
	now := a.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses and verifies a token string.
func (a *Authenticator) Validate(token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, errors.New("invalid token")
	}
	role := claims.Role
	if role == "" {
		role = RoleEditor
	}
	return Identity{UserID: claims.Subject, Role: role}, nil
}

// Middleware authenticates every request except those for which public
// returns true, and stores the Identity on the request.
func (a *Authenticator) Middleware(public func(path string) bool) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if public(string(ctx.Path())) {
				next(ctx)
				return
			}

			if a.DevMode() {
				user := strings.TrimSpace(string(ctx.Request.Header.Peek("X-User-ID")))
				if user == "" {
					user = "anonymous"
				}
				ctx.SetUserValue(identityKey, Identity{UserID: user, Role: RoleAdmin})
				next(ctx)
				return
			}

			header := string(ctx.Request.Header.Peek("Authorization"))
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				apierr.Write(ctx, fasthttp.StatusUnauthorized,
					"missing bearer token", apierr.TypeAuthenticationErr, apierr.CodeInvalidToken)
				return
			}
			id, err := a.Validate(token)
			if err != nil {
				apierr.Write(ctx, fasthttp.StatusUnauthorized,
					"invalid or expired token", apierr.TypeAuthenticationErr, apierr.CodeInvalidToken)
				return
			}
			ctx.SetUserValue(identityKey, id)
			next(ctx)
		}
	}
}

// identity returns the caller stored by Middleware.
func identity(ctx *fasthttp.RequestCtx) Identity {
	id, _ := ctx.UserValue(identityKey).(Identity)
	return id
}

// adminOnly rejects callers without the admin role.
func adminOnly(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !identity(ctx).IsAdmin() {
			apierr.Write(ctx, fasthttp.StatusForbidden,
				"admin role required", apierr.TypePermissionErr, apierr.CodeForbidden)
			return
		}
		h(ctx)
	}
}
