package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/authz"
	"github.com/xenking/pos-engine/pkg/httpmiddleware"
)

// HeaderGrant carries a manager or administrator authorization grant.
const HeaderGrant = "X-Authorization-Grant"

// Token kinds.
const (
	KindAccess = "access"
	KindGrant  = "grant"
)

var errUnauthenticated = errors.New("unauthenticated")

// Claims are the JWT claims of access tokens and grants. For a grant the
// subject is the grantor; Actor optionally binds it to one principal.
type Claims struct {
	Role  string `json:"role"`
	Kind  string `json:"kind"`
	Actor string `json:"act,omitempty"`
	jwt.RegisteredClaims
}

// SecurityHandler authenticates requests with HS256 bearer tokens and
// resolves optional authorization grants.
type SecurityHandler struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewSecurityHandler creates a SecurityHandler. An empty issuer accepts
// tokens from any issuer.
func NewSecurityHandler(secret []byte, issuer string) *SecurityHandler {
	return &SecurityHandler{
		secret: secret,
		issuer: issuer,
		now:    time.Now,
	}
}

func (s *SecurityHandler) parse(raw, kind string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var c Claims
	if _, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...); err != nil {
		return nil, err
	}
	if c.Kind != kind {
		return nil, errors.Errorf("token kind %q", c.Kind)
	}
	if c.Subject == "" {
		return nil, errors.New("missing subject")
	}
	return &c, nil
}

// Authenticate resolves the principal of r.
func (s *SecurityHandler) Authenticate(r *http.Request) (authz.Principal, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return authz.Principal{}, errors.Wrap(errUnauthenticated, "missing bearer token")
	}
	c, err := s.parse(raw, KindAccess)
	if err != nil {
		return authz.Principal{}, errors.Wrap(errUnauthenticated, "invalid bearer token")
	}
	role, err := authz.ParseRole(c.Role)
	if err != nil {
		return authz.Principal{}, errors.Wrap(errUnauthenticated, "invalid role")
	}
	p := authz.Principal{ActorID: c.Subject, Role: role}

	if rawGrant := r.Header.Get(HeaderGrant); rawGrant != "" {
		g, err := s.parse(rawGrant, KindGrant, jwt.WithExpirationRequired())
		if err != nil {
			return authz.Principal{}, errors.Wrap(errUnauthenticated, "invalid authorization grant")
		}
		if g.Actor != "" && g.Actor != p.ActorID {
			return authz.Principal{}, errors.Wrap(errUnauthenticated, "authorization grant issued to another actor")
		}
		grantorRole, err := authz.ParseRole(g.Role)
		if err != nil {
			return authz.Principal{}, errors.Wrap(errUnauthenticated, "invalid grantor role")
		}
		p.Grant = &authz.Grant{
			GrantorID:   g.Subject,
			GrantorRole: grantorRole,
			ExpiresAt:   g.ExpiresAt.Time,
		}
	}
	return p, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal and the client address in the request context.
func (s *SecurityHandler) Middleware() httpmiddleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := s.Authenticate(r)
			if err != nil {
				fail(w, r, err)
				return
			}
			ctx := withPrincipal(r.Context(), p)
			ctx = audit.WithRemoteAddr(ctx, httpmiddleware.ClientIP(r))
			ctx = zctx.With(ctx, zap.String("actor", p.ActorID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p authz.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated principal.
func PrincipalFrom(ctx context.Context) (authz.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(authz.Principal)
	return p, ok
}

// ActorKey keys rate limiting by authenticated actor, falling back to the
// client address.
func ActorKey(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok {
		return "actor:" + p.ActorID
	}
	return "ip:" + httpmiddleware.ClientIP(r)
}
