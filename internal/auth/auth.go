// Package auth verifies bearer tokens issued by the configured OpenID Connect
// provider and enforces the read and write scopes of the API.
package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/coreos/go-oidc"
	"github.com/labstack/echo/v4"

	"backupflow/backend/internal/config"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string
	Email   string
	Scopes  []string
}

// HasScope reports whether the principal was granted scope.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by the middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

var devPrincipal = Principal{Subject: "dev", Email: "dev@localhost", Scopes: AllScopes}

// Auth verifies access tokens.
type Auth struct {
	verifier   *oidc.IDTokenVerifier
	logger     Logger
	authBypass bool
}

// New creates a new Auth object using values from the application
// configuration. Outside bypass mode it discovers the provider so that
// token signatures can be checked against its published keys.
func New(ctx context.Context, cfg *config.Config, logger Logger) (*Auth, error) {
	shouldBypass := cfg.Environment == "development" && cfg.Auth.DevModeBypass
	if shouldBypass {
		return &Auth{logger: logger, authBypass: true}, nil
	}

	if cfg.Auth.Issuer == "" {
		return nil, errors.New("auth configuration is incomplete: issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}

	// Access tokens often carry an API audience rather than the client id.
	oc := &oidc.Config{ClientID: cfg.Auth.ClientID, SkipClientIDCheck: cfg.Auth.ClientID == ""}
	return &Auth{verifier: provider.Verifier(oc), logger: logger}, nil
}

// NewWithVerifier builds an Auth around an existing verifier.
func NewWithVerifier(v *oidc.IDTokenVerifier, logger Logger) *Auth {
	return &Auth{verifier: v, logger: logger}
}

// Bypassed reports whether requests are served without verification.
func (a *Auth) Bypassed() bool { return a.authBypass }

// RequireAuth is middleware that rejects requests without a valid bearer
// token and stores the caller's Principal in the request context.
func (a *Auth) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		p := devPrincipal
		if !a.authBypass {
			var err error
			p, err = a.verify(c.Request())
			if err != nil {
				if a.logger != nil {
					a.logger.Debug("rejected request", "path", c.Path(), "error", err)
				}
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="backupflow"`)
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token: "+err.Error())
			}
		}

		req := c.Request()
		c.SetRequest(req.WithContext(WithPrincipal(req.Context(), p)))
		return next(c)
	}
}

// RequireScope is middleware that rejects principals lacking scope. It must
// run after RequireAuth.
func RequireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFrom(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
			}
			if !p.HasScope(scope) {
				return echo.NewHTTPError(http.StatusForbidden, "missing scope "+scope)
			}
			return next(c)
		}
	}
}

func (a *Auth) verify(r *http.Request) (Principal, error) {
	header := r.Header.Get(echo.HeaderAuthorization)
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return Principal{}, errors.New("missing bearer token")
	}

	token, err := a.verifier.Verify(r.Context(), raw)
	if err != nil {
		return Principal{}, err
	}

	var claims struct {
		Email string   `json:"email"`
		Scope string   `json:"scope"`
		Scp   []string `json:"scp"`
	}
	if err := token.Claims(&claims); err != nil {
		return Principal{}, errors.New("failed to parse token claims")
	}

	scopes := strings.Fields(claims.Scope)
	for _, s := range claims.Scp {
		if !slices.Contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}
	return Principal{Subject: token.Subject, Email: claims.Email, Scopes: scopes}, nil
}
