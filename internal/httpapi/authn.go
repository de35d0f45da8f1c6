package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
	"warden.dev/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	// statusClientClosedRequest is recorded when the caller went away
	// before authentication finished.
	statusClientClosedRequest = 499
)

// IdentityResolver turns a bearer token into an identity.
type IdentityResolver interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// Authenticator attaches an identity to every request. Whitelisted paths and
// CORS preflights get the anonymous identity.
type Authenticator struct {
	resolver  IdentityResolver
	whitelist map[string]struct{}
	logger    *zap.Logger
}

func NewAuthenticator(resolver IdentityResolver, whitelist []string, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := make(map[string]struct{}, len(whitelist))
	for _, p := range whitelist {
		if p = strings.TrimSpace(p); p != "" {
			set[p] = struct{}{}
		}
	}
	return &Authenticator{resolver: resolver, whitelist: set, logger: logger}
}

// Whitelisted reports whether path skips authentication.
func (a *Authenticator) Whitelisted(path string) bool {
	_, ok := a.whitelist[path]
	return ok
}

func (a *Authenticator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || a.Whitelisted(r.URL.Path) {
			ctx := auth.ContextWithIdentity(r.Context(), auth.AnonymousIdentity())
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			obs.ObserveAuthnFailure("missing_token")
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		id, err := a.resolver.Authenticate(r.Context(), token)
		if err != nil {
			switch {
			case r.Context().Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
				w.WriteHeader(statusClientClosedRequest)
			case auth.IsUnauthenticated(err):
				obs.ObserveAuthnFailure(failureReason(err))
				writeError(w, http.StatusUnauthorized, "not authenticated")
			default:
				a.logger.Error("authentication failed",
					zap.Error(err),
					zap.String("request_id", audit.RequestIDFromContext(r.Context())),
					zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenWrongType):
		return "wrong_token_type"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, auth.ErrTokenInvalid):
		return "invalid_token"
	default:
		return "unknown_user"
	}
}

// require guards h with a permission requirement.
func (a *API) require(req auth.Requirement, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		if id.Anonymous {
			if !a.authn.Whitelisted(r.URL.Path) {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			h(w, r)
			return
		}
		decision := auth.Authorize(id.User, req)
		obs.ObserveAuthz(decision.String(), req.String())
		if decision != auth.Allow {
			_ = a.audit.Event(r.Context(), audit.AccessDenied,
				zap.String("permission", req.String()),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path))
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	})
}

// requireIdentity only demands an authenticated caller.
func (a *API) requireIdentity(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok || id.Anonymous || id.User == nil {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		h(w, r)
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
