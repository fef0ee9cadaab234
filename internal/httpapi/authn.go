package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"hadik.org/internal/admission"
	"hadik.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/login",
	"/v1/password",
	"/v1/invitations/validate",
	"/v1/invitations/accept",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		session, err := a.identity.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := identity.ContextWithSession(r.Context(), *session)
		ctx = identity.ContextWithToken(ctx, token)
		a.ctrl.TrackActivity(ctx, session.AccountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin resolves the caller's profile role and checks the
// user-management permission. It writes the error response itself and
// reports whether the caller may proceed.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) (identity.Session, bool) {
	session, ok := identity.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "no active session")
		return identity.Session{}, false
	}
	role, err := a.callerRole(r)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "no workspace profile")
		return identity.Session{}, false
	}
	allowed, err := a.ctrl.Can(r.Context(), role, admission.PermUserManagement)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "permission check failed")
		return identity.Session{}, false
	}
	if !allowed {
		writeError(w, r, http.StatusForbidden, "user management permission required")
		return identity.Session{}, false
	}
	return session, true
}

func (a *API) callerRole(r *http.Request) (admission.Role, error) {
	session, ok := identity.SessionFromContext(r.Context())
	if !ok {
		return "", identity.ErrNoSession
	}
	profile, err := a.ctrl.Profile(r.Context(), session.AccountID)
	if err != nil {
		return "", err
	}
	return profile.Role, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
