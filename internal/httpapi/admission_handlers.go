package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hadik.org/internal/admission"
	"hadik.org/internal/identity"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type decideRequest struct {
	Role string `json:"role"`
}

type inviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type acceptInviteRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type establishPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type roleChangeRequest struct {
	Role string `json:"role"`
}

type permissionsUpdateRequest struct {
	Grants map[string]bool `json:"grants"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ip := clientIP(r)
	decision, err := a.ctrl.Attempt(r.Context(), admission.AttemptRequest{
		Email:    req.Email,
		Password: req.Password,
		ClientIP: ip,
		Window:   a.windows.get(ip),
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "login attempt failed")
		return
	}

	code := http.StatusOK
	switch decision.Outcome {
	case admission.OutcomeAccountCreated:
		code = http.StatusCreated
	case admission.OutcomeJoinRequestSubmitted:
		code = http.StatusAccepted
	case admission.OutcomeAlreadyPending, admission.OutcomeAwaitingPassword:
		code = http.StatusAccepted
	case admission.OutcomeDenied:
		code = http.StatusForbidden
	case admission.OutcomeInvalidInput:
		code = http.StatusBadRequest
	case admission.OutcomeRateLimited:
		w.Header().Set("Retry-After", formatSeconds(decision.RetryAfter))
		code = http.StatusTooManyRequests
	}
	writeJSON(w, code, decision)
}

func (a *API) handleEstablishPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req establishPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := admission.ValidatePassword(req.Password); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	session, err := a.identity.VerifyEstablishToken(r.Context(), req.Token)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid or expired link")
		return
	}
	if err := a.identity.SetPassword(r.Context(), session, req.Password); err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not set password")
		return
	}
	fresh, err := a.identity.Authenticate(r.Context(), session.Email, req.Password)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not sign in")
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	session, ok := identity.SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "no active session")
		return
	}
	profile, err := a.ctrl.Profile(r.Context(), session.AccountID)
	if err != nil {
		handleAdmissionError(w, r, err)
		return
	}
	perms, err := a.ctrl.ResolvePermissions(r.Context(), profile.Role)
	if err != nil {
		handleAdmissionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":     profile,
		"permissions": perms,
	})
}

func (a *API) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	pending, err := a.ctrl.PendingRequests(r.Context())
	if err != nil {
		handleAdmissionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": pending})
}

func (a *API) handleRequestResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/requests/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	session, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	id := parts[0]
	switch parts[1] {
	case "accept":
		var req decideRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := admission.ParseRole(req.Role)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		decided, err := a.ctrl.Accept(r.Context(), id, session.Email, role)
		if err != nil {
			handleAdmissionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, decided)
	case "deny":
		decided, err := a.ctrl.Deny(r.Context(), id, session.Email)
		if err != nil {
			handleAdmissionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, decided)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleInvitations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.requireAdmin(w, r); !ok {
			return
		}
		invs, err := a.ctrl.Invitations(r.Context())
		if err != nil {
			handleAdmissionError(w, r, err)
			return
		}
		now := time.Now().UTC()
		out := make([]map[string]any, 0, len(invs))
		for _, inv := range invs {
			out = append(out, map[string]any{
				"id":         inv.ID,
				"email":      inv.Email,
				"role":       inv.Role,
				"invited_by": inv.InvitedBy,
				"status":     inv.StatusAt(now),
				"expires_at": inv.ExpiresAt,
				"created_at": inv.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"invitations": out})
	case http.MethodPost:
		session, ok := a.requireAdmin(w, r)
		if !ok {
			return
		}
		var req inviteRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := admission.ParseRole(req.Role)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		inv, err := a.ctrl.Invite(r.Context(), req.Email, session.Email, role)
		if err != nil {
			if errors.Is(err, admission.ErrNotificationFailed) {
				// Invitation is stored; surface the delivery failure.
				writeJSON(w, http.StatusCreated, map[string]any{
					"invitation": inv,
					"warning":    "invitation stored but the email could not be sent",
				})
				return
			}
			handleAdmissionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"invitation": inv})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleValidateInvitation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	check, err := a.ctrl.ValidateToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		handleAdmissionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (a *API) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req acceptInviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// The route is public, so the auth middleware never ran; surface a
	// bearer token here for invitees who are already signed in.
	ctx := r.Context()
	if bearer, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		ctx = identity.ContextWithToken(ctx, bearer)
	}
	session, err := a.ctrl.AcceptInvitation(ctx, req.Token, req.Password)
	if err != nil {
		handleAdmissionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *API) handleInvitationResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/invitations/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	session, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	if err := a.ctrl.CancelInvitation(r.Context(), id, session.Email); err != nil {
		handleAdmissionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	members, err := a.ctrl.Members(r.Context())
	if err != nil {
		handleAdmissionError(w, r, err)
		return
	}
	now := time.Now().UTC()
	out := make([]map[string]any, 0, len(members))
	for _, m := range members {
		out = append(out, map[string]any{
			"id":           m.ID,
			"email":        m.Email,
			"full_name":    m.FullName,
			"avatar_url":   m.AvatarURL,
			"role":         m.Role,
			"online":       m.Online(now),
			"last_seen_at": m.LastSeenAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": out})
}

func (a *API) handleMemberResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/members/"), "/")
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		session, ok := a.requireAdmin(w, r)
		if !ok {
			return
		}
		if err := a.ctrl.DeleteMember(r.Context(), parts[0], session.Email); err != nil {
			handleAdmissionError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "role":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w, r, http.MethodPatch)
			return
		}
		session, ok := a.requireAdmin(w, r)
		if !ok {
			return
		}
		var req roleChangeRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := admission.ParseRole(req.Role)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		profile, err := a.ctrl.ChangeRole(r.Context(), parts[0], session.Email, role)
		if err != nil {
			handleAdmissionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	matrix, err := a.ctrl.PermissionMatrix(r.Context())
	if err != nil {
		handleAdmissionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matrix": matrix})
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/permissions/"), "/")
	if raw == "" || strings.Contains(raw, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	session, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	role, err := admission.ParseRole(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req permissionsUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	grants := make(map[admission.Permission]bool, len(req.Grants))
	for k, v := range req.Grants {
		grants[admission.Permission(k)] = v
	}
	if err := a.ctrl.UpdateRolePermissions(r.Context(), role, grants, session.Email); err != nil {
		handleAdmissionError(w, r, err)
		return
	}
	resolved, err := a.ctrl.ResolvePermissions(r.Context(), role)
	if err != nil {
		handleAdmissionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "permissions": resolved})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			if n > 1000 {
				n = 1000
			}
			limit = n
		}
	}
	entries, err := a.ctrl.AuditTrail(r.Context(), limit)
	if err != nil {
		handleAdmissionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
