package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/orgbridge/orgbridge/internal/ctxkey"
	"github.com/orgbridge/orgbridge/internal/domain/audit"
	"github.com/orgbridge/orgbridge/internal/domain/auth"
	"github.com/orgbridge/orgbridge/internal/domain/grant"
)

type grantsResponse struct {
	Grants []grant.Summary `json:"grants"`
}

type apiError struct {
	Error string `json:"error"`
}

// principal resolves the signed-in user, writing a plain 401 on failure.
func (t *HTTPTransport) principal(w http.ResponseWriter, r *http.Request) *auth.Principal {
	p, err := t.identity.Identify(r)
	if err != nil {
		if !errors.Is(err, auth.ErrNoPrincipal) {
			LoggerFromContext(r.Context()).Error("identity lookup failed", "error", err)
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil
	}
	return p
}

// handleListOwnGrants serves GET /api/grants for the settings UI.
func (t *HTTPTransport) handleListOwnGrants(w http.ResponseWriter, r *http.Request) {
	p := t.principal(w, r)
	if p == nil {
		return
	}
	t.writeGrants(w, r, p.UserID)
}

// handleRevokeOwnGrant serves POST /api/grants/{id}/revoke. Grants of other
// users are indistinguishable from missing ones.
func (t *HTTPTransport) handleRevokeOwnGrant(w http.ResponseWriter, r *http.Request) {
	p := t.principal(w, r)
	if p == nil {
		return
	}
	ctx := auth.WithPrincipal(r.Context(), p)
	err := t.authority.RevokeForUser(ctx, p.UserID, r.PathValue("id"))
	t.writeRevokeResult(w, r, err)
}

func (t *HTTPTransport) writeGrants(w http.ResponseWriter, r *http.Request, userID string) {
	grants, err := t.authority.ListGrants(r.Context(), userID)
	if err != nil {
		LoggerFromContext(r.Context()).Error("failed to list grants", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, grantsResponse{Grants: grants})
}

func (t *HTTPTransport) writeRevokeResult(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, grant.ErrGrantNotFound):
		writeJSON(w, http.StatusNotFound, apiError{Error: "grant not found"})
	default:
		LoggerFromContext(r.Context()).Error("failed to revoke grant", "error", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
	}
}

// adminKeyContextKey carries the verified *auth.AdminKey.
type adminKeyContextKey struct{}

// requireAdmin authenticates admin API keys from the Authorization header.
func (t *HTTPTransport) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeUnauthorized(w)
			return
		}
		key, err := t.adminKeys.Verify(r.Context(), raw)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidKey) {
				LoggerFromContext(r.Context()).Error("admin key verification failed", "error", err)
			}
			writeUnauthorized(w)
			return
		}
		logger := LoggerFromContext(r.Context()).With("admin_key", key.Name)
		ctx := r.Context()
		ctx = context.WithValue(ctx, adminKeyContextKey{}, key)
		ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func adminActor(r *http.Request) string {
	if key, ok := r.Context().Value(adminKeyContextKey{}).(*auth.AdminKey); ok {
		return "admin:" + key.Name
	}
	return "admin"
}

// handleAdminListGrants serves GET /admin/grants?user_id=.
func (t *HTTPTransport) handleAdminListGrants(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if err := t.validate.Var(userID, "required,max=256"); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "user_id is required"})
		return
	}
	t.writeGrants(w, r, userID)
}

type revokeGrantRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=128"`
}

// handleAdminRevokeGrant serves POST /admin/grants/{id}/revoke.
func (t *HTTPTransport) handleAdminRevokeGrant(w http.ResponseWriter, r *http.Request) {
	var req revokeGrantRequest
	if !t.decodeAdminBody(w, r, &req, true) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = audit.ReasonAdminRequest
	}
	err := t.authority.Revoke(r.Context(), r.PathValue("id"), reason, adminActor(r))
	t.writeRevokeResult(w, r, err)
}

type revokeMembershipRequest struct {
	UserID         string `json:"user_id" validate:"required,max=256"`
	OrganizationID string `json:"organization_id" validate:"required,max=256"`
	Reason         string `json:"reason" validate:"omitempty,max=128"`
}

type revokeMembershipResponse struct {
	Revoked int `json:"revoked"`
}

// handleAdminRevokeMembership serves POST /admin/memberships/revoke, the
// push half of membership cascade: the directory calls it when a user
// leaves an organization.
func (t *HTTPTransport) handleAdminRevokeMembership(w http.ResponseWriter, r *http.Request) {
	var req revokeMembershipRequest
	if !t.decodeAdminBody(w, r, &req, false) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = audit.ReasonMembershipRemoved
	}
	n, err := t.authority.RevokeMembership(r.Context(), req.UserID, req.OrganizationID, reason, adminActor(r))
	if err != nil {
		LoggerFromContext(r.Context()).Error("membership revocation incomplete",
			"user_id", req.UserID,
			"organization_id", req.OrganizationID,
			"revoked", n,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, revokeMembershipResponse{Revoked: n})
}

// decodeAdminBody decodes and validates a JSON body into v. An empty body
// is accepted when optional is set.
func (t *HTTPTransport) decodeAdminBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxTokenRequestSize)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		err = nil
	}
	if err == nil {
		err = t.validate.Struct(v)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return false
	}
	return true
}
