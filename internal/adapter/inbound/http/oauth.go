package http

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/orgbridge/orgbridge/internal/domain/auth"
	"github.com/orgbridge/orgbridge/internal/domain/ratelimit"
	"github.com/orgbridge/orgbridge/internal/service"
)

// maxTokenRequestSize caps token endpoint bodies.
const maxTokenRequestSize = 64 << 10

// errTemporarilyUnavailable is the OAuth error code for rate-limited requests.
const errTemporarilyUnavailable = "temporarily_unavailable"

type authorizeParams struct {
	OrganizationID string `validate:"required,max=256"`
	ClientName     string `validate:"required,max=256"`
	State          string `validate:"max=1024"`
}

// handleAuthorize serves GET /oauth/authorize. The end user has already
// been authenticated upstream; errors after the redirect target is known
// are reported to the client through the redirect.
func (t *HTTPTransport) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	logger := LoggerFromContext(r.Context())
	q := r.URL.Query()

	redirectURI := q.Get("redirect_uri")
	if err := t.validate.Var(redirectURI, "required,http_url,max=2048"); err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil || target.Fragment != "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	principal, err := t.identity.Identify(r)
	if err != nil {
		if !errors.Is(err, auth.ErrNoPrincipal) {
			logger.Error("identity lookup failed", "error", err)
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := auth.WithPrincipal(r.Context(), principal)

	params := authorizeParams{
		OrganizationID: q.Get("organization_id"),
		ClientName:     q.Get("client_name"),
		State:          q.Get("state"),
	}
	if err := t.validate.Struct(params); err != nil {
		redirectWith(w, r, target, params.State, "error", string(service.CodeInvalidRequest))
		return
	}

	req := service.AuthorizeRequest{
		UserID:         principal.UserID,
		OrganizationID: params.OrganizationID,
		ClientName:     params.ClientName,
		RedirectURI:    redirectURI,
	}

	if q.Get("decision") == "deny" {
		t.authority.Deny(ctx, req)
		redirectWith(w, r, target, params.State, "error", string(service.CodeAccessDenied))
		return
	}

	code, err := t.authority.IssueCode(ctx, req)
	if err != nil {
		if _, limited := service.AsRateLimitError(err); limited {
			t.metrics.RateLimitedTotal.WithLabelValues(string(ratelimit.ActionAuthorize)).Inc()
			redirectWith(w, r, target, params.State, "error", errTemporarilyUnavailable)
			return
		}
		errCode := service.CodeServerError
		if ae, ok := service.AsAuthError(err); ok {
			errCode = ae.Code
		}
		if errCode == service.CodeServerError {
			logger.Error("authorization failed", "error", err)
		}
		redirectWith(w, r, target, params.State, "error", string(errCode))
		return
	}

	redirectWith(w, r, target, params.State, "code", code)
}

// redirectWith redirects to target with key=value (and state, if any)
// added to its query.
func redirectWith(w http.ResponseWriter, r *http.Request, target *url.URL, state, key, value string) {
	u := *target
	q := u.Query()
	q.Set(key, value)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, u.String(), http.StatusFound)
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// handleToken serves POST /oauth/token for the authorization_code and
// refresh_token grant types.
func (t *HTTPTransport) handleToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	req, err := parseTokenRequest(w, r)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, string(service.CodeInvalidRequest), "malformed request body")
		return
	}

	meta := service.ClientMeta{
		IPAddress: ClientIP(r.Context()),
		UserAgent: r.UserAgent(),
	}

	var pair *service.TokenPair
	switch req.GrantType {
	case "authorization_code":
		if req.Code == "" {
			writeOAuthError(w, http.StatusBadRequest, string(service.CodeInvalidRequest), "code is required")
			return
		}
		pair, err = t.authority.ExchangeCode(r.Context(), req.Code, req.RedirectURI, meta)
	case "refresh_token":
		if req.RefreshToken == "" {
			writeOAuthError(w, http.StatusBadRequest, string(service.CodeInvalidRequest), "refresh_token is required")
			return
		}
		pair, err = t.authority.Refresh(r.Context(), req.RefreshToken, meta)
	case "":
		writeOAuthError(w, http.StatusBadRequest, string(service.CodeInvalidRequest), "grant_type is required")
		return
	default:
		writeOAuthError(w, http.StatusBadRequest, string(service.CodeUnsupportedGrantType), "")
		return
	}
	if err != nil {
		t.writeAuthorityError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
	})
}

func parseTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTokenRequestSize)
	defer func() { _ = r.Body.Close() }()

	var req tokenRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err := json.NewDecoder(r.Body).Decode(&req)
		return req, err
	}

	if err := r.ParseForm(); err != nil {
		return req, err
	}
	req.GrantType = r.PostForm.Get("grant_type")
	req.Code = r.PostForm.Get("code")
	req.RedirectURI = r.PostForm.Get("redirect_uri")
	req.RefreshToken = r.PostForm.Get("refresh_token")
	return req, nil
}

// writeAuthorityError maps authority failures onto token endpoint responses.
// Descriptions come from AuthError only; wrapped causes are logged.
func (t *HTTPTransport) writeAuthorityError(w http.ResponseWriter, r *http.Request, err error) {
	if rl, ok := service.AsRateLimitError(err); ok {
		t.metrics.RateLimitedTotal.WithLabelValues(string(rl.Action)).Inc()
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds()))
		writeOAuthError(w, http.StatusTooManyRequests, errTemporarilyUnavailable, "too many requests")
		return
	}

	ae, ok := service.AsAuthError(err)
	if !ok || ae.Code == service.CodeServerError {
		LoggerFromContext(r.Context()).Error("token request failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, string(service.CodeServerError), "internal error")
		return
	}
	writeOAuthError(w, http.StatusBadRequest, string(ae.Code), ae.Description)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, oauthError{Error: code, Description: description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
