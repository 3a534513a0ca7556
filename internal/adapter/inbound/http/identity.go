package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/orgbridge/orgbridge/internal/domain/auth"
	"github.com/orgbridge/orgbridge/internal/port/outbound"
)

// DefaultUserHeader is the header a trusted front proxy sets to the signed-in
// user's ID.
const DefaultUserHeader = "X-Authenticated-User"

// IdentityProvider resolves the end user behind a browser request.
// Returns auth.ErrNoPrincipal when the request is anonymous.
type IdentityProvider interface {
	Identify(r *http.Request) (*auth.Principal, error)
}

// HeaderIdentity trusts a header set by an authenticating reverse proxy and
// resolves the user against the organization directory.
type HeaderIdentity struct {
	header    string
	directory outbound.OrganizationDirectory
}

// NewHeaderIdentity creates a HeaderIdentity. A nil directory accepts any
// non-empty user ID.
func NewHeaderIdentity(header string, directory outbound.OrganizationDirectory) *HeaderIdentity {
	if header == "" {
		header = DefaultUserHeader
	}
	return &HeaderIdentity{header: header, directory: directory}
}

// Identify implements IdentityProvider.
func (h *HeaderIdentity) Identify(r *http.Request) (*auth.Principal, error) {
	userID := strings.TrimSpace(r.Header.Get(h.header))
	if userID == "" {
		return nil, auth.ErrNoPrincipal
	}
	if h.directory == nil {
		return &auth.Principal{UserID: userID}, nil
	}

	member, err := h.directory.Lookup(r.Context(), userID)
	if errors.Is(err, outbound.ErrUserNotFound) {
		return nil, auth.ErrNoPrincipal
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return &auth.Principal{UserID: member.ID, Name: member.Name, Email: member.Email}, nil
}

var _ IdentityProvider = (*HeaderIdentity)(nil)
