// Package outbound defines the outbound port interfaces for collaborators
// that live outside this service.
package outbound

import (
	"context"
	"errors"
)

// ErrUserNotFound is returned when the directory has no such user.
var ErrUserNotFound = errors.New("user not found")

// Member describes a user as known to the organization directory.
type Member struct {
	ID            string
	Name          string
	Email         string
	Organizations []string
}

// OrganizationDirectory is the outbound port to the system of record for
// users and their organization memberships.
type OrganizationDirectory interface {
	// Lookup returns the user with the given ID, or ErrUserNotFound.
	Lookup(ctx context.Context, userID string) (*Member, error)

	// IsMember reports whether the user currently belongs to the organization.
	IsMember(ctx context.Context, userID, organizationID string) (bool, error)
}
