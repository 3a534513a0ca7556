// Package directory provides a file-backed organization directory.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/orgbridge/orgbridge/internal/port/outbound"
)

// fileFormat is the on-disk YAML document.
//
//	users:
//	  - id: u-123
//	    name: Ada
//	    email: ada@example.com
//	    organizations: [org-a, org-b]
type fileFormat struct {
	Users []struct {
		ID            string   `yaml:"id"`
		Name          string   `yaml:"name"`
		Email         string   `yaml:"email"`
		Organizations []string `yaml:"organizations"`
	} `yaml:"users"`
}

// FileDirectory implements outbound.OrganizationDirectory from a YAML file.
// Reload re-reads the file; a failed reload keeps the previous snapshot.
type FileDirectory struct {
	path    string
	logger  *slog.Logger
	mu      sync.RWMutex
	members map[string]*outbound.Member
}

// NewFileDirectory loads the directory at path.
func NewFileDirectory(path string, logger *slog.Logger) (*FileDirectory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &FileDirectory{path: path, logger: logger.With("component", "directory")}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewStaticDirectory builds a directory from in-memory members. Reload is a
// no-op. Used by dev mode and tests.
func NewStaticDirectory(members ...outbound.Member) *FileDirectory {
	d := &FileDirectory{logger: slog.Default(), members: make(map[string]*outbound.Member, len(members))}
	for i := range members {
		m := members[i]
		d.members[m.ID] = &m
	}
	return d
}

// Reload re-reads the backing file.
func (d *FileDirectory) Reload() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read directory file: %w", err)
	}

	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse directory file: %w", err)
	}

	members := make(map[string]*outbound.Member, len(doc.Users))
	for _, u := range doc.Users {
		if u.ID == "" {
			return fmt.Errorf("parse directory file: user without id")
		}
		if _, dup := members[u.ID]; dup {
			return fmt.Errorf("parse directory file: duplicate user %q", u.ID)
		}
		members[u.ID] = &outbound.Member{
			ID:            u.ID,
			Name:          u.Name,
			Email:         u.Email,
			Organizations: slices.Clone(u.Organizations),
		}
	}

	d.mu.Lock()
	d.members = members
	d.mu.Unlock()

	d.logger.Debug("directory loaded", "path", d.path, "users", len(members))
	return nil
}

// Set replaces or adds a member. Intended for tests and admin tooling.
func (d *FileDirectory) Set(m outbound.Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m.Organizations = slices.Clone(m.Organizations)
	d.members[m.ID] = &m
}

// Lookup returns a copy of the member.
func (d *FileDirectory) Lookup(ctx context.Context, userID string) (*outbound.Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.members[userID]
	if !ok {
		return nil, outbound.ErrUserNotFound
	}
	c := *m
	c.Organizations = slices.Clone(m.Organizations)
	return &c, nil
}

// IsMember reports whether userID belongs to organizationID.
func (d *FileDirectory) IsMember(ctx context.Context, userID, organizationID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.members[userID]
	if !ok {
		return false, nil
	}
	return slices.Contains(m.Organizations, organizationID), nil
}

// Compile-time interface verification.
var _ outbound.OrganizationDirectory = (*FileDirectory)(nil)
