// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"time"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("credential expired")
	ErrRevokedCredential = errors.New("credential revoked")
	ErrUnknownUser       = errors.New("unknown user or wrong password")
	ErrEmptySecret       = errors.New("jwt secret is empty")
	ErrMissingCredential = errors.New("missing credential")
)

// Role is a named group an identity belongs to.
type Role struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// Identity is the decoded caller attached to a signed-in session.
type Identity struct {
	ID       string    `json:"_id"`
	Name     string    `json:"name"`
	Username string    `json:"username"`
	Roles    []Role    `json:"roles,omitempty"`
	TokenID  string    `json:"-"`
	Expires  time.Time `json:"-"`
}

// IsRoot reports whether the identity is the root user or an admin.
func (i *Identity) IsRoot() bool {
	if i == nil {
		return false
	}
	return i.ID == RootID || i.HasRole(AdminsRoleID)
}

// HasRole reports whether the identity is a member of role id.
func (i *Identity) HasRole(id string) bool {
	for _, r := range i.Roles {
		if r.ID == id {
			return true
		}
	}
	return false
}

// ExpiresWithin reports whether the credential backing this identity
// expires within d of now.
func (i *Identity) ExpiresWithin(now time.Time, d time.Duration) bool {
	if i == nil || i.Expires.IsZero() {
		return false
	}
	return i.Expires.Sub(now) <= d
}

// Credentials validates and issues credentials.
type Credentials interface {
	ValidateCredential(ctx context.Context, token string) (*Identity, error)
	IssueCredential(ctx context.Context, id *Identity, ttl time.Duration) (string, error)
}

// Users resolves username and password sign-ins.
type Users interface {
	Authenticate(ctx context.Context, username, password string) (*Identity, error)
}

// User is one statically configured account.
type User struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Roles    []string `yaml:"roles"`
}

// StaticUsers is an in-memory user table populated from configuration.
type StaticUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

var _ Users = (*StaticUsers)(nil)

// NewStaticUsers indexes users by username.
func NewStaticUsers(users []User) *StaticUsers {
	s := &StaticUsers{users: make(map[string]User, len(users))}
	for _, u := range users {
		s.users[u.Username] = u
	}
	return s
}

// Authenticate checks the password in constant time.
func (s *StaticUsers) Authenticate(_ context.Context, username, password string) (*Identity, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok || subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
		return nil, ErrUnknownUser
	}

	id := &Identity{ID: u.ID, Name: u.Name, Username: u.Username}
	if id.ID == "" {
		id.ID = u.Username
	}
	if id.Name == "" {
		id.Name = u.Username
	}
	for _, r := range u.Roles {
		id.Roles = append(id.Roles, Role{ID: r, Name: r})
	}
	return id, nil
}
