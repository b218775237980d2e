// Package model defines the core domain types shared across the Uderia server:
// users, profiles, prompts and their mappings, knowledge collections, and the
// plugin settings rows, plus the HTTP API envelopes.
package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// UserRole determines what a caller may do. Roles form a strict hierarchy:
// reader < user < admin.
type UserRole string

const (
	RoleReader UserRole = "reader"
	RoleUser   UserRole = "user"
	RoleAdmin  UserRole = "admin"
)

// roleRank maps roles to their position in the hierarchy.
var roleRank = map[UserRole]int{
	RoleReader: 0,
	RoleUser:   1,
	RoleAdmin:  2,
}

// RoleAtLeast reports whether role has at least the privileges of min.
// Unknown roles rank below reader.
func RoleAtLeast(role, min UserRole) bool {
	r, ok := roleRank[role]
	if !ok {
		return false
	}
	m, ok := roleRank[min]
	if !ok {
		return false
	}
	return r >= m
}

// ValidRole reports whether a role string is one of the known roles.
func ValidRole(role UserRole) bool {
	_, ok := roleRank[role]
	return ok
}

// LicenseTier is the license level attached to a user account. Tier names
// are fixed by the licensing scheme; see the license package for the gate.
type LicenseTier string

const (
	TierStandard       LicenseTier = "standard"
	TierPromptEngineer LicenseTier = "prompt_engineer"
	TierEnterprise     LicenseTier = "enterprise"
)

// User is a registered account in the auth store.
type User struct {
	ID           uuid.UUID   `json:"id"`
	Username     string      `json:"username"`
	Role         UserRole    `json:"role"`
	Tier         LicenseTier `json:"tier"`
	CredHash     *string     `json:"-"` // Argon2id credential hash; never serialized.
	IsActive     bool        `json:"is_active"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	LastLoginAt  *time.Time  `json:"last_login_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._@-]{1,127}$`)

// ValidateUsername checks username format: 2-128 chars, alphanumeric start,
// then alphanumerics plus . _ @ -.
func ValidateUsername(name string) error {
	if !usernameRe.MatchString(name) {
		return fmt.Errorf("invalid username %q: must be 2-128 chars, start alphanumeric", name)
	}
	return nil
}
