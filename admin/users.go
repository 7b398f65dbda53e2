// Castellan - Keycloak Authentication and API-Key Management for Go Services
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

package admin

import (
	"context"
	"fmt"
	"strings"

	"github.com/castellan-io/castellan/auth"
	"github.com/castellan-io/castellan/internal/logging"
)

// UserService orchestrates user CRUD and role assignment through the
// admin client, translating between the normalized UserInfo and the
// Keycloak user representation.
type UserService struct {
	client *Client
}

// NewUserService creates a user service over an admin client.
func NewUserService(client *Client) *UserService {
	return &UserService{client: client}
}

// userInfoToKeycloakUser translates the normalized identity to the admin
// representation. Name is split on the first space into first/last name.
func userInfoToKeycloakUser(user *auth.UserInfo) *User {
	first, last := splitName(user.Name)

	ku := &User{
		Username:      user.Username,
		Email:         user.Email,
		FirstName:     first,
		LastName:      last,
		Enabled:       true,
		EmailVerified: user.Metadata["email_verified"] == "true",
	}
	if len(user.Metadata) > 0 {
		ku.Attributes = make(map[string][]string, len(user.Metadata))
		for k, v := range user.Metadata {
			if k == "email_verified" {
				continue
			}
			ku.Attributes[k] = []string{v}
		}
		if len(ku.Attributes) == 0 {
			ku.Attributes = nil
		}
	}
	return ku
}

// keycloakUserToUserInfo translates the admin representation back. The
// subset of fields both sides carry round-trips unchanged.
func keycloakUserToUserInfo(ku *User) *auth.UserInfo {
	user := &auth.UserInfo{
		ID:          ku.ID,
		Username:    ku.Username,
		Email:       ku.Email,
		Name:        joinName(ku.FirstName, ku.LastName),
		Roles:       []string{},
		Permissions: []string{},
	}

	metadata := make(map[string]string)
	if ku.EmailVerified {
		metadata["email_verified"] = "true"
	}
	for k, values := range ku.Attributes {
		if len(values) > 0 {
			metadata[k] = values[0]
		}
	}
	if len(metadata) > 0 {
		user.Metadata = metadata
	}
	return user
}

func splitName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	parts := strings.SplitN(name, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func joinName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}

// CreateUser creates the user and optionally sets an initial password.
// The returned identity carries the new Keycloak ID.
func (s *UserService) CreateUser(ctx context.Context, user *auth.UserInfo, password string) (*auth.UserInfo, error) {
	if user.Username == "" {
		return nil, fmt.Errorf("%w: username is required", auth.ErrMalformed)
	}

	id, err := s.client.CreateUser(ctx, userInfoToKeycloakUser(user))
	if err != nil {
		return nil, err
	}

	if password != "" {
		if err := s.client.ResetPassword(ctx, id, password, false); err != nil {
			// The account exists without credentials; surface the error
			// so the caller can retry the password step.
			return nil, fmt.Errorf("user %s created but password not set: %w", id, err)
		}
	}

	created := *user
	created.ID = id
	logging.Info().Str("user_id", id).Str("username", user.Username).Msg("user created")
	return &created, nil
}

// GetUser fetches a user by ID. Returns auth.ErrNotFound when absent.
func (s *UserService) GetUser(ctx context.Context, id string) (*auth.UserInfo, error) {
	ku, err := s.client.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ku == nil {
		return nil, fmt.Errorf("%w: user %s", auth.ErrNotFound, id)
	}
	return keycloakUserToUserInfo(ku), nil
}

// FindUsers searches users by username, email or name fragment.
func (s *UserService) FindUsers(ctx context.Context, query string, max int) ([]*auth.UserInfo, error) {
	kus, err := s.client.SearchUsers(ctx, query, max)
	if err != nil {
		return nil, err
	}

	users := make([]*auth.UserInfo, 0, len(kus))
	for _, ku := range kus {
		users = append(users, keycloakUserToUserInfo(ku))
	}
	return users, nil
}

// UpdateUser replaces the user's profile fields.
func (s *UserService) UpdateUser(ctx context.Context, user *auth.UserInfo) error {
	if user.ID == "" {
		return fmt.Errorf("%w: user ID is required", auth.ErrMalformed)
	}
	return s.client.UpdateUser(ctx, user.ID, userInfoToKeycloakUser(user))
}

// DeleteUser removes a user. Deleting an absent user succeeds.
func (s *UserService) DeleteUser(ctx context.Context, id string) error {
	return s.client.DeleteUser(ctx, id)
}

// SetPassword sets a permanent password for the user.
func (s *UserService) SetPassword(ctx context.Context, id, password string) error {
	return s.client.ResetPassword(ctx, id, password, false)
}

// AssignRealmRoles maps the named realm roles onto the user, resolving
// names to role representations first.
func (s *UserService) AssignRealmRoles(ctx context.Context, userID string, roleNames []string) error {
	roles, err := s.resolveRealmRoles(ctx, roleNames)
	if err != nil {
		return err
	}
	return s.client.AssignRealmRoles(ctx, userID, roles)
}

// RemoveRealmRoles unmaps the named realm roles from the user.
func (s *UserService) RemoveRealmRoles(ctx context.Context, userID string, roleNames []string) error {
	roles, err := s.resolveRealmRoles(ctx, roleNames)
	if err != nil {
		return err
	}
	return s.client.RemoveRealmRoles(ctx, userID, roles)
}

// AssignClientRoles maps the named roles of a client onto the user.
func (s *UserService) AssignClientRoles(ctx context.Context, userID, clientID string, roleNames []string) error {
	internalID, err := s.client.GetClientInternalID(ctx, clientID)
	if err != nil {
		return err
	}

	available, err := s.client.GetClientRoles(ctx, internalID)
	if err != nil {
		return err
	}
	roles, err := pickRoles(available, roleNames)
	if err != nil {
		return err
	}
	return s.client.AssignClientRoles(ctx, userID, internalID, roles)
}

// UserRoles lists the user's realm roles in normalized "realm:<name>" form.
func (s *UserService) UserRoles(ctx context.Context, userID string) ([]string, error) {
	roles, err := s.client.GetUserRealmRoles(ctx, userID)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, "realm:"+role.Name)
	}
	return names, nil
}

func (s *UserService) resolveRealmRoles(ctx context.Context, roleNames []string) ([]*Role, error) {
	available, err := s.client.GetRealmRoles(ctx)
	if err != nil {
		return nil, err
	}
	return pickRoles(available, roleNames)
}

// pickRoles selects the representations matching the requested names.
// An unknown name is an error so typos never silently no-op.
func pickRoles(available []*Role, names []string) ([]*Role, error) {
	byName := make(map[string]*Role, len(available))
	for _, role := range available {
		byName[role.Name] = role
	}

	roles := make([]*Role, 0, len(names))
	for _, name := range names {
		role, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: role %q", auth.ErrNotFound, name)
		}
		roles = append(roles, role)
	}
	return roles, nil
}
