package app

import (
	"context"
	"fmt"
	"strings"

	"coursehub/pkg/domain"
)

// UserInput is a directory update pushed by the identity service.
type UserInput struct {
	FirstName string
	LastName  string
	Role      string
}

// ResolveUser maps an authenticated subject to a known user. Subjects the
// directory has never seen are treated as unauthenticated.
func (a *App) ResolveUser(ctx context.Context, userID string) (domain.User, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.User{}, ErrUnauthorized
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("%w: unknown user", ErrUnauthorized)
	}
	return user, nil
}

// UpsertUser creates or refreshes the local replica of a user.
func (a *App) UpsertUser(ctx context.Context, userID string, in UserInput) (domain.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.User{}, fmt.Errorf("%w: user id required", ErrInvalidArgument)
	}
	first := strings.TrimSpace(in.FirstName)
	last := strings.TrimSpace(in.LastName)
	if first == "" || last == "" {
		return domain.User{}, fmt.Errorf("%w: firstName and lastName are required", ErrInvalidArgument)
	}
	role, ok := parseUserRole(in.Role)
	if !ok {
		return domain.User{}, fmt.Errorf("%w: role must be student, teacher or admin", ErrInvalidArgument)
	}
	now := a.now()
	user := domain.User{
		ID:        userID,
		FirstName: first,
		LastName:  last,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	existing, found, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if found {
		user.CreatedAt = existing.CreatedAt
	}
	if err := a.store.SaveUser(ctx, user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

func parseUserRole(role string) (domain.UserRole, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case string(domain.RoleStudent):
		return domain.RoleStudent, true
	case string(domain.RoleTeacher):
		return domain.RoleTeacher, true
	case string(domain.RoleAdmin):
		return domain.RoleAdmin, true
	default:
		return "", false
	}
}
