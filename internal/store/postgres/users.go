package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gigport/messaging-sync/internal/model"
)

// onlineWindow is how recently a user must have been seen to count as
// online. Presence is derived, never stored.
const onlineWindow = 2 * time.Minute

// GetUserRole resolves a user's marketplace role.
func (g *Gateway) GetUserRole(ctx context.Context, userID string) (model.Role, error) {
	defer observe("get_user_role", time.Now())

	var role model.Role
	err := g.pool.QueryRow(ctx, `
        SELECT role FROM users WHERE id = $1
    `, userID).Scan(&role)
	if err != nil {
		return "", fmt.Errorf("failed to resolve role for user %s: %w", userID, err)
	}
	return role, nil
}

// GetUserProfile loads the minimal profile projection, or nil when the
// user does not exist.
func (g *Gateway) GetUserProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	defer observe("get_user_profile", time.Now())

	var p model.UserProfile
	err := g.pool.QueryRow(ctx, `
        SELECT id, username, COALESCE(full_name, ''), COALESCE(avatar_url, ''), role
        FROM users
        WHERE id = $1
    `, userID).Scan(&p.ID, &p.Username, &p.FullName, &p.AvatarURL, &p.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	return &p, nil
}
