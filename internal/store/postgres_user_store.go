package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresUserStore implements UserStore for PostgreSQL
type PostgresUserStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresUserStore creates a user store on an existing pool
func NewPostgresUserStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresUserStore {
	return &PostgresUserStore{
		pool:   pool,
		logger: logger,
	}
}

// GetUser retrieves an account scoped to its tenant
func (s *PostgresUserStore) GetUser(ctx context.Context, tenantID, userID int64) (*model.User, error) {
	query := `
		SELECT id, church_id, email, role, is_active
		FROM users
		WHERE id = $1 AND church_id = $2
	`

	var user model.User
	err := s.pool.QueryRow(ctx, query, userID, tenantID).Scan(
		&user.ID,
		&user.TenantID,
		&user.Email,
		&user.Role,
		&user.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}
