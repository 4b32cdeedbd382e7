package service

import (
	"context"
	"fmt"
	"time"

	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/store"
	"go.uber.org/zap"
)

// UserService resolves accounts for the authenticator, using a short-lived cache
type UserService struct {
	userStore store.UserStore
	cache     store.Cache
	cacheTTL  time.Duration
	logger    *zap.Logger
}

// NewUserService creates a new user service
func NewUserService(
	userStore store.UserStore,
	cache store.Cache,
	cacheTTL time.Duration,
	logger *zap.Logger,
) *UserService {
	return &UserService{
		userStore: userStore,
		cache:     cache,
		cacheTTL:  cacheTTL,
		logger:    logger,
	}
}

// GetUser retrieves a user, using cache if available
func (s *UserService) GetUser(ctx context.Context, tenantID, userID int64) (*model.User, error) {
	cacheKey := s.userCacheKey(tenantID, userID)
	if s.cache != nil && s.cacheTTL > 0 {
		if cached, err := s.cache.Get(ctx, cacheKey); err == nil && cached != nil {
			if user, ok := cached.(*model.User); ok {
				return user, nil
			}
		}
	}

	user, err := s.userStore.GetUser(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}

	if s.cache != nil && s.cacheTTL > 0 {
		if err := s.cache.Set(ctx, cacheKey, user, s.cacheTTL); err != nil {
			s.logger.Warn("Failed to cache user",
				zap.Int64("tenant_id", tenantID),
				zap.Int64("user_id", userID),
				zap.Error(err))
		}
	}

	return user, nil
}

// Invalidate drops a cached user, e.g. after deactivation
func (s *UserService) Invalidate(ctx context.Context, tenantID, userID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.userCacheKey(tenantID, userID)); err != nil {
		s.logger.Warn("Failed to invalidate user cache",
			zap.Int64("tenant_id", tenantID),
			zap.Int64("user_id", userID),
			zap.Error(err))
	}
}

// userCacheKey generates a cache key for a user
func (s *UserService) userCacheKey(tenantID, userID int64) string {
	return fmt.Sprintf("user:%d:%d", tenantID, userID)
}
