package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/isaaclee0/letmypeoplegrow-sub008/internal/errors"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/metrics"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/store"
	"go.uber.org/zap"
)

// Identity hint locations checked against the verified claims
const (
	TenantHintHeader = "X-Church-ID"
	UserHintHeader   = "X-User-ID"
	TenantHintQuery  = "church_id"
	UserHintQuery    = "user_id"
)

// Claims are the session token claims issued by the HTTP layer
type Claims struct {
	UserID   int64  `json:"user_id"`
	TenantID int64  `json:"church_id"`
	Role     string `json:"role"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

// KeySource resolves the verification key of a token
type KeySource struct {
	Keyfunc jwt.Keyfunc
	Methods []string
	close   func()
}

// Close releases background resources of the key source
func (k *KeySource) Close() {
	if k.close != nil {
		k.close()
	}
}

// NewHMACKeySource verifies HS256 tokens signed with a shared secret
func NewHMACKeySource(secret string) *KeySource {
	key := []byte(secret)
	return &KeySource{
		Keyfunc: func(t *jwt.Token) (interface{}, error) {
			return key, nil
		},
		Methods: []string{jwt.SigningMethodHS256.Alg()},
	}
}

// NewJWKSKeySource verifies asymmetric tokens against a JWKS endpoint that
// is refreshed in the background
func NewJWKSKeySource(ctx context.Context, jwksURL string, refresh time.Duration, logger *zap.Logger) (*KeySource, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   refresh,
		RefreshRateLimit:  time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.Error("JWKS refresh failed", zap.String("jwks_url", jwksURL), zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	logger.Info("JWKS loaded", zap.String("jwks_url", jwksURL))

	return &KeySource{
		Keyfunc: jwks.Keyfunc,
		Methods: []string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256"},
		close:   jwks.EndBackground,
	}, nil
}

// AuthOptions configures where credentials are read from
type AuthOptions struct {
	CookieName string
	QueryParam string
	Issuer     string
	Leeway     time.Duration
}

// AuthService verifies the credential presented on a handshake and binds
// the connection to an immutable identity
type AuthService struct {
	keys    *KeySource
	users   *UserService
	options AuthOptions
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAuthService creates a new authenticator
func NewAuthService(
	keys *KeySource,
	users *UserService,
	options AuthOptions,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AuthService {
	if options.CookieName == "" {
		options.CookieName = "token"
	}
	if options.QueryParam == "" {
		options.QueryParam = "token"
	}
	return &AuthService{
		keys:    keys,
		users:   users,
		options: options,
		metrics: m,
		logger:  logger,
	}
}

// Authenticate verifies the request credential, checks identity hints and
// confirms the user is active. It never mutates state.
func (s *AuthService) Authenticate(ctx context.Context, r *http.Request) (*model.Identity, error) {
	identity, err := s.authenticate(ctx, r)
	if err != nil {
		code := apperrors.GetCode(err)
		s.metrics.AuthRejections.WithLabelValues(string(code)).Inc()
		s.logger.Info("Connection rejected",
			zap.String("reason", string(code)),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Connection authenticated",
		zap.Int64("tenant_id", identity.TenantID),
		zap.Int64("user_id", identity.UserID),
		zap.String("remote_addr", r.RemoteAddr))
	return identity, nil
}

func (s *AuthService) authenticate(ctx context.Context, r *http.Request) (*model.Identity, error) {
	token := s.extractToken(r)
	if token == "" {
		return nil, apperrors.MissingCredential()
	}

	claims, err := s.VerifyToken(token)
	if err != nil {
		return nil, err
	}

	if err := checkHint(r, TenantHintHeader, TenantHintQuery, claims.TenantID, "church_id"); err != nil {
		return nil, err
	}
	if err := checkHint(r, UserHintHeader, UserHintQuery, claims.UserID, "user_id"); err != nil {
		return nil, err
	}

	return s.resolveUser(ctx, claims)
}

// AuthenticateBearer verifies an Authorization bearer token without hints
func (s *AuthService) AuthenticateBearer(ctx context.Context, r *http.Request) (*model.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, apperrors.MissingCredential()
	}
	claims, err := s.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	return s.resolveUser(ctx, claims)
}

// VerifyToken validates signature, expiry and required claims
func (s *AuthService) VerifyToken(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(s.keys.Methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.options.Leeway),
	}
	if s.options.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.options.Issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, s.keys.Keyfunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.InvalidCredential(err).WithDetail("expired", true)
		}
		return nil, apperrors.InvalidCredential(err)
	}
	if !parsed.Valid {
		return nil, apperrors.InvalidCredential(errors.New("token is not valid"))
	}
	if claims.UserID <= 0 || claims.TenantID <= 0 {
		return nil, apperrors.InvalidCredential(errors.New("token is missing user_id or church_id"))
	}
	return claims, nil
}

func (s *AuthService) resolveUser(ctx context.Context, claims *Claims) (*model.Identity, error) {
	user, err := s.users.GetUser(ctx, claims.TenantID, claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.UnknownUser(claims.TenantID, claims.UserID)
	}
	if err != nil {
		return nil, apperrors.StorageUnavailable("failed to look up user", err)
	}
	if !user.Active || user.TenantID != claims.TenantID {
		return nil, apperrors.UnknownUser(claims.TenantID, claims.UserID)
	}

	role := claims.Role
	if role == "" {
		role = user.Role
	}
	email := claims.Email
	if email == "" {
		email = user.Email
	}

	return &model.Identity{
		TenantID: claims.TenantID,
		UserID:   claims.UserID,
		Role:     role,
		Email:    email,
	}, nil
}

// extractToken reads the credential from cookie, bearer header or query, in that order
func (s *AuthService) extractToken(r *http.Request) string {
	if c, err := r.Cookie(s.options.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if token := bearerToken(r); token != "" {
		return token
	}
	return r.URL.Query().Get(s.options.QueryParam)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// checkHint rejects a handshake whose header or query hint disagrees with the claim
func checkHint(r *http.Request, header, query string, verified int64, field string) error {
	for _, hint := range []string{r.Header.Get(header), r.URL.Query().Get(query)} {
		if hint == "" {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(hint), 10, 64)
		if err != nil || id != verified {
			return apperrors.IdentityMismatch(field)
		}
	}
	return nil
}
