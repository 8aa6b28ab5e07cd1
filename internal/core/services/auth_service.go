package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/pkg/cache"
	"meetrelay/pkg/utils"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// accessTokenType is the token_type claim of access tokens issued by the
// meeting backend. Refresh tokens must not open sessions.
const accessTokenType = "access"

type Claims struct {
	UserID    domain.UserID `json:"user_id"`
	Username  string        `json:"username,omitempty"`
	TokenType string        `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// JWTIdentityResolver validates HS256 access tokens shared with the meeting
// backend. Tokens that carry only user_id get their username from the user
// directory, cached for a while since it is read on every connect.
type JWTIdentityResolver struct {
	secret    []byte
	directory ports.UserDirectory
	usernames *cache.Cache[domain.UserID, string]
	logger    *zap.SugaredLogger
}

func NewJWTIdentityResolver(
	secret string,
	directory ports.UserDirectory,
	usernameTTL time.Duration,
	logger *zap.SugaredLogger,
) *JWTIdentityResolver {
	return &JWTIdentityResolver{
		secret:    []byte(secret),
		directory: directory,
		usernames: cache.New[domain.UserID, string](usernameTTL),
		logger:    logger,
	}
}

func (s *JWTIdentityResolver) ResolveIdentity(ctx context.Context, credential string) (domain.Identity, error) {
	if credential == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing token", domain.ErrUnauthenticated)
	}

	claims, err := s.ValidateToken(credential)
	if err != nil {
		s.logger.Debugw("rejected token",
			"token", utils.MaskSensitive(credential, 8),
			"error", err,
		)
		return domain.Identity{}, err
	}

	username := utils.SanitizeString(claims.Username)
	if username == "" {
		username, err = s.lookupUsername(ctx, claims.UserID)
		if err != nil {
			return domain.Identity{}, err
		}
	}

	return domain.Identity{ID: claims.UserID, Username: username}, nil
}

func (s *JWTIdentityResolver) lookupUsername(ctx context.Context, userID domain.UserID) (string, error) {
	if s.directory == nil {
		return "", fmt.Errorf("%w: token carries no username", domain.ErrUnauthenticated)
	}

	username, err := s.usernames.GetOrLoad(ctx, userID, func(ctx context.Context) (string, error) {
		return s.directory.LookupUsername(ctx, userID)
	})
	if errors.Is(err, domain.ErrUserNotFound) {
		return "", fmt.Errorf("%w: unknown user %s", domain.ErrUnauthenticated, userID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up username: %w", err)
	}
	return username, nil
}

// ValidateToken parses and verifies an access token. Every failure wraps
// domain.ErrUnauthenticated.
func (s *JWTIdentityResolver) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", domain.ErrUnauthenticated)
		}
		return nil, fmt.Errorf("%w: invalid token", domain.ErrUnauthenticated)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrUnauthenticated)
	}
	if claims.TokenType != "" && claims.TokenType != accessTokenType {
		return nil, fmt.Errorf("%w: not an access token", domain.ErrUnauthenticated)
	}
	if claims.UserID <= 0 {
		return nil, fmt.Errorf("%w: token has no user_id", domain.ErrUnauthenticated)
	}

	return claims, nil
}

// GenerateToken issues an access token in the backend's format. Used by
// tests and local tooling.
func (s *JWTIdentityResolver) GenerateToken(userID domain.UserID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:    userID,
		Username:  username,
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *JWTIdentityResolver) Close() {
	s.usernames.Stop()
}
