package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingClaim = errors.New("missing subject claim")
)

// Resolver looks up the account a token subject points at.
type Resolver interface {
	GetUserByID(ctx context.Context, id int64) (*User, error)
}

// Claims matches the access tokens minted by the account service: the
// subject lives in user_id, with the registered sub claim as a fallback.
type Claims struct {
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator turns a raw bearer token into an Identity.
type Authenticator struct {
	resolver  Resolver
	jwtSecret []byte
	parser    *jwt.Parser
	log       *slog.Logger
}

func NewAuthenticator(resolver Resolver, secret string, log *slog.Logger) *Authenticator {
	return &Authenticator{
		resolver:  resolver,
		jwtSecret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
		log: log.With("component", "authenticator"),
	}
}

// Authenticate never fails: anything short of a valid token for an existing
// account yields Anonymous.
func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) Identity {
	if tokenString == "" {
		a.log.Debug("no token provided")
		return Anonymous
	}

	userID, err := a.ValidateToken(tokenString)
	if err != nil {
		a.log.Debug("token rejected", "error", err)
		return Anonymous
	}

	u, err := a.resolver.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			a.log.Info("token subject no longer exists", "user_id", userID)
		} else {
			a.log.Warn("identity lookup failed", "user_id", userID, "error", err)
		}
		return Anonymous
	}

	return u.Identity()
}

// ValidateToken checks signature, algorithm and expiry, and returns the subject id.
func (a *Authenticator) ValidateToken(tokenString string) (int64, error) {
	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return 0, ErrInvalidToken
	}

	if claims.UserID > 0 {
		return claims.UserID, nil
	}
	if claims.Subject != "" {
		id, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err == nil && id > 0 {
			return id, nil
		}
	}
	return 0, ErrMissingClaim
}

// IssueToken mints a token in the account service's format.
func (a *Authenticator) IssueToken(u *User, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:   u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "channelchat",
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})

	return token.SignedString(a.jwtSecret)
}
