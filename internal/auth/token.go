package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer = "profilesvc"

	// ActorHeader names the caller when authentication is disabled.
	ActorHeader = "X-Actor"
)

var (
	ErrMissingToken = errors.New("bearer token is required")
	ErrInvalidToken = errors.New("bearer token is invalid")
	ErrExpiredToken = errors.New("bearer token is expired")
)

// Config controls bearer token verification.
type Config struct {
	Secret   string        `mapstructure:"secret"`
	Disabled bool          `mapstructure:"disabled"`
	TokenTTL time.Duration `mapstructure:"token_ttl" validate:"gte=0"`
}

// Authenticator verifies HS256 bearer tokens and issues them for operators.
type Authenticator struct {
	secret   []byte
	disabled bool
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewAuthenticator builds an authenticator. A secret is required unless
// authentication is disabled.
func NewAuthenticator(cfg Config, logger *slog.Logger) (*Authenticator, error) {
	if !cfg.Disabled && strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("auth secret is required when authentication is enabled")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{
		secret:   []byte(cfg.Secret),
		disabled: cfg.Disabled,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// IssueToken signs a token whose subject becomes the audit actor.
func (a *Authenticator) IssueToken(subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("token subject is required")
	}
	if len(a.secret) == 0 {
		return "", fmt.Errorf("auth secret is not configured")
	}
	now := a.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its subject.
func (a *Authenticator) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: subject is empty", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Middleware places the caller identity in the request context. With
// authentication disabled the X-Actor header, or "anonymous", is used.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.disabled {
			actor := strings.TrimSpace(r.Header.Get(ActorHeader))
			if actor == "" {
				actor = AnonymousActor
			}
			next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			token = ""
		}
		subject, err := a.Verify(token)
		if err != nil {
			a.logger.WarnContext(r.Context(), "rejected request",
				slog.String("path", r.URL.Path),
				slog.Any("error", err),
			)
			writeUnauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), subject)))
	})
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	message := ErrInvalidToken.Error()
	switch {
	case errors.Is(err, ErrMissingToken):
		message = ErrMissingToken.Error()
	case errors.Is(err, ErrExpiredToken):
		message = ErrExpiredToken.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="profilesvc"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    "UNAUTHENTICATED",
			"message": message,
			"status":  http.StatusUnauthorized,
		},
	})
}
