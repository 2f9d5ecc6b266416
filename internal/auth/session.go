package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Environment variables consulted by FromEnv.
const (
	EnvAPIKey      = "KITE_API_KEY"
	EnvAccessToken = "KITE_ACCESS_TOKEN"
	EnvTokenExpiry = "KITE_TOKEN_EXPIRY" // RFC3339
)

// ErrNoCredentials is returned when no API key is configured.
var ErrNoCredentials = errors.New("no API credentials configured")

// Session holds the API key and the current access token. An invalidated
// session stays invalid until Renew supplies a new token.
type Session struct {
	mu          sync.RWMutex
	apiKey      string
	accessToken string
	expiresAt   time.Time // zero means no expiry
	invalid     bool
	now         func() time.Time
}

// NewSession creates a session. A zero expiresAt never expires.
func NewSession(apiKey, accessToken string, expiresAt time.Time) *Session {
	return &Session{
		apiKey:      apiKey,
		accessToken: accessToken,
		expiresAt:   expiresAt,
		now:         time.Now,
	}
}

// FromEnv loads credentials from the process environment, reading dotenvPath
// first when it exists. Values already present in the environment win over the
// file. fallbackKey and fallbackToken come from the config file.
func FromEnv(dotenvPath, fallbackKey, fallbackToken string) (*Session, error) {
	if dotenvPath != "" {
		if _, err := os.Stat(dotenvPath); err == nil {
			if err := godotenv.Load(dotenvPath); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", dotenvPath, err)
			}
		}
	}

	key := firstNonEmpty(os.Getenv(EnvAPIKey), fallbackKey)
	token := firstNonEmpty(os.Getenv(EnvAccessToken), fallbackToken)
	if key == "" {
		return nil, ErrNoCredentials
	}

	var expiry time.Time
	if raw := os.Getenv(EnvTokenExpiry); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvTokenExpiry, err)
		}
		expiry = t
	}

	log.Debug().Str("api_key", Redact(key)).Bool("has_token", token != "").Msg("Loaded API credentials")
	return NewSession(key, token, expiry), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsTokenValid reports whether a non-expired, non-invalidated token is held.
func (s *Session) IsTokenValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.invalid || s.accessToken == "" {
		return false
	}
	return s.expiresAt.IsZero() || s.now().Before(s.expiresAt)
}

// Invalidate drops the current token.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.invalid {
		log.Warn().Str("api_key", Redact(s.apiKey)).Msg("Access token invalidated")
	}
	s.invalid = true
}

// Renew installs a fresh token.
func (s *Session) Renew(accessToken string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = accessToken
	s.expiresAt = expiresAt
	s.invalid = false
}

// APIKey returns the API key.
func (s *Session) APIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apiKey
}

// AccessToken returns the current token, valid or not.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// Redact keeps the last four characters of a credential.
func Redact(v string) string {
	if len(v) <= 4 {
		return strings.Repeat("*", len(v))
	}
	return strings.Repeat("*", len(v)-4) + v[len(v)-4:]
}
