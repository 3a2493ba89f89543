package apiclient

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"

	"brandwriter/jobwatch-service/internal/config"
)

// ServiceTokenTTL is the lifetime of minted service tokens.
const ServiceTokenTTL = 15 * time.Minute

// CredentialSource supplies auth material per request. Empty values mean "send no
// credential"; requests then go out unauthenticated.
type CredentialSource interface {
	AuthToken() (string, error)
	InstaAPIKey() (string, error)
}

// credentialFile is the persisted form of the credentials.
type credentialFile struct {
	AuthToken   string `yaml:"auth_token"`
	InstaAPIKey string `yaml:"insta_api_key"`
}

// StoredCredentials reads auth_token and insta_api_key from a YAML file, with values
// from configuration taking precedence. When a JWT secret is configured, AuthToken
// returns a freshly signed HS256 service token instead of the static token.
type StoredCredentials struct {
	path      string
	static    credentialFile
	jwtSecret []byte
	subject   string
	now       func() time.Time

	mu     sync.Mutex
	cached credentialFile
	loaded bool
}

// NewStoredCredentials builds a source from the credentials section of the config.
func NewStoredCredentials(c config.Credentials) *StoredCredentials {
	return &StoredCredentials{
		path:      c.File,
		static:    credentialFile{AuthToken: c.AuthToken, InstaAPIKey: c.InstaAPIKey},
		jwtSecret: []byte(c.JWTSecret),
		subject:   "jobwatch-service",
		now:       time.Now,
	}
}

func (s *StoredCredentials) load() (credentialFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.cached, nil
	}
	out := credentialFile{}
	if s.path != "" {
		data, err := os.ReadFile(s.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return credentialFile{}, fmt.Errorf("read credentials %s: %w", s.path, err)
		default:
			if err := yaml.Unmarshal(data, &out); err != nil {
				return credentialFile{}, fmt.Errorf("parse credentials %s: %w", s.path, err)
			}
		}
	}
	if s.static.AuthToken != "" {
		out.AuthToken = s.static.AuthToken
	}
	if s.static.InstaAPIKey != "" {
		out.InstaAPIKey = s.static.InstaAPIKey
	}
	s.cached, s.loaded = out, true
	return out, nil
}

func (s *StoredCredentials) AuthToken() (string, error) {
	if len(s.jwtSecret) > 0 {
		return s.serviceToken()
	}
	c, err := s.load()
	return c.AuthToken, err
}

func (s *StoredCredentials) InstaAPIKey() (string, error) {
	c, err := s.load()
	return c.InstaAPIKey, err
}

// Save persists token and key to the credentials file, replacing its content.
func (s *StoredCredentials) Save(authToken, instaAPIKey string) error {
	if s.path == "" {
		return errors.New("no credentials file configured")
	}
	data, err := yaml.Marshal(credentialFile{AuthToken: authToken, InstaAPIKey: instaAPIKey})
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
	return nil
}

// Clear removes the credentials file.
func (s *StoredCredentials) Clear() error {
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove credentials %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
	return nil
}

func (s *StoredCredentials) serviceToken() (string, error) {
	now := s.now()
	claims := &jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ServiceTokenTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Subject:   s.subject,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}

// StaticCredentials is a fixed CredentialSource.
type StaticCredentials struct {
	Token string
	Key   string
}

func (s StaticCredentials) AuthToken() (string, error)   { return s.Token, nil }
func (s StaticCredentials) InstaAPIKey() (string, error) { return s.Key, nil }
