package apiclient_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/config"
)

func TestStoredCredentials_FileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth_token: from-file\ninsta_api_key: key-file\n"), 0o600))

	src := apiclient.NewStoredCredentials(config.Credentials{File: path, InstaAPIKey: "key-env"})

	token, err := src.AuthToken()
	require.NoError(t, err)
	assert.Equal(t, "from-file", token)

	key, err := src.InstaAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "key-env", key)
}

func TestStoredCredentials_MissingFileIsEmpty(t *testing.T) {
	src := apiclient.NewStoredCredentials(config.Credentials{File: filepath.Join(t.TempDir(), "nope.yaml")})
	token, err := src.AuthToken()
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestStoredCredentials_SaveAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	src := apiclient.NewStoredCredentials(config.Credentials{File: path})

	require.NoError(t, src.Save("t1", "k1"))
	token, _ := src.AuthToken()
	assert.Equal(t, "t1", token)

	require.NoError(t, src.Clear())
	token, _ = src.AuthToken()
	assert.Empty(t, token)
	require.NoError(t, src.Clear(), "clearing twice is harmless")
}

func TestStoredCredentials_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth_token: [unterminated"), 0o600))

	_, err := apiclient.NewStoredCredentials(config.Credentials{File: path}).AuthToken()
	assert.ErrorContains(t, err, "parse credentials")
}

func TestStoredCredentials_ServiceToken(t *testing.T) {
	secret := "test-secret"
	src := apiclient.NewStoredCredentials(config.Credentials{AuthToken: "static", JWTSecret: secret})

	signed, err := src.AuthToken()
	require.NoError(t, err)
	assert.NotEqual(t, "static", signed)

	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) { return []byte(secret), nil })
	require.NoError(t, err)
	assert.True(t, tok.Valid)
	assert.Equal(t, "jobwatch-service", claims.Subject)
}
