package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultClientID, cfg.ClientID)
	assert.Equal(t, DefaultTenant, cfg.Tenant)
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, DefaultScopes, cfg.Scopes)
	assert.NotEmpty(t, cfg.CachePath)
}

func TestLoad_PartialFileKeepsDefaultsForUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
tenant = "consumers"
base_url = "https://graph.example.test/v1.0"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "consumers", cfg.Tenant)
	assert.Equal(t, "https://graph.example.test/v1.0", cfg.BaseURL)
	assert.Equal(t, DefaultClientID, cfg.ClientID)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`tennant = "common"`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
	assert.Contains(t, err.Error(), "tennant")
}

func TestLoad_EmptyRequiredFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`client_id = ""`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_id")
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	want := &Config{
		ClientID:  "my-client",
		Tenant:    "my-tenant",
		Scopes:    []string{"User.Read"},
		BaseURL:   "https://graph.example.test/v1.0",
		CachePath: "/tmp/creds.json",
	}

	require.NoError(t, Save(path, want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePerms), info.Mode().Perm())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSave_InvalidConfigRejected(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "config.toml"), &Config{})
	require.Error(t, err)
}
