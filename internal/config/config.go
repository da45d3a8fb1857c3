// Package config loads and writes the client configuration: OAuth2 client
// settings, the API base URL, and the credential cache location. One TOML
// file at a per-user path; missing file means defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
)

// appName is the directory name under the user's config and state roots.
const appName = "m365-go"

// Defaults. The client ID is a public (no-secret) app registration; the
// tenant accepts both organizational and personal accounts.
const (
	DefaultClientID = "14d82eec-204b-4c2f-b7e8-296a70dab67e"
	DefaultTenant   = "common"
	DefaultBaseURL  = "https://graph.microsoft.com/v1.0"
)

// DefaultScopes cover the personal-data surfaces plus offline_access for
// refresh tokens and openid/profile for account identification.
var DefaultScopes = []string{
	"openid",
	"profile",
	"offline_access",
	"User.Read",
	"Mail.ReadWrite",
	"Calendars.ReadWrite",
	"Tasks.ReadWrite",
	"Files.ReadWrite",
}

// filePerms keeps the config file owner-only, same as the credential file.
const filePerms = 0o600

// Config is the effective client configuration.
type Config struct {
	ClientID  string   `toml:"client_id"`
	Tenant    string   `toml:"tenant"`
	Scopes    []string `toml:"scopes"`
	BaseURL   string   `toml:"base_url"`
	CachePath string   `toml:"cache_path"`
}

// Default returns a config populated with defaults, including the
// XDG-derived cache path.
func Default() (*Config, error) {
	cachePath, err := DefaultCachePath()
	if err != nil {
		return nil, err
	}

	return &Config{
		ClientID:  DefaultClientID,
		Tenant:    DefaultTenant,
		Scopes:    append([]string(nil), DefaultScopes...),
		BaseURL:   DefaultBaseURL,
		CachePath: cachePath,
	}, nil
}

// DefaultConfigPath returns the per-user config file path.
func DefaultConfigPath() (string, error) {
	path, err := xdg.ConfigFile(filepath.Join(appName, "config.toml"))
	if err != nil {
		return "", fmt.Errorf("config: resolving config path: %w", err)
	}

	return path, nil
}

// DefaultCachePath returns the per-user credential cache file path.
// State, not config — the cache is machine-local mutable data.
func DefaultCachePath() (string, error) {
	path, err := xdg.StateFile(filepath.Join(appName, "credentials.json"))
	if err != nil {
		return "", fmt.Errorf("config: resolving cache path: %w", err)
	}

	return path, nil
}

// Load reads the config at path, filling unset fields with defaults.
// A missing file returns pure defaults. Unknown keys are an error so a
// typo'd setting cannot be silently ignored.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	meta, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}

	if err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: %s: unknown key %q", path, undecoded[0].String())
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the config as TOML at path, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: creating directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerms)
	if err != nil {
		return fmt.Errorf("config: opening %s: %w", path, err)
	}

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		return fmt.Errorf("config: encoding: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("config: closing %s: %w", path, err)
	}

	return nil
}

// validate rejects configs that cannot produce a working client.
func (c *Config) validate() error {
	if c.ClientID == "" {
		return errors.New("client_id must not be empty")
	}

	if c.BaseURL == "" {
		return errors.New("base_url must not be empty")
	}

	if c.Tenant == "" {
		return errors.New("tenant must not be empty")
	}

	if c.CachePath == "" {
		return errors.New("cache_path must not be empty")
	}

	return nil
}
