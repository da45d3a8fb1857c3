package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"

	"github.com/tvaisanen/m365-go/internal/cachefile"
)

// authorityHost is the environment component of the account identifier.
const authorityHost = "login.microsoftonline.com"

// DeviceCode holds the device code response fields the host displays to the
// user. The manager never prints anything itself.
type DeviceCode struct {
	VerificationURL string
	UserCode        string
	Message         string
	ExpiresIn       int
}

// DisplayFunc presents the device code instruction to the user.
type DisplayFunc func(DeviceCode)

// Account identifies the signed-in identity.
type Account struct {
	// ID is the opaque account identifier persisted in the credential
	// record: home account id + tenant + environment + username.
	ID string
	// Username is the human-readable label (UPN or email).
	Username string
}

// Manager owns all authentication state: the on-disk credential record via
// a cachefile.Store and the silent refresh path. One account per process —
// a second Login replaces the record wholesale.
//
// Safe for concurrent use: refreshes collapse through a singleflight group
// and record mutation is mutex-guarded.
type Manager struct {
	cfg    *oauth2.Config
	store  *cachefile.Store
	logger *slog.Logger

	group singleflight.Group

	// mu guards record hydration and persistence so concurrent operations
	// see a consistent record.
	mu sync.Mutex
}

// NewManager creates a credential manager. tenant is an Azure AD tenant ID
// or "common"/"consumers"/"organizations".
func NewManager(clientID, tenant string, scopes []string, store *cachefile.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg: &oauth2.Config{
			ClientID: clientID,
			Scopes:   scopes,
			Endpoint: microsoft.AzureADEndpoint(tenant),
		},
		store:  store,
		logger: logger,
	}
}

// Login performs the device code flow:
//  1. Requests a device code from the identity provider
//  2. Calls display so the host can show the user code and verification URL
//  3. Polls until the user authorizes (blocking, respects ctx cancellation)
//  4. Persists the full credential record atomically
//
// Failure persists nothing. An expired or declined code maps to
// ErrDeviceCodeExpired / ErrProvider.
func (m *Manager) Login(ctx context.Context, display DisplayFunc) (*Account, error) {
	m.logger.Info("starting device code auth flow",
		slog.String("path", m.store.Path()),
	)

	da, err := m.cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, &Error{Kind: ErrProvider, Message: "device code request failed: " + providerMessage(err)}
	}

	m.logger.Info("device code received, waiting for user authorization")

	display(DeviceCode{
		VerificationURL: da.VerificationURI,
		UserCode:        da.UserCode,
		Message:         fmt.Sprintf("To sign in, open %s and enter the code %s.", da.VerificationURI, da.UserCode),
		ExpiresIn:       int(time.Until(da.Expiry).Seconds()),
	})

	tok, err := m.cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, classifyDeviceErr(err)
	}

	acct := accountFromToken(tok)

	rec, err := newRecord(acct, tok)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, saveErr := m.store.SaveIfChanged(rec); saveErr != nil {
		return nil, fmt.Errorf("auth: persisting credential record: %w", saveErr)
	}

	m.logger.Info("login successful",
		slog.String("account", acct.Username),
		slog.Time("expiry", tok.Expiry),
	)

	return acct, nil
}

// AccessToken returns a currently-valid access token. This is the single
// entry point used by the transport layer.
//
// It never falls back to an interactive flow: with no credential record it
// fails with ErrNotAuthenticated before any network call, and a failed
// silent refresh fails with ErrReauthRequired. Both tell the host to re-run
// the interactive login command. Concurrent callers share one in-flight
// refresh.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	v, err, _ := m.group.Do("access-token", func() (any, error) {
		return m.renew(ctx)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// renew hydrates the record from disk, silently refreshes, and persists
// the record back if the cache changed.
func (m *Manager) renew(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.hydrateLocked()
	if err != nil {
		return "", err
	}

	if rec == nil {
		return "", &Error{Kind: ErrNotAuthenticated, Message: "no credential record on disk"}
	}

	var tok oauth2.Token
	if err := json.Unmarshal(rec.Cache, &tok); err != nil {
		return "", &Error{Kind: ErrNotAuthenticated, Message: "corrupt token cache: " + err.Error()}
	}

	fresh, err := m.cfg.TokenSource(ctx, &tok).Token()
	if err != nil {
		m.logger.Warn("silent token refresh failed",
			slog.String("account", rec.Account),
		)

		return "", &Error{Kind: ErrReauthRequired, Message: providerMessage(err)}
	}

	if fresh.AccessToken != tok.AccessToken {
		m.logger.Info("token refreshed",
			slog.String("account", rec.Account),
			slog.Time("new_expiry", fresh.Expiry),
		)

		cache, marshalErr := json.Marshal(fresh)
		if marshalErr != nil {
			return "", fmt.Errorf("auth: encoding refreshed token: %w", marshalErr)
		}

		rec.Cache = cache
		if _, saveErr := m.store.SaveIfChanged(rec); saveErr != nil {
			// The token is valid even if persistence failed; the next
			// process start will just refresh again.
			m.logger.Warn("failed to persist refreshed token",
				slog.String("error", saveErr.Error()),
			)
		}
	}

	return fresh.AccessToken, nil
}

// IsAuthenticated reports whether a credential record is present and an
// account can be resolved from it. It does not validate that the token is
// unexpired or renewable — a fast pre-flight, not a truth guarantee.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.hydrateLocked()
	if err != nil || rec == nil {
		return false
	}

	return rec.Account != ""
}

// AccountLabel returns the signed-in username for diagnostics, or "" when
// no account is resolvable.
func (m *Manager) AccountLabel() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.hydrateLocked()
	if err != nil || rec == nil {
		return ""
	}

	return rec.Meta["username"]
}

// Logout removes the credential record from disk and memory.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("auth: clearing credential record: %w", err)
	}

	m.logger.Info("logged out", slog.String("path", m.store.Path()))

	return nil
}

// hydrateLocked reloads the record from disk before every cache-sensitive
// operation so refreshes written by another process are picked up.
// Caller holds m.mu.
func (m *Manager) hydrateLocked() (*cachefile.Record, error) {
	rec, err := m.store.Load()
	if err != nil {
		return nil, &Error{Kind: ErrNotAuthenticated, Message: err.Error()}
	}

	return rec, nil
}

// newRecord builds a credential record from a freshly granted token.
func newRecord(acct *Account, tok *oauth2.Token) (*cachefile.Record, error) {
	cache, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("auth: encoding token cache: %w", err)
	}

	return &cachefile.Record{
		Account: acct.ID,
		Cache:   cache,
		Meta:    map[string]string{"username": acct.Username},
	}, nil
}

// idTokenClaims are the ID token fields used to label the account.
// Decoded without signature verification — used for identification only,
// never for authorization.
type idTokenClaims struct {
	OID               string `json:"oid"`
	TID               string `json:"tid"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
}

// accountFromToken derives the account identity from the ID token claims
// attached to the grant response. Missing claims degrade to placeholder
// components rather than failing the login.
func accountFromToken(tok *oauth2.Token) *Account {
	claims := idTokenClaims{OID: "unknown", TID: "unknown"}

	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		if parsed, err := parseClaims(raw); err == nil {
			claims = *parsed
		}
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}

	return &Account{
		ID:       fmt.Sprintf("%s.%s.%s.%s", claims.OID, claims.TID, authorityHost, username),
		Username: username,
	}
}

// parseClaims decodes the payload segment of a JWT.
func parseClaims(raw string) (*idTokenClaims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("auth: id token is not a JWT")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("auth: decoding id token payload: %w", err)
	}

	var claims idTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("auth: parsing id token claims: %w", err)
	}

	if claims.OID == "" {
		claims.OID = "unknown"
	}

	if claims.TID == "" {
		claims.TID = "unknown"
	}

	return &claims, nil
}
