package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tvaisanen/m365-go/internal/cachefile"
)

// fakeIDToken builds an unsigned JWT with the given claims payload.
func fakeIDToken(t *testing.T, claims map[string]string) string {
	t.Helper()

	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	enc := base64.RawURLEncoding.EncodeToString

	return enc([]byte(`{"alg":"none"}`)) + "." + enc(payload) + "." + enc([]byte("sig"))
}

// newTestManager creates a manager whose OAuth2 endpoints point at srv.
func newTestManager(t *testing.T, srv *httptest.Server) (*Manager, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "credentials.json")
	m := NewManager("client-id", "common", []string{"User.Read"}, cachefile.NewStore(path, nil), nil)

	if srv != nil {
		m.cfg.Endpoint = oauth2.Endpoint{
			AuthURL:       srv.URL + "/authorize",
			TokenURL:      srv.URL + "/token",
			DeviceAuthURL: srv.URL + "/devicecode",
		}
	}

	return m, path
}

// seedRecord writes a credential record with the given token to disk.
func seedRecord(t *testing.T, path string, tok *oauth2.Token) {
	t.Helper()

	cache, err := json.Marshal(tok)
	require.NoError(t, err)

	_, err = cachefile.NewStore(path, nil).SaveIfChanged(&cachefile.Record{
		Account: "oid.tid.login.microsoftonline.com.user@example.com",
		Cache:   cache,
		Meta:    map[string]string{"username": "user@example.com"},
	})
	require.NoError(t, err)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestAccessToken_NoCacheFile(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer srv.Close()

	m, _ := newTestManager(t, srv)

	_, err := m.AccessToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, hits.Load(), "no network call may happen without a credential record")
}

func TestAccessToken_SilentRefreshPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		writeJSON(w, http.StatusOK,
			`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	m, path := newTestManager(t, srv)
	seedRecord(t, path, &oauth2.Token{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		Expiry:       time.Now().Add(-time.Hour),
	})

	tok, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok)

	// The refreshed cache must be on disk.
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var rec cachefile.Record
	require.NoError(t, json.Unmarshal(data, &rec))

	var cached oauth2.Token
	require.NoError(t, json.Unmarshal(rec.Cache, &cached))
	assert.Equal(t, "new-access", cached.AccessToken)
	assert.Equal(t, "new-refresh", cached.RefreshToken)
}

func TestAccessToken_ValidTokenNoRefreshNoWrite(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer srv.Close()

	m, path := newTestManager(t, srv)
	seedRecord(t, path, &oauth2.Token{
		AccessToken:  "live-access",
		RefreshToken: "live-refresh",
		Expiry:       time.Now().Add(time.Hour),
	})

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	tok, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "live-access", tok)
	assert.Zero(t, hits.Load(), "unexpired token must not hit the provider")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "cache may only be rewritten when the token changed")
}

func TestAccessToken_RefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest,
			`{"error":"invalid_grant","error_description":"AADSTS70000: refresh token revoked"}`)
	}))
	defer srv.Close()

	m, path := newTestManager(t, srv)
	seedRecord(t, path, &oauth2.Token{
		AccessToken:  "old-access",
		RefreshToken: "revoked-refresh",
		Expiry:       time.Now().Add(-time.Hour),
	})

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = m.AccessToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.Contains(t, err.Error(), "invalid_grant")

	// A failed refresh must not corrupt or change the on-disk cache.
	after, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, before, after)
}

func TestAccessToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	var refreshes atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		refreshes.Add(1)
		time.Sleep(50 * time.Millisecond)
		writeJSON(w, http.StatusOK,
			`{"access_token":"shared-access","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	m, path := newTestManager(t, srv)
	seedRecord(t, path, &oauth2.Token{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		Expiry:       time.Now().Add(-time.Hour),
	})

	const callers = 8

	var wg sync.WaitGroup

	tokens := make([]string, callers)

	for i := 0; i < callers; i++ {
		i := i

		wg.Add(1)

		go func() {
			defer wg.Done()

			tok, err := m.AccessToken(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}()
	}

	wg.Wait()

	for _, tok := range tokens {
		assert.Equal(t, "shared-access", tok)
	}

	assert.Equal(t, int32(1), refreshes.Load(), "concurrent callers must collapse into one refresh")
}

func TestLogin_DeviceCodeFlow(t *testing.T) {
	idToken := ""

	mux := http.NewServeMux()
	mux.HandleFunc("/devicecode", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK,
			`{"device_code":"dev-code","user_code":"ABCD1234","verification_uri":"https://example.com/device","expires_in":300,"interval":1}`)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "dev-code", r.Form.Get("device_code"))
		writeJSON(w, http.StatusOK, fmt.Sprintf(
			`{"access_token":"granted-access","refresh_token":"granted-refresh","token_type":"Bearer","expires_in":3600,"id_token":%q}`,
			idToken))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	idToken = fakeIDToken(t, map[string]string{
		"oid":                "obj-id",
		"tid":                "tenant-id",
		"preferred_username": "user@example.com",
	})

	m, path := newTestManager(t, srv)
	assert.False(t, m.IsAuthenticated())

	var shown []DeviceCode

	acct, err := m.Login(context.Background(), func(dc DeviceCode) {
		shown = append(shown, dc)
	})
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", acct.Username)
	assert.Equal(t, "obj-id.tenant-id.login.microsoftonline.com.user@example.com", acct.ID)

	require.Len(t, shown, 1)
	assert.Equal(t, "ABCD1234", shown[0].UserCode)
	assert.Equal(t, "https://example.com/device", shown[0].VerificationURL)
	assert.Contains(t, shown[0].Message, "ABCD1234")
	assert.Positive(t, shown[0].ExpiresIn)

	// Cache file exists, owner-only, and resolves the account.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, "user@example.com", m.AccountLabel())
}

func TestLogin_DeviceCodeExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/devicecode", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK,
			`{"device_code":"dev-code","user_code":"ABCD1234","verification_uri":"https://example.com/device","expires_in":300,"interval":1}`)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"error":"expired_token"}`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, path := newTestManager(t, srv)

	_, err := m.Login(context.Background(), func(DeviceCode) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceCodeExpired)

	// No partial persistence on failure.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, m.IsAuthenticated())
}

func TestLogout(t *testing.T) {
	m, path := newTestManager(t, nil)
	seedRecord(t, path, &oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	})

	require.True(t, m.IsAuthenticated())
	require.NoError(t, m.Logout())

	assert.False(t, m.IsAuthenticated())
	assert.Empty(t, m.AccountLabel())

	_, err := m.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestAccountLabel_NoRecord(t *testing.T) {
	m, _ := newTestManager(t, nil)
	assert.Empty(t, m.AccountLabel())
}

func TestAccountFromToken_MissingClaims(t *testing.T) {
	acct := accountFromToken(&oauth2.Token{AccessToken: "x"})
	assert.Equal(t, "unknown.unknown.login.microsoftonline.com.", acct.ID)
	assert.Empty(t, acct.Username)
}

func TestParseClaims_Malformed(t *testing.T) {
	_, err := parseClaims("not-a-jwt")
	require.Error(t, err)

	_, err = parseClaims("a.!!!.c")
	require.Error(t, err)
}
