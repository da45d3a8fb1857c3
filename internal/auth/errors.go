// Package auth owns delegated-credential state: the device code login flow,
// the persisted token cache, and silent refresh. It exposes a single
// AccessToken entry point for the transport layer.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// Sentinel errors for credential failure kinds.
// Use errors.Is(err, auth.ErrNotAuthenticated) to check.
var (
	// ErrNotAuthenticated means no credential record exists. The remedy is
	// an interactive login, which this package never triggers implicitly.
	ErrNotAuthenticated = errors.New("auth: not authenticated")

	// ErrReauthRequired means silent refresh failed — the refresh token was
	// revoked or expired. The remedy is an interactive login.
	ErrReauthRequired = errors.New("auth: reauthentication required")

	// ErrDeviceCodeExpired means the user did not complete sign-in before
	// the device code expired.
	ErrDeviceCodeExpired = errors.New("auth: device code expired")

	// ErrProvider is an opaque upstream failure from the identity provider.
	ErrProvider = errors.New("auth: provider error")
)

// Error wraps a sentinel with the provider's message so callers can both
// branch on kind (errors.Is) and surface the upstream detail.
type Error struct {
	Kind    error // sentinel, for errors.Is()
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}

	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// providerMessage extracts a human-readable message from an identity
// provider error, preferring the structured OAuth2 error fields.
func providerMessage(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode != "" {
			if re.ErrorDescription != "" {
				return re.ErrorCode + ": " + re.ErrorDescription
			}

			return re.ErrorCode
		}
	}

	return err.Error()
}

// classifyDeviceErr maps a device code grant failure to a typed error.
func classifyDeviceErr(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode == "expired_token" {
		return &Error{Kind: ErrDeviceCodeExpired, Message: providerMessage(err)}
	}

	return &Error{Kind: ErrProvider, Message: providerMessage(err)}
}
