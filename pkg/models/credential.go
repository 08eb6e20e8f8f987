package models

import "time"

// Credential holds the secret material for one channel. Credentials live
// only in the credential store, referenced from channels by an opaque key.
type Credential struct {
	// OAuth token material.
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`

	// Basic credentials for non-OAuth providers (IMAP).
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// Host/port for providers that need a user-supplied endpoint (IMAP).
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// Extra carries provider-specific values (for example a page access
	// token returned by account discovery).
	Extra map[string]string `json:"extra,omitempty"`
}

// ExpiresWithin reports whether the access token expires within d. A zero
// expiry means the token does not expire.
func (c *Credential) ExpiresWithin(d time.Duration) bool {
	if c == nil || c.Expiry.IsZero() {
		return false
	}
	return time.Until(c.Expiry) < d
}

// HasOAuth reports whether OAuth token material is present.
func (c *Credential) HasOAuth() bool {
	return c != nil && c.AccessToken != ""
}
