// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/PersonalPipeline/pkg/pperr"
)

// AuthConfig references the credentials for one source. The file only
// ever names environment variables; the loader seals the resolved values
// in locked memory so they cannot be swapped to disk or show up in a
// heap dump.
//
// # Auth Types
//
//   - none: no authentication
//   - bearer_token: Authorization: Bearer <token> from TokenEnv
//   - oauth2: alias for bearer_token (the token is acquired out of band)
//   - basic: HTTP basic auth from UsernameEnv / PasswordEnv
//   - api_key: HeaderName: <key> from APIKeyEnv
//   - cookie: Cookie header from CookieEnv
type AuthConfig struct {
	Type string `yaml:"type" validate:"omitempty,oneof=none bearer_token oauth2 basic api_key cookie"`

	TokenEnv    string `yaml:"token_env"`
	UsernameEnv string `yaml:"username_env"`
	PasswordEnv string `yaml:"password_env"`
	APIKeyEnv   string `yaml:"api_key_env"`
	CookieEnv   string `yaml:"cookie_env"`

	// HeaderName is the header carrying the api_key value.
	// Default: X-API-Key.
	HeaderName string `yaml:"header_name"`

	token    *Credential
	username *Credential
	password *Credential
	apiKey   *Credential
	cookie   *Credential
}

// resolve seals all referenced environment variables. Missing variables
// are not an error here; the adapter fails with AuthError the first time
// it actually needs the value.
func (a *AuthConfig) resolve() {
	a.token = sealEnv(a.TokenEnv)
	a.username = sealEnv(a.UsernameEnv)
	a.password = sealEnv(a.PasswordEnv)
	a.apiKey = sealEnv(a.APIKeyEnv)
	a.cookie = sealEnv(a.CookieEnv)
}

// Kind returns the effective auth type, defaulting to none.
func (a *AuthConfig) Kind() string {
	if a.Type == "" {
		return "none"
	}
	if a.Type == "oauth2" {
		return "bearer_token"
	}
	return a.Type
}

// Token reveals the bearer token.
func (a *AuthConfig) Token() (string, error) {
	return reveal(a.token, a.TokenEnv)
}

// BasicAuth reveals the username/password pair.
func (a *AuthConfig) BasicAuth() (user, pass string, err error) {
	user, err = reveal(a.username, a.UsernameEnv)
	if err != nil {
		return "", "", err
	}
	pass, err = reveal(a.password, a.PasswordEnv)
	if err != nil {
		return "", "", err
	}
	return user, pass, nil
}

// APIKey reveals the api key and the header it travels in.
func (a *AuthConfig) APIKey() (header, key string, err error) {
	header = a.HeaderName
	if header == "" {
		header = "X-API-Key"
	}
	key, err = reveal(a.apiKey, a.APIKeyEnv)
	return header, key, err
}

// Cookie reveals the raw Cookie header value.
func (a *AuthConfig) Cookie() (string, error) {
	return reveal(a.cookie, a.CookieEnv)
}

func reveal(c *Credential, envName string) (string, error) {
	if c == nil || !c.IsSet() {
		return "", pperr.Newf(pperr.CodeAuth, "credential environment variable %s is not set", envName).
			WithSuggestion("export the variable before starting the service")
	}
	return c.Reveal()
}

// =============================================================================
// Credential
// =============================================================================

// Credential is a secret resolved from the environment and held in
// locked memory. Its printed forms are always redacted: String, JSON
// marshaling and slog all emit a placeholder instead of the value.
type Credential struct {
	env     string
	enclave *memguard.Enclave
}

// sealEnv captures the named environment variable into an enclave.
// Returns nil when the name is empty, and an unset Credential when the
// variable is absent or blank.
func sealEnv(name string) *Credential {
	if name == "" {
		return nil
	}
	c := &Credential{env: name}
	if v := os.Getenv(name); v != "" {
		// NewEnclave wipes its input, so hand it a private copy.
		c.enclave = memguard.NewEnclave([]byte(v))
	}
	return c
}

// NewCredentialFromEnv seals the named environment variable. Exposed for
// subsystems outside the source list (analytics tokens, snapshots).
func NewCredentialFromEnv(name string) *Credential {
	return sealEnv(name)
}

// IsSet reports whether a value was captured.
func (c *Credential) IsSet() bool {
	return c != nil && c.enclave != nil
}

// EnvName returns the environment variable this credential came from.
func (c *Credential) EnvName() string {
	if c == nil {
		return ""
	}
	return c.env
}

// Reveal opens the enclave and returns a copy of the secret. The locked
// buffer is destroyed before returning; callers should keep the copy
// short-lived (build the header, drop the string).
func (c *Credential) Reveal() (string, error) {
	if !c.IsSet() {
		return "", pperr.Newf(pperr.CodeAuth, "credential %s is not set", c.EnvName())
	}
	buf, err := c.enclave.Open()
	if err != nil {
		return "", pperr.Wrap(pperr.CodeInternal, "failed to open credential enclave", err)
	}
	defer buf.Destroy()
	return strings.Clone(buf.String()), nil
}

// String implements fmt.Stringer with a redacted placeholder so that a
// stray %v can never print the secret.
func (c *Credential) String() string {
	if c == nil {
		return "[credential:unset]"
	}
	return "[credential:" + c.env + "]"
}

// LogValue implements slog.LogValuer; credentials logged directly render
// as their redacted placeholder.
func (c *Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// MarshalJSON redacts the value in any serialized form.
func (c *Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// PurgeCredentials wipes all sealed credential memory. Called during
// shutdown after adapters have been cleaned up.
func PurgeCredentials() {
	memguard.Purge()
}
