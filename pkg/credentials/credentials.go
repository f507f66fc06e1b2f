// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package credentials resolves the SMTP relay username and password from the
// environment or the operating system keyring.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/telekom/mail-dispatch/pkg/config"
)

// ErrMissing is returned when a provider cannot find the requested secret.
var ErrMissing = errors.New("credentials missing")

const (
	ProviderEnv     = "env"
	ProviderKeyring = "keyring"
	ProviderNone    = "none"

	DefaultUserVar     = "SMTP_USER"
	DefaultPasswordVar = "SMTP_PASS"
)

// Credentials authenticate against the relay.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no username is set, meaning the relay is used unauthenticated.
func (c Credentials) Empty() bool {
	return c.Username == ""
}

// String never prints the password.
func (c Credentials) String() string {
	if c.Empty() {
		return "<anonymous>"
	}
	return c.Username + ":<redacted>"
}

// Provider returns relay credentials.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// New builds the provider described by cfg.
func New(cfg config.Credentials) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderEnv:
		return EnvProvider{UserVar: cfg.UserEnv, PasswordVar: cfg.PasswordEnv}, nil
	case ProviderKeyring:
		if cfg.KeyringService == "" || cfg.KeyringUser == "" {
			return nil, fmt.Errorf("keyring provider requires keyringService and keyringUser")
		}
		return KeyringProvider{Service: cfg.KeyringService, User: cfg.KeyringUser}, nil
	case ProviderNone:
		return Static{}, nil
	default:
		return nil, fmt.Errorf("unknown credentials provider %q", cfg.Provider)
	}
}

// EnvProvider reads credentials from environment variables.
type EnvProvider struct {
	UserVar     string
	PasswordVar string
}

func (p EnvProvider) Credentials(_ context.Context) (Credentials, error) {
	userVar := p.UserVar
	if userVar == "" {
		userVar = DefaultUserVar
	}
	passVar := p.PasswordVar
	if passVar == "" {
		passVar = DefaultPasswordVar
	}

	user, okUser := os.LookupEnv(userVar)
	pass, okPass := os.LookupEnv(passVar)
	if !okUser || strings.TrimSpace(user) == "" {
		return Credentials{}, fmt.Errorf("%w: environment variable %s is not set", ErrMissing, userVar)
	}
	if !okPass || pass == "" {
		return Credentials{}, fmt.Errorf("%w: environment variable %s is not set", ErrMissing, passVar)
	}
	return Credentials{Username: strings.TrimSpace(user), Password: pass}, nil
}

// KeyringProvider reads the password for User from the OS keyring entry Service.
type KeyringProvider struct {
	Service string
	User    string
}

func (p KeyringProvider) Credentials(_ context.Context) (Credentials, error) {
	pass, err := keyring.Get(p.Service, p.User)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return Credentials{}, fmt.Errorf("%w: no keyring entry for %s/%s", ErrMissing, p.Service, p.User)
		}
		return Credentials{}, fmt.Errorf("reading keyring entry %s/%s: %w", p.Service, p.User, err)
	}
	return Credentials{Username: p.User, Password: pass}, nil
}

// Static returns fixed credentials. The zero value means an unauthenticated relay.
type Static Credentials

func (s Static) Credentials(_ context.Context) (Credentials, error) {
	return Credentials(s), nil
}
