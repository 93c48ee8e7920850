// Package credentials provides the staff username/password the ClubOS session logs in with.
package credentials

import (
	"context"
	"fmt"
	"os"
)

type Credentials struct {
	Username string
	Password string
}

// Store is the credential lookup the sweeper and binaries depend on.
type Store interface {
	Lookup(ctx context.Context) (Credentials, error)
}

// Static always returns the same credentials, usually read from a config file.
type Static Credentials

func (s Static) Lookup(ctx context.Context) (Credentials, error) {
	if s.Username == "" || s.Password == "" {
		return Credentials{}, fmt.Errorf("credentials: static username/password not configured")
	}
	return Credentials(s), nil
}

// Env reads the credentials from two environment variables on every lookup.
type Env struct {
	UsernameVar string
	PasswordVar string

	// lookupEnv is os.LookupEnv outside of tests.
	lookupEnv func(key string) (string, bool)
}

const (
	DefaultUsernameVar = "CLUBOS_USERNAME"
	DefaultPasswordVar = "CLUBOS_PASSWORD"
)

func NewEnv(usernameVar, passwordVar string) Env {
	if usernameVar == "" {
		usernameVar = DefaultUsernameVar
	}
	if passwordVar == "" {
		passwordVar = DefaultPasswordVar
	}
	return Env{
		UsernameVar: usernameVar,
		PasswordVar: passwordVar,
		lookupEnv:   os.LookupEnv,
	}
}

func (e Env) Lookup(ctx context.Context) (Credentials, error) {
	lookup := e.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	username, ok := lookup(e.UsernameVar)
	if !ok || username == "" {
		return Credentials{}, fmt.Errorf("credentials: environment variable %s is not set", e.UsernameVar)
	}
	password, ok := lookup(e.PasswordVar)
	if !ok || password == "" {
		return Credentials{}, fmt.Errorf("credentials: environment variable %s is not set", e.PasswordVar)
	}
	return Credentials{Username: username, Password: password}, nil
}

// Config selects a Store: a static username/password when both are set, the environment
// variables otherwise.
type Config struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	UsernameEnv string `json:"username_env"`
	PasswordEnv string `json:"password_env"`
}

func (c Config) Store() Store {
	if c.Username != "" && c.Password != "" {
		return Static{Username: c.Username, Password: c.Password}
	}
	return NewEnv(c.UsernameEnv, c.PasswordEnv)
}
