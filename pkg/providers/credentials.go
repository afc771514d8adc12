package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/oauth2"

	"github.com/djwarf/calsync/pkg/calendar"
)

// ErrNoCredentials is returned by a CredentialProvider that has nothing
// stored for an account.
var ErrNoCredentials = errors.New("no credentials for account")

// Credentials is what a protocol client needs to talk to a server.
// TokenSource, when set, takes precedence over Username/Password.
type Credentials struct {
	Username    string
	Password    string
	ServerURL   string
	TokenSource oauth2.TokenSource
}

// CredentialProvider resolves the credentials of an account.
type CredentialProvider interface {
	Credentials(ctx context.Context, account *calendar.Account) (*Credentials, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context, account *calendar.Account) (*Credentials, error)

func (f CredentialFunc) Credentials(ctx context.Context, account *calendar.Account) (*Credentials, error) {
	return f(ctx, account)
}

// ChainCredentials asks each provider in turn and returns the first answer
// that is not ErrNoCredentials.
type ChainCredentials []CredentialProvider

func (c ChainCredentials) Credentials(ctx context.Context, account *calendar.Account) (*Credentials, error) {
	for _, p := range c {
		creds, err := p.Credentials(ctx, account)
		if errors.Is(err, ErrNoCredentials) {
			continue
		}
		return creds, err
	}
	return nil, fmt.Errorf("%w %d (%s)", ErrNoCredentials, account.ID, account.Name)
}

// EnvCredentials reads passwords from the environment:
// <Prefix>_ACCOUNT_<id>_PASSWORD first, then <Prefix>_PASSWORD.
type EnvCredentials struct {
	Prefix string
}

func (e EnvCredentials) Credentials(_ context.Context, account *calendar.Account) (*Credentials, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "CALSYNC"
	}
	password := os.Getenv(prefix + "_ACCOUNT_" + strconv.FormatInt(account.ID, 10) + "_PASSWORD")
	if password == "" {
		password = os.Getenv(prefix + "_PASSWORD")
	}
	if password == "" {
		return nil, ErrNoCredentials
	}
	return &Credentials{
		Username:  account.Username,
		Password:  password,
		ServerURL: ServerURL(account),
	}, nil
}
