package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/djwarf/calsync/pkg/calendar"
	"github.com/djwarf/calsync/pkg/providers"
)

const (
	// Google Calendar API scopes
	CalendarScope         = "https://www.googleapis.com/auth/calendar"
	CalendarReadOnlyScope = "https://www.googleapis.com/auth/calendar.readonly"

	caldavBase = "https://apidata.googleusercontent.com/caldav/v2/"
)

// OAuthConfig holds OAuth credentials
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// HomeSetURL returns the CalDAV root of a Google account.
func HomeSetURL(email string) string {
	return caldavBase + url.PathEscape(email) + "/"
}

// EventsURL returns the CalDAV collection of a Google calendar.
func EventsURL(calendarID string) string {
	return caldavBase + url.PathEscape(calendarID) + "/events/"
}

// Credentials provides OAuth2 bearer credentials for Google accounts.
// Tokens are kept as one JSON file per account below TokenDir and are
// rewritten whenever they are refreshed.
type Credentials struct {
	oauthConfig *oauth2.Config
	tokenDir    string
	mu          sync.Mutex
}

// NewCredentials creates a Google credential provider
func NewCredentials(cfg *OAuthConfig, tokenDir string) *Credentials {
	return &Credentials{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{CalendarScope},
			Endpoint:     google.Endpoint,
		},
		tokenDir: tokenDir,
	}
}

// SetRedirectURL changes the OAuth redirect target, e.g. to a local
// callback server.
func (c *Credentials) SetRedirectURL(redirect string) {
	c.oauthConfig.RedirectURL = redirect
}

// GetAuthURL returns the URL for OAuth authorization
func (c *Credentials) GetAuthURL(state string) string {
	return c.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode exchanges an authorization code for a token and stores it
// for the account.
func (c *Credentials) ExchangeCode(ctx context.Context, account *calendar.Account, code string) error {
	token, err := c.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to exchange code: %w", err)
	}
	return c.saveToken(account, token)
}

// Credentials implements providers.CredentialProvider
func (c *Credentials) Credentials(ctx context.Context, account *calendar.Account) (*providers.Credentials, error) {
	if account.Type != calendar.AccountTypeGoogle {
		return nil, providers.ErrNoCredentials
	}
	token, err := c.loadToken(account)
	if err != nil {
		return nil, err
	}

	server := account.ServerURL
	if server == "" {
		server = caldavBase
	}
	return &providers.Credentials{
		Username:  account.Email,
		ServerURL: server,
		TokenSource: &persistingSource{
			base:    c.oauthConfig.TokenSource(ctx, token),
			last:    token,
			account: account,
			save:    c.saveToken,
		},
	}, nil
}

func (c *Credentials) tokenPath(account *calendar.Account) string {
	return filepath.Join(c.tokenDir, "google-"+strconv.FormatInt(account.ID, 10)+".json")
}

func (c *Credentials) loadToken(account *calendar.Account) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.tokenPath(account))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no access token - OAuth flow required", providers.ErrNoCredentials)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return &token, nil
}

func (c *Credentials) saveToken(account *calendar.Account, token *oauth2.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.tokenDir, 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := os.WriteFile(c.tokenPath(account), data, 0600); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	return nil
}

// RemoveToken deletes the stored token of an account
func (c *Credentials) RemoveToken(account *calendar.Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := os.Remove(c.tokenPath(account))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// persistingSource writes refreshed tokens back to disk.
type persistingSource struct {
	base    oauth2.TokenSource
	account *calendar.Account
	save    func(*calendar.Account, *oauth2.Token) error

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return nil, fmt.Errorf("%w: %v", providers.ErrUnauthorized, err)
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil || token.AccessToken != s.last.AccessToken {
		if err := s.save(s.account, token); err != nil {
			return nil, err
		}
		s.last = token
	}
	return token, nil
}

var _ providers.CredentialProvider = (*Credentials)(nil)
