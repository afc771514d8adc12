package google

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/djwarf/calsync/pkg/calendar"
	"github.com/djwarf/calsync/pkg/providers"
)

func TestCredentials_RequiresToken(t *testing.T) {
	creds := NewCredentials(&OAuthConfig{ClientID: "id"}, t.TempDir())
	account := &calendar.Account{ID: 1, Type: calendar.AccountTypeGoogle, Email: "me@example.com"}

	_, err := creds.Credentials(context.Background(), account)
	assert.ErrorIs(t, err, providers.ErrNoCredentials)

	other := &calendar.Account{ID: 2, Type: calendar.AccountTypeCalDAV}
	_, err = creds.Credentials(context.Background(), other)
	assert.ErrorIs(t, err, providers.ErrNoCredentials)
}

func TestCredentials_StoredToken(t *testing.T) {
	creds := NewCredentials(&OAuthConfig{ClientID: "id"}, t.TempDir())
	account := &calendar.Account{ID: 1, Type: calendar.AccountTypeGoogle, Email: "me@example.com"}

	token := &oauth2.Token{AccessToken: "access", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}
	require.NoError(t, creds.saveToken(account, token))

	got, err := creds.Credentials(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", got.Username)
	assert.Equal(t, caldavBase, got.ServerURL)

	tok, err := got.TokenSource.Token()
	require.NoError(t, err)
	assert.Equal(t, "access", tok.AccessToken)

	require.NoError(t, creds.RemoveToken(account))
	require.NoError(t, creds.RemoveToken(account))
	_, err = creds.Credentials(context.Background(), account)
	assert.ErrorIs(t, err, providers.ErrNoCredentials)
}

func TestPersistingSource_SavesRefreshedToken(t *testing.T) {
	var saved []*oauth2.Token
	src := &persistingSource{
		base:    oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "fresh"}),
		account: &calendar.Account{ID: 1},
		last:    &oauth2.Token{AccessToken: "stale"},
		save: func(_ *calendar.Account, tok *oauth2.Token) error {
			saved = append(saved, tok)
			return nil
		},
	}

	_, err := src.Token()
	require.NoError(t, err)
	_, err = src.Token()
	require.NoError(t, err)

	require.Len(t, saved, 1)
	assert.Equal(t, "fresh", saved[0].AccessToken)
}

func TestURLs(t *testing.T) {
	assert.Equal(t, "https://apidata.googleusercontent.com/caldav/v2/me@example.com/", HomeSetURL("me@example.com"))
	assert.Equal(t, "https://apidata.googleusercontent.com/caldav/v2/team%2Fcal/events/", EventsURL("team/cal"))
}

func TestOAuthCallbackServer(t *testing.T) {
	srv, err := NewOAuthCallbackServer("state-1", nil)
	require.NoError(t, err)
	srv.Start()
	defer srv.Stop()

	resp, err := http.Get(srv.GetRedirectURL() + "?state=wrong&code=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.GetRedirectURL() + "?state=state-1&code=abc")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "successful")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	code, err := srv.WaitForCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", code)
}
