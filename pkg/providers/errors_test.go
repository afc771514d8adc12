package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djwarf/calsync/pkg/calendar"
)

func TestStatusError(t *testing.T) {
	tests := []struct {
		code      int
		kind      Kind
		retryable bool
		sentinel  error
	}{
		{http.StatusUnauthorized, KindAuth, false, ErrUnauthorized},
		{http.StatusNotFound, KindNotFound, false, ErrNotFound},
		{http.StatusGone, KindNotFound, false, ErrNotFound},
		{http.StatusPreconditionFailed, KindConflict, false, ErrConflict},
		{http.StatusMethodNotAllowed, KindUnsupported, false, ErrNotSupported},
		{http.StatusTooManyRequests, KindNetwork, true, nil},
		{http.StatusServiceUnavailable, KindServer, true, nil},
		{http.StatusBadRequest, KindClient, false, nil},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			err := StatusError(tt.code, "")
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, http.StatusText(tt.code), err.Message)
			if tt.sentinel != nil {
				wrapped := fmt.Errorf("request: %w", err)
				assert.ErrorIs(t, wrapped, tt.sentinel)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))

	remote := StatusError(http.StatusBadGateway, "upstream")
	assert.Same(t, remote, Classify(fmt.Errorf("wrapped: %w", remote)))

	assert.Equal(t, KindNetwork, Classify(context.DeadlineExceeded).Kind)
	assert.Equal(t, KindCanceled, Classify(context.Canceled).Kind)
	assert.Equal(t, KindAuth, Classify(fmt.Errorf("%w: expired", ErrUnauthorized)).Kind)
	assert.Equal(t, KindParse, Classify(fmt.Errorf("%w: bad", calendar.ErrInvalidObject)).Kind)

	unknown := Classify(errors.New("connection reset by peer"))
	assert.Equal(t, KindNetwork, unknown.Kind)
	assert.True(t, unknown.Retryable)

	assert.False(t, IsRetryable(nil))
	assert.True(t, IsAuth(StatusError(http.StatusUnauthorized, "")))
	assert.False(t, IsAuth(nil))
}

func TestChainCredentials(t *testing.T) {
	account := &calendar.Account{ID: 7, Name: "Work", Username: "alice", ServerURL: "https://dav.example.com"}

	none := CredentialFunc(func(context.Context, *calendar.Account) (*Credentials, error) {
		return nil, ErrNoCredentials
	})
	some := CredentialFunc(func(_ context.Context, a *calendar.Account) (*Credentials, error) {
		return &Credentials{Username: a.Username, Password: "secret"}, nil
	})

	creds, err := ChainCredentials{none, some}.Credentials(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "secret", creds.Password)

	_, err = ChainCredentials{none}.Credentials(context.Background(), account)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestEnvCredentials(t *testing.T) {
	account := &calendar.Account{ID: 7, Username: "alice", Type: calendar.AccountTypeApple}

	_, err := EnvCredentials{Prefix: "CALSYNC_TEST"}.Credentials(context.Background(), account)
	assert.ErrorIs(t, err, ErrNoCredentials)

	t.Setenv("CALSYNC_TEST_PASSWORD", "generic")
	creds, err := EnvCredentials{Prefix: "CALSYNC_TEST"}.Credentials(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "generic", creds.Password)
	assert.Equal(t, CalDAVServers[calendar.AccountTypeApple], creds.ServerURL)

	t.Setenv("CALSYNC_TEST_ACCOUNT_7_PASSWORD", "specific")
	creds, err = EnvCredentials{Prefix: "CALSYNC_TEST"}.Credentials(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "specific", creds.Password)
}
