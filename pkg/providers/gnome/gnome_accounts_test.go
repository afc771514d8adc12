package gnome

import (
	"context"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djwarf/calsync/pkg/calendar"
	"github.com/djwarf/calsync/pkg/providers"
)

func TestAccountsFromObjects(t *testing.T) {
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		"/org/gnome/OnlineAccounts/Accounts/account_2": {
			ifaceAccount: {
				"ProviderType": dbus.MakeVariant("google"),
				"ProviderName": dbus.MakeVariant("Google"),
				"Identity":     dbus.MakeVariant("me@gmail.com"),
			},
			ifaceCal:    {"Uri": dbus.MakeVariant("https://apidata.googleusercontent.com/caldav/v2/")},
			ifaceOAuth2: {},
		},
		"/org/gnome/OnlineAccounts/Accounts/account_1": {
			ifaceAccount: {
				"ProviderType": dbus.MakeVariant("webdav"),
				"ProviderName": dbus.MakeVariant("WebDAV"),
				"Identity":     dbus.MakeVariant("alice"),
			},
			ifaceCal:  {"Uri": dbus.MakeVariant("https://dav.example.com/")},
			ifacePass: {},
		},
		"/org/gnome/OnlineAccounts/Accounts/account_3": {
			ifaceAccount: {
				"ProviderType":     dbus.MakeVariant("google"),
				"CalendarDisabled": dbus.MakeVariant(true),
			},
			ifaceCal: {},
		},
		"/org/gnome/OnlineAccounts/Accounts/account_4": {
			ifaceAccount: {"ProviderType": dbus.MakeVariant("imap_smtp")},
		},
	}

	accounts := accountsFromObjects(objects)
	require.Len(t, accounts, 2)

	assert.Equal(t, "/org/gnome/OnlineAccounts/Accounts/account_1", accounts[0].ID)
	assert.False(t, accounts[0].OAuth2)
	assert.Equal(t, calendar.AccountTypeGNOME, accounts[0].Type())

	assert.True(t, accounts[1].OAuth2)
	assert.Equal(t, calendar.AccountTypeGoogle, accounts[1].Type())

	local := accounts[0].ToAccount()
	assert.Equal(t, "WebDAV (alice)", local.Name)
	assert.Equal(t, "https://dav.example.com/", local.ServerURL)
	assert.Equal(t, accounts[0].ID, local.ExternalID)
}

func TestCredentials_NonGOAAccount(t *testing.T) {
	_, err := Credentials{}.Credentials(context.Background(), &calendar.Account{ID: 1})
	assert.ErrorIs(t, err, providers.ErrNoCredentials)
}
