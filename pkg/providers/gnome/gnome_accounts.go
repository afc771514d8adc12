// Package gnome reads calendar accounts and their credentials from GNOME
// Online Accounts over the session bus.
package gnome

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/oauth2"

	"github.com/djwarf/calsync/pkg/calendar"
	"github.com/djwarf/calsync/pkg/providers"
)

const (
	goaService   = "org.gnome.OnlineAccounts"
	goaRoot      = dbus.ObjectPath("/org/gnome/OnlineAccounts")
	ifaceAccount = "org.gnome.OnlineAccounts.Account"
	ifaceCal     = "org.gnome.OnlineAccounts.Calendar"
	ifaceOAuth2  = "org.gnome.OnlineAccounts.OAuth2Based"
	ifacePass    = "org.gnome.OnlineAccounts.PasswordBased"
)

// OnlineAccount represents a GNOME Online Account with calendar support
type OnlineAccount struct {
	ID           string // D-Bus object path
	ProviderType string
	ProviderName string
	Identity     string // email or login
	CalendarURL  string
	OAuth2       bool
}

// Type maps the GOA provider onto an account type.
func (a *OnlineAccount) Type() calendar.AccountType {
	switch a.ProviderType {
	case "google":
		return calendar.AccountTypeGoogle
	case "ms365", "exchange":
		return calendar.AccountTypeOutlook
	default:
		return calendar.AccountTypeGNOME
	}
}

// ListAccounts returns the GOA accounts that expose a calendar
func ListAccounts(ctx context.Context) ([]*OnlineAccount, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err = conn.Object(goaService, goaRoot).
		CallWithContext(ctx, "org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accountsFromObjects(objects), nil
}

// accountsFromObjects extracts calendar-capable, enabled accounts from a
// GetManagedObjects reply.
func accountsFromObjects(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []*OnlineAccount {
	var accounts []*OnlineAccount
	for path, ifaces := range objects {
		props, ok := ifaces[ifaceAccount]
		if !ok {
			continue
		}
		cal, ok := ifaces[ifaceCal]
		if !ok {
			continue
		}
		if disabled, _ := props["CalendarDisabled"].Value().(bool); disabled {
			continue
		}

		account := &OnlineAccount{
			ID:           string(path),
			ProviderType: stringProp(props, "ProviderType"),
			ProviderName: stringProp(props, "ProviderName"),
			Identity:     stringProp(props, "Identity"),
			CalendarURL:  stringProp(cal, "Uri"),
		}
		_, account.OAuth2 = ifaces[ifaceOAuth2]
		accounts = append(accounts, account)
	}

	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

// Credentials resolves credentials for accounts imported from GOA; the
// account's ExternalID holds the GOA object path.
type Credentials struct{}

// Credentials implements providers.CredentialProvider
func (Credentials) Credentials(ctx context.Context, account *calendar.Account) (*providers.Credentials, error) {
	if account.ExternalID == "" {
		return nil, providers.ErrNoCredentials
	}

	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	obj := conn.Object(goaService, dbus.ObjectPath(account.ExternalID))

	// Refresh credentials if the account supports it; failures surface below.
	obj.CallWithContext(ctx, ifaceAccount+".EnsureCredentials", 0)

	creds := &providers.Credentials{
		Username:  account.Username,
		ServerURL: providers.ServerURL(account),
	}

	var accessToken string
	var expiresIn int32
	err = obj.CallWithContext(ctx, ifaceOAuth2+".GetAccessToken", 0).Store(&accessToken, &expiresIn)
	if err == nil {
		token := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
		if expiresIn > 0 {
			token.Expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
		}
		creds.TokenSource = oauth2.StaticTokenSource(token)
		return creds, nil
	}

	var password string
	if perr := obj.CallWithContext(ctx, ifacePass+".GetPassword", 0, "password").Store(&password); perr != nil {
		return nil, fmt.Errorf("%w: GOA account %s: %v", providers.ErrUnauthorized, account.ExternalID, perr)
	}
	creds.Password = password
	return creds, nil
}

// ToAccount converts a GOA account into a local account record
func (a *OnlineAccount) ToAccount() *calendar.Account {
	return &calendar.Account{
		Name:       a.ProviderName + " (" + a.Identity + ")",
		Type:       a.Type(),
		Email:      a.Identity,
		Enabled:    true,
		ServerURL:  a.CalendarURL,
		Username:   a.Identity,
		ExternalID: a.ID,
	}
}

var _ providers.CredentialProvider = Credentials{}
