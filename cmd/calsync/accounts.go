package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/djwarf/calsync/internal/config"
	calsync "github.com/djwarf/calsync/internal/sync"
	"github.com/djwarf/calsync/pkg/calendar"
	"github.com/djwarf/calsync/pkg/providers"
	"github.com/djwarf/calsync/pkg/providers/gnome"
	"github.com/djwarf/calsync/pkg/providers/google"
)

const oauthTimeout = 5 * time.Minute

func newAccountsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"account"},
		Short:   "Manage calendar accounts",
	}
	cmd.AddCommand(
		newAccountsAddCmd(a),
		newAccountsListCmd(a),
		newAccountsRemoveCmd(a),
		newAccountsToggleCmd(a, "enable", true),
		newAccountsToggleCmd(a, "disable", false),
	)
	return cmd
}

func newAccountsAddCmd(a *app) *cobra.Command {
	var syncNow bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an account",
	}
	cmd.PersistentFlags().BoolVar(&syncNow, "sync", false, "discover calendars and sync right away")

	afterAdd := func(cmd *cobra.Command, accounts ...*calendar.Account) error {
		out := cmd.OutOrStdout()
		for _, account := range accounts {
			fmt.Fprintln(out, statusSuccess(fmt.Sprintf("Added account %d (%s)", account.ID, account.Name)))
		}
		if !syncNow {
			return nil
		}
		for _, account := range accounts {
			results, err := a.pass(cmd.Context(), account.ID, calsync.PassOptions{Discover: true})
			if err != nil {
				return err
			}
			printResults(out, results)
		}
		return nil
	}

	var name, server, username string
	caldavCmd := &cobra.Command{
		Use:   "caldav",
		Short: "Add a CalDAV server account",
		Long: `Add a CalDAV server account. The password is read from the
CALSYNC_ACCOUNT_<id>_PASSWORD or CALSYNC_PASSWORD environment variable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			account := &calendar.Account{
				Name:      name,
				Type:      calendar.AccountTypeCalDAV,
				Email:     username,
				Username:  username,
				ServerURL: server,
				Enabled:   true,
			}
			if account.Name == "" {
				account.Name = "CalDAV - " + username
			}
			return a.addPasswordAccount(cmd, account, afterAdd)
		},
	}
	caldavCmd.Flags().StringVar(&name, "name", "", "display name")
	caldavCmd.Flags().StringVar(&server, "server", "", "server URL, e.g. https://caldav.example.com/")
	caldavCmd.Flags().StringVar(&username, "username", "", "login name")
	caldavCmd.MarkFlagRequired("server")
	caldavCmd.MarkFlagRequired("username")

	var appleID string
	appleCmd := &cobra.Command{
		Use:   "apple",
		Short: "Add an iCloud account (requires an app-specific password)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			account := &calendar.Account{
				Name:     "Apple - " + appleID,
				Type:     calendar.AccountTypeApple,
				Email:    appleID,
				Username: appleID,
				Enabled:  true,
			}
			return a.addPasswordAccount(cmd, account, afterAdd)
		},
	}
	appleCmd.Flags().StringVar(&appleID, "username", "", "Apple ID")
	appleCmd.MarkFlagRequired("username")

	var email string
	googleCmd := &cobra.Command{
		Use:   "google",
		Short: "Add a Google account through the browser sign-in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			account, err := a.addGoogleAccount(cmd, email)
			if err != nil {
				return err
			}
			return afterAdd(cmd, account)
		},
	}
	googleCmd.Flags().StringVar(&email, "email", "", "Google account address")
	googleCmd.MarkFlagRequired("email")

	gnomeCmd := &cobra.Command{
		Use:   "gnome",
		Short: "Import the calendar accounts of GNOME Online Accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			added, err := a.importGNOMEAccounts(cmd.Context())
			if err != nil {
				return err
			}
			if len(added) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), statusSkipped("No new GNOME Online Accounts with calendars"))
				return nil
			}
			return afterAdd(cmd, added...)
		},
	}

	cmd.AddCommand(caldavCmd, appleCmd, googleCmd, gnomeCmd)
	return cmd
}

func (a *app) addPasswordAccount(cmd *cobra.Command, account *calendar.Account, afterAdd func(*cobra.Command, ...*calendar.Account) error) error {
	if err := a.store.SaveAccount(cmd.Context(), account); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), dim(fmt.Sprintf("Set %s_ACCOUNT_%d_PASSWORD to the account password before syncing.",
		config.EnvPrefix, account.ID)))
	return afterAdd(cmd, account)
}

func (a *app) addGoogleAccount(cmd *cobra.Command, email string) (*calendar.Account, error) {
	if a.cfg.Google.ClientID == "" {
		return nil, errors.New("google.client_id is not configured")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), oauthTimeout)
	defer cancel()

	state := uuid.NewString()
	server, err := google.NewOAuthCallbackServer(state, a.logger)
	if err != nil {
		return nil, err
	}
	server.Start()
	defer server.Stop()

	a.google.SetRedirectURL(server.GetRedirectURL())
	authURL := a.google.GetAuthURL(state)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Opening the browser for Google sign-in. If it does not open, visit:")
	fmt.Fprintln(out, info(authURL))
	if err := openBrowser(authURL); err != nil {
		a.logger.Debug("failed to open browser", "error", err)
	}

	code, err := server.WaitForCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("google sign-in: %w", err)
	}

	account := &calendar.Account{
		Name:       "Google - " + email,
		Type:       calendar.AccountTypeGoogle,
		Email:      email,
		Username:   email,
		Enabled:    true,
		HomeSetURL: google.HomeSetURL(email),
	}
	if err := a.store.SaveAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to save account: %w", err)
	}
	if err := a.google.ExchangeCode(ctx, account, code); err != nil {
		if derr := a.store.DeleteAccount(context.WithoutCancel(ctx), account.ID); derr != nil {
			a.logger.Warn("failed to remove account after sign-in failure", "error", derr)
		}
		return nil, err
	}
	return account, nil
}

// importGNOMEAccounts adds the GOA accounts that are not imported yet.
func (a *app) importGNOMEAccounts(ctx context.Context) ([]*calendar.Account, error) {
	online, err := gnome.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := a.store.GetAllAccounts(ctx)
	if err != nil {
		return nil, err
	}
	imported := make(map[string]bool, len(existing))
	for _, account := range existing {
		if account.ExternalID != "" {
			imported[account.ExternalID] = true
		}
	}

	var added []*calendar.Account
	for _, goa := range online {
		if imported[goa.ID] {
			continue
		}
		account := goa.ToAccount()
		if account.ServerURL == "" && providers.ServerURL(account) == "" {
			a.logger.Info("skipping GNOME account without calendar URL", "account", goa.Identity)
			continue
		}
		if err := a.store.SaveAccount(ctx, account); err != nil {
			return added, fmt.Errorf("failed to save account %s: %w", account.Name, err)
		}
		added = append(added, account)
	}
	return added, nil
}

func newAccountsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List accounts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			accounts, err := a.store.GetAllAccounts(cmd.Context())
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), dim("No accounts. Add one with \"calsync accounts add\"."))
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, header("ID\tNAME\tTYPE\tSTATUS\tLAST SUCCESS"))
			for _, account := range accounts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					account.ID, account.Name, account.Type, accountStatus(account), formatTime(account.LastSuccessfulSync))
			}
			return w.Flush()
		},
	}
}

func accountStatus(account *calendar.Account) string {
	switch {
	case !account.Enabled:
		return statusSkipped("disabled")
	case account.ConsecutiveFailures > 0:
		return statusWarning(fmt.Sprintf("%d failed passes", account.ConsecutiveFailures))
	case account.LastSuccessfulSync.IsZero():
		return statusPending("never synced")
	default:
		return statusSuccess("ok")
	}
}

func newAccountsRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove an account with its calendars and local events",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := a.accountArg(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if account.Type == calendar.AccountTypeGoogle {
				if err := a.google.RemoveToken(account); err != nil {
					return fmt.Errorf("failed to remove token: %w", err)
				}
			}
			if err := a.store.DeleteAccount(cmd.Context(), account.ID); err != nil {
				return fmt.Errorf("failed to remove account: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusSuccess(fmt.Sprintf("Removed account %d (%s)", account.ID, account.Name)))
			return nil
		},
	}
}

func newAccountsToggleCmd(a *app, use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: "Include or exclude an account from sync passes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := a.accountArg(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			account.Enabled = enabled
			if err := a.store.SaveAccount(cmd.Context(), account); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusSuccess(fmt.Sprintf("Account %d %sd", account.ID, use)))
			return nil
		},
	}
}

func (a *app) accountArg(ctx context.Context, arg string) (*calendar.Account, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid account ID %q", arg)
	}
	account, err := a.store.GetAccount(ctx, id)
	if errors.Is(err, calendar.ErrNotFound) {
		return nil, fmt.Errorf("account %d not found", id)
	}
	return account, err
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}
