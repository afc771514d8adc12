package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/djwarf/calsync/internal/config"
	"github.com/djwarf/calsync/internal/logging"
	"github.com/djwarf/calsync/internal/notify"
	calsync "github.com/djwarf/calsync/internal/sync"
	"github.com/djwarf/calsync/pkg/calendar"
	"github.com/djwarf/calsync/pkg/providers"
	"github.com/djwarf/calsync/pkg/providers/gnome"
	"github.com/djwarf/calsync/pkg/providers/google"
)

// app holds what the subcommands share. It is filled in by setup before
// any subcommand runs.
type app struct {
	configPath string
	debug      bool
	noColor    bool

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	store     *calendar.Store
	google    *google.Credentials
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "calsync",
		Short: "Offline-first CalDAV calendar synchronization",
		Long: `calsync keeps a local calendar database in sync with CalDAV servers.

Local edits are queued in an outbox and replayed on the next pass; remote
changes are pulled incrementally. Conflicts are resolved with the strategy
configured in conflict_strategy.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default "+config.ConfigPath()+")")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newSyncCmd(a),
		newWatchCmd(a),
		newAccountsCmd(a),
		newOutboxCmd(a),
	)
	return root
}

func (a *app) setup() error {
	if a.noColor {
		disableColors()
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.debug {
		cfg.Log.Level = "debug"
	}
	a.cfg = cfg

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.logger, a.logCloser = logger, closer
	slog.SetDefault(logger)

	store, err := calendar.NewStore(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = store

	a.google = google.NewCredentials(&google.OAuthConfig{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
	}, cfg.TokenDir())
	return nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", logging.Err(err))
		}
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

// credentials resolves account credentials: stored Google tokens first,
// then GNOME Online Accounts, then CALSYNC_*_PASSWORD variables.
func (a *app) credentials() providers.CredentialProvider {
	return providers.ChainCredentials{
		a.google,
		gnome.Credentials{},
		providers.EnvCredentials{Prefix: config.EnvPrefix},
	}
}

func (a *app) notifier() notify.Notifier {
	logged := notify.LogNotifier{Logger: a.logger}
	if !a.cfg.NotificationsEnabled {
		return logged
	}
	return notify.Multi{logged, notify.NewDesktop(a.logger)}
}

func (a *app) orchestrator() *calsync.Orchestrator {
	opts := a.cfg.SyncOptions()
	opts.Logger = a.logger
	opts.Notifier = a.notifier()
	return calsync.NewOrchestrator(a.store, calsync.CalDAVDialer(a.credentials(), a.logger), opts)
}

// pass runs one sync pass over a single account, or over every enabled
// account when accountID is zero.
func (a *app) pass(ctx context.Context, accountID int64, pass calsync.PassOptions) ([]calsync.AccountResult, error) {
	orch := a.orchestrator()
	if accountID == 0 {
		return orch.SyncAll(ctx, pass)
	}

	account, err := a.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %d: %w", accountID, err)
	}
	res, err := orch.SyncAccount(ctx, accountID, pass)
	if err != nil {
		return nil, err
	}
	return []calsync.AccountResult{{AccountID: account.ID, AccountName: account.Name, Result: res}}, nil
}
