package main

import (
	"errors"

	"github.com/spf13/cobra"

	calsync "github.com/djwarf/calsync/internal/sync"
)

// errPassFailed is returned when a pass finished with errors that were
// already printed with the results.
var errPassFailed = errors.New("sync finished with errors")

func newSyncCmd(a *app) *cobra.Command {
	var (
		accountID int64
		pass      calsync.PassOptions
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass",
		Long: `Push queued local changes, resolve conflicts and pull remote changes
for every enabled account, or for one account with --account.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			results, err := a.pass(cmd.Context(), accountID, pass)
			if err != nil {
				return err
			}
			printResults(cmd.OutOrStdout(), results)
			if !allOK(results) {
				return errPassFailed
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&accountID, "account", 0, "sync only this account ID")
	cmd.Flags().BoolVar(&pass.ForceFull, "full", false, "list every item instead of using change tokens")
	cmd.Flags().BoolVar(&pass.Discover, "discover", false, "refresh the calendar list first")
	return cmd
}

func allOK(results []calsync.AccountResult) bool {
	for _, r := range results {
		if !r.Result.OK() {
			return false
		}
	}
	return true
}
