package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/djwarf/calsync/pkg/calendar"
)

func newOutboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and manage queued local changes",
	}
	cmd.AddCommand(newOutboxListCmd(a), newOutboxRetryCmd(a), newOutboxDropCmd(a))
	return cmd
}

func newOutboxListCmd(a *app) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queued changes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ops, err := a.store.GetAllOperations(cmd.Context())
			if err != nil {
				return err
			}
			ops = filterOperations(ops, calendar.OpStatus(status))
			if len(ops) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), dim("Outbox is empty."))
				return nil
			}

			ids := make([]int64, len(ops))
			for i, op := range ops {
				ids[i] = op.EventID
			}
			events, err := a.store.GetEvents(cmd.Context(), ids)
			if err != nil {
				return err
			}

			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, header("ID\tKIND\tSTATUS\tEVENT\tRETRIES\tNEXT\tLAST ERROR"))
			for _, op := range ops {
				title := "?"
				if ev := events[op.EventID]; ev != nil {
					title = truncate(ev.Title, 40)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
					op.ID, operationKind(op), operationStatus(op), title, op.RetryCount,
					nextAttempt(op, now), truncate(op.LastError, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only entries in this status (pending, in_progress, conflict, failed)")
	return cmd
}

func filterOperations(ops []*calendar.PendingOperation, status calendar.OpStatus) []*calendar.PendingOperation {
	if status == "" {
		return ops
	}
	var out []*calendar.PendingOperation
	for _, op := range ops {
		if op.Status == status {
			out = append(out, op)
		}
	}
	return out
}

func newOutboxRetryCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [id...]",
		Short: "Make failed or waiting entries due on the next pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("pass entry IDs or --all")
			}
			ops, err := a.selectOperations(cmd.Context(), args, all)
			if err != nil {
				return err
			}

			n := 0
			for _, op := range ops {
				if op.Status == calendar.OpInProgress || op.Due(time.Now()) {
					continue
				}
				retryNow(op)
				if err := a.store.SaveOperation(cmd.Context(), op); err != nil {
					return err
				}
				n++
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusSuccess(fmt.Sprintf("%d entries queued for the next pass", n)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "retry every entry")
	return cmd
}

// retryNow clears the backoff of an entry.
func retryNow(op *calendar.PendingOperation) {
	op.Status = calendar.OpPending
	op.RetryCount = 0
	op.NextRetryAt = time.Time{}
	op.LastError = ""
}

func newOutboxDropCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <id>...",
		Short: "Discard queued changes; the server version returns on the next pass",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := a.selectOperations(cmd.Context(), args, false)
			if err != nil {
				return err
			}
			for _, op := range ops {
				if err := a.dropOperation(cmd.Context(), op); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), statusSuccess(fmt.Sprintf("Dropped %s of event %d", op.Kind, op.EventID)))
			}
			return nil
		},
	}
}

// dropOperation discards a queued change. An event that never reached the
// server is removed; any other event is marked for a refresh from the
// server.
func (a *app) dropOperation(ctx context.Context, op *calendar.PendingOperation) error {
	if op.Kind == calendar.OpCreate {
		return a.store.DeleteEvent(ctx, op.EventID)
	}
	return a.store.AbandonOperation(ctx, op, "local change discarded")
}

func (a *app) selectOperations(ctx context.Context, args []string, all bool) ([]*calendar.PendingOperation, error) {
	if all {
		return a.store.GetAllOperations(ctx)
	}
	ops := make([]*calendar.PendingOperation, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid entry ID %q", arg)
		}
		op, err := a.store.GetOperation(ctx, id)
		if errors.Is(err, calendar.ErrNotFound) {
			return nil, fmt.Errorf("outbox entry %d not found", id)
		}
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func operationKind(op *calendar.PendingOperation) string {
	if op.Kind == calendar.OpMove && op.MovePhase != "" {
		return string(op.Kind) + "/" + string(op.MovePhase)
	}
	return string(op.Kind)
}

func operationStatus(op *calendar.PendingOperation) string {
	switch op.Status {
	case calendar.OpFailed:
		return statusError(string(op.Status))
	case calendar.OpConflict:
		return statusWarning(string(op.Status))
	default:
		return statusPending(string(op.Status))
	}
}

func nextAttempt(op *calendar.PendingOperation, now time.Time) string {
	switch {
	case op.Status != calendar.OpPending:
		return "-"
	case op.Due(now):
		return "now"
	default:
		return "in " + op.NextRetryAt.Sub(now).Round(time.Second).String()
	}
}
