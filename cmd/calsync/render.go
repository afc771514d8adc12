package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	calsync "github.com/djwarf/calsync/internal/sync"
)

var (
	success = color.New(color.FgGreen).SprintFunc()
	failure = color.New(color.FgRed).SprintFunc()
	warning = color.New(color.FgYellow).SprintFunc()
	info    = color.New(color.FgCyan).SprintFunc()
	dim     = color.New(color.Faint).SprintFunc()
	header  = color.New(color.FgCyan, color.Bold).SprintFunc()
)

const (
	symbolSuccess = "✓"
	symbolError   = "✗"
	symbolWarning = "!"
	symbolSkipped = "-"
	symbolPending = "○"
)

func statusSuccess(msg string) string { return success(symbolSuccess) + " " + msg }
func statusError(msg string) string   { return failure(symbolError) + " " + msg }
func statusWarning(msg string) string { return warning(symbolWarning) + " " + msg }
func statusSkipped(msg string) string { return dim(symbolSkipped + " " + msg) }
func statusPending(msg string) string { return dim(symbolPending) + " " + msg }

func disableColors() {
	color.NoColor = true
}

// printResults writes one block per account pass.
func printResults(w io.Writer, results []calsync.AccountResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, statusSkipped("No enabled accounts"))
		return
	}
	for _, r := range results {
		res := r.Result
		summary := fmt.Sprintf("%s: pushed %s, pulled %s in %s",
			r.AccountName, formatCounts(res.Pushed), formatCounts(res.Pulled), res.Duration.Round(time.Millisecond))

		switch res.Outcome {
		case calsync.OutcomeSuccess:
			fmt.Fprintln(w, statusSuccess(summary))
		case calsync.OutcomeAuthError:
			fmt.Fprintln(w, statusError(summary+" (authentication failed)"))
		default:
			fmt.Fprintln(w, statusWarning(summary))
		}

		if res.ConflictsResolved > 0 {
			fmt.Fprintf(w, "  %d conflicts resolved\n", res.ConflictsResolved)
		}
		if res.Abandoned > 0 {
			fmt.Fprintln(w, "  "+warning(fmt.Sprintf("%d local changes abandoned after repeated conflicts", res.Abandoned)))
		}
		for _, e := range res.Errors {
			fmt.Fprintln(w, "  "+failure(e.Error()))
		}
	}
}

func formatCounts(c calsync.Counts) string {
	if c.Total() == 0 {
		return "nothing"
	}
	return fmt.Sprintf("+%d ~%d -%d", c.Created, c.Updated, c.Deleted)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-1]) + "…"
}
