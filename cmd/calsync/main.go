// Command calsync keeps a local calendar store in sync with CalDAV servers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	defer a.close()

	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errPassFailed) {
			fmt.Fprintln(os.Stderr, statusError(err.Error()))
		}
		return 1
	}
	return 0
}
