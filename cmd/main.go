package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MimeLyc/storyreel/internal/apperr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
			var appErr *apperr.Error
			if errors.As(err, &appErr) {
				fmt.Fprintln(os.Stderr, "Hint:", apperr.Advice(err))
			}
		}
		stop()
		os.Exit(1)
	}
}
