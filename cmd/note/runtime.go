package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devtomas22/note/internal/kernel"
	"github.com/devtomas22/note/internal/kernel/luart"
	"github.com/devtomas22/note/internal/logging"
)

var runtimeCmd = &cobra.Command{
	Use:    "runtime",
	Short:  "Run a built-in kernel on stdio",
	Long:   `Runs a built-in kernel speaking newline-delimited protocol frames on stdin/stdout. The daemon launches these; they are not meant to be run by hand.`,
	Hidden: true,
}

var runtimeLuaCmd = &cobra.Command{
	Use:   "lua",
	Short: "Run the Lua kernel",
	Args:  cobra.NoArgs,
	RunE:  runRuntimeLua,
}

func init() {
	runtimeCmd.AddCommand(runtimeLuaCmd)
}

func runRuntimeLua(cmd *cobra.Command, args []string) error {
	// stdout carries frames, so logs go to stderr where the daemon picks
	// them up line by line.
	logger := logging.New(logging.Config{
		Level:   os.Getenv("NOTE_LOG_LEVEL"),
		JSON:    true,
		Service: "note-runtime-lua",
		Output:  os.Stderr,
	})

	interp := luart.New()
	defer interp.Close()
	host := kernel.NewHost(os.Stdin, os.Stdout, interp, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for {
			select {
			case <-interrupts:
				logger.Debug("interrupt received")
				host.Interrupt()
			case <-ctx.Done():
				return
			}
		}
	}()

	err := host.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
