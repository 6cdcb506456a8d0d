// Package cli implements the ferry command tree.
package cli

import (
	"io"

	"github.com/coder/serpent"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
)

// Root returns the ferry command tree.
func Root() *serpent.Command {
	return &serpent.Command{
		Use:   "ferry",
		Short: "Reverse-proxy gateway for tunneled coding backends",
		Handler: func(inv *serpent.Invocation) error {
			return inv.Command.HelpHandler(inv)
		},
		Children: []*serpent.Command{
			serverCommand(),
			pingCommand(),
			wakeCommand(),
		},
	}
}

// newLogger builds the human-readable logger all subcommands share.
func newLogger(w io.Writer, verbose bool) slog.Logger {
	logger := slog.Make(sloghuman.Sink(w))
	if verbose {
		return logger.Leveled(slog.LevelDebug)
	}
	return logger.Leveled(slog.LevelInfo)
}
