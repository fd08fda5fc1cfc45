package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/harvester/internal/oplog"
)

// TailOptions holds flags for the tail command.
type TailOptions struct {
	*RootOptions
	Since  string
	Limit  int
	Follow bool
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print operation log entries",
		Long: `Print operation log entries after a position.

Without --follow the command prints what is in the log and exits. With
--follow it keeps waiting for new entries until interrupted or until --limit
entries were printed.

Example:
  harvester tail --db ./harvester.db
  harvester tail --since 1700000000_4 --follow --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "only entries after this position ({seconds}_{sequence})")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "stop after this many entries (0 = no limit)")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "wait for new entries")

	return cmd
}

// entryLine is one printed log entry.
type entryLine struct {
	Position   string         `json:"position"`
	Namespace  string         `json:"namespace"`
	Operation  string         `json:"operation"`
	DocumentID string         `json:"document_id"`
	Document   map[string]any `json:"document,omitempty"`
}

func newEntryLine(e oplog.Entry) entryLine {
	return entryLine{
		Position:   e.Position.String(),
		Namespace:  e.Namespace,
		Operation:  string(e.Operation),
		DocumentID: e.DocumentID,
		Document:   e.Document,
	}
}

// Text renders "position op namespace id {doc}".
func (l entryLine) Text() string {
	doc, err := json.Marshal(l.Document)
	if err != nil {
		doc = []byte("{}")
	}
	return fmt.Sprintf("%s %-6s %s %s %s", l.Position, l.Operation, l.Namespace, l.DocumentID, doc)
}

func runTail(cmd *cobra.Command, opts *TailOptions) error {
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--limit must not be negative, got %d", opts.Limit))
	}
	since, err := parsePosition(opts.Since)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger := newLogger(opts.RootOptions, cfg)

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend(b, logger)

	out := formatter(opts.RootOptions, cmd.OutOrStdout())

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	if !opts.Follow {
		entries, err := b.Read(parentCtx, since, opts.Limit)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read log", err)
		}
		for _, e := range entries {
			if err := out.Line(newEntryLine(e)); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cur, err := b.Tail(ctx, since)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open log cursor", err)
	}
	defer cur.Close()

	for printed := 0; opts.Limit == 0 || printed < opts.Limit; printed++ {
		e, err := cur.Next(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			return WrapExitError(ExitFailure, "tail failed", err)
		}
		if err := out.Line(newEntryLine(e)); err != nil {
			return err
		}
	}
	return nil
}
