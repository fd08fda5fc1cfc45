package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/harvester/internal/checkpoint"
	"github.com/roach88/harvester/internal/oplog"
)

// CheckpointOptions holds flags shared by the checkpoint subcommands.
type CheckpointOptions struct {
	*RootOptions
	InstanceID string
	Head       bool
}

// NewCheckpointCommand creates the checkpoint command group.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckpointOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or move an instance checkpoint",
	}
	cmd.PersistentFlags().StringVar(&opts.InstanceID, "instance", "", "checkpoint instance id (overrides config)")

	show := &cobra.Command{
		Use:           "show",
		Short:         "Print the stored checkpoint and the log head",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointShow(cmd, opts)
		},
	}

	reset := &cobra.Command{
		Use:   "reset [position]",
		Short: "Set the checkpoint to a position",
		Long: `Set the checkpoint of an instance, creating it if needed.

The next serve resumes after the given position. Moving the checkpoint
backwards replays entries to the handlers; moving it forwards skips them.

Example:
  harvester checkpoint reset 1700000000_12
  harvester checkpoint reset --head --instance worker-2`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointReset(cmd, opts, args)
		},
	}
	reset.Flags().BoolVar(&opts.Head, "head", false, "reset to the current log head")

	cmd.AddCommand(show, reset)
	return cmd
}

// checkpointStatus is the result of checkpoint show and reset.
type checkpointStatus struct {
	InstanceID string `json:"instance_id"`
	Namespace  string `json:"namespace"`
	Position   string `json:"position,omitempty"`
	Found      bool   `json:"found"`
	Head       string `json:"head"`
}

// Text implements texter.
func (s checkpointStatus) Text() string {
	pos := s.Position
	if !s.Found {
		pos = "(none)"
	}
	return fmt.Sprintf("instance:   %s\nnamespace:  %s\ncheckpoint: %s\nhead:       %s", s.InstanceID, s.Namespace, pos, s.Head)
}

func runCheckpointShow(cmd *cobra.Command, opts *CheckpointOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.InstanceID != "" {
		cfg.InstanceID = opts.InstanceID
	}
	logger := newLogger(opts.RootOptions, cfg)

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend(b, logger)

	ctx := cmd.Context()
	cp := checkpoint.New(b, cfg.InstanceID)
	pos, found, err := cp.Load(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load checkpoint", err)
	}
	head, err := b.Head(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read log head", err)
	}

	status := checkpointStatus{
		InstanceID: cp.InstanceID(),
		Namespace:  cp.Namespace(),
		Found:      found,
		Head:       head.String(),
	}
	if found {
		status.Position = pos.String()
	}
	return formatter(opts.RootOptions, cmd.OutOrStdout()).Success(status)
}

func runCheckpointReset(cmd *cobra.Command, opts *CheckpointOptions, args []string) error {
	if opts.Head == (len(args) == 1) {
		return NewExitError(ExitCommandError, "give either a position or --head")
	}
	var target oplog.Position
	if len(args) == 1 {
		pos, err := parsePosition(args[0])
		if err != nil {
			return err
		}
		target = pos
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.InstanceID != "" {
		cfg.InstanceID = opts.InstanceID
	}
	logger := newLogger(opts.RootOptions, cfg)

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend(b, logger)

	ctx := cmd.Context()
	head, err := b.Head(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read log head", err)
	}
	if opts.Head {
		target = head
	}

	cp := checkpoint.New(b, cfg.InstanceID)
	if err := cp.Reset(ctx, target); err != nil {
		return WrapExitError(ExitFailure, "failed to reset checkpoint", err)
	}
	logger.Info("checkpoint reset", "event", "checkpoint_reset", "instance", cp.InstanceID(), "position", target.String())

	return formatter(opts.RootOptions, cmd.OutOrStdout()).Success(checkpointStatus{
		InstanceID: cp.InstanceID(),
		Namespace:  cp.Namespace(),
		Position:   target.String(),
		Found:      true,
		Head:       head.String(),
	})
}
