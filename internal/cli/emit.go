package cli

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/resource"
)

// NewEmitCommand creates the emit command group. Each subcommand writes one
// record through the adapter, which appends the matching log entry.
func NewEmitCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Write records to generate log entries",
		Long: `Write records through the storage adapter. Every write appends an
operation log entry, so emit is a quick way to drive handlers and streams.

Example:
  harvester emit insert post '{"id":"p1","title":"hello"}'
  harvester emit update post p1 '{"title":"changed"}'
  harvester emit delete post p1`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:           "insert <resource> [json]",
			Short:         "Create a record (an id is generated when missing)",
			Args:          cobra.RangeArgs(1, 2),
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				body := "{}"
				if len(args) == 2 {
					body = args[1]
				}
				return runEmit(cmd, rootOpts, oplog.OpInsert, args[0], "", body)
			},
		},
		&cobra.Command{
			Use:           "update <resource> <id> <json>",
			Short:         "Set fields on a record",
			Args:          cobra.ExactArgs(3),
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runEmit(cmd, rootOpts, oplog.OpUpdate, args[0], args[1], args[2])
			},
		},
		&cobra.Command{
			Use:           "delete <resource> <id>",
			Short:         "Delete a record",
			Args:          cobra.ExactArgs(2),
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runEmit(cmd, rootOpts, oplog.OpDelete, args[0], args[1], "")
			},
		},
	)
	return cmd
}

// emitResult reports what was written.
type emitResult struct {
	Operation string          `json:"operation"`
	Resource  string          `json:"resource"`
	ID        string          `json:"id"`
	Record    resource.Record `json:"record,omitempty"`
}

// Text implements texter.
func (r emitResult) Text() string {
	return fmt.Sprintf("%s %s %s", r.Operation, r.Resource, r.ID)
}

func decodeBody(body string) (map[string]any, error) {
	doc := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid JSON document", err)
	}
	return doc, nil
}

func runEmit(cmd *cobra.Command, opts *RootOptions, op oplog.Operation, typ, id, body string) error {
	var doc map[string]any
	if op != oplog.OpDelete {
		var err error
		if doc, err = decodeBody(body); err != nil {
			return err
		}
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(opts, cfg)

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend(b, logger)

	ctx := cmd.Context()
	result := emitResult{Operation: string(op), Resource: typ, ID: id}

	switch op {
	case oplog.OpInsert:
		rec, err := b.Create(ctx, typ, resource.Record(doc))
		if err != nil {
			return WrapExitError(ExitFailure, "insert failed", err)
		}
		result.ID = rec.ID()
		result.Record = rec
	case oplog.OpUpdate:
		if err := b.Update(ctx, typ, id, doc); err != nil {
			return WrapExitError(ExitFailure, "update failed", err)
		}
	case oplog.OpDelete:
		if err := b.Delete(ctx, typ, id); err != nil {
			return WrapExitError(ExitFailure, "delete failed", err)
		}
	}

	logger.Debug("record written", "event", "emit", "operation", string(op), "resource", typ, "id", result.ID)
	return formatter(opts, cmd.OutOrStdout()).Success(result)
}
