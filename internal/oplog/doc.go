// Package oplog defines the operation-log model shared by every log backend.
//
// An operation log is an append-only, totally ordered record of writes. Each
// entry carries a two-part Position (seconds + per-second sequence) that is
// strictly increasing across the log. Positions serve two purposes:
//
//   - Resume cursor: all tailing starts from "position greater than X".
//   - SSE event id: Position.String() renders "{seconds}_{sequence}".
//
// Backends (internal/store for SQLite, internal/mongostore for MongoDB)
// implement the Log interface. Consumers never depend on a concrete backend.
package oplog
