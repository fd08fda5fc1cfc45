// Package store provides SQLite-backed document storage with a built-in
// operation log.
//
// The store plays two roles for the change pipeline:
//   - resource.Adapter: Find/Create/Update/Delete over JSON documents
//   - oplog.Log: a tailable, append-only log of every write
//
// Every write appends exactly one oplog row inside the same transaction as
// the document change, so the log can never disagree with the records.
//
// # Positions
//
// Positions are (seconds, sequence). The seconds part comes from the store's
// clock; the sequence restarts at 1 each second. If the clock steps
// backwards the previous seconds value is reused, so positions stay strictly
// increasing regardless of wall time.
//
// # Tailing
//
// Cursors first drain pending rows with a "position > since" range scan,
// then block. They wake on an in-process broadcast issued after each commit,
// and also poll at a fixed interval so writes made by other processes
// sharing the database file are picked up.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
