// Package harness runs YAML scenarios against a live harvester pipeline.
//
// A scenario registers recording handlers, writes a flow of records, starts
// a harvester from a checkpoint placed just before the flow and waits until
// the checkpoint catches up (or the pipeline dies). Assertions then check
// the handler trace, the checkpoint and the final records.
//
// # Scenario Format
//
//	name: retry_then_advance
//	description: "What this scenario validates"
//	database: app
//	retry:
//	  max_attempts: 0
//	handlers:
//	  - resource: post
//	    operations: [insert, update]
//	    filter: title
//	    fail_first: 2
//	flow:
//	  - op: insert
//	    resource: post
//	    id: p1
//	    doc: { title: hello }
//	  - op: update
//	    resource: post
//	    id: p1
//	    set: { title: changed }
//	assertions:
//	  - type: call_count
//	    resource: post
//	    operation: insert
//	    count: 3
//	  - type: checkpoint
//	    at: last
//
// # Assertion Types
//
//   - call_contains: a handler call for resource/operation/id succeeded
//   - call_order: successful calls appear in the given order
//   - call_count: handler attempts (failures included) for resource/operation
//   - checkpoint: the checkpoint is at "last" (the last flow entry) or "initial"
//   - final_state: a record's fields match, or the record is absent
//   - fatal: the pipeline stopped with an error containing the given text
//
// # Determinism
//
// Every scenario runs in an in-memory SQLite store with a frozen clock, so
// log positions depend only on the flow. Tracked handlers with max_pending 1
// run in log order, which makes the trace stable enough for golden files.
package harness
