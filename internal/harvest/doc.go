// Package harvest runs the change-capture pipeline: tail the log from the
// instance checkpoint, dispatch each entry to its registered handlers
// through the throttle, retry failures, and advance the checkpoint in log
// order once an entry's tracked handlers have settled.
//
// Goroutines and their ownership:
//   - run: the tail loop. Reads one entry per free read slot and dispatches it.
//   - advance: consumes dispatched entries in order, waits for their tracked
//     invocations and persists the checkpoint.
//   - one goroutine per handler invocation, owned by the harvester's tomb.
//
// MaxPending read slots bound how far reading may run ahead of the
// checkpoint. With the default of one, an entry is only read after the
// previous one has been checkpointed.
//
// Error policy:
//   - Handler failures are logged and retried, never fatal, unless
//     MaxAttempts is set and exhausted.
//   - Tail and checkpoint failures are fatal and returned from Wait.
//   - Detached invocation failures are retried but otherwise only logged.
package harvest
