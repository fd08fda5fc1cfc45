package harness

import (
	"fmt"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/resource"
)

// Call outcomes recorded in the trace.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// TraceEvent is one handler attempt.
type TraceEvent struct {
	Seq        int64  `json:"seq"`
	Resource   string `json:"resource"`
	Operation  string `json:"operation"`
	DocumentID string `json:"document_id"`
	Position   string `json:"position"`
	Outcome    string `json:"outcome"`
}

// Key is the "resource operation id" form used by call_order.
func (e TraceEvent) Key() string {
	return fmt.Sprintf("%s %s %s", e.Resource, e.Operation, e.DocumentID)
}

// Result is the outcome of one scenario run.
type Result struct {
	Pass   bool
	Trace  []TraceEvent
	Errors []string

	// Initial is the checkpoint the harvester started from.
	Initial oplog.Position

	// Last is the position of the final flow entry.
	Last oplog.Position

	// Checkpoint is the stored checkpoint after the run.
	Checkpoint oplog.Position

	// Fatal is the error the pipeline stopped with, if any.
	Fatal error

	// State holds the final records touched by the flow, keyed by
	// "resource/id". Deleted records are absent.
	State map[string]resource.Record
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:  true,
		Trace: []TraceEvent{},
		State: make(map[string]resource.Record),
	}
}

// AddError records a failure.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}
