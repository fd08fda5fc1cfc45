package harvest

import "github.com/roach88/harvester/internal/oplog"

// Invocation outcomes reported to an Observer.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeSkipped   = "skipped"
	OutcomeExhausted = "exhausted"
)

// Observer receives pipeline measurements. internal/metrics implements it
// with Prometheus collectors.
type Observer interface {
	// Invocation is called once per handler attempt outcome.
	Invocation(resource string, op oplog.Operation, outcome string)

	// Retry is called before each retry delay.
	Retry(resource string, op oplog.Operation)

	// Stuck adjusts the number of currently stuck invocations by delta.
	Stuck(delta int)

	// Checkpoint is called after the checkpoint was persisted.
	Checkpoint(pos oplog.Position)
}

type nopObserver struct{}

func (nopObserver) Invocation(string, oplog.Operation, string) {}
func (nopObserver) Retry(string, oplog.Operation)              {}
func (nopObserver) Stuck(int)                                  {}
func (nopObserver) Checkpoint(oplog.Position)                  {}
