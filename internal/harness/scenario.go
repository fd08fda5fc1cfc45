package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/harvester/internal/oplog"
)

// Scenario is one conformance scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Database prefixes namespaces. Defaults to "harvester".
	Database string `yaml:"database,omitempty"`

	// MaxPending is passed to the harvester. Defaults to 1.
	MaxPending int `yaml:"max_pending,omitempty"`

	Retry RetrySpec `yaml:"retry,omitempty"`

	Handlers []HandlerSpec `yaml:"handlers"`
	Flow     []FlowStep    `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`

	// Timeout bounds the wait for the checkpoint, e.g. "2s". Defaults to 5s.
	Timeout string `yaml:"timeout,omitempty"`
}

// RetrySpec mirrors the harvester's retry settings. Delays default to 1ms
// so scenarios stay fast.
type RetrySpec struct {
	Delay       string `yaml:"delay,omitempty"`
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
	StuckAfter  int    `yaml:"stuck_after,omitempty"`
}

// HandlerSpec registers one recording handler set.
type HandlerSpec struct {
	Resource   string   `yaml:"resource"`
	Operations []string `yaml:"operations"`

	// Filter is the update field filter.
	Filter string `yaml:"filter,omitempty"`

	// FailFirst makes the first N calls of this registration fail.
	FailFirst int `yaml:"fail_first,omitempty"`

	// Mode is "tracked" (default) or "detached".
	Mode string `yaml:"mode,omitempty"`
}

// FlowStep is one write.
type FlowStep struct {
	Op       string         `yaml:"op"`
	Resource string         `yaml:"resource"`
	ID       string         `yaml:"id"`
	Doc      map[string]any `yaml:"doc,omitempty"`
	Set      map[string]any `yaml:"set,omitempty"`
}

// Assertion checks the outcome of a run.
type Assertion struct {
	Type string `yaml:"type"`

	Resource  string `yaml:"resource,omitempty"`
	Operation string `yaml:"operation,omitempty"`
	ID        string `yaml:"id,omitempty"`

	// Calls lists "resource operation id" triples for call_order.
	Calls []string `yaml:"calls,omitempty"`

	Count int `yaml:"count,omitempty"`

	// At is "last" or "initial" for checkpoint.
	At string `yaml:"at,omitempty"`

	Expect map[string]any `yaml:"expect,omitempty"`
	Absent bool           `yaml:"absent,omitempty"`

	// Contains is the expected substring for fatal.
	Contains string `yaml:"contains,omitempty"`
}

// Assertion type constants.
const (
	AssertCallContains = "call_contains"
	AssertCallOrder    = "call_order"
	AssertCallCount    = "call_count"
	AssertCheckpoint   = "checkpoint"
	AssertFinalState   = "final_state"
	AssertFatal        = "fatal"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if len(s.Handlers) == 0 {
		return errors.New("handlers list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return errors.New("flow list is required and must be non-empty")
	}

	for i, h := range s.Handlers {
		if h.Resource == "" {
			return fmt.Errorf("handlers[%d]: resource is required", i)
		}
		if len(h.Operations) == 0 {
			return fmt.Errorf("handlers[%d]: operations must be non-empty", i)
		}
		for _, op := range h.Operations {
			if _, err := oplog.ParseOperation(op); err != nil {
				return fmt.Errorf("handlers[%d]: %w", i, err)
			}
		}
		switch h.Mode {
		case "", "tracked", "detached":
		default:
			return fmt.Errorf("handlers[%d]: unknown mode %q", i, h.Mode)
		}
	}

	for i, step := range s.Flow {
		op, err := oplog.ParseOperation(step.Op)
		if err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.Resource == "" {
			return fmt.Errorf("flow[%d]: resource is required", i)
		}
		if op != oplog.OpInsert && step.ID == "" {
			return fmt.Errorf("flow[%d]: id is required for %s", i, op)
		}
		if op == oplog.OpUpdate && len(step.Set) == 0 {
			return fmt.Errorf("flow[%d]: set is required for update", i)
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertCallContains, AssertCallOrder, AssertCallCount, AssertFinalState, AssertFatal:
		case AssertCheckpoint:
			if a.At != "last" && a.At != "initial" {
				return fmt.Errorf("assertions[%d]: checkpoint needs at: last or at: initial", i)
			}
		default:
			return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
		}
	}
	return nil
}
