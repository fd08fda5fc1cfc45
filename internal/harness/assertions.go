package harness

import (
	"fmt"
	"sort"
	"strings"
)

// AssertionError describes one failed assertion.
type AssertionError struct {
	Index   int
	Type    string
	Message string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion[%d] %s: %s", e.Index, e.Type, e.Message)
}

// EvaluateAssertions checks every assertion against result and returns the
// failure messages in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(i, result, a); err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func evaluate(i int, r *Result, a Assertion) *AssertionError {
	fail := func(format string, args ...any) *AssertionError {
		return &AssertionError{Index: i, Type: a.Type, Message: fmt.Sprintf(format, args...)}
	}

	switch a.Type {
	case AssertCallContains:
		for _, e := range r.Trace {
			if e.Outcome == OutcomeOK && matches(e, a) {
				return nil
			}
		}
		return fail("no successful call for %s", describe(a))

	case AssertCallOrder:
		keys := successfulKeys(r.Trace)
		next := 0
		for _, k := range keys {
			if next < len(a.Calls) && k == a.Calls[next] {
				next++
			}
		}
		if next < len(a.Calls) {
			return fail("expected %q after %v, got calls %v", a.Calls[next], a.Calls[:next], keys)
		}
		return nil

	case AssertCallCount:
		n := 0
		for _, e := range r.Trace {
			if matches(e, a) {
				n++
			}
		}
		if n != a.Count {
			return fail("expected %d calls for %s, got %d", a.Count, describe(a), n)
		}
		return nil

	case AssertCheckpoint:
		want := r.Last
		if a.At == "initial" {
			want = r.Initial
		}
		if r.Checkpoint != want {
			return fail("expected checkpoint %s (%s), got %s", want, a.At, r.Checkpoint)
		}
		return nil

	case AssertFinalState:
		key := a.Resource + "/" + a.ID
		rec, ok := r.State[key]
		if a.Absent {
			if ok {
				return fail("expected %s to be absent, found %v", key, rec)
			}
			return nil
		}
		if !ok {
			return fail("record %s not found", key)
		}
		var mismatched []string
		for field, want := range a.Expect {
			got, present := rec[field]
			if !present || fmt.Sprint(got) != fmt.Sprint(want) {
				mismatched = append(mismatched, fmt.Sprintf("%s: want %v, got %v", field, want, got))
			}
		}
		if len(mismatched) > 0 {
			sort.Strings(mismatched)
			return fail("%s fields differ: %s", key, strings.Join(mismatched, "; "))
		}
		return nil

	case AssertFatal:
		if r.Fatal == nil {
			return fail("pipeline did not stop with an error")
		}
		if a.Contains != "" && !strings.Contains(r.Fatal.Error(), a.Contains) {
			return fail("fatal error %q does not contain %q", r.Fatal, a.Contains)
		}
		return nil
	}

	return fail("unknown assertion type")
}

// matches reports whether e is selected by the assertion's resource,
// operation and id. Empty selectors match anything.
func matches(e TraceEvent, a Assertion) bool {
	if a.Resource != "" && e.Resource != a.Resource {
		return false
	}
	if a.Operation != "" && e.Operation != a.Operation {
		return false
	}
	if a.ID != "" && e.DocumentID != a.ID {
		return false
	}
	return true
}

func describe(a Assertion) string {
	parts := []string{a.Resource, a.Operation, a.ID}
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return "any change"
	}
	return strings.Join(out, " ")
}

func successfulKeys(trace []TraceEvent) []string {
	var keys []string
	for _, e := range trace {
		if e.Outcome == OutcomeOK {
			keys = append(keys, e.Key())
		}
	}
	return keys
}
