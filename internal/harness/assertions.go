package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/questlog/internal/remote"
	"github.com/roach88/questlog/internal/tracker"
	"github.com/roach88/questlog/internal/wire"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s ok=%t xp=%d pending=%d\n",
			ev.Seq, ev.Step, ev.Detail, ev.OK, ev.XP, ev.Pending)
	}

	return buf.String()
}

// AssertionContext carries what assertions inspect besides the result.
type AssertionContext struct {
	Backend *remote.Memory
	UserID  string
}

// assertState compares each expected key against the final wire state.
// Values are compared in canonical form, so a YAML 10 equals a JSON 10.
// Nested objects must match in full.
func assertState(result *Result, assertion Assertion) error {
	raw, err := wire.Encode(result.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var actual map[string]any
	if err := dec.Decode(&actual); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		got, ok := actual[k]
		if !ok {
			return &AssertionError{
				Type:     AssertState,
				Expected: fmt.Sprintf("state field %q", k),
				Actual:   "field not present",
				Trace:    result.Trace,
			}
		}
		want, err := wire.Marshal(normalizeYAML(assertion.Expect[k]))
		if err != nil {
			return fmt.Errorf("state field %q: %w", k, err)
		}
		have, err := wire.Marshal(got)
		if err != nil {
			return fmt.Errorf("state field %q: %w", k, err)
		}
		if !bytes.Equal(want, have) {
			return &AssertionError{
				Type:     AssertState,
				Expected: fmt.Sprintf("%s = %s", k, want),
				Actual:   fmt.Sprintf("%s = %s", k, have),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

// normalizeYAML converts the shapes yaml.v3 decodes into ones wire.Marshal
// accepts.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = normalizeYAML(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalizeYAML(elem)
		}
		return out
	case uint64:
		return int64(val)
	default:
		return v
	}
}

func assertPending(result *Result, assertion Assertion) error {
	if result.Pending != assertion.Count {
		return &AssertionError{
			Type:     AssertPending,
			Expected: fmt.Sprintf("%d pending changes", assertion.Count),
			Actual:   fmt.Sprintf("%d pending changes", result.Pending),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertRemoteCount(result *Result, assertion Assertion, actx *AssertionContext) error {
	if actx == nil || actx.Backend == nil {
		return fmt.Errorf("remote_count requires a backend")
	}
	got := actx.Backend.Count(actx.UserID, tracker.Entity(assertion.Entity))
	if got != assertion.Count {
		return &AssertionError{
			Type:     AssertRemoteCount,
			Expected: fmt.Sprintf("%d remote %s entities", assertion.Count, assertion.Entity),
			Actual:   fmt.Sprintf("%d remote %s entities", got, assertion.Entity),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertTraceCount(result *Result, assertion Assertion) error {
	got := result.Count(assertion.Step)
	if got != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s steps", assertion.Count, assertion.Step),
			Actual:   fmt.Sprintf("%d %s steps", got, assertion.Step),
			Trace:    result.Trace,
		}
	}
	return nil
}

// EvaluateAssertions runs every assertion and returns the failures as
// messages. It never stops at the first failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertState:
			err = assertState(result, a)
		case AssertPending:
			err = assertPending(result, a)
		case AssertRemoteCount:
			err = assertRemoteCount(result, a, actx)
		case AssertTraceCount:
			err = assertTraceCount(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}
