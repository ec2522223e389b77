package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/questlog/internal/ledger"
	"github.com/roach88/questlog/internal/tracker"
)

// DefaultStart is the clock's starting point when a scenario sets none.
var DefaultStart = time.Date(2026, 3, 10, 12, 0, 0, 0, ledger.Zone)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start fixes the fake clock. Zero uses DefaultStart.
	Start time.Time `yaml:"start,omitempty"`

	// Rules is an optional rules file, relative to the scenario file.
	Rules string `yaml:"rules,omitempty"`

	// UserID is the synchronized user. Empty uses "scenario-user".
	UserID string `yaml:"user,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: state, pending, remote_count, trace_count
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one selector field is set.
type Step struct {
	Complete string   `yaml:"complete,omitempty"`
	Tags     []string `yaml:"tags,omitempty"`
	Category string   `yaml:"category,omitempty"`

	Put    string         `yaml:"put,omitempty"`
	Delete string         `yaml:"delete,omitempty"`
	ID     string         `yaml:"id,omitempty"`
	Data   map[string]any `yaml:"data,omitempty"`

	Advance Duration `yaml:"advance,omitempty"`
	Online  *bool    `yaml:"online,omitempty"`
	Push    bool     `yaml:"push,omitempty"`
	Pull    bool     `yaml:"pull,omitempty"`

	// Repeat runs the step this many times (default 1).
	Repeat int `yaml:"repeat,omitempty"`
	// Every advances the clock after each repetition.
	Every Duration `yaml:"every,omitempty"`

	// ExpectError makes a failing step pass and a succeeding one fail.
	ExpectError bool `yaml:"expect_error,omitempty"`
}

// Step kinds, as recorded in the trace.
const (
	StepComplete = "complete"
	StepPut      = "put"
	StepDelete   = "delete"
	StepAdvance  = "advance"
	StepOnline   = "online"
	StepPush     = "push"
	StepPull     = "pull"
)

// Kind returns the step's selector, or "" when none or several are set.
func (s Step) Kind() string {
	var kinds []string
	if s.Complete != "" {
		kinds = append(kinds, StepComplete)
	}
	if s.Put != "" {
		kinds = append(kinds, StepPut)
	}
	if s.Delete != "" {
		kinds = append(kinds, StepDelete)
	}
	if s.Advance > 0 {
		kinds = append(kinds, StepAdvance)
	}
	if s.Online != nil {
		kinds = append(kinds, StepOnline)
	}
	if s.Push {
		kinds = append(kinds, StepPush)
	}
	if s.Pull {
		kinds = append(kinds, StepPull)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Duration is a time.Duration written as "24h" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "state": subset match against the final wire state
	// - "pending": number of changes not yet acknowledged
	// - "remote_count": number of remote entities of a kind
	// - "trace_count": number of trace events of a step kind
	Type string `yaml:"type"`

	// Expect holds the expected state fields (used by state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Entity is the remote entity kind (used by remote_count).
	Entity string `yaml:"entity,omitempty"`

	// Step is the step kind to count (used by trace_count).
	Step string `yaml:"step,omitempty"`

	// Count is the expected number (pending, remote_count, trace_count).
	Count int `yaml:"count"`
}

// Assertion type constants.
const (
	AssertState       = "state"
	AssertPending     = "pending"
	AssertRemoteCount = "remote_count"
	AssertTraceCount  = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A relative rules path is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Rules != "" && !filepath.IsAbs(scenario.Rules) {
		scenario.Rules = filepath.Join(filepath.Dir(path), scenario.Rules)
	}
	if scenario.Rules != "" {
		if _, err := os.Stat(scenario.Rules); err != nil {
			return nil, fmt.Errorf("invalid scenario: rules file: %w", err)
		}
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML and validates it.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateStep validates a single step based on its kind.
func validateStep(index int, s Step) error {
	kind := s.Kind()
	switch kind {
	case "":
		return fmt.Errorf("steps[%d]: exactly one of complete, put, delete, advance, online, push, pull is required", index)
	case StepComplete:
		if _, err := ledger.ParseActionType(s.Complete); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case StepPut, StepDelete:
		name := s.Put + s.Delete
		e, err := tracker.ParseEntity(name)
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
		if e.IsCollection() && s.ID == "" {
			return fmt.Errorf("steps[%d]: id is required for %s", index, e)
		}
		if kind == StepPut && s.Data == nil {
			return fmt.Errorf("steps[%d]: data is required for put (use empty map if no data)", index)
		}
	}
	if s.Repeat < 0 {
		return fmt.Errorf("steps[%d]: repeat must be non-negative", index)
	}
	if s.Every < 0 {
		return fmt.Errorf("steps[%d]: every must be non-negative", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for state", index)
		}
	case AssertPending:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for pending", index)
		}
	case AssertRemoteCount:
		if _, err := tracker.ParseEntity(a.Entity); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for remote_count", index)
		}
	case AssertTraceCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
