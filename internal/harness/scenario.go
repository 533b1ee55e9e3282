package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rowmap/internal/modelspec"
)

// Scenario represents a conformance test scenario loaded from YAML.
type Scenario struct {
	// Name is the unique identifier for this scenario; golden files use it.
	Name string `yaml:"name"`

	// Description explains what this scenario tests.
	Description string `yaml:"description"`

	// Schema is the SQL that creates the tables.
	Schema string `yaml:"schema"`

	// Models are registered in dependency order before setup.
	Models []modelspec.Model `yaml:"models"`

	// Setup statements run before the flow without producing notifications.
	Setup []string `yaml:"setup,omitempty"`

	// Flow is the sequence of steps under test.
	Flow []Step `yaml:"flow"`

	// Assertions are evaluated after the flow.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one flow operation. Which fields apply depends on Op. Instances
// are addressed by model and key and stay referenced until the run ends.
type Step struct {
	Op    string `yaml:"op"`
	Model string `yaml:"model,omitempty"`
	Key   any    `yaml:"key,omitempty"`

	// Values are assigned by set, in field-name order.
	Values map[string]any `yaml:"values,omitempty"`

	// SQL and Args are used by exec; Reload reloads affected models.
	SQL    string `yaml:"sql,omitempty"`
	Args   []any  `yaml:"args,omitempty"`
	Reload bool   `yaml:"reload,omitempty"`

	// Deliver controls end_batch; nil means deliver.
	Deliver *bool `yaml:"deliver,omitempty"`

	// Expect is the save/delete result ("succeeded", "refused",
	// "no-changes", "failed") or "error" for any step expected to fail.
	Expect string `yaml:"expect,omitempty"`
}

// Step operations.
const (
	OpFind       = "find"
	OpSet        = "set"
	OpSave       = "save"
	OpDelete     = "delete"
	OpRevert     = "revert"
	OpReload     = "reload"
	OpReloadAll  = "reload_all"
	OpExternal   = "external_update"
	OpExec       = "exec"
	OpBeginBatch = "begin_batch"
	OpEndBatch   = "end_batch"
)

var validOps = map[string]bool{
	OpFind: true, OpSet: true, OpSave: true, OpDelete: true,
	OpRevert: true, OpReload: true, OpReloadAll: true, OpExternal: true,
	OpExec: true, OpBeginBatch: true, OpEndBatch: true,
}

// instanceOps address one instance by model and key.
var instanceOps = map[string]bool{
	OpFind: true, OpSet: true, OpSave: true, OpDelete: true, OpRevert: true, OpReload: true,
}

// Assertion validates the trace, an instance or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_kinds": the kinds delivered, in order (optionally for one model)
	// - "trace_count": number of events of a kind (optionally for one model)
	// - "field": in-memory value of an instance field
	// - "unsaved": whether an instance has unsaved changes
	// - "final_state": query a table and verify expected values
	Type string `yaml:"type"`

	Model string   `yaml:"model,omitempty"`
	Kind  string   `yaml:"kind,omitempty"`
	Kinds []string `yaml:"kinds,omitempty"`
	Count int      `yaml:"count,omitempty"`

	Key   any    `yaml:"key,omitempty"`
	Field string `yaml:"field,omitempty"`
	Value any    `yaml:"value,omitempty"`

	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceKinds = "trace_kinds"
	AssertTraceCount = "trace_count"
	AssertField      = "field"
	AssertUnsaved    = "unsaved"
	AssertFinalState = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
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
	if s.Schema == "" {
		return fmt.Errorf("schema is required")
	}
	if len(s.Models) == 0 {
		return fmt.Errorf("models list is required and must be non-empty")
	}
	if err := (&modelspec.File{Models: s.Models}).Validate(); err != nil {
		return fmt.Errorf("models: %w", err)
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if !validOps[step.Op] {
			return fmt.Errorf("flow[%d]: unknown op %q", i, step.Op)
		}
		if instanceOps[step.Op] && (step.Model == "" || step.Key == nil) {
			return fmt.Errorf("flow[%d]: %s requires model and key", i, step.Op)
		}
		if step.Op == OpSet && len(step.Values) == 0 {
			return fmt.Errorf("flow[%d]: set requires values", i)
		}
		if step.Op == OpExec && step.SQL == "" {
			return fmt.Errorf("flow[%d]: exec requires sql", i)
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertTraceKinds:
		case AssertTraceCount:
			if a.Kind == "" {
				return fmt.Errorf("assertions[%d]: trace_count requires kind", i)
			}
		case AssertField:
			if a.Model == "" || a.Key == nil || a.Field == "" {
				return fmt.Errorf("assertions[%d]: field requires model, key and field", i)
			}
		case AssertUnsaved:
			if a.Model == "" || a.Key == nil {
				return fmt.Errorf("assertions[%d]: unsaved requires model and key", i)
			}
		case AssertFinalState:
			if a.Table == "" {
				return fmt.Errorf("assertions[%d]: final_state requires table", i)
			}
		default:
			return fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type)
		}
	}
	return nil
}
