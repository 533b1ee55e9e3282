package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/rowmap/internal/model"
	"github.com/roach88/rowmap/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionContext is what assertions may inspect after a flow.
type AssertionContext struct {
	Ctx       context.Context
	DB        *model.DB
	Instances map[string]*model.Instance
}

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

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %v", ev.Seq, ev.Kind, ev.Model, ev.Keys)
			if len(ev.Fields) > 0 {
				fmt.Fprintf(&buf, " fields=%v", ev.Fields)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceKinds:
			err = assertTraceKinds(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertField:
			err = assertField(actx, a)
		case AssertUnsaved:
			err = assertUnsaved(actx, a)
		case AssertFinalState:
			err = assertFinalState(actx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func traceFor(trace []TraceEvent, model string) []TraceEvent {
	if model == "" {
		return trace
	}
	var out []TraceEvent
	for _, ev := range trace {
		if ev.Model == model {
			out = append(out, ev)
		}
	}
	return out
}

// assertTraceKinds checks the exact sequence of delivered kinds.
func assertTraceKinds(trace []TraceEvent, a Assertion) error {
	events := traceFor(trace, a.Model)
	got := make([]string, len(events))
	for i, ev := range events {
		got[i] = ev.Kind
	}
	want := a.Kinds
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertTraceKinds,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", got),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceCount checks if the kind appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range traceFor(trace, a.Model) {
		if ev.Kind == a.Kind {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// heldInstance returns an instance the flow touched.
func heldInstance(actx *AssertionContext, a Assertion) (*model.Instance, error) {
	inst, ok := actx.Instances[instanceHandle(a.Model, a.Key)]
	if !ok {
		return nil, fmt.Errorf("%s %v was not used by the flow", a.Model, a.Key)
	}
	return inst, nil
}

// assertField compares an in-memory field value after coercing the
// expected value to the field's type.
func assertField(actx *AssertionContext, a Assertion) error {
	inst, err := heldInstance(actx, a)
	if err != nil {
		return err
	}
	info, ok := inst.Model().Field(a.Field)
	if !ok {
		return fmt.Errorf("%w: %s.%s", model.ErrUnknownField, a.Model, a.Field)
	}
	want, err := info.Coerce(a.Value)
	if err != nil {
		return err
	}
	got := inst.Get(a.Field)
	if !store.Equal(want, got) {
		return &AssertionError{
			Type:     AssertField,
			Expected: fmt.Sprintf("%s.%s = %v (type %T)", inst, a.Field, want, want),
			Actual:   fmt.Sprintf("%v (type %T)", got, got),
		}
	}
	return nil
}

// assertUnsaved checks HasUnsavedChanges against a boolean value.
func assertUnsaved(actx *AssertionContext, a Assertion) error {
	inst, err := heldInstance(actx, a)
	if err != nil {
		return err
	}
	want, ok := a.Value.(bool)
	if !ok {
		return fmt.Errorf("unsaved assertion needs a boolean value, got %T", a.Value)
	}
	if got := inst.HasUnsavedChanges(); got != want {
		return &AssertionError{
			Type:     AssertUnsaved,
			Expected: fmt.Sprintf("%s unsaved = %t", inst, want),
			Actual:   fmt.Sprintf("unsaved = %t (changed %v)", got, inst.ChangedFieldNames()),
		}
	}
	return nil
}

// assertFinalState checks that exactly one row matches Where and that it
// holds the Expect values (subset semantics).
//
// Table and column names are validated against a whitelist pattern since
// identifiers cannot be parameterized.
func assertFinalState(actx *AssertionContext, a Assertion) error {
	if !validIdentifier.MatchString(a.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", a.Table, validIdentifier.String())
	}
	whereSQL, whereArgs, err := buildWhereClause(a.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", a.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rs, err := actx.DB.Rows(actx.Ctx, nil, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", a.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	switch rs.Len() {
	case 0:
		if len(a.Expect) == 0 {
			// No expectations means the row must be absent.
			return nil
		}
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", rs.Len()),
		}
	}
	if len(a.Expect) == 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("no row in %s where %s", a.Table, formatWhereClause(a.Where)),
			Actual:   "row found",
		}
	}

	row := rs.First()
	for _, key := range sortedKeys(a.Expect) {
		expected := a.Expect[key]
		actual, exists := row[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, rs.Columns),
			}
		}
		if !stateValuesEqual(expected, actual) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expected, expected),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actual, actual),
			}
		}
	}
	return nil
}

// buildWhereClause constructs parameterized WHERE clause from where.
// Keys are sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, where[key])
	}
	return strings.Join(clauses, " AND "), args, nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stateValuesEqual compares a YAML-decoded expected value with a value read
// from SQLite, which returns int64, float64, string or []byte.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}
	switch exp := expected.(type) {
	case string:
		got, ok := actual.(string)
		return ok && exp == got
	case int:
		return numericEqual(float64(exp), actual)
	case int64:
		return numericEqual(float64(exp), actual)
	case float64:
		return numericEqual(exp, actual)
	case bool:
		if got, ok := actual.(bool); ok {
			return exp == got
		}
		// SQLite stores booleans as integers
		if got, ok := actual.(int64); ok {
			return exp == (got != 0)
		}
		return false
	}
	return reflect.DeepEqual(expected, actual)
}

func numericEqual(want float64, actual any) bool {
	switch got := actual.(type) {
	case int64:
		return want == float64(got)
	case int:
		return want == float64(got)
	case float64:
		return want == got
	}
	return false
}
