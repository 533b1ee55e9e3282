package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceSnapshot_Canonical(t *testing.T) {
	snapshot := TraceSnapshot{
		ScenarioName: "snap",
		Trace: []TraceEvent{
			{Seq: 1, Kind: "update", Model: "people", Keys: []string{"1"}, Fields: []string{"age"}},
			{Seq: 2, Kind: "will-reload", Model: "people"},
		},
	}
	data, err := snapshot.marshal()
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"snap","trace":[{"fields":["age"],"keys":["1"],"kind":"update","model":"people","seq":1},{"keys":[],"kind":"will-reload","model":"people","seq":2}]}`,
		string(data))
}

func TestAssertGolden_ExistingResult(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/save_update.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.NoError(t, AssertGolden(t, "save_update", result))
}
