package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSnapshot(t *testing.T) {
	r := NewResult()
	r.AddDecisionTrace(TraceEvent{EventID: "e-1", Kind: "file_deleted", CorrelationID: "c1", Reason: "no_rule", Commands: []string{}})

	data, err := MarshalSnapshot(TraceSnapshot{ScenarioName: "one", Trace: r.Trace})
	require.NoError(t, err)

	want := `{
  "scenario_name": "one",
  "trace": [
    {
      "type": "decision",
      "event_id": "e-1",
      "kind": "file_deleted",
      "correlation_id": "c1",
      "reason": "no_rule"
    }
  ]
}
`
	assert.Equal(t, want, string(data))
}

func TestAssertGolden_ReusesResult(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/default_routing.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NoError(t, AssertGolden(t, scenario.Name, result))
}
