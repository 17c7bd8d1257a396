package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tillsync/internal/canonical"
)

// TraceSnapshot is the golden form of a scenario run.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
}

// toCanonicalMap converts the snapshot to generic values for canonical
// JSON. Empty fields are left out.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":  ev.Seq,
			"step": ev.Step,
			"kind": ev.Kind,
		}
		set := func(k, v string) {
			if v != "" {
				m[k] = v
			}
		}
		set("ref", ev.Ref)
		set("action", ev.Action)
		set("endpoint", ev.Endpoint)
		set("outcome", ev.Outcome)
		set("entity_type", ev.EntityType)
		if ev.Kind == EventPage {
			m["since"] = ev.Since
			m["records"] = ev.Records
		}
		if ev.ServerID != nil {
			m["server_id"] = *ev.ServerID
		}
		if len(ev.Counts) > 0 {
			counts := make(map[string]any, len(ev.Counts))
			for k, v := range ev.Counts {
				counts[k] = v
			}
			m["counts"] = counts
		}
		trace[i] = m
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
	}
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares a result's trace against the golden file of
// scenarioName without re-running it.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}
	traceJSON, err := canonical.Marshal(snapshot.toCanonicalMap())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
