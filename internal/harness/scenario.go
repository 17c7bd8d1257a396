package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/testutil"
)

// Scenario is a scripted offline-sync session: local mutations, remote
// behavior, drains and pulls, then checks on the resulting state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Retry overrides the harness retry policy.
	Retry *RetryPolicy `yaml:"retry,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Expect is checked after the last step.
	Expect *Expect `yaml:"expect,omitempty"`

	// Assertions query entity and queue tables after the last step.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// RetryPolicy is the queue retry policy of a scenario. Jitter is always
// zero so backoff deadlines are exact.
type RetryPolicy struct {
	MaxRetries  int    `yaml:"max_retries"`
	BackoffBase string `yaml:"backoff_base"`
	BackoffCap  string `yaml:"backoff_cap"`
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	Create *CreateStep `yaml:"create,omitempty"`
	Update *UpdateStep `yaml:"update,omitempty"`

	// Delete names the entity to delete.
	Delete string `yaml:"delete,omitempty"`

	Script *ScriptStep `yaml:"script,omitempty"`
	Page   *PageStep   `yaml:"page,omitempty"`
	Drain  *RunStep    `yaml:"drain,omitempty"`
	Pull   *RunStep    `yaml:"pull,omitempty"`

	// Advance moves the fake clock, e.g. "2s".
	Advance string `yaml:"advance,omitempty"`

	// Online sets connectivity.
	Online *bool `yaml:"online,omitempty"`
}

// kind names the set field, or "" if none or several are set.
func (s Step) kind() string {
	var kinds []string
	if s.Create != nil {
		kinds = append(kinds, "create")
	}
	if s.Update != nil {
		kinds = append(kinds, "update")
	}
	if s.Delete != "" {
		kinds = append(kinds, "delete")
	}
	if s.Script != nil {
		kinds = append(kinds, "script")
	}
	if s.Page != nil {
		kinds = append(kinds, "page")
	}
	if s.Drain != nil {
		kinds = append(kinds, "drain")
	}
	if s.Pull != nil {
		kinds = append(kinds, "pull")
	}
	if s.Advance != "" {
		kinds = append(kinds, "advance")
	}
	if s.Online != nil {
		kinds = append(kinds, "online")
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// CreateStep creates an entity locally.
type CreateStep struct {
	// As is the alias later steps use for the entity.
	As   string `yaml:"as"`
	Type string `yaml:"type"`

	// Fields use the entity's JSON names. A string value "@alias" is
	// replaced by that entity's local id.
	Fields map[string]any `yaml:"fields"`
}

// UpdateStep edits an entity locally.
type UpdateStep struct {
	// Ref is an alias or a local id.
	Ref    string         `yaml:"ref"`
	Fields map[string]any `yaml:"fields"`
}

// ScriptStep scripts the remote's answers to an entity's latest queued
// mutation of the given action.
type ScriptStep struct {
	Ref string `yaml:"ref"`

	// Action defaults to create.
	Action string `yaml:"action,omitempty"`

	// Outcomes are "ok", "ok:<server id>", "fail" or "reject".
	Outcomes []string `yaml:"outcomes"`
}

// PageStep queues a page of remote changes.
type PageStep struct {
	Type            string         `yaml:"type"`
	ServerTimestamp string         `yaml:"server_timestamp"`
	HasMore         bool           `yaml:"has_more,omitempty"`
	Records         []RecordFields `yaml:"records"`
}

// RecordFields is one remote record: id, local_id, updated_at, deleted and
// the domain fields with parents as server ids.
type RecordFields map[string]any

// RunStep drains or pulls once and checks the counts.
type RunStep struct {
	// Expect is a subset match on the result counts by JSON name, e.g.
	// {sent: 2, failed: 1}.
	Expect map[string]int `yaml:"expect,omitempty"`

	// Error, when set, must be contained in the returned error.
	Error string `yaml:"error,omitempty"`
}

// Expect describes the final state.
type Expect struct {
	// Queue is a subset match on queue.Stats by JSON name.
	Queue map[string]int `yaml:"queue,omitempty"`

	// Entities maps an alias or local id to its expected metadata.
	Entities map[string]EntityExpect `yaml:"entities,omitempty"`
}

// EntityExpect is the expected sync metadata of one entity.
type EntityExpect struct {
	SyncStatus string `yaml:"sync_status,omitempty"`
	ServerID   *int64 `yaml:"server_id,omitempty"`
	Deleted    *bool  `yaml:"deleted,omitempty"`
}

// Assertion validates a final table row.
type Assertion struct {
	// Type is "final_state" or "row_absent".
	Type string `yaml:"type"`

	// Table is the table to query.
	Table string `yaml:"table"`

	// Where filters rows; every field must match. "@alias" values are
	// replaced by local ids.
	Where map[string]any `yaml:"where"`

	// Expect is a subset match on the single matching row (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState = "final_state"
	AssertRowAbsent  = "row_absent"
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

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "step:" for "steps:"
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
	if s.Retry != nil {
		if s.Retry.MaxRetries < 1 {
			return fmt.Errorf("retry.max_retries must be at least 1")
		}
		for _, d := range []string{s.Retry.BackoffBase, s.Retry.BackoffCap} {
			if _, err := time.ParseDuration(d); err != nil {
				return fmt.Errorf("retry: %w", err)
			}
		}
	}

	aliases := map[string]bool{}
	for i, step := range s.Steps {
		if err := validateStep(i, step, aliases); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, aliases map[string]bool) error {
	switch step.kind() {
	case "":
		return fmt.Errorf("steps[%d]: exactly one action is required", i)
	case "create":
		c := step.Create
		if c.As == "" {
			return fmt.Errorf("steps[%d].create: as is required", i)
		}
		if aliases[c.As] {
			return fmt.Errorf("steps[%d].create: alias %q already used", i, c.As)
		}
		if _, ok := entity.Lookup(c.Type); !ok {
			return fmt.Errorf("steps[%d].create: unknown entity type %q", i, c.Type)
		}
		aliases[c.As] = true
	case "update":
		if step.Update.Ref == "" {
			return fmt.Errorf("steps[%d].update: ref is required", i)
		}
		if len(step.Update.Fields) == 0 {
			return fmt.Errorf("steps[%d].update: fields are required", i)
		}
	case "script":
		sc := step.Script
		if sc.Ref == "" {
			return fmt.Errorf("steps[%d].script: ref is required", i)
		}
		if len(sc.Outcomes) == 0 {
			return fmt.Errorf("steps[%d].script: outcomes are required", i)
		}
		for _, o := range sc.Outcomes {
			if _, err := testutil.ParseOutcome(o); err != nil {
				return fmt.Errorf("steps[%d].script: %w", i, err)
			}
		}
	case "page":
		if _, ok := entity.Lookup(step.Page.Type); !ok {
			return fmt.Errorf("steps[%d].page: unknown entity type %q", i, step.Page.Type)
		}
		for j, rec := range step.Page.Records {
			if _, ok := rec["id"]; !ok {
				return fmt.Errorf("steps[%d].page.records[%d]: id is required", i, j)
			}
		}
	case "advance":
		if _, err := time.ParseDuration(step.Advance); err != nil {
			return fmt.Errorf("steps[%d].advance: %w", i, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Table == "" {
		return fmt.Errorf("assertions[%d]: table is required", index)
	}
	if len(a.Where) == 0 {
		return fmt.Errorf("assertions[%d]: where is required", index)
	}

	switch a.Type {
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertRowAbsent:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
