package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_Files(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		s, err := LoadScenario(f)
		require.NoError(t, err, f)
		assert.NotEmpty(t, s.Name)
		assert.NotEmpty(t, s.Steps)
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Steps(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: steps
description: every step kind
retry: { max_retries: 2, backoff_base: 1s, backoff_cap: 10s }
steps:
  - create: { as: o, type: order, fields: { number: A-1 } }
  - update: { ref: o, fields: { status: paid } }
  - script: { ref: o, action: update, outcomes: ["ok:41", fail] }
  - page: { type: product, server_timestamp: s1, records: [{ id: 1 }] }
  - drain: { expect: { sent: 1 } }
  - pull: { error: offline }
  - advance: 5s
  - online: false
  - delete: o
`))
	require.NoError(t, err)
	require.Len(t, s.Steps, 9)

	var kinds []string
	for _, st := range s.Steps {
		kinds = append(kinds, st.kind())
	}
	assert.Equal(t, []string{
		"create", "update", "script", "page", "drain", "pull", "advance", "online", "delete",
	}, kinds)
	assert.Equal(t, 2, s.Retry.MaxRetries)
	assert.Equal(t, "update", s.Steps[2].Script.Action)
	assert.Equal(t, 1, s.Steps[4].Drain.Expect["sent"])
	assert.Equal(t, "offline", s.Steps[5].Pull.Error)
	assert.False(t, *s.Steps[7].Online)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: x\ndescription: d\nstep:\n  - advance: 1s\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing name",
			yaml: "description: d\nsteps:\n  - advance: 1s\n",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: x\nsteps:\n  - advance: 1s\n",
			want: "description is required",
		},
		{
			name: "no steps",
			yaml: "name: x\ndescription: d\n",
			want: "steps list is required",
		},
		{
			name: "two actions in one step",
			yaml: "name: x\ndescription: d\nsteps:\n  - advance: 1s\n    delete: o\n",
			want: "exactly one action is required",
		},
		{
			name: "empty step",
			yaml: "name: x\ndescription: d\nsteps:\n  - {}\n",
			want: "exactly one action is required",
		},
		{
			name: "bad outcome",
			yaml: "name: x\ndescription: d\nsteps:\n  - script: { ref: o, outcomes: [maybe] }\n",
			want: `unknown outcome "maybe"`,
		},
		{
			name: "unknown entity type",
			yaml: "name: x\ndescription: d\nsteps:\n  - create: { as: w, type: widget }\n",
			want: `unknown entity type "widget"`,
		},
		{
			name: "duplicate alias",
			yaml: "name: x\ndescription: d\nsteps:\n  - create: { as: o, type: order }\n  - create: { as: o, type: order }\n",
			want: `alias "o" already used`,
		},
		{
			name: "record without id",
			yaml: "name: x\ndescription: d\nsteps:\n  - page: { type: product, records: [{ name: Tea }] }\n",
			want: "id is required",
		},
		{
			name: "bad duration",
			yaml: "name: x\ndescription: d\nsteps:\n  - advance: soon\n",
			want: "steps[0].advance",
		},
		{
			name: "bad retry policy",
			yaml: "name: x\ndescription: d\nretry: { max_retries: 0, backoff_base: 1s, backoff_cap: 1m }\nsteps:\n  - advance: 1s\n",
			want: "max_retries must be at least 1",
		},
		{
			name: "assertion without type",
			yaml: "name: x\ndescription: d\nsteps:\n  - advance: 1s\nassertions:\n  - { table: orders, where: { number: A-1 } }\n",
			want: "type is required",
		},
		{
			name: "final_state without expect",
			yaml: "name: x\ndescription: d\nsteps:\n  - advance: 1s\nassertions:\n  - { type: final_state, table: orders, where: { number: A-1 } }\n",
			want: "expect is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_FromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: disk\ndescription: d\nsteps:\n  - advance: 1s\n"), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "disk", s.Name)
}
