package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Preingest/internal/engine"
)

func strictRegistry(names ...string) *engine.Registry {
	r := engine.NewRegistry(true)
	for _, name := range names {
		r.Register(name, nil)
	}
	return r
}

// --- Catalog Tests ---

func TestDefault(t *testing.T) {
	c, err := Default(engine.DefaultRegistry())
	require.NoError(t, err)

	assert.Equal(t, []string{"prepare-ip", "submit-sip"}, c.Names())
	assert.Len(t, c.List(), 2)
}

func TestDefault_StrictRegistry(t *testing.T) {
	_, err := Default(strictRegistry("checksum", "transform", "delay", "http"))
	require.NoError(t, err)

	_, err = Default(strictRegistry("checksum", "transform"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.ErrorIs(t, err, engine.ErrUnknownHandler)
}

func TestLoad(t *testing.T) {
	c, err := Load(filepath.Join("testdata", "pipelines.yaml"), nil)
	require.NoError(t, err)

	def, err := c.Get("ingest")
	require.NoError(t, err)

	spec, err := def.Instantiate(map[string]any{"source": "archive.local"})
	require.NoError(t, err)

	assert.Equal(t, "ingest ARCHIVE.LOCAL", spec.Name)
	assert.True(t, spec.Parallel)
	require.Len(t, spec.Tasks, 2)
	assert.Equal(t, "https://archive.local/manifest", spec.Tasks[0].Params["url"])
	assert.Equal(t, 0, spec.Tasks[1].Params["duration_sec"])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.yaml"), nil)
	assert.Error(t, err)
}

func TestCatalog_Get_NotFound(t *testing.T) {
	c := NewCatalog()

	_, err := c.Get("missing")
	assert.ErrorIs(t, err, ErrPipelineNotFound)
}

func TestCatalog_Parse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "pipelines:\n  - name: a\n    stepz: {}\n"},
		{"no name", "pipelines:\n  - step:\n      name: s\n      tasks:\n        - name: delay\n"},
		{"empty step", "pipelines:\n  - name: a\n    step:\n      name: s\n"},
		{"task without handler", "pipelines:\n  - name: a\n    step:\n      name: s\n      tasks:\n        - params: {x: 1}\n"},
		{"duplicate input", "pipelines:\n  - name: a\n    inputs:\n      - name: x\n      - name: x\n    step:\n      name: s\n      tasks:\n        - name: delay\n"},
		{"duplicate pipeline", "pipelines:\n  - name: a\n    step:\n      name: s\n      tasks:\n        - name: delay\n  - name: a\n    step:\n      name: s\n      tasks:\n        - name: delay\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCatalog()
			err := c.Parse([]byte(tt.yaml), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Empty(t, c.Names())
		})
	}
}

func TestCatalog_Parse_Empty(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Parse(nil, nil))
	assert.Empty(t, c.Names())
}

// --- Instantiate Tests ---

func TestInstantiate_PrepareIP(t *testing.T) {
	c, err := Default(nil)
	require.NoError(t, err)

	def, err := c.Get("prepare-ip")
	require.NoError(t, err)

	spec, err := def.Instantiate(map[string]any{"ip_id": "ip-7", "path": "/data/ip-7.tar"})
	require.NoError(t, err)

	assert.Equal(t, "prepare ip-7", spec.Name)
	assert.False(t, spec.Parallel)
	require.Len(t, spec.Tasks, 3)

	assert.Equal(t, "checksum", spec.Tasks[0].Name)
	assert.Equal(t, "/data/ip-7.tar", spec.Tasks[0].Params["path"])
	assert.Equal(t, "sha256", spec.Tasks[0].Params["algorithm"])

	nested := spec.Tasks[1].Step
	require.NotNil(t, nested)
	assert.Equal(t, "validate ip-7", nested.Name)
	assert.True(t, nested.Parallel)
	require.Len(t, nested.Tasks, 2)
	assert.Equal(t, "metadata", nested.Tasks[1].Params["check"])

	assert.Equal(t, "prepared", spec.Tasks[2].Params["state"])
}

func TestInstantiate_ConditionSkipsChild(t *testing.T) {
	c, err := Default(nil)
	require.NoError(t, err)
	def, err := c.Get("prepare-ip")
	require.NoError(t, err)

	spec, err := def.Instantiate(map[string]any{"ip_id": "ip-7", "path": "/p", "validate": false})
	require.NoError(t, err)

	require.Len(t, spec.Tasks, 2)
	assert.Equal(t, "checksum", spec.Tasks[0].Name)
	assert.Nil(t, spec.Tasks[1].Step)
}

func TestInstantiate_MissingInput(t *testing.T) {
	c, err := Default(nil)
	require.NoError(t, err)
	def, err := c.Get("submit-sip")
	require.NoError(t, err)

	_, err = def.Instantiate(map[string]any{"ip_id": "ip-1"})
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestInstantiate_AllSkipped(t *testing.T) {
	def := &Definition{
		Name: "noop",
		Step: StepTemplate{
			Name:  "noop",
			Tasks: []TaskTemplate{{Name: "delay", When: "false"}},
		},
	}

	_, err := def.Instantiate(nil)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestInstantiate_NestedParams(t *testing.T) {
	c, err := Default(nil)
	require.NoError(t, err)
	def, err := c.Get("submit-sip")
	require.NoError(t, err)

	spec, err := def.Instantiate(map[string]any{"ip_id": "ip-1", "endpoint": "http://archive/api/sip"})
	require.NoError(t, err)

	body, ok := spec.Tasks[1].Params["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ip-1", body["ip"])
	assert.Equal(t, 1, spec.Tasks[0].Params["duration_sec"])
}
