package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Vars Tests ---

func TestNewVars(t *testing.T) {
	v := NewVars("prepare-ip", nil)
	assert.NotNil(t, v.Inputs)
	assert.Equal(t, "prepare-ip", v.Pipeline)
}

// --- Render Tests ---

func TestRender(t *testing.T) {
	v := NewVars("submit-sip", map[string]any{
		"ip_id":   "ip-42",
		"objects": 3,
		"label":   "Annual Report",
		"path":    "/data/ip-42",
		"files":   []string{"a.xml", "b.xml"},
	})

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"plain text", "sip.tar", "sip.tar"},
		{"string input", "/ingest/{{ .Inputs.ip_id }}.tar", "/ingest/ip-42.tar"},
		{"number input", "objects: {{ .Inputs.objects }}", "objects: 3"},
		{"pipeline name", "{{ .Pipeline }}", "submit-sip"},
		{"lower", "{{ lower .Inputs.label }}", "annual report"},
		{"replace", `{{ replace .Inputs.label " " "_" }}`, "Annual_Report"},
		{"default missing", `{{ .Inputs.profile | default "sip" }}`, "sip"},
		{"default present", `{{ default "x" .Inputs.ip_id }}`, "ip-42"},
		{"join", `{{ join .Inputs.path "content" "mets.xml" }}`, "/data/ip-42/content/mets.xml"},
		{"base", "{{ base .Inputs.path }}", "ip-42"},
		{"json", "{{ json .Inputs.files }}", `["a.xml","b.xml"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := v.Render(tt.template)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRender_InvalidTemplate(t *testing.T) {
	_, err := NewVars("p", nil).Render("{{ .Inputs.ip_id")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTemplateParse)
}

func TestRender_ExecutionError(t *testing.T) {
	_, err := NewVars("p", map[string]any{"files": []any{"a"}}).Render("{{ index .Inputs.files 5 }}")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTemplateRender)
}

func TestRender_Required(t *testing.T) {
	v := NewVars("p", map[string]any{"ip_id": "ip-1"})

	out, err := v.Render(`{{ required "ip_id" .Inputs.ip_id }}`)
	require.NoError(t, err)
	assert.Equal(t, "ip-1", out)

	_, err = v.Render(`{{ required "path" .Inputs.path }}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTemplateRender)
	assert.Contains(t, err.Error(), `input "path" is required`)
}

// --- Params Tests ---

func TestParams(t *testing.T) {
	v := NewVars("prepare-ip", map[string]any{
		"ip_id":    "ip-7",
		"root":     "/data",
		"wait_sec": 2,
		"validate": true,
		"codes":    []any{429, 503},
	})

	params := map[string]any{
		"path":         "{{ .Inputs.root }}/{{ .Inputs.ip_id }}",
		"algorithm":    "sha256",
		"retries":      2,
		"duration_sec": "{{ .Inputs.wait_sec }}",
		"strict":       "{{.Inputs.validate}}",
		"retry_on":     "{{ .Inputs.codes }}",
		"headers": map[string]any{
			"X-IP": "{{ .Inputs.ip_id }}",
		},
		"targets": []any{"{{ .Inputs.root }}/a", 7},
	}

	result, err := v.Params(params)
	require.NoError(t, err)

	assert.Equal(t, "/data/ip-7", result["path"])
	assert.Equal(t, "sha256", result["algorithm"])
	assert.Equal(t, 2, result["retries"])
	assert.Equal(t, map[string]any{"X-IP": "ip-7"}, result["headers"])
	assert.Equal(t, []any{"/data/a", 7}, result["targets"])

	// Ссылка на один вход сохраняет его тип.
	assert.Equal(t, 2, result["duration_sec"])
	assert.Equal(t, true, result["strict"])
	assert.Equal(t, []any{429, 503}, result["retry_on"])

	// Исходные параметры не изменяются.
	assert.Equal(t, "{{ .Inputs.root }}/{{ .Inputs.ip_id }}", params["path"])
}

func TestParams_Nil(t *testing.T) {
	result, err := NewVars("p", nil).Params(nil)
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Empty(t, result)
}

func TestParams_ErrorNamesKey(t *testing.T) {
	_, err := NewVars("p", nil).Params(map[string]any{
		"body": map[string]any{"ip": `{{ required "ip_id" .Inputs.ip_id }}`},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "body: ip:")
}

// --- Cond Tests ---

func TestCond(t *testing.T) {
	v := NewVars("prepare-ip", map[string]any{
		"validate": true,
		"size":     5,
	})

	tests := []struct {
		name      string
		condition string
		expected  bool
	}{
		{"empty", "", true},
		{"true input", ".Inputs.validate", true},
		{"missing input", ".Inputs.missing", false},
		{"comparison true", "gt .Inputs.size 3", true},
		{"comparison false", "gt .Inputs.size 10", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := v.Cond(tt.condition)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}
