package engine

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"text/template"
)

// Vars — значения, доступные шаблонам pipeline.
//
//	{{ .Inputs.ip_id }}
//	{{ .Pipeline }}
type Vars struct {
	// Pipeline — имя pipeline.
	Pipeline string `json:"pipeline"`

	// Inputs — входы запуска (с подставленными значениями по умолчанию).
	Inputs map[string]any `json:"inputs"`
}

// NewVars создаёт Vars для запуска pipeline.
func NewVars(pipeline string, inputs map[string]any) *Vars {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return &Vars{Pipeline: pipeline, Inputs: inputs}
}

// wholeInput — строка, целиком состоящая из ссылки на один вход.
var wholeInput = regexp.MustCompile(`^\{\{-?\s*\.Inputs\.([A-Za-z_][A-Za-z0-9_]*)\s*-?\}\}$`)

var templateFuncs = template.FuncMap{
	"default": func(def, val any) any {
		if isBlank(val) {
			return def
		}
		return val
	},
	"required": func(name string, val any) (any, error) {
		if isBlank(val) {
			return nil, fmt.Errorf("input %q is required", name)
		}
		return val, nil
	},
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	// join собирает путь внутри пакета: {{ join .Inputs.path "content" }}.
	"join":    func(elem ...string) string { return path.Join(elem...) },
	"base":    path.Base,
	"lower":   strings.ToLower,
	"upper":   strings.ToUpper,
	"replace": strings.ReplaceAll,
}

// Render рендерит строку. Строки без "{{" возвращаются как есть.
func (v *Vars) Render(text string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var b strings.Builder
	if err := t.Execute(&b, v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return b.String(), nil
}

// Value рендерит значение параметра, рекурсивно обходя map и slice.
//
// Строка вида "{{ .Inputs.x }}" заменяется самим значением входа,
// поэтому числа, bool и списки сохраняют свой тип.
func (v *Vars) Value(value any) (any, error) {
	switch val := value.(type) {
	case string:
		if m := wholeInput.FindStringSubmatch(strings.TrimSpace(val)); m != nil {
			if in, ok := v.Inputs[m[1]]; ok {
				return in, nil
			}
		}
		return v.Render(val)

	case map[string]any:
		out := make(map[string]any, len(val))
		for key, item := range val {
			rendered, err := v.Value(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = rendered
		}
		return out, nil

	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := v.Value(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil

	default:
		return value, nil
	}
}

// Params рендерит параметры task. Исходная map не изменяется.
func (v *Vars) Params(params map[string]any) (map[string]any, error) {
	if params == nil {
		return make(map[string]any), nil
	}

	rendered, err := v.Value(params)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}

// Cond вычисляет условие when. Пустое условие истинно.
func (v *Vars) Cond(expr string) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	result, err := v.Render("{{ if " + expr + " }}true{{ end }}")
	if err != nil {
		return false, err
	}
	return result == "true", nil
}

func isBlank(val any) bool {
	if val == nil {
		return true
	}
	s, ok := val.(string)
	return ok && s == ""
}
