package pipeline

import (
	"errors"
	"fmt"
	"maps"

	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/engine"
)

// Ошибки pipeline.
var (
	// ErrPipelineNotFound — pipeline с таким именем нет в каталоге.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrMissingInput — не передан обязательный вход.
	ErrMissingInput = errors.New("missing required input")

	// ErrInvalidDefinition — определение pipeline некорректно.
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
)

// Definition — именованный шаблон дерева шагов.
//
// Пример (YAML):
//
//	name: prepare-ip
//	inputs:
//	  - name: ip_id
//	    required: true
//	step:
//	  name: "prepare {{ .Inputs.ip_id }}"
//	  tasks:
//	    - name: checksum
//	      params:
//	        path: "{{ .Inputs.path }}"
type Definition struct {
	// Name — уникальное имя pipeline.
	Name string `yaml:"name" json:"name"`

	// Description — описание для людей.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Inputs — параметры запуска.
	Inputs []Input `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Step — корневой шаг.
	Step StepTemplate `yaml:"step" json:"step"`
}

// Input — параметр запуска pipeline.
type Input struct {
	Name     string `yaml:"name" json:"name"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default  any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// StepTemplate — шаблон шага. Name рендерится.
type StepTemplate struct {
	Name      string         `yaml:"name" json:"name"`
	Parallel  bool           `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Container bool           `yaml:"container,omitempty" json:"container,omitempty"`
	Tasks     []TaskTemplate `yaml:"tasks" json:"tasks"`
}

// TaskTemplate — шаблон ребёнка шага.
//
// When — условие (Go template выражение без {{ }}), при ложном
// значении ребёнок не создаётся. Params рендерятся рекурсивно.
type TaskTemplate struct {
	Name   string         `yaml:"name,omitempty" json:"name,omitempty"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	When   string         `yaml:"when,omitempty" json:"when,omitempty"`
	Step   *StepTemplate  `yaml:"step,omitempty" json:"step,omitempty"`
}

// Validate проверяет структуру определения.
// Если registry строгий, проверяет и имена handler'ов.
func (d *Definition) Validate(registry *engine.Registry) error {
	if d.Name == "" {
		return fmt.Errorf("%w: pipeline without name", ErrInvalidDefinition)
	}

	seen := make(map[string]bool, len(d.Inputs))
	for _, in := range d.Inputs {
		if in.Name == "" {
			return fmt.Errorf("%w: %s: input without name", ErrInvalidDefinition, d.Name)
		}
		if seen[in.Name] {
			return fmt.Errorf("%w: %s: duplicate input %q", ErrInvalidDefinition, d.Name, in.Name)
		}
		seen[in.Name] = true
	}

	return validateStep(d.Name, "step", &d.Step, registry)
}

func validateStep(pipeline, path string, st *StepTemplate, registry *engine.Registry) error {
	if st.Name == "" {
		return fmt.Errorf("%w: %s: %s: step without name", ErrInvalidDefinition, pipeline, path)
	}
	if len(st.Tasks) == 0 && !st.Container {
		return fmt.Errorf("%w: %s: %s: step has no tasks", ErrInvalidDefinition, pipeline, path)
	}

	for i := range st.Tasks {
		t := &st.Tasks[i]
		taskPath := fmt.Sprintf("%s.tasks[%d]", path, i)

		if t.Step != nil {
			if err := validateStep(pipeline, taskPath+".step", t.Step, registry); err != nil {
				return err
			}
			continue
		}

		if t.Name == "" {
			return fmt.Errorf("%w: %s: %s: task without handler", ErrInvalidDefinition, pipeline, taskPath)
		}
		if registry != nil && registry.Strict() && !registry.Has(t.Name) {
			return fmt.Errorf("%w: %s: %s: %w: %s", ErrInvalidDefinition, pipeline, taskPath, engine.ErrUnknownHandler, t.Name)
		}
	}

	return nil
}

// Instantiate рендерит шаблон с входами и возвращает StepSpec
// для create_step.
func (d *Definition) Instantiate(inputs map[string]any) (domain.StepSpec, error) {
	values := make(map[string]any, len(d.Inputs)+len(inputs))
	maps.Copy(values, inputs)

	for _, in := range d.Inputs {
		if _, ok := values[in.Name]; ok {
			continue
		}
		if in.Default != nil {
			values[in.Name] = in.Default
			continue
		}
		if in.Required {
			return domain.StepSpec{}, fmt.Errorf("%w: %s.%s", ErrMissingInput, d.Name, in.Name)
		}
	}

	vars := engine.NewVars(d.Name, values)

	spec, err := renderStep(&d.Step, vars)
	if err != nil {
		return domain.StepSpec{}, fmt.Errorf("instantiate %s: %w", d.Name, err)
	}
	if spec == nil {
		return domain.StepSpec{}, fmt.Errorf("instantiate %s: %w: all tasks skipped by conditions", d.Name, ErrInvalidDefinition)
	}
	return *spec, nil
}

// renderStep рендерит шаг. Возвращает nil, если после условий
// у вложенного шага не осталось детей.
func renderStep(st *StepTemplate, vars *engine.Vars) (*domain.StepSpec, error) {
	name, err := vars.Render(st.Name)
	if err != nil {
		return nil, fmt.Errorf("step %q name: %w", st.Name, err)
	}

	spec := &domain.StepSpec{
		Name:      name,
		Parallel:  st.Parallel,
		Container: st.Container,
		Tasks:     make([]domain.TaskSpec, 0, len(st.Tasks)),
	}

	for i := range st.Tasks {
		t := &st.Tasks[i]

		ok, err := vars.Cond(t.When)
		if err != nil {
			return nil, fmt.Errorf("step %q task %d condition: %w", name, i, err)
		}
		if !ok {
			continue
		}

		if t.Step != nil {
			child, err := renderStep(t.Step, vars)
			if err != nil {
				return nil, err
			}
			if child == nil {
				continue
			}
			spec.Tasks = append(spec.Tasks, domain.TaskSpec{Step: child})
			continue
		}

		params, err := vars.Params(t.Params)
		if err != nil {
			return nil, fmt.Errorf("step %q task %d params: %w", name, i, err)
		}
		spec.Tasks = append(spec.Tasks, domain.TaskSpec{Name: t.Name, Params: params})
	}

	if len(spec.Tasks) == 0 && !spec.Container {
		return nil, nil
	}
	return spec, nil
}
