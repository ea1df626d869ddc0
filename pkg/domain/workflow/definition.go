package workflow

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// definitionShape is the statically validatable surface of a definition.
type definitionShape struct {
	StartAt string `validate:"required"`
	Steps   int    `validate:"gt=0"`
}

// StartStep returns the name of the starting step.
func (d Definition) StartStep() string {
	return d.StartAt
}

// Step looks up a step spec by name.
func (d Definition) Step(name string) (StepSpec, bool) {
	spec, ok := d.Steps[name]
	return spec, ok
}

// NextStep returns the configured successor of a step, or "" when the
// step has none (which completes the instance).
func (d Definition) NextStep(name string) string {
	spec, ok := d.Steps[name]
	if !ok {
		return ""
	}
	return spec.Next
}

// Validate checks structural integrity: required fields, resolvable step
// references, known step types and operators, and acyclicity. It returns
// every problem found rather than stopping at the first.
func (d Definition) Validate() []error {
	var errs []error

	shape := definitionShape{StartAt: d.StartAt, Steps: len(d.Steps)}
	if err := validate.Struct(shape); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				switch fe.Field() {
				case "StartAt":
					errs = append(errs, fmt.Errorf("definition requires start_at"))
				case "Steps":
					errs = append(errs, fmt.Errorf("definition requires at least one step"))
				}
			}
		} else {
			errs = append(errs, err)
		}
		return errs
	}

	if _, ok := d.Steps[d.StartAt]; !ok {
		errs = append(errs, fmt.Errorf("start_at references unknown step %q", d.StartAt))
	}

	for name, spec := range d.Steps {
		errs = append(errs, d.validateStep(name, spec)...)
	}

	if cycle := d.findCycle(); cycle != "" {
		errs = append(errs, fmt.Errorf("definition contains a cycle through step %q", cycle))
	}

	return errs
}

func (d Definition) validateStep(name string, spec StepSpec) []error {
	var errs []error

	checkRef := func(field, target string) {
		if target == "" || target == EndStep {
			return
		}
		if _, ok := d.Steps[target]; !ok {
			errs = append(errs, fmt.Errorf("step %q: %s references unknown step %q", name, field, target))
		}
	}

	switch spec.EffectiveType() {
	case StepTypeAction:
		checkRef("next", spec.Next)
		if spec.Retry != nil && spec.Retry.MaxAttempts < 0 {
			errs = append(errs, fmt.Errorf("step %q: retry.max_attempts must not be negative", name))
		}
	case StepTypeDelay:
		if spec.DurationSeconds <= 0 {
			errs = append(errs, fmt.Errorf("step %q: delay requires a positive duration_seconds", name))
		}
		checkRef("next", spec.Next)
	case StepTypeBranch:
		if spec.Condition == nil {
			errs = append(errs, fmt.Errorf("step %q: branch requires a condition", name))
		} else if spec.Condition.Operator != "" && !KnownOperator(spec.Condition.Operator) {
			errs = append(errs, fmt.Errorf("step %q: unknown condition operator %q", name, spec.Condition.Operator))
		}
		if spec.OnTrue == "" && spec.OnFalse == "" {
			errs = append(errs, fmt.Errorf("step %q: branch requires on_true or on_false", name))
		}
		checkRef("on_true", spec.OnTrue)
		checkRef("on_false", spec.OnFalse)
	case StepTypeWaitForEvent:
		if spec.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Errorf("step %q: timeout_seconds must not be negative", name))
		}
		checkRef("next", spec.Next)
	default:
		errs = append(errs, fmt.Errorf("step %q: unknown step type %q", name, spec.Type))
	}

	return errs
}

// findCycle runs a three-color DFS over step successors and returns the
// name of a step on a cycle, or "".
func (d Definition) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Steps))

	var visit func(name string) string
	visit = func(name string) string {
		if name == "" || name == EndStep {
			return ""
		}
		spec, ok := d.Steps[name]
		if !ok {
			return ""
		}
		switch color[name] {
		case gray:
			return name
		case black:
			return ""
		}
		color[name] = gray
		for _, succ := range successors(spec) {
			if hit := visit(succ); hit != "" {
				return hit
			}
		}
		color[name] = black
		return ""
	}

	for name := range d.Steps {
		if hit := visit(name); hit != "" {
			return hit
		}
	}
	return ""
}

func successors(spec StepSpec) []string {
	if spec.EffectiveType() == StepTypeBranch {
		return []string{spec.OnTrue, spec.OnFalse}
	}
	return []string{spec.Next}
}
