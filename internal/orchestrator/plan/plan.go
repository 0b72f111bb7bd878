// Package plan models the step graph of a provisioning run: an ordered
// list of steps with explicit dependencies, validated once and
// immutable afterwards.
package plan

import "fmt"

// StepSpec describes one step of a plan. DependsOn names steps that
// must have completed before this one starts; they must appear earlier
// in the plan. Parallelizable marks steps whose handler fans out
// internally, such as configuring a fleet of devices.
type StepSpec struct {
	Key            string
	Label          string
	DependsOn      []string
	Parallelizable bool
}

// Plan is a validated, ordered step graph.
type Plan struct {
	steps []StepSpec
	index map[string]int
}

// New validates the step list and builds a Plan. Duplicate keys and
// dependencies on unknown or later steps are rejected: execution is
// strictly in list order, so a forward dependency could never be
// satisfied.
func New(steps []StepSpec) (*Plan, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	index := make(map[string]int, len(steps))
	for i, step := range steps {
		if step.Key == "" {
			return nil, fmt.Errorf("step %d has an empty key", i)
		}
		if _, ok := index[step.Key]; ok {
			return nil, fmt.Errorf("duplicate step key %q", step.Key)
		}
		index[step.Key] = i
	}

	for i, step := range steps {
		for _, dep := range step.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", step.Key, dep)
			}
			if j >= i {
				return nil, fmt.Errorf("step %q depends on %q which does not precede it", step.Key, dep)
			}
		}
	}

	p := &Plan{
		steps: make([]StepSpec, len(steps)),
		index: index,
	}
	copy(p.steps, steps)
	return p, nil
}

// Steps returns the steps in execution order. The slice is a copy.
func (p *Plan) Steps() []StepSpec {
	out := make([]StepSpec, len(p.steps))
	copy(out, p.steps)
	return out
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.steps)
}

// Get returns the step with the given key.
func (p *Plan) Get(key string) (StepSpec, bool) {
	i, ok := p.index[key]
	if !ok {
		return StepSpec{}, false
	}
	return p.steps[i], true
}

// Keys returns the step keys in execution order.
func (p *Plan) Keys() []string {
	out := make([]string, len(p.steps))
	for i, step := range p.steps {
		out[i] = step.Key
	}
	return out
}
