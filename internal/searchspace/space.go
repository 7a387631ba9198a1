package searchspace

import (
	"fmt"

	"hpsweep/internal/options"
)

// Param is one tunable parameter, named by its dotted flat key.
type Param struct {
	Name string
	Dist Distribution
}

// Space is an ordered set of parameters.
type Space struct {
	Params []Param
}

// Names returns the parameter names in definition order.
func (s *Space) Names() []string {
	out := make([]string, len(s.Params))
	for i, p := range s.Params {
		out[i] = p.Name
	}
	return out
}

// Lookup returns the distribution of name.
func (s *Space) Lookup(name string) (Distribution, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p.Dist, true
		}
	}
	return nil, false
}

// Len returns the number of parameters.
func (s *Space) Len() int { return len(s.Params) }

// Parse reads a search space from a tune document. Nested mappings are
// flattened into dotted names; every leaf must look like
//
//	lr: [float, [1.0e-5, 1.0e-3, null, true]]
//	batch: [int, [32, 256, 32, false]]
//	optim: [categorical, [adam, sgd]]
//
// where the numeric argument list is [low, high, step, log] and step and
// log may be omitted.
func Parse(tune *options.Tree) (*Space, error) {
	flat := tune.Flatten()
	space := &Space{}
	for _, name := range flat.Keys() {
		v, _ := flat.Get(name)
		d, err := parseLeaf(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		space.Params = append(space.Params, Param{Name: name, Dist: d})
	}
	return space, nil
}

func parseLeaf(v any) (Distribution, error) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("expected [kind, args], got %v", v)
	}
	kind, ok := pair[0].(string)
	if !ok {
		return nil, fmt.Errorf("kind %v is not a string", pair[0])
	}
	args, ok := pair[1].([]any)
	if !ok {
		return nil, fmt.Errorf("arguments %v are not a list", pair[1])
	}

	switch Kind(kind) {
	case KindInt:
		low, high, step, log, err := numericArgs(args)
		if err != nil {
			return nil, err
		}
		if low != float64(int64(low)) || high != float64(int64(high)) || step != float64(int64(step)) {
			return nil, fmt.Errorf("int bounds must be integers, got %v", args)
		}
		return NewInt(int64(low), int64(high), int64(step), log)
	case KindFloat:
		low, high, step, log, err := numericArgs(args)
		if err != nil {
			return nil, err
		}
		return NewFloat(low, high, step, log)
	case KindCategorical:
		return NewCategorical(args)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}

func numericArgs(args []any) (low, high, step float64, log bool, err error) {
	if len(args) < 2 || len(args) > 4 {
		return 0, 0, 0, false, fmt.Errorf("expected [low, high, step, log], got %v", args)
	}
	var ok bool
	if low, ok = toFloat(args[0]); !ok {
		return 0, 0, 0, false, fmt.Errorf("low %v is not a number", args[0])
	}
	if high, ok = toFloat(args[1]); !ok {
		return 0, 0, 0, false, fmt.Errorf("high %v is not a number", args[1])
	}
	if len(args) > 2 && args[2] != nil {
		if step, ok = toFloat(args[2]); !ok {
			return 0, 0, 0, false, fmt.Errorf("step %v is not a number", args[2])
		}
	}
	if len(args) > 3 && args[3] != nil {
		if log, ok = args[3].(bool); !ok {
			return 0, 0, 0, false, fmt.Errorf("log %v is not a bool", args[3])
		}
	}
	return low, high, step, log, nil
}
