// Package searchspace describes the tunable parameters of a sweep and the
// distributions their values are drawn from.
//
// Every distribution maps a value to an internal float64 representation
// (the value itself for numbers, the index for categorical choices) and the
// internal representation to a point of the unit interval, which is what
// samplers work on.
package searchspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"

	"golang.org/x/exp/constraints"
)

// Kind names a distribution family as written in tune.yaml.
type Kind string

const (
	KindInt         Kind = "int"
	KindFloat       Kind = "float"
	KindCategorical Kind = "categorical"
)

var (
	// ErrUnknownKind is returned for a distribution kind other than int,
	// float or categorical.
	ErrUnknownKind = errors.New("unknown distribution kind")
	// ErrOutOfRange is returned when a value does not belong to a
	// distribution.
	ErrOutOfRange = errors.New("value outside distribution")
)

// Distribution is implemented by IntDistribution, FloatDistribution and
// CategoricalDistribution.
type Distribution interface {
	Kind() Kind
	// ToInternal converts an external value into its float representation.
	ToInternal(v any) (float64, error)
	// ToExternal converts a float representation back into a value.
	ToExternal(x float64) any
	// Contains reports whether x is a valid internal representation.
	Contains(x float64) bool
	// Encode maps an internal representation into [0, 1].
	Encode(x float64) float64
	// Decode maps u in [0, 1] to a valid internal representation.
	Decode(u float64) float64
}

// Range is a numeric interval with an optional grid step and log scaling.
// A zero Step means continuous.
type Range[T constraints.Integer | constraints.Float] struct {
	Low  T
	High T
	Step T
	Log  bool
}

func (r Range[T]) validate() error {
	if r.Low > r.High {
		return fmt.Errorf("low %v greater than high %v", r.Low, r.High)
	}
	if r.Step < 0 {
		return fmt.Errorf("negative step %v", r.Step)
	}
	if r.Log && r.Low <= 0 {
		return fmt.Errorf("log scale needs low > 0, got %v", r.Low)
	}
	return nil
}

// bounds returns the interval the unit cube is stretched over. Stepped
// ranges are padded by half a step so rounding hits every grid point with
// equal probability.
func (r Range[T]) bounds() (lo, hi float64) {
	lo, hi = float64(r.Low), float64(r.high())
	if r.Step != 0 {
		half := float64(r.Step) / 2
		lo, hi = lo-half, hi+half
		if r.Log {
			lo = math.Max(lo, float64(r.Low)/2)
		}
	}
	if r.Log {
		return math.Log(lo), math.Log(hi)
	}
	return lo, hi
}

// high is the largest grid point not above High.
func (r Range[T]) high() T {
	if r.Step == 0 || r.Log {
		return r.High
	}
	n := math.Floor(float64(r.High-r.Low) / float64(r.Step))
	return r.Low + T(n*float64(r.Step))
}

func (r Range[T]) encode(x float64) float64 {
	lo, hi := r.bounds()
	if r.Log {
		x = math.Log(x)
	}
	if hi == lo {
		return 0.5
	}
	return clamp01((x - lo) / (hi - lo))
}

func (r Range[T]) decode(u float64) float64 {
	lo, hi := r.bounds()
	x := lo + clamp01(u)*(hi-lo)
	if r.Log {
		x = math.Exp(x)
	}
	if r.Step != 0 {
		low, step := float64(r.Low), float64(r.Step)
		x = low + math.Round((x-low)/step)*step
	}
	return math.Min(math.Max(x, float64(r.Low)), float64(r.high()))
}

func (r Range[T]) contains(x float64) bool {
	if math.IsNaN(x) || x < float64(r.Low) || x > float64(r.High) {
		return false
	}
	if r.Step == 0 {
		return true
	}
	k := (x - float64(r.Low)) / float64(r.Step)
	return math.Abs(k-math.Round(k)) < 1e-8
}

// IntDistribution draws integers from [Low, High] on a Step grid.
type IntDistribution struct {
	Range[int64]
}

// NewInt validates and builds an int distribution. A zero step means 1.
func NewInt(low, high, step int64, log bool) (IntDistribution, error) {
	if step == 0 {
		step = 1
	}
	d := IntDistribution{Range[int64]{Low: low, High: high, Step: step, Log: log}}
	if err := d.validate(); err != nil {
		return IntDistribution{}, err
	}
	if log && step != 1 {
		return IntDistribution{}, fmt.Errorf("log scale needs step 1, got %d", step)
	}
	return d, nil
}

func (IntDistribution) Kind() Kind { return KindInt }

func (d IntDistribution) ToInternal(v any) (float64, error) {
	x, ok := toFloat(v)
	if !ok || x != math.Trunc(x) {
		return 0, fmt.Errorf("%w: %v is not an integer", ErrOutOfRange, v)
	}
	if !d.Contains(x) {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, v)
	}
	return x, nil
}

func (d IntDistribution) ToExternal(x float64) any { return int(math.Round(x)) }
func (d IntDistribution) Contains(x float64) bool  { return d.contains(x) }
func (d IntDistribution) Encode(x float64) float64 { return d.encode(x) }
func (d IntDistribution) Decode(u float64) float64 { return math.Round(d.decode(u)) }

// FloatDistribution draws floats from [Low, High], optionally on a Step grid.
type FloatDistribution struct {
	Range[float64]
}

// NewFloat validates and builds a float distribution. Step 0 is continuous.
func NewFloat(low, high, step float64, log bool) (FloatDistribution, error) {
	d := FloatDistribution{Range[float64]{Low: low, High: high, Step: step, Log: log}}
	if err := d.validate(); err != nil {
		return FloatDistribution{}, err
	}
	if log && step != 0 {
		return FloatDistribution{}, fmt.Errorf("log scale cannot be combined with step %v", step)
	}
	return d, nil
}

func (FloatDistribution) Kind() Kind { return KindFloat }

func (d FloatDistribution) ToInternal(v any) (float64, error) {
	x, ok := toFloat(v)
	if !ok || !d.Contains(x) {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, v)
	}
	return x, nil
}

func (d FloatDistribution) ToExternal(x float64) any { return x }
func (d FloatDistribution) Contains(x float64) bool  { return d.contains(x) }
func (d FloatDistribution) Encode(x float64) float64 { return d.encode(x) }
func (d FloatDistribution) Decode(u float64) float64 { return d.decode(u) }

// CategoricalDistribution picks one of Choices. The internal representation
// is the choice index.
type CategoricalDistribution struct {
	Choices []any
}

// NewCategorical builds a categorical distribution over at least one choice.
func NewCategorical(choices []any) (CategoricalDistribution, error) {
	if len(choices) == 0 {
		return CategoricalDistribution{}, errors.New("categorical needs at least one choice")
	}
	cp := make([]any, len(choices))
	copy(cp, choices)
	return CategoricalDistribution{Choices: cp}, nil
}

func (CategoricalDistribution) Kind() Kind { return KindCategorical }

func (d CategoricalDistribution) ToInternal(v any) (float64, error) {
	for i, c := range d.Choices {
		if sameValue(c, v) {
			return float64(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %v not in %v", ErrOutOfRange, v, d.Choices)
}

func (d CategoricalDistribution) ToExternal(x float64) any {
	return d.Choices[int(x)]
}

func (d CategoricalDistribution) Contains(x float64) bool {
	return x == math.Trunc(x) && x >= 0 && int(x) < len(d.Choices)
}

func (d CategoricalDistribution) Encode(x float64) float64 {
	return (x + 0.5) / float64(len(d.Choices))
}

func (d CategoricalDistribution) Decode(u float64) float64 {
	i := int(clamp01(u) * float64(len(d.Choices)))
	if i >= len(d.Choices) {
		i = len(d.Choices) - 1
	}
	return float64(i)
}

// Equal reports whether two distributions describe the same values.
func Equal(a, b Distribution) bool {
	return reflect.DeepEqual(a, b)
}

type distJSON struct {
	Kind    Kind     `json:"kind"`
	Low     *float64 `json:"low,omitempty"`
	High    *float64 `json:"high,omitempty"`
	Step    float64  `json:"step,omitempty"`
	Log     bool     `json:"log,omitempty"`
	Choices []any    `json:"choices,omitempty"`
}

// Marshal encodes a distribution as JSON for storage.
func Marshal(d Distribution) ([]byte, error) {
	var out distJSON
	switch x := d.(type) {
	case IntDistribution:
		lo, hi := float64(x.Low), float64(x.High)
		out = distJSON{Kind: KindInt, Low: &lo, High: &hi, Step: float64(x.Step), Log: x.Log}
	case FloatDistribution:
		out = distJSON{Kind: KindFloat, Low: &x.Low, High: &x.High, Step: x.Step, Log: x.Log}
	case CategoricalDistribution:
		out = distJSON{Kind: KindCategorical, Choices: x.Choices}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, d)
	}
	return json.Marshal(out)
}

// Unmarshal decodes a distribution written by Marshal.
func Unmarshal(data []byte) (Distribution, error) {
	var in distJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	switch in.Kind {
	case KindInt, KindFloat:
		if in.Low == nil || in.High == nil {
			return nil, fmt.Errorf("%s distribution without bounds", in.Kind)
		}
		if in.Kind == KindInt {
			return NewInt(int64(*in.Low), int64(*in.High), int64(in.Step), in.Log)
		}
		return NewFloat(*in.Low, *in.High, in.Step, in.Log)
	case KindCategorical:
		return NewCategorical(normalizeJSON(in.Choices))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, in.Kind)
	}
}

// normalizeJSON turns integral float64 values decoded from JSON back into
// ints so categorical choices compare equal to the YAML originals.
func normalizeJSON(vs []any) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			out[i] = int(f)
			continue
		}
		out[i] = v
	}
	return out
}

func sameValue(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func clamp01(u float64) float64 {
	return math.Min(math.Max(u, 0), 1)
}
