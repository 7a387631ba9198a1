package service

import (
	"context"
	"fmt"
	"sync"

	"hpsweep/internal/model"
	"hpsweep/internal/searchspace"
)

// Trial 是正在运行的一个 trial 的句柄。参数、中间指标和属性都会立即写入共享数据库。
type Trial struct {
	study *Study
	row   *model.Trial

	mu       sync.Mutex
	params   map[string]paramValue
	relative *RelativeSample
	sampled  bool

	reported  bool
	lastStep  int
	lastValue float64

	// 已通过的 rung 数量（SuccessiveHalvingPruner 使用）
	rungs int
}

func newTrial(study *Study, row *model.Trial) *Trial {
	return &Trial{
		study:  study,
		row:    row,
		params: map[string]paramValue{},
	}
}

// Number study 内从 0 开始的编号
func (t *Trial) Number() int { return t.row.Number }

// ID 数据库主键
func (t *Trial) ID() uint { return t.row.ID }

// Suggest 为参数 name 取值并返回外部表示。同一 trial 对同一参数重复调用返回相同的值。
func (t *Trial) Suggest(ctx context.Context, name string, dist searchspace.Distribution) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.params[name]; ok {
		if !searchspace.Equal(p.Dist, dist) {
			return nil, fmt.Errorf("参数 %s 在同一个 trial 中使用了不同的分布", name)
		}
		return p.Dist.ToExternal(p.Internal), nil
	}

	if !t.sampled {
		t.sampled = true
		rel, err := t.study.sampler.SampleRelative(ctx, t.study, t)
		if err != nil {
			return nil, fmt.Errorf("联合采样失败: %w", err)
		}
		t.relative = rel
	}

	internal, ok := t.relativeValue(name, dist)
	if !ok {
		v, err := t.study.sampler.SampleIndependent(ctx, t.study, t, name, dist)
		if err != nil {
			return nil, fmt.Errorf("参数 %s 采样失败: %w", name, err)
		}
		internal = v
	}
	if !dist.Contains(internal) {
		return nil, fmt.Errorf("参数 %s 的采样值 %v %w", name, internal, searchspace.ErrOutOfRange)
	}

	if err := t.study.store.SetParam(ctx, t.ID(), name, internal, dist); err != nil {
		return nil, err
	}
	t.params[name] = paramValue{Internal: internal, Dist: dist}
	return dist.ToExternal(internal), nil
}

func (t *Trial) relativeValue(name string, dist searchspace.Distribution) (float64, bool) {
	if t.relative == nil {
		return 0, false
	}
	d, ok := t.relative.Space.Lookup(name)
	if !ok || !searchspace.Equal(d, dist) {
		return 0, false
	}
	v, ok := t.relative.Values[name]
	return v, ok
}

func (t *Trial) SuggestInt(ctx context.Context, name string, low, high, step int64, log bool) (int, error) {
	dist, err := searchspace.NewInt(low, high, step, log)
	if err != nil {
		return 0, err
	}
	v, err := t.Suggest(ctx, name, dist)
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (t *Trial) SuggestFloat(ctx context.Context, name string, low, high, step float64, log bool) (float64, error) {
	dist, err := searchspace.NewFloat(low, high, step, log)
	if err != nil {
		return 0, err
	}
	v, err := t.Suggest(ctx, name, dist)
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (t *Trial) SuggestCategorical(ctx context.Context, name string, choices []any) (any, error) {
	dist, err := searchspace.NewCategorical(choices)
	if err != nil {
		return nil, err
	}
	return t.Suggest(ctx, name, dist)
}

// Params 已采样参数的外部表示
func (t *Trial) Params() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.params))
	for name, p := range t.params {
		out[name] = p.Dist.ToExternal(p.Internal)
	}
	return out
}

// Report 上报 step 处的中间指标
func (t *Trial) Report(ctx context.Context, value float64, step int) error {
	if step < 0 {
		return fmt.Errorf("step 不能为负数: %d", step)
	}
	if err := t.study.store.ReportIntermediate(ctx, t.ID(), step, value); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.reported || step >= t.lastStep {
		t.reported, t.lastStep, t.lastValue = true, step, value
	}
	return nil
}

func (t *Trial) lastReport() (step int, value float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastStep, t.lastValue, t.reported
}

// ShouldPrune 询问 study 的剪枝器是否应停止该 trial
func (t *Trial) ShouldPrune(ctx context.Context) (bool, error) {
	return t.study.pruner.Prune(ctx, t.study, t)
}

func (t *Trial) SetUserAttr(ctx context.Context, key string, value any) error {
	if err := t.study.store.SetUserAttr(ctx, t.ID(), key, value); err != nil {
		return err
	}
	return nil
}

func (t *Trial) setConfigPath(ctx context.Context, path string) error {
	if err := t.study.store.SetConfigPath(ctx, t.ID(), path); err != nil {
		return err
	}
	t.row.ConfigPath = path
	return nil
}
