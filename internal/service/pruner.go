package service

import (
	"context"
	"fmt"
	"math"
	"sort"

	"hpsweep/internal/config"
)

// Pruner 根据 trial 已上报的中间指标判断是否提前停止
type Pruner interface {
	Prune(ctx context.Context, study *Study, trial *Trial) (bool, error)
}

// NewPruner 按配置创建剪枝器
func NewPruner(cfg config.PrunerConfig) (Pruner, error) {
	switch cfg.Kind {
	case "none":
		return NopPruner{}, nil
	case "successive_halving", "":
		return &SuccessiveHalvingPruner{
			MinResource:          cfg.MinResource,
			ReductionFactor:      cfg.ReductionFactor,
			MinEarlyStoppingRate: cfg.MinEarlyStoppingRate,
		}, nil
	default:
		return nil, fmt.Errorf("未知的 pruner: %q", cfg.Kind)
	}
}

// NopPruner 从不剪枝
type NopPruner struct{}

func (NopPruner) Prune(context.Context, *Study, *Trial) (bool, error) { return false, nil }

// SuccessiveHalvingPruner 异步 successive halving。
// 第 k 级 rung 位于 step = MinResource * ReductionFactor^(MinEarlyStoppingRate+k)；
// trial 到达某级 rung 时把当前指标记入该 rung，若不在该 rung 全部指标的前 1/ReductionFactor 内则被剪枝。
// rung 记录在共享数据库中，所有 worker 的 trial 互相比较。
type SuccessiveHalvingPruner struct {
	MinResource          int
	ReductionFactor      int
	MinEarlyStoppingRate int
}

func (p *SuccessiveHalvingPruner) Prune(ctx context.Context, study *Study, trial *Trial) (bool, error) {
	step, value, ok := trial.lastReport()
	if !ok {
		return false, nil
	}

	for {
		rung := trial.rungs
		if step < p.rungStep(rung) {
			return false, nil
		}
		if math.IsNaN(value) {
			return true, nil
		}
		if err := study.store.SetRung(ctx, study.ID(), trial.ID(), rung, value); err != nil {
			return false, err
		}
		others, err := study.store.RungValues(ctx, study.ID(), rung, trial.ID())
		if err != nil {
			return false, err
		}
		if !promotable(value, append(others, value), p.ReductionFactor, study.Maximize()) {
			return true, nil
		}
		trial.rungs++
	}
}

func (p *SuccessiveHalvingPruner) rungStep(rung int) int {
	step := p.MinResource
	for i := 0; i < p.MinEarlyStoppingRate+rung; i++ {
		step *= p.ReductionFactor
	}
	return step
}

// promotable 判断 value 是否位于 competing（含 value 本身）的前 1/rf
func promotable(value float64, competing []float64, rf int, maximize bool) bool {
	idx := len(competing)/rf - 1
	if idx < 0 {
		idx = 0
	}
	sort.Float64s(competing)
	if maximize {
		return value >= competing[len(competing)-1-idx]
	}
	return value <= competing[idx]
}
