package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"hpsweep/internal/ctxlog"
	"hpsweep/internal/options"
	"hpsweep/internal/searchspace"

	"golang.org/x/time/rate"
)

// ReportFunc 实验在每个 step（或 epoch）结束时调用，上报该 step 的指标。
// 返回 ErrTrialPruned 时实验应尽快停止。
type ReportFunc func(step int, metrics map[string]float64) error

// TrialRun 交给实验的一次 trial 运行信息
type TrialRun struct {
	Study      string
	Number     int
	Config     *options.Tree
	ConfigPath string
	OutDir     string
	Report     ReportFunc
}

// Experiment 按 trial 配置执行一次训练
type Experiment interface {
	Run(ctx context.Context, run *TrialRun) error
}

// ExperimentFunc 让普通函数实现 Experiment
type ExperimentFunc func(ctx context.Context, run *TrialRun) error

func (f ExperimentFunc) Run(ctx context.Context, run *TrialRun) error { return f(ctx, run) }

// Objective 把基础配置和搜索空间合并成 trial 配置、运行实验，并把实验上报的指标转发给 trial
type Objective struct {
	Base       *options.Tree
	Space      *searchspace.Space
	StudyDir   string
	Metric     string
	Experiment Experiment

	progress rate.Sometimes
}

func NewObjective(base *options.Tree, space *searchspace.Space, studyDir, metric string, exp Experiment) *Objective {
	return &Objective{
		Base:       base,
		Space:      space,
		StudyDir:   studyDir,
		Metric:     metric,
		Experiment: exp,
		progress:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Run 实现 ObjectiveFunc，返回实验最后一次上报的目标指标
func (o *Objective) Run(ctx context.Context, trial *Trial) (float64, error) {
	logger := ctxlog.FromContext(ctx)

	cfg, err := SuggestConfig(ctx, trial, o.Base, o.Space, o.StudyDir)
	if err != nil {
		return 0, err
	}
	outDir, _ := cfg.GetString("out_dir")
	cfgPath := filepath.Join(outDir, "cfg.yaml")
	if err := cfg.Save(cfgPath); err != nil {
		return 0, err
	}
	if err := trial.setConfigPath(ctx, cfgPath); err != nil {
		return 0, err
	}
	logger.Debug("trial config written", "path", cfgPath, "params", trial.Params())

	var (
		last     float64
		reported bool
	)
	report := func(step int, metrics map[string]float64) error {
		score, ok := metrics[o.Metric]
		if !ok {
			return fmt.Errorf("step %d 的上报结果中没有指标 %q", step, o.Metric)
		}
		last, reported = score, true
		if err := trial.SetUserAttr(ctx, "last_score", score); err != nil {
			return err
		}
		if err := trial.Report(ctx, score, step); err != nil {
			return err
		}
		o.progress.Do(func() {
			logger.Info("trial progress", "step", step, o.Metric, score)
		})
		prune, err := trial.ShouldPrune(ctx)
		if err != nil {
			return err
		}
		if prune {
			return fmt.Errorf("step %d: %w", step, ErrTrialPruned)
		}
		return nil
	}

	err = o.Experiment.Run(ctx, &TrialRun{
		Study:      trial.study.Name(),
		Number:     trial.Number(),
		Config:     cfg,
		ConfigPath: cfgPath,
		OutDir:     outDir,
		Report:     report,
	})
	if err != nil {
		return 0, err
	}
	if !reported {
		return 0, errors.New("实验结束但没有上报任何指标")
	}
	return last, nil
}

// SuggestConfig 按搜索空间的顺序为每个参数采样，覆盖到展平后的基础配置上再还原嵌套结构，
// 并设置 out_dir = <studyDir>/trial_<number>。
func SuggestConfig(ctx context.Context, trial *Trial, base *options.Tree, space *searchspace.Space, studyDir string) (*options.Tree, error) {
	sampled := options.New()
	for _, p := range space.Params {
		v, err := trial.Suggest(ctx, p.Name, p.Dist)
		if err != nil {
			return nil, err
		}
		sampled.Set(p.Name, v)
	}
	cfg := options.Expand(options.Overlay(base.Flatten(), sampled))
	cfg.Set("out_dir", filepath.Join(studyDir, fmt.Sprintf("trial_%04d", trial.Number())))
	return cfg, nil
}
