package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"hpsweep/internal/ctxlog"
	"hpsweep/internal/model"
)

// ErrTrialPruned 由目标函数返回，表示 trial 被剪枝器提前停止
var ErrTrialPruned = errors.New("trial pruned")

// ObjectiveFunc 在一个 trial 上执行训练并返回目标值
type ObjectiveFunc func(ctx context.Context, trial *Trial) (float64, error)

// StopCondition 在每个 trial 开始前检查，返回 true 时 worker 停止
type StopCondition interface {
	ShouldStop(ctx context.Context, study *Study) (bool, error)
}

// MaxTrials 当 study 的 trial 数（所有 worker 合计，不分状态）达到 N 时停止。
// 并发的 worker 可能各自在同一时刻看到 N-1，因此总数最多超出 worker 数减一。
type MaxTrials struct {
	N int
}

func (m MaxTrials) ShouldStop(ctx context.Context, study *Study) (bool, error) {
	n, err := study.store.CountTrials(ctx, study.ID())
	if err != nil {
		return false, err
	}
	return n >= int64(m.N), nil
}

type StudyOptions struct {
	Name      string
	Direction string
	Metric    string
	Sampler   Sampler
	Pruner    Pruner

	WorkerID string
	Hostname string

	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration

	// 同名 study 已存在时加入它（多个 worker 共享同一个 study）
	LoadIfExists bool
}

// Study 一个 worker 进程对共享 study 的视图
type Study struct {
	store   *Store
	row     *model.Study
	sampler Sampler
	pruner  Pruner

	workerID string
	hostname string

	heartbeatInterval time.Duration
	heartbeatGrace    time.Duration
}

// CreateStudy 在存储中创建（或加入）study
func CreateStudy(ctx context.Context, store *Store, opts StudyOptions) (*Study, error) {
	if opts.Direction != "maximize" && opts.Direction != "minimize" {
		return nil, fmt.Errorf("direction 必须是 maximize 或 minimize，当前为 %q", opts.Direction)
	}
	row, err := store.CreateStudy(ctx, opts.Name, opts.Direction, opts.Metric, opts.LoadIfExists)
	if err != nil {
		return nil, err
	}
	if row.Direction != opts.Direction {
		return nil, fmt.Errorf("study %s 已存在且方向为 %s，与 %s 不一致", row.Name, row.Direction, opts.Direction)
	}

	s := &Study{
		store:             store,
		row:               row,
		sampler:           opts.Sampler,
		pruner:            opts.Pruner,
		workerID:          opts.WorkerID,
		hostname:          opts.Hostname,
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatGrace:    opts.HeartbeatGrace,
	}
	if s.sampler == nil {
		s.sampler = NewRandomSampler(time.Now().UnixNano())
	}
	if s.pruner == nil {
		s.pruner = NopPruner{}
	}
	return s, nil
}

func (s *Study) ID() uint            { return s.row.ID }
func (s *Study) Name() string        { return s.row.Name }
func (s *Study) Direction() string   { return s.row.Direction }
func (s *Study) Metric() string      { return s.row.Metric }
func (s *Study) Maximize() bool      { return s.row.Direction == "maximize" }
func (s *Study) Model() *model.Study { return s.row }
func (s *Study) Store() *Store       { return s.store }

// Optimize 反复创建并运行 trial，直到任一停止条件成立或 ctx 被取消。
// 单个 trial 失败只会被记录为 FAIL，不会终止循环；只有存储错误会让 Optimize 返回错误。
func (s *Study) Optimize(ctx context.Context, objective ObjectiveFunc, stops ...StopCondition) error {
	ctx = ctxlog.With(ctx, "study", s.Name(), "worker", s.workerID)
	logger := ctxlog.FromContext(ctx)

	if s.heartbeatGrace > 0 {
		n, err := s.store.FailStaleTrials(ctx, s.ID(), s.heartbeatGrace)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Warn("marked stale trials as failed", "count", n)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, stop := range stops {
			done, err := stop.ShouldStop(ctx, s)
			if err != nil {
				return fmt.Errorf("检查停止条件失败: %w", err)
			}
			if done {
				logger.Info("stop condition reached")
				return nil
			}
		}

		row, err := s.store.CreateTrial(ctx, s.ID(), s.workerID, s.hostname)
		if err != nil {
			return err
		}
		s.runTrial(ctx, newTrial(s, row), objective)
	}
}

func (s *Study) runTrial(ctx context.Context, trial *Trial, objective ObjectiveFunc) {
	ctx = ctxlog.With(ctx, "trial", trial.Number())
	logger := ctxlog.FromContext(ctx)
	logger.Info("trial started")

	var wg sync.WaitGroup
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	if s.heartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.heartbeat(hbCtx, trial)
		}()
	}

	value, err := callObjective(ctx, trial, objective)
	stopHeartbeat()
	wg.Wait()

	// ctx 可能已被取消，结果仍需写入
	finishCtx := context.WithoutCancel(ctx)
	var (
		state  model.TrialState
		result *float64
		reason string
	)
	switch {
	case err == nil && (math.IsNaN(value) || math.IsInf(value, 0)):
		state, reason = model.TrialFail, fmt.Sprintf("objective returned %v", value)
	case err == nil:
		state, result = model.TrialComplete, &value
	case errors.Is(err, ErrTrialPruned):
		state = model.TrialPruned
		if _, last, ok := trial.lastReport(); ok {
			result = &last
		}
	case ctx.Err() != nil:
		state, reason = model.TrialFail, "interrupted"
	default:
		state, reason = model.TrialFail, err.Error()
	}

	if ferr := s.store.FinishTrial(finishCtx, trial.ID(), state, result, reason); ferr != nil {
		logger.Error("failed to record trial result", "state", state, "error", ferr)
		return
	}
	switch state {
	case model.TrialComplete:
		logger.Info("trial completed", "value", value, "params", trial.Params())
	case model.TrialPruned:
		logger.Info("trial pruned")
	default:
		logger.Warn("trial failed", "reason", reason)
	}
}

func callObjective(ctx context.Context, trial *Trial, objective ObjectiveFunc) (value float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			ctxlog.FromContext(ctx).Debug("objective panicked", "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return objective(ctx, trial)
}

func (s *Study) heartbeat(ctx context.Context, trial *Trial) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Heartbeat(ctx, trial.ID()); err != nil && ctx.Err() == nil {
				ctxlog.FromContext(ctx).Warn("heartbeat failed", "error", err)
			}
		}
	}
}
