package service

import (
	"context"
	"math"
	"sort"

	"hpsweep/internal/model"
)

// FailureStats 已结束 trial 的失败率
type FailureStats struct {
	N        int     `json:"n"`
	Failed   int     `json:"failed"`
	Rate     float64 `json:"rate"`
	CI95Low  float64 `json:"ci95_low"`
	CI95High float64 `json:"ci95_high"`
}

// TrialSummary 报告中展示的单个 trial
type TrialSummary struct {
	Number   int            `json:"number"`
	Value    float64        `json:"value"`
	Params   map[string]any `json:"params"`
	WorkerID string         `json:"worker_id"`
	Hostname string         `json:"hostname"`
	Seconds  float64        `json:"seconds"`
}

// StudySummary study 的整体统计，包含所有 worker 的 trial
type StudySummary struct {
	Study     string                   `json:"study"`
	Direction string                   `json:"direction"`
	Metric    string                   `json:"metric"`
	Total     int                      `json:"total"`
	Counts    map[model.TrialState]int `json:"counts"`
	Workers   int                      `json:"workers"`
	Failures  FailureStats             `json:"failures"`
	Best      *TrialSummary            `json:"best,omitempty"`
	Top       []TrialSummary           `json:"top"`
}

// topTrials 报告中列出的最优 trial 数量
const topTrials = 5

// Summarize 读取 study 的全部 trial 并统计
func (s *Store) Summarize(ctx context.Context, study *model.Study) (*StudySummary, error) {
	trials, err := s.ListTrials(ctx, study.ID)
	if err != nil {
		return nil, err
	}
	summary := Summarize(study, trials)
	return &summary, nil
}

// Summarize 统计各状态数量、失败率（Wilson 95% 置信区间）和最优的几个 trial
func Summarize(study *model.Study, trials []model.Trial) StudySummary {
	sum := StudySummary{
		Study:     study.Name,
		Direction: study.Direction,
		Metric:    study.Metric,
		Total:     len(trials),
		Counts: map[model.TrialState]int{
			model.TrialRunning:  0,
			model.TrialComplete: 0,
			model.TrialPruned:   0,
			model.TrialFail:     0,
		},
		Top: []TrialSummary{},
	}

	workers := map[string]struct{}{}
	var complete []model.Trial
	for _, t := range trials {
		sum.Counts[t.State]++
		if t.WorkerID != "" {
			workers[t.WorkerID] = struct{}{}
		}
		if t.State == model.TrialComplete && t.Value != nil {
			complete = append(complete, t)
		}
	}
	sum.Workers = len(workers)
	sum.Failures = calcFailureStats(sum.Counts)

	maximize := study.Direction == "maximize"
	sort.SliceStable(complete, func(i, j int) bool {
		if maximize {
			return *complete[i].Value > *complete[j].Value
		}
		return *complete[i].Value < *complete[j].Value
	})
	for i, t := range complete {
		if i == topTrials {
			break
		}
		sum.Top = append(sum.Top, summarizeTrial(t))
	}
	if len(sum.Top) > 0 {
		best := sum.Top[0]
		sum.Best = &best
	}
	return sum
}

func summarizeTrial(t model.Trial) TrialSummary {
	ts := TrialSummary{
		Number:   t.Number,
		Params:   ExternalParams(t),
		WorkerID: t.WorkerID,
		Hostname: t.Hostname,
	}
	if t.Value != nil {
		ts.Value = *t.Value
	}
	if t.CompletedAt != nil {
		ts.Seconds = t.CompletedAt.Sub(t.StartedAt).Seconds()
	}
	return ts
}

func calcFailureStats(counts map[model.TrialState]int) FailureStats {
	fs := FailureStats{Failed: counts[model.TrialFail]}
	// 只统计已结束的 trial（排除 RUNNING）
	fs.N = counts[model.TrialComplete] + counts[model.TrialPruned] + fs.Failed
	if fs.N > 0 {
		fs.Rate = float64(fs.Failed) / float64(fs.N)
		fs.CI95Low, fs.CI95High = wilsonCI(fs.Failed, fs.N, 1.96)
	}
	return fs
}

// Wilson score interval for proportion
func wilsonCI(k int, n int, z float64) (float64, float64) {
	if n == 0 {
		return 0, 0
	}
	p := float64(k) / float64(n)
	zz := z * z
	den := 1 + zz/float64(n)
	center := (p + zz/(2*float64(n))) / den
	half := (z / den) * math.Sqrt((p*(1-p)+zz/(4*float64(n)))/float64(n))
	low := math.Max(0, center-half)
	high := math.Min(1, center+half)
	return low, high
}
