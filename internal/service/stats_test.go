package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hpsweep/internal/model"
)

func TestWilsonCI(t *testing.T) {
	low, high := wilsonCI(0, 0, 1.96)
	assert.Equal(t, 0.0, low)
	assert.Equal(t, 0.0, high)

	low, high = wilsonCI(5, 10, 1.96)
	assert.InDelta(t, 0.2366, low, 1e-3)
	assert.InDelta(t, 0.7634, high, 1e-3)

	low, high = wilsonCI(0, 20, 1.96)
	assert.Equal(t, 0.0, low)
	assert.Greater(t, high, 0.0)
}

func TestSummarize(t *testing.T) {
	study := &model.Study{Name: "s", Direction: "minimize", Metric: "loss"}
	var trials []model.Trial
	for i, v := range []float64{0.5, 0.2, 0.9, 0.1, 0.4, 0.3, 0.8} {
		trials = append(trials, model.Trial{Number: i, State: model.TrialComplete, Value: ptr(v), WorkerID: "a"})
	}
	trials = append(trials,
		model.Trial{Number: 7, State: model.TrialFail, WorkerID: "b"},
		model.Trial{Number: 8, State: model.TrialPruned, Value: ptr(2), WorkerID: "b"},
		model.Trial{Number: 9, State: model.TrialRunning, WorkerID: "c"},
	)

	sum := Summarize(study, trials)
	assert.Equal(t, 10, sum.Total)
	assert.Equal(t, 3, sum.Workers)
	assert.Equal(t, 7, sum.Counts[model.TrialComplete])
	assert.Equal(t, 1, sum.Counts[model.TrialRunning])
	assert.Equal(t, 9, sum.Failures.N)
	assert.Equal(t, 1, sum.Failures.Failed)
	assert.InDelta(t, 1.0/9, sum.Failures.Rate, 1e-12)

	require.NotNil(t, sum.Best)
	assert.Equal(t, 3, sum.Best.Number)
	require.Len(t, sum.Top, 5)
	var numbers []int
	for _, ts := range sum.Top {
		numbers = append(numbers, ts.Number)
	}
	assert.Equal(t, []int{3, 1, 5, 4, 0}, numbers)
}

func TestWriteSummary(t *testing.T) {
	ctx := context.Background()
	study := newTestStudy(t, newTestStore(t), StudyOptions{Name: "2024Mar05_cifar"})
	objective := func(ctx context.Context, trial *Trial) (float64, error) {
		lr, err := trial.SuggestFloat(ctx, "lr", 1e-4, 1e-1, 0, true)
		if err != nil {
			return 0, err
		}
		if trial.Number() == 2 {
			return 0, errors.New("diverged")
		}
		return lr, nil
	}
	require.NoError(t, study.Optimize(ctx, objective, MaxTrials{N: 4}))

	sum, err := study.Store().Summarize(ctx, study.Model())
	require.NoError(t, err)
	dir := t.TempDir()
	path, err := WriteSummary(dir, sum)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, SummaryFileName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "# 调参结果：2024Mar05_cifar")
	assert.Contains(t, text, "| COMPLETE | 3 |")
	assert.Contains(t, text, "| FAIL | 1 |")
	assert.Contains(t, text, "- lr: ")
}

func TestRenderSummaryMarkdown_NoCompletedTrials(t *testing.T) {
	sum := Summarize(&model.Study{Name: "s", Direction: "maximize", Metric: "acc"}, nil)
	text := RenderSummaryMarkdown(&sum, time.Unix(0, 0))
	assert.Contains(t, text, "还没有完成的 trial")
}
