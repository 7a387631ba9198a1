package service

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hpsweep/internal/model"
)

func TestPromotable(t *testing.T) {
	tests := []struct {
		name      string
		value     float64
		competing []float64
		maximize  bool
		want      bool
	}{
		{"alone", 0.1, []float64{0.1}, true, true},
		{"best of four", 0.9, []float64{0.1, 0.2, 0.3, 0.9}, true, true},
		{"second of four", 0.3, []float64{0.1, 0.2, 0.3, 0.9}, true, false},
		{"top two of eight", 0.7, []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}, true, true},
		{"third of eight", 0.6, []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}, true, false},
		{"minimize best", 0.1, []float64{0.1, 0.2, 0.3, 0.9}, false, true},
		{"minimize worst", 0.9, []float64{0.1, 0.2, 0.3, 0.9}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, promotable(tt.value, tt.competing, 4, tt.maximize))
		})
	}
}

func TestSuccessiveHalving_RungSteps(t *testing.T) {
	p := &SuccessiveHalvingPruner{MinResource: 5, ReductionFactor: 4}
	assert.Equal(t, 5, p.rungStep(0))
	assert.Equal(t, 20, p.rungStep(1))
	assert.Equal(t, 80, p.rungStep(2))

	p.MinEarlyStoppingRate = 1
	assert.Equal(t, 20, p.rungStep(0))
}

func TestSuccessiveHalving_PrunesAgainstOtherWorkers(t *testing.T) {
	ctx := context.Background()
	pruner := &SuccessiveHalvingPruner{MinResource: 5, ReductionFactor: 4}
	study := newTestStudy(t, newTestStore(t), StudyOptions{Pruner: pruner})

	// 先跑 4 个 trial，在 step 5 分别报告 0.5..0.8
	for i, v := range []float64{0.5, 0.6, 0.7, 0.8} {
		row, err := study.Store().CreateTrial(ctx, study.ID(), "other", "h")
		require.NoError(t, err)
		trial := newTrial(study, row)
		require.NoError(t, trial.Report(ctx, v, 5))
		_, err = trial.ShouldPrune(ctx)
		require.NoError(t, err, "trial %d", i)
		require.NoError(t, study.Store().FinishTrial(ctx, row.ID, model.TrialComplete, &v, ""))
	}

	row, err := study.Store().CreateTrial(ctx, study.ID(), "me", "h")
	require.NoError(t, err)
	trial := newTrial(study, row)

	// rung 0 之前不剪枝
	require.NoError(t, trial.Report(ctx, 0.1, 4))
	prune, err := trial.ShouldPrune(ctx)
	require.NoError(t, err)
	assert.False(t, prune)

	require.NoError(t, trial.Report(ctx, 0.1, 5))
	prune, err = trial.ShouldPrune(ctx)
	require.NoError(t, err)
	assert.True(t, prune)

	values, err := study.Store().RungValues(ctx, study.ID(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, values, 5)
}

func TestSuccessiveHalving_BestTrialIsPromoted(t *testing.T) {
	ctx := context.Background()
	pruner := &SuccessiveHalvingPruner{MinResource: 5, ReductionFactor: 4}
	study := newTestStudy(t, newTestStore(t), StudyOptions{Pruner: pruner})

	for _, v := range []float64{0.5, 0.6, 0.7} {
		row, err := study.Store().CreateTrial(ctx, study.ID(), "other", "h")
		require.NoError(t, err)
		require.NoError(t, study.Store().SetRung(ctx, study.ID(), row.ID, 0, v))
	}

	row, err := study.Store().CreateTrial(ctx, study.ID(), "me", "h")
	require.NoError(t, err)
	trial := newTrial(study, row)
	require.NoError(t, trial.Report(ctx, 0.95, 6))
	prune, err := trial.ShouldPrune(ctx)
	require.NoError(t, err)
	assert.False(t, prune)
	assert.Equal(t, 1, trial.rungs)
}

func TestSuccessiveHalving_NaNPrunedOnlyAtRung(t *testing.T) {
	ctx := context.Background()
	pruner := &SuccessiveHalvingPruner{MinResource: 5, ReductionFactor: 4}
	study := newTestStudy(t, newTestStore(t), StudyOptions{Pruner: pruner})
	row, err := study.Store().CreateTrial(ctx, study.ID(), "me", "h")
	require.NoError(t, err)
	trial := newTrial(study, row)

	trial.reported, trial.lastStep, trial.lastValue = true, 4, math.NaN()
	prune, err := pruner.Prune(ctx, study, trial)
	require.NoError(t, err)
	assert.False(t, prune)

	trial.lastStep = 5
	prune, err = pruner.Prune(ctx, study, trial)
	require.NoError(t, err)
	assert.True(t, prune)

	values, err := study.Store().RungValues(ctx, study.ID(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestNopPruner(t *testing.T) {
	prune, err := NopPruner{}.Prune(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.False(t, prune)
}
