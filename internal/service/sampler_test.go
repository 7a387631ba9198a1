package service

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hpsweep/internal/config"
	"hpsweep/internal/model"
	"hpsweep/internal/searchspace"
)

func TestRandomSampler_StaysInBounds(t *testing.T) {
	ctx := context.Background()
	s := NewRandomSampler(42)

	lr, err := searchspace.NewFloat(1e-4, 1e-1, 0, true)
	require.NoError(t, err)
	layers, err := searchspace.NewInt(1, 8, 1, false)
	require.NoError(t, err)
	optim, err := searchspace.NewCategorical([]any{"adam", "sgd", "rmsprop"})
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		for _, dist := range []searchspace.Distribution{lr, layers, optim} {
			v, err := s.SampleIndependent(ctx, nil, nil, "x", dist)
			require.NoError(t, err)
			assert.True(t, dist.Contains(v), "%v not in %#v", v, dist)
		}
	}
}

func TestGPSampler_UsesHistoryAfterStartup(t *testing.T) {
	ctx := context.Background()
	acq, err := AcquisitionByName("ei")
	require.NoError(t, err)
	sampler := &GPSampler{
		StartupTrials: 5,
		Candidates:    64,
		Acquisition:   acq,
		Params:        AcquisitionParams{Xi: 0.01},
		Noise:         1e-4,
		random:        NewRandomSampler(7),
	}
	study := newTestStudy(t, newTestStore(t), StudyOptions{Sampler: sampler, Direction: "minimize"})

	objective := func(ctx context.Context, trial *Trial) (float64, error) {
		x, err := trial.SuggestFloat(ctx, "x", -2, 2, 0, false)
		if err != nil {
			return 0, err
		}
		n, err := trial.SuggestInt(ctx, "n", 1, 4, 1, false)
		if err != nil {
			return 0, err
		}
		return (x-0.5)*(x-0.5) + float64(n), nil
	}

	require.NoError(t, study.Optimize(ctx, objective, MaxTrials{N: 4}))
	row, err := study.Store().CreateTrial(ctx, study.ID(), "w", "h")
	require.NoError(t, err)
	rel, err := sampler.SampleRelative(ctx, study, newTrial(study, row))
	require.NoError(t, err)
	assert.Nil(t, rel, "fewer completed trials than startup_trials")
	require.NoError(t, study.Store().FinishTrial(ctx, row.ID, model.TrialFail, nil, "unused"))

	require.NoError(t, study.Optimize(ctx, objective, MaxTrials{N: 12}))
	row, err = study.Store().CreateTrial(ctx, study.ID(), "w", "h")
	require.NoError(t, err)
	rel, err = sampler.SampleRelative(ctx, study, newTrial(study, row))
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Equal(t, []string{"n", "x"}, rel.Space.Names())
	for _, p := range rel.Space.Params {
		assert.True(t, p.Dist.Contains(rel.Values[p.Name]), p.Name)
	}
}

func TestGaussianProcess_InterpolatesObservations(t *testing.T) {
	x := [][]float64{{0.1}, {0.4}, {0.7}, {0.9}}
	y, _, _ := standardize([]float64{1, 3, 2, 5})

	gp, err := fitGaussianProcess(x, y, 1e-6)
	require.NoError(t, err)
	for i := range x {
		mean, variance := gp.Predict(x[i])
		assert.InDelta(t, y[i], mean, 0.1)
		assert.Less(t, variance, 0.05)
	}
	_, far := gp.Predict([]float64{0.25})
	_, near := gp.Predict([]float64{0.4})
	assert.Greater(t, far, near)
}

func TestGaussianProcess_LogMarginalLikelihood(t *testing.T) {
	// 单点时 K + noise*I = 1 + noise，可以直接写出闭式解
	const noise = 0.5
	gp, lml, err := newGaussianProcess([][]float64{{0.3}}, []float64{2}, 0.2, noise)
	require.NoError(t, err)

	want := -0.5*4/(1+noise) - 0.5*math.Log(1+noise) - 0.5*math.Log(2*math.Pi)
	assert.InDelta(t, want, lml, 1e-9)

	mean, variance := gp.Predict([]float64{0.3})
	assert.InDelta(t, 2/(1+noise), mean, 1e-9)
	assert.InDelta(t, 1-1/(1+noise), variance, 1e-9)
}

func TestGaussianProcess_DuplicatePointsStillFit(t *testing.T) {
	x := [][]float64{{0.5, 0.5}, {0.5, 0.5}, {0.5, 0.5}, {0.2, 0.8}}
	y, _, _ := standardize([]float64{1, 1.1, 0.9, 3})

	gp, err := fitGaussianProcess(x, y, 0)
	require.NoError(t, err)
	mean, variance := gp.Predict([]float64{0.5, 0.5})
	assert.False(t, math.IsNaN(mean))
	assert.Greater(t, variance, 0.0)
}

func TestStandardize(t *testing.T) {
	out, mean, std := standardize([]float64{1, 2, 3})
	assert.InDelta(t, 2, mean, 1e-12)
	assert.InDelta(t, math.Sqrt(2.0/3.0), std, 1e-12)
	assert.InDelta(t, 0, out[1], 1e-12)
}

func TestAcquisition_PrefersLowerMean(t *testing.T) {
	params := AcquisitionParams{Beta: 2, Xi: 0, BestSoFar: 0}
	for _, name := range []string{"ucb", "pi", "ei"} {
		acq, err := AcquisitionByName(name)
		require.NoError(t, err)
		assert.Less(t, acq(-1, 0.1, params), acq(1, 0.1, params), name)
	}
	_, err := AcquisitionByName("nope")
	assert.Error(t, err)
}

func TestNewSampler(t *testing.T) {
	cfg := config.Default().Sampler
	s, err := NewSampler(cfg)
	require.NoError(t, err)
	assert.IsType(t, &GPSampler{}, s)

	cfg.Kind = "random"
	s, err = NewSampler(cfg)
	require.NoError(t, err)
	assert.IsType(t, &RandomSampler{}, s)

	cfg.Kind = "tpe"
	_, err = NewSampler(cfg)
	assert.Error(t, err)
}
