package service

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"hpsweep/internal/config"
	"hpsweep/internal/ctxlog"
	"hpsweep/internal/model"
	"hpsweep/internal/searchspace"
)

// RelativeSample 一次性为多个参数联合采样的结果（内部表示）
type RelativeSample struct {
	Space  *searchspace.Space
	Values map[string]float64
}

// Sampler 为 trial 提议参数取值。SampleRelative 在 trial 第一次 Suggest 时调用一次，
// 可以返回 nil；不在联合采样结果里的参数走 SampleIndependent。
type Sampler interface {
	SampleRelative(ctx context.Context, study *Study, trial *Trial) (*RelativeSample, error)
	SampleIndependent(ctx context.Context, study *Study, trial *Trial, name string, dist searchspace.Distribution) (float64, error)
}

// NewSampler 按配置创建采样器
func NewSampler(cfg config.SamplerConfig) (Sampler, error) {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	switch cfg.Kind {
	case "random":
		return NewRandomSampler(seed), nil
	case "gp", "":
		acq, err := AcquisitionByName(cfg.Acquisition)
		if err != nil {
			return nil, err
		}
		return &GPSampler{
			StartupTrials: cfg.StartupTrials,
			Candidates:    cfg.Candidates,
			Acquisition:   acq,
			Params:        AcquisitionParams{Beta: cfg.Beta, Xi: cfg.Xi},
			Noise:         1e-4,
			random:        NewRandomSampler(seed),
		}, nil
	default:
		return nil, fmt.Errorf("未知的 sampler: %q", cfg.Kind)
	}
}

// RandomSampler 在每个分布上独立均匀采样（对数尺度的分布在对数空间均匀）
type RandomSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomSampler(seed int64) *RandomSampler {
	return &RandomSampler{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSampler) SampleRelative(context.Context, *Study, *Trial) (*RelativeSample, error) {
	return nil, nil
}

func (s *RandomSampler) SampleIndependent(_ context.Context, _ *Study, _ *Trial, _ string, dist searchspace.Distribution) (float64, error) {
	return dist.Decode(s.float64()), nil
}

func (s *RandomSampler) float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// GPSampler 贝叶斯优化：用共享数据库里所有 worker 已完成的 trial 拟合高斯过程，
// 在单位超立方体上生成候选点，用采集函数挑出最有希望的一个。
// 已完成 trial 少于 StartupTrials 时退化为随机采样。
type GPSampler struct {
	StartupTrials int
	Candidates    int
	Acquisition   AcquisitionFunc
	Params        AcquisitionParams
	Noise         float64

	random *RandomSampler
}

func (s *GPSampler) SampleIndependent(ctx context.Context, study *Study, trial *Trial, name string, dist searchspace.Distribution) (float64, error) {
	return s.random.SampleIndependent(ctx, study, trial, name, dist)
}

func (s *GPSampler) SampleRelative(ctx context.Context, study *Study, trial *Trial) (*RelativeSample, error) {
	rows, err := study.store.ListTrials(ctx, study.ID(), model.TrialComplete)
	if err != nil {
		return nil, err
	}

	var decoded []map[string]paramValue
	var values []float64
	for _, row := range rows {
		if row.Value == nil || math.IsNaN(*row.Value) || math.IsInf(*row.Value, 0) {
			continue
		}
		params, err := decodeParams(row)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, params)
		values = append(values, *row.Value)
	}
	if len(decoded) < s.StartupTrials || len(decoded) < 2 {
		return nil, nil
	}

	space := intersectionSpace(decoded)
	if space.Len() == 0 {
		return nil, nil
	}

	x := make([][]float64, len(decoded))
	y := make([]float64, len(decoded))
	for i, params := range decoded {
		x[i] = make([]float64, space.Len())
		for j, p := range space.Params {
			x[i][j] = p.Dist.Encode(params[p.Name].Internal)
		}
		// 高斯过程按“越小越好”拟合
		y[i] = values[i]
		if study.Maximize() {
			y[i] = -values[i]
		}
	}
	ys, _, _ := standardize(y)

	gp, err := fitGaussianProcess(x, ys, s.Noise)
	if err != nil {
		ctxlog.FromContext(ctx).Debug("gaussian process fit failed, sampling at random", "error", err)
		return nil, nil
	}

	incumbent := 0
	for i := range ys {
		if ys[i] < ys[incumbent] {
			incumbent = i
		}
	}
	params := s.Params
	params.BestSoFar = ys[incumbent]
	params.RandomState = s.random.rng

	next := s.bestCandidate(gp, x[incumbent], params)

	sample := &RelativeSample{Space: space, Values: make(map[string]float64, space.Len())}
	for j, p := range space.Params {
		sample.Values[p.Name] = p.Dist.Decode(next[j])
	}
	return sample, nil
}

// bestCandidate 一半候选点在整个空间均匀生成，另一半在当前最优点附近扰动
func (s *GPSampler) bestCandidate(gp *gaussianProcess, incumbent []float64, params AcquisitionParams) []float64 {
	s.random.mu.Lock()
	defer s.random.mu.Unlock()
	rng := s.random.rng

	var best []float64
	bestScore := math.Inf(1)
	for c := 0; c < s.Candidates; c++ {
		candidate := make([]float64, len(incumbent))
		for j := range candidate {
			if c%2 == 0 {
				candidate[j] = rng.Float64()
				continue
			}
			candidate[j] = math.Min(math.Max(incumbent[j]+0.1*rng.NormFloat64(), 0), 1)
		}
		mean, variance := gp.Predict(candidate)
		score := s.Acquisition(mean, variance, params)
		if best == nil || score < bestScore {
			best, bestScore = candidate, score
		}
	}
	return best
}
