package service

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// lengthScales is the grid searched when fitting the RBF kernel. Inputs live
// in the unit cube, so the useful range is small.
var lengthScales = []float64{0.05, 0.1, 0.2, 0.3, 0.5, 1.0}

var errNotPositiveDefinite = errors.New("matrix is not positive definite")

// gaussianProcess is a zero-mean GP regressor with an RBF kernel of unit
// signal variance, fitted on standardized targets.
//
// Unlike a general purpose model it is immutable once fitted; a sampler
// refits it from the shared store for every trial.
type gaussianProcess struct {
	x           [][]float64
	lengthScale float64
	noise       float64

	// chol factorizes K + noise*I.
	chol mat.Cholesky
	// alpha = (K + noise*I)^-1 y
	alpha *mat.VecDense
}

// fitGaussianProcess picks the length scale with the highest log marginal
// likelihood. y must already be standardized.
func fitGaussianProcess(x [][]float64, y []float64, noise float64) (*gaussianProcess, error) {
	if len(x) == 0 {
		return nil, errors.New("no observations")
	}
	var best *gaussianProcess
	bestLML := math.Inf(-1)
	var lastErr error
	for _, ls := range lengthScales {
		gp, lml, err := newGaussianProcess(x, y, ls, noise)
		if err != nil {
			lastErr = err
			continue
		}
		if lml > bestLML {
			best, bestLML = gp, lml
		}
	}
	if best == nil {
		return nil, lastErr
	}
	return best, nil
}

func newGaussianProcess(x [][]float64, y []float64, lengthScale, noise float64) (*gaussianProcess, float64, error) {
	gp := &gaussianProcess{x: x, lengthScale: lengthScale, noise: noise}
	n := len(x)

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			k.SetSym(i, j, gp.rbf(x[i], x[j]))
		}
	}

	// Add jitter until the factorization succeeds; duplicated points make
	// K singular.
	jitter := math.Max(noise, 1e-10)
	ok := false
	for attempt := 0; attempt < 6 && !ok; attempt++ {
		for i := 0; i < n; i++ {
			k.SetSym(i, i, 1+jitter)
		}
		ok = gp.chol.Factorize(k)
		jitter *= 10
	}
	if !ok {
		return nil, 0, errNotPositiveDefinite
	}

	yv := mat.NewVecDense(n, append([]float64(nil), y...))
	gp.alpha = mat.NewVecDense(n, nil)
	if err := solve(&gp.chol, gp.alpha, yv); err != nil {
		return nil, 0, err
	}

	lml := -0.5*mat.Dot(yv, gp.alpha) - 0.5*gp.chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)
	return gp, lml, nil
}

// solve 求解 chol * dst = b。近奇异时 gonum 返回 mat.Condition，结果仍然可用。
func solve(chol *mat.Cholesky, dst *mat.VecDense, b mat.Vector) error {
	err := chol.SolveVecTo(dst, b)
	var cond mat.Condition
	if err != nil && !errors.As(err, &cond) {
		return err
	}
	return nil
}

// rbf returns exp(-|a-b|^2 / (2 l^2)).
func (gp *gaussianProcess) rbf(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Exp(-sum / (2 * gp.lengthScale * gp.lengthScale))
}

// Predict returns the posterior mean and variance at x.
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64) {
	n := len(gp.x)
	if n == 0 {
		return 0, 1
	}
	ks := mat.NewVecDense(n, nil)
	for i := range gp.x {
		ks.SetVec(i, gp.rbf(x, gp.x[i]))
	}
	mean = mat.Dot(ks, gp.alpha)

	// variance = k(x,x) - ks^T (K + noise*I)^-1 ks
	v := mat.NewVecDense(n, nil)
	if err := solve(&gp.chol, v, ks); err != nil {
		return mean, 1e-12
	}
	variance = 1 - mat.Dot(ks, v)
	return mean, math.Max(variance, 1e-12)
}

// standardize returns (y - mean) / std and the statistics used. A constant
// series gets std 1.
func standardize(y []float64) (out []float64, mean, std float64) {
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))
	for _, v := range y {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(y)))
	if std < 1e-12 {
		std = 1
	}
	out = make([]float64, len(y))
	for i, v := range y {
		out[i] = (v - mean) / std
	}
	return out, mean, std
}
