package service

import (
	"fmt"
	"math"
	"math/rand"
)

// AcquisitionFunc scores a candidate from the model's predicted mean and
// variance. The model is fitted so that lower targets are better, and lower
// scores mark more promising candidates.
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds the knobs of the built-in acquisition functions.
type AcquisitionParams struct {
	// Beta weighs uncertainty in UCB; higher explores more.
	Beta float64

	// Xi is the minimum improvement PI and EI look for.
	Xi float64

	// BestSoFar is the lowest standardized target observed. The sampler
	// sets it before scoring candidates.
	BestSoFar float64

	// RandomState drives Thompson sampling.
	RandomState *rand.Rand
}

// UCB implements the (lower) confidence bound: mean - beta*sigma.
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Beta*math.Sqrt(variance)
}

// ProbabilityOfImprovement returns minus the probability that a point
// improves on BestSoFar by at least Xi.
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(variance)
	improvement := params.BestSoFar - params.Xi - mean
	if sigma < 1e-12 {
		if improvement > 0 {
			return -1
		}
		return 0
	}
	return -normalCDF(improvement / sigma)
}

// ExpectedImprovement returns minus the expected improvement over
// BestSoFar.
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(variance)
	improvement := params.BestSoFar - params.Xi - mean
	if sigma < 1e-12 {
		return -math.Max(improvement, 0)
	}
	z := improvement / sigma
	return -(improvement*normalCDF(z) + sigma*normalPDF(z))
}

// ThompsonSampling draws one value from the posterior at the point.
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(variance)*params.RandomState.NormFloat64()
}

// AcquisitionByName maps the sampler.acquisition setting to a function.
func AcquisitionByName(name string) (AcquisitionFunc, error) {
	switch name {
	case "ucb":
		return UCB, nil
	case "pi":
		return ProbabilityOfImprovement, nil
	case "ei":
		return ExpectedImprovement, nil
	case "thompson":
		return ThompsonSampling, nil
	default:
		return nil, fmt.Errorf("unknown acquisition function %q", name)
	}
}

func normalCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

func normalPDF(x float64) float64 {
	return math.Exp(-x*x/2.0) / math.Sqrt(2.0*math.Pi)
}
