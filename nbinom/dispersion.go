// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nbinom

import (
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/optimize"
)

// MinDispersion is the smallest dispersion ever reported.
const MinDispersion = 1e-8

// Bounds limits the dispersion search.
type Bounds struct {
	Min, Max float64
}

// DefaultBounds returns [MinDispersion, max(10, samples)].
func DefaultBounds(samples int) Bounds {
	return Bounds{Min: MinDispersion, Max: math.Max(10, float64(samples))}
}

func (b Bounds) clamp(alpha float64) float64 {
	return math.Min(math.Max(alpha, b.Min), b.Max)
}

// Trigamma returns the second derivative of log Gamma at x.
func Trigamma(x float64) float64 {
	return mathext.Zeta(2, x)
}

// MomentsDispersion is the method of moments estimate from one gene's
// normalized counts.
func MomentsDispersion(norm, sizeFactors []float64) float64 {
	n := float64(len(norm))
	xim, mean := 0.0, 0.0
	for j, v := range norm {
		xim += 1 / sizeFactors[j]
		mean += v
	}
	xim /= n
	mean /= n
	variance := 0.0
	for _, v := range norm {
		variance += (v - mean) * (v - mean)
	}
	variance /= n - 1
	return (variance - xim*mean) / (mean * mean)
}

// RoughEstimator computes the linear-model dispersion estimate used
// as a starting value. It is safe for concurrent use.
type RoughEstimator struct {
	hat *mat.Dense
	df  int
}

func NewRoughEstimator(x mat.Matrix) (*RoughEstimator, error) {
	m, p := x.Dims()
	if m <= p {
		return nil, ErrSingular
	}
	var qr mat.QR
	qr.Factorize(x)
	var q mat.Dense
	qr.QTo(&q)
	q1 := q.Slice(0, m, 0, p)
	hat := mat.NewDense(m, m, nil)
	hat.Mul(q1, q1.T())
	return &RoughEstimator{hat: hat, df: m - p}, nil
}

func (r *RoughEstimator) Estimate(norm []float64) float64 {
	m := len(norm)
	est := 0.0
	for i := 0; i < m; i++ {
		mu := 0.0
		for j := 0; j < m; j++ {
			mu += r.hat.At(i, j) * norm[j]
		}
		mu = math.Max(mu, 1)
		d := norm[i] - mu
		est += (d*d - mu) / (mu * mu)
	}
	return math.Max(est/float64(r.df), 0)
}

// StartDispersion returns the initial dispersion for the gene-wise
// search: the smaller of the rough and moments estimates, clamped.
func StartDispersion(rough *RoughEstimator, norm, sizeFactors []float64, b Bounds) float64 {
	est := math.Min(rough.Estimate(norm), MomentsDispersion(norm, sizeFactors))
	if math.IsNaN(est) {
		est = b.Min
	}
	return b.clamp(est)
}

// LogNormalPrior is a normal prior on log dispersion.
type LogNormalPrior struct {
	Mean float64 // log of the trend value
	Var  float64
}

const gridPoints = 20

// EstimateDispersion maximizes the Cox-Reid adjusted profile
// likelihood of alpha given fitted means mu, optionally adding a
// log-normal prior. The search runs over log alpha in
// [log(Min/10), log(Max)]; the result is clamped to b.
func EstimateDispersion(x mat.Matrix, y, mu []float64, start float64, b Bounds, prior *LogNormalPrior) (alpha float64, converged bool) {
	lo, hi := math.Log(b.Min/10), math.Log(b.Max)
	objective := func(la float64) float64 {
		a := math.Exp(la)
		ll := LogLike(y, mu, a) + CoxReid(x, mu, a)
		if prior != nil {
			d := la - prior.Mean
			ll -= d * d / (2 * prior.Var)
		}
		if math.IsNaN(ll) {
			return math.Inf(1)
		}
		return -ll
	}

	best := math.Log(b.clamp(start))
	bestF := objective(best)
	step := (hi - lo) / (gridPoints - 1)
	for i := 0; i < gridPoints; i++ {
		la := lo + float64(i)*step
		if f := objective(la); f < bestF {
			best, bestF = la, f
		}
	}

	problem := optimize.Problem{
		Func: func(v []float64) float64 {
			la := math.Min(math.Max(v[0], lo), hi)
			d := v[0] - la
			return objective(la) + d*d
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: 400,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Iterations: 40,
		},
	}
	result, err := optimize.Minimize(problem, []float64{best}, settings, &optimize.NelderMead{SimplexSize: step})
	converged = err == nil
	if result != nil && result.F < bestF && result.X[0] >= lo && result.X[0] <= hi {
		best = result.X[0]
	}
	return b.clamp(math.Exp(best)), converged
}

// PriorVariance returns the variance of log dispersion residuals
// around the trend and the prior variance derived from it, given
// m samples and p coefficients. Only genes whose estimate is at least
// 100 times the minimum participate.
func PriorVariance(geneEst, trendFit []float64, m, p int) (varLogDispEsts, priorVar float64) {
	resid := make([]float64, 0, len(geneEst))
	for i, g := range geneEst {
		if g >= 100*MinDispersion && trendFit[i] > 0 && !math.IsNaN(g) {
			resid = append(resid, math.Log(g)-math.Log(trendFit[i]))
		}
	}
	if len(resid) == 0 {
		return 0, 0.25
	}
	mad, err := stats.MedianAbsoluteDeviation(resid)
	if err != nil {
		return 0, 0.25
	}
	varLogDispEsts = math.Pow(mad*1.4826, 2)
	if m <= p {
		return varLogDispEsts, math.Max(varLogDispEsts, 0.25)
	}
	expVar := Trigamma(float64(m-p) / 2)
	return varLogDispEsts, math.Max(varLogDispEsts-expVar, 0.25)
}

// IsDispersionOutlier reports whether a gene-wise estimate lies more
// than outlierSD standard deviations above the trend on the log
// scale. Such genes keep their gene-wise estimate.
func IsDispersionOutlier(geneEst, trend, varLogDispEsts, outlierSD float64) bool {
	return math.Log(geneEst) > math.Log(trend)+outlierSD*math.Sqrt(varLogDispEsts)
}
