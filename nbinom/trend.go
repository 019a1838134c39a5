// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nbinom

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

type FitType string

const (
	// FitParametric is alpha(mean) = asymptDisp + extraPois/mean.
	FitParametric FitType = "parametric"
	// FitMean is a constant trend at the trimmed mean of the
	// gene-wise estimates.
	FitMean FitType = "mean"
)

func ParseFitType(s string) (FitType, error) {
	switch FitType(s) {
	case FitParametric, FitMean:
		return FitType(s), nil
	}
	return "", fmt.Errorf("unknown dispersion fit type %q (valid: %q, %q)", s, FitParametric, FitMean)
}

var ErrTrendNotConverged = errors.New("parametric dispersion trend did not converge")

// Trend is a fitted dispersion-mean relationship.
type Trend struct {
	Type      FitType
	Asympt    float64
	ExtraPois float64
}

// At returns the trend dispersion at a mean of normalized counts.
func (t Trend) At(mean float64) float64 {
	if t.Type == FitMean {
		return t.Asympt
	}
	return t.Asympt + t.ExtraPois/mean
}

func (t Trend) String() string {
	if t.Type == FitMean {
		return fmt.Sprintf("mean dispersion %g", t.Asympt)
	}
	return fmt.Sprintf("asymptDisp %g extraPois %g", t.Asympt, t.ExtraPois)
}

// FitTrend fits the dispersion trend to gene-wise estimates. Genes
// with estimates below 100*MinDispersion or with zero mean are
// ignored. A parametric fit that fails returns an error wrapping
// ErrTrendNotConverged together with a usable mean trend.
func FitTrend(means, geneEst []float64, fitType FitType) (Trend, error) {
	var xs, ys []float64
	for i, g := range geneEst {
		if g >= 100*MinDispersion && means[i] > 0 && !math.IsNaN(g) {
			xs = append(xs, means[i])
			ys = append(ys, g)
		}
	}
	meanTrend := Trend{Type: FitMean, Asympt: trimmedMean(ys, 0.001)}
	if len(ys) == 0 {
		// every gene is at the lower bound
		meanTrend.Asympt = MinDispersion
		if fitType == FitMean {
			return meanTrend, nil
		}
		return meanTrend, fmt.Errorf("%w: all gene-wise estimates are near the minimum", ErrTrendNotConverged)
	}
	if fitType == FitMean {
		return meanTrend, nil
	}
	t, err := fitParametricTrend(xs, ys)
	if err != nil {
		return meanTrend, err
	}
	return t, nil
}

func trimmedMean(x []float64, trim float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	k := int(math.Floor(float64(len(sorted)) * trim))
	sorted = sorted[k : len(sorted)-k]
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return sum / float64(len(sorted))
}

func fitParametricTrend(means, disps []float64) (Trend, error) {
	coefs := [2]float64{0.1, 1}
	for iter := 0; ; iter++ {
		if iter >= 10 {
			return Trend{}, fmt.Errorf("%w after 10 iterations", ErrTrendNotConverged)
		}
		var xs, ys []float64
		for i, d := range disps {
			r := d / (coefs[0] + coefs[1]/means[i])
			if r > 1e-4 && r < 15 {
				xs = append(xs, 1/means[i])
				ys = append(ys, d)
			}
		}
		if len(xs) < 3 {
			return Trend{}, fmt.Errorf("%w: too few genes in range", ErrTrendNotConverged)
		}
		next, converged, err := gammaIdentityFit(xs, ys, coefs)
		if err != nil {
			return Trend{}, fmt.Errorf("%w: %s", ErrTrendNotConverged, err)
		}
		if next[0] <= 0 || next[1] <= 0 {
			return Trend{}, fmt.Errorf("%w: non-positive coefficient (%g, %g)", ErrTrendNotConverged, next[0], next[1])
		}
		change := math.Pow(math.Log(next[0]/coefs[0]), 2) + math.Pow(math.Log(next[1]/coefs[1]), 2)
		coefs = next
		if change < 1e-6 && converged {
			break
		}
	}
	return Trend{Type: FitParametric, Asympt: coefs[0], ExtraPois: coefs[1]}, nil
}

// gammaIdentityFit fits y = c0 + c1*x by IRLS for a gamma GLM with
// identity link (weights 1/mu^2).
func gammaIdentityFit(x, y []float64, start [2]float64) (coefs [2]float64, converged bool, err error) {
	n := len(x)
	coefs = start
	mu := make([]float64, n)
	deviance := func() float64 {
		dev := 0.0
		for i := range y {
			dev += 2 * (-math.Log(y[i]/mu[i]) + (y[i]-mu[i])/mu[i])
		}
		return dev
	}
	update := func() error {
		for i := range x {
			mu[i] = coefs[0] + coefs[1]*x[i]
			if mu[i] <= 0 {
				return errors.New("fitted dispersion is not positive")
			}
		}
		return nil
	}
	if err = update(); err != nil {
		return
	}
	dev := deviance()
	a := mat.NewSymDense(2, nil)
	b := mat.NewVecDense(2, nil)
	for iter := 0; iter < 25; iter++ {
		var s00, s01, s11, r0, r1 float64
		for i := range x {
			w := 1 / (mu[i] * mu[i])
			s00 += w
			s01 += w * x[i]
			s11 += w * x[i] * x[i]
			r0 += w * y[i]
			r1 += w * x[i] * y[i]
		}
		a.SetSym(0, 0, s00)
		a.SetSym(0, 1, s01)
		a.SetSym(1, 1, s11)
		b.SetVec(0, r0)
		b.SetVec(1, r1)
		var sol mat.VecDense
		if err = sol.SolveVec(a, b); err != nil {
			if _, ok := err.(mat.Condition); !ok {
				return
			}
			err = nil
		}
		coefs = [2]float64{sol.AtVec(0), sol.AtVec(1)}
		if err = update(); err != nil {
			return
		}
		devNew := deviance()
		if math.Abs(devNew-dev)/(math.Abs(devNew)+0.1) < 1e-8 {
			converged = true
			return
		}
		dev = devNew
	}
	return
}
