// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nbinom

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

// LogLike returns the negative binomial log likelihood of the
// observations y given means mu and dispersion alpha (variance is
// mu + alpha*mu^2).
func LogLike(y, mu []float64, alpha float64) float64 {
	r := 1 / alpha
	ll := 0.0
	for i, yi := range y {
		am := alpha * mu[i]
		ll += lgamma(yi+r) - lgamma(r) - lgamma(yi+1) -
			r*math.Log1p(am)
		if yi > 0 {
			ll += yi * (math.Log(am) - math.Log1p(am))
		}
	}
	return ll
}

// weightedCrossprod returns X' W X for diagonal weights w.
func weightedCrossprod(x mat.Matrix, w []float64) *mat.SymDense {
	rows, cols := x.Dims()
	xtwx := mat.NewSymDense(cols, nil)
	for a := 0; a < cols; a++ {
		for b := a; b < cols; b++ {
			sum := 0.0
			for i := 0; i < rows; i++ {
				sum += x.At(i, a) * w[i] * x.At(i, b)
			}
			xtwx.SetSym(a, b, sum)
		}
	}
	return xtwx
}

// CoxReid returns the Cox-Reid adjustment term -0.5*log|X' W X| with
// NB working weights mu/(1+alpha*mu).
func CoxReid(x mat.Matrix, mu []float64, alpha float64) float64 {
	w := make([]float64, len(mu))
	for i, m := range mu {
		w[i] = m / (1 + alpha*m)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(weightedCrossprod(x, w)); !ok {
		return math.Inf(-1)
	}
	return -0.5 * chol.LogDet()
}
