// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nbinom

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// CooksDistances returns per-sample Cook's distances for one gene's
// fit with p coefficients.
func CooksDistances(y []float64, fit *GLMFit, alpha float64, p int) []float64 {
	d := make([]float64, len(y))
	for i, yi := range y {
		mu := fit.Mu[i]
		v := mu + alpha*mu*mu
		pearson2 := (yi - mu) * (yi - mu) / v
		h := fit.Hat[i]
		d[i] = pearson2 / float64(p) * h / ((1 - h) * (1 - h))
	}
	return d
}

// MaxCooks returns the largest Cook's distance among samples with
// eligible[i] set, or NaN if none are eligible.
func MaxCooks(cooks []float64, eligible []bool) float64 {
	max := math.NaN()
	for i, c := range cooks {
		if !eligible[i] {
			continue
		}
		if math.IsNaN(max) || c > max {
			max = c
		}
	}
	return max
}

// CooksCutoff is the 0.99 quantile of F(p, m-p).
func CooksCutoff(p, m int) float64 {
	if m <= p {
		return math.Inf(1)
	}
	return distuv.F{D1: float64(p), D2: float64(m - p)}.Quantile(0.99)
}
