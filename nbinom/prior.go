// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nbinom

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// WidePriorVar is the prior variance given to the intercept.
const WidePriorVar = 1e6

const upperQuantile = 0.05

// BetaPriorVar matches a zero-centred normal prior to the upper 5%
// quantile of the absolute MLE log2 fold changes of each
// non-intercept coefficient. mleLog2[g][k] is gene g's coefficient k;
// genes with use[g] false are skipped.
func BetaPriorVar(mleLog2 [][]float64, use []bool, intercept int, p int) []float64 {
	priorVar := make([]float64, p)
	z := distuv.UnitNormal.Quantile(1 - upperQuantile/2)
	for k := 0; k < p; k++ {
		if k == intercept {
			priorVar[k] = WidePriorVar
			continue
		}
		abs := make([]float64, 0, len(mleLog2))
		for g, beta := range mleLog2 {
			if !use[g] || beta == nil {
				continue
			}
			if b := beta[k]; !math.IsNaN(b) && !math.IsInf(b, 0) {
				abs = append(abs, math.Abs(b))
			}
		}
		if len(abs) == 0 {
			priorVar[k] = WidePriorVar
			continue
		}
		sort.Float64s(abs)
		sd := Quantile(abs, 1-upperQuantile) / z
		priorVar[k] = math.Max(sd*sd, 1e-6)
	}
	return priorVar
}

// PriorLambda converts log2-scale prior variances to ridge penalties
// for FitGLM.
func PriorLambda(priorVar []float64) []float64 {
	lambda := make([]float64, len(priorVar))
	for k, v := range priorVar {
		lambda[k] = Log2Lambda(1 / v)
	}
	return lambda
}
