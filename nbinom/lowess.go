// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nbinom

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Lowess returns the locally weighted linear smooth of y against x
// (x sorted ascending) using a fraction f of the points for each fit
// and iter robustness iterations.
func Lowess(x, y []float64, f float64, iter int) []float64 {
	n := len(x)
	fit := make([]float64, n)
	if n == 0 {
		return fit
	}
	if n == 1 {
		fit[0] = y[0]
		return fit
	}
	span := int(math.Round(f * float64(n)))
	if span < 2 {
		span = 2
	}
	if span > n {
		span = n
	}
	robust := make([]float64, n)
	for i := range robust {
		robust[i] = 1
	}
	w := make([]float64, n)
	dist := make([]float64, n)
	for it := 0; it <= iter; it++ {
		for i := range x {
			for j := range x {
				dist[j] = math.Abs(x[j] - x[i])
			}
			sorted := append([]float64(nil), dist...)
			sort.Float64s(sorted)
			h := sorted[span-1]
			sumw := 0.0
			for j := range x {
				w[j] = 0
				if h == 0 {
					if dist[j] == 0 {
						w[j] = robust[j]
					}
				} else if r := dist[j] / h; r < 1 {
					t := 1 - r*r*r
					w[j] = t * t * t * robust[j]
				}
				sumw += w[j]
			}
			if sumw == 0 {
				fit[i] = y[i]
				continue
			}
			mx := stat.Mean(x, w)
			my := stat.Mean(y, w)
			var sxx, sxy float64
			for j := range x {
				dx := x[j] - mx
				sxx += w[j] * dx * dx
				sxy += w[j] * dx * (y[j] - my)
			}
			if sxx > 1e-12*sumw*math.Max(1, mx*mx) {
				fit[i] = my + sxy/sxx*(x[i]-mx)
			} else {
				fit[i] = my
			}
		}
		if it == iter {
			break
		}
		resid := make([]float64, n)
		for i := range resid {
			resid[i] = math.Abs(y[i] - fit[i])
		}
		sortedResid := append([]float64(nil), resid...)
		sort.Float64s(sortedResid)
		s := 6 * Quantile(sortedResid, 0.5)
		if s == 0 {
			break
		}
		for i, r := range resid {
			if u := r / s; u < 1 {
				robust[i] = (1 - u*u) * (1 - u*u)
			} else {
				robust[i] = 0
			}
		}
	}
	return fit
}
