// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nbinom

import (
	"math"
	"sort"
)

// AdjustBH returns Benjamini-Hochberg adjusted p-values. NaN inputs
// stay NaN and do not count toward the number of tests.
func AdjustBH(p []float64) []float64 {
	out := make([]float64, len(p))
	idx := make([]int, 0, len(p))
	for i, v := range p {
		if math.IsNaN(v) {
			out[i] = math.NaN()
		} else {
			idx = append(idx, i)
		}
	}
	n := float64(len(idx))
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] > p[idx[b]] })
	cummin := math.Inf(1)
	for rank, i := range idx {
		q := p[i] * n / (n - float64(rank))
		if q < cummin {
			cummin = q
		}
		out[i] = math.Min(cummin, 1)
	}
	return out
}

// Quantile returns the type-7 sample quantile (linear interpolation
// between order statistics) of x at probability prob.
func Quantile(sorted []float64, prob float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	h := float64(n-1) * prob
	lo := math.Floor(h)
	hi := math.Ceil(h)
	return sorted[int(lo)] + (h-lo)*(sorted[int(hi)]-sorted[int(lo)])
}

// FilterResult describes the outcome of independent filtering.
type FilterResult struct {
	Padj      []float64
	Theta     float64 // quantile of the filter statistic chosen
	Threshold float64 // filter values below this were removed
	Thetas    []float64
	NumRej    []float64
}

const filterQuantiles = 50

// IndependentFilter chooses a cutoff on the filter statistic (the
// mean of normalized counts) that maximizes the number of rejections
// at level alpha, and returns BH adjusted p-values for the genes that
// pass it. Genes below the cutoff get NaN.
func IndependentFilter(filter, pvalues []float64, alpha float64) FilterResult {
	n := len(filter)
	if n == 0 {
		return FilterResult{}
	}
	zeros := 0
	for _, f := range filter {
		if f == 0 {
			zeros++
		}
	}
	lower := float64(zeros) / float64(n)
	upper := 0.95
	if lower >= 0.95 {
		upper = 1
	}
	sorted := append([]float64(nil), filter...)
	sort.Float64s(sorted)

	res := FilterResult{
		Thetas: make([]float64, filterQuantiles),
		NumRej: make([]float64, filterQuantiles),
	}
	cutoffs := make([]float64, filterQuantiles)
	padjs := make([][]float64, filterQuantiles)
	sub := make([]float64, n)
	for q := range res.Thetas {
		theta := lower + (upper-lower)*float64(q)/float64(filterQuantiles-1)
		res.Thetas[q] = theta
		cutoffs[q] = Quantile(sorted, theta)
		for i, f := range filter {
			if f >= cutoffs[q] {
				sub[i] = pvalues[i]
			} else {
				sub[i] = math.NaN()
			}
		}
		padjs[q] = AdjustBH(sub)
		for _, v := range padjs[q] {
			if v < alpha {
				res.NumRej[q]++
			}
		}
	}

	j := 0
	maxRej := 0.0
	for _, r := range res.NumRej {
		maxRej = math.Max(maxRej, r)
	}
	if maxRej > 10 {
		fit := Lowess(res.Thetas, res.NumRej, 1.0/5, 3)
		ss, cnt := 0.0, 0
		maxFit := math.Inf(-1)
		for q, r := range res.NumRej {
			maxFit = math.Max(maxFit, fit[q])
			if r > 0 {
				d := r - fit[q]
				ss += d * d
				cnt++
			}
		}
		thresh := maxFit - math.Sqrt(ss/float64(cnt))
		for q, r := range res.NumRej {
			if r > thresh {
				j = q
				break
			}
		}
	}
	res.Theta = res.Thetas[j]
	res.Threshold = cutoffs[j]
	res.Padj = padjs[j]
	return res
}
