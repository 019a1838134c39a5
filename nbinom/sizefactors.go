// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package nbinom fits negative binomial generalized linear models to
// count data: size factors, dispersion estimation with empirical Bayes
// shrinkage, ridge-penalized IRLS coefficient estimates, Wald and
// likelihood ratio tests, multiple testing adjustment, and the
// variance stabilizing transformation derived from the fitted
// dispersion trend.
//
// Count matrices are genes x samples. Coefficients are on the natural
// log scale unless a name or comment says otherwise.
package nbinom

import (
	"errors"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
)

type SizeFactorMethod string

const (
	// SizeFactorRatio is the median-of-ratios estimator, using
	// only genes with a nonzero count in every sample.
	SizeFactorRatio SizeFactorMethod = "ratio"
	// SizeFactorPosCounts uses geometric means of the positive
	// counts, so genes with some zeros still contribute.
	SizeFactorPosCounts SizeFactorMethod = "poscounts"
)

var ErrNoCommonGenes = errors.New("every gene contains at least one zero, cannot compute log geometric means (try size factor method \"poscounts\")")

func ParseSizeFactorMethod(s string) (SizeFactorMethod, error) {
	switch SizeFactorMethod(s) {
	case SizeFactorRatio, SizeFactorPosCounts:
		return SizeFactorMethod(s), nil
	}
	return "", fmt.Errorf("unknown size factor method %q (valid: %q, %q)", s, SizeFactorRatio, SizeFactorPosCounts)
}

// SizeFactors returns one scaling factor per sample (column).
func SizeFactors(counts mat.Matrix, method SizeFactorMethod) ([]float64, error) {
	genes, samples := counts.Dims()
	logGeoMeans := make([]float64, genes)
	for i := range logGeoMeans {
		sum, pos := 0.0, 0
		for j := 0; j < samples; j++ {
			if y := counts.At(i, j); y > 0 {
				sum += math.Log(y)
				pos++
			}
		}
		switch {
		case pos == 0:
			logGeoMeans[i] = math.Inf(-1)
		case method == SizeFactorRatio && pos < samples:
			logGeoMeans[i] = math.Inf(-1)
		default:
			logGeoMeans[i] = sum / float64(samples)
		}
	}

	sf := make([]float64, samples)
	ratios := make([]float64, 0, genes)
	for j := range sf {
		ratios = ratios[:0]
		for i, lgm := range logGeoMeans {
			if y := counts.At(i, j); y > 0 && !math.IsInf(lgm, -1) {
				ratios = append(ratios, math.Log(y)-lgm)
			}
		}
		if len(ratios) == 0 {
			if method == SizeFactorRatio {
				return nil, ErrNoCommonGenes
			}
			return nil, fmt.Errorf("sample %d has no positive counts", j)
		}
		med, err := stats.Median(ratios)
		if err != nil {
			return nil, err
		}
		sf[j] = math.Exp(med)
	}

	if method == SizeFactorPosCounts {
		// rescale to geometric mean 1
		lsum := 0.0
		for _, s := range sf {
			lsum += math.Log(s)
		}
		scale := math.Exp(lsum / float64(len(sf)))
		for j := range sf {
			sf[j] /= scale
		}
	}
	return sf, nil
}

// Normalize returns counts divided by the size factor of each column.
func Normalize(counts mat.Matrix, sizeFactors []float64) *mat.Dense {
	genes, samples := counts.Dims()
	out := mat.NewDense(genes, samples, nil)
	for i := 0; i < genes; i++ {
		for j := 0; j < samples; j++ {
			out.Set(i, j, counts.At(i, j)/sizeFactors[j])
		}
	}
	return out
}
