// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nbinom

import (
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/mat"
)

var poissonConfig = &glm.Config{
	Family:         glm.NewFamily(glm.PoissonFamily),
	FitMethod:      "IRLS",
	OffsetVar:      "offset",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

// startLimit bounds usable Poisson starting coefficients; beyond it
// the NB fit starts from least squares instead.
const startLimit = 20

// PoissonStart returns starting coefficients for FitGLM from a Poisson
// log-linear fit with log size factors as offset. It falls back to
// LeastSquaresStart when the Poisson fit fails or diverges.
func PoissonStart(x mat.Matrix, y, sizeFactors []float64, names []string) []float64 {
	if beta := poissonStart(x, y, sizeFactors, names); beta != nil {
		return beta
	}
	return LeastSquaresStart(x, y, sizeFactors)
}

func poissonStart(x mat.Matrix, y, sizeFactors []float64, names []string) (beta []float64) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			beta = nil
		}
	}()
	m, p := x.Dims()
	if !columnsObserved(x, y) {
		return nil
	}
	data := make([][]statmodel.Dtype, 0, p+2)
	outcome := make([]statmodel.Dtype, m)
	offset := make([]statmodel.Dtype, m)
	for i := 0; i < m; i++ {
		outcome[i] = y[i]
		offset[i] = math.Log(sizeFactors[i])
	}
	data = append(data, outcome, offset)
	for k := 0; k < p; k++ {
		col := make([]statmodel.Dtype, m)
		for i := range col {
			col[i] = x.At(i, k)
		}
		data = append(data, col)
	}
	colnames := append([]string{"outcome", "offset"}, names...)
	dataset := statmodel.NewDataset(data, colnames)
	cfg := *poissonConfig
	cfg.Start = LeastSquaresStart(x, y, sizeFactors)
	model, err := glm.NewGLM(dataset, "outcome", names, &cfg)
	if err != nil {
		return nil
	}
	params := model.Fit().Params()
	if len(params) != p {
		return nil
	}
	beta = make([]float64, p)
	for k, v := range params {
		if math.IsNaN(v) || math.Abs(v) > startLimit {
			return nil
		}
		beta[k] = v
	}
	return beta
}

// columnsObserved reports whether every design column touches at least
// one nonzero count. Otherwise the Poisson weights for that column go
// to zero and the IRLS solve is singular.
func columnsObserved(x mat.Matrix, y []float64) bool {
	m, p := x.Dims()
	for k := 0; k < p; k++ {
		sum := 0.0
		for i := 0; i < m; i++ {
			sum += math.Abs(x.At(i, k)) * y[i]
		}
		if sum == 0 {
			return false
		}
	}
	return true
}
