// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nbinom

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

var ErrSingular = errors.New("design matrix is singular for this gene")

// GLMConfig controls the IRLS coefficient fit.
type GLMConfig struct {
	MaxIter int     // default 100
	Tol     float64 // relative deviance change, default 1e-8
	MinMu   float64 // fitted means are floored here, default 0.5
	// Ridge penalty per coefficient on the natural log scale. Nil
	// means a tiny penalty on every coefficient.
	Lambda []float64
}

// LargeBeta is the |coefficient| (natural log) above which a fit is
// reported as not converged.
const LargeBeta = 30

// DefaultLambda is the ridge penalty used for maximum likelihood
// fits, on the log2 scale.
const DefaultLambda = 1e-6

func (cfg GLMConfig) withDefaults(p int) GLMConfig {
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = 100
	}
	if cfg.Tol <= 0 {
		cfg.Tol = 1e-8
	}
	if cfg.MinMu <= 0 {
		cfg.MinMu = 0.5
	}
	if cfg.Lambda == nil {
		cfg.Lambda = make([]float64, p)
		for i := range cfg.Lambda {
			cfg.Lambda[i] = Log2Lambda(DefaultLambda)
		}
	}
	return cfg
}

// Log2Lambda converts a ridge penalty expressed for log2 coefficients
// into the equivalent penalty for natural log coefficients.
func Log2Lambda(lambda float64) float64 {
	return lambda / (math.Ln2 * math.Ln2)
}

// GLMFit is one gene's fitted model.
type GLMFit struct {
	Beta      []float64  // natural log scale
	Cov       *mat.Dense // sandwich covariance of Beta
	Mu        []float64
	Hat       []float64 // diagonal of the (ridge) hat matrix
	LogLike   float64
	Deviance  float64
	Iter      int
	Converged bool
}

// SE returns the standard error of coefficient k, natural log scale.
func (f *GLMFit) SE(k int) float64 {
	return math.Sqrt(f.Cov.At(k, k))
}

func fittedMeans(x mat.Matrix, beta, sizeFactors []float64, minMu float64, mu []float64) {
	rows, cols := x.Dims()
	for i := 0; i < rows; i++ {
		eta := 0.0
		for k := 0; k < cols; k++ {
			eta += x.At(i, k) * beta[k]
		}
		mu[i] = math.Max(sizeFactors[i]*math.Exp(eta), minMu)
	}
}

// FitGLM fits log(mu/sizeFactor) = X beta to one gene's counts y by
// iteratively reweighted least squares, holding the dispersion alpha
// fixed. A nil (or wrong length) start is replaced by
// LeastSquaresStart.
func FitGLM(x mat.Matrix, y, sizeFactors []float64, alpha float64, start []float64, cfg GLMConfig) (*GLMFit, error) {
	m, p := x.Dims()
	cfg = cfg.withDefaults(p)
	if len(start) != p {
		start = LeastSquaresStart(x, y, sizeFactors)
	}
	beta := make([]float64, p)
	copy(beta, start)
	mu := make([]float64, m)
	fittedMeans(x, beta, sizeFactors, cfg.MinMu, mu)
	dev := -2 * LogLike(y, mu, alpha)

	fit := &GLMFit{Beta: beta, Mu: mu}
	w := make([]float64, m)
	xtwz := mat.NewVecDense(p, nil)
	for fit.Iter = 1; fit.Iter <= cfg.MaxIter; fit.Iter++ {
		for i := range w {
			w[i] = mu[i] / (1 + alpha*mu[i])
		}
		a := weightedCrossprod(x, w)
		for k, l := range cfg.Lambda {
			a.SetSym(k, k, a.At(k, k)+l)
		}
		for k := 0; k < p; k++ {
			sum := 0.0
			for i := 0; i < m; i++ {
				z := math.Log(mu[i]/sizeFactors[i]) + (y[i]-mu[i])/mu[i]
				sum += x.At(i, k) * w[i] * z
			}
			xtwz.SetVec(k, sum)
		}
		var next mat.VecDense
		if err := next.SolveVec(a, xtwz); err != nil {
			if _, ok := err.(mat.Condition); !ok {
				return nil, ErrSingular
			}
		}
		large := false
		for k := range beta {
			beta[k] = next.AtVec(k)
			if math.IsNaN(beta[k]) {
				return nil, ErrSingular
			}
			if math.Abs(beta[k]) > LargeBeta {
				large = true
			}
		}
		fittedMeans(x, beta, sizeFactors, cfg.MinMu, mu)
		if large {
			break
		}
		devNew := -2 * LogLike(y, mu, alpha)
		conv := math.Abs(devNew-dev) / (math.Abs(devNew) + 0.1)
		dev = devNew
		if conv < cfg.Tol {
			fit.Converged = true
			break
		}
	}
	if fit.Iter > cfg.MaxIter {
		fit.Iter = cfg.MaxIter
	}
	fit.LogLike = LogLike(y, mu, alpha)
	fit.Deviance = -2 * fit.LogLike

	for i := range w {
		w[i] = mu[i] / (1 + alpha*mu[i])
	}
	xtwx := weightedCrossprod(x, w)
	a := mat.NewSymDense(p, nil)
	a.CopySym(xtwx)
	for k, l := range cfg.Lambda {
		a.SetSym(k, k, a.At(k, k)+l)
	}
	var ainv mat.Dense
	if err := ainv.Inverse(a); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return nil, ErrSingular
		}
	}
	var tmp mat.Dense
	tmp.Mul(&ainv, xtwx)
	fit.Cov = mat.NewDense(p, p, nil)
	fit.Cov.Mul(&tmp, &ainv)

	fit.Hat = make([]float64, m)
	xi := make([]float64, p)
	for i := 0; i < m; i++ {
		for k := range xi {
			xi[k] = x.At(i, k)
		}
		v := mat.NewVecDense(p, xi)
		fit.Hat[i] = w[i] * mat.Inner(v, &ainv, v)
	}
	return fit, nil
}

// ScaleToLog2 returns the coefficients and covariance converted from
// natural log to log2 units.
func (f *GLMFit) ScaleToLog2() (beta []float64, cov *mat.Dense) {
	beta = make([]float64, len(f.Beta))
	for k, b := range f.Beta {
		beta[k] = b / math.Ln2
	}
	cov = mat.NewDense(len(beta), len(beta), nil)
	cov.Scale(1/(math.Ln2*math.Ln2), f.Cov)
	return beta, cov
}

// LeastSquaresStart returns starting coefficients from an ordinary
// least squares fit of log(y/sizeFactor + 0.1) on X.
func LeastSquaresStart(x mat.Matrix, y, sizeFactors []float64) []float64 {
	m, p := x.Dims()
	z := mat.NewVecDense(m, nil)
	for i := 0; i < m; i++ {
		z.SetVec(i, math.Log(y[i]/sizeFactors[i]+0.1))
	}
	var beta mat.VecDense
	if err := beta.SolveVec(x, z); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return make([]float64, p)
		}
	}
	out := make([]float64, p)
	for k := range out {
		out[k] = beta.AtVec(k)
		if math.IsNaN(out[k]) || math.IsInf(out[k], 0) {
			return make([]float64, p)
		}
	}
	return out
}
