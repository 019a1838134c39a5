// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nbinom

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Sampler draws negative binomial counts as a gamma-Poisson mixture.
// It is not safe for concurrent use.
type Sampler struct {
	src rand.Source
}

func NewSampler(seed uint64) *Sampler {
	return &Sampler{src: rand.NewSource(seed)}
}

// Normal draws from N(mean, sd^2).
func (s *Sampler) Normal(mean, sd float64) float64 {
	return distuv.Normal{Mu: mean, Sigma: sd, Src: s.src}.Rand()
}

// Draw returns one count with mean mu and dispersion alpha.
func (s *Sampler) Draw(mu, alpha float64) float64 {
	if mu <= 0 {
		return 0
	}
	lambda := mu
	if alpha > 0 {
		lambda = distuv.Gamma{Alpha: 1 / alpha, Beta: 1 / (alpha * mu), Src: s.src}.Rand()
	}
	if lambda <= 0 {
		return 0
	}
	return distuv.Poisson{Lambda: lambda, Src: s.src}.Rand()
}

// DefaultDispMeanRel is the dispersion-mean relationship used for
// simulated data.
func DefaultDispMeanRel(mean float64) float64 {
	return 4/mean + 0.1
}
