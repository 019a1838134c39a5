// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"errors"
	"fmt"
	"math"

	"github.com/arvados/lightning-rnaseq/nbinom"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// FitOptions control model fitting.
type FitOptions struct {
	SizeFactors nbinom.SizeFactorMethod
	FitType     nbinom.FitType
	// Shrink log fold changes with a zero-centred normal prior.
	// Ignored for designs without an intercept or with interaction
	// terms.
	BetaPrior bool
	// Gene-wise dispersions this many prior SDs above the trend
	// are not shrunk.
	OutlierSD float64
	Threads   int
}

func DefaultFitOptions() FitOptions {
	return FitOptions{
		SizeFactors: nbinom.SizeFactorRatio,
		FitType:     nbinom.FitParametric,
		BetaPrior:   true,
		OutlierSD:   2,
	}
}

// DispersionFit holds all stages of dispersion estimation. Genes
// with all-zero counts carry NaN.
type DispersionFit struct {
	GeneEst        []float64
	Trend          nbinom.Trend
	TrendFit       []float64
	MAP            []float64
	Final          []float64
	Outlier        []bool
	VarLogDispEsts float64
	PriorVar       float64
}

// Model is a fitted negative binomial GLM for every gene of a
// DataSet. Coefficients, standard errors and covariances are on the
// log2 scale. A Model is not modified after Fit returns.
type Model struct {
	Data        *DataSet
	Design      *Design
	Options     FitOptions
	SizeFactors []float64
	BaseMean    []float64
	BaseVar     []float64
	AllZero     []bool
	Dispersion  *DispersionFit

	Beta         [][]float64
	SE           [][]float64
	Cov          []*mat.Dense
	BetaMLE      [][]float64
	BetaPriorVar []float64 // nil unless the prior was used
	Converged    []bool
	Iterations   []int
	LogLike      []float64 // of the maximum likelihood fit
	Deviance     []float64
	Mu           [][]float64
	MaxCooks     []float64
}

// Fit estimates size factors, dispersions and coefficients.
func Fit(ds *DataSet, design *Design, opts FitOptions) (*Model, error) {
	m, p := design.Dims()
	if ds.Samples.Len() != m {
		return nil, fmt.Errorf("design has %d rows, data set has %d samples", m, ds.Samples.Len())
	}
	if m <= p {
		return nil, fmt.Errorf("design %s has %d coefficients for %d samples: no residual degrees of freedom", design.Formula, p, m)
	}
	if ds.Counts.Counts == nil {
		return nil, errors.New("count matrix has no genes")
	}
	if opts.OutlierSD <= 0 {
		opts.OutlierSD = 2
	}
	if opts.BetaPrior && (design.Intercept() < 0 || hasInteraction(design.Formula)) {
		log.Warnf("design %s has no intercept or has interaction terms: fitting without log fold change prior", design.Formula)
		opts.BetaPrior = false
	}
	counts := ds.Counts.Counts

	log.WithField("method", opts.SizeFactors).Info("estimating size factors")
	sf, err := nbinom.SizeFactors(counts, opts.SizeFactors)
	if err != nil {
		return nil, err
	}
	model := &Model{
		Data:        ds,
		Design:      design,
		Options:     opts,
		SizeFactors: sf,
	}
	norm := nbinom.Normalize(counts, sf)
	model.BaseMean, model.BaseVar, model.AllZero, err = rowMoments(counts, norm)
	if err != nil {
		return nil, err
	}

	model.Dispersion, err = estimateDispersions(counts, norm, sf, design, model.BaseMean, model.AllZero, opts, true)
	if err != nil {
		return nil, err
	}

	if err := model.fitCoefficients(); err != nil {
		return nil, err
	}
	return model, nil
}

// rowMoments returns the mean and variance of each gene's normalized
// counts and flags genes with no reads. It fails if every gene is
// all-zero.
func rowMoments(counts, norm *mat.Dense) (mean, variance []float64, allZero []bool, err error) {
	genes, _ := counts.Dims()
	mean = make([]float64, genes)
	variance = make([]float64, genes)
	allZero = make([]bool, genes)
	zeros := 0
	for g := 0; g < genes; g++ {
		mean[g], variance[g] = stat.MeanVariance(mat.Row(nil, g, norm), nil)
		if mat.Sum(counts.RowView(g)) == 0 {
			allZero[g] = true
			zeros++
		}
	}
	if zeros == genes {
		return nil, nil, nil, errors.New("every gene has zero counts in every sample")
	}
	return mean, variance, allZero, nil
}

func hasInteraction(f *Formula) bool {
	for _, t := range f.Terms {
		if len(t) > 1 {
			return true
		}
	}
	return false
}

// estimateDispersions runs the gene-wise, trend, and (if withMAP)
// shrinkage stages.
func estimateDispersions(counts, norm *mat.Dense, sf []float64, design *Design, baseMean []float64, allZero []bool, opts FitOptions, withMAP bool) (*DispersionFit, error) {
	genes, m := counts.Dims()
	_, p := design.Dims()
	x := design.Matrix
	bounds := nbinom.DefaultBounds(m)
	rough, err := nbinom.NewRoughEstimator(x)
	if err != nil {
		return nil, fmt.Errorf("design %s: %w", design.Formula, err)
	}

	disp := &DispersionFit{
		GeneEst:  make([]float64, genes),
		TrendFit: make([]float64, genes),
	}
	mu := make([][]float64, genes)
	log.Info("estimating gene-wise dispersions")
	err = parallelGenes(genes, opts.Threads, func(g int) error {
		if allZero[g] {
			disp.GeneEst[g] = math.NaN()
			return nil
		}
		y := mat.Row(nil, g, counts)
		start := nbinom.StartDispersion(rough, mat.Row(nil, g, norm), sf, bounds)
		beta := nbinom.PoissonStart(x, y, sf, design.Coefficients)
		fit, err := nbinom.FitGLM(x, y, sf, start, beta, nbinom.GLMConfig{})
		if err != nil {
			log.WithField("gene", g).Debugf("gene-wise fit failed: %s", err)
			disp.GeneEst[g] = math.NaN()
			return nil
		}
		mu[g] = fit.Mu
		disp.GeneEst[g], _ = nbinom.EstimateDispersion(x, y, fit.Mu, start, bounds, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithField("type", opts.FitType).Info("fitting dispersion trend")
	disp.Trend, err = nbinom.FitTrend(baseMean, disp.GeneEst, opts.FitType)
	if err != nil {
		log.Warnf("%s; using mean dispersion trend instead", err)
	}
	log.Infof("dispersion trend: %s", disp.Trend)
	for g := range disp.TrendFit {
		if allZero[g] {
			disp.TrendFit[g] = math.NaN()
		} else {
			disp.TrendFit[g] = disp.Trend.At(baseMean[g])
		}
	}
	if !withMAP {
		return disp, nil
	}

	disp.VarLogDispEsts, disp.PriorVar = nbinom.PriorVariance(disp.GeneEst, disp.TrendFit, m, p)
	log.WithFields(log.Fields{
		"varLogDispEsts": disp.VarLogDispEsts,
		"priorVar":       disp.PriorVar,
	}).Info("estimating maximum a posteriori dispersions")
	disp.MAP = make([]float64, genes)
	disp.Final = make([]float64, genes)
	disp.Outlier = make([]bool, genes)
	err = parallelGenes(genes, opts.Threads, func(g int) error {
		switch {
		case allZero[g]:
			disp.MAP[g] = math.NaN()
			disp.Final[g] = math.NaN()
			return nil
		case mu[g] == nil:
			disp.MAP[g] = math.NaN()
			disp.Final[g] = disp.TrendFit[g]
			return nil
		}
		y := mat.Row(nil, g, counts)
		prior := &nbinom.LogNormalPrior{Mean: math.Log(disp.TrendFit[g]), Var: disp.PriorVar}
		disp.MAP[g], _ = nbinom.EstimateDispersion(x, y, mu[g], disp.TrendFit[g], bounds, prior)
		if nbinom.IsDispersionOutlier(disp.GeneEst[g], disp.TrendFit[g], disp.VarLogDispEsts, opts.OutlierSD) {
			disp.Outlier[g] = true
			disp.Final[g] = disp.GeneEst[g]
		} else {
			disp.Final[g] = disp.MAP[g]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	outliers := 0
	for _, o := range disp.Outlier {
		if o {
			outliers++
		}
	}
	log.WithField("outliers", outliers).Info("dispersion estimation done")
	return disp, nil
}

// fitGene fits one gene's coefficients by IRLS, starting from a
// Poisson fit unless start is given.
func fitGene(design *Design, y, sf []float64, alpha float64, start []float64, lambda []float64) (*nbinom.GLMFit, error) {
	if start == nil {
		start = nbinom.PoissonStart(design.Matrix, y, sf, design.Coefficients)
	}
	return nbinom.FitGLM(design.Matrix, y, sf, alpha, start, nbinom.GLMConfig{Lambda: lambda})
}

func (model *Model) fitCoefficients() error {
	counts := model.Data.Counts.Counts
	genes, m := counts.Dims()
	_, p := model.Design.Dims()
	sf := model.SizeFactors
	disp := model.Dispersion.Final

	model.Beta = make([][]float64, genes)
	model.SE = make([][]float64, genes)
	model.Cov = make([]*mat.Dense, genes)
	model.BetaMLE = make([][]float64, genes)
	model.Converged = make([]bool, genes)
	model.Iterations = make([]int, genes)
	model.LogLike = make([]float64, genes)
	model.Deviance = make([]float64, genes)
	model.Mu = make([][]float64, genes)
	model.MaxCooks = make([]float64, genes)

	mleFits := make([]*nbinom.GLMFit, genes)
	log.Info("fitting coefficients")
	err := parallelGenes(genes, model.Options.Threads, func(g int) error {
		model.LogLike[g] = math.NaN()
		model.Deviance[g] = math.NaN()
		if model.AllZero[g] {
			return nil
		}
		y := mat.Row(nil, g, counts)
		fit, err := fitGene(model.Design, y, sf, disp[g], nil, nil)
		if err != nil {
			log.WithField("gene", model.Data.Counts.Genes[g]).Debugf("coefficient fit failed: %s", err)
			return nil
		}
		mleFits[g] = fit
		model.BetaMLE[g], _ = fit.ScaleToLog2()
		model.LogLike[g] = fit.LogLike
		model.Deviance[g] = fit.Deviance
		return nil
	})
	if err != nil {
		return err
	}

	finalFits := mleFits
	if model.Options.BetaPrior {
		use := make([]bool, genes)
		for g, fit := range mleFits {
			use[g] = fit != nil && fit.Converged
		}
		model.BetaPriorVar = nbinom.BetaPriorVar(model.BetaMLE, use, model.Design.Intercept(), p)
		log.WithField("priorVar", model.BetaPriorVar).Info("fitting coefficients with log fold change prior")
		lambda := nbinom.PriorLambda(model.BetaPriorVar)
		finalFits = make([]*nbinom.GLMFit, genes)
		err = parallelGenes(genes, model.Options.Threads, func(g int) error {
			if mleFits[g] == nil {
				return nil
			}
			y := mat.Row(nil, g, counts)
			fit, err := fitGene(model.Design, y, sf, disp[g], mleFits[g].Beta, lambda)
			if err != nil {
				log.WithField("gene", model.Data.Counts.Genes[g]).Debugf("coefficient fit with prior failed: %s", err)
				return nil
			}
			finalFits[g] = fit
			return nil
		})
		if err != nil {
			return err
		}
	}

	cellSizes := model.Design.CellSizes()
	eligible := make([]bool, m)
	for i, n := range cellSizes {
		eligible[i] = n >= 3
	}
	notConverged := 0
	for g, fit := range finalFits {
		if fit == nil {
			model.MaxCooks[g] = math.NaN()
			if !model.AllZero[g] {
				notConverged++
			}
			continue
		}
		model.Beta[g], model.Cov[g] = fit.ScaleToLog2()
		model.SE[g] = make([]float64, p)
		for k := range model.SE[g] {
			model.SE[g][k] = fit.SE(k) / math.Ln2
		}
		model.Converged[g] = fit.Converged
		model.Iterations[g] = fit.Iter
		model.Mu[g] = fit.Mu
		y := mat.Row(nil, g, counts)
		model.MaxCooks[g] = nbinom.MaxCooks(nbinom.CooksDistances(y, fit, disp[g], p), eligible)
		if !fit.Converged {
			notConverged++
		}
	}
	if notConverged > 0 {
		log.Warnf("%d genes did not converge", notConverged)
	}
	return nil
}

// Genes returns the gene identifiers of the fitted data.
func (model *Model) Genes() []string { return model.Data.Counts.Genes }

// NormalizedCounts returns counts divided by size factors.
func (model *Model) NormalizedCounts() *mat.Dense {
	return nbinom.Normalize(model.Data.Counts.Counts, model.SizeFactors)
}
