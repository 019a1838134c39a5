// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"

	"github.com/arvados/lightning-rnaseq/nbinom"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// CompareOptions control a likelihood ratio test between nested
// models.
type CompareOptions struct {
	Fit FitOptions
	// Coefficient of the full model reported in the
	// log2FoldChange column. Empty means the last one.
	Name                 string
	Alpha                float64
	IndependentFiltering bool
	CooksCutoff          float64
}

func DefaultCompareOptions() CompareOptions {
	return CompareOptions{
		Fit:                  DefaultFitOptions(),
		Alpha:                0.1,
		IndependentFiltering: true,
	}
}

// CompareModels fits the full model and tests, for each gene,
// whether the reduced model explains the counts as well. The reduced
// design must be nested in the full one; this is checked before any
// fitting. Both models use the full model's dispersions.
func CompareModels(ds *DataSet, full, reduced *Formula, opts CompareOptions) (*Results, *Model, error) {
	fullDesign, err := NewDesign(full, ds.Samples)
	if err != nil {
		return nil, nil, err
	}
	reducedDesign, err := NewDesign(reduced, ds.Samples)
	if err != nil {
		return nil, nil, err
	}
	if err := reducedDesign.NestedIn(fullDesign); err != nil {
		return nil, nil, err
	}
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		return nil, nil, fmt.Errorf("alpha must be between 0 and 1, got %v", opts.Alpha)
	}
	report := opts.Name
	if report == "" {
		report = fullDesign.Coefficients[len(fullDesign.Coefficients)-1]
	}
	reportIdx, ok := fullDesign.CoefIndex(report)
	if !ok {
		return nil, nil, fmt.Errorf("no coefficient %q in full design (coefficients: %q)", report, fullDesign.Coefficients)
	}

	fitOpts := opts.Fit
	fitOpts.BetaPrior = false
	model, err := Fit(ds, fullDesign, fitOpts)
	if err != nil {
		return nil, nil, err
	}
	res, err := model.compare(reducedDesign, reportIdx, opts)
	if err != nil {
		return nil, nil, err
	}
	return res, model, nil
}

func (model *Model) compare(reduced *Design, reportIdx int, opts CompareOptions) (*Results, error) {
	counts := model.Data.Counts.Counts
	genes, _ := counts.Dims()
	_, pFull := model.Design.Dims()
	_, pReduced := reduced.Dims()
	df := pFull - pReduced

	llReduced := make([]float64, genes)
	log.WithFields(log.Fields{"reduced": reduced.Formula.String(), "df": df}).Info("fitting reduced model")
	err := parallelGenes(genes, opts.Fit.Threads, func(g int) error {
		llReduced[g] = math.NaN()
		if model.AllZero[g] || model.Beta[g] == nil {
			return nil
		}
		y := mat.Row(nil, g, counts)
		fit, err := fitGene(reduced, y, model.SizeFactors, model.Dispersion.Final[g], nil, nil)
		if err != nil {
			log.WithField("gene", model.Data.Counts.Genes[g]).Debugf("reduced model fit failed: %s", err)
			return nil
		}
		llReduced[g] = fit.LogLike
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Results{
		Test: "LRT",
		Description: fmt.Sprintf("log2 fold change (MLE): %s; LRT p-value: '%s' vs '%s'",
			model.Design.Coefficients[reportIdx], model.Design.Formula, reduced.Formula),
		Alpha:        opts.Alpha,
		CooksCutoff:  model.cooksCutoff(opts.CooksCutoff),
		Rows:         make([]ResultRow, genes),
		cooksOutlier: make([]bool, genes),
	}
	nan := math.NaN()
	for g := range res.Rows {
		row := &res.Rows[g]
		*row = ResultRow{
			Gene:           model.Data.Counts.Genes[g],
			BaseMean:       model.BaseMean[g],
			Log2FoldChange: nan,
			LfcSE:          nan,
			Stat:           nan,
			Pvalue:         nan,
			Padj:           nan,
		}
		if model.Beta[g] == nil || math.IsNaN(llReduced[g]) {
			continue
		}
		row.Log2FoldChange = model.Beta[g][reportIdx]
		row.LfcSE = model.SE[g][reportIdx]
		row.Stat = math.Max(2*(model.LogLike[g]-llReduced[g]), 0)
		row.Pvalue = nbinom.LRTPvalue(row.Stat, df)
		if model.MaxCooks[g] > res.CooksCutoff {
			res.cooksOutlier[g] = true
			row.Pvalue = nan
		}
	}
	res.adjust(opts.IndependentFiltering)
	return res, nil
}

type lrtCmd struct {
	remote remoteArgs
	data   dataArgs
	fit    fitArgs
}

func (cmd *lrtCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitStatus(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *lrtCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.remote.Flags(flags)
	cmd.data.Flags(flags)
	cmd.fit.Flags(flags)
	reducedDesign := flags.String("reduced", "~ 1", "reduced design `formula`, nested in -design")
	name := flags.String("name", "", "full model coefficient `name` reported as log2FoldChange (default: last coefficient)")
	alpha := flags.Float64("alpha", 0.1, "significance level for independent filtering and summary")
	independentFiltering := flags.Bool("independent-filtering", true, "filter genes with low mean normalized counts before p-value adjustment")
	cooksCutoff := flags.Float64("cooks-cutoff", 0, "Cook's distance outlier `cutoff` (0 = F distribution 99% quantile, negative = disabled)")
	top := flags.Int("top", 0, "write only the top `N` genes by adjusted p-value (0 = all)")
	outputFilename := flags.String("o", "-", "output `file`")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}
	cmd.remote.startPprof()

	if !cmd.remote.Local {
		if *outputFilename != "-" {
			return errors.New("cannot specify output file in container mode: not implemented")
		}
		runner := cmd.remote.runner("lrt", 64000000000, 16)
		err = runner.TranslatePaths(cmd.data.Paths()...)
		if err != nil {
			return err
		}
		runner.Args = []string{"lrt", "-local=true",
			"-reduced=" + *reducedDesign,
			"-name=" + *name,
			fmt.Sprintf("-alpha=%v", *alpha),
			fmt.Sprintf("-independent-filtering=%v", *independentFiltering),
			fmt.Sprintf("-cooks-cutoff=%v", *cooksCutoff),
			fmt.Sprintf("-top=%d", *top),
			"-o=/mnt/output/lrt.tsv",
		}
		runner.Args = append(runner.Args, cmd.data.Args()...)
		runner.Args = append(runner.Args, cmd.fit.Args()...)
		output, err := runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/lrt.tsv")
		return nil
	}

	full, err := cmd.data.Formula()
	if err != nil {
		return err
	}
	reduced, err := ParseFormula(*reducedDesign)
	if err != nil {
		return fmt.Errorf("-reduced: %w", err)
	}
	opts := DefaultCompareOptions()
	opts.Fit, err = cmd.fit.Options()
	if err != nil {
		return err
	}
	opts.Name = *name
	opts.Alpha = *alpha
	opts.IndependentFiltering = *independentFiltering
	opts.CooksCutoff = *cooksCutoff
	ds, err := cmd.data.Load()
	if err != nil {
		return err
	}
	res, _, err := CompareModels(ds, full, reduced, opts)
	if err != nil {
		return err
	}
	log.Info(res.Description)
	fmt.Fprint(stderr, res.Summary())
	res.SortByPadj()
	return writeFile(*outputFilename, stdout, func(w io.Writer) error {
		return WriteResults(w, res.Top(*top))
	})
}
