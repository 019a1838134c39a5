// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/arvados/lightning-rnaseq/nbinom"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// SimFactor is a simulated categorical covariate. The first level is
// the reference.
type SimFactor struct {
	Name   string
	Levels []string
}

type SimulateOptions struct {
	Factors []SimFactor
	// Samples per combination of factor levels.
	Replicates int
	Genes      int
	// log2 scale
	InterceptMean float64
	InterceptSD   float64
	// SD of the true log2 fold change of each non-reference level.
	BetaSD float64
	// One per sample; nil means all 1.
	SizeFactors []float64
	// Dispersion as a function of the intercept mean; nil means
	// 4/mean + 0.1.
	DispMeanRel func(mean float64) float64
	Seed        uint64
}

func DefaultSimulateOptions() SimulateOptions {
	return SimulateOptions{
		Factors:       []SimFactor{{Name: "condition", Levels: []string{"A", "B"}}},
		Replicates:    6,
		Genes:         1000,
		InterceptMean: 4,
		InterceptSD:   2,
		BetaSD:        0,
	}
}

// Simulated is a synthetic data set with its true parameters.
type Simulated struct {
	Data *DataSet
	// Names of the true coefficients, e.g. "condition_B_vs_A".
	Coefficients []string
	// genes x coefficients, log2 scale, intercept first
	Beta       *mat.Dense
	Dispersion []float64
}

// Simulate draws negative binomial counts for every combination of
// factor levels. Output is fully determined by opts.
func Simulate(opts SimulateOptions) (*Simulated, error) {
	if len(opts.Factors) == 0 {
		return nil, errors.New("no factors to simulate")
	}
	if opts.Replicates < 1 || opts.Genes < 1 {
		return nil, fmt.Errorf("need at least one replicate and one gene (got %d, %d)", opts.Replicates, opts.Genes)
	}
	if opts.DispMeanRel == nil {
		opts.DispMeanRel = nbinom.DefaultDispMeanRel
	}
	coefs := []string{InterceptName}
	for _, f := range opts.Factors {
		if len(f.Levels) < 2 {
			return nil, fmt.Errorf("factor %q needs at least two levels", f.Name)
		}
		for _, lv := range f.Levels[1:] {
			coefs = append(coefs, f.Name+"_"+lv+"_vs_"+f.Levels[0])
		}
	}

	// design cells, first factor varying slowest
	cells := [][]int{nil}
	for _, f := range opts.Factors {
		var next [][]int
		for _, cell := range cells {
			for l := range f.Levels {
				next = append(next, append(append([]int(nil), cell...), l))
			}
		}
		cells = next
	}
	samples := len(cells) * opts.Replicates
	if opts.SizeFactors != nil && len(opts.SizeFactors) != samples {
		return nil, fmt.Errorf("got %d size factors for %d samples", len(opts.SizeFactors), samples)
	}
	ids := make([]string, samples)
	values := make([][]string, len(opts.Factors))
	for f := range values {
		values[f] = make([]string, samples)
	}
	x := mat.NewDense(samples, len(coefs), nil)
	for c, cell := range cells {
		for r := 0; r < opts.Replicates; r++ {
			i := c*opts.Replicates + r
			ids[i] = fmt.Sprintf("sample%d", i+1)
			x.Set(i, 0, 1)
			col := 1
			for f, l := range cell {
				values[f][i] = opts.Factors[f].Levels[l]
				if l > 0 {
					x.Set(i, col+l-1, 1)
				}
				col += len(opts.Factors[f].Levels) - 1
			}
		}
	}
	st, err := NewSampleTable("sample", ids)
	if err != nil {
		return nil, err
	}
	for f, factor := range opts.Factors {
		if err := st.AddColumn(factor.Name, values[f]); err != nil {
			return nil, err
		}
		if err := st.SetLevels(factor.Name, factor.Levels); err != nil {
			return nil, err
		}
	}

	sampler := nbinom.NewSampler(opts.Seed)
	sim := &Simulated{
		Coefficients: coefs,
		Beta:         mat.NewDense(opts.Genes, len(coefs), nil),
		Dispersion:   make([]float64, opts.Genes),
	}
	genes := make([]string, opts.Genes)
	counts := mat.NewDense(opts.Genes, samples, nil)
	for g := range genes {
		genes[g] = fmt.Sprintf("gene%d", g+1)
		sim.Beta.Set(g, 0, sampler.Normal(opts.InterceptMean, opts.InterceptSD))
		for k := 1; k < len(coefs); k++ {
			if opts.BetaSD > 0 {
				sim.Beta.Set(g, k, sampler.Normal(0, opts.BetaSD))
			}
		}
		sim.Dispersion[g] = opts.DispMeanRel(math.Exp2(sim.Beta.At(g, 0)))
		for i := 0; i < samples; i++ {
			mu := math.Exp2(mat.Dot(x.RowView(i), sim.Beta.RowView(g)))
			if opts.SizeFactors != nil {
				mu *= opts.SizeFactors[i]
			}
			counts.Set(g, i, sampler.Draw(mu, sim.Dispersion[g]))
		}
	}
	sim.Data = &DataSet{
		Samples: st,
		Counts: &CountMatrix{
			Genes:   genes,
			Samples: append([]string(nil), ids...),
			Counts:  counts,
		},
	}
	return sim, nil
}

// WriteSampleTable writes st as a tab-separated table with the ID
// column first.
func WriteSampleTable(w io.Writer, st *SampleTable) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(append([]string{st.IDColumn}, st.columns...)); err != nil {
		return err
	}
	for i, id := range st.IDs {
		rec := []string{id}
		for _, col := range st.columns {
			rec = append(rec, st.values[col][i])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type simulateCmd struct{}

func (cmd *simulateCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitStatus(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *simulateCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts := DefaultSimulateOptions()
	var factors []SimFactor
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Func("factor", "simulate factor `name=ref,level2,...` (may be repeated; default condition=A,B)", func(s string) error {
		kv := strings.SplitN(s, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return fmt.Errorf("invalid -factor %q: expected name=level1,level2,...", s)
		}
		factors = append(factors, SimFactor{Name: kv[0], Levels: strings.Split(kv[1], ",")})
		return nil
	})
	flags.IntVar(&opts.Replicates, "replicates", opts.Replicates, "samples per combination of factor levels")
	flags.IntVar(&opts.Genes, "genes", opts.Genes, "number of genes")
	flags.Float64Var(&opts.InterceptMean, "intercept-mean", opts.InterceptMean, "mean of log2 gene expression")
	flags.Float64Var(&opts.InterceptSD, "intercept-sd", opts.InterceptSD, "SD of log2 gene expression")
	flags.Float64Var(&opts.BetaSD, "beta-sd", opts.BetaSD, "SD of true log2 fold changes")
	flags.Uint64Var(&opts.Seed, "seed", 0, "PRNG seed")
	countsFilename := flags.String("o-counts", "counts.tsv", "output count matrix `file`")
	samplesFilename := flags.String("o-samples", "samples.tsv", "output sample table `file`")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}
	if factors != nil {
		opts.Factors = factors
	}
	sim, err := Simulate(opts)
	if err != nil {
		return err
	}
	cm := sim.Data.Counts
	genes, samples := cm.Counts.Dims()
	log.WithFields(log.Fields{"genes": genes, "samples": samples}).Info("simulated counts")
	err = writeFile(*countsFilename, stdout, func(w io.Writer) error {
		return writeMatrixTSV(w, "gene", cm.Genes, cm.Samples, cm.Counts)
	})
	if err != nil {
		return err
	}
	return writeFile(*samplesFilename, stdout, func(w io.Writer) error {
		return WriteSampleTable(w, sim.Data.Samples)
	})
}
