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
	"strings"

	"github.com/arvados/lightning-rnaseq/nbinom"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type TransformMethod string

const (
	TransformVST  TransformMethod = "vst"
	TransformLog2 TransformMethod = "log2"
)

func ParseTransformMethod(s string) (TransformMethod, error) {
	switch TransformMethod(s) {
	case TransformVST, TransformLog2:
		return TransformMethod(s), nil
	}
	return "", fmt.Errorf("unknown transformation %q (valid: %q, %q)", s, TransformVST, TransformLog2)
}

// Transformed is a genes x samples matrix of transformed normalized
// counts.
type Transformed struct {
	Genes       []string
	Samples     []string
	Values      *mat.Dense
	Method      TransformMethod
	SizeFactors []float64
	// Dispersion trend used by vst.
	Trend nbinom.Trend
}

// Transform applies a transformation without using the experimental
// design ("blind"): size factors are estimated from counts and, for
// vst, the dispersion trend is fitted with an intercept-only design.
func Transform(ds *DataSet, method TransformMethod, opts FitOptions) (*Transformed, error) {
	counts := ds.Counts.Counts
	if counts == nil {
		return nil, errors.New("count matrix has no genes")
	}
	sf, err := nbinom.SizeFactors(counts, opts.SizeFactors)
	if err != nil {
		return nil, err
	}
	norm := nbinom.Normalize(counts, sf)
	out := &Transformed{
		Genes:       ds.Counts.Genes,
		Samples:     ds.Counts.Samples,
		Method:      method,
		SizeFactors: sf,
	}
	switch method {
	case TransformLog2:
		out.Values = log2Transform(norm)
		return out, nil
	case TransformVST:
	default:
		return nil, fmt.Errorf("unknown transformation %q", method)
	}
	design, err := NewDesign(interceptOnly, ds.Samples)
	if err != nil {
		return nil, err
	}
	baseMean, _, allZero, err := rowMoments(counts, norm)
	if err != nil {
		return nil, err
	}
	log.Info("estimating dispersion trend for blind variance stabilizing transformation")
	disp, err := estimateDispersions(counts, norm, sf, design, baseMean, allZero, opts, false)
	if err != nil {
		return nil, err
	}
	out.Trend = disp.Trend
	out.Values = vstTransform(norm, disp.Trend)
	return out, nil
}

// Transform applies a transformation using the model's size factors
// and, for vst, its dispersion trend.
func (model *Model) Transform(method TransformMethod) (*Transformed, error) {
	norm := model.NormalizedCounts()
	out := &Transformed{
		Genes:       model.Data.Counts.Genes,
		Samples:     model.Data.Counts.Samples,
		Method:      method,
		SizeFactors: model.SizeFactors,
		Trend:       model.Dispersion.Trend,
	}
	switch method {
	case TransformLog2:
		out.Values = log2Transform(norm)
	case TransformVST:
		out.Values = vstTransform(norm, model.Dispersion.Trend)
	default:
		return nil, fmt.Errorf("unknown transformation %q", method)
	}
	return out, nil
}

func vstTransform(norm *mat.Dense, trend nbinom.Trend) *mat.Dense {
	var out mat.Dense
	out.Apply(func(i, j int, q float64) float64 { return trend.VST(q) }, norm)
	return &out
}

func log2Transform(norm *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(i, j int, q float64) float64 { return math.Log2(q + 1) }, norm)
	return &out
}

type vstCmd struct {
	remote remoteArgs
	data   dataArgs
	fit    fitArgs
}

func (cmd *vstCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitStatus(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *vstCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.remote.Flags(flags)
	cmd.data.Flags(flags)
	cmd.fit.Flags(flags)
	method := flags.String("method", string(TransformVST), "transformation: vst or log2")
	blind := flags.Bool("blind", true, "ignore -design when estimating the dispersion trend")
	outputFilename := flags.String("o", "-", "output `file` (.npy for numpy array, otherwise tsv)")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}
	cmd.remote.startPprof()
	tm, err := ParseTransformMethod(*method)
	if err != nil {
		return err
	}

	if !cmd.remote.Local {
		if *outputFilename != "-" {
			return errors.New("cannot specify output file in container mode: not implemented")
		}
		runner := cmd.remote.runner("vst", 32000000000, 8)
		err = runner.TranslatePaths(cmd.data.Paths()...)
		if err != nil {
			return err
		}
		runner.Args = []string{"vst", "-local=true",
			"-method=" + *method,
			fmt.Sprintf("-blind=%v", *blind),
			"-o=/mnt/output/" + string(tm) + ".tsv",
		}
		runner.Args = append(runner.Args, cmd.data.Args()...)
		runner.Args = append(runner.Args, cmd.fit.Args()...)
		output, err := runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/"+string(tm)+".tsv")
		return nil
	}

	fopts, err := cmd.fit.Options()
	if err != nil {
		return err
	}
	ds, err := cmd.data.Load()
	if err != nil {
		return err
	}
	tr, err := cmd.data.transform(ds, tm, fopts, *blind)
	if err != nil {
		return err
	}
	return writeFile(*outputFilename, stdout, func(w io.Writer) error {
		if strings.HasSuffix(*outputFilename, ".npy") {
			return writeNumpy(w, tr.Values)
		}
		return writeMatrixTSV(w, "gene", tr.Genes, tr.Samples, tr.Values)
	})
}

// transform applies tm to ds, using the -design fit unless blind.
func (da *dataArgs) transform(ds *DataSet, tm TransformMethod, fopts FitOptions, blind bool) (*Transformed, error) {
	if blind {
		return Transform(ds, tm, fopts)
	}
	formula, err := da.Formula()
	if err != nil {
		return nil, fmt.Errorf("-blind=false: %w", err)
	}
	design, err := NewDesign(formula, ds.Samples)
	if err != nil {
		return nil, err
	}
	model, err := Fit(ds, design, fopts)
	if err != nil {
		return nil, err
	}
	return model.Transform(tm)
}
