// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"flag"
	"fmt"
	"strings"

	"github.com/arvados/lightning-rnaseq/nbinom"
	log "github.com/sirupsen/logrus"
)

// dataArgs are the flags every analysis command uses to load a data
// set and describe its design.
type dataArgs struct {
	SamplesFilename string
	CountsFilename  string
	SampleColumn    string
	Design          string
	factors         []string
	levels          []string // var=a,b,c
	relevels        []string // var=ref
	filter          filter
}

func (da *dataArgs) Flags(flags *flag.FlagSet) {
	flags.StringVar(&da.SamplesFilename, "samples", "", "sample table `file` (tsv or csv, optionally .gz)")
	flags.StringVar(&da.CountsFilename, "counts", "", "count matrix `file` (tsv, genes x samples, optionally .gz)")
	flags.StringVar(&da.SampleColumn, "sample-column", "", "sample ID `column` in sample table (default: first column)")
	flags.StringVar(&da.Design, "design", "", "design `formula`, e.g., '~ cell + status'")
	flags.Func("factor", "treat numeric sample table `column` as a factor (may be repeated)", func(s string) error {
		da.factors = append(da.factors, s)
		return nil
	})
	flags.Func("levels", "set level order of a factor, first is reference: `var=a,b,c` (may be repeated)", func(s string) error {
		if !strings.Contains(s, "=") {
			return fmt.Errorf("invalid -levels %q: expected var=level1,level2,...", s)
		}
		da.levels = append(da.levels, s)
		return nil
	})
	flags.Func("relevel", "make `var=level` the reference level (may be repeated)", func(s string) error {
		if !strings.Contains(s, "=") {
			return fmt.Errorf("invalid -relevel %q: expected var=level", s)
		}
		da.relevels = append(da.relevels, s)
		return nil
	})
	da.filter.Flags(flags)
}

func (da *dataArgs) Args() []string {
	args := []string{
		"-samples=" + da.SamplesFilename,
		"-counts=" + da.CountsFilename,
		"-sample-column=" + da.SampleColumn,
		"-design=" + da.Design,
	}
	for _, s := range da.factors {
		args = append(args, "-factor="+s)
	}
	for _, s := range da.levels {
		args = append(args, "-levels="+s)
	}
	for _, s := range da.relevels {
		args = append(args, "-relevel="+s)
	}
	return append(args, da.filter.Args()...)
}

// Paths returns the input filenames, for TranslatePaths.
func (da *dataArgs) Paths() []*string {
	return []*string{&da.SamplesFilename, &da.CountsFilename}
}

// Load reads the sample table and count matrix, applies factor and
// level settings, and drops low-count genes.
func (da *dataArgs) Load() (*DataSet, error) {
	if da.SamplesFilename == "" || da.CountsFilename == "" {
		return nil, fmt.Errorf("must specify both -samples and -counts")
	}
	ds, err := LoadDataSet(da.SamplesFilename, da.CountsFilename, da.SampleColumn)
	if err != nil {
		return nil, err
	}
	if err := da.applyLevels(ds.Samples); err != nil {
		return nil, err
	}
	return da.filter.Apply(ds)
}

func (da *dataArgs) applyLevels(st *SampleTable) error {
	for _, name := range da.factors {
		if err := st.SetFactor(name); err != nil {
			return err
		}
	}
	for _, s := range da.levels {
		kv := strings.SplitN(s, "=", 2)
		if err := st.SetLevels(kv[0], strings.Split(kv[1], ",")); err != nil {
			return err
		}
	}
	for _, s := range da.relevels {
		kv := strings.SplitN(s, "=", 2)
		if err := st.Relevel(kv[0], kv[1]); err != nil {
			return err
		}
		log.Infof("reference level of %s is %s", kv[0], kv[1])
	}
	return nil
}

// Formula parses the -design flag.
func (da *dataArgs) Formula() (*Formula, error) {
	if strings.TrimSpace(da.Design) == "" {
		return nil, errNoFormula
	}
	return ParseFormula(da.Design)
}

type fitArgs struct {
	SizeFactors string
	FitType     string
	BetaPrior   bool
	OutlierSD   float64
	Threads     int
}

func (fa *fitArgs) Flags(flags *flag.FlagSet) {
	flags.StringVar(&fa.SizeFactors, "size-factors", string(nbinom.SizeFactorRatio), "size factor `method` (ratio or poscounts)")
	flags.StringVar(&fa.FitType, "fit-type", string(nbinom.FitParametric), "dispersion trend `type` (parametric or mean)")
	flags.BoolVar(&fa.BetaPrior, "beta-prior", true, "shrink log fold changes with a normal prior")
	flags.Float64Var(&fa.OutlierSD, "dispersion-outlier-sd", 2, "do not shrink gene-wise dispersions more than `N` prior SDs above the trend")
	flags.IntVar(&fa.Threads, "threads", 0, "number of concurrent gene-fitting `goroutines` (default GOMAXPROCS)")
}

func (fa *fitArgs) Args() []string {
	return []string{
		"-size-factors=" + fa.SizeFactors,
		"-fit-type=" + fa.FitType,
		fmt.Sprintf("-beta-prior=%v", fa.BetaPrior),
		fmt.Sprintf("-dispersion-outlier-sd=%v", fa.OutlierSD),
		fmt.Sprintf("-threads=%d", fa.Threads),
	}
}

func (fa *fitArgs) Options() (FitOptions, error) {
	opts := DefaultFitOptions()
	var err error
	opts.SizeFactors, err = nbinom.ParseSizeFactorMethod(fa.SizeFactors)
	if err != nil {
		return opts, err
	}
	opts.FitType, err = nbinom.ParseFitType(fa.FitType)
	if err != nil {
		return opts, err
	}
	opts.BetaPrior = fa.BetaPrior
	opts.OutlierSD = fa.OutlierSD
	opts.Threads = fa.Threads
	return opts, nil
}
