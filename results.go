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
	"sort"

	"github.com/arvados/lightning-rnaseq/nbinom"
	log "github.com/sirupsen/logrus"
)

// ResultRow is one gene's test result. Missing values are NaN.
type ResultRow struct {
	Gene           string
	BaseMean       float64
	Log2FoldChange float64
	LfcSE          float64
	Stat           float64
	Pvalue         float64
	Padj           float64
}

// Results is a table of per-gene test results in model gene order.
type Results struct {
	Rows        []ResultRow
	Test        string // "Wald" or "LRT"
	Description string
	Alpha       float64
	// Genes whose mean normalized count is below FilterThreshold
	// were removed by independent filtering (NaN padj).
	FilterThreshold float64
	FilterTheta     float64
	CooksCutoff     float64

	cooksOutlier []bool
}

type ResultsOptions struct {
	// Zero value means the last coefficient.
	Contrast      Contrast
	LFCThreshold  float64
	AltHypothesis string
	// Significance level used by independent filtering and
	// summaries. Default 0.1.
	Alpha                float64
	IndependentFiltering bool
	// Genes whose maximum Cook's distance exceeds this get NaN
	// p-values. Zero means the 0.99 quantile of F(p, m-p); negative
	// disables outlier flagging.
	CooksCutoff float64
}

func DefaultResultsOptions() ResultsOptions {
	return ResultsOptions{
		Alpha:                0.1,
		IndependentFiltering: true,
	}
}

func (opts *ResultsOptions) validate() (nbinom.AltHypothesis, error) {
	alt, err := nbinom.ParseAltHypothesis(opts.AltHypothesis)
	if err != nil {
		return "", err
	}
	if opts.LFCThreshold < 0 || math.IsNaN(opts.LFCThreshold) {
		return "", fmt.Errorf("log2 fold change threshold must be non-negative, got %v", opts.LFCThreshold)
	}
	if alt == nbinom.LessAbs && opts.LFCThreshold == 0 {
		return "", errors.New("alternative hypothesis \"lessAbs\" requires a positive log2 fold change threshold")
	}
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		return "", fmt.Errorf("alpha must be between 0 and 1, got %v", opts.Alpha)
	}
	return alt, nil
}

func (model *Model) cooksCutoff(opt float64) float64 {
	if opt < 0 {
		return math.Inf(1)
	}
	if opt > 0 {
		return opt
	}
	m, p := model.Design.Dims()
	return nbinom.CooksCutoff(p, m)
}

// Results computes Wald test results for a contrast.
func (model *Model) Results(opts ResultsOptions) (*Results, error) {
	alt, err := opts.validate()
	if err != nil {
		return nil, err
	}
	rc, err := model.Design.resolveContrast(opts.Contrast)
	if err != nil {
		return nil, err
	}
	estimator := "MLE"
	if model.BetaPriorVar != nil {
		estimator = "MAP"
	}
	res := &Results{
		Test:         "Wald",
		Description:  fmt.Sprintf("log2 fold change (%s): %s", estimator, rc.label),
		Alpha:        opts.Alpha,
		CooksCutoff:  model.cooksCutoff(opts.CooksCutoff),
		Rows:         make([]ResultRow, len(model.BaseMean)),
		cooksOutlier: make([]bool, len(model.BaseMean)),
	}
	if opts.LFCThreshold > 0 || alt != nbinom.GreaterAbs {
		res.Description += fmt.Sprintf(", %s %g", alt, opts.LFCThreshold)
	}
	counts := model.Data.Counts.Counts
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
		if model.Beta[g] == nil {
			continue
		}
		lfc, variance := 0.0, 0.0
		for k, ck := range rc.vector {
			lfc += ck * model.Beta[g][k]
			for l, cl := range rc.vector {
				variance += ck * model.Cov[g].At(k, l) * cl
			}
		}
		row.Log2FoldChange = lfc
		row.LfcSE = math.Sqrt(variance)

		if rc.numSamples != nil && allZeroIn(counts.RawRowView(g), rc.numSamples, rc.denSamples) {
			row.Log2FoldChange, row.Stat, row.Pvalue = 0, 0, 1
			continue
		}
		row.Stat, row.Pvalue = nbinom.WaldTest(lfc, row.LfcSE, opts.LFCThreshold, alt)
		if model.MaxCooks[g] > res.CooksCutoff {
			res.cooksOutlier[g] = true
			row.Pvalue = nan
		}
	}
	res.adjust(opts.IndependentFiltering)
	return res, nil
}

func allZeroIn(counts []float64, groups ...[]int) bool {
	for _, group := range groups {
		for _, i := range group {
			if counts[i] != 0 {
				return false
			}
		}
	}
	return true
}

// adjust fills in Padj, optionally with independent filtering on the
// mean of normalized counts.
func (res *Results) adjust(independentFiltering bool) {
	p := make([]float64, len(res.Rows))
	filter := make([]float64, len(res.Rows))
	for g, row := range res.Rows {
		p[g] = row.Pvalue
		filter[g] = row.BaseMean
	}
	var padj []float64
	if independentFiltering {
		fr := nbinom.IndependentFilter(filter, p, res.Alpha)
		padj = fr.Padj
		res.FilterThreshold = fr.Threshold
		res.FilterTheta = fr.Theta
		log.WithFields(log.Fields{
			"theta":     fr.Theta,
			"threshold": fr.Threshold,
		}).Info("independent filtering")
	} else {
		padj = nbinom.AdjustBH(p)
	}
	for g := range res.Rows {
		res.Rows[g].Padj = padj[g]
	}
}

// SortByPadj orders rows by adjusted p-value (NaN last), then by
// p-value, then by gene identifier.
func (res *Results) SortByPadj() {
	less := func(a, b float64) (bool, bool) {
		an, bn := math.IsNaN(a), math.IsNaN(b)
		switch {
		case an && bn:
			return false, false
		case an:
			return false, true
		case bn:
			return true, true
		case a != b:
			return a < b, true
		}
		return false, false
	}
	idx := make([]int, len(res.Rows))
	for i := range idx {
		idx[i] = i
	}
	rows := res.Rows
	sort.SliceStable(idx, func(i, j int) bool {
		a, b := &rows[idx[i]], &rows[idx[j]]
		if l, decided := less(a.Padj, b.Padj); decided {
			return l
		}
		if l, decided := less(a.Pvalue, b.Pvalue); decided {
			return l
		}
		return a.Gene < b.Gene
	})
	sorted := make([]ResultRow, len(rows))
	outlier := make([]bool, len(rows))
	for i, g := range idx {
		sorted[i] = rows[g]
		outlier[i] = res.cooksOutlier[g]
	}
	res.Rows, res.cooksOutlier = sorted, outlier
}

// Top returns the first n rows (all rows if n <= 0).
func (res *Results) Top(n int) []ResultRow {
	if n <= 0 || n > len(res.Rows) {
		n = len(res.Rows)
	}
	return res.Rows[:n]
}

// Summary counts significant genes at the results' alpha.
type Summary struct {
	NonZero   int // genes with any counts
	Up        int
	Down      int
	Outliers  int // p-value removed for a Cook's distance outlier
	LowCounts int // padj removed by independent filtering
	Alpha     float64
	Threshold float64
}

func (res *Results) Summary() Summary {
	s := Summary{Alpha: res.Alpha, Threshold: res.FilterThreshold}
	for g, row := range res.Rows {
		if row.BaseMean > 0 {
			s.NonZero++
		}
		if res.cooksOutlier[g] {
			s.Outliers++
		} else if !math.IsNaN(row.Pvalue) && math.IsNaN(row.Padj) {
			s.LowCounts++
		}
		if row.Padj < res.Alpha {
			if row.Log2FoldChange > 0 {
				s.Up++
			} else if row.Log2FoldChange < 0 {
				s.Down++
			}
		}
	}
	return s
}

func (s Summary) String() string {
	pct := func(n int) float64 {
		if s.NonZero == 0 {
			return 0
		}
		return 100 * float64(n) / float64(s.NonZero)
	}
	return fmt.Sprintf("out of %d genes with nonzero total read count\n"+
		"adjusted p-value < %g\n"+
		"LFC > 0 (up)       : %d, %.2g%%\n"+
		"LFC < 0 (down)     : %d, %.2g%%\n"+
		"outliers [1]       : %d, %.2g%%\n"+
		"low counts [2]     : %d, %.2g%%\n"+
		"(mean count < %.3g)\n"+
		"[1] see -cooks-cutoff\n"+
		"[2] see -independent-filtering\n",
		s.NonZero, s.Alpha,
		s.Up, pct(s.Up),
		s.Down, pct(s.Down),
		s.Outliers, pct(s.Outliers),
		s.LowCounts, pct(s.LowCounts),
		s.Threshold)
}

type resultsCmd struct {
	remote remoteArgs
	data   dataArgs
	fit    fitArgs
}

func (cmd *resultsCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitStatus(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *resultsCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.remote.Flags(flags)
	cmd.data.Flags(flags)
	cmd.fit.Flags(flags)
	contrast := flags.String("contrast", "", "coefficient `name`, factor,numerator,denominator, or comma-separated numeric vector (default: last coefficient)")
	lfcThreshold := flags.Float64("lfc-threshold", 0, "test against log2 fold change threshold `T`")
	altHypothesis := flags.String("alt", string(nbinom.GreaterAbs), "alternative `hypothesis`: greaterAbs, lessAbs, greater, or less")
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
		runner := cmd.remote.runner("results", 64000000000, 16)
		err = runner.TranslatePaths(cmd.data.Paths()...)
		if err != nil {
			return err
		}
		runner.Args = []string{"results", "-local=true",
			"-contrast=" + *contrast,
			fmt.Sprintf("-lfc-threshold=%v", *lfcThreshold),
			"-alt=" + *altHypothesis,
			fmt.Sprintf("-alpha=%v", *alpha),
			fmt.Sprintf("-independent-filtering=%v", *independentFiltering),
			fmt.Sprintf("-cooks-cutoff=%v", *cooksCutoff),
			fmt.Sprintf("-top=%d", *top),
			"-o=/mnt/output/results.tsv",
		}
		runner.Args = append(runner.Args, cmd.data.Args()...)
		runner.Args = append(runner.Args, cmd.fit.Args()...)
		output, err := runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/results.tsv")
		return nil
	}

	ropts := DefaultResultsOptions()
	ropts.LFCThreshold = *lfcThreshold
	ropts.AltHypothesis = *altHypothesis
	ropts.Alpha = *alpha
	ropts.IndependentFiltering = *independentFiltering
	ropts.CooksCutoff = *cooksCutoff
	ropts.Contrast, err = ParseContrast(*contrast)
	if err != nil {
		return err
	}
	// Fail on a bad -alt before spending time on the fit.
	if _, err = ropts.validate(); err != nil {
		return err
	}
	fopts, err := cmd.fit.Options()
	if err != nil {
		return err
	}
	formula, err := cmd.data.Formula()
	if err != nil {
		return err
	}
	ds, err := cmd.data.Load()
	if err != nil {
		return err
	}
	design, err := NewDesign(formula, ds.Samples)
	if err != nil {
		return err
	}
	log.WithField("coefficients", design.Coefficients).Infof("design %s", formula)
	model, err := Fit(ds, design, fopts)
	if err != nil {
		return err
	}
	res, err := model.Results(ropts)
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
