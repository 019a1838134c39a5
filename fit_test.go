// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/arvados/lightning-rnaseq/nbinom"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/check.v1"
)

type analysisSuite struct {
	sim   *Simulated
	ds    *DataSet
	model *Model
}

var _ = check.Suite(&analysisSuite{})

// 2 cell lines x 3 treatments x 2 replicates
func (s *analysisSuite) SetUpSuite(c *check.C) {
	opts := DefaultSimulateOptions()
	opts.Factors = []SimFactor{
		{Name: "cell", Levels: []string{"c1", "c2"}},
		{Name: "status", Levels: []string{"s1", "s2", "s3"}},
	}
	opts.Replicates = 2
	opts.Genes = 300
	opts.BetaSD = 1
	opts.Seed = 1
	var err error
	s.sim, err = Simulate(opts)
	c.Assert(err, check.IsNil)
	f := filter{MinTotal: 5}
	s.ds, err = f.Apply(s.sim.Data)
	c.Assert(err, check.IsNil)
	s.model = s.fit(c, "~ cell + status", DefaultFitOptions())
}

func (s *analysisSuite) fit(c *check.C, formula string, opts FitOptions) *Model {
	design, err := NewDesign(MustParseFormula(formula), s.ds.Samples)
	c.Assert(err, check.IsNil)
	model, err := Fit(s.ds, design, opts)
	c.Assert(err, check.IsNil)
	return model
}

func geneIndex(gene string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(gene, "gene"))
	return n - 1
}

func (s *analysisSuite) TestFilter(c *check.C) {
	genes, samples := s.ds.Counts.Counts.Dims()
	c.Check(samples, check.Equals, 12)
	c.Check(genes <= 300, check.Equals, true)
	for _, sum := range s.ds.Counts.RowSums() {
		c.Check(sum > 5, check.Equals, true)
	}

	f := filter{MinTotal: 100}
	strict, err := f.Apply(s.ds)
	c.Assert(err, check.IsNil)
	c.Check(len(strict.Counts.Genes) < genes, check.Equals, true)
	kept := map[string]bool{}
	for _, g := range s.ds.Counts.Genes {
		kept[g] = true
	}
	for _, g := range strict.Counts.Genes {
		c.Check(kept[g], check.Equals, true)
	}
	c.Check(strict.Samples, check.Equals, s.ds.Samples)
}

func (s *analysisSuite) TestEndToEnd(c *check.C) {
	res, err := s.model.Results(DefaultResultsOptions())
	c.Assert(err, check.IsNil)
	c.Check(res.Description, check.Equals, "log2 fold change (MAP): status s3 vs s1")
	c.Check(res.Rows, check.HasLen, len(s.ds.Counts.Genes))
	for _, row := range res.Rows {
		for _, p := range []float64{row.Pvalue, row.Padj} {
			c.Check(math.IsNaN(p) || (p >= 0 && p <= 1), check.Equals, true, check.Commentf("%+v", row))
		}
		if !math.IsNaN(row.Padj) {
			c.Check(row.Padj >= row.Pvalue, check.Equals, true)
		}
	}
	sum := res.Summary()
	c.Check(sum.Up+sum.Down > 0, check.Equals, true)
	c.Logf("%s", sum)

	// estimates track the simulated fold changes
	var est, truth []float64
	for _, row := range res.Rows {
		if row.BaseMean > 50 && !math.IsNaN(row.Log2FoldChange) {
			est = append(est, row.Log2FoldChange)
			truth = append(truth, s.sim.Beta.At(geneIndex(row.Gene), 3))
		}
	}
	c.Check(len(est) > 20, check.Equals, true)
	c.Check(stat.Correlation(est, truth, nil) > 0.5, check.Equals, true)

	// same ranking regardless of concurrency
	opts := DefaultFitOptions()
	opts.Threads = 1
	res2, err := s.fit(c, "~ cell + status", opts).Results(DefaultResultsOptions())
	c.Assert(err, check.IsNil)
	res.SortByPadj()
	res2.SortByPadj()
	c.Check(fmt.Sprintf("%v", res2.Top(100)), check.Equals, fmt.Sprintf("%v", res.Top(100)))
	for i := 1; i < len(res.Rows); i++ {
		a, b := res.Rows[i-1].Padj, res.Rows[i].Padj
		c.Check(math.IsNaN(b) || a <= b, check.Equals, true)
	}
}

func (s *analysisSuite) TestNameAndLevelPairAgree(c *check.C) {
	opts := DefaultResultsOptions()
	opts.Contrast = Contrast{Name: "status_s2_vs_s1"}
	byName, err := s.model.Results(opts)
	c.Assert(err, check.IsNil)
	opts.Contrast = Contrast{Factor: "status", Numerator: "s2", Denominator: "s1"}
	byPair, err := s.model.Results(opts)
	c.Assert(err, check.IsNil)
	c.Check(fmt.Sprintf("%v", byName.Rows), check.Equals, fmt.Sprintf("%v", byPair.Rows))
	c.Check(byName.Description, check.Equals, byPair.Description)

	opts.Contrast = Contrast{Vector: []float64{0, 0, 1, -1}}
	byVector, err := s.model.Results(opts)
	c.Assert(err, check.IsNil)
	opts.Contrast = Contrast{Factor: "status", Numerator: "s2", Denominator: "s3"}
	byPair, err = s.model.Results(opts)
	c.Assert(err, check.IsNil)
	// includes genes with no counts in either group: LFC 0, p 1
	for g := range byVector.Rows {
		v, p := byVector.Rows[g], byPair.Rows[g]
		c.Check(fmt.Sprint(v.Log2FoldChange, v.Stat, v.Pvalue, v.Padj), check.Equals, fmt.Sprint(p.Log2FoldChange, p.Stat, p.Pvalue, p.Padj), check.Commentf("%s", v.Gene))
	}
}

func (s *analysisSuite) TestRelevel(c *check.C) {
	opts := DefaultFitOptions()
	opts.BetaPrior = false
	before := s.fit(c, "~ cell + status", opts)
	samples := s.ds.Samples.Subset(seq(s.ds.Samples.Len()))
	c.Assert(samples.Relevel("status", "s2"), check.IsNil)
	design, err := NewDesign(MustParseFormula("~ cell + status"), samples)
	c.Assert(err, check.IsNil)
	c.Check(design.Coefficients, check.DeepEquals, []string{"Intercept", "cell_c2_vs_c1", "status_s1_vs_s2", "status_s3_vs_s2"})
	after, err := Fit(&DataSet{Samples: samples, Counts: s.ds.Counts}, design, opts)
	c.Assert(err, check.IsNil)

	ropts := DefaultResultsOptions()
	ropts.Contrast = Contrast{Factor: "status", Numerator: "s3", Denominator: "s2"}
	pair, err := before.Results(ropts)
	c.Assert(err, check.IsNil)
	ropts.Contrast = Contrast{Name: "status_s3_vs_s2"}
	coef, err := after.Results(ropts)
	c.Assert(err, check.IsNil)

	genes := len(s.ds.Counts.Genes)
	dispAgree, lfcAgree, interceptMoved := 0, 0, 0
	for g := 0; g < genes; g++ {
		d0, d1 := before.Dispersion.Final[g], after.Dispersion.Final[g]
		if math.Abs(d0-d1) <= 1e-3*d0 {
			dispAgree++
		}
		if math.Abs(pair.Rows[g].Log2FoldChange-coef.Rows[g].Log2FoldChange) < 1e-3 {
			lfcAgree++
		}
		if before.Beta[g] != nil && after.Beta[g] != nil && math.Abs(before.Beta[g][0]-after.Beta[g][0]) > 1e-3 {
			interceptMoved++
		}
	}
	c.Check(dispAgree >= genes*95/100, check.Equals, true, check.Commentf("%d of %d", dispAgree, genes))
	c.Check(lfcAgree >= genes*95/100, check.Equals, true, check.Commentf("%d of %d", lfcAgree, genes))
	c.Check(interceptMoved > genes/2, check.Equals, true)
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

func (s *analysisSuite) TestThresholdTests(c *check.C) {
	opts := DefaultResultsOptions()
	opts.AltHypothesis = "notEqual"
	_, err := s.model.Results(opts)
	c.Check(errors.Is(err, nbinom.ErrInvalidAltHypothesis), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*greaterAbs.*lessAbs.*greater.*less.*`)

	opts.AltHypothesis = "lessAbs"
	_, err = s.model.Results(opts)
	c.Check(err, check.ErrorMatches, `.*requires a positive log2 fold change threshold`)

	opts = DefaultResultsOptions()
	opts.CooksCutoff = -1
	twoSided, err := s.model.Results(opts)
	c.Assert(err, check.IsNil)
	opts.AltHypothesis = "greater"
	greater, err := s.model.Results(opts)
	c.Assert(err, check.IsNil)
	for g, row := range twoSided.Rows {
		if math.IsNaN(row.Pvalue) || row.Log2FoldChange <= 0 {
			continue
		}
		c.Check(math.Abs(row.Pvalue-math.Min(1, 2*greater.Rows[g].Pvalue)) < 1e-12, check.Equals, true)
	}

	opts.AltHypothesis = "lessAbs"
	opts.LFCThreshold = 20
	lessAbs, err := s.model.Results(opts)
	c.Assert(err, check.IsNil)
	for _, row := range lessAbs.Rows {
		// counts absent from both groups give p = 1
		if !math.IsNaN(row.Pvalue) && row.Log2FoldChange != 0 {
			c.Check(row.Pvalue < 0.5, check.Equals, true)
			c.Check(row.Stat > 0, check.Equals, true)
		}
	}
}

func (s *analysisSuite) TestLRT(c *check.C) {
	opts := DefaultCompareOptions()
	opts.Fit.Threads = 2

	f := MustParseFormula("~ cell + status")
	self, _, err := CompareModels(s.ds, f, f, opts)
	c.Assert(err, check.IsNil)
	tested := 0
	for _, row := range self.Rows {
		if !math.IsNaN(row.Pvalue) {
			tested++
			c.Check(row.Pvalue, check.Equals, 1.0)
		}
	}
	c.Check(tested > 0, check.Equals, true)

	_, _, err = CompareModels(s.ds, MustParseFormula("~ cell"), MustParseFormula("~ status"), opts)
	c.Check(errors.Is(err, ErrNotNested), check.Equals, true)

	res, model, err := CompareModels(s.ds, f, MustParseFormula("~ cell"), opts)
	c.Assert(err, check.IsNil)
	c.Check(res.Test, check.Equals, "LRT")
	c.Check(res.Description, check.Equals, "log2 fold change (MLE): status_s3_vs_s1; LRT p-value: '~ cell + status' vs '~ cell'")
	c.Check(model.BetaPriorVar, check.IsNil)
	significant := 0
	for g, row := range res.Rows {
		if math.IsNaN(row.Stat) {
			continue
		}
		c.Check(row.Stat >= 0, check.Equals, true)
		c.Check(row.Log2FoldChange, check.Equals, model.Beta[g][3])
		if row.Padj < 0.1 {
			significant++
		}
	}
	c.Check(significant > 0, check.Equals, true)

	opts.Name = "cell_c2_vs_c1"
	res, model, err = CompareModels(s.ds, f, MustParseFormula("~ cell"), opts)
	c.Assert(err, check.IsNil)
	for g, row := range res.Rows {
		if model.Beta[g] != nil && !math.IsNaN(row.Log2FoldChange) {
			c.Check(row.Log2FoldChange, check.Equals, model.Beta[g][1])
		}
	}
	opts.Name = "nonexistent"
	_, _, err = CompareModels(s.ds, f, MustParseFormula("~ cell"), opts)
	c.Check(err, check.ErrorMatches, `no coefficient "nonexistent" in full design.*`)
}

func (s *analysisSuite) TestTransform(c *check.C) {
	tr, err := Transform(s.ds, TransformVST, DefaultFitOptions())
	c.Assert(err, check.IsNil)
	norm := nbinom.Normalize(s.ds.Counts.Counts, tr.SizeFactors)
	genes, samples := norm.Dims()
	for g := 0; g < genes; g++ {
		for i := 1; i < samples; i++ {
			q0, q1 := norm.At(g, 0), norm.At(g, i)
			v0, v1 := tr.Values.At(g, 0), tr.Values.At(g, i)
			c.Check(math.IsNaN(v1) || math.IsInf(v1, 0), check.Equals, false)
			if q0 < q1 {
				c.Check(v0 < v1, check.Equals, true)
			} else if q0 > q1 {
				c.Check(v0 > v1, check.Equals, true)
			}
		}
	}

	tr, err = s.model.Transform(TransformLog2)
	c.Assert(err, check.IsNil)
	norm = s.model.NormalizedCounts()
	c.Check(tr.Values.At(0, 0), check.Equals, math.Log2(norm.At(0, 0)+1))
	tr, err = s.model.Transform(TransformVST)
	c.Assert(err, check.IsNil)
	c.Check(tr.Trend, check.Equals, s.model.Dispersion.Trend)

	_, err = ParseTransformMethod("rlog")
	c.Check(err, check.ErrorMatches, `unknown transformation "rlog".*`)
}

func (s *analysisSuite) TestPCASeparatesGroups(c *check.C) {
	opts := DefaultSimulateOptions()
	opts.Factors = []SimFactor{{Name: "group", Levels: []string{"A", "B"}}}
	opts.Replicates = 4
	opts.Genes = 500
	opts.BetaSD = 3
	opts.InterceptMean = 7
	opts.InterceptSD = 1
	opts.Seed = 7
	sim, err := Simulate(opts)
	c.Assert(err, check.IsNil)
	tr, err := Transform(sim.Data, TransformVST, DefaultFitOptions())
	c.Assert(err, check.IsNil)
	res, err := PCA(tr, sim.Data.Samples, PCAOptions{NTop: 200, Groups: []string{"group"}})
	c.Assert(err, check.IsNil)
	rows, cols := res.Coords.Dims()
	c.Check(rows, check.Equals, 8)
	c.Check(cols, check.Equals, 2)
	c.Check(res.Genes, check.HasLen, 200)
	c.Check(res.PercentVar[0] > res.PercentVar[1], check.Equals, true)
	c.Check(res.PercentVar[0] > 50, check.Equals, true)

	minA, maxA := math.Inf(1), math.Inf(-1)
	minB, maxB := math.Inf(1), math.Inf(-1)
	for i, g := range res.Groups {
		x := res.Coords.At(i, 0)
		if g == "A" {
			minA, maxA = math.Min(minA, x), math.Max(maxA, x)
		} else {
			c.Check(g, check.Equals, "B")
			minB, maxB = math.Min(minB, x), math.Max(maxB, x)
		}
	}
	c.Check(maxA < minB || maxB < minA, check.Equals, true)

	_, err = PCA(tr, sim.Data.Samples, PCAOptions{Groups: []string{"batch"}})
	c.Check(err, check.ErrorMatches, `group column "batch" not in sample table.*`)
}
