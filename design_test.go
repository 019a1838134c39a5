// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"errors"
	"fmt"

	"gopkg.in/check.v1"
)

type designSuite struct{}

var _ = check.Suite(&designSuite{})

// airwayLike returns 4 cell lines x 2 treatments x 2 replicates.
func airwayLike(c *check.C) *SampleTable {
	var ids, cell, status, age []string
	for i, cl := range []string{"N61311", "N052611", "N080611", "N061011"} {
		for _, st := range []string{"untrt", "trt"} {
			for rep := 0; rep < 2; rep++ {
				ids = append(ids, fmt.Sprintf("SRR%d", 1039508+len(ids)))
				cell = append(cell, cl)
				status = append(status, st)
				age = append(age, fmt.Sprintf("%d", 30+i*3+rep))
			}
		}
	}
	st, err := NewSampleTable("run", ids)
	c.Assert(err, check.IsNil)
	c.Assert(st.AddColumn("cell", cell), check.IsNil)
	c.Assert(st.AddColumn("status", status), check.IsNil)
	c.Assert(st.AddColumn("age", age), check.IsNil)
	return st
}

func (s *designSuite) TestMainEffects(c *check.C) {
	st := airwayLike(c)
	d, err := NewDesign(MustParseFormula("~ cell + status"), st)
	c.Assert(err, check.IsNil)
	m, p := d.Dims()
	c.Check(m, check.Equals, 16)
	c.Check(p, check.Equals, 5)
	c.Check(d.Coefficients, check.DeepEquals, []string{
		"Intercept",
		"cell_N061011_vs_N052611",
		"cell_N080611_vs_N052611",
		"cell_N61311_vs_N052611",
		"status_untrt_vs_trt",
	})
	c.Check(d.Levels["status"], check.DeepEquals, []string{"trt", "untrt"})
	c.Check(d.Intercept(), check.Equals, 0)
	// first sample is N61311 untrt
	c.Check(d.Matrix.RawRowView(0), check.DeepEquals, []float64{1, 0, 0, 1, 1})
	for _, n := range d.CellSizes() {
		c.Check(n, check.Equals, 2)
	}

	c.Assert(st.Relevel("status", "untrt"), check.IsNil)
	d, err = NewDesign(MustParseFormula("~ cell + status"), st)
	c.Assert(err, check.IsNil)
	c.Check(d.Coefficients[4], check.Equals, "status_trt_vs_untrt")
	c.Check(d.Matrix.RawRowView(0), check.DeepEquals, []float64{1, 0, 0, 1, 0})
}

func (s *designSuite) TestInteraction(c *check.C) {
	st := airwayLike(c)
	d, err := NewDesign(MustParseFormula("~ cell * status"), st)
	c.Assert(err, check.IsNil)
	_, p := d.Dims()
	c.Check(p, check.Equals, 8)
	c.Check(d.Coefficients[5:], check.DeepEquals, []string{
		"cellN061011.statusuntrt",
		"cellN080611.statusuntrt",
		"cellN61311.statusuntrt",
	})
	c.Check(d.Matrix.RawRowView(0), check.DeepEquals, []float64{1, 0, 0, 1, 1, 0, 0, 1})
}

func (s *designSuite) TestNoInterceptAndNumeric(c *check.C) {
	st := airwayLike(c)
	d, err := NewDesign(MustParseFormula("~ 0 + status + cell"), st)
	c.Assert(err, check.IsNil)
	c.Check(d.Intercept(), check.Equals, -1)
	c.Check(d.Coefficients[:2], check.DeepEquals, []string{"statustrt", "statusuntrt"})
	_, p := d.Dims()
	c.Check(p, check.Equals, 5)

	d, err = NewDesign(MustParseFormula("~ age + status"), st)
	c.Assert(err, check.IsNil)
	c.Check(d.Coefficients, check.DeepEquals, []string{"Intercept", "age", "status_untrt_vs_trt"})
	c.Check(d.Matrix.At(1, 1), check.Equals, 31.0)

	c.Assert(st.SetFactor("age"), check.IsNil)
	d, err = NewDesign(MustParseFormula("~ age"), st)
	c.Assert(err, check.IsNil)
	_, p = d.Dims()
	c.Check(p, check.Equals, 8)
}

func (s *designSuite) TestDesignErrors(c *check.C) {
	st := airwayLike(c)
	cell, _ := st.Column("cell")
	c.Assert(st.AddColumn("batch", cell), check.IsNil)
	c.Assert(st.AddColumn("constant", make([]string, st.Len())), check.IsNil)
	for _, trial := range []struct {
		formula string
		err     string
	}{
		{"~ cell + batch", `.*not full rank.*`},
		{"~ constant", `.*factor "constant" has fewer than two levels.*`},
		{"~ sex", `.*variable "sex" is not a sample table column.*`},
	} {
		_, err := NewDesign(MustParseFormula(trial.formula), st)
		c.Check(err, check.ErrorMatches, trial.err)
	}
}

func (s *designSuite) TestContrasts(c *check.C) {
	st := airwayLike(c)
	d, err := NewDesign(MustParseFormula("~ cell + status"), st)
	c.Assert(err, check.IsNil)

	vec, err := d.ContrastVector(Contrast{Factor: "cell", Numerator: "N061011", Denominator: "N080611"})
	c.Assert(err, check.IsNil)
	c.Check(vec, check.DeepEquals, []float64{0, 1, -1, 0, 0})
	vec, err = d.ContrastVector(Contrast{Factor: "cell", Numerator: "N052611", Denominator: "N61311"})
	c.Assert(err, check.IsNil)
	c.Check(vec, check.DeepEquals, []float64{0, 0, 0, -1, 0})
	vec, err = d.ContrastVector(Contrast{})
	c.Assert(err, check.IsNil)
	c.Check(vec, check.DeepEquals, []float64{0, 0, 0, 0, 1})

	byName, err := d.resolveContrast(Contrast{Name: "status_untrt_vs_trt"})
	c.Assert(err, check.IsNil)
	byPair, err := d.resolveContrast(Contrast{Factor: "status", Numerator: "untrt", Denominator: "trt"})
	c.Assert(err, check.IsNil)
	c.Check(byName, check.DeepEquals, byPair)
	c.Check(byName.label, check.Equals, "status untrt vs trt")
	c.Check(byName.numSamples, check.HasLen, 8)

	// a numeric vector equal to a level pair picks up the pair's samples
	cellPair, err := d.resolveContrast(Contrast{Factor: "cell", Numerator: "N061011", Denominator: "N080611"})
	c.Assert(err, check.IsNil)
	byVector, err := d.resolveContrast(Contrast{Vector: []float64{0, 1, -1, 0, 0}})
	c.Assert(err, check.IsNil)
	c.Check(byVector.vector, check.DeepEquals, cellPair.vector)
	c.Check(byVector.numSamples, check.DeepEquals, []int{12, 13, 14, 15})
	c.Check(byVector.denSamples, check.DeepEquals, []int{8, 9, 10, 11})
	c.Check(byVector.numSamples, check.DeepEquals, cellPair.numSamples)
	c.Check(byVector.denSamples, check.DeepEquals, cellPair.denSamples)
	byVector, err = d.resolveContrast(Contrast{Vector: []float64{0, 0, 0, -1, 0}})
	c.Assert(err, check.IsNil)
	c.Check(byVector.numSamples, check.HasLen, 4)
	c.Check(byVector.denSamples, check.HasLen, 4)
	byVector, err = d.resolveContrast(Contrast{Vector: []float64{0, 1, 1, 0, 0}})
	c.Assert(err, check.IsNil)
	c.Check(byVector.numSamples, check.IsNil)
	c.Check(byVector.denSamples, check.IsNil)

	c.Check(Contrast{}.IsZero(), check.Equals, true)
	c.Check(Contrast{Denominator: "trt"}.IsZero(), check.Equals, false)
	c.Check(Contrast{Vector: []float64{}}.IsZero(), check.Equals, false)

	for _, trial := range []struct {
		contrast Contrast
		err      string
	}{
		{Contrast{Name: "cell_X_vs_Y"}, `no coefficient "cell_X_vs_Y".*`},
		{Contrast{Factor: "cell", Numerator: "N061011", Denominator: "N061011"}, `contrast levels must differ.*`},
		{Contrast{Factor: "cell", Numerator: "N061011", Denominator: "HeLa"}, `"HeLa" is not a level of "cell".*`},
		{Contrast{Factor: "age", Numerator: "30", Denominator: "31"}, `"age" is not a factor.*`},
		{Contrast{Vector: []float64{0, 1}}, `numeric contrast has 2 elements, design has 5 coefficients.*`},
		{Contrast{Numerator: "trt"}, `contrast levels "trt" and "" given without a factor`},
	} {
		_, err := d.ContrastVector(trial.contrast)
		c.Check(err, check.ErrorMatches, trial.err)
	}
}

func (s *designSuite) TestParseContrast(c *check.C) {
	ct, err := ParseContrast("status_trt_vs_untrt")
	c.Check(err, check.IsNil)
	c.Check(ct, check.DeepEquals, Contrast{Name: "status_trt_vs_untrt"})
	ct, err = ParseContrast("cell,N061011,N080611")
	c.Check(err, check.IsNil)
	c.Check(ct, check.DeepEquals, Contrast{Factor: "cell", Numerator: "N061011", Denominator: "N080611"})
	ct, err = ParseContrast("0, 1,-1")
	c.Check(err, check.IsNil)
	c.Check(ct.Vector, check.DeepEquals, []float64{0, 1, -1})
	_, err = ParseContrast("cell,N061011")
	c.Check(err, check.ErrorMatches, `cannot parse contrast.*`)
}

func (s *designSuite) TestNested(c *check.C) {
	st := airwayLike(c)
	full, err := NewDesign(MustParseFormula("~ cell + status"), st)
	c.Assert(err, check.IsNil)
	for _, f := range []string{"~ cell", "~ status", "~ 1"} {
		reduced, err := NewDesign(MustParseFormula(f), st)
		c.Assert(err, check.IsNil)
		c.Check(reduced.NestedIn(full), check.IsNil, check.Commentf("%s", f))
	}
	reduced, err := NewDesign(MustParseFormula("~ 0 + cell"), st)
	c.Assert(err, check.IsNil)
	err = reduced.NestedIn(full)
	c.Check(errors.Is(err, ErrNotNested), check.Equals, true)
	bigger, err := NewDesign(MustParseFormula("~ cell * status"), st)
	c.Assert(err, check.IsNil)
	c.Check(errors.Is(bigger.NestedIn(full), ErrNotNested), check.Equals, true)
}
