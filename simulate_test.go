// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"bytes"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type simulateSuite struct{}

var _ = check.Suite(&simulateSuite{})

func (s *simulateSuite) TestLayout(c *check.C) {
	opts := DefaultSimulateOptions()
	opts.Factors = []SimFactor{
		{Name: "cell", Levels: []string{"c1", "c2"}},
		{Name: "status", Levels: []string{"untrt", "trt"}},
	}
	opts.Replicates = 3
	opts.Genes = 20
	opts.BetaSD = 1
	opts.Seed = 42
	sim, err := Simulate(opts)
	c.Assert(err, check.IsNil)
	c.Check(sim.Coefficients, check.DeepEquals, []string{"Intercept", "cell_c2_vs_c1", "status_trt_vs_untrt"})
	c.Check(sim.Data.Samples.Len(), check.Equals, 12)
	c.Check(sim.Data.Samples.IDs[:2], check.DeepEquals, []string{"sample1", "sample2"})
	status, _ := sim.Data.Samples.Column("status")
	c.Check(status[:6], check.DeepEquals, []string{"untrt", "untrt", "untrt", "trt", "trt", "trt"})
	// given level order is kept, not sorted
	c.Check(sim.Data.Samples.Levels("status"), check.DeepEquals, []string{"untrt", "trt"})
	genes, samples := sim.Data.Counts.Counts.Dims()
	c.Check(genes, check.Equals, 20)
	c.Check(samples, check.Equals, 12)
	c.Check(sim.Data.Counts.Genes[19], check.Equals, "gene20")

	// true coefficients line up with the design built from the table
	design, err := NewDesign(MustParseFormula("~ cell + status"), sim.Data.Samples)
	c.Assert(err, check.IsNil)
	c.Check(design.Coefficients, check.DeepEquals, sim.Coefficients)

	for g := 0; g < genes; g++ {
		for i := 0; i < samples; i++ {
			v := sim.Data.Counts.Counts.At(g, i)
			c.Check(v >= 0 && v == float64(int64(v)), check.Equals, true)
		}
	}

	again, err := Simulate(opts)
	c.Assert(err, check.IsNil)
	c.Check(mat.Equal(again.Data.Counts.Counts, sim.Data.Counts.Counts), check.Equals, true)
	opts.Seed++
	other, err := Simulate(opts)
	c.Assert(err, check.IsNil)
	c.Check(mat.Equal(other.Data.Counts.Counts, sim.Data.Counts.Counts), check.Equals, false)
}

func (s *simulateSuite) TestNoEffect(c *check.C) {
	opts := DefaultSimulateOptions()
	opts.Genes = 5
	sim, err := Simulate(opts)
	c.Assert(err, check.IsNil)
	for g := 0; g < 5; g++ {
		c.Check(sim.Beta.At(g, 1), check.Equals, 0.0)
	}
}

func (s *simulateSuite) TestErrors(c *check.C) {
	for _, trial := range []struct {
		modify func(*SimulateOptions)
		err    string
	}{
		{func(o *SimulateOptions) { o.Factors = nil }, `no factors to simulate`},
		{func(o *SimulateOptions) { o.Replicates = 0 }, `need at least one replicate.*`},
		{func(o *SimulateOptions) { o.Factors[0].Levels = []string{"A"} }, `factor "condition" needs at least two levels`},
		{func(o *SimulateOptions) { o.SizeFactors = []float64{1, 2} }, `got 2 size factors for 12 samples`},
	} {
		opts := DefaultSimulateOptions()
		opts.Factors = []SimFactor{{Name: "condition", Levels: []string{"A", "B"}}}
		trial.modify(&opts)
		_, err := Simulate(opts)
		c.Check(err, check.ErrorMatches, trial.err)
	}
}

func (s *simulateSuite) TestWriteSampleTable(c *check.C) {
	opts := DefaultSimulateOptions()
	opts.Replicates = 2
	opts.Genes = 1
	sim, err := Simulate(opts)
	c.Assert(err, check.IsNil)
	var buf bytes.Buffer
	c.Assert(WriteSampleTable(&buf, sim.Data.Samples), check.IsNil)
	c.Check(buf.String(), check.Equals, "sample\tcondition\nsample1\tA\nsample2\tA\nsample3\tB\nsample4\tB\n")

	st, err := ReadSampleTable(&buf, "")
	c.Assert(err, check.IsNil)
	c.Check(fmt.Sprint(st.IDs), check.Equals, fmt.Sprint(sim.Data.Samples.IDs))
}
