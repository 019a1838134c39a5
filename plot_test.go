// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"bytes"
	"math"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type plotSuite struct{}

var _ = check.Suite(&plotSuite{})

const pngMagic = "\x89PNG"

func (s *plotSuite) TestPlotMA(c *check.C) {
	var rows []ResultRow
	for i := 0; i < 50; i++ {
		padj := 0.5
		if i%5 == 0 {
			padj = 0.01
		}
		rows = append(rows, ResultRow{
			Gene:           "g",
			BaseMean:       float64(i*i + 1),
			Log2FoldChange: math.Sin(float64(i)) * 3,
			Padj:           padj,
		})
	}
	rows = append(rows, ResultRow{Gene: "zero", BaseMean: 0, Log2FoldChange: math.NaN(), Padj: math.NaN()})
	var buf bytes.Buffer
	c.Assert(PlotMA(&buf, rows, 0.1), check.IsNil)
	c.Check(buf.String()[:4], check.Equals, pngMagic)

	buf.Reset()
	err := PlotMA(&buf, rows[50:], 0.1)
	c.Check(err, check.ErrorMatches, `nothing to plot`)
}

func (s *plotSuite) TestPlotPCA(c *check.C) {
	res := &PCAResult{
		Samples:    []string{"S1", "S2", "S3", "S4", "S5", "S6"},
		Groups:     []string{"trt", "trt", "trt", "untrt", "untrt", "untrt"},
		Coords:     mat.NewDense(6, 2, []float64{-3, 1, -2.5, -0.5, -3.2, 0.2, 2.9, 0.7, 3.1, -1, 2.7, 0.4}),
		PercentVar: []float64{88, 7},
	}
	var buf bytes.Buffer
	c.Assert(PlotPCA(&buf, res, 0, 1), check.IsNil)
	c.Check(buf.String()[:4], check.Equals, pngMagic)

	c.Check(PlotPCA(&buf, res, 0, 2), check.ErrorMatches, `cannot plot components 1 and 3 of 2`)
}
