// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"gopkg.in/check.v1"
)

type formulaSuite struct{}

var _ = check.Suite(&formulaSuite{})

func (s *formulaSuite) TestParse(c *check.C) {
	for _, trial := range []struct {
		in        string
		out       string
		intercept bool
		terms     int
	}{
		{"~ cell + status", "~ cell + status", true, 2},
		{"cell+status", "~ cell + status", true, 2},
		{"~ cell * status", "~ cell + status + cell:status", true, 3},
		{"~ cell:status + cell", "~ cell + cell:status", true, 2},
		{"~ 0 + cell", "~ 0 + cell", false, 1},
		{"~ cell - 1", "~ 0 + cell", false, 1},
		{"~ 1", "~ 1", true, 0},
		{"~ status + status", "~ status", true, 1},
		{"~ a * b * c", "~ a + b + c + a:b + a:c + b:c + a:b:c", true, 7},
		{"~ batch.id + dex_1", "~ batch.id + dex_1", true, 2},
	} {
		f, err := ParseFormula(trial.in)
		if !c.Check(err, check.IsNil, check.Commentf("%q", trial.in)) {
			continue
		}
		c.Check(f.String(), check.Equals, trial.out)
		c.Check(f.Intercept, check.Equals, trial.intercept)
		c.Check(f.Terms, check.HasLen, trial.terms)
	}
	c.Check(MustParseFormula("~ cell * status").Variables(), check.DeepEquals, []string{"cell", "status"})
}

func (s *formulaSuite) TestParseErrors(c *check.C) {
	for _, in := range []string{
		"",
		"~",
		"~ cell +",
		"~ cell - status",
		"~ + cell",
		"~ cell status",
		"~ cell + (status)",
		"~ 0",
		"~ cell:2",
	} {
		_, err := ParseFormula(in)
		c.Check(err, check.NotNil, check.Commentf("%q", in))
	}
}
