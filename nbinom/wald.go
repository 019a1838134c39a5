// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nbinom

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// AltHypothesis selects the alternative of a thresholded Wald test.
type AltHypothesis string

const (
	GreaterAbs AltHypothesis = "greaterAbs" // |LFC| > T
	LessAbs    AltHypothesis = "lessAbs"    // |LFC| < T
	Greater    AltHypothesis = "greater"    // LFC > T
	Less       AltHypothesis = "less"       // LFC < -T
)

var ErrInvalidAltHypothesis = errors.New(`alternative hypothesis must be one of "greaterAbs", "lessAbs", "greater", "less"`)

func ParseAltHypothesis(s string) (AltHypothesis, error) {
	switch AltHypothesis(s) {
	case "":
		return GreaterAbs, nil
	case GreaterAbs, LessAbs, Greater, Less:
		return AltHypothesis(s), nil
	}
	return "", fmt.Errorf("%w (got %q)", ErrInvalidAltHypothesis, s)
}

// upper tail of the standard normal
func pnormUpper(z float64) float64 {
	return distuv.UnitNormal.Survival(z)
}

// WaldTest returns the test statistic and p-value for a log2 fold
// change lfc with standard error se against threshold t >= 0.
func WaldTest(lfc, se, t float64, alt AltHypothesis) (stat, p float64) {
	if math.IsNaN(lfc) || math.IsNaN(se) {
		return math.NaN(), math.NaN()
	}
	switch alt {
	case GreaterAbs:
		stat = math.Copysign(math.Max(math.Abs(lfc)-t, 0)/se, lfc)
		if lfc == 0 {
			stat = 0
		}
		p = math.Min(1, 2*pnormUpper((math.Abs(lfc)-t)/se))
	case LessAbs:
		above := (t - lfc) / se
		below := (lfc + t) / se
		if above < below {
			stat = above
		} else {
			stat = below
		}
		p = math.Max(pnormUpper(above), pnormUpper(below))
		if t == 0 {
			p = 1
		}
	case Greater:
		p = pnormUpper((lfc - t) / se)
		stat = math.Max((lfc-t)/se, 0)
	case Less:
		stat = math.Min((lfc+t)/se, 0)
		p = pnormUpper(-(lfc + t) / se)
	default:
		return math.NaN(), math.NaN()
	}
	return stat, p
}

// LRTPvalue returns the chi-squared upper tail probability of the
// likelihood ratio statistic with df degrees of freedom. With df == 0
// the models are identical and the p-value is 1.
func LRTPvalue(stat float64, df int) float64 {
	if df == 0 {
		return 1
	}
	if math.IsNaN(stat) {
		return math.NaN()
	}
	return distuv.ChiSquared{K: float64(df)}.Survival(stat)
}
