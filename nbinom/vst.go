// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nbinom

import "math"

// VST returns the variance stabilizing transformation of a normalized
// count q under the dispersion trend t. The result is on a log2-like
// scale.
func (t Trend) VST(q float64) float64 {
	a0 := t.Asympt
	if t.Type == FitMean {
		return (2*math.Asinh(math.Sqrt(a0*q)) - math.Log(a0) - math.Log(4)) / math.Ln2
	}
	a1 := t.ExtraPois
	return math.Log2((1 + a1 + 2*a0*q + 2*math.Sqrt(a0*q*(1+a1+a0*q))) / (4 * a0))
}
