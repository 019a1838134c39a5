// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var ErrNotNested = errors.New("reduced model is not nested in full model")

// InterceptName is the name of the intercept coefficient.
const InterceptName = "Intercept"

// Design is a samples x coefficients model matrix built from a
// formula and a sample table.
type Design struct {
	Formula      *Formula
	Matrix       *mat.Dense
	Coefficients []string
	// Levels of each factor variable, reference first.
	Levels map[string][]string

	intercept int
	coefIndex map[string]int
	// main effect column of each factor level
	levelCoef map[string]map[string]int
	// factor and level of each main effect column, only for
	// treatment-coded (non-reference) levels
	coefLevel map[int][2]string
	values    map[string][]string
}

type designColumn struct {
	name   string
	values []float64
}

// NewDesign builds the design matrix for formula f. Factor levels
// (and so the reference level) are taken from st at call time.
func NewDesign(f *Formula, st *SampleTable) (*Design, error) {
	m := st.Len()
	d := &Design{
		Formula:   f,
		Levels:    map[string][]string{},
		intercept: -1,
		coefIndex: map[string]int{},
		levelCoef: map[string]map[string]int{},
		coefLevel: map[int][2]string{},
		values:    map[string][]string{},
	}
	numeric := map[string][]float64{}
	for _, v := range f.Variables() {
		vals, ok := st.Column(v)
		if !ok {
			return nil, fmt.Errorf("formula %s: variable %q is not a sample table column (columns: %q)", f, v, st.Columns())
		}
		d.values[v] = vals
		if st.IsNumeric(v) {
			x := make([]float64, m)
			for i, s := range vals {
				x[i], _ = strconv.ParseFloat(s, 64)
			}
			numeric[v] = x
			continue
		}
		present := map[string]bool{}
		for _, s := range vals {
			present[s] = true
		}
		var levels []string
		for _, lv := range st.Levels(v) {
			if present[lv] {
				levels = append(levels, lv)
			}
		}
		if len(levels) < 2 {
			return nil, fmt.Errorf("formula %s: factor %q has fewer than two levels (%q)", f, v, levels)
		}
		d.Levels[v] = levels
		d.levelCoef[v] = map[string]int{}
	}

	var cols []designColumn
	if f.Intercept {
		ones := make([]float64, m)
		for i := range ones {
			ones[i] = 1
		}
		cols = append(cols, designColumn{InterceptName, ones})
	}
	fullCoding := !f.Intercept
	for _, t := range f.Terms {
		type piece struct {
			factor, level string
			name          string
			values        []float64
			treatment     bool
		}
		var pieces [][]piece
		for _, v := range t {
			if x, ok := numeric[v]; ok {
				pieces = append(pieces, []piece{{name: v, values: x}})
				continue
			}
			levels := d.Levels[v]
			coded := levels[1:]
			full := fullCoding && len(t) == 1
			if full {
				coded = levels
				fullCoding = false
			}
			var ps []piece
			for _, lv := range coded {
				x := make([]float64, m)
				for i, s := range d.values[v] {
					if s == lv {
						x[i] = 1
					}
				}
				p := piece{factor: v, level: lv, name: v + lv, values: x}
				if len(t) == 1 && !full {
					p.name = v + "_" + lv + "_vs_" + levels[0]
					p.treatment = true
				}
				ps = append(ps, p)
			}
			pieces = append(pieces, ps)
		}
		// cartesian product of the pieces of each variable
		combos := [][]piece{nil}
		for _, ps := range pieces {
			var next [][]piece
			for _, combo := range combos {
				for _, p := range ps {
					next = append(next, append(append([]piece(nil), combo...), p))
				}
			}
			combos = next
		}
		for _, combo := range combos {
			names := make([]string, len(combo))
			x := make([]float64, m)
			for i := range x {
				x[i] = 1
			}
			for k, p := range combo {
				names[k] = p.name
				for i := range x {
					x[i] *= p.values[i]
				}
			}
			if len(combo) == 1 && combo[0].factor != "" {
				idx := len(cols)
				d.levelCoef[combo[0].factor][combo[0].level] = idx
				if combo[0].treatment {
					d.coefLevel[idx] = [2]string{combo[0].factor, combo[0].level}
				}
			}
			cols = append(cols, designColumn{strings.Join(names, "."), x})
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("formula %s has no coefficients", f)
	}

	d.Matrix = mat.NewDense(m, len(cols), nil)
	for k, col := range cols {
		if _, dup := d.coefIndex[col.name]; dup {
			return nil, fmt.Errorf("formula %s: duplicate coefficient name %q", f, col.name)
		}
		d.coefIndex[col.name] = k
		d.Coefficients = append(d.Coefficients, col.name)
		d.Matrix.SetCol(k, col.values)
	}
	if f.Intercept {
		d.intercept = 0
	}
	if rank := matrixRank(d.Matrix); rank < len(cols) {
		return nil, fmt.Errorf("formula %s: design matrix is not full rank (rank %d, %d coefficients %q); some coefficients are linear combinations of others", f, rank, len(cols), d.Coefficients)
	}
	return d, nil
}

func matrixRank(x *mat.Dense) int {
	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDNone) {
		return 0
	}
	s := svd.Values(nil)
	if len(s) == 0 {
		return 0
	}
	m, p := x.Dims()
	tol := s[0] * float64(max(m, p)) * 2.220446049250313e-16
	rank := 0
	for _, v := range s {
		if v > tol {
			rank++
		}
	}
	return rank
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (d *Design) Dims() (samples, coefficients int) { return d.Matrix.Dims() }

// CoefIndex returns the column of the named coefficient.
func (d *Design) CoefIndex(name string) (int, bool) {
	k, ok := d.coefIndex[name]
	return k, ok
}

// Intercept returns the intercept column, or -1.
func (d *Design) Intercept() int { return d.intercept }

// NestedIn returns an error wrapping ErrNotNested unless every
// coefficient of d is also a coefficient of full.
func (d *Design) NestedIn(full *Design) error {
	var missing []string
	for _, name := range d.Coefficients {
		if _, ok := full.coefIndex[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: coefficients %q of %s are not in %s", ErrNotNested, missing, d.Formula, full.Formula)
	}
	return nil
}

// CellSizes returns, for each sample, the number of samples sharing
// its design matrix row.
func (d *Design) CellSizes() []int {
	m, p := d.Matrix.Dims()
	keys := make([]string, m)
	count := map[string]int{}
	for i := range keys {
		var sb strings.Builder
		for k := 0; k < p; k++ {
			fmt.Fprintf(&sb, "%g,", d.Matrix.At(i, k))
		}
		keys[i] = sb.String()
		count[keys[i]]++
	}
	sizes := make([]int, m)
	for i, k := range keys {
		sizes[i] = count[k]
	}
	return sizes
}

// Contrast selects the quantity to test: a coefficient name, a pair
// of levels of one factor, or a numeric vector over coefficients.
// Exactly one form should be set.
type Contrast struct {
	Name        string
	Factor      string
	Numerator   string
	Denominator string
	Vector      []float64
}

// IsZero reports whether no form of c is set. The zero Contrast
// denotes the last coefficient.
func (c Contrast) IsZero() bool {
	return c.Name == "" && c.Factor == "" && c.Numerator == "" && c.Denominator == "" && c.Vector == nil
}

type resolvedContrast struct {
	vector []float64
	label  string
	// sample indices of the two groups of a level-pair contrast
	numSamples, denSamples []int
}

func (d *Design) resolveContrast(c Contrast) (*resolvedContrast, error) {
	_, p := d.Matrix.Dims()
	switch {
	case c.Vector != nil:
		if c.Name != "" || c.Factor != "" {
			return nil, errors.New("contrast must be a coefficient name, a level pair, or a numeric vector, not several")
		}
		if len(c.Vector) != p {
			return nil, fmt.Errorf("numeric contrast has %d elements, design has %d coefficients %q", len(c.Vector), p, d.Coefficients)
		}
		var parts []string
		for k, v := range c.Vector {
			if v != 0 {
				parts = append(parts, fmt.Sprintf("%+g %s", v, d.Coefficients[k]))
			}
		}
		rc := &resolvedContrast{
			vector: append([]float64(nil), c.Vector...),
			label:  strings.Join(parts, " "),
		}
		if factor, num, den, ok := d.levelPair(c.Vector); ok {
			rc.numSamples = d.levelSamples(factor, num)
			rc.denSamples = d.levelSamples(factor, den)
		}
		return rc, nil
	case c.Name != "":
		if c.Factor != "" {
			return nil, errors.New("contrast must be a coefficient name, a level pair, or a numeric vector, not several")
		}
		k, ok := d.coefIndex[c.Name]
		if !ok {
			return nil, fmt.Errorf("no coefficient %q in design (coefficients: %q)", c.Name, d.Coefficients)
		}
		if fl, ok := d.coefLevel[k]; ok {
			return d.resolveContrast(Contrast{Factor: fl[0], Numerator: fl[1], Denominator: d.Levels[fl[0]][0]})
		}
		vec := make([]float64, p)
		vec[k] = 1
		return &resolvedContrast{vector: vec, label: c.Name}, nil
	case c.Factor != "":
		levels, ok := d.Levels[c.Factor]
		if !ok {
			return nil, fmt.Errorf("%q is not a factor in design %s", c.Factor, d.Formula)
		}
		if len(d.levelCoef[c.Factor]) == 0 {
			return nil, fmt.Errorf("factor %q has no main effect in design %s", c.Factor, d.Formula)
		}
		if c.Numerator == c.Denominator {
			return nil, fmt.Errorf("contrast levels must differ (both %q)", c.Numerator)
		}
		vec := make([]float64, p)
		for _, side := range []struct {
			level string
			sign  float64
		}{{c.Numerator, 1}, {c.Denominator, -1}} {
			found := false
			for _, lv := range levels {
				if lv == side.level {
					found = true
				}
			}
			if !found {
				return nil, fmt.Errorf("%q is not a level of %q (levels: %q)", side.level, c.Factor, levels)
			}
			if k, ok := d.levelCoef[c.Factor][side.level]; ok {
				vec[k] += side.sign
			}
		}
		return &resolvedContrast{
			vector:     vec,
			label:      fmt.Sprintf("%s %s vs %s", c.Factor, c.Numerator, c.Denominator),
			numSamples: d.levelSamples(c.Factor, c.Numerator),
			denSamples: d.levelSamples(c.Factor, c.Denominator),
		}, nil
	case c.IsZero():
		if p == 0 {
			return nil, errors.New("design has no coefficients")
		}
		return d.resolveContrast(Contrast{Name: d.Coefficients[p-1]})
	}
	return nil, fmt.Errorf("contrast levels %q and %q given without a factor", c.Numerator, c.Denominator)
}

func (d *Design) levelSamples(factor, level string) []int {
	var idx []int
	for i, v := range d.values[factor] {
		if v == level {
			idx = append(idx, i)
		}
	}
	return idx
}

// levelPair returns the factor and levels whose level-pair contrast
// has exactly the weights vec, if there is one.
func (d *Design) levelPair(vec []float64) (factor, num, den string, ok bool) {
	factors := make([]string, 0, len(d.levelCoef))
	for f, coefs := range d.levelCoef {
		if len(coefs) > 0 {
			factors = append(factors, f)
		}
	}
	sort.Strings(factors)
	for _, f := range factors {
		levels := d.Levels[f]
		for _, a := range levels {
			for _, b := range levels {
				if a == b {
					continue
				}
				pair := make([]float64, len(vec))
				if k, ok := d.levelCoef[f][a]; ok {
					pair[k]++
				}
				if k, ok := d.levelCoef[f][b]; ok {
					pair[k]--
				}
				if floats.Equal(pair, vec) {
					return f, a, b, true
				}
			}
		}
	}
	return "", "", "", false
}

// ContrastVector returns the numeric weights over coefficients that
// c denotes. The zero Contrast denotes the last coefficient.
func (d *Design) ContrastVector(c Contrast) ([]float64, error) {
	rc, err := d.resolveContrast(c)
	if err != nil {
		return nil, err
	}
	return rc.vector, nil
}

// ParseContrast parses "name", "factor,numerator,denominator", or a
// comma-separated numeric vector.
func ParseContrast(s string) (Contrast, error) {
	if s == "" {
		return Contrast{}, nil
	}
	fields := strings.Split(s, ",")
	if len(fields) == 1 {
		return Contrast{Name: s}, nil
	}
	vec := make([]float64, len(fields))
	numeric := true
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil || math.IsNaN(v) {
			numeric = false
			break
		}
		vec[i] = v
	}
	if numeric {
		return Contrast{Vector: vec}, nil
	}
	if len(fields) != 3 {
		return Contrast{}, fmt.Errorf("cannot parse contrast %q: expected name, factor,numerator,denominator, or numeric vector", s)
	}
	return Contrast{Factor: fields[0], Numerator: fields[1], Denominator: fields[2]}, nil
}
