// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Term is a main effect (one variable) or an interaction (several).
type Term []string

func (t Term) String() string { return strings.Join(t, ":") }

func (t Term) key() string {
	s := append([]string(nil), t...)
	sort.Strings(s)
	return strings.Join(s, ":")
}

// Formula is a parsed model formula such as "~ cell + status".
type Formula struct {
	Intercept bool
	Terms     []Term
}

// Intercept-only formula, used for blind transformations.
var interceptOnly = &Formula{Intercept: true}

func (f *Formula) String() string {
	var parts []string
	if !f.Intercept {
		parts = append(parts, "0")
	}
	for _, t := range f.Terms {
		parts = append(parts, t.String())
	}
	if len(parts) == 0 {
		return "~ 1"
	}
	return "~ " + strings.Join(parts, " + ")
}

// Variables returns the distinct variables in order of appearance.
func (f *Formula) Variables() []string {
	var vars []string
	seen := map[string]bool{}
	for _, t := range f.Terms {
		for _, v := range t {
			if !seen[v] {
				seen[v] = true
				vars = append(vars, v)
			}
		}
	}
	return vars
}

type formulaToken struct {
	kind byte // 'v' variable, 'n' number, or the operator itself
	text string
}

func tokenizeFormula(s string) ([]formulaToken, error) {
	var toks []formulaToken
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case strings.ContainsRune("~+-:*", r):
			toks = append(toks, formulaToken{kind: byte(r), text: string(r)})
			i++
		case unicode.IsDigit(r):
			j := i
			for j < len(rs) && unicode.IsDigit(rs[j]) {
				j++
			}
			toks = append(toks, formulaToken{kind: 'n', text: string(rs[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_' || r == '.':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.') {
				j++
			}
			toks = append(toks, formulaToken{kind: 'v', text: string(rs[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q in formula %q", r, s)
		}
	}
	return toks, nil
}

// ParseFormula parses a right-hand-side model formula. Supported:
// "+" to add terms, ":" for interactions, "*" for main effects plus
// all interactions, and "0 +" or "- 1" to drop the intercept.
func ParseFormula(s string) (*Formula, error) {
	toks, err := tokenizeFormula(s)
	if err != nil {
		return nil, err
	}
	if len(toks) > 0 && toks[0].kind == '~' {
		toks = toks[1:]
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty formula %q", s)
	}
	f := &Formula{Intercept: true}
	seen := map[string]bool{}
	addTerm := func(t Term) {
		if !seen[t.key()] {
			seen[t.key()] = true
			f.Terms = append(f.Terms, t)
		}
	}

	sign := byte('+')
	for pos := 0; pos < len(toks); {
		// one summand: factor {(:|*) factor}
		var factors []formulaToken
		var ops []byte
		for {
			if pos >= len(toks) || (toks[pos].kind != 'v' && toks[pos].kind != 'n') {
				return nil, fmt.Errorf("syntax error in formula %q", s)
			}
			factors = append(factors, toks[pos])
			pos++
			if pos < len(toks) && (toks[pos].kind == ':' || toks[pos].kind == '*') {
				ops = append(ops, toks[pos].kind)
				pos++
				continue
			}
			break
		}
		if len(factors) == 1 && factors[0].kind == 'n' {
			switch {
			case factors[0].text == "0" && sign == '+':
				f.Intercept = false
			case factors[0].text == "1" && sign == '+':
				f.Intercept = true
			case factors[0].text == "1" && sign == '-':
				f.Intercept = false
			default:
				return nil, fmt.Errorf("unsupported intercept specification %c%s in formula %q", sign, factors[0].text, s)
			}
		} else {
			if sign == '-' {
				return nil, fmt.Errorf("term removal is not supported (formula %q)", s)
			}
			for _, fac := range factors {
				if fac.kind != 'v' {
					return nil, fmt.Errorf("numeric constant %q inside a term in formula %q", fac.text, s)
				}
			}
			for _, t := range expandTerms(factors, ops) {
				addTerm(t)
			}
		}
		if pos == len(toks) {
			break
		}
		if toks[pos].kind != '+' && toks[pos].kind != '-' {
			return nil, fmt.Errorf("syntax error in formula %q", s)
		}
		sign = toks[pos].kind
		pos++
		if pos == len(toks) {
			return nil, fmt.Errorf("formula %q ends with an operator", s)
		}
	}
	if len(f.Terms) == 0 && !f.Intercept {
		return nil, fmt.Errorf("formula %q has no terms", s)
	}
	// main effects before interactions, otherwise in order of appearance
	sort.SliceStable(f.Terms, func(i, j int) bool { return len(f.Terms[i]) < len(f.Terms[j]) })
	return f, nil
}

// expandTerms turns a:b*c into its terms. ":" binds tighter than "*",
// so the operands of "*" are groups of ":"-joined variables.
func expandTerms(factors []formulaToken, ops []byte) []Term {
	groups := []Term{{factors[0].text}}
	for i, op := range ops {
		if op == ':' {
			groups[len(groups)-1] = append(groups[len(groups)-1], factors[i+1].text)
		} else {
			groups = append(groups, Term{factors[i+1].text})
		}
	}
	var terms []Term
	// every non-empty subset of groups, smaller subsets first
	n := len(groups)
	for size := 1; size <= n; size++ {
		for mask := 1; mask < 1<<n; mask++ {
			if popcount(mask) != size {
				continue
			}
			var t Term
			for g := 0; g < n; g++ {
				if mask&(1<<g) != 0 {
					t = append(t, groups[g]...)
				}
			}
			terms = append(terms, dedupTerm(t))
		}
	}
	return terms
}

func dedupTerm(t Term) Term {
	var out Term
	seen := map[string]bool{}
	for _, v := range t {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func popcount(x int) int {
	n := 0
	for ; x != 0; x &= x - 1 {
		n++
	}
	return n
}

var errNoFormula = errors.New("no design formula given")

// MustParseFormula is ParseFormula for literals known to be valid.
func MustParseFormula(s string) *Formula {
	f, err := ParseFormula(s)
	if err != nil {
		panic(err)
	}
	return f
}
