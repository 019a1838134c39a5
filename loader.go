// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/csimplestring/go-csv/detector"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrSampleMismatch = errors.New("sample table does not match count matrix columns")
	ErrMalformedInput = errors.New("malformed input")
)

// SampleTable holds per-sample covariates. Values are kept as
// strings; a column is treated as numeric when every value parses as
// a number and the column has not been declared a factor.
type SampleTable struct {
	IDColumn string
	IDs      []string
	columns  []string
	values   map[string][]string
	levels   map[string][]string
	factors  map[string]bool
	index    map[string]int
}

func NewSampleTable(idColumn string, ids []string) (*SampleTable, error) {
	st := &SampleTable{
		IDColumn: idColumn,
		IDs:      append([]string(nil), ids...),
		values:   map[string][]string{},
		levels:   map[string][]string{},
		factors:  map[string]bool{},
		index:    make(map[string]int, len(ids)),
	}
	for i, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("%w: empty sample identifier in row %d", ErrMalformedInput, i+1)
		}
		if _, dup := st.index[id]; dup {
			return nil, fmt.Errorf("%w: duplicate sample identifier %q", ErrSampleMismatch, id)
		}
		st.index[id] = i
	}
	return st, nil
}

// AddColumn adds (or replaces) a covariate column.
func (st *SampleTable) AddColumn(name string, values []string) error {
	if len(values) != len(st.IDs) {
		return fmt.Errorf("%w: column %q has %d values, table has %d samples", ErrMalformedInput, name, len(values), len(st.IDs))
	}
	if _, ok := st.values[name]; !ok {
		st.columns = append(st.columns, name)
	}
	st.values[name] = append([]string(nil), values...)
	delete(st.levels, name)
	return nil
}

func (st *SampleTable) Len() int { return len(st.IDs) }

func (st *SampleTable) Columns() []string { return append([]string(nil), st.columns...) }

func (st *SampleTable) Column(name string) ([]string, bool) {
	v, ok := st.values[name]
	return v, ok
}

// Index returns the row of the given sample ID.
func (st *SampleTable) Index(id string) (int, bool) {
	i, ok := st.index[id]
	return i, ok
}

// IsNumeric reports whether the named column is a continuous
// covariate.
func (st *SampleTable) IsNumeric(name string) bool {
	if st.factors[name] {
		return false
	}
	vals, ok := st.values[name]
	if !ok || len(vals) == 0 {
		return false
	}
	for _, v := range vals {
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return false
		}
	}
	return true
}

// SetFactor declares the named column categorical even if its values
// look numeric.
func (st *SampleTable) SetFactor(name string) error {
	if _, ok := st.values[name]; !ok {
		return fmt.Errorf("no such column %q in sample table", name)
	}
	st.factors[name] = true
	return nil
}

// Levels returns the level order of a categorical column. The first
// level is the reference. Unless set explicitly, levels are sorted
// lexicographically.
func (st *SampleTable) Levels(name string) []string {
	if lv, ok := st.levels[name]; ok {
		return append([]string(nil), lv...)
	}
	seen := map[string]bool{}
	var lv []string
	for _, v := range st.values[name] {
		if !seen[v] {
			seen[v] = true
			lv = append(lv, v)
		}
	}
	sort.Strings(lv)
	return lv
}

// SetLevels fixes the level order of a column. levels must contain
// every value present in the column exactly once; extra levels are
// allowed.
func (st *SampleTable) SetLevels(name string, levels []string) error {
	vals, ok := st.values[name]
	if !ok {
		return fmt.Errorf("no such column %q in sample table", name)
	}
	have := map[string]bool{}
	for _, lv := range levels {
		if have[lv] {
			return fmt.Errorf("duplicate level %q for column %q", lv, name)
		}
		have[lv] = true
	}
	for _, v := range vals {
		if !have[v] {
			return fmt.Errorf("value %q of column %q is not among the given levels", v, name)
		}
	}
	st.levels[name] = append([]string(nil), levels...)
	st.factors[name] = true
	return nil
}

// Relevel makes ref the reference (first) level of a column, keeping
// the order of the other levels.
func (st *SampleTable) Relevel(name, ref string) error {
	lv := st.Levels(name)
	if lv == nil {
		return fmt.Errorf("no such column %q in sample table", name)
	}
	reordered := []string{ref}
	found := false
	for _, l := range lv {
		if l == ref {
			found = true
		} else {
			reordered = append(reordered, l)
		}
	}
	if !found {
		return fmt.Errorf("%q is not a level of %q (levels: %q)", ref, name, lv)
	}
	return st.SetLevels(name, reordered)
}

// Subset returns a copy containing the given rows in the given order.
func (st *SampleTable) Subset(rows []int) *SampleTable {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = st.IDs[r]
	}
	out, _ := NewSampleTable(st.IDColumn, ids)
	for _, col := range st.columns {
		vals := make([]string, len(rows))
		for i, r := range rows {
			vals[i] = st.values[col][r]
		}
		out.AddColumn(col, vals)
		if lv, ok := st.levels[col]; ok {
			out.levels[col] = append([]string(nil), lv...)
		}
		out.factors[col] = st.factors[col]
	}
	return out
}

var delimiterCandidates = "\t,; "

func detectDelimiter(buf []byte) rune {
	for _, d := range detector.New().DetectDelimiter(bytes.NewReader(buf), '"') {
		if len(d) == 1 && strings.ContainsRune(delimiterCandidates, rune(d[0])) {
			return rune(d[0])
		}
	}
	firstLine := buf
	if eol := bytes.IndexByte(buf, '\n'); eol >= 0 {
		firstLine = buf[:eol]
	}
	if bytes.IndexByte(firstLine, '\t') >= 0 {
		return '\t'
	}
	return ','
}

// ReadSampleTable reads a delimited sample table with a header row.
// idColumn names the sample identifier column; empty means the first
// column. A header with one field fewer than the data rows (as written
// by R with row names) is treated as having an unnamed ID column.
func ReadSampleTable(r io.Reader, idColumn string) (*SampleTable, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(bytes.NewReader(buf))
	cr.Comma = detectDelimiter(buf)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedInput, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: sample table has no data rows", ErrMalformedInput)
	}
	header := records[0]
	if len(records[1]) == len(header)+1 {
		header = append([]string{""}, header...)
	}
	for i, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("%w: sample table row %d has %d fields, header has %d", ErrMalformedInput, i+2, len(rec), len(header))
		}
	}
	idCol := 0
	if idColumn != "" {
		idCol = -1
		for i, h := range header {
			if h == idColumn {
				idCol = i
			}
		}
		if idCol < 0 {
			return nil, fmt.Errorf("%w: sample table has no column %q (columns: %q)", ErrMalformedInput, idColumn, header)
		}
	}
	ids := make([]string, len(records)-1)
	for i, rec := range records[1:] {
		ids[i] = rec[idCol]
	}
	st, err := NewSampleTable(header[idCol], ids)
	if err != nil {
		return nil, err
	}
	for c, name := range header {
		if c == idCol {
			continue
		}
		vals := make([]string, len(ids))
		for i, rec := range records[1:] {
			vals[i] = rec[c]
		}
		if err := st.AddColumn(name, vals); err != nil {
			return nil, err
		}
	}
	log.WithFields(log.Fields{"samples": len(ids), "columns": st.columns, "delimiter": string(cr.Comma)}).Info("read sample table")
	return st, nil
}

func LoadSampleTable(fnm, idColumn string) (*SampleTable, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := ReadSampleTable(f, idColumn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return st, nil
}

// CountMatrix is a genes x samples matrix of read counts.
type CountMatrix struct {
	Genes   []string
	Samples []string
	Counts  *mat.Dense
}

// Row returns a copy of one gene's counts.
func (cm *CountMatrix) Row(i int) []float64 {
	return mat.Row(nil, i, cm.Counts)
}

// RowSums returns the total count of each gene.
func (cm *CountMatrix) RowSums() []float64 {
	genes, _ := cm.Counts.Dims()
	sums := make([]float64, genes)
	for i := range sums {
		sums[i] = mat.Sum(cm.Counts.RowView(i))
	}
	return sums
}

// SubsetGenes returns a copy containing the given rows.
func (cm *CountMatrix) SubsetGenes(rows []int) *CountMatrix {
	_, samples := cm.Counts.Dims()
	out := &CountMatrix{
		Genes:   make([]string, len(rows)),
		Samples: append([]string(nil), cm.Samples...),
	}
	if len(rows) > 0 {
		out.Counts = mat.NewDense(len(rows), samples, nil)
	}
	for i, r := range rows {
		out.Genes[i] = cm.Genes[r]
		out.Counts.SetRow(i, cm.Row(r))
	}
	return out
}

var featureCountsColumns = []string{"Chr", "Start", "End", "Strand", "Length"}

// ReadCounts reads a tab-separated count matrix: a header row naming
// the samples, then one row per gene with the gene ID in the first
// column. Lines starting with '#' are ignored, as are the annotation
// columns written by featureCounts.
func ReadCounts(r io.Reader) (*CountMatrix, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.ReuseRecord = true
	cr.LazyQuotes = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty count file", ErrMalformedInput)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedInput, err)
	}
	header = append([]string(nil), header...)
	skip := 1
	if len(header) > len(featureCountsColumns) {
		match := true
		for i, name := range featureCountsColumns {
			if header[i+1] != name {
				match = false
				break
			}
		}
		if match {
			skip += len(featureCountsColumns)
		}
	}
	samples := header[skip:]
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: count file has no sample columns", ErrMalformedInput)
	}
	var genes []string
	var data []float64
	seen := map[string]bool{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedInput, err)
		}
		gene := rec[0]
		if seen[gene] {
			return nil, fmt.Errorf("%w: duplicate gene identifier %q", ErrMalformedInput, gene)
		}
		seen[gene] = true
		genes = append(genes, gene)
		for i, field := range rec[skip:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil || v < 0 || v != math.Trunc(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: count file record %d (gene %q, sample %q): %q is not a non-negative integer", ErrMalformedInput, line, gene, samples[i], field)
			}
			data = append(data, v)
		}
	}
	if len(genes) == 0 {
		return nil, fmt.Errorf("%w: count file has no genes", ErrMalformedInput)
	}
	return &CountMatrix{
		Genes:   genes,
		Samples: samples,
		Counts:  mat.NewDense(len(genes), len(samples), data),
	}, nil
}

func LoadCounts(fnm string) (*CountMatrix, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cm, err := ReadCounts(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	genes, samples := cm.Counts.Dims()
	log.WithFields(log.Fields{"genes": genes, "samples": samples}).Infof("read count matrix %s", fnm)
	return cm, nil
}

// sampleKey strips directories and file extensions from a count
// column name, so "bam/SRR1039508.sorted.bam" matches "SRR1039508".
func sampleKey(name string) string {
	base := path.Base(name)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}

// DataSet is a sample table and a count matrix whose columns are in
// sample-table row order.
type DataSet struct {
	Samples *SampleTable
	Counts  *CountMatrix
}

// NewDataSet aligns the count matrix columns to the sample table.
// Every count column must match exactly one sample and every sample
// exactly one column; columns are matched by exact ID first, then by
// base name without extension.
func NewDataSet(st *SampleTable, cm *CountMatrix) (*DataSet, error) {
	col := make([]int, st.Len())
	for i := range col {
		col[i] = -1
	}
	var unmatched []string
	for j, name := range cm.Samples {
		i, ok := st.Index(name)
		if !ok {
			i, ok = st.Index(path.Base(name))
		}
		if !ok {
			i, ok = st.Index(sampleKey(name))
		}
		if !ok {
			unmatched = append(unmatched, name)
			continue
		}
		if col[i] >= 0 {
			return nil, fmt.Errorf("%w: count columns %q and %q both match sample %q", ErrSampleMismatch, cm.Samples[col[i]], name, st.IDs[i])
		}
		col[i] = j
	}
	if len(unmatched) > 0 {
		return nil, fmt.Errorf("%w: count columns with no sample table row: %q", ErrSampleMismatch, unmatched)
	}
	var missing []string
	for i, j := range col {
		if j < 0 {
			missing = append(missing, st.IDs[i])
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: samples with no count column: %q", ErrSampleMismatch, missing)
	}

	genes, _ := cm.Counts.Dims()
	aligned := mat.NewDense(genes, st.Len(), nil)
	for i, j := range col {
		aligned.SetCol(i, mat.Col(nil, j, cm.Counts))
	}
	return &DataSet{
		Samples: st,
		Counts: &CountMatrix{
			Genes:   cm.Genes,
			Samples: append([]string(nil), st.IDs...),
			Counts:  aligned,
		},
	}, nil
}

// LoadDataSet reads and aligns a sample table and a count file.
func LoadDataSet(samplesFilename, countsFilename, idColumn string) (*DataSet, error) {
	st, err := LoadSampleTable(samplesFilename, idColumn)
	if err != nil {
		return nil, err
	}
	cm, err := LoadCounts(countsFilename)
	if err != nil {
		return nil, err
	}
	return NewDataSet(st, cm)
}

// Filter returns a new DataSet keeping only the given genes.
func (ds *DataSet) Filter(rows []int) *DataSet {
	return &DataSet{Samples: ds.Samples, Counts: ds.Counts.SubsetGenes(rows)}
}
