// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/gocarina/gocsv"
	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"
)

// naFloat is a float64 that is written as "NA" when NaN.
type naFloat float64

func (v naFloat) MarshalCSV() (string, error) {
	if math.IsNaN(float64(v)) {
		return "NA", nil
	}
	return strconv.FormatFloat(float64(v), 'g', -1, 64), nil
}

func (v *naFloat) UnmarshalCSV(s string) error {
	if s == "NA" || s == "" {
		*v = naFloat(math.NaN())
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*v = naFloat(f)
	return nil
}

type resultRecord struct {
	Gene           string  `csv:"gene"`
	BaseMean       naFloat `csv:"baseMean"`
	Log2FoldChange naFloat `csv:"log2FoldChange"`
	LfcSE          naFloat `csv:"lfcSE"`
	Stat           naFloat `csv:"stat"`
	Pvalue         naFloat `csv:"pvalue"`
	Padj           naFloat `csv:"padj"`
}

func newTSVWriter(w io.Writer) *gocsv.SafeCSVWriter {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	return gocsv.NewSafeCSVWriter(cw)
}

// WriteResults writes rows as a tab-separated table with a header.
// NaN values are written as NA.
func WriteResults(w io.Writer, rows []ResultRow) error {
	records := make([]*resultRecord, len(rows))
	for i, row := range rows {
		records[i] = &resultRecord{
			Gene:           row.Gene,
			BaseMean:       naFloat(row.BaseMean),
			Log2FoldChange: naFloat(row.Log2FoldChange),
			LfcSE:          naFloat(row.LfcSE),
			Stat:           naFloat(row.Stat),
			Pvalue:         naFloat(row.Pvalue),
			Padj:           naFloat(row.Padj),
		}
	}
	return gocsv.MarshalCSV(&records, newTSVWriter(w))
}

// ReadResults reads a table written by WriteResults.
func ReadResults(r io.Reader) ([]ResultRow, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	var records []*resultRecord
	if err := gocsv.UnmarshalCSV(cr, &records); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedInput, err)
	}
	rows := make([]ResultRow, len(records))
	for i, rec := range records {
		rows[i] = ResultRow{
			Gene:           rec.Gene,
			BaseMean:       float64(rec.BaseMean),
			Log2FoldChange: float64(rec.Log2FoldChange),
			LfcSE:          float64(rec.LfcSE),
			Stat:           float64(rec.Stat),
			Pvalue:         float64(rec.Pvalue),
			Padj:           float64(rec.Padj),
		}
	}
	return rows, nil
}

// writeMatrixTSV writes m with a header of column names and a leading
// column of row names.
func writeMatrixTSV(w io.Writer, corner string, rowNames, colNames []string, m mat.Matrix) error {
	rows, cols := m.Dims()
	if len(rowNames) != rows || len(colNames) != cols {
		return fmt.Errorf("matrix is %dx%d but got %d row names and %d column names", rows, cols, len(rowNames), len(colNames))
	}
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(append([]string{corner}, colNames...)); err != nil {
		return err
	}
	rec := make([]string, cols+1)
	for i := 0; i < rows; i++ {
		rec[0] = rowNames[i]
		for j := 0; j < cols; j++ {
			rec[j+1], _ = naFloat(m.At(i, j)).MarshalCSV()
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeNumpy writes m as a 2-D float64 .npy array.
func writeNumpy(w io.Writer, m mat.Matrix) error {
	rows, cols := m.Dims()
	data := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data[i*cols+j] = m.At(i, j)
		}
	}
	npw, err := gonpy.NewWriter(nopCloser{w})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	return npw.WriteFloat64(data)
}

// writeFile calls write with a buffered writer on fnm ("-" means
// stdout), then flushes and closes it.
func writeFile(fnm string, stdout io.Writer, write func(io.Writer) error) error {
	var output io.WriteCloser
	if fnm == "-" {
		output = nopCloser{stdout}
	} else {
		f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return err
		}
		defer f.Close()
		output = f
	}
	bufw := bufio.NewWriter(output)
	err := write(bufw)
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = bufw.Flush()
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	return output.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
