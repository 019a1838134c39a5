// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

type PCAOptions struct {
	// Number of most variable genes to use (default 500).
	NTop       int
	Components int
	// Sample table columns whose values, joined by ":", label each
	// sample's group.
	Groups []string
}

// PCAResult holds per-sample principal component coordinates.
type PCAResult struct {
	Samples []string
	Groups  []string
	// samples x components
	Coords     *mat.Dense
	PercentVar []float64
	Genes      []string
}

// PCA projects samples onto the principal components of the NTop
// most variable genes of a transformed matrix.
func PCA(tr *Transformed, st *SampleTable, opts PCAOptions) (*PCAResult, error) {
	genes, samples := tr.Values.Dims()
	if samples < 2 {
		return nil, errors.New("PCA needs at least two samples")
	}
	if st.Len() != samples {
		return nil, fmt.Errorf("%w: sample table has %d samples, matrix has %d", ErrSampleMismatch, st.Len(), samples)
	}
	if opts.NTop <= 0 {
		opts.NTop = 500
	}
	if opts.Components < 2 {
		opts.Components = 2
	}
	res := &PCAResult{Samples: append([]string(nil), tr.Samples...)}
	for _, col := range opts.Groups {
		if _, ok := st.Column(col); !ok {
			return nil, fmt.Errorf("group column %q not in sample table (columns: %q)", col, st.Columns())
		}
	}
	res.Groups = make([]string, samples)
	for i := range res.Groups {
		var parts []string
		for _, col := range opts.Groups {
			vals, _ := st.Column(col)
			parts = append(parts, vals[i])
		}
		res.Groups[i] = strings.Join(parts, ":")
	}

	variance := make([]float64, genes)
	order := make([]int, genes)
	for g := range variance {
		variance[g] = stat.Variance(tr.Values.RawRowView(g), nil)
		order[g] = g
	}
	sort.SliceStable(order, func(i, j int) bool { return variance[order[i]] > variance[order[j]] })
	ntop := opts.NTop
	if ntop > genes {
		ntop = genes
	}
	order = order[:ntop]

	// genes x samples, rows centred
	x := mat.NewDense(ntop, samples, nil)
	total := 0.0
	for i, g := range order {
		row := tr.Values.RawRowView(g)
		mean := stat.Mean(row, nil)
		for j, v := range row {
			x.Set(i, j, v-mean)
		}
		total += variance[g]
		res.Genes = append(res.Genes, tr.Genes[g])
	}
	k := opts.Components
	if k > ntop {
		k = ntop
	}
	if k > samples {
		k = samples
	}
	log.WithFields(log.Fields{"genes": ntop, "samples": samples, "components": k}).Info("fitting PCA")
	transformer := nlp.NewPCA(k)
	transformer.Fit(x)
	coords, err := transformer.Transform(x)
	if err != nil {
		return nil, err
	}
	res.Coords = mat.DenseCopyOf(coords.T())
	res.PercentVar = make([]float64, k)
	for c := range res.PercentVar {
		if total > 0 {
			res.PercentVar[c] = 100 * stat.Variance(mat.Col(nil, c, res.Coords), nil) / total
		}
	}
	log.Infof("percent variance: %.1f", res.PercentVar)
	return res, nil
}

// WriteTSV writes one row per sample: ID, group, then coordinates.
func (res *PCAResult) WriteTSV(w io.Writer) error {
	_, k := res.Coords.Dims()
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	header := []string{"sample", "group"}
	for c := 0; c < k; c++ {
		header = append(header, fmt.Sprintf("PC%d", c+1))
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, id := range res.Samples {
		rec := []string{id, res.Groups[i]}
		for c := 0; c < k; c++ {
			rec = append(rec, strconv.FormatFloat(res.Coords.At(i, c), 'g', -1, 64))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type pcaCmd struct {
	remote remoteArgs
	data   dataArgs
	fit    fitArgs
}

func (cmd *pcaCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitStatus(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *pcaCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.remote.Flags(flags)
	cmd.data.Flags(flags)
	cmd.fit.Flags(flags)
	method := flags.String("method", string(TransformVST), "transformation before PCA: vst or log2")
	blind := flags.Bool("blind", true, "ignore -design when estimating the dispersion trend")
	ntop := flags.Int("ntop", 500, "use the `N` most variable genes")
	components := flags.Int("components", 2, "number of components")
	groups := flags.String("intgroup", "", "comma-separated sample table `columns` used to label groups")
	outputFilename := flags.String("o", "-", "output `file` (.npy for numpy array of coordinates, otherwise tsv)")
	plotFilename := flags.String("plot", "", "also write a PC1/PC2 scatter plot to `file.png`")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}
	cmd.remote.startPprof()
	tm, err := ParseTransformMethod(*method)
	if err != nil {
		return err
	}

	if !cmd.remote.Local {
		if *outputFilename != "-" || *plotFilename != "" {
			return errors.New("cannot specify output file in container mode: not implemented")
		}
		runner := cmd.remote.runner("pca", 32000000000, 8)
		err = runner.TranslatePaths(cmd.data.Paths()...)
		if err != nil {
			return err
		}
		runner.Args = []string{"pca", "-local=true",
			"-method=" + *method,
			fmt.Sprintf("-blind=%v", *blind),
			fmt.Sprintf("-ntop=%d", *ntop),
			fmt.Sprintf("-components=%d", *components),
			"-intgroup=" + *groups,
			"-o=/mnt/output/pca.tsv",
			"-plot=/mnt/output/pca.png",
		}
		runner.Args = append(runner.Args, cmd.data.Args()...)
		runner.Args = append(runner.Args, cmd.fit.Args()...)
		output, err := runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/pca.tsv")
		return nil
	}

	fopts, err := cmd.fit.Options()
	if err != nil {
		return err
	}
	ds, err := cmd.data.Load()
	if err != nil {
		return err
	}
	tr, err := cmd.data.transform(ds, tm, fopts, *blind)
	if err != nil {
		return err
	}
	opts := PCAOptions{NTop: *ntop, Components: *components}
	if *groups != "" {
		opts.Groups = strings.Split(*groups, ",")
	}
	res, err := PCA(tr, ds.Samples, opts)
	if err != nil {
		return err
	}
	err = writeFile(*outputFilename, stdout, func(w io.Writer) error {
		if strings.HasSuffix(*outputFilename, ".npy") {
			return writeNumpy(w, res.Coords)
		}
		return res.WriteTSV(w)
	})
	if err != nil {
		return err
	}
	if *plotFilename != "" {
		err = writeFile(*plotFilename, stdout, func(w io.Writer) error {
			return PlotPCA(w, res, 0, 1)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
