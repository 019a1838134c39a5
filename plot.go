// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

func scatterSeries(name string, color drawing.Color, xs, ys []float64) chart.ContinuousSeries {
	return chart.ContinuousSeries{
		Name: name,
		Style: chart.Style{
			StrokeWidth: chart.Disabled,
			DotWidth:    3,
			DotColor:    color,
		},
		XValues: xs,
		YValues: ys,
	}
}

func renderPNG(w io.Writer, graph *chart.Chart) error {
	if len(graph.Series) == 0 {
		return errors.New("nothing to plot")
	}
	if len(graph.Series) > 1 {
		graph.Elements = []chart.Renderable{chart.Legend(graph)}
	}
	return graph.Render(chart.PNG, w)
}

// PlotPCA writes a PNG scatter plot of two components (0-based x and
// y), one series per group.
func PlotPCA(w io.Writer, res *PCAResult, x, y int) error {
	_, k := res.Coords.Dims()
	if x < 0 || y < 0 || x >= k || y >= k {
		return fmt.Errorf("cannot plot components %d and %d of %d", x+1, y+1, k)
	}
	var groups []string
	xs := map[string][]float64{}
	ys := map[string][]float64{}
	for i, g := range res.Groups {
		if _, ok := xs[g]; !ok {
			groups = append(groups, g)
		}
		xs[g] = append(xs[g], res.Coords.At(i, x))
		ys[g] = append(ys[g], res.Coords.At(i, y))
	}
	sort.Strings(groups)
	graph := &chart.Chart{
		Width:  800,
		Height: 600,
		XAxis:  chart.XAxis{Name: fmt.Sprintf("PC%d: %.0f%% variance", x+1, res.PercentVar[x])},
		YAxis:  chart.YAxis{Name: fmt.Sprintf("PC%d: %.0f%% variance", y+1, res.PercentVar[y])},
	}
	for i, g := range groups {
		name := g
		if name == "" {
			name = "samples"
		}
		graph.Series = append(graph.Series, scatterSeries(name, chart.GetDefaultColor(i), xs[g], ys[g]))
	}
	return renderPNG(w, graph)
}

// PlotMA writes a PNG plot of log2 fold change against log10 mean of
// normalized counts. Genes with padj < alpha are highlighted. Genes
// with zero mean or NaN fold change are omitted.
func PlotMA(w io.Writer, rows []ResultRow, alpha float64) error {
	var xs, ys, sigx, sigy []float64
	for _, row := range rows {
		if !(row.BaseMean > 0) || math.IsNaN(row.Log2FoldChange) {
			continue
		}
		x := math.Log10(row.BaseMean)
		if row.Padj < alpha {
			sigx = append(sigx, x)
			sigy = append(sigy, row.Log2FoldChange)
		} else {
			xs = append(xs, x)
			ys = append(ys, row.Log2FoldChange)
		}
	}
	graph := &chart.Chart{
		Width:  800,
		Height: 600,
		XAxis:  chart.XAxis{Name: "log10 mean of normalized counts"},
		YAxis:  chart.YAxis{Name: "log2 fold change"},
	}
	if len(xs) > 0 {
		graph.Series = append(graph.Series, scatterSeries("not significant", chart.GetDefaultColor(0), xs, ys))
	}
	if len(sigx) > 0 {
		graph.Series = append(graph.Series, scatterSeries(fmt.Sprintf("padj < %g", alpha), chart.GetDefaultColor(1), sigx, sigy))
	}
	return renderPNG(w, graph)
}

type plotMACmd struct {
	remote remoteArgs
}

func (cmd *plotMACmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitStatus(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *plotMACmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.remote.Flags(flags)
	inputFilename := flags.String("i", "-", "results `file` written by the results or lrt command")
	outputFilename := flags.String("o", "", "output `filename` (e.g., './ma.png')")
	alpha := flags.Float64("alpha", 0.1, "highlight genes with adjusted p-value below `alpha`")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}
	cmd.remote.startPprof()

	if !cmd.remote.Local {
		runner := cmd.remote.runner("plot-ma", 4<<30, 1)
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return err
		}
		runner.Args = []string{"plot-ma", "-local=true",
			"-i=" + *inputFilename,
			fmt.Sprintf("-alpha=%v", *alpha),
			"-o=/mnt/output/ma.png",
		}
		output, err := runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/ma.png")
		return nil
	}
	if *outputFilename == "" {
		return fmt.Errorf("%w: must specify -o filename.png in local mode (or try -help)", errUsage)
	}

	var input io.Reader = stdin
	if *inputFilename != "-" {
		f, err := zopen(*inputFilename)
		if err != nil {
			return err
		}
		defer f.Close()
		input = f
	}
	rows, err := ReadResults(input)
	if err != nil {
		return fmt.Errorf("%s: %w", *inputFilename, err)
	}
	return writeFile(*outputFilename, stdout, func(w io.Writer) error {
		return PlotMA(w, rows, *alpha)
	})
}
