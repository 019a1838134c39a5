// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"bytes"
	"io/ioutil"
	"os"
	"strings"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type pipelineSuite struct {
	tmpdir string
}

var _ = check.Suite(&pipelineSuite{})

func (s *pipelineSuite) SetUpSuite(c *check.C) {
	s.tmpdir = c.MkDir()
	var stderr bytes.Buffer
	exited := (&simulateCmd{}).RunCommand("lightning-rnaseq simulate", []string{
		"-factor=condition=A,B",
		"-replicates=4",
		"-genes=200",
		"-beta-sd=1",
		"-seed=3",
		"-o-counts=" + s.tmpdir + "/counts.tsv",
		"-o-samples=" + s.tmpdir + "/samples.tsv",
	}, nil, os.Stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
}

func (s *pipelineSuite) dataArgs() []string {
	return []string{
		"-local=true",
		"-samples=" + s.tmpdir + "/samples.tsv",
		"-counts=" + s.tmpdir + "/counts.tsv",
		"-design=~ condition",
	}
}

func (s *pipelineSuite) TestSimulatedFiles(c *check.C) {
	samples, err := ioutil.ReadFile(s.tmpdir + "/samples.tsv")
	c.Assert(err, check.IsNil)
	c.Check(strings.HasPrefix(string(samples), "sample\tcondition\nsample1\tA\n"), check.Equals, true)
	counts, err := ioutil.ReadFile(s.tmpdir + "/counts.tsv")
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSuffix(string(counts), "\n"), "\n")
	c.Check(lines, check.HasLen, 201)
	c.Check(lines[0], check.Equals, "gene\tsample1\tsample2\tsample3\tsample4\tsample5\tsample6\tsample7\tsample8")
}

func (s *pipelineSuite) TestResultsAndMAPlot(c *check.C) {
	var stdout, stderr bytes.Buffer
	exited := (&resultsCmd{}).RunCommand("lightning-rnaseq results", append(s.dataArgs(),
		"-contrast=condition,B,A",
		"-top=50",
		"-o="+s.tmpdir+"/results.tsv",
	), nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stderr.String(), check.Matches, `(?ms).*adjusted p-value < 0.1.*`)

	buf, err := ioutil.ReadFile(s.tmpdir + "/results.tsv")
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSuffix(string(buf), "\n"), "\n")
	c.Check(lines, check.HasLen, 51)
	c.Check(lines[0], check.Equals, "gene\tbaseMean\tlog2FoldChange\tlfcSE\tstat\tpvalue\tpadj")

	rows, err := ReadResults(bytes.NewReader(buf))
	c.Assert(err, check.IsNil)
	for i := 1; i < len(rows); i++ {
		if rows[i].Padj == rows[i].Padj {
			c.Check(rows[i-1].Padj <= rows[i].Padj, check.Equals, true)
		}
	}

	exited = (&plotMACmd{}).RunCommand("lightning-rnaseq plot-ma", []string{
		"-local=true",
		"-i=" + s.tmpdir + "/results.tsv",
		"-o=" + s.tmpdir + "/ma.png",
	}, nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	png, err := ioutil.ReadFile(s.tmpdir + "/ma.png")
	c.Assert(err, check.IsNil)
	c.Check(string(png[:4]), check.Equals, pngMagic)

	// results on stdout, read back from stdin
	stdout.Reset()
	exited = (&resultsCmd{}).RunCommand("lightning-rnaseq results", append(s.dataArgs(), "-beta-prior=false", "-top=10"), nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	exited = (&plotMACmd{}).RunCommand("lightning-rnaseq plot-ma", []string{
		"-local=true",
		"-o=" + s.tmpdir + "/ma-stdin.png",
	}, &stdout, os.Stdout, &stderr)
	c.Check(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
}

func (s *pipelineSuite) TestLRT(c *check.C) {
	var stdout, stderr bytes.Buffer
	exited := (&lrtCmd{}).RunCommand("lightning-rnaseq lrt", append(s.dataArgs(), "-reduced=~ 1"), nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(strings.HasPrefix(stdout.String(), "gene\tbaseMean\t"), check.Equals, true)
	c.Check(strings.Count(stdout.String(), "\n") > 100, check.Equals, true)

	stderr.Reset()
	exited = (&lrtCmd{}).RunCommand("lightning-rnaseq lrt", append(s.dataArgs(), "-reduced=~ 0 + condition"), nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*not nested.*`)
}

func (s *pipelineSuite) TestTransformAndPCA(c *check.C) {
	var stdout, stderr bytes.Buffer
	exited := (&vstCmd{}).RunCommand("lightning-rnaseq vst", append(s.dataArgs(), "-o="+s.tmpdir+"/vst.npy"), nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	f, err := os.Open(s.tmpdir + "/vst.npy")
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	c.Assert(npy.Shape, check.HasLen, 2)
	c.Check(npy.Shape[1], check.Equals, 8)
	data, err := npy.GetFloat64()
	c.Assert(err, check.IsNil)
	c.Check(data, check.HasLen, npy.Shape[0]*8)

	exited = (&vstCmd{}).RunCommand("lightning-rnaseq vst", append(s.dataArgs(), "-method=log2", "-blind=false"), nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(strings.HasPrefix(stdout.String(), "gene\tsample1\t"), check.Equals, true)

	stdout.Reset()
	exited = (&pcaCmd{}).RunCommand("lightning-rnaseq pca", append(s.dataArgs(),
		"-intgroup=condition",
		"-ntop=100",
		"-plot="+s.tmpdir+"/pca.png",
	), nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	lines := strings.Split(strings.TrimSuffix(stdout.String(), "\n"), "\n")
	c.Check(lines, check.HasLen, 9)
	c.Check(lines[0], check.Equals, "sample\tgroup\tPC1\tPC2")
	c.Check(strings.HasPrefix(lines[1], "sample1\tA\t"), check.Equals, true)
	png, err := ioutil.ReadFile(s.tmpdir + "/pca.png")
	c.Assert(err, check.IsNil)
	c.Check(string(png[:4]), check.Equals, pngMagic)

	// design-aware transformation
	stdout.Reset()
	exited = (&pcaCmd{}).RunCommand("lightning-rnaseq pca", append(s.dataArgs(),
		"-blind=false",
		"-intgroup=condition",
		"-ntop=100",
	), nil, &stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))
	aware := strings.Split(strings.TrimSuffix(stdout.String(), "\n"), "\n")
	c.Check(aware, check.HasLen, 9)
	c.Check(aware[0], check.Equals, "sample\tgroup\tPC1\tPC2")
	c.Check(strings.HasPrefix(aware[8], "sample8\tB\t"), check.Equals, true)

	stderr.Reset()
	exited = (&pcaCmd{}).RunCommand("lightning-rnaseq pca", []string{
		"-local=true",
		"-samples=" + s.tmpdir + "/samples.tsv",
		"-counts=" + s.tmpdir + "/counts.tsv",
		"-blind=false",
	}, nil, &stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*-blind=false: no design formula given.*`)
}

func (s *pipelineSuite) TestExitCodes(c *check.C) {
	for _, trial := range []struct {
		handler cmd.Handler
		args    []string
		exit    int
		stderr  string
	}{
		{&resultsCmd{}, []string{"-local=true", "-no-such-flag"}, 2, `(?ms).*flag provided but not defined.*`},
		{&resultsCmd{}, []string{"-local=true", "extra"}, 2, `(?ms).*errant command line arguments.*`},
		{&resultsCmd{}, []string{"-help"}, 0, `(?ms).*Usage.*`},
		{&resultsCmd{}, append(s.dataArgs(), "-alt=bogus"), 1, `(?ms).*alternative hypothesis must be one of.*`},
		{&resultsCmd{}, append(s.dataArgs(), "-alt=lessAbs"), 1, `(?ms).*requires a positive log2 fold change threshold.*`},
		{&resultsCmd{}, []string{"-local=true", "-samples=" + s.tmpdir + "/samples.tsv", "-counts=" + s.tmpdir + "/counts.tsv"}, 1, `(?ms).*no design formula given.*`},
		{&resultsCmd{}, append(s.dataArgs(), "-contrast=condition,B,C"), 1, `(?ms).*"C" is not a level of "condition".*`},
		{&resultsCmd{}, append(s.dataArgs(), "-size-factors=bogus"), 1, `(?ms).*bogus.*`},
		{&plotMACmd{}, []string{"-local=true"}, 2, `(?ms).*must specify -o.*`},
		{&vstCmd{}, append(s.dataArgs(), "-method=rlog"), 1, `(?ms).*unknown transformation "rlog".*`},
		{&simulateCmd{}, []string{"-factor=condition"}, 2, `(?ms).*invalid -factor.*`},
	} {
		var stdout, stderr bytes.Buffer
		exited := trial.handler.RunCommand("lightning-rnaseq", trial.args, nil, &stdout, &stderr)
		c.Check(exited, check.Equals, trial.exit, check.Commentf("%q: %s", trial.args, stderr.String()))
		c.Check(stderr.String(), check.Matches, trial.stderr)
	}
}
