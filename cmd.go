// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"simulate": &simulateCmd{},
		"results":  &resultsCmd{},
		"lrt":      &lrtCmd{},
		"vst":      &vstCmd{},
		"pca":      &pcaCmd{},
		"plot-ma":  &plotMACmd{},
	})
)

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// errUsage marks command line errors (exit code 2).
var errUsage = errors.New("usage error")

// parseFlags returns flag.ErrHelp, an error wrapping errUsage, or nil.
func parseFlags(flags *flag.FlagSet, args []string) error {
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return err
	} else if err != nil {
		// flag package has already printed the message
		return errUsage
	} else if flags.NArg() > 0 {
		return fmt.Errorf("%w: errant command line arguments after parsed flags: %v", errUsage, flags.Args())
	}
	return nil
}

// exitStatus reports err on stderr and returns the process exit code
// for a command's run() result.
func exitStatus(err error, stderr io.Writer) int {
	switch {
	case err == nil, err == flag.ErrHelp:
		return 0
	case err == errUsage:
		return 2
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "%s\n", err)
		return 2
	default:
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
}

// remoteArgs are the flags for running a command in an Arvados
// container instead of on the local host.
type remoteArgs struct {
	Local       bool
	ProjectUUID string
	Priority    int
	Pprof       string
}

func (ra *remoteArgs) Flags(flags *flag.FlagSet) {
	flags.StringVar(&ra.Pprof, "pprof", "", "serve Go profile data at http://`[addr]:port`")
	flags.BoolVar(&ra.Local, "local", false, "run on local host (default: run in an arvados container)")
	flags.StringVar(&ra.ProjectUUID, "project", "", "project `UUID` for output data")
	flags.IntVar(&ra.Priority, "priority", 500, "container request priority")
}

// startPprof starts the profiling endpoint if -pprof was given.
func (ra *remoteArgs) startPprof() {
	if ra.Pprof != "" {
		go func() {
			logrus.Println(http.ListenAndServe(ra.Pprof, nil))
		}()
	}
}

func (ra *remoteArgs) runner(name string, ram int64, vcpus int) *arvadosContainerRunner {
	return &arvadosContainerRunner{
		Name:        "lightning-rnaseq " + name,
		Client:      arvados.NewClientFromEnv(),
		ProjectUUID: ra.ProjectUUID,
		RAM:         ram,
		VCPUs:       vcpus,
		Priority:    ra.Priority,
	}
}
