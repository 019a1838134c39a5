// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"errors"
	"flag"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// filter drops low-count genes before fitting.
type filter struct {
	MinTotal       float64
	MinSamples     int
	MinSampleCount float64
}

func (f *filter) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&f.MinTotal, "min-total", 5, "drop genes whose total count across all samples is not greater than `N`")
	flags.IntVar(&f.MinSamples, "min-samples", 0, "drop genes with fewer than `K` samples having at least -min-sample-count reads")
	flags.Float64Var(&f.MinSampleCount, "min-sample-count", 10, "per-sample count `N` used by -min-samples")
}

func (f *filter) Args() []string {
	return []string{
		fmt.Sprintf("-min-total=%v", f.MinTotal),
		fmt.Sprintf("-min-samples=%d", f.MinSamples),
		fmt.Sprintf("-min-sample-count=%v", f.MinSampleCount),
	}
}

// Apply returns a DataSet containing only the genes that pass the
// filter.
func (f *filter) Apply(ds *DataSet) (*DataSet, error) {
	var keep []int
	sums := ds.Counts.RowSums()
	for i, sum := range sums {
		if sum <= f.MinTotal {
			continue
		}
		if f.MinSamples > 0 {
			n := 0
			for _, y := range ds.Counts.Row(i) {
				if y >= f.MinSampleCount {
					n++
				}
			}
			if n < f.MinSamples {
				continue
			}
		}
		keep = append(keep, i)
	}
	log.WithFields(log.Fields{
		"before": len(sums),
		"after":  len(keep),
	}).Info("filtered low-count genes")
	if len(keep) == 0 {
		return nil, errors.New("no genes pass the count filter")
	}
	return ds.Filter(keep), nil
}
