// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// throttle limits the number of concurrent goroutines and records
// the first error reported by any of them.
type throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan bool
	err       atomic.Value
	setupOnce sync.Once
	errorOnce sync.Once
}

func (t *throttle) Acquire() {
	t.setupOnce.Do(func() { t.ch = make(chan bool, t.Max) })
	t.wg.Add(1)
	t.ch <- true
}

func (t *throttle) Release() {
	t.wg.Done()
	<-t.ch
}

func (t *throttle) Report(err error) {
	if err != nil {
		t.errorOnce.Do(func() { t.err.Store(err) })
	}
}

func (t *throttle) Err() error {
	err, _ := t.err.Load().(error)
	return err
}

func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}

// Go runs f in a new goroutine once a slot is free. After an error
// has been reported, new calls return without running f.
func (t *throttle) Go(f func() error) {
	t.Acquire()
	if t.Err() != nil {
		t.Release()
		return
	}
	go func() {
		defer t.Release()
		t.Report(f())
	}()
}

// parallelGenes calls f(i) for i in [0,n) on up to threads goroutines
// (GOMAXPROCS if threads < 1), in batches so each goroutine handles
// a contiguous block of genes.
func parallelGenes(n, threads int, f func(i int) error) error {
	if threads < 1 {
		threads = runtime.GOMAXPROCS(0)
	}
	batch := n/(threads*4) + 1
	thr := throttle{Max: threads}
	for start := 0; start < n; start += batch {
		start, end := start, start+batch
		if end > n {
			end = n
		}
		thr.Go(func() error {
			for i := start; i < end; i++ {
				if err := f(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return thr.Wait()
}
