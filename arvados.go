// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnaseq

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// arvadosContainerRunner resubmits a command as an Arvados container
// request running this same binary, and waits for it to finish.
type arvadosContainerRunner struct {
	Client      *arvados.Client
	Name        string
	OutputName  string
	ProjectUUID string
	VCPUs       int
	RAM         int64
	Args        []string
	Mounts      map[string]map[string]interface{}
	Priority    int

	// Interval between container request status checks.
	PollInterval time.Duration
}

func (runner *arvadosContainerRunner) Run() (string, error) {
	return runner.RunContext(context.Background())
}

// RunContext submits the container request and returns the output
// collection UUID once the container has completed successfully. If
// ctx is cancelled first, the request's priority is set to zero.
func (runner *arvadosContainerRunner) RunContext(ctx context.Context) (string, error) {
	if runner.ProjectUUID == "" {
		return "", errors.New("cannot run arvados container: ProjectUUID not provided (use -project, or -local=true)")
	}
	mounts := map[string]map[string]interface{}{
		"/mnt/output": {
			"kind":     "collection",
			"writable": true,
		},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}
	cmdUUID, err := runner.makeCommandCollection()
	if err != nil {
		return "", err
	}
	mounts["/mnt/cmd"] = map[string]interface{}{
		"kind": "collection",
		"uuid": cmdUUID,
	}
	command := append([]string{"/mnt/cmd/lightning-rnaseq"}, runner.Args...)

	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	rc := arvados.RuntimeConstraints{
		VCPUs:        runner.VCPUs,
		RAM:          runner.RAM,
		KeepCacheRAM: (1 << 26) * 2 * int64(runner.VCPUs),
	}
	var outname interface{}
	if runner.OutputName != "" {
		outname = runner.OutputName
	}
	var cr arvados.ContainerRequest
	err = runner.Client.RequestAndDecodeContext(ctx, &cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": map[string]interface{}{
			"owner_uuid":          runner.ProjectUUID,
			"name":                runner.Name,
			"container_image":     "lightning-runtime",
			"command":             command,
			"mounts":              mounts,
			"use_existing":        true,
			"output_path":         "/mnt/output",
			"output_name":         outname,
			"runtime_constraints": rc,
			"priority":            priority,
			"state":               arvados.ContainerRequestStateCommitted,
			"environment": map[string]string{
				"GOMAXPROCS": fmt.Sprintf("%d", rc.VCPUs),
			},
			"container_count_max": 1,
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("container request UUID: %s", cr.UUID)

	poll := runner.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	lastState := cr.State
	var logTell int64
	for cr.State != arvados.ContainerRequestStateFinal {
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(&cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{
					"priority": 0,
				},
			})
			if err != nil {
				log.Errorf("error while trying to cancel container request %s: %s", cr.UUID, err)
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
		err := runner.Client.RequestAndDecodeContext(ctx, &cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		if err != nil {
			log.Printf("error getting container request: %s", err)
			continue
		}
		if lastState != cr.State {
			log.WithField("container", cr.ContainerUUID).Printf("container request state: %s", cr.State)
			lastState = cr.State
		}
		if cr.ContainerUUID != "" {
			logTell = runner.copyLog(ctx, &cr, logTell)
		}
	}

	var c arvados.Container
	err = runner.Client.RequestAndDecodeContext(ctx, &c, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	} else if c.State != arvados.ContainerStateComplete {
		return "", fmt.Errorf("container did not complete: %s", c.State)
	} else if c.ExitCode != 0 {
		return "", fmt.Errorf("container exited %d", c.ExitCode)
	}
	return cr.OutputUUID, nil
}

// copyLog logs any complete lines of the container's stderr after
// offset, and returns the new offset.
func (runner *arvadosContainerRunner) copyLog(ctx context.Context, cr *arvados.ContainerRequest, offset int64) int64 {
	req, err := http.NewRequestWithContext(ctx, "GET", "https://"+runner.Client.APIHost+"/arvados/v1/container_requests/"+cr.UUID+"/log/"+cr.ContainerUUID+"/stderr.txt", nil)
	if err != nil {
		log.Errorf("error preparing log request: %s", err)
		return offset
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	resp, err := runner.Client.Do(req)
	if err != nil {
		log.Errorf("error getting log data: %s", err)
		return offset
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return offset
	} else if resp.StatusCode >= 300 {
		log.Errorf("error getting log data: %s", resp.Status)
		return offset
	}
	logdata, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Errorf("error reading log data: %s", err)
		return offset
	}
	for {
		eol := bytes.IndexByte(logdata, '\n')
		if eol < 0 {
			return offset
		}
		if line := string(logdata[:eol]); line != "" {
			log.Print(line)
		}
		logdata = logdata[eol+1:]
		offset += int64(eol + 1)
	}
}

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

// TranslatePaths rewrites each path that refers to a collection
// ("zzzzz-4zz18-...", a portable data hash, or a path under either)
// to the corresponding container mount point, and adds the mounts.
func (runner *arvadosContainerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = make(map[string]map[string]interface{})
	}
	for _, path := range paths {
		if *path == "" || *path == "-" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find uuid in path: %q", *path)
		}
		collID := m[2]
		if _, ok := runner.Mounts["/mnt/"+collID]; !ok {
			mnt := map[string]interface{}{
				"kind": "collection",
			}
			if len(collID) == 27 {
				mnt["uuid"] = collID
			} else {
				mnt["portable_data_hash"] = collID
			}
			runner.Mounts["/mnt/"+collID] = mnt
		}
		*path = "/mnt/" + collID + m[3]
	}
	return nil
}

var mtxMakeCommandCollection sync.Mutex

// makeCommandCollection returns the UUID of a collection containing
// this program's binary, creating one if the project has none with a
// matching name and hash.
func (runner *arvadosContainerRunner) makeCommandCollection() (string, error) {
	mtxMakeCommandCollection.Lock()
	defer mtxMakeCommandCollection.Unlock()
	exe, err := ioutil.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	b2 := fmt.Sprintf("%x", blake2b.Sum256(exe))
	cname := "lightning-rnaseq " + cmd.Version.String()
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: cname},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: b2},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		log.Printf("using binary in existing collection %s", existing.Items[0].UUID)
		return existing.Items[0].UUID, nil
	}
	log.Printf("writing binary to new collection %q", cname)
	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	kc := keepclient.New(ac)
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, kc)
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile("lightning-rnaseq", os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	_, err = f.Write(exe)
	if err != nil {
		return "", err
	}
	err = f.Close()
	if err != nil {
		return "", err
	}
	mtxt, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": mtxt,
			"name":          cname,
			"properties": map[string]interface{}{
				"blake2b": b2,
			},
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("stored binary in new collection %s", coll.UUID)
	return coll.UUID, nil
}

// zopen opens fnm for reading, using the Arvados API for collection
// paths when ARVADOS_API_HOST is set, and decompressing if fnm ends
// with ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return gzipr{rdr, f}, nil
}

// gzipr closes both the decompressor and the underlying file.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

var (
	siteFS    arvados.CustomFileSystem
	siteFSMtx sync.Mutex
)

func open(fnm string) (io.ReadCloser, error) {
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	siteFSMtx.Lock()
	defer siteFSMtx.Unlock()
	if siteFS == nil {
		log.Info("setting up Arvados client")
		client := arvados.NewClientFromEnv()
		ac, err := arvadosclient.New(client)
		if err != nil {
			return nil, err
		}
		ac.Client = arvados.DefaultSecureClient
		kc := keepclient.New(ac)
		kc.HTTPClient = arvados.DefaultSecureClient
		siteFS = client.SiteFileSystem(kc)
	}
	log.Infof("reading %q from %s using Arvados client", m[3], m[2])
	return siteFS.Open("by_id/" + m[2] + m[3])
}
