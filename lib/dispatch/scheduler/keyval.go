// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/autotest/scheduler/sdk/go/autotest"
)

type keyval struct {
	key, value string
}

func formatKeyval(key, value string) string {
	return key + "=" + value
}

func sortedKeyvals(m map[string]string) []keyval {
	var kvs []keyval
	for k, v := range m {
		kvs = append(kvs, keyval{k, v})
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].key < kvs[j].key })
	return kvs
}

// writeKeyvalsBeforeJob attaches a keyval file to the next command
// run in resultsDir.
func (d *Dispatcher) writeKeyvalsBeforeJob(resultsDir, keyvalPath string, kvs map[string]string) {
	var lines []string
	for _, kv := range sortedKeyvals(kvs) {
		lines = append(lines, formatKeyval(kv.key, kv.value))
	}
	d.pm.AttachFileToExecution(resultsDir, strings.Join(lines, "\n")+"\n", keyvalPath)
}

// writeKeyvalAfterJob appends a keyval line on the drone that ran
// the monitored process.
func (d *Dispatcher) writeKeyvalAfterJob(mon *pidfileRunMonitor, keyvalPath, key, value string) {
	if mon == nil || !mon.hasProcess() {
		return
	}
	p := mon.getProcess()
	d.pm.WriteLinesToFile(keyvalPath, []string{formatKeyval(key, value)}, &p)
}

// writeHostKeyvals records the host's labels for the results
// parser.
func (d *Dispatcher) writeHostKeyvals(resultsDir string, host autotest.Host, labels map[int64]autotest.Label) {
	var names []string
	for _, id := range host.Labels {
		if l, ok := labels[id]; ok {
			names = append(names, url.PathEscape(l.Name))
		}
	}
	sort.Strings(names)
	keyvalPath := path.Join(resultsDir, "host_keyvals", host.Hostname)
	d.writeKeyvalsBeforeJob(resultsDir, keyvalPath, map[string]string{
		"labels": strings.Join(names, ","),
	})
}

func jobQueuedKeyval(job autotest.Job) (string, string) {
	return "job_queued", fmt.Sprint(job.CreatedOn.Unix())
}

func unixTime(sec int64) string {
	return time.Unix(sec, 0).Format("2006-01-02 15:04:05")
}
