// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"fmt"
	"time"

	"github.com/autotest/scheduler/lib/dispatch/store"
	"github.com/autotest/scheduler/sdk/go/autotest"
)

// Hostname returns a fake hostname.
func Hostname(i int) string {
	return fmt.Sprintf("host%d", i)
}

// SchedulerConfig returns a scheduler configuration suitable for
// driving a dispatcher by calling Tick directly.
func SchedulerConfig() autotest.SchedulerConfig {
	return autotest.SchedulerConfig{
		TickInterval:                autotest.Duration(time.Second),
		PidfileTimeout:              autotest.Duration(time.Minute),
		MaxProcessesStartedPerCycle: 100,
		MaxParseProcesses:           5,
		MaxTransferProcesses:        5,
		MaxPidfileRefreshes:         100,
		AutoservCommand:             "autoserv",
		ParserCommand:               "tko/parse",
		ArchiveControl:              "archive_results.control.srv",
		ResultsDir:                  "/results",
	}
}

// CreateHosts adds n Ready, clean hosts named host1..hostN to st.
func CreateHosts(ctx context.Context, st store.Store, n int) ([]autotest.Host, error) {
	var hosts []autotest.Host
	for i := 1; i <= n; i++ {
		h := autotest.Host{Hostname: Hostname(i), Status: autotest.HostReady}
		if err := st.CreateHost(ctx, &h); err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// Job returns a fake single-machine client job that verifies its
// hosts before running and cleans them up afterwards.
func Job(name string) autotest.Job {
	return autotest.Job{
		Owner:        "autotest_system",
		Name:         name,
		ControlFile:  "job.run_test('sleeptest')",
		ControlType:  autotest.ControlTypeClient,
		SynchCount:   1,
		RebootBefore: autotest.RebootBeforeIfDirty,
		RebootAfter:  autotest.RebootAfterAlways,
		RunVerify:    true,
		Timeout:      autotest.Duration(24 * time.Hour),
	}
}

// HostEntries returns one queue entry template per host.
func HostEntries(hosts ...autotest.Host) []autotest.HostQueueEntry {
	var entries []autotest.HostQueueEntry
	for _, h := range hosts {
		id := h.ID
		entries = append(entries, autotest.HostQueueEntry{HostID: &id})
	}
	return entries
}
