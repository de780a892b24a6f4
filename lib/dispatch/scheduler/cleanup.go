// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/autotest/scheduler/lib/dispatch/store"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/sirupsen/logrus"
)

// maxInconsistentEntries limits the entries listed in an
// inconsistency notification.
const maxInconsistentEntries = 50

// runCleanupMaybe runs the periodic database upkeep once every
// CleanupInterval. A zero interval disables it.
func (d *Dispatcher) runCleanupMaybe(ctx context.Context) error {
	interval := d.config.CleanupInterval.Duration()
	if interval <= 0 || d.now().Before(d.lastCleanup.Add(interval)) {
		return nil
	}
	d.lastCleanup = d.now()
	d.logger.Info("running periodic cleanup")
	for _, f := range []func(context.Context) error{
		d.abortTimedOutJobs,
		d.abortEntriesPastMaxRuntime,
		d.clearInactiveBlocks,
		d.checkForDBInconsistencies,
	} {
		if err := f(ctx); err != nil {
			return err
		}
	}
	return nil
}

// abortTimedOutJobs aborts the incomplete jobs created more than
// their Timeout ago.
func (d *Dispatcher) abortTimedOutJobs(ctx context.Context) error {
	entries, err := d.store.ListQueueEntries(ctx, store.EntryFilter{Incomplete: true})
	if err != nil {
		return err
	}
	seen := map[int64]bool{}
	for _, e := range entries {
		if seen[e.JobID] {
			continue
		}
		seen[e.JobID] = true
		job, err := d.store.Job(ctx, e.JobID)
		if err != nil {
			return err
		}
		timeout := job.Timeout.Duration()
		if timeout <= 0 || !d.now().After(job.CreatedOn.Add(timeout)) {
			continue
		}
		d.logger.WithField("Job", job.ID).Warn("aborting job due to job timeout")
		if err := d.requestAbort(ctx, job.ID, abortedBySystem); err != nil {
			return err
		}
	}
	return nil
}

// abortEntriesPastMaxRuntime aborts started entries that have been
// running longer than their job's MaxRuntime.
func (d *Dispatcher) abortEntriesPastMaxRuntime(ctx context.Context) error {
	entries, err := d.store.ListQueueEntries(ctx, store.EntryFilter{Incomplete: true})
	if err != nil {
		return err
	}
	jobs := map[int64]autotest.Job{}
	for _, e := range entries {
		if e.Aborted || e.StartedOn == nil {
			continue
		}
		job, ok := jobs[e.JobID]
		if !ok {
			job, err = d.store.Job(ctx, e.JobID)
			if err != nil {
				return err
			}
			jobs[e.JobID] = job
		}
		maxRuntime := job.MaxRuntime.Duration()
		if maxRuntime <= 0 || !d.now().After(e.StartedOn.Add(maxRuntime)) {
			continue
		}
		d.logger.WithFields(logrus.Fields{"QueueEntry": e.ID, "Job": job.ID}).Warn("aborting entry due to max runtime")
		now := d.now()
		if _, err := d.updateEntry(ctx, e.ID, func(e *autotest.HostQueueEntry) {
			e.Aborted = true
			e.AbortedBy = abortedBySystem
			e.AbortedOn = &now
		}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) clearInactiveBlocks(ctx context.Context) error {
	n, err := d.store.ClearInactiveBlocks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger.WithField("Blocks", n).Info("cleared blocks of completed jobs")
	}
	return nil
}

func (d *Dispatcher) checkForDBInconsistencies(ctx context.Context) error {
	active, err := d.store.ListQueueEntries(ctx, store.EntryFilter{Active: true})
	if err != nil {
		return err
	}
	var bad []string
	for _, e := range active {
		if e.Complete {
			bad = append(bad, e.String())
		}
	}
	if len(bad) == 0 {
		return nil
	}
	subject := fmt.Sprintf("%d queue entries found with active=complete=1", len(bad))
	if len(bad) > maxInconsistentEntries {
		bad = append(bad[:maxInconsistentEntries], "(truncated)")
	}
	d.logger.Error(subject)
	d.notifier.Enqueue(subject, strings.Join(bad, "\n"))
	return nil
}
