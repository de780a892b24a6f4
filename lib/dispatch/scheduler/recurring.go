// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/autotest/scheduler/lib/dispatch/store"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule checks a recurring run schedule: a standard five
// field cron expression, or a descriptor like "@daily".
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

// processRecurringRuns submits a copy of each recurring run's
// template job that is due, then reschedules or retires the run.
func (d *Dispatcher) processRecurringRuns(ctx context.Context) error {
	runs, err := d.store.ListRecurringRuns(ctx)
	if err != nil {
		return err
	}
	now := d.now()
	for _, rr := range runs {
		if rr.StartDate.After(now) {
			continue
		}
		logger := d.logger.WithFields(logrus.Fields{"RecurringRun": rr.ID, "Job": rr.JobID})
		if job, err := d.cloneJob(ctx, rr); err != nil {
			logger.WithError(err).Error("error creating recurring job")
			d.notifier.Enqueue(fmt.Sprintf("Recurring run %d failed", rr.ID), err.Error())
		} else {
			logger.WithField("NewJob", job.ID).Info("created recurring job")
		}

		next, err := d.nextRunTime(rr, now)
		if err != nil {
			logger.WithError(err).Error("invalid recurring run schedule, deleting")
		}
		if rr.LoopCount == 1 || next.IsZero() {
			if err := d.store.DeleteRecurringRun(ctx, rr.ID); err != nil {
				return err
			}
			continue
		}
		if rr.LoopCount > 1 {
			rr.LoopCount--
		}
		rr.StartDate = next
		if err := d.store.UpdateRecurringRun(ctx, rr); err != nil {
			return err
		}
	}
	return nil
}

// nextRunTime returns the next start date of the run, or the zero
// time if it has none.
func (d *Dispatcher) nextRunTime(rr autotest.RecurringRun, now time.Time) (time.Time, error) {
	if rr.Schedule != "" {
		sched, err := ParseSchedule(rr.Schedule)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now), nil
	}
	period := rr.LoopPeriod.Duration()
	if period <= 0 {
		return time.Time{}, nil
	}
	next := rr.StartDate.Add(period)
	for !next.After(now) {
		next = next.Add(period)
	}
	return next, nil
}

// cloneJob creates a new job from the run's template job, owned by
// the run's owner, with the template's hosts, metahosts and atomic
// group.
func (d *Dispatcher) cloneJob(ctx context.Context, rr autotest.RecurringRun) (autotest.Job, error) {
	tmpl, err := d.store.Job(ctx, rr.JobID)
	if err != nil {
		return tmpl, err
	}
	entries, err := d.store.ListQueueEntries(ctx, store.EntryFilter{JobID: tmpl.ID})
	if err != nil {
		return tmpl, err
	}
	var clones []autotest.HostQueueEntry
	atomicDone := false
	for _, e := range entries {
		switch {
		case e.AtomicGroupID != nil:
			// Atomic group entries are expanded once hosts are
			// chosen, so the template may hold several.
			if atomicDone {
				continue
			}
			atomicDone = true
			clones = append(clones, autotest.HostQueueEntry{AtomicGroupID: e.AtomicGroupID, MetaHost: e.MetaHost, Profile: e.Profile})
		case e.MetaHost != nil:
			clones = append(clones, autotest.HostQueueEntry{MetaHost: e.MetaHost, Profile: e.Profile})
		default:
			clones = append(clones, autotest.HostQueueEntry{HostID: e.HostID, Profile: e.Profile})
		}
	}
	job := tmpl
	job.ID = 0
	job.Owner = rr.Owner
	job.CreatedOn = d.now()
	job.Dependencies = append([]int64(nil), tmpl.Dependencies...)
	if _, err := d.store.CreateJob(ctx, &job, clones); err != nil {
		return job, err
	}
	return job, nil
}
