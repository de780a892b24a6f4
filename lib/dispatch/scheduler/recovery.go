// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/autotest/scheduler/lib/dispatch/store"
	"github.com/autotest/scheduler/sdk/go/autotest"
)

// recoverProcesses rebuilds the agents of a previous scheduler run
// from the database and the pidfiles left on the drones.
func (d *Dispatcher) recoverProcesses(ctx context.Context) error {
	tasks, err := d.recoveryAgentTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		t.registerNecessaryPidfiles()
	}
	d.pm.Refresh(ctx)
	if err := d.recoverTasks(ctx, tasks); err != nil {
		return err
	}
	if err := d.recoverPendingEntries(ctx); err != nil {
		return err
	}
	if err := d.checkForUnrecoveredVerifyingEntries(ctx); err != nil {
		return err
	}
	if err := d.reverifyHostsWhere(ctx, []autotest.HostStatus{autotest.HostRepairing, autotest.HostVerifying, autotest.HostCleaning}, false); err != nil {
		return err
	}
	// Killed orphans can leave files behind, so the drones are
	// reinitialized after the kills go out.
	d.pm.ExecuteActions(ctx)
	d.pm.ReinitializeDrones(d.drones)
	return nil
}

func (d *Dispatcher) recoveryAgentTasks(ctx context.Context) ([]recoverableTask, error) {
	tasks, err := d.queueEntryAgentTasks(ctx)
	if err != nil {
		return nil, err
	}
	active, err := d.store.ListSpecialTasks(ctx, store.TaskFilter{Active: true, Incomplete: true})
	if err != nil {
		return nil, err
	}
	for _, st := range active {
		t, err := d.agentTaskForSpecialTask(ctx, st)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (d *Dispatcher) recoverTasks(ctx context.Context, tasks []recoverableTask) error {
	orphans := map[drone.Process]bool{}
	for _, p := range d.pm.OrphanedProcesses() {
		orphans[p] = true
	}
	for _, t := range tasks {
		if err := t.recover(ctx); err != nil {
			return err
		}
		if mon := t.monitor(); mon != nil && mon.hasProcess() {
			delete(orphans, mon.getProcess())
		}
		d.addAgentTask(t)
	}
	return d.checkForRemainingOrphans(orphans)
}

func (d *Dispatcher) checkForRemainingOrphans(orphans map[drone.Process]bool) error {
	if len(orphans) == 0 {
		return nil
	}
	var lines []string
	for p := range orphans {
		lines = append(lines, p.String())
	}
	const subject = "Unrecovered orphan autoserv processes remain"
	msg := strings.Join(lines, "\n")
	d.notifier.Enqueue(subject, msg)
	if d.config.DieOnOrphans {
		return schedulerErrorf("%s\n%s", subject, msg)
	}
	return nil
}

func (d *Dispatcher) recoverPendingEntries(ctx context.Context) error {
	entries, err := d.store.ListQueueEntries(ctx, store.EntryFilter{Statuses: []autotest.QueueEntryStatus{autotest.QueueEntryPending}})
	if err != nil {
		return err
	}
	for _, e := range entries {
		// A group started by an earlier entry in this loop has
		// moved on from Pending.
		e, err := d.store.QueueEntry(ctx, e.ID)
		if err != nil {
			return err
		}
		if e.Status != autotest.QueueEntryPending || len(d.agentsForEntry(e.ID)) > 0 {
			continue
		}
		d.logger.WithField("QueueEntry", e.ID).Info("recovering Pending entry")
		if err := d.onPending(ctx, e.ID); err != nil {
			return err
		}
	}
	return nil
}

// checkForUnrecoveredVerifyingEntries fails when a Verifying entry
// has no incomplete Verify or Cleanup task left to move it along.
func (d *Dispatcher) checkForUnrecoveredVerifyingEntries(ctx context.Context) error {
	entries, err := d.store.ListQueueEntries(ctx, store.EntryFilter{Statuses: []autotest.QueueEntryStatus{autotest.QueueEntryVerifying}})
	if err != nil {
		return err
	}
	var unrecovered []string
	for _, e := range entries {
		tasks, err := d.store.ListSpecialTasks(ctx, store.TaskFilter{
			QueueEntryID: e.ID,
			Kinds:        []autotest.SpecialTaskKind{autotest.TaskCleanup, autotest.TaskVerify},
			Incomplete:   true,
		})
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			unrecovered = append(unrecovered, e.String())
		}
	}
	if len(unrecovered) > 0 {
		return schedulerErrorf("%d unrecovered verifying host queue entries:\n%s", len(unrecovered), strings.Join(unrecovered, "\n"))
	}
	return nil
}

// reverifyHostsWhere schedules a Cleanup for every unlocked, valid
// host in one of the given statuses that nothing is working on.
func (d *Dispatcher) reverifyHostsWhere(ctx context.Context, statuses []autotest.HostStatus, notify bool) error {
	hosts, err := d.store.ListHosts(ctx, store.HostFilter{Statuses: statuses, Unlocked: true, Valid: true})
	if err != nil {
		return err
	}
	for _, h := range hosts {
		if d.hostHasAgent(h.ID) {
			continue
		}
		queued, err := d.store.ListSpecialTasks(ctx, store.TaskFilter{HostID: h.ID, Queued: true})
		if err != nil {
			return err
		}
		if len(queued) > 0 {
			continue
		}
		if notify {
			d.logger.WithField("Host", h.Hostname).Info("reverifying dead host")
			d.notifier.Enqueue(fmt.Sprintf("Host %s is in Repair Failed state", h.Hostname), fmt.Sprintf("Reverifying dead host %s", h.Hostname))
		} else {
			d.logger.WithField("Host", h.Hostname).Warn("recovering active host, this probably indicates a scheduler bug")
		}
		if err := d.createSpecialTask(ctx, h.ID, autotest.TaskCleanup, nil, ""); err != nil {
			return err
		}
	}
	return nil
}

// recoverHosts gives Repair Failed hosts another chance.
func (d *Dispatcher) recoverHosts(ctx context.Context) error {
	return d.reverifyHostsWhere(ctx, []autotest.HostStatus{autotest.HostRepairFailed}, true)
}
