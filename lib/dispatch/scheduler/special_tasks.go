// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"
	"path"

	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/autotest/scheduler/lib/dispatch/store"
	"github.com/autotest/scheduler/sdk/go/autotest"
)

// specialTask runs autoserv in a maintenance mode against a single
// host, optionally on behalf of a queue entry.
type specialTask struct {
	*baseTask
	task      autotest.SpecialTask
	host      autotest.Host
	entry     *autotest.HostQueueEntry
	job       *autotest.Job
	pidType   drone.PidfileType
	extraArgs []string
}

func (d *Dispatcher) newSpecialTask(ctx context.Context, st autotest.SpecialTask, typ drone.PidfileType, extraArgs []string) (*specialTask, error) {
	host, err := d.store.Host(ctx, st.HostID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", st, err)
	}
	t := &specialTask{
		baseTask: &baseTask{
			d:    d,
			name: st.String(),
			hIDs: []int64{host.ID},
		},
		task:      st,
		host:      host,
		pidType:   typ,
		extraArgs: extraArgs,
	}
	if st.QueueEntryID != nil {
		e, err := d.store.QueueEntry(ctx, *st.QueueEntryID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", st, err)
		}
		job, err := d.store.Job(ctx, e.JobID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", st, err)
		}
		t.entry, t.job = &e, &job
		t.qeIDs = []int64{e.ID}
	}
	return t, nil
}

func (t *specialTask) workingDirectory() string              { return t.task.ExecutionPath(t.host.Hostname) }
func (t *specialTask) pidfileName() string                   { return drone.AutoservPidfile }
func (t *specialTask) pidfileType() drone.PidfileType        { return t.pidType }
func (t *specialTask) ownerUsername() string                 { return t.task.RequestedBy }
func (t *specialTask) keyvalPath() string                    { return path.Join(t.workingDirectory(), "keyval") }
func (t *specialTask) maintenanceTask() autotest.SpecialTask { return t.task }

func (t *specialTask) commandLine(ctx context.Context) ([]string, error) {
	var profiles []string
	if t.entry != nil && t.entry.Profile != "" {
		profiles = []string{t.entry.Profile}
	}
	return t.d.autoservCommandLine([]string{t.host.Hostname}, profiles, t.extraArgs, t.job, true), nil
}

func (t *specialTask) prolog(ctx context.Context) error {
	if err := t.baseTask.prolog(ctx); err != nil {
		return err
	}
	now := t.d.now()
	t.task.IsActive = true
	t.task.TimeStarted = &now
	if err := t.d.store.UpdateSpecialTask(ctx, t.task); err != nil {
		return err
	}
	labels, err := t.d.labelsByID(ctx)
	if err != nil {
		return err
	}
	t.d.writeHostKeyvals(t.workingDirectory(), t.host, labels)
	return nil
}

func (t *specialTask) cleanup(ctx context.Context) error {
	if err := t.baseTask.cleanup(ctx); err != nil {
		return err
	}
	t.task.IsActive = false
	t.task.IsComplete = true
	t.task.Success = t.success
	if err := t.d.store.UpdateSpecialTask(ctx, t.task); err != nil {
		return err
	}
	if t.mon != nil {
		if t.mon.hasProcess() {
			t.mon.tryCopyToResultsRepository(t.workingDirectory(), "")
		}
		if t.mon.pidfileID != nil {
			t.d.pm.UnregisterPidfile(*t.mon.pidfileID)
		}
	}
	return nil
}

// failQueueEntry sends a requeued entry whose host could not be
// repaired straight to the post-job stages, with the maintenance
// logs as its results. Metahost entries are left to be scheduled
// on another host.
func (t *specialTask) failQueueEntry(ctx context.Context) error {
	if t.entry == nil {
		return nil
	}
	e, err := t.d.store.QueueEntry(ctx, t.entry.ID)
	if err != nil {
		return err
	}
	if e.MetaHost != nil || e.Status != autotest.QueueEntryQueued {
		return nil
	}
	e, err = t.d.setExecutionSubdir(ctx, e.ID, t.host.Hostname)
	if err != nil {
		return err
	}
	job := *t.job
	k, v := jobQueuedKeyval(job)
	t.d.writeKeyvalAfterJob(t.mon, t.keyvalPath(), k, v)
	t.d.writeKeyvalAfterJob(t.mon, t.keyvalPath(), "job_finished", fmt.Sprint(t.d.now().Unix()))
	if t.mon != nil {
		t.mon.tryCopyResultsOnDrone(t.workingDirectory()+"/", e.ExecutionPath(job)+"/")
	}
	t.d.pm.RegisterPidfile(t.d.pm.GetPidfileID(e.ExecutionPath(job), drone.AutoservPidfile, drone.PidfileJob))
	next := autotest.QueueEntryArchiving
	if job.ParseFailedRepair {
		next = autotest.QueueEntryParsing
	}
	_, err = t.d.setEntryStatus(ctx, e.ID, next)
	return err
}

type repairTask struct {
	*specialTask
}

func (d *Dispatcher) newRepairTask(ctx context.Context, st autotest.SpecialTask) (*repairTask, error) {
	host, err := d.store.Host(ctx, st.HostID)
	if err != nil {
		return nil, err
	}
	spt, err := d.newSpecialTask(ctx, st, drone.PidfileRepair, []string{"-R", "--host-protection", protectionArgs[host.Protection]})
	if err != nil {
		return nil, err
	}
	t := &repairTask{specialTask: spt}
	t.impl = t
	return t, nil
}

func (t *repairTask) prolog(ctx context.Context) error {
	if err := t.specialTask.prolog(ctx); err != nil {
		return err
	}
	t.logger().WithField("Host", t.host.Hostname).Info("starting repair")
	return t.d.setHostStatus(ctx, t.host.ID, autotest.HostRepairing)
}

func (t *repairTask) run(ctx context.Context) error {
	if t.host.Protection == autotest.ProtectionDoNotRepair {
		t.logger().WithField("Host", t.host.Hostname).Info("host is protected from repair")
		return t.finished(ctx, false)
	}
	return t.specialTask.run(ctx)
}

func (t *repairTask) epilog(ctx context.Context) error {
	if err := t.specialTask.epilog(ctx); err != nil {
		return err
	}
	if t.success {
		return t.d.setHostStatus(ctx, t.host.ID, autotest.HostReady)
	}
	if err := t.d.setHostStatus(ctx, t.host.ID, autotest.HostRepairFailed); err != nil {
		return err
	}
	return t.failQueueEntry(ctx)
}

// preJobTask is a special task that may run before a job on the
// same host. When it fails the host gets repaired and the entry
// requeued.
type preJobTask struct {
	*specialTask
}

func (t *preJobTask) copyToResultsRepository(ctx context.Context) error {
	if t.entry == nil || t.entry.MetaHost != nil || t.mon == nil {
		return nil
	}
	e, err := t.d.setExecutionSubdir(ctx, t.entry.ID, t.host.Hostname)
	if err != nil {
		return err
	}
	wd := t.workingDirectory()
	t.mon.tryCopyToResultsRepository(path.Join(wd, "debug", "autoserv.DEBUG"), path.Join(e.ExecutionPath(*t.job), path.Base(wd)))
	return nil
}

func (t *preJobTask) epilog(ctx context.Context) error {
	if err := t.specialTask.epilog(ctx); err != nil {
		return err
	}
	if t.success {
		return nil
	}
	if err := t.copyToResultsRepository(ctx); err != nil {
		return err
	}
	if t.host.Protection == autotest.ProtectionDoNotVerify {
		t.success = true
		return nil
	}
	var entryID *int64
	if t.entry != nil {
		id := t.entry.ID
		entryID = &id
		if err := t.d.requeueEntry(ctx, id); err != nil {
			return err
		}
		repairs, err := t.d.store.ListSpecialTasks(ctx, store.TaskFilter{
			QueueEntryID: id,
			Kinds:        []autotest.SpecialTaskKind{autotest.TaskRepair},
		})
		if err != nil {
			return err
		}
		if len(repairs) > 0 {
			if err := t.d.setHostStatus(ctx, t.host.ID, autotest.HostRepairFailed); err != nil {
				return err
			}
			return t.failQueueEntry(ctx)
		}
	}
	return t.d.createSpecialTask(ctx, t.host.ID, autotest.TaskRepair, entryID, t.task.RequestedBy)
}

type verifyTask struct {
	*preJobTask
}

func (d *Dispatcher) newVerifyTask(ctx context.Context, st autotest.SpecialTask) (*verifyTask, error) {
	spt, err := d.newSpecialTask(ctx, st, drone.PidfileVerify, []string{"-v"})
	if err != nil {
		return nil, err
	}
	t := &verifyTask{preJobTask: &preJobTask{specialTask: spt}}
	t.impl = t
	return t, nil
}

func (t *verifyTask) prolog(ctx context.Context) error {
	if err := t.preJobTask.prolog(ctx); err != nil {
		return err
	}
	t.logger().WithField("Host", t.host.Hostname).Info("starting verify")
	if t.entry != nil {
		if _, err := t.d.setEntryStatus(ctx, t.entry.ID, autotest.QueueEntryVerifying); err != nil {
			return err
		}
	}
	if err := t.d.setHostStatus(ctx, t.host.ID, autotest.HostVerifying); err != nil {
		return err
	}
	// One verify will do.
	return t.d.store.DeleteQueuedVerifies(ctx, t.host.ID, t.task.ID)
}

func (t *verifyTask) epilog(ctx context.Context) error {
	if err := t.preJobTask.epilog(ctx); err != nil {
		return err
	}
	if !t.success {
		return nil
	}
	if t.entry != nil {
		return t.d.onPending(ctx, t.entry.ID)
	}
	return t.d.setHostStatus(ctx, t.host.ID, autotest.HostReady)
}

// cleanupTask also runs after jobs (requested by the job owner,
// without an entry), in which case it is unrelated to any job.
type cleanupTask struct {
	*preJobTask
}

func (d *Dispatcher) newCleanupTask(ctx context.Context, st autotest.SpecialTask) (*cleanupTask, error) {
	spt, err := d.newSpecialTask(ctx, st, drone.PidfileCleanup, []string{"--cleanup"})
	if err != nil {
		return nil, err
	}
	t := &cleanupTask{preJobTask: &preJobTask{specialTask: spt}}
	t.impl = t
	return t, nil
}

func (t *cleanupTask) prolog(ctx context.Context) error {
	if err := t.preJobTask.prolog(ctx); err != nil {
		return err
	}
	t.logger().WithField("Host", t.host.Hostname).Info("starting cleanup")
	if err := t.d.setHostStatus(ctx, t.host.ID, autotest.HostCleaning); err != nil {
		return err
	}
	if t.entry != nil {
		if _, err := t.d.setEntryStatus(ctx, t.entry.ID, autotest.QueueEntryVerifying); err != nil {
			return err
		}
	}
	return nil
}

func (t *cleanupTask) epilog(ctx context.Context) error {
	if err := t.preJobTask.epilog(ctx); err != nil {
		return err
	}
	if t.success {
		if _, err := t.d.updateHost(ctx, t.host.ID, func(h *autotest.Host) {
			h.Dirty = false
			h.Status = autotest.HostReady
		}); err != nil {
			return err
		}
	}
	if t.entry == nil || !t.success {
		return nil
	}
	if t.job.RunVerify && t.host.Protection != autotest.ProtectionDoNotVerify {
		id := t.entry.ID
		return t.d.createSpecialTask(ctx, t.host.ID, autotest.TaskVerify, &id, "")
	}
	return t.d.onPending(ctx, t.entry.ID)
}

// resetTask restores a host to a known state in one step, in place
// of a cleanup followed by a verify.
type resetTask struct {
	*preJobTask
}

func (d *Dispatcher) newResetTask(ctx context.Context, st autotest.SpecialTask) (*resetTask, error) {
	spt, err := d.newSpecialTask(ctx, st, drone.PidfileReset, []string{"--reset"})
	if err != nil {
		return nil, err
	}
	t := &resetTask{preJobTask: &preJobTask{specialTask: spt}}
	t.impl = t
	return t, nil
}

func (t *resetTask) prolog(ctx context.Context) error {
	if err := t.preJobTask.prolog(ctx); err != nil {
		return err
	}
	t.logger().WithField("Host", t.host.Hostname).Info("starting reset")
	if err := t.d.setHostStatus(ctx, t.host.ID, autotest.HostCleaning); err != nil {
		return err
	}
	if t.entry != nil {
		if _, err := t.d.setEntryStatus(ctx, t.entry.ID, autotest.QueueEntryVerifying); err != nil {
			return err
		}
	}
	return nil
}

func (t *resetTask) epilog(ctx context.Context) error {
	if err := t.preJobTask.epilog(ctx); err != nil {
		return err
	}
	if !t.success {
		return nil
	}
	if _, err := t.d.updateHost(ctx, t.host.ID, func(h *autotest.Host) {
		h.Dirty = false
		h.Status = autotest.HostReady
	}); err != nil {
		return err
	}
	if t.entry != nil {
		return t.d.onPending(ctx, t.entry.ID)
	}
	return nil
}
