// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/autotest/scheduler/sdk/go/statuslog"
)

const lostProcessError = "Autoserv exited abnormally while running this job, most likely because of a\n" +
	"system error on the scheduler or drone. Results may be incomplete."

// queueTaskBase runs a job's control file with autoserv on a group
// of queue entries (or on a single hostless entry).
type queueTaskBase struct {
	*baseTask
	job     autotest.Job
	entries []autotest.HostQueueEntry
	// Hostnames by host ID, for entries that have a host.
	hostnames map[int64]string
	// finishTask hook, overridden by queueTask and
	// hostlessQueueTask.
	finish func(ctx context.Context) error
}

func (d *Dispatcher) newQueueTaskBase(ctx context.Context, entries []autotest.HostQueueEntry) (*queueTaskBase, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("queue task with no entries")
	}
	job, err := d.store.Job(ctx, entries[0].JobID)
	if err != nil {
		return nil, err
	}
	t := &queueTaskBase{
		baseTask:  &baseTask{d: d},
		job:       job,
		entries:   entries,
		hostnames: map[int64]string{},
	}
	for _, e := range entries {
		t.qeIDs = append(t.qeIDs, e.ID)
		if e.HostID == nil {
			continue
		}
		h, err := d.store.Host(ctx, *e.HostID)
		if err != nil {
			return nil, err
		}
		t.hostnames[h.ID] = h.Hostname
	}
	return t, nil
}

// workingDirectory is shared by all entries of the group.
func (t *queueTaskBase) workingDirectory() string {
	return t.entries[0].ExecutionPath(t.job)
}

func (t *queueTaskBase) keyvalPath() string             { return path.Join(t.workingDirectory(), "keyval") }
func (t *queueTaskBase) pidfileName() string            { return drone.AutoservPidfile }
func (t *queueTaskBase) pidfileType() drone.PidfileType { return drone.PidfileJob }
func (t *queueTaskBase) numProcesses() int              { return len(t.entries) }
func (t *queueTaskBase) ownerUsername() string          { return t.job.Owner }

func (t *queueTaskBase) commandLine(ctx context.Context) ([]string, error) {
	executionPath := t.entries[0].ExecutionPath(t.job)
	controlPath := t.d.pm.AttachFileToExecution(executionPath, t.job.ControlFile, "")
	var hostnames, profiles []string
	for _, e := range t.entries {
		if e.IsHostless() || e.HostID == nil {
			continue
		}
		hostnames = append(hostnames, t.hostnames[*e.HostID])
		profiles = append(profiles, e.Profile)
	}
	args := t.d.autoservCommandLine(hostnames, profiles,
		[]string{"-P", executionPath, "-n", t.d.pm.AbsolutePath(controlPath, false)},
		&t.job, false)
	if !t.job.IsServerJob() {
		args = append(args, "-c")
	}
	return args, nil
}

func (t *queueTaskBase) prolog(ctx context.Context) error {
	k, v := jobQueuedKeyval(t.job)
	kvs := map[string]string{k: v}
	group, err := t.d.groupName(ctx, t.entries[0])
	if err != nil {
		return err
	}
	if group != "" {
		kvs["host_group_name"] = group
	}
	t.d.writeKeyvalsBeforeJob(t.workingDirectory(), t.keyvalPath(), kvs)
	now := t.d.now()
	for i := range t.entries {
		id := t.entries[i].ID
		if _, err := t.d.setEntryStatus(ctx, id, autotest.QueueEntryRunning); err != nil {
			return err
		}
		t.entries[i], err = t.d.updateEntry(ctx, id, func(e *autotest.HostQueueEntry) {
			e.StartedOn = &now
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *queueTaskBase) finishTask(ctx context.Context) error {
	if t.mon == nil {
		return nil
	}
	t.d.writeKeyvalAfterJob(t.mon, t.keyvalPath(), "job_finished", fmt.Sprint(t.d.now().Unix()))
	if t.mon.lost {
		t.d.pm.WriteLinesToFile(path.Join(t.workingDirectory(), "job_failure"), []string{lostProcessError}, nil)
	}
	return nil
}

// logAbort records who aborted the job, in the keyval file and as a
// status log comment.
func (t *queueTaskBase) logAbort(ctx context.Context) error {
	if t.mon == nil || !t.mon.hasProcess() {
		return nil
	}
	by, on := "", int64(0)
	for _, e := range t.entries {
		e, err := t.d.store.QueueEntry(ctx, e.ID)
		if err != nil {
			return err
		}
		if e.AbortedBy == "" {
			continue
		}
		by = e.AbortedBy
		if e.AbortedOn != nil && e.AbortedOn.Unix() > on {
			on = e.AbortedOn.Unix()
		}
	}
	if by == "" {
		by, on = abortedBySystem, t.d.now().Unix()
	}
	t.d.writeKeyvalAfterJob(t.mon, t.keyvalPath(), "aborted_by", by)
	t.d.writeKeyvalAfterJob(t.mon, t.keyvalPath(), "aborted_on", fmt.Sprint(on))
	comment, err := statuslog.NewEntry("INFO", "", "", fmt.Sprintf("Job aborted by %s on %s", by, unixTime(on)), nil, t.d.now())
	if err != nil {
		return err
	}
	p := t.mon.getProcess()
	t.d.pm.WriteLinesToFile(path.Join(t.workingDirectory(), "status.log"), []string{strings.TrimRight(comment.Render(), "\n")}, &p)
	return nil
}

func (t *queueTaskBase) abort(ctx context.Context) error {
	if err := t.baseTask.abort(ctx); err != nil {
		return err
	}
	if err := t.logAbort(ctx); err != nil {
		return err
	}
	return t.finish(ctx)
}

// recover reattaches to a running autoserv. Entries already marked
// Running whose process is gone are treated as crashed and moved on
// to post-job handling rather than relaunched.
func (t *queueTaskBase) recover(ctx context.Context) error {
	if err := t.baseTask.recover(ctx); err != nil || t.mon != nil || t.done {
		return err
	}
	for _, id := range t.qeIDs {
		e, err := t.d.store.QueueEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != autotest.QueueEntryRunning {
			return nil
		}
	}
	t.logger().Warn("no autoserv process found for Running entries, treating job as crashed")
	t.d.pm.WriteLinesToFile(path.Join(t.workingDirectory(), "job_failure"), []string{lostProcessError}, nil)
	return t.impl.finished(ctx, false)
}

func (t *queueTaskBase) epilog(ctx context.Context) error {
	if err := t.baseTask.epilog(ctx); err != nil {
		return err
	}
	return t.finish(ctx)
}

type queueTask struct {
	*queueTaskBase
}

func (d *Dispatcher) newQueueTask(ctx context.Context, entries []autotest.HostQueueEntry) (*queueTask, error) {
	qtb, err := d.newQueueTaskBase(ctx, entries)
	if err != nil {
		return nil, err
	}
	t := &queueTask{queueTaskBase: qtb}
	for _, e := range entries {
		if e.HostID != nil {
			t.hIDs = append(t.hIDs, *e.HostID)
		}
	}
	t.name = fmt.Sprintf("QueueTask(job %d, entries %v)", t.job.ID, t.qeIDs)
	t.impl = t
	t.finish = t.finishTask
	return t, nil
}

func (t *queueTask) prolog(ctx context.Context) error {
	err := t.checkQueueEntryStatuses(ctx, t.qeIDs,
		[]autotest.QueueEntryStatus{autotest.QueueEntryStarting, autotest.QueueEntryRunning},
		[]autotest.HostStatus{autotest.HostPending, autotest.HostRunning})
	if err != nil {
		return err
	}
	if err := t.queueTaskBase.prolog(ctx); err != nil {
		return err
	}
	labels, err := t.d.labelsByID(ctx)
	if err != nil {
		return err
	}
	for _, id := range t.hIDs {
		host, err := t.d.updateHost(ctx, id, func(h *autotest.Host) {
			h.Status = autotest.HostRunning
			h.Dirty = true
		})
		if err != nil {
			return err
		}
		t.d.writeHostKeyvals(t.workingDirectory(), host, labels)
	}
	if t.job.SynchCount == 1 && len(t.entries) == 1 && len(t.hIDs) == 1 {
		t.d.pm.WriteLinesToFile(path.Join(t.job.Tag(), ".machines"), []string{t.hostnames[t.hIDs[0]]}, nil)
	}
	return nil
}

func (t *queueTask) finishTask(ctx context.Context) error {
	if err := t.queueTaskBase.finishTask(ctx); err != nil {
		return err
	}
	for _, e := range t.entries {
		if _, err := t.d.setEntryStatus(ctx, e.ID, autotest.QueueEntryGathering); err != nil {
			return err
		}
	}
	for _, id := range t.hIDs {
		if err := t.d.setHostStatus(ctx, id, autotest.HostRunning); err != nil {
			return err
		}
	}
	return nil
}

// hostlessQueueTask runs a server-side job that needs no host.
type hostlessQueueTask struct {
	*queueTaskBase
}

func (d *Dispatcher) newHostlessQueueTask(ctx context.Context, entry autotest.HostQueueEntry) (*hostlessQueueTask, error) {
	qtb, err := d.newQueueTaskBase(ctx, []autotest.HostQueueEntry{entry})
	if err != nil {
		return nil, err
	}
	t := &hostlessQueueTask{queueTaskBase: qtb}
	t.name = fmt.Sprintf("HostlessQueueTask(job %d, entry %d)", t.job.ID, entry.ID)
	t.impl = t
	t.finish = t.finishTask
	return t, nil
}

func (t *hostlessQueueTask) prolog(ctx context.Context) error {
	e, err := t.d.setExecutionSubdir(ctx, t.entries[0].ID, autotest.HostlessSubdir)
	if err != nil {
		return err
	}
	t.entries[0] = e
	return t.queueTaskBase.prolog(ctx)
}

func (t *hostlessQueueTask) finishTask(ctx context.Context) error {
	if err := t.queueTaskBase.finishTask(ctx); err != nil {
		return err
	}
	_, err := t.d.setEntryStatus(ctx, t.entries[0].ID, autotest.QueueEntryParsing)
	return err
}
