// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/autotest/scheduler/lib/dispatch/store"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/autotest/scheduler/sdk/go/statuslog"
	"github.com/sirupsen/logrus"
)

// abortedBySystem is recorded as the aborting user when the
// scheduler itself aborts a job.
const abortedBySystem = "autotest_system"

var pidfileTypes = map[string]drone.PidfileType{
	drone.AutoservPidfile:  drone.PidfileJob,
	drone.CrashinfoPidfile: drone.PidfileGather,
	drone.ParserPidfile:    drone.PidfileParse,
	drone.ArchiverPidfile:  drone.PidfileArchive,
}

// updateEntry applies fn to the current stored entry and saves it.
func (d *Dispatcher) updateEntry(ctx context.Context, id int64, fn func(*autotest.HostQueueEntry)) (autotest.HostQueueEntry, error) {
	e, err := d.store.QueueEntry(ctx, id)
	if err != nil {
		return e, err
	}
	fn(&e)
	return e, d.store.UpdateQueueEntry(ctx, e)
}

func (d *Dispatcher) updateHost(ctx context.Context, id int64, fn func(*autotest.Host)) (autotest.Host, error) {
	h, err := d.store.Host(ctx, id)
	if err != nil {
		return h, err
	}
	old := h.Status
	fn(&h)
	if err := d.store.UpdateHost(ctx, h); err != nil {
		return h, err
	}
	if h.Status != old {
		d.logger.WithFields(logrus.Fields{
			"Host":      h.Hostname,
			"OldStatus": old,
			"NewStatus": h.Status,
		}).Info("host status changed")
		d.recordStatus(path.Join("hosts", h.Hostname), "host", string(h.Status), statuslog.Field{Key: "hostname", Value: h.Hostname})
	}
	return h, nil
}

func (d *Dispatcher) setHostStatus(ctx context.Context, id int64, status autotest.HostStatus) error {
	_, err := d.updateHost(ctx, id, func(h *autotest.Host) { h.Status = status })
	return err
}

func (d *Dispatcher) recordStatus(subdir, operation, message string, fields ...statuslog.Field) {
	if d.status == nil {
		return
	}
	if err := d.status.Record("INFO", subdir, operation, message, fields...); err != nil {
		d.logger.WithError(err).Warn("could not record status")
	}
}

// setEntryStatus changes an entry's status (and derived flags). When
// the entry completes, the rest of its job may have to be stopped,
// and its pidfiles are no longer needed.
func (d *Dispatcher) setEntryStatus(ctx context.Context, id int64, status autotest.QueueEntryStatus) (autotest.HostQueueEntry, error) {
	e, err := d.store.QueueEntry(ctx, id)
	if err != nil {
		return e, err
	}
	old := e.Status
	e.SetStatus(status)
	if err := d.store.UpdateQueueEntry(ctx, e); err != nil {
		return e, err
	}
	job, err := d.store.Job(ctx, e.JobID)
	if err != nil {
		return e, err
	}
	d.logger.WithFields(logrus.Fields{
		"QueueEntry": e.ID,
		"Job":        e.JobID,
		"OldStatus":  old,
		"NewStatus":  status,
	}).Info("queue entry status changed")
	subdir := job.Tag()
	if e.ExecutionSubdir != "" {
		subdir = e.ExecutionPath(job)
	}
	d.recordStatus(subdir, "queue_entry", string(status), statuslog.Field{Key: "entry", Value: strconv.FormatInt(e.ID, 10)})
	if status.IsComplete() {
		if err := d.onEntryComplete(ctx, e, job); err != nil {
			return e, err
		}
	}
	return e, nil
}

func (d *Dispatcher) onEntryComplete(ctx context.Context, e autotest.HostQueueEntry, job autotest.Job) error {
	if e.Status != autotest.QueueEntryAborted {
		if err := d.stopIfNecessary(ctx, job); err != nil {
			return err
		}
	}
	if e.ExecutionSubdir == "" {
		return nil
	}
	for _, name := range drone.AllPidfileNames {
		d.pm.UnregisterPidfile(d.pm.GetPidfileID(e.ExecutionPath(job), name, pidfileTypes[name]))
	}
	return nil
}

func (d *Dispatcher) setExecutionSubdir(ctx context.Context, id int64, subdir string) (autotest.HostQueueEntry, error) {
	return d.updateEntry(ctx, id, func(e *autotest.HostQueueEntry) { e.ExecutionSubdir = subdir })
}

// queueLogRecord appends a line to the job's per-entry queue log in
// the results repository.
func (d *Dispatcher) queueLogRecord(job autotest.Job, e autotest.HostQueueEntry, line string) {
	p := path.Join(job.Tag(), fmt.Sprintf("queue.log.%d", e.ID))
	d.pm.WriteLinesToFile(p, []string{d.now().Format("2006-01-02 15:04:05.000000") + " " + line}, nil)
}

// setHost assigns a host to the entry, or releases its host if host
// is nil. An assigned host is blocked from running the same job
// again.
func (d *Dispatcher) setHost(ctx context.Context, e autotest.HostQueueEntry, host *autotest.Host) (autotest.HostQueueEntry, error) {
	job, err := d.store.Job(ctx, e.JobID)
	if err != nil {
		return e, err
	}
	if host != nil {
		d.logger.WithFields(logrus.Fields{"Host": host.Hostname, "QueueEntry": e.ID}).Info("assigning host")
		d.queueLogRecord(job, e, "Assigning host "+host.Hostname)
		if err := d.store.BlockHost(ctx, job.ID, host.ID); err != nil {
			return e, err
		}
		id := host.ID
		return d.updateEntry(ctx, e.ID, func(e *autotest.HostQueueEntry) { e.HostID = &id })
	}
	d.logger.WithField("QueueEntry", e.ID).Info("releasing host")
	d.queueLogRecord(job, e, "Releasing host")
	if e.HostID != nil {
		if err := d.store.UnblockHost(ctx, job.ID, *e.HostID); err != nil {
			return e, err
		}
	}
	return d.updateEntry(ctx, e.ID, func(e *autotest.HostQueueEntry) { e.HostID = nil })
}

// requeueEntry puts an entry back in the queue after a failed
// pre-job task. Metahost entries also give up their host.
func (d *Dispatcher) requeueEntry(ctx context.Context, id int64) error {
	if _, err := d.setEntryStatus(ctx, id, autotest.QueueEntryQueued); err != nil {
		return err
	}
	e, err := d.updateEntry(ctx, id, func(e *autotest.HostQueueEntry) {
		e.StartedOn = nil
		e.ExecutionSubdir = ""
	})
	if err != nil {
		return err
	}
	if e.MetaHost != nil {
		_, err = d.setHost(ctx, e, nil)
	}
	return err
}

// schedulePreJobTasks starts the host preparation for an entry that
// has just been assigned a host.
func (d *Dispatcher) schedulePreJobTasks(ctx context.Context, id int64) error {
	e, err := d.setEntryStatus(ctx, id, autotest.QueueEntryVerifying)
	if err != nil {
		return err
	}
	job, err := d.store.Job(ctx, e.JobID)
	if err != nil {
		return err
	}
	host, err := d.store.Host(ctx, *e.HostID)
	if err != nil {
		return err
	}
	var kind autotest.SpecialTaskKind
	switch {
	case job.RebootBefore == autotest.RebootBeforeAlways,
		job.RebootBefore == autotest.RebootBeforeIfDirty && host.Dirty:
		kind = autotest.TaskCleanup
	case job.RunVerify && host.Protection != autotest.ProtectionDoNotVerify:
		kind = autotest.TaskVerify
	default:
		return d.onPending(ctx, id)
	}
	return d.createSpecialTask(ctx, host.ID, kind, &id, "")
}

func (d *Dispatcher) createSpecialTask(ctx context.Context, hostID int64, kind autotest.SpecialTaskKind, entryID *int64, requestedBy string) error {
	st := autotest.SpecialTask{
		HostID:        hostID,
		Kind:          kind,
		QueueEntryID:  entryID,
		RequestedBy:   requestedBy,
		TimeRequested: d.now(),
	}
	if err := d.store.CreateSpecialTask(ctx, &st); err != nil {
		return err
	}
	d.logger.WithField("SpecialTask", st.String()).Info("created special task")
	return nil
}

// onPending is called when an entry's host is ready for the job. If
// the job can run, its group is started; otherwise the entry waits
// in Pending.
func (d *Dispatcher) onPending(ctx context.Context, id int64) error {
	e, err := d.setEntryStatus(ctx, id, autotest.QueueEntryPending)
	if err != nil {
		return err
	}
	if err := d.setHostStatus(ctx, *e.HostID, autotest.HostPending); err != nil {
		return err
	}
	job, err := d.store.Job(ctx, e.JobID)
	if err != nil {
		return err
	}
	if err := d.runIfReady(ctx, job, e); err != nil {
		return err
	}
	if job.SynchCount == 1 {
		e, err = d.store.QueueEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.Status == autotest.QueueEntryPending {
			d.notifier.Enqueue(fmt.Sprintf("Job %s (id %d)", job.Name, job.ID), "Asynchronous job stuck in Pending")
		}
	}
	return nil
}

// abortEntry finishes aborting an entry whose agents (if any) have
// already been aborted.
func (d *Dispatcher) abortEntry(ctx context.Context, e autotest.HostQueueEntry) error {
	switch e.Status {
	case autotest.QueueEntryGathering, autotest.QueueEntryParsing, autotest.QueueEntryArchiving:
		// The post-job tasks set the final status.
		return nil
	case autotest.QueueEntryStarting, autotest.QueueEntryPending, autotest.QueueEntryRunning, autotest.QueueEntryWaiting:
		if e.HostID != nil {
			if err := d.setHostStatus(ctx, *e.HostID, autotest.HostReady); err != nil {
				return err
			}
		}
	case autotest.QueueEntryVerifying:
		job, err := d.store.Job(ctx, e.JobID)
		if err != nil {
			return err
		}
		if err := d.createSpecialTask(ctx, *e.HostID, autotest.TaskCleanup, nil, job.Owner); err != nil {
			return err
		}
	}
	if _, err := d.setEntryStatus(ctx, e.ID, autotest.QueueEntryAborted); err != nil {
		return err
	}
	d.abortDelayReadyTask(e.JobID)
	return nil
}

// groupName returns the name of the atomic group label the entry
// runs under, or "" if the entry has no atomic group.
func (d *Dispatcher) groupName(ctx context.Context, e autotest.HostQueueEntry) (string, error) {
	if e.AtomicGroupID == nil {
		return "", nil
	}
	labels, err := d.labelsByID(ctx)
	if err != nil {
		return "", err
	}
	job, err := d.store.Job(ctx, e.JobID)
	if err != nil {
		return "", err
	}
	var ids []int64
	if e.MetaHost != nil {
		ids = append(ids, *e.MetaHost)
	}
	ids = append(ids, job.Dependencies...)
	for _, id := range ids {
		if l, ok := labels[id]; ok && l.AtomicGroupID != nil {
			return l.Name, nil
		}
	}
	ag, err := d.store.AtomicGroup(ctx, *e.AtomicGroupID)
	if err != nil {
		return "", err
	}
	return ag.Name, nil
}

func (d *Dispatcher) labelsByID(ctx context.Context) (map[int64]autotest.Label, error) {
	list, err := d.store.ListLabels(ctx)
	if err != nil {
		return nil, err
	}
	labels := make(map[int64]autotest.Label, len(list))
	for _, l := range list {
		labels[l.ID] = l
	}
	return labels, nil
}

func (d *Dispatcher) jobEntries(ctx context.Context, jobID int64, statuses ...autotest.QueueEntryStatus) ([]autotest.HostQueueEntry, error) {
	return d.store.ListQueueEntries(ctx, store.EntryFilter{JobID: jobID, Statuses: statuses})
}

func (d *Dispatcher) pendingCount(ctx context.Context, jobID int64) (int, error) {
	entries, err := d.jobEntries(ctx, jobID, autotest.QueueEntryPending)
	return len(entries), err
}

// atomicAndHasStarted reports whether the job's atomic group
// entries have been started. Atomic jobs only run once.
func (d *Dispatcher) atomicAndHasStarted(ctx context.Context, jobID int64) (bool, error) {
	entries, err := d.jobEntries(ctx, jobID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.AtomicGroupID == nil {
			continue
		}
		switch e.Status {
		case autotest.QueueEntryStarting, autotest.QueueEntryRunning, autotest.QueueEntryCompleted:
			return true, nil
		}
	}
	return false, nil
}

func (d *Dispatcher) jobIsReady(ctx context.Context, job autotest.Job) (bool, error) {
	pending, err := d.pendingCount(ctx, job.ID)
	if err != nil {
		return false, err
	}
	started, err := d.atomicAndHasStarted(ctx, job.ID)
	if err != nil {
		return false, err
	}
	ready := pending >= job.SynchCount && !started
	if !ready {
		d.logger.WithFields(logrus.Fields{
			"Job":                 job.ID,
			"Pending":             pending,
			"SynchCount":          job.SynchCount,
			"AtomicAndHasStarted": started,
		}).Info("job not ready")
	}
	return ready, nil
}

// stopIfNecessary stops the job's remaining entries once too few
// are left to ever satisfy its synch count.
func (d *Dispatcher) stopIfNecessary(ctx context.Context, job autotest.Job) error {
	notYetRun, err := d.jobEntries(ctx, job.ID, autotest.QueueEntryQueued, autotest.QueueEntryPending, autotest.QueueEntryVerifying)
	if err != nil {
		return err
	}
	if len(notYetRun) >= job.SynchCount {
		return nil
	}
	for _, e := range notYetRun {
		if e.Status == autotest.QueueEntryVerifying {
			continue
		}
		if e.Status == autotest.QueueEntryPending && e.HostID != nil {
			if err := d.setHostStatus(ctx, *e.HostID, autotest.HostReady); err != nil {
				return err
			}
		}
		e.SetStatus(autotest.QueueEntryStopped)
		if err := d.store.UpdateQueueEntry(ctx, e); err != nil {
			return err
		}
		d.logger.WithFields(logrus.Fields{"QueueEntry": e.ID, "Job": job.ID}).Info("stopped queue entry")
		d.recordStatus(job.Tag(), "queue_entry", string(autotest.QueueEntryStopped), statuslog.Field{Key: "entry", Value: strconv.FormatInt(e.ID, 10)})
	}
	return nil
}

func (d *Dispatcher) runIfReady(ctx context.Context, job autotest.Job, e autotest.HostQueueEntry) error {
	ready, err := d.jobIsReady(ctx, job)
	if err != nil {
		return err
	}
	switch {
	case !ready:
		return d.stopIfNecessary(ctx, job)
	case e.AtomicGroupID != nil:
		return d.runWithReadyDelay(ctx, job, e)
	default:
		return d.runJob(ctx, job, e)
	}
}

// runWithReadyDelay waits (up to WaitForAtomicGroupHosts) for more
// hosts of an atomic group job to become Pending before running it.
func (d *Dispatcher) runWithReadyDelay(ctx context.Context, job autotest.Job, e autotest.HostQueueEntry) error {
	delay := d.config.WaitForAtomicGroupHosts.Duration()
	pending, err := d.pendingCount(ctx, job.ID)
	if err != nil {
		return err
	}
	entries, err := d.jobEntries(ctx, job.ID)
	if err != nil {
		return err
	}
	assigned := 0
	for _, e := range entries {
		if e.HostID != nil {
			assigned++
		}
	}
	ag, err := d.store.AtomicGroup(ctx, *e.AtomicGroupID)
	if err != nil {
		return err
	}
	maxNeeded := assigned
	if ag.MaxNumberOfMachines < maxNeeded {
		maxNeeded = ag.MaxNumberOfMachines
	}
	dt := d.delayTasks[job.ID]
	expired := dt != nil && !d.now().Before(dt.endTime)
	if delay <= 0 || pending >= maxNeeded || expired {
		return d.runJob(ctx, job, e)
	}
	_, err = d.setEntryStatus(ctx, e.ID, autotest.QueueEntryWaiting)
	return err
}

// scheduleDelayedCallbackTask moves a Waiting entry back to Pending
// and returns the job's delayed run task if one has not been
// created yet.
func (d *Dispatcher) scheduleDelayedCallbackTask(ctx context.Context, job autotest.Job, e autotest.HostQueueEntry) (*delayedCallTask, error) {
	if _, err := d.setEntryStatus(ctx, e.ID, autotest.QueueEntryPending); err != nil {
		return nil, err
	}
	if d.delayTasks[job.ID] != nil {
		return nil, nil
	}
	delay := d.config.WaitForAtomicGroupHosts.Duration()
	entryID := e.ID
	d.logger.WithFields(logrus.Fields{"Job": job.ID, "Delay": delay.String()}).Info("waiting for more hosts")
	dt := newDelayedCallTask(d, fmt.Sprintf("DelayedCallTask(job %d)", job.ID), job.ID, d.now().Add(delay), func(ctx context.Context) error {
		d.logger.WithField("Job", job.ID).Info("done waiting for extra hosts")
		pending, err := d.pendingCount(ctx, job.ID)
		if err != nil {
			return err
		}
		if pending < job.SynchCount {
			d.logger.WithField("Job", job.ID).Info("too few Pending hosts after waiting for extras, aborting")
			return d.requestAbort(ctx, job.ID, abortedBySystem)
		}
		e, err := d.store.QueueEntry(ctx, entryID)
		if err != nil {
			return err
		}
		return d.runJob(ctx, job, e)
	})
	d.delayTasks[job.ID] = dt
	return dt, nil
}

func (d *Dispatcher) abortDelayReadyTask(jobID int64) {
	if dt := d.delayTasks[jobID]; dt != nil {
		dt.abort(context.Background())
	}
}

// runJob starts the group of Pending entries that includes e.
func (d *Dispatcher) runJob(ctx context.Context, job autotest.Job, e autotest.HostQueueEntry) error {
	if e.AtomicGroupID != nil {
		started, err := d.atomicAndHasStarted(ctx, job.ID)
		if err != nil {
			return err
		}
		if started {
			d.logger.WithFields(logrus.Fields{"Job": job.ID, "QueueEntry": e.ID}).Error("run called on running atomic job")
			return nil
		}
	}
	chosen, err := d.chooseGroupToRun(ctx, job, e)
	if err != nil || len(chosen) == 0 {
		return err
	}
	for _, e := range chosen {
		if _, err := d.setEntryStatus(ctx, e.ID, autotest.QueueEntryStarting); err != nil {
			return err
		}
	}
	d.abortDelayReadyTask(job.ID)
	return nil
}

func (d *Dispatcher) chooseGroupToRun(ctx context.Context, job autotest.Job, include autotest.HostQueueEntry) ([]autotest.HostQueueEntry, error) {
	wanted := job.SynchCount
	if include.AtomicGroupID != nil {
		ag, err := d.store.AtomicGroup(ctx, *include.AtomicGroupID)
		if err != nil {
			return nil, err
		}
		wanted = ag.MaxNumberOfMachines
	}
	chosen := []autotest.HostQueueEntry{include}
	hostnames := map[int64]string{}
	if wanted--; wanted > 0 {
		pending, err := d.jobEntries(ctx, job.ID, autotest.QueueEntryPending)
		if err != nil {
			return nil, err
		}
		var others []autotest.Host
		byHost := map[int64]autotest.HostQueueEntry{}
		for _, e := range pending {
			if e.ID == include.ID || e.HostID == nil {
				continue
			}
			h, err := d.store.Host(ctx, *e.HostID)
			if err != nil {
				return nil, err
			}
			others = append(others, h)
			byHost[h.ID] = e
			hostnames[h.ID] = h.Hostname
		}
		autotest.SortHosts(others)
		for i := 0; i < len(others) && i < wanted; i++ {
			chosen = append(chosen, byHost[others[i].ID])
		}
	}
	if len(chosen) < job.SynchCount {
		var ids []string
		for _, e := range chosen {
			ids = append(ids, strconv.FormatInt(e.ID, 10))
		}
		msg := fmt.Sprintf("job %d got less than %d chosen entries: %s", job.ID, job.SynchCount, strings.Join(ids, ","))
		d.logger.Error(msg)
		d.notifier.Enqueue("Job not started, too few chosen entries", msg)
		return nil, nil
	}
	group, err := d.groupName(ctx, include)
	if err != nil {
		return nil, err
	}
	var subdir string
	if len(chosen) == 1 {
		h, err := d.store.Host(ctx, *include.HostID)
		if err != nil {
			return nil, err
		}
		subdir = h.Hostname
	} else {
		subdir, err = d.nextGroupName(ctx, job.ID, group)
		if err != nil {
			return nil, err
		}
		d.logger.WithFields(logrus.Fields{"Job": job.ID, "Group": subdir, "Entries": len(chosen)}).Info("running synchronous job")
	}
	for i := range chosen {
		if chosen[i], err = d.setExecutionSubdir(ctx, chosen[i].ID, subdir); err != nil {
			return nil, err
		}
	}
	return chosen, nil
}

// nextGroupName returns the execution subdir for the job's next
// host group: "<name>.groupN", or "groupN" without a name.
func (d *Dispatcher) nextGroupName(ctx context.Context, jobID int64, name string) (string, error) {
	if name != "" {
		name = strings.ReplaceAll(name, "/", "_")
		if strings.HasPrefix(name, ".") {
			name = "_" + name[1:]
		}
		name += "."
	}
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(name) + `group(\d+)`)
	entries, err := d.jobEntries(ctx, jobID)
	if err != nil {
		return "", err
	}
	next := 0
	for _, e := range entries {
		m := re.FindStringSubmatch(e.ExecutionSubdir)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n >= next {
			next = n + 1
		}
	}
	return fmt.Sprintf("%sgroup%d", name, next), nil
}

// requestAbort marks all of the job's incomplete entries aborted;
// they are aborted on the next tick.
func (d *Dispatcher) requestAbort(ctx context.Context, jobID int64, by string) error {
	entries, err := d.store.ListQueueEntries(ctx, store.EntryFilter{JobID: jobID, Incomplete: true})
	if err != nil {
		return err
	}
	now := d.now()
	for _, e := range entries {
		if e.Aborted {
			continue
		}
		e.Aborted = true
		e.AbortedBy = by
		e.AbortedOn = &now
		if err := d.store.UpdateQueueEntry(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
