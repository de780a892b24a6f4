// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/autotest/scheduler/sdk/go/autotest"
)

// MemStore is an in-memory Store, used by tests and single-node
// development setups. It is safe for concurrent use.
type MemStore struct {
	// Now returns the current time. Default time.Now.
	Now func() time.Time

	mtx          sync.Mutex
	lastID       int64
	hosts        map[int64]autotest.Host
	labels       map[int64]autotest.Label
	atomicGroups map[int64]autotest.AtomicGroup
	jobs         map[int64]autotest.Job
	entries      map[int64]autotest.HostQueueEntry
	blocks       map[[2]int64]bool
	tasks        map[int64]autotest.SpecialTask
	runs         map[int64]autotest.RecurringRun
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		hosts:        map[int64]autotest.Host{},
		labels:       map[int64]autotest.Label{},
		atomicGroups: map[int64]autotest.AtomicGroup{},
		jobs:         map[int64]autotest.Job{},
		entries:      map[int64]autotest.HostQueueEntry{},
		blocks:       map[[2]int64]bool{},
		tasks:        map[int64]autotest.SpecialTask{},
		runs:         map[int64]autotest.RecurringRun{},
	}
}

func (ms *MemStore) now() time.Time {
	if ms.Now != nil {
		return ms.Now()
	}
	return time.Now()
}

func (ms *MemStore) nextID() int64 {
	ms.lastID++
	return ms.lastID
}

func copyInt64s(s []int64) []int64 {
	if s == nil {
		return nil
	}
	return append([]int64{}, s...)
}

func sortedIDs[T any](m map[int64]T) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (ms *MemStore) Host(ctx context.Context, id int64) (autotest.Host, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	h, ok := ms.hosts[id]
	if !ok {
		return h, fmt.Errorf("host %d: %w", id, ErrNotFound)
	}
	h.Labels = copyInt64s(h.Labels)
	return h, nil
}

func (ms *MemStore) HostByName(ctx context.Context, hostname string) (autotest.Host, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	for _, h := range ms.hosts {
		if h.Hostname == hostname {
			h.Labels = copyInt64s(h.Labels)
			return h, nil
		}
	}
	return autotest.Host{}, fmt.Errorf("host %q: %w", hostname, ErrNotFound)
}

func (ms *MemStore) ListHosts(ctx context.Context, filter HostFilter) ([]autotest.Host, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var hosts []autotest.Host
	for _, id := range sortedIDs(ms.hosts) {
		h := ms.hosts[id]
		if filter.match(h) {
			h.Labels = copyInt64s(h.Labels)
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

func (ms *MemStore) CreateHost(ctx context.Context, host *autotest.Host) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	for _, h := range ms.hosts {
		if h.Hostname == host.Hostname {
			return fmt.Errorf("host %q already exists", host.Hostname)
		}
	}
	if host.Status == "" {
		host.Status = autotest.HostReady
	}
	host.ID = ms.nextID()
	h := *host
	h.Labels = copyInt64s(h.Labels)
	ms.hosts[h.ID] = h
	return nil
}

func (ms *MemStore) UpdateHost(ctx context.Context, host autotest.Host) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.hosts[host.ID]; !ok {
		return fmt.Errorf("host %d: %w", host.ID, ErrNotFound)
	}
	host.Labels = copyInt64s(host.Labels)
	ms.hosts[host.ID] = host
	return nil
}

func (ms *MemStore) ListLabels(ctx context.Context) ([]autotest.Label, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var labels []autotest.Label
	for _, id := range sortedIDs(ms.labels) {
		labels = append(labels, ms.labels[id])
	}
	return labels, nil
}

func (ms *MemStore) CreateLabel(ctx context.Context, label *autotest.Label) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	label.ID = ms.nextID()
	ms.labels[label.ID] = *label
	return nil
}

func (ms *MemStore) AtomicGroup(ctx context.Context, id int64) (autotest.AtomicGroup, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ag, ok := ms.atomicGroups[id]
	if !ok {
		return ag, fmt.Errorf("atomic group %d: %w", id, ErrNotFound)
	}
	return ag, nil
}

func (ms *MemStore) CreateAtomicGroup(ctx context.Context, ag *autotest.AtomicGroup) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ag.ID = ms.nextID()
	ms.atomicGroups[ag.ID] = *ag
	return nil
}

func (ms *MemStore) Job(ctx context.Context, id int64) (autotest.Job, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	j, ok := ms.jobs[id]
	if !ok {
		return j, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	j.Dependencies = copyInt64s(j.Dependencies)
	return j, nil
}

func (ms *MemStore) CreateJob(ctx context.Context, job *autotest.Job, entries []autotest.HostQueueEntry) ([]autotest.HostQueueEntry, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	for _, e := range entries {
		if e.HostID != nil {
			if _, ok := ms.hosts[*e.HostID]; !ok {
				return nil, fmt.Errorf("host %d: %w", *e.HostID, ErrNotFound)
			}
		}
	}
	job.ID = ms.nextID()
	if job.CreatedOn.IsZero() {
		job.CreatedOn = ms.now()
	}
	j := *job
	j.Dependencies = copyInt64s(j.Dependencies)
	ms.jobs[j.ID] = j
	var created []autotest.HostQueueEntry
	for _, e := range entries {
		e.ID = ms.nextID()
		e.JobID = job.ID
		if e.Status == "" {
			e.SetStatus(autotest.QueueEntryQueued)
		}
		ms.entries[e.ID] = e
		created = append(created, e)
	}
	return created, nil
}

func (ms *MemStore) QueueEntry(ctx context.Context, id int64) (autotest.HostQueueEntry, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	e, ok := ms.entries[id]
	if !ok {
		return e, fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
	}
	return e, nil
}

func (ms *MemStore) ListQueueEntries(ctx context.Context, filter EntryFilter) ([]autotest.HostQueueEntry, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var entries []autotest.HostQueueEntry
	for _, id := range sortedIDs(ms.entries) {
		if e := ms.entries[id]; filter.match(e) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (ms *MemStore) ListPendingEntries(ctx context.Context) ([]autotest.HostQueueEntry, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var entries []autotest.HostQueueEntry
	prio := map[int64]int{}
	for _, id := range sortedIDs(ms.entries) {
		e := ms.entries[id]
		if e.Complete || e.Active || e.Status != autotest.QueueEntryQueued {
			continue
		}
		entries = append(entries, e)
		prio[e.JobID] = ms.jobs[e.JobID].Priority
	}
	sortPending(entries, prio)
	return entries, nil
}

func (ms *MemStore) CreateQueueEntry(ctx context.Context, entry *autotest.HostQueueEntry) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.jobs[entry.JobID]; !ok {
		return fmt.Errorf("job %d: %w", entry.JobID, ErrNotFound)
	}
	entry.ID = ms.nextID()
	if entry.Status == "" {
		entry.SetStatus(autotest.QueueEntryQueued)
	}
	ms.entries[entry.ID] = *entry
	return nil
}

func (ms *MemStore) UpdateQueueEntry(ctx context.Context, entry autotest.HostQueueEntry) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.entries[entry.ID]; !ok {
		return fmt.Errorf("queue entry %d: %w", entry.ID, ErrNotFound)
	}
	ms.entries[entry.ID] = entry
	return nil
}

func (ms *MemStore) IneligibleHosts(ctx context.Context, jobID int64) ([]int64, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var ids []int64
	for k := range ms.blocks {
		if k[0] == jobID {
			ids = append(ids, k[1])
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (ms *MemStore) BlockHost(ctx context.Context, jobID, hostID int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.blocks[[2]int64{jobID, hostID}] = true
	return nil
}

func (ms *MemStore) UnblockHost(ctx context.Context, jobID, hostID int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	delete(ms.blocks, [2]int64{jobID, hostID})
	return nil
}

func (ms *MemStore) ClearInactiveBlocks(ctx context.Context) (int, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	incomplete := map[int64]bool{}
	for _, e := range ms.entries {
		if !e.Complete {
			incomplete[e.JobID] = true
		}
	}
	n := 0
	for k := range ms.blocks {
		if !incomplete[k[0]] {
			delete(ms.blocks, k)
			n++
		}
	}
	return n, nil
}

func (ms *MemStore) SpecialTask(ctx context.Context, id int64) (autotest.SpecialTask, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	t, ok := ms.tasks[id]
	if !ok {
		return t, fmt.Errorf("special task %d: %w", id, ErrNotFound)
	}
	return t, nil
}

func (ms *MemStore) ListSpecialTasks(ctx context.Context, filter TaskFilter) ([]autotest.SpecialTask, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var tasks []autotest.SpecialTask
	for _, id := range sortedIDs(ms.tasks) {
		if t := ms.tasks[id]; filter.match(t) {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (ms *MemStore) CreateSpecialTask(ctx context.Context, task *autotest.SpecialTask) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.hosts[task.HostID]; !ok {
		return fmt.Errorf("host %d: %w", task.HostID, ErrNotFound)
	}
	task.ID = ms.nextID()
	if task.TimeRequested.IsZero() {
		task.TimeRequested = ms.now()
	}
	ms.tasks[task.ID] = *task
	return nil
}

func (ms *MemStore) UpdateSpecialTask(ctx context.Context, task autotest.SpecialTask) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.tasks[task.ID]; !ok {
		return fmt.Errorf("special task %d: %w", task.ID, ErrNotFound)
	}
	ms.tasks[task.ID] = task
	return nil
}

func (ms *MemStore) DeleteQueuedVerifies(ctx context.Context, hostID, exceptTaskID int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	for id, t := range ms.tasks {
		if t.HostID == hostID && t.Kind == autotest.TaskVerify && t.IsQueued() && t.QueueEntryID == nil && id != exceptTaskID {
			delete(ms.tasks, id)
		}
	}
	return nil
}

func (ms *MemStore) ListRecurringRuns(ctx context.Context) ([]autotest.RecurringRun, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var runs []autotest.RecurringRun
	for _, id := range sortedIDs(ms.runs) {
		runs = append(runs, ms.runs[id])
	}
	return runs, nil
}

func (ms *MemStore) CreateRecurringRun(ctx context.Context, run *autotest.RecurringRun) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.jobs[run.JobID]; !ok {
		return fmt.Errorf("job %d: %w", run.JobID, ErrNotFound)
	}
	run.ID = ms.nextID()
	ms.runs[run.ID] = *run
	return nil
}

func (ms *MemStore) UpdateRecurringRun(ctx context.Context, run autotest.RecurringRun) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.runs[run.ID]; !ok {
		return fmt.Errorf("recurring run %d: %w", run.ID, ErrNotFound)
	}
	ms.runs[run.ID] = run
	return nil
}

func (ms *MemStore) DeleteRecurringRun(ctx context.Context, id int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, ok := ms.runs[id]; !ok {
		return fmt.Errorf("recurring run %d: %w", id, ErrNotFound)
	}
	delete(ms.runs, id)
	return nil
}
