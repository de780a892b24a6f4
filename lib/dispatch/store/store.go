// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package store persists the hosts, jobs, queue entries, special
// tasks and recurring runs the scheduler operates on.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/autotest/scheduler/sdk/go/autotest"
)

// ErrNotFound is returned when a record with the requested ID does
// not exist.
var ErrNotFound = errors.New("record not found")

// HostFilter selects hosts for ListHosts. Zero fields match
// everything.
type HostFilter struct {
	Statuses []autotest.HostStatus
	Unlocked bool
	Valid    bool
}

// EntryFilter selects queue entries for ListQueueEntries. Zero
// fields match everything.
type EntryFilter struct {
	JobID    int64
	HostID   int64
	Statuses []autotest.QueueEntryStatus
	Active   bool
	// Only entries that are not complete.
	Incomplete bool
	// Only entries that are aborted but not complete yet.
	Aborting bool
}

// TaskFilter selects special tasks for ListSpecialTasks. Zero
// fields match everything.
type TaskFilter struct {
	HostID       int64
	QueueEntryID int64
	Kinds        []autotest.SpecialTaskKind
	// Only tasks that are neither active nor complete.
	Queued bool
	Active bool
	// Only tasks that are not complete.
	Incomplete bool
}

// Store is the scheduler's view of the database. Lists are returned
// in ID order unless noted otherwise.
type Store interface {
	Host(ctx context.Context, id int64) (autotest.Host, error)
	HostByName(ctx context.Context, hostname string) (autotest.Host, error)
	ListHosts(ctx context.Context, filter HostFilter) ([]autotest.Host, error)
	CreateHost(ctx context.Context, host *autotest.Host) error
	UpdateHost(ctx context.Context, host autotest.Host) error

	ListLabels(ctx context.Context) ([]autotest.Label, error)
	CreateLabel(ctx context.Context, label *autotest.Label) error
	AtomicGroup(ctx context.Context, id int64) (autotest.AtomicGroup, error)
	CreateAtomicGroup(ctx context.Context, ag *autotest.AtomicGroup) error

	Job(ctx context.Context, id int64) (autotest.Job, error)
	// CreateJob inserts the job and one queue entry per given
	// entry (with JobID, ID and status filled in), and returns
	// the new entries.
	CreateJob(ctx context.Context, job *autotest.Job, entries []autotest.HostQueueEntry) ([]autotest.HostQueueEntry, error)

	QueueEntry(ctx context.Context, id int64) (autotest.HostQueueEntry, error)
	ListQueueEntries(ctx context.Context, filter EntryFilter) ([]autotest.HostQueueEntry, error)
	// ListPendingEntries returns the Queued entries that are
	// neither active nor complete, ordered by job priority
	// (highest first), then entries with a specific host before
	// metahost entries, then job ID.
	ListPendingEntries(ctx context.Context) ([]autotest.HostQueueEntry, error)
	CreateQueueEntry(ctx context.Context, entry *autotest.HostQueueEntry) error
	UpdateQueueEntry(ctx context.Context, entry autotest.HostQueueEntry) error

	// Ineligible host blocks keep a job from being scheduled
	// twice on the same host.
	IneligibleHosts(ctx context.Context, jobID int64) ([]int64, error)
	BlockHost(ctx context.Context, jobID, hostID int64) error
	UnblockHost(ctx context.Context, jobID, hostID int64) error
	// ClearInactiveBlocks deletes the blocks of jobs whose
	// entries are all complete, and returns how many were
	// deleted.
	ClearInactiveBlocks(ctx context.Context) (int, error)

	SpecialTask(ctx context.Context, id int64) (autotest.SpecialTask, error)
	ListSpecialTasks(ctx context.Context, filter TaskFilter) ([]autotest.SpecialTask, error)
	CreateSpecialTask(ctx context.Context, task *autotest.SpecialTask) error
	UpdateSpecialTask(ctx context.Context, task autotest.SpecialTask) error
	// DeleteQueuedVerifies deletes the queued (not yet started)
	// Verify tasks of the host that are not linked to a queue
	// entry, except the given task.
	DeleteQueuedVerifies(ctx context.Context, hostID, exceptTaskID int64) error

	ListRecurringRuns(ctx context.Context) ([]autotest.RecurringRun, error)
	CreateRecurringRun(ctx context.Context, run *autotest.RecurringRun) error
	UpdateRecurringRun(ctx context.Context, run autotest.RecurringRun) error
	DeleteRecurringRun(ctx context.Context, id int64) error
}

func (f HostFilter) match(h autotest.Host) bool {
	if f.Unlocked && h.Locked {
		return false
	}
	if f.Valid && h.Invalid {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if h.Status == s {
			return true
		}
	}
	return false
}

func (f EntryFilter) match(e autotest.HostQueueEntry) bool {
	if f.JobID != 0 && e.JobID != f.JobID {
		return false
	}
	if f.HostID != 0 && (e.HostID == nil || *e.HostID != f.HostID) {
		return false
	}
	if f.Active && !e.Active {
		return false
	}
	if (f.Incomplete || f.Aborting) && e.Complete {
		return false
	}
	if f.Aborting && !e.Aborted {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if e.Status == s {
			return true
		}
	}
	return false
}

func (f TaskFilter) match(t autotest.SpecialTask) bool {
	if f.HostID != 0 && t.HostID != f.HostID {
		return false
	}
	if f.QueueEntryID != 0 && (t.QueueEntryID == nil || *t.QueueEntryID != f.QueueEntryID) {
		return false
	}
	if f.Queued && !t.IsQueued() {
		return false
	}
	if f.Active && !t.IsActive {
		return false
	}
	if f.Incomplete && t.IsComplete {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if t.Kind == k {
			return true
		}
	}
	return false
}

// sortPending orders queue entries the way ListPendingEntries
// returns them. prio maps job IDs to job priorities.
func sortPending(entries []autotest.HostQueueEntry, prio map[int64]int) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if pa, pb := prio[a.JobID], prio[b.JobID]; pa != pb {
			return pa > pb
		}
		if (a.MetaHost == nil) != (b.MetaHost == nil) {
			return a.MetaHost == nil
		}
		if a.MetaHost != nil && *a.MetaHost != *b.MetaHost {
			return *a.MetaHost < *b.MetaHost
		}
		if a.JobID != b.JobID {
			return a.JobID < b.JobID
		}
		return a.ID < b.ID
	})
}
