// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package autotest

import (
	"fmt"
	"path"
	"time"
)

// QueueEntryStatus is the state of a host queue entry.
type QueueEntryStatus string

const (
	QueueEntryQueued    = QueueEntryStatus("Queued")
	QueueEntryStarting  = QueueEntryStatus("Starting")
	QueueEntryVerifying = QueueEntryStatus("Verifying")
	QueueEntryPending   = QueueEntryStatus("Pending")
	QueueEntryWaiting   = QueueEntryStatus("Waiting")
	QueueEntryRunning   = QueueEntryStatus("Running")
	QueueEntryGathering = QueueEntryStatus("Gathering")
	QueueEntryParsing   = QueueEntryStatus("Parsing")
	QueueEntryArchiving = QueueEntryStatus("Archiving")
	QueueEntryAborted   = QueueEntryStatus("Aborted")
	QueueEntryCompleted = QueueEntryStatus("Completed")
	QueueEntryFailed    = QueueEntryStatus("Failed")
	QueueEntryStopped   = QueueEntryStatus("Stopped")
)

var queueEntryStatusActive = map[QueueEntryStatus]bool{
	QueueEntryStarting:  true,
	QueueEntryVerifying: true,
	QueueEntryPending:   true,
	QueueEntryRunning:   true,
	QueueEntryGathering: true,
}

var queueEntryStatusComplete = map[QueueEntryStatus]bool{
	QueueEntryAborted:   true,
	QueueEntryCompleted: true,
	QueueEntryFailed:    true,
	QueueEntryStopped:   true,
}

func (s QueueEntryStatus) IsValid() bool {
	switch s {
	case QueueEntryQueued, QueueEntryWaiting, QueueEntryParsing, QueueEntryArchiving:
		return true
	}
	return queueEntryStatusActive[s] || queueEntryStatusComplete[s]
}

// IsActive reports whether an entry in this status occupies its
// host. Parsing and Archiving entries have released their host.
func (s QueueEntryStatus) IsActive() bool {
	return queueEntryStatusActive[s]
}

func (s QueueEntryStatus) IsComplete() bool {
	return queueEntryStatusComplete[s]
}

// HostlessSubdir is the execution subdir of entries that run
// without a host.
const HostlessSubdir = "hostless"

// HostQueueEntry pairs a job with one host (or a metahost label
// until a host is assigned).
type HostQueueEntry struct {
	ID              int64            `json:"id" db:"id"`
	JobID           int64            `json:"job_id" db:"job_id"`
	HostID          *int64           `json:"host_id" db:"host_id"`
	MetaHost        *int64           `json:"meta_host" db:"meta_host"`
	AtomicGroupID   *int64           `json:"atomic_group_id" db:"atomic_group_id"`
	Status          QueueEntryStatus `json:"status" db:"status"`
	Active          bool             `json:"active" db:"active"`
	Complete        bool             `json:"complete" db:"complete"`
	Deleted         bool             `json:"deleted" db:"deleted"`
	Aborted         bool             `json:"aborted" db:"aborted"`
	AbortedBy       string           `json:"aborted_by" db:"aborted_by"`
	AbortedOn       *time.Time       `json:"aborted_on" db:"aborted_on"`
	ExecutionSubdir string           `json:"execution_subdir" db:"execution_subdir"`
	StartedOn       *time.Time       `json:"started_on" db:"started_on"`
	Profile         string           `json:"profile" db:"profile"`
}

// SetStatus updates Status and the derived Active and Complete
// flags.
func (e *HostQueueEntry) SetStatus(status QueueEntryStatus) {
	e.Status = status
	e.Active = status.IsActive()
	e.Complete = status.IsComplete()
}

// IsHostless reports whether the entry runs without any host
// (e.g. a server-side job that only talks to other services).
func (e HostQueueEntry) IsHostless() bool {
	return e.HostID == nil && e.MetaHost == nil && e.AtomicGroupID == nil
}

// ExecutionPath returns the results directory of the entry,
// relative to the results base directory.
func (e HostQueueEntry) ExecutionPath(job Job) string {
	return path.Join(job.Tag(), e.ExecutionSubdir)
}

func (e HostQueueEntry) String() string {
	host := "None"
	if e.HostID != nil {
		host = fmt.Sprintf("%d", *e.HostID)
	}
	return fmt.Sprintf("HQE %d (job %d, host %s, status %s, aborted %v)", e.ID, e.JobID, host, e.Status, e.Aborted)
}
