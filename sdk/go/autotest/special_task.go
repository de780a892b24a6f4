// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package autotest

import (
	"fmt"
	"strings"
	"time"
)

// SpecialTaskKind is the kind of maintenance a special task
// performs.
type SpecialTaskKind string

const (
	TaskVerify  = SpecialTaskKind("Verify")
	TaskCleanup = SpecialTaskKind("Cleanup")
	TaskRepair  = SpecialTaskKind("Repair")
	TaskReset   = SpecialTaskKind("Reset")
)

func (k SpecialTaskKind) IsValid() bool {
	switch k {
	case TaskVerify, TaskCleanup, TaskRepair, TaskReset:
		return true
	}
	return false
}

// Priority returns the order in which queued tasks of this kind are
// started; lower values go first.
func (k SpecialTaskKind) Priority() int {
	switch k {
	case TaskRepair:
		return 0
	case TaskCleanup:
		return 1
	case TaskVerify:
		return 2
	default:
		return 3
	}
}

// SpecialTask is a one-off maintenance action against a host,
// optionally on behalf of a queue entry.
type SpecialTask struct {
	ID            int64           `json:"id" db:"id"`
	HostID        int64           `json:"host_id" db:"host_id"`
	Kind          SpecialTaskKind `json:"task" db:"task"`
	QueueEntryID  *int64          `json:"queue_entry_id" db:"queue_entry_id"`
	RequestedBy   string          `json:"requested_by" db:"requested_by"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	IsComplete    bool            `json:"is_complete" db:"is_complete"`
	Success       bool            `json:"success" db:"success"`
	TimeRequested time.Time       `json:"time_requested" db:"time_requested"`
	TimeStarted   *time.Time      `json:"time_started" db:"time_started"`
}

// ExecutionPath returns the results directory of the task,
// relative to the results base directory.
func (t SpecialTask) ExecutionPath(hostname string) string {
	return fmt.Sprintf("hosts/%s/%d-%s", hostname, t.ID, strings.ToLower(string(t.Kind)))
}

// IsQueued reports whether the task is waiting to be started.
func (t SpecialTask) IsQueued() bool {
	return !t.IsActive && !t.IsComplete
}

func (t SpecialTask) String() string {
	return fmt.Sprintf("%s task %d (host %d)", t.Kind, t.ID, t.HostID)
}
