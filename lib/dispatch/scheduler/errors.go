// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import "fmt"

// SchedulerError reports database state the dispatcher cannot
// reconcile, such as a host claimed by two agents. It aborts the
// current tick (or startup, during recovery).
type SchedulerError struct {
	Message string
}

func (e *SchedulerError) Error() string {
	return e.Message
}

func schedulerErrorf(format string, args ...interface{}) error {
	return &SchedulerError{Message: fmt.Sprintf(format, args...)}
}
