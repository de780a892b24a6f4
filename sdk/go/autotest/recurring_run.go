// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package autotest

import "time"

// RecurringRun re-submits a template job on a schedule.
//
// If Schedule is set it is a cron expression and LoopPeriod is
// ignored. LoopCount is the number of runs left; 0 means run
// forever.
type RecurringRun struct {
	ID         int64     `json:"id" db:"id"`
	JobID      int64     `json:"job_id" db:"job_id"`
	Owner      string    `json:"owner" db:"owner"`
	StartDate  time.Time `json:"start_date" db:"start_date"`
	LoopPeriod Duration  `json:"loop_period" db:"loop_period"`
	LoopCount  int       `json:"loop_count" db:"loop_count"`
	Schedule   string    `json:"schedule" db:"schedule"`
}
