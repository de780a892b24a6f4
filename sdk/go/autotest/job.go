// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package autotest

import (
	"encoding/json"
	"fmt"
	"time"
)

type RebootBefore string

const (
	RebootBeforeNever   = RebootBefore("Never")
	RebootBeforeIfDirty = RebootBefore("If dirty")
	RebootBeforeAlways  = RebootBefore("Always")
)

type RebootAfter string

const (
	RebootAfterNever            = RebootAfter("Never")
	RebootAfterIfAllTestsPassed = RebootAfter("If all tests passed")
	RebootAfterAlways           = RebootAfter("Always")
)

type ControlType string

const (
	ControlTypeServer = ControlType("Server")
	ControlTypeClient = ControlType("Client")
)

// Job is a unit of work submitted by a user: a control file to run
// on SynchCount hosts at a time.
type Job struct {
	ID                int64        `json:"id" db:"id"`
	Owner             string       `json:"owner" db:"owner"`
	Name              string       `json:"name" db:"name"`
	ControlFile       string       `json:"control_file" db:"control_file"`
	ControlType       ControlType  `json:"control_type" db:"control_type"`
	Priority          int          `json:"priority" db:"priority"`
	SynchCount        int          `json:"synch_count" db:"synch_count"`
	RebootBefore      RebootBefore `json:"reboot_before" db:"reboot_before"`
	RebootAfter       RebootAfter  `json:"reboot_after" db:"reboot_after"`
	RunVerify         bool         `json:"run_verify" db:"run_verify"`
	ParseFailedRepair bool         `json:"parse_failed_repair" db:"parse_failed_repair"`
	Timeout           Duration     `json:"timeout" db:"timeout"`
	MaxRuntime        Duration     `json:"max_runtime" db:"max_runtime"`
	CreatedOn         time.Time    `json:"created_on" db:"created_on"`
	// Dependencies are label IDs every host running the job
	// must carry.
	Dependencies []int64 `json:"dependencies" db:"-"`
	// Parameters is opaque job metadata (test parameters,
	// profiler settings). The scheduler stores and copies it but
	// never interprets it.
	Parameters json.RawMessage `json:"parameters" db:"parameters"`
}

// Tag returns the results directory prefix for the job.
func (j Job) Tag() string {
	return fmt.Sprintf("%d-%s", j.ID, j.Owner)
}

func (j Job) IsServerJob() bool {
	return j.ControlType != ControlTypeClient
}

func (j Job) String() string {
	return fmt.Sprintf("job %d (%s)", j.ID, j.Name)
}
