// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package drone

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Pidfile names written by the processes the scheduler launches.
const (
	AutoservPidfile  = ".autoserv_execute"
	CrashinfoPidfile = ".collect_crashinfo_execute"
	ParserPidfile    = ".parser_execute"
	ArchiverPidfile  = ".archiver_execute"
)

// AllPidfileNames lists every pidfile name a results directory can
// hold.
var AllPidfileNames = []string{AutoservPidfile, CrashinfoPidfile, ParserPidfile, ArchiverPidfile}

// WorkingDirectory is a placeholder argument for ExecuteCommand. It
// is replaced by the absolute working directory on the drone.
const WorkingDirectory = "\x00WORKING_DIRECTORY\x00"

// PidfileType identifies what kind of process writes a pidfile.
type PidfileType int

const (
	PidfileVerify PidfileType = iota
	PidfileCleanup
	PidfileRepair
	PidfileReset
	PidfileJob
	PidfileGather
	PidfileParse
	PidfileArchive
)

var pidfileTypeNames = []string{"Verify", "Cleanup", "Repair", "Reset", "Job", "Gather", "Parse", "Archive"}

func (t PidfileType) String() string {
	if t < 0 || int(t) >= len(pidfileTypeNames) {
		return fmt.Sprintf("PidfileType(%d)", int(t))
	}
	return pidfileTypeNames[t]
}

func (t PidfileType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *PidfileType) UnmarshalText(text []byte) error {
	for i, name := range pidfileTypeNames {
		if name == string(text) {
			*t = PidfileType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown pidfile type %q", text)
}

// PidfileID identifies a pidfile on a drone. Two IDs refer to the
// same pidfile iff their keys are equal.
type PidfileID struct {
	// Absolute path on the drone.
	WorkingDirectory string
	Name             string
	Type             PidfileType

	// Number of processes the command was expected to start, or
	// zero if unknown.
	NumProcesses int

	// The pidfile of an earlier process whose drone this one
	// runs on. Set at creation and never changed.
	PairedWith *PidfileID `json:",omitempty"`
}

// Key returns the pidfile path, which is unique among live pidfiles.
func (id PidfileID) Key() string {
	return path.Join(id.WorkingDirectory, id.Name)
}

func (id PidfileID) String() string {
	return id.Key()
}

// Process is a process running on a drone.
type Process struct {
	Hostname string
	Pid      int
}

func (p Process) String() string {
	return fmt.Sprintf("%s/%d", p.Hostname, p.Pid)
}

// PidfileContents is the last known state of a pidfile. The zero
// value means the pidfile has not been written yet.
type PidfileContents struct {
	Process        *Process `json:",omitempty"`
	ExitStatus     *int     `json:",omitempty"`
	NumTestsFailed *int     `json:",omitempty"`

	// Non-nil if the pidfile exists but could not be parsed.
	Err error `json:"-"`
}

func (pc PidfileContents) IsInvalid() bool {
	return pc.Err != nil
}

// IsRunning returns true if the process has started and has not
// written an exit status yet.
func (pc PidfileContents) IsRunning() bool {
	return pc.Err == nil && pc.Process != nil && pc.ExitStatus == nil
}

// parsePidfile parses pidfile data read from the given drone. Line
// 1 is the pid, line 2 the exit status and line 3 the number of
// failed tests. With only two lines the writer is assumed to be
// between writing the exit status and the failure count, so the
// process is reported as still running.
func parsePidfile(hostname string, raw string) PidfileContents {
	var pc PidfileContents
	if raw == "" {
		return pc
	}
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	if len(lines) > 3 {
		pc.Err = fmt.Errorf("corrupt pidfile (%d lines): %q", len(lines), lines)
		return pc
	}
	var vals []int
	for _, line := range lines {
		v, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			pc.Err = fmt.Errorf("corrupt pidfile: %w", err)
			return pc
		}
		vals = append(vals, v)
	}
	pc.Process = &Process{Hostname: hostname, Pid: vals[0]}
	if len(vals) == 3 {
		pc.ExitStatus = &vals[1]
		pc.NumTestsFailed = &vals[2]
	}
	return pc
}
