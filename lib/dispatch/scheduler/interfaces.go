// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"

	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/autotest/scheduler/sdk/go/statuslog"
)

// A ProcessManager launches and tracks processes on drones through
// pidfiles. Implemented by drone.Manager and test stubs.
//
// Calls that act on drones (execute, kill, copy, write) are queued
// and only carried out by ExecuteActions.
type ProcessManager interface {
	Refresh(ctx context.Context)
	ExecuteActions(ctx context.Context)
	ReinitializeDrones(drones map[string]autotest.DroneConfig)

	MaxRunnableProcesses(username string, drones []string) int
	TotalRunningProcesses() int
	OrphanedProcesses() []drone.Process
	KillProcess(p drone.Process)
	IsProcessRunning(p drone.Process) bool

	ExecuteCommand(command []string, workingDirectory, pidfileName string, typ drone.PidfileType, numProcesses int, opts drone.ExecuteOptions) (drone.PidfileID, error)
	GetPidfileID(executionTag, pidfileName string, typ drone.PidfileType) drone.PidfileID
	RegisterPidfile(id drone.PidfileID)
	UnregisterPidfile(id drone.PidfileID)
	DeclareProcessCount(id drone.PidfileID, numProcesses int)
	GetPidfileContents(id drone.PidfileID, secondRead bool) drone.PidfileContents

	AbsolutePath(p string, onResultsRepository bool) string
	AttachFileToExecution(resultsDir, contents, filePath string) string
	WriteLinesToFile(filePath string, lines []string, pairedWith *drone.Process)
	CopyToResultsRepository(p drone.Process, source, destination string)
	CopyResultsOnDrone(p drone.Process, source, destination string)
}

// A NotificationQueue collects admin notifications and delivers
// them in batches. Implemented by notify.Queue and test stubs.
type NotificationQueue interface {
	Enqueue(subject, body string)
	Flush(ctx context.Context) error
}

// A StatusRecorder appends status log lines. Implemented by
// statuslog.Logger.
type StatusRecorder interface {
	Record(code, subdir, operation, message string, fields ...statuslog.Field) error
}
