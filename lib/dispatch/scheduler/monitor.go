// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// A pidfileRunMonitor follows one process through its pidfile and
// decides when the process has been lost.
type pidfileRunMonitor struct {
	d         *Dispatcher
	pidfileID *drone.PidfileID
	startTime time.Time
	contents  drone.PidfileContents
	lost      bool
}

func newPidfileRunMonitor(d *Dispatcher) *pidfileRunMonitor {
	return &pidfileRunMonitor{d: d}
}

func (m *pidfileRunMonitor) logger() logrus.FieldLogger {
	if m.pidfileID == nil {
		return m.d.logger
	}
	return m.d.logger.WithField("Pidfile", m.pidfileID.Key())
}

// run queues the command. If it cannot be queued the pidfile is
// registered anyway, and the process is declared lost once the
// pidfile timeout expires.
func (m *pidfileRunMonitor) run(command []string, workingDirectory string, numProcesses int, logFile, pidfileName string, typ drone.PidfileType, pairedWith *drone.PidfileID, username string) {
	m.startTime = m.d.now()
	id, err := m.d.pm.ExecuteCommand(command, workingDirectory, pidfileName, typ, numProcesses, drone.ExecuteOptions{
		LogFile:    logFile,
		PairedWith: pairedWith,
		Username:   username,
	})
	if err != nil {
		m.d.logger.WithError(err).WithFields(logrus.Fields{
			"WorkingDirectory": workingDirectory,
			"Command":          command,
		}).Error("could not execute command")
		id = m.d.pm.GetPidfileID(workingDirectory, pidfileName, typ)
		id.NumProcesses = numProcesses
		m.d.pm.RegisterPidfile(id)
	}
	m.pidfileID = &id
}

// attachToExistingProcess follows a process started by an earlier
// scheduler instance. If its pidfile does not show a process yet,
// the process is considered lost right away. A negative
// numProcesses leaves the declared process count alone.
func (m *pidfileRunMonitor) attachToExistingProcess(executionPath, pidfileName string, typ drone.PidfileType, numProcesses int) {
	m.startTime = m.d.now().Add(-m.d.config.PidfileTimeout.Duration())
	id := m.d.pm.GetPidfileID(executionPath, pidfileName, typ)
	m.pidfileID = &id
	if numProcesses >= 0 {
		m.d.pm.DeclareProcessCount(id, numProcesses)
	}
}

func (m *pidfileRunMonitor) kill() {
	if m.hasProcess() {
		m.d.pm.KillProcess(*m.contents.Process)
	}
}

func (m *pidfileRunMonitor) hasProcess() bool {
	m.refresh()
	return m.contents.Process != nil
}

// getProcess returns the monitored process. The caller must check
// hasProcess first.
func (m *pidfileRunMonitor) getProcess() drone.Process {
	m.refresh()
	if m.contents.Process == nil {
		panic(fmt.Sprintf("no process for pidfile %v", m.pidfileID))
	}
	return *m.contents.Process
}

func (m *pidfileRunMonitor) readPidfile(secondRead bool) {
	if m.pidfileID == nil {
		m.onLostProcess(nil)
		return
	}
	m.contents = m.d.pm.GetPidfileContents(*m.pidfileID, secondRead)
}

func (m *pidfileRunMonitor) refresh() {
	if m.lost {
		return
	}
	m.readPidfile(false)
	if m.contents.IsInvalid() {
		m.handlePidfileError("Pidfile error", fmt.Sprintf("Pidfile %s could not be parsed: %s", m.pidfileID, m.contents.Err))
		return
	}
	if m.contents.Process == nil {
		m.handleNoProcess()
		return
	}
	if m.contents.ExitStatus != nil || m.d.pm.IsProcessRunning(*m.contents.Process) {
		return
	}
	// The process may have exited between the two reads.
	m.readPidfile(true)
	if m.contents.ExitStatus == nil {
		m.handlePidfileError("autoserv died without writing exit code",
			fmt.Sprintf("Process %s (pidfile %s) exited without writing an exit code", m.contents.Process, m.pidfileID))
	}
}

func (m *pidfileRunMonitor) handleNoProcess() {
	elapsed := m.d.now().Sub(m.startTime)
	if elapsed <= m.d.config.PidfileTimeout.Duration() {
		return
	}
	msg := fmt.Sprintf("Process has failed to write pidfile %s after %s", m.pidfileID,
		strings.TrimSpace(humanize.RelTime(m.startTime, m.d.now(), "", "")))
	m.logger().WithField("Elapsed", elapsed.String()).Error("process has failed to write pidfile")
	m.d.notifier.Enqueue("Process has failed to write pidfile", msg)
	m.onLostProcess(nil)
}

func (m *pidfileRunMonitor) handlePidfileError(subject, msg string) {
	m.logger().Error(msg)
	m.d.notifier.Enqueue(subject, msg)
	m.onLostProcess(m.contents.Process)
}

// onLostProcess records a failure result for a process that can no
// longer be followed, so the owning task can finish.
func (m *pidfileRunMonitor) onLostProcess(p *drone.Process) {
	m.lost = true
	exit, failed := 1, 0
	m.contents = drone.PidfileContents{Process: p, ExitStatus: &exit, NumTestsFailed: &failed}
}

// exitCode returns nil while the process is still running.
func (m *pidfileRunMonitor) exitCode() *int {
	m.refresh()
	return m.contents.ExitStatus
}

// numTestsFailed returns -1 if the count is not known.
func (m *pidfileRunMonitor) numTestsFailed() int {
	m.refresh()
	if m.contents.NumTestsFailed == nil {
		return -1
	}
	return *m.contents.NumTestsFailed
}

func (m *pidfileRunMonitor) tryCopyToResultsRepository(source, destination string) {
	if m.hasProcess() {
		m.d.pm.CopyToResultsRepository(*m.contents.Process, source, destination)
	}
}

func (m *pidfileRunMonitor) tryCopyResultsOnDrone(source, destination string) {
	if m.hasProcess() {
		m.d.pm.CopyResultsOnDrone(*m.contents.Process, source, destination)
	}
}
