// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"
	"path"

	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/sirupsen/logrus"
)

// An agentTask is the unit of work an agent drives to completion,
// one poll per tick.
type agentTask interface {
	poll(ctx context.Context) error
	abort(ctx context.Context) error
	isDone() bool
	isAborted() bool
	numProcesses() int
	ownerUsername() string
	queueEntryIDs() []int64
	hostIDs() []int64
	String() string
}

// A recoverableTask runs a process that may outlive the scheduler,
// and can reattach to it after a restart.
type recoverableTask interface {
	agentTask
	registerNecessaryPidfiles()
	recover(ctx context.Context) error
	monitor() *pidfileRunMonitor
}

// taskHooks are the steps of a process-running task. baseTask
// implements the defaults and always calls through impl, so an
// embedding type can override any of them.
type taskHooks interface {
	prolog(ctx context.Context) error
	run(ctx context.Context) error
	tick(ctx context.Context) error
	epilog(ctx context.Context) error
	cleanup(ctx context.Context) error
	finished(ctx context.Context, success bool) error
	abort(ctx context.Context) error

	commandLine(ctx context.Context) ([]string, error)
	workingDirectory() string
	pidfileName() string
	pidfileType() drone.PidfileType
	numProcesses() int
	ownerUsername() string
	pairedWithMonitor() *pidfileRunMonitor
}

type baseTask struct {
	d    *Dispatcher
	impl taskHooks
	name string

	started bool
	done    bool
	success bool
	aborted bool

	mon         *pidfileRunMonitor
	qeIDs       []int64
	hIDs        []int64
	logFileName string
}

func (t *baseTask) String() string              { return t.name }
func (t *baseTask) isDone() bool                { return t.done }
func (t *baseTask) isAborted() bool             { return t.aborted }
func (t *baseTask) queueEntryIDs() []int64      { return t.qeIDs }
func (t *baseTask) hostIDs() []int64            { return t.hIDs }
func (t *baseTask) monitor() *pidfileRunMonitor { return t.mon }
func (t *baseTask) numProcesses() int           { return 1 }
func (t *baseTask) ownerUsername() string       { return "" }

func (t *baseTask) pairedWithMonitor() *pidfileRunMonitor { return nil }

// logFile returns the path of the process output file, or "" for
// the default.
func (t *baseTask) logFile() string {
	if t.logFileName == "" {
		return ""
	}
	return path.Join(t.impl.workingDirectory(), t.logFileName)
}

func (t *baseTask) logger() logrus.FieldLogger {
	return t.d.logger.WithField("Task", t.name)
}

func (t *baseTask) poll(ctx context.Context) error {
	if !t.started {
		if err := t.start(ctx); err != nil {
			return err
		}
	}
	if !t.done {
		return t.impl.tick(ctx)
	}
	return nil
}

func (t *baseTask) tick(ctx context.Context) error {
	success := false
	if t.mon != nil {
		code := t.mon.exitCode()
		if code == nil {
			return nil
		}
		success = *code == 0
	}
	return t.impl.finished(ctx, success)
}

func (t *baseTask) finished(ctx context.Context, success bool) error {
	if t.done {
		return nil
	}
	t.started = true
	t.done = true
	t.success = success
	return t.impl.epilog(ctx)
}

func (t *baseTask) prolog(ctx context.Context) error {
	t.registerNecessaryPidfiles()
	return nil
}

func (t *baseTask) cleanup(ctx context.Context) error {
	if t.mon != nil && t.logFileName != "" {
		t.mon.tryCopyToResultsRepository(t.logFile(), "")
	}
	return nil
}

func (t *baseTask) epilog(ctx context.Context) error {
	err := t.impl.cleanup(ctx)
	t.logger().WithField("Success", t.success).Info("task finished")
	return err
}

func (t *baseTask) start(ctx context.Context) error {
	if !t.started {
		if err := t.impl.prolog(ctx); err != nil {
			return err
		}
		if err := t.impl.run(ctx); err != nil {
			return err
		}
	}
	t.started = true
	return nil
}

func (t *baseTask) abort(ctx context.Context) error {
	if t.mon != nil {
		t.mon.kill()
	}
	t.done = true
	t.aborted = true
	return t.impl.cleanup(ctx)
}

// checkPairedResultsExist fails the task if the process it must
// follow never started.
func (t *baseTask) checkPairedResultsExist(ctx context.Context) (bool, error) {
	paired := t.impl.pairedWithMonitor()
	if paired == nil || paired.hasProcess() {
		return true, nil
	}
	msg := fmt.Sprintf("No paired results in task %s at %s", t.name, t.impl.workingDirectory())
	t.logger().Error(msg)
	t.d.notifier.Enqueue("No paired results in task", msg)
	return false, t.impl.finished(ctx, false)
}

func (t *baseTask) createMonitor() {
	t.mon = newPidfileRunMonitor(t.d)
}

func (t *baseTask) run(ctx context.Context) error {
	if ok, err := t.checkPairedResultsExist(ctx); !ok || err != nil {
		return err
	}
	cmd, err := t.impl.commandLine(ctx)
	if err != nil {
		return err
	}
	var paired *drone.PidfileID
	if pm := t.impl.pairedWithMonitor(); pm != nil {
		paired = pm.pidfileID
	}
	t.createMonitor()
	t.mon.run(niceCommand(cmd), t.impl.workingDirectory(), t.impl.numProcesses(),
		t.logFile(), t.impl.pidfileName(), t.impl.pidfileType(), paired, t.impl.ownerUsername())
	return nil
}

func (t *baseTask) registerNecessaryPidfiles() {
	t.d.pm.RegisterPidfile(t.d.pm.GetPidfileID(t.impl.workingDirectory(), t.impl.pidfileName(), t.impl.pidfileType()))
	if paired := t.impl.pairedWithMonitor(); paired != nil && paired.pidfileID != nil {
		t.d.pm.RegisterPidfile(*paired.pidfileID)
	}
}

func (t *baseTask) recover(ctx context.Context) error {
	if ok, err := t.checkPairedResultsExist(ctx); !ok || err != nil {
		return err
	}
	t.createMonitor()
	t.mon.attachToExistingProcess(t.impl.workingDirectory(), t.impl.pidfileName(), t.impl.pidfileType(), t.impl.numProcesses())
	if !t.mon.hasProcess() {
		// Nothing to reattach to; start from scratch when
		// polled.
		t.mon = nil
		return nil
	}
	t.started = true
	t.logger().WithField("Process", t.mon.getProcess().String()).Info("recovered process")
	return nil
}

// checkQueueEntryStatuses verifies that the entries (and their
// hosts, unless allowedHost is nil) are in a state the task may
// start from.
func (t *baseTask) checkQueueEntryStatuses(ctx context.Context, entryIDs []int64, allowed []autotest.QueueEntryStatus, allowedHost []autotest.HostStatus) error {
	for _, id := range entryIDs {
		e, err := t.d.store.QueueEntry(ctx, id)
		if err != nil {
			return err
		}
		if !containsEntryStatus(allowed, e.Status) {
			return schedulerErrorf("%s attempting to start entry with invalid status %s: %s", t.name, e.Status, e)
		}
		if e.HostID == nil || allowedHost == nil {
			continue
		}
		h, err := t.d.store.Host(ctx, *e.HostID)
		if err != nil {
			return err
		}
		if !containsHostStatus(allowedHost, h.Status) {
			return schedulerErrorf("%s attempting to start on queue entry with invalid host status %s: %s", t.name, h.Status, e)
		}
	}
	return nil
}

func containsEntryStatus(list []autotest.QueueEntryStatus, s autotest.QueueEntryStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsHostStatus(list []autotest.HostStatus, s autotest.HostStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
