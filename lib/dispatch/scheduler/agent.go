// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"time"

	"github.com/autotest/scheduler/sdk/go/autotest"
)

// An agent drives one task, one poll per tick, until the task is
// done.
type agent struct {
	task     agentTask
	started  bool
	finished bool
	// Captured when the agent is added, so the dispatcher can
	// find it again after the task's entries change.
	entryIDs []int64
	hostIDs  []int64
	// Special tasks are offered capacity before jobs.
	special bool
}

type specialTaskAgent interface {
	maintenanceTask() autotest.SpecialTask
}

func newAgent(task agentTask) *agent {
	return &agent{
		task:     task,
		entryIDs: task.queueEntryIDs(),
		hostIDs:  task.hostIDs(),
		special:  isSpecial(task),
	}
}

func isSpecial(task agentTask) bool {
	_, ok := task.(specialTaskAgent)
	return ok
}

func (a *agent) tick(ctx context.Context) error {
	a.started = true
	if a.finished {
		return nil
	}
	if err := a.task.poll(ctx); err != nil {
		return err
	}
	if a.task.isDone() {
		a.finished = true
	}
	return nil
}

func (a *agent) isDone() bool {
	return a.finished
}

func (a *agent) abort(ctx context.Context) error {
	if err := a.task.abort(ctx); err != nil {
		return err
	}
	if a.task.isAborted() {
		// Tasks that ignore aborts keep running.
		a.finished = true
	}
	return nil
}

// delayedCallTask calls its callback once, at the first poll after
// endTime.
type delayedCallTask struct {
	d        *Dispatcher
	name     string
	jobID    int64
	endTime  time.Time
	callback func(ctx context.Context) error
	success  bool
	aborted  bool
}

func newDelayedCallTask(d *Dispatcher, name string, jobID int64, endTime time.Time, callback func(ctx context.Context) error) *delayedCallTask {
	return &delayedCallTask{d: d, name: name, jobID: jobID, endTime: endTime, callback: callback}
}

func (t *delayedCallTask) poll(ctx context.Context) error {
	if t.isDone() || t.d.now().Before(t.endTime) {
		return nil
	}
	if err := t.callback(ctx); err != nil {
		return err
	}
	t.success = true
	t.forget()
	return nil
}

func (t *delayedCallTask) abort(ctx context.Context) error {
	t.aborted = true
	t.forget()
	return nil
}

func (t *delayedCallTask) forget() {
	if t.d.delayTasks[t.jobID] == t {
		delete(t.d.delayTasks, t.jobID)
	}
}

func (t *delayedCallTask) isDone() bool           { return t.success || t.aborted }
func (t *delayedCallTask) isAborted() bool        { return t.aborted }
func (t *delayedCallTask) numProcesses() int      { return 0 }
func (t *delayedCallTask) ownerUsername() string  { return "" }
func (t *delayedCallTask) queueEntryIDs() []int64 { return nil }
func (t *delayedCallTask) hostIDs() []int64       { return nil }
func (t *delayedCallTask) String() string         { return t.name }
