// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"bytes"
	"context"
	"time"

	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/autotest/scheduler/lib/dispatch/store"
	"github.com/autotest/scheduler/lib/dispatch/test"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/autotest/scheduler/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&SchedulerSuite{})

type SchedulerSuite struct {
	ctx   context.Context
	now   time.Time
	st    *store.MemStore
	pm    *test.ProcessManager
	nq    *test.Notifier
	reg   *prometheus.Registry
	hosts []autotest.Host
	d     *Dispatcher
}

func (s *SchedulerSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.st = store.NewMemStore()
	s.st.Now = func() time.Time { return s.now }
	s.pm = &test.ProcessManager{}
	s.nq = &test.Notifier{}
	s.reg = prometheus.NewRegistry()
	var err error
	s.hosts, err = test.CreateHosts(s.ctx, s.st, 4)
	c.Assert(err, check.IsNil)
	s.d, err = New(s.ctx, test.SchedulerConfig(), nil, s.st, s.pm, s.nq, nil, s.reg)
	c.Assert(err, check.IsNil)
	s.d.now = func() time.Time { return s.now }
}

// stubTask is an agentTask that does nothing.
type stubTask struct {
	procs   int
	polls   int
	done    bool
	aborted bool
}

func (t *stubTask) poll(ctx context.Context) error  { t.polls++; return nil }
func (t *stubTask) abort(ctx context.Context) error { t.aborted = true; return nil }
func (t *stubTask) isDone() bool                    { return t.done }
func (t *stubTask) isAborted() bool                 { return t.aborted }
func (t *stubTask) numProcesses() int               { return t.procs }
func (t *stubTask) ownerUsername() string           { return "" }
func (t *stubTask) queueEntryIDs() []int64          { return nil }
func (t *stubTask) hostIDs() []int64                { return nil }
func (t *stubTask) String() string                  { return "stubTask" }

// stubSpecialTask is a stubTask that looks like a host's special
// task to the launch order.
type stubSpecialTask struct {
	stubTask
}

func (t *stubSpecialTask) maintenanceTask() autotest.SpecialTask {
	return autotest.SpecialTask{Kind: autotest.TaskVerify}
}

func (s *SchedulerSuite) TestNewRejectsBadCommand(c *check.C) {
	config := test.SchedulerConfig()
	config.AutoservCommand = ""
	_, err := New(s.ctx, config, nil, s.st, s.pm, s.nq, nil, nil)
	c.Check(err, check.ErrorMatches, `AutoservCommand is empty`)
	config = test.SchedulerConfig()
	config.ParserCommand = "parse 'unterminated"
	_, err = New(s.ctx, config, nil, s.st, s.pm, s.nq, nil, nil)
	c.Check(err, check.ErrorMatches, `ParserCommand: .*`)
}

func (s *SchedulerSuite) TestSplitCommand(c *check.C) {
	args, err := splitCommand("X", `/usr/local/autotest/server/autoserv --ssh-port=22 -o 'a b'`)
	c.Check(err, check.IsNil)
	c.Check(args, check.DeepEquals, []string{"/usr/local/autotest/server/autoserv", "--ssh-port=22", "-o", "a b"})
}

func (s *SchedulerSuite) TestAutoservCommandLine(c *check.C) {
	job := autotest.Job{Owner: "alice", Name: "sleepy"}
	args := s.d.autoservCommandLine([]string{"host1", "host2"}, []string{"fast", ""}, []string{"-v"}, &job, true)
	c.Check(args, check.DeepEquals, []string{
		"autoserv", "-p", "-r", drone.WorkingDirectory,
		"-m", "host1#fast,host2",
		"-u", "alice", "-l", "sleepy",
		"--verbose", "-v",
	})
	args = s.d.autoservCommandLine(nil, nil, nil, nil, false)
	c.Check(args, check.DeepEquals, []string{"autoserv", "-p", "-r", drone.WorkingDirectory})
	c.Check(niceCommand(args[:1]), check.DeepEquals, []string{"nice", "-n", "10", "autoserv"})
}

func (s *SchedulerSuite) TestCanStartAgent(c *check.C) {
	s.pm.Capacity = 5
	s.d.config.MaxProcessesStartedPerCycle = 3
	for _, trial := range []struct {
		procs        int
		started      int
		reachedLimit bool
		expect       bool
	}{
		{0, 0, true, true},
		{0, 10, false, true},
		{1, 0, true, false},
		{6, 0, false, false},
		// The first agent of a cycle may exceed the per-cycle
		// limit.
		{4, 0, false, true},
		{2, 2, false, false},
		{1, 2, false, true},
	} {
		a := newAgent(&stubTask{procs: trial.procs})
		c.Check(s.d.canStartAgent(a, trial.started, trial.reachedLimit), check.Equals, trial.expect, check.Commentf("%+v", trial))
	}
}

func (s *SchedulerSuite) TestHandleAgentsKeepsOrderWhenThrottled(c *check.C) {
	s.pm.Capacity = 2
	big := &stubTask{procs: 3}
	small := &stubTask{procs: 1}
	s.d.addAgentTask(big)
	s.d.addAgentTask(small)
	c.Assert(s.d.handleAgents(s.ctx), check.IsNil)
	// The small task must wait behind the one that did not fit.
	c.Check(big.polls, check.Equals, 0)
	c.Check(small.polls, check.Equals, 0)

	s.pm.Capacity = 3
	big.done = true
	c.Assert(s.d.handleAgents(s.ctx), check.IsNil)
	c.Check(big.polls, check.Equals, 1)
	c.Check(small.polls, check.Equals, 1)
	c.Check(s.d.agents, check.HasLen, 1)
}

func (s *SchedulerSuite) TestSpecialTasksLaunchBeforeWaitingJobs(c *check.C) {
	s.pm.Capacity = 2
	job := &stubTask{procs: 3}
	verify := &stubSpecialTask{stubTask{procs: 1}}
	s.d.addAgentTask(job)
	s.d.addAgentTask(verify)
	for i := 0; i < 3; i++ {
		c.Assert(s.d.handleAgents(s.ctx), check.IsNil)
	}
	c.Check(verify.polls, check.Equals, 3)
	c.Check(job.polls, check.Equals, 0)
	c.Check(s.d.agents, check.HasLen, 2)
	// Order in the agent list is unchanged.
	c.Check(s.d.agents[0].task, check.Equals, agentTask(job))
}

func (s *SchedulerSuite) TestAgentAbort(c *check.C) {
	t := &stubTask{}
	a := newAgent(t)
	c.Assert(a.abort(s.ctx), check.IsNil)
	c.Check(a.isDone(), check.Equals, true)
	c.Assert(a.tick(s.ctx), check.IsNil)
	c.Check(t.polls, check.Equals, 0)
}

func (s *SchedulerSuite) TestDelayedCallTask(c *check.C) {
	called := 0
	dt := newDelayedCallTask(s.d, "delay", 7, s.now.Add(time.Minute), func(context.Context) error {
		called++
		return nil
	})
	s.d.delayTasks[7] = dt
	c.Assert(dt.poll(s.ctx), check.IsNil)
	c.Check(called, check.Equals, 0)
	c.Check(dt.isDone(), check.Equals, false)
	s.now = s.now.Add(time.Minute)
	c.Assert(dt.poll(s.ctx), check.IsNil)
	c.Assert(dt.poll(s.ctx), check.IsNil)
	c.Check(called, check.Equals, 1)
	c.Check(dt.isDone(), check.Equals, true)
	c.Check(s.d.delayTasks, check.HasLen, 0)
}

func (s *SchedulerSuite) TestMonitorLostProcess(c *check.C) {
	s.pm.ExecuteError = errSimulated
	m := newPidfileRunMonitor(s.d)
	m.run([]string{"autoserv"}, "1-alice/host1", 1, "", drone.AutoservPidfile, drone.PidfileJob, nil, "alice")
	c.Check(m.exitCode(), check.IsNil)
	c.Check(s.pm.Pidfiles(), check.DeepEquals, []string{"1-alice/host1/.autoserv_execute"})
	s.now = s.now.Add(time.Minute)
	c.Check(m.exitCode(), check.IsNil)
	s.now = s.now.Add(time.Second)
	code := m.exitCode()
	c.Assert(code, check.NotNil)
	c.Check(*code, check.Equals, 1)
	c.Check(m.lost, check.Equals, true)
	c.Check(m.numTestsFailed(), check.Equals, 0)
	c.Check(s.nq.Count("Process has failed to write pidfile"), check.Equals, 1)
}

func (s *SchedulerSuite) TestMonitorAttachToMissingProcess(c *check.C) {
	m := newPidfileRunMonitor(s.d)
	m.attachToExistingProcess("1-alice/host1", drone.AutoservPidfile, drone.PidfileJob, 1)
	// Not lost until the timeout has been exceeded.
	c.Check(m.exitCode(), check.IsNil)
	c.Check(m.hasProcess(), check.Equals, false)
	s.now = s.now.Add(time.Second)
	c.Check(m.exitCode(), check.NotNil)
}

func (s *SchedulerSuite) TestMonitorFollowsProcess(c *check.C) {
	m := newPidfileRunMonitor(s.d)
	m.run([]string{"autoserv"}, "1-alice/host1", 1, "", drone.AutoservPidfile, drone.PidfileJob, nil, "alice")
	s.pm.ExecuteActions(s.ctx)
	c.Check(m.hasProcess(), check.Equals, true)
	c.Check(m.getProcess(), check.Equals, drone.Process{Hostname: "drone1", Pid: 1})
	c.Check(m.exitCode(), check.IsNil)
	c.Check(m.numTestsFailed(), check.Equals, -1)
	m.kill()
	c.Check(s.pm.WasLastProcessKilled(drone.PidfileJob), check.Equals, true)
	code := m.exitCode()
	c.Assert(code, check.NotNil)
	c.Check(*code, check.Equals, test.KilledExitStatus)
}

func (s *SchedulerSuite) createRecurringRun(c *check.C, rr autotest.RecurringRun) autotest.RecurringRun {
	job := test.Job("template")
	_, err := s.st.CreateJob(s.ctx, &job, test.HostEntries(s.hosts[0]))
	c.Assert(err, check.IsNil)
	rr.JobID = job.ID
	c.Assert(s.st.CreateRecurringRun(s.ctx, &rr), check.IsNil)
	return rr
}

func (s *SchedulerSuite) TestNextRunTime(c *check.C) {
	next, err := s.d.nextRunTime(autotest.RecurringRun{
		StartDate:  s.now.Add(-25 * time.Hour),
		LoopPeriod: autotest.Duration(24 * time.Hour),
	}, s.now)
	c.Check(err, check.IsNil)
	c.Check(next, check.Equals, s.now.Add(23*time.Hour))

	next, err = s.d.nextRunTime(autotest.RecurringRun{Schedule: "@daily"}, s.now)
	c.Check(err, check.IsNil)
	c.Check(next.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)), check.Equals, true, check.Commentf("%s", next))

	next, err = s.d.nextRunTime(autotest.RecurringRun{Schedule: "30 2 * * mon"}, s.now)
	c.Check(err, check.IsNil)
	c.Check(next.Equal(time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC)), check.Equals, true, check.Commentf("%s", next))

	_, err = s.d.nextRunTime(autotest.RecurringRun{Schedule: "every tuesday"}, s.now)
	c.Check(err, check.NotNil)

	next, err = s.d.nextRunTime(autotest.RecurringRun{StartDate: s.now}, s.now)
	c.Check(err, check.IsNil)
	c.Check(next.IsZero(), check.Equals, true)
}

func (s *SchedulerSuite) TestProcessRecurringRuns(c *check.C) {
	start := s.now.Add(-time.Minute)
	rr := s.createRecurringRun(c, autotest.RecurringRun{
		Owner:      "bob",
		StartDate:  start,
		LoopPeriod: autotest.Duration(time.Hour),
		LoopCount:  2,
	})
	future := s.createRecurringRun(c, autotest.RecurringRun{
		Owner:     "bob",
		StartDate: s.now.Add(24 * time.Hour),
	})
	c.Assert(s.d.processRecurringRuns(s.ctx), check.IsNil)

	runs, err := s.st.ListRecurringRuns(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(runs, check.HasLen, 2)
	c.Check(runs[0].ID, check.Equals, rr.ID)
	c.Check(runs[0].LoopCount, check.Equals, 1)
	c.Check(runs[0].StartDate.Equal(start.Add(time.Hour)), check.Equals, true)
	c.Check(runs[1], check.DeepEquals, future)

	pending, err := s.st.ListPendingEntries(s.ctx)
	c.Assert(err, check.IsNil)
	// Two templates and one clone.
	c.Assert(pending, check.HasLen, 3)
	clone := pending[2]
	c.Check(clone.HostID, check.DeepEquals, pending[0].HostID)
	job, err := s.st.Job(s.ctx, clone.JobID)
	c.Assert(err, check.IsNil)
	c.Check(job.Owner, check.Equals, "bob")
	c.Check(job.Name, check.Equals, "template")
	c.Check(job.CreatedOn.Equal(s.now), check.Equals, true)

	// The last loop deletes the run.
	s.now = s.now.Add(time.Hour)
	c.Assert(s.d.processRecurringRuns(s.ctx), check.IsNil)
	runs, err = s.st.ListRecurringRuns(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(runs, check.HasLen, 1)
	c.Check(runs[0].ID, check.Equals, future.ID)
}

func (s *SchedulerSuite) TestRecurringRunOnceWithoutPeriod(c *check.C) {
	s.createRecurringRun(c, autotest.RecurringRun{Owner: "bob", StartDate: s.now})
	c.Assert(s.d.processRecurringRuns(s.ctx), check.IsNil)
	runs, err := s.st.ListRecurringRuns(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(runs, check.HasLen, 0)
	pending, err := s.st.ListPendingEntries(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(pending, check.HasLen, 2)
}

func (s *SchedulerSuite) TestAbortTimedOutJobs(c *check.C) {
	old := test.Job("old")
	old.CreatedOn = s.now.Add(-25 * time.Hour)
	oldEntries, err := s.st.CreateJob(s.ctx, &old, test.HostEntries(s.hosts[0], s.hosts[1]))
	c.Assert(err, check.IsNil)
	fresh := test.Job("fresh")
	freshEntries, err := s.st.CreateJob(s.ctx, &fresh, test.HostEntries(s.hosts[2]))
	c.Assert(err, check.IsNil)

	c.Assert(s.d.abortTimedOutJobs(s.ctx), check.IsNil)
	for _, e := range oldEntries {
		e, err := s.st.QueueEntry(s.ctx, e.ID)
		c.Assert(err, check.IsNil)
		c.Check(e.Aborted, check.Equals, true)
		c.Check(e.AbortedBy, check.Equals, abortedBySystem)
	}
	e, err := s.st.QueueEntry(s.ctx, freshEntries[0].ID)
	c.Assert(err, check.IsNil)
	c.Check(e.Aborted, check.Equals, false)
}

func (s *SchedulerSuite) TestAbortEntriesPastMaxRuntime(c *check.C) {
	job := test.Job("long")
	job.MaxRuntime = autotest.Duration(time.Hour)
	entries, err := s.st.CreateJob(s.ctx, &job, test.HostEntries(s.hosts[0], s.hosts[1], s.hosts[2]))
	c.Assert(err, check.IsNil)
	longAgo, recently := s.now.Add(-2*time.Hour), s.now.Add(-time.Minute)
	entries[0].StartedOn = &longAgo
	entries[1].StartedOn = &recently
	for _, e := range entries[:2] {
		c.Assert(s.st.UpdateQueueEntry(s.ctx, e), check.IsNil)
	}

	c.Assert(s.d.abortEntriesPastMaxRuntime(s.ctx), check.IsNil)
	for i, expect := range []bool{true, false, false} {
		e, err := s.st.QueueEntry(s.ctx, entries[i].ID)
		c.Assert(err, check.IsNil)
		c.Check(e.Aborted, check.Equals, expect, check.Commentf("entry %d", i))
	}
}

func (s *SchedulerSuite) TestRunCleanupInterval(c *check.C) {
	s.d.config.CleanupInterval = autotest.Duration(time.Hour)
	bad := test.Job("bad")
	entries, err := s.st.CreateJob(s.ctx, &bad, test.HostEntries(s.hosts[0]))
	c.Assert(err, check.IsNil)
	entries[0].Active, entries[0].Complete = true, true
	c.Assert(s.st.UpdateQueueEntry(s.ctx, entries[0]), check.IsNil)

	s.d.lastCleanup = s.now.Add(-time.Minute)
	c.Assert(s.d.runCleanupMaybe(s.ctx), check.IsNil)
	c.Check(s.nq.All(), check.HasLen, 0)

	s.now = s.now.Add(time.Hour)
	c.Assert(s.d.runCleanupMaybe(s.ctx), check.IsNil)
	c.Check(s.nq.Count("1 queue entries found with active=complete=1"), check.Equals, 1)
	c.Check(s.d.lastCleanup.Equal(s.now), check.Equals, true)

	s.d.config.CleanupInterval = 0
	s.now = s.now.Add(24 * time.Hour)
	c.Assert(s.d.runCleanupMaybe(s.ctx), check.IsNil)
	c.Check(s.nq.All(), check.HasLen, 1)
}

func (s *SchedulerSuite) TestClearInactiveBlocks(c *check.C) {
	job := test.Job("done")
	entries, err := s.st.CreateJob(s.ctx, &job, test.HostEntries(s.hosts[0]))
	c.Assert(err, check.IsNil)
	c.Assert(s.st.BlockHost(s.ctx, job.ID, s.hosts[0].ID), check.IsNil)
	entries[0].SetStatus(autotest.QueueEntryCompleted)
	c.Assert(s.st.UpdateQueueEntry(s.ctx, entries[0]), check.IsNil)
	c.Assert(s.d.clearInactiveBlocks(s.ctx), check.IsNil)
	blocked, err := s.st.IneligibleHosts(s.ctx, job.ID)
	c.Assert(err, check.IsNil)
	c.Check(blocked, check.HasLen, 0)
}

func (s *SchedulerSuite) TestPrioritizedSpecialTasks(c *check.C) {
	h1, h2, h3, h4 := s.hosts[0], s.hosts[1], s.hosts[2], s.hosts[3]
	job := test.Job("busy")
	entries, err := s.st.CreateJob(s.ctx, &job, test.HostEntries(h3))
	c.Assert(err, check.IsNil)
	entries[0].SetStatus(autotest.QueueEntryVerifying)
	c.Assert(s.st.UpdateQueueEntry(s.ctx, entries[0]), check.IsNil)
	entryID := entries[0].ID

	newTask := func(h autotest.Host, kind autotest.SpecialTaskKind, entryID *int64) autotest.SpecialTask {
		st := autotest.SpecialTask{HostID: h.ID, Kind: kind, QueueEntryID: entryID}
		c.Assert(s.st.CreateSpecialTask(s.ctx, &st), check.IsNil)
		return st
	}
	newTask(h1, autotest.TaskVerify, nil)
	repair := newTask(h2, autotest.TaskRepair, nil)
	// h3 is busy with the entry, so only the entry's own task
	// may run there.
	linked := newTask(h3, autotest.TaskCleanup, &entryID)
	newTask(h3, autotest.TaskVerify, nil)
	cleanup := newTask(h4, autotest.TaskCleanup, nil)
	h1.Locked = true
	c.Assert(s.st.UpdateHost(s.ctx, h1), check.IsNil)

	tasks, err := s.d.prioritizedSpecialTasks(s.ctx)
	c.Assert(err, check.IsNil)
	var ids []int64
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	c.Check(ids, check.DeepEquals, []int64{repair.ID, linked.ID, cleanup.ID})
}

func (s *SchedulerSuite) TestReverifyHostIsQueued(c *check.C) {
	c.Assert(s.d.ReverifyHost(s.ctx, "host2", "admin"), check.IsNil)
	c.Assert(s.d.ReverifyHost(s.ctx, "host2", "admin"), check.IsNil)
	tasks, err := s.st.ListSpecialTasks(s.ctx, store.TaskFilter{})
	c.Assert(err, check.IsNil)
	c.Check(tasks, check.HasLen, 0)
	c.Assert(s.d.applyRequests(s.ctx), check.IsNil)
	tasks, err = s.st.ListSpecialTasks(s.ctx, store.TaskFilter{})
	c.Assert(err, check.IsNil)
	c.Assert(tasks, check.HasLen, 1)
	c.Check(tasks[0].HostID, check.Equals, s.hosts[1].ID)
	c.Check(tasks[0].Kind, check.Equals, autotest.TaskVerify)
	c.Check(tasks[0].RequestedBy, check.Equals, "admin")
}

func (s *SchedulerSuite) TestUpdateDrones(c *check.C) {
	drones := map[string]autotest.DroneConfig{"drone2": {MaxProcesses: 5}}
	s.d.UpdateDrones(drones)
	c.Check(s.pm.Reinitialized, check.Equals, 0)
	c.Assert(s.d.Tick(s.ctx), check.IsNil)
	c.Check(s.pm.Reinitialized, check.Equals, 1)
	c.Check(s.d.drones, check.DeepEquals, drones)
	c.Assert(s.d.Tick(s.ctx), check.IsNil)
	c.Check(s.pm.Reinitialized, check.Equals, 1)
}

func (s *SchedulerSuite) TestTickSchedulerError(c *check.C) {
	// A Running entry on a Ready host cannot be resumed.
	job := test.Job("confused")
	entries, err := s.st.CreateJob(s.ctx, &job, test.HostEntries(s.hosts[0]))
	c.Assert(err, check.IsNil)
	entries[0].SetStatus(autotest.QueueEntryRunning)
	entries[0].ExecutionSubdir = "host1"
	c.Assert(s.st.UpdateQueueEntry(s.ctx, entries[0]), check.IsNil)

	err = s.d.Tick(s.ctx)
	c.Assert(err, check.NotNil)
	c.Check(err, check.ErrorMatches, `agents: QueueTask.*invalid host status Ready.*`)
	c.Check(s.nq.Count("Scheduler error"), check.Equals, 1)
	c.Check(s.pm.ActionRuns, check.Equals, 0)

	buf := s.metrics(c)
	c.Check(buf.String(), check.Matches, `(?ms).*^autotest_dispatch_ticks_total 1$.*`)
	c.Check(buf.String(), check.Matches, `(?ms).*^autotest_dispatch_tick_errors_total 1$.*`)
	c.Check(buf.String(), check.Matches, `(?ms).*^autotest_dispatch_agents 1$.*`)
}

func (s *SchedulerSuite) TestMetrics(c *check.C) {
	job := test.Job("metrics")
	job.RunVerify = false
	_, err := s.st.CreateJob(s.ctx, &job, test.HostEntries(s.hosts[0]))
	c.Assert(err, check.IsNil)
	for i := 0; i < 3; i++ {
		c.Assert(s.d.Tick(s.ctx), check.IsNil)
	}
	buf := s.metrics(c)
	c.Check(buf.String(), check.Matches, `(?ms).*^autotest_dispatch_ticks_total 3$.*`)
	c.Check(buf.String(), check.Matches, `(?ms).*^autotest_dispatch_tick_errors_total 0$.*`)
	c.Check(buf.String(), check.Matches, `(?ms).*^autotest_dispatch_agents_started_total 1$.*`)
	c.Check(buf.String(), check.Matches, `(?ms).*^autotest_dispatch_running_processes 1$.*`)
	c.Check(buf.String(), check.Matches, `(?ms).*^autotest_dispatch_tick_duration_seconds_count 3$.*`)

	agents := s.d.Agents()
	c.Assert(agents, check.HasLen, 1)
	c.Check(agents[0].Started, check.Equals, true)
	c.Check(agents[0].NumProcesses, check.Equals, 1)
	c.Check(agents[0].Hosts, check.DeepEquals, []int64{s.hosts[0].ID})
}

func (s *SchedulerSuite) metrics(c *check.C) *bytes.Buffer {
	mfs, err := s.reg.Gather()
	c.Assert(err, check.IsNil)
	var buf bytes.Buffer
	for _, mf := range mfs {
		_, err := expfmt.MetricFamilyToText(&buf, mf)
		c.Assert(err, check.IsNil)
	}
	return &buf
}

func (s *SchedulerSuite) TestStartStop(c *check.C) {
	s.d.config.TickInterval = autotest.Duration(time.Millisecond)
	s.d.Start()
	s.d.Stop()

	d, err := New(s.ctx, test.SchedulerConfig(), nil, s.st, s.pm, s.nq, nil, nil)
	c.Assert(err, check.IsNil)
	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.Fatal("Stop blocked without Start")
	}
}
