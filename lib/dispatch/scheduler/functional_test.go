// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/autotest/scheduler/lib/dispatch/store"
	"github.com/autotest/scheduler/lib/dispatch/test"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/autotest/scheduler/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Enough ticks for every state change that does not wait for a
// process to happen.
const aLotOfTicks = 10

var errSimulated = errors.New("simulated failure")

var _ = check.Suite(&FunctionalSuite{})

type FunctionalSuite struct {
	ctx    context.Context
	now    time.Time
	config autotest.SchedulerConfig
	st     *store.MemStore
	pm     *test.ProcessManager
	nq     *test.Notifier
	hosts  []autotest.Host
	d      *Dispatcher
}

func (s *FunctionalSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.config = test.SchedulerConfig()
	s.st = store.NewMemStore()
	s.st.Now = func() time.Time { return s.now }
	s.pm = &test.ProcessManager{}
	s.nq = &test.Notifier{}
	var err error
	s.hosts, err = test.CreateHosts(s.ctx, s.st, 4)
	c.Assert(err, check.IsNil)
	s.d = nil
}

func (s *FunctionalSuite) newDispatcher(c *check.C) *Dispatcher {
	d, err := New(s.ctx, s.config, map[string]autotest.DroneConfig{"drone1": {MaxProcesses: 100}}, s.st, s.pm, s.nq, nil, nil)
	c.Assert(err, check.IsNil)
	d.now = func() time.Time { return s.now }
	return d
}

func (s *FunctionalSuite) initialize(c *check.C) {
	s.d = s.newDispatcher(c)
	c.Assert(s.d.Initialize(s.ctx), check.IsNil)
}

func (s *FunctionalSuite) runDispatcher(c *check.C) {
	for i := 0; i < aLotOfTicks; i++ {
		c.Assert(s.d.Tick(s.ctx), check.IsNil)
	}
}

func (s *FunctionalSuite) finishProcess(c *check.C, typ drone.PidfileType, exitStatus int) {
	c.Assert(s.pm.FinishProcess(typ, exitStatus), check.IsNil)
}

func (s *FunctionalSuite) createJob(c *check.C, job autotest.Job, hosts ...autotest.Host) (autotest.Job, []autotest.HostQueueEntry) {
	entries, err := s.st.CreateJob(s.ctx, &job, test.HostEntries(hosts...))
	c.Assert(err, check.IsNil)
	return job, entries
}

// makeJobAndQueueEntry creates a job for host1.
func (s *FunctionalSuite) makeJobAndQueueEntry(c *check.C, tweak func(*autotest.Job)) (autotest.Job, autotest.HostQueueEntry) {
	job := test.Job("test")
	if tweak != nil {
		tweak(&job)
	}
	job, entries := s.createJob(c, job, s.hosts[0])
	return job, entries[0]
}

func (s *FunctionalSuite) entry(c *check.C, id int64) autotest.HostQueueEntry {
	e, err := s.st.QueueEntry(s.ctx, id)
	c.Assert(err, check.IsNil)
	return e
}

func (s *FunctionalSuite) host(c *check.C, id int64) autotest.Host {
	h, err := s.st.Host(s.ctx, id)
	c.Assert(err, check.IsNil)
	return h
}

func (s *FunctionalSuite) checkStatuses(c *check.C, entryID int64, entryStatus autotest.QueueEntryStatus, hostStatus autotest.HostStatus) {
	e := s.entry(c, entryID)
	c.Check(e.Status, check.Equals, entryStatus)
	c.Assert(e.HostID, check.NotNil)
	c.Check(s.host(c, *e.HostID).Status, check.Equals, hostStatus)
}

func (s *FunctionalSuite) checkNothingRunning(c *check.C) {
	c.Check(s.pm.RunningPidfileIDs(), check.HasLen, 0)
}

func (s *FunctionalSuite) specialTasks(c *check.C, hostID int64, kind autotest.SpecialTaskKind) []autotest.SpecialTask {
	tasks, err := s.st.ListSpecialTasks(s.ctx, store.TaskFilter{HostID: hostID, Kinds: []autotest.SpecialTaskKind{kind}})
	c.Assert(err, check.IsNil)
	return tasks
}

func (s *FunctionalSuite) runPreJobVerify(c *check.C, e autotest.HostQueueEntry) {
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryVerifying, autotest.HostVerifying)
	s.finishProcess(c, drone.PidfileVerify, 0)
}

// finishJob finishes the running job and its post-job processes,
// assuming the job reboots its host afterwards.
func (s *FunctionalSuite) finishJob(c *check.C, e autotest.HostQueueEntry) {
	s.finishProcess(c, drone.PidfileJob, 0)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryParsing, autotest.HostCleaning)
	s.finishParsingAndCleanup(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryArchiving, autotest.HostReady)
	s.finishProcess(c, drone.PidfileArchive, 0)
	s.runDispatcher(c)
}

func (s *FunctionalSuite) finishParsingAndCleanup(c *check.C) {
	s.finishProcess(c, drone.PidfileCleanup, 0)
	s.finishProcess(c, drone.PidfileParse, 0)
	s.runDispatcher(c)
}

func (s *FunctionalSuite) TestIdle(c *check.C) {
	s.initialize(c)
	s.runDispatcher(c)
	c.Check(s.pm.Executions, check.HasLen, 0)
	c.Check(s.pm.ActionRuns, check.Equals, aLotOfTicks+1)
	c.Check(s.pm.Reinitialized, check.Equals, 1)
}

func (s *FunctionalSuite) TestSimpleJob(c *check.C) {
	s.initialize(c)
	job, e := s.makeJobAndQueueEntry(c, nil)
	s.runPreJobVerify(c, e)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryRunning, autotest.HostRunning)
	c.Check(s.entry(c, e.ID).ExecutionSubdir, check.Equals, "host1")
	c.Check(s.host(c, s.hosts[0].ID).Dirty, check.Equals, true)

	s.finishJob(c, e)
	s.checkStatuses(c, e.ID, autotest.QueueEntryCompleted, autotest.HostReady)
	c.Check(s.host(c, s.hosts[0].ID).Dirty, check.Equals, false)
	s.checkNothingRunning(c)
	c.Check(s.pm.Pidfiles(), check.HasLen, 0)

	jobs := s.pm.ExecutionsOfType(drone.PidfileJob)
	c.Assert(jobs, check.HasLen, 1)
	c.Check(jobs[0].ID.WorkingDirectory, check.Equals, path.Join(job.Tag(), "host1"))
	c.Check(jobs[0].ID.NumProcesses, check.Equals, 1)
	c.Check(jobs[0].Options.Username, check.Equals, "autotest_system")
	c.Check(s.pm.Written[path.Join(job.Tag(), ".machines")], check.DeepEquals, []string{"host1"})
}

func (s *FunctionalSuite) setupForPreJobCleanup(c *check.C) autotest.HostQueueEntry {
	s.initialize(c)
	_, e := s.makeJobAndQueueEntry(c, func(job *autotest.Job) {
		job.RebootBefore = autotest.RebootBeforeAlways
	})
	return e
}

func (s *FunctionalSuite) runPreJobCleanupJob(c *check.C, e autotest.HostQueueEntry) {
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryVerifying, autotest.HostCleaning)
	s.finishProcess(c, drone.PidfileCleanup, 0)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryVerifying, autotest.HostVerifying)
	s.finishProcess(c, drone.PidfileVerify, 0)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryRunning, autotest.HostRunning)
	s.finishJob(c, e)
	s.checkStatuses(c, e.ID, autotest.QueueEntryCompleted, autotest.HostReady)
}

func (s *FunctionalSuite) TestPreJobCleanup(c *check.C) {
	e := s.setupForPreJobCleanup(c)
	s.runPreJobCleanupJob(c, e)
	s.checkNothingRunning(c)
}

func (s *FunctionalSuite) runPreJobCleanupOneFailure(c *check.C) autotest.HostQueueEntry {
	e := s.setupForPreJobCleanup(c)
	s.runDispatcher(c)
	s.finishProcess(c, drone.PidfileCleanup, 256)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryQueued, autotest.HostRepairing)
	c.Check(s.entry(c, e.ID).ExecutionSubdir, check.Equals, "")
	repairs := s.specialTasks(c, s.hosts[0].ID, autotest.TaskRepair)
	c.Assert(repairs, check.HasLen, 1)
	c.Assert(repairs[0].QueueEntryID, check.NotNil)
	c.Check(*repairs[0].QueueEntryID, check.Equals, e.ID)
	s.finishProcess(c, drone.PidfileRepair, 0)
	return e
}

func (s *FunctionalSuite) TestPreJobCleanupFailure(c *check.C) {
	e := s.runPreJobCleanupOneFailure(c)
	// From here the job runs as normal.
	s.runPreJobCleanupJob(c, e)
	s.checkNothingRunning(c)
}

func (s *FunctionalSuite) TestPreJobCleanupDoubleFailure(c *check.C) {
	e := s.runPreJobCleanupOneFailure(c)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryVerifying, autotest.HostCleaning)
	s.finishProcess(c, drone.PidfileCleanup, 256)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryFailed, autotest.HostRepairFailed)
	// No second repair, and nothing else runs.
	c.Check(s.specialTasks(c, s.hosts[0].ID, autotest.TaskRepair), check.HasLen, 1)
	s.checkNothingRunning(c)
	c.Check(s.pm.Pidfiles(), check.HasLen, 0)
	c.Check(s.entry(c, e.ID).ExecutionSubdir, check.Equals, "host1")
	c.Check(s.nq.Count("No paired results"), check.Equals, 1)
}

func (s *FunctionalSuite) runPostJobCleanupFailureUpToRepair(c *check.C) autotest.HostQueueEntry {
	s.initialize(c)
	_, e := s.makeJobAndQueueEntry(c, nil)
	s.runPreJobVerify(c, e)
	s.runDispatcher(c)
	s.finishProcess(c, drone.PidfileJob, 0)
	s.runDispatcher(c)
	s.finishProcess(c, drone.PidfileParse, 0)
	s.finishProcess(c, drone.PidfileCleanup, 256)
	s.runDispatcher(c)
	// The repair does not affect the entry.
	s.checkStatuses(c, e.ID, autotest.QueueEntryArchiving, autotest.HostRepairing)
	s.finishProcess(c, drone.PidfileArchive, 0)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryCompleted, autotest.HostRepairing)
	return e
}

func (s *FunctionalSuite) TestPostJobCleanupFailure(c *check.C) {
	e := s.runPostJobCleanupFailureUpToRepair(c)
	s.finishProcess(c, drone.PidfileRepair, 0)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryCompleted, autotest.HostReady)
	s.checkNothingRunning(c)
}

func (s *FunctionalSuite) TestPostJobCleanupFailureRepairFailure(c *check.C) {
	e := s.runPostJobCleanupFailureUpToRepair(c)
	s.finishProcess(c, drone.PidfileRepair, 256)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryCompleted, autotest.HostRepairFailed)
	s.checkNothingRunning(c)
}

func (s *FunctionalSuite) TestJobAbortInVerify(c *check.C) {
	s.initialize(c)
	job, e := s.makeJobAndQueueEntry(c, nil)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryVerifying, autotest.HostVerifying)
	c.Assert(s.d.AbortJob(s.ctx, job.ID, "someone"), check.IsNil)
	s.runDispatcher(c)
	c.Check(s.pm.WasLastProcessKilled(drone.PidfileVerify), check.Equals, true)
	s.checkStatuses(c, e.ID, autotest.QueueEntryAborted, autotest.HostCleaning)
	c.Check(s.entry(c, e.ID).AbortedBy, check.Equals, "someone")
	s.finishProcess(c, drone.PidfileCleanup, 0)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryAborted, autotest.HostReady)
	s.checkNothingRunning(c)
	c.Check(s.pm.Pidfiles(), check.HasLen, 0)
}

func (s *FunctionalSuite) TestJobAbort(c *check.C) {
	s.initialize(c)
	job, e := s.makeJobAndQueueEntry(c, func(job *autotest.Job) {
		job.RunVerify = false
	})
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryRunning, autotest.HostRunning)
	c.Assert(s.d.AbortJob(s.ctx, job.ID, "someone"), check.IsNil)
	s.runDispatcher(c)
	c.Check(s.pm.WasLastProcessKilled(drone.PidfileJob), check.Equals, true)
	s.checkStatuses(c, e.ID, autotest.QueueEntryGathering, autotest.HostRunning)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileGather), check.HasLen, 1)
	s.finishProcess(c, drone.PidfileGather, 0)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryParsing, autotest.HostCleaning)
	s.finishParsingAndCleanup(c)
	s.finishProcess(c, drone.PidfileArchive, 0)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryAborted, autotest.HostReady)
	s.checkNothingRunning(c)
	c.Check(s.pm.Pidfiles(), check.HasLen, 0)
	c.Check(s.pm.Written[path.Join(job.Tag(), "host1", "keyval")], check.DeepEquals, []string{
		"aborted_by=someone",
		fmt.Sprintf("aborted_on=%d", s.now.Unix()),
		fmt.Sprintf("job_finished=%d", s.now.Unix()),
	})
}

func (s *FunctionalSuite) TestRecoverRunningNoProcess(c *check.C) {
	job, e := s.makeJobAndQueueEntry(c, func(job *autotest.Job) {
		job.RebootAfter = autotest.RebootAfterNever
	})
	e.SetStatus(autotest.QueueEntryRunning)
	e.ExecutionSubdir = "host1"
	c.Assert(s.st.UpdateQueueEntry(s.ctx, e), check.IsNil)
	h := s.hosts[0]
	h.Status = autotest.HostRunning
	c.Assert(s.st.UpdateHost(s.ctx, h), check.IsNil)

	s.initialize(c)
	// The crashed job goes straight to post-job handling.
	e, err := s.st.QueueEntry(s.ctx, e.ID)
	c.Assert(err, check.IsNil)
	c.Check(e.Status, check.Equals, autotest.QueueEntryGathering)
	c.Check(s.pm.Written[path.Join(job.Tag(), "host1", "job_failure")], check.HasLen, 1)

	s.runDispatcher(c)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileJob), check.HasLen, 0)
	c.Check(s.nq.Count("No paired results"), check.Equals, 3)
	s.checkStatuses(c, e.ID, autotest.QueueEntryFailed, autotest.HostReady)
	s.checkNothingRunning(c)
}

func (s *FunctionalSuite) TestRecoverStartingNoProcessRelaunches(c *check.C) {
	_, e := s.makeJobAndQueueEntry(c, func(job *autotest.Job) {
		job.RunVerify = false
	})
	e.SetStatus(autotest.QueueEntryStarting)
	e.ExecutionSubdir = "host1"
	c.Assert(s.st.UpdateQueueEntry(s.ctx, e), check.IsNil)
	h := s.hosts[0]
	h.Status = autotest.HostPending
	c.Assert(s.st.UpdateHost(s.ctx, h), check.IsNil)

	s.initialize(c)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryRunning, autotest.HostRunning)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileJob), check.HasLen, 1)
	s.finishJob(c, e)
	s.checkStatuses(c, e.ID, autotest.QueueEntryCompleted, autotest.HostReady)
}

func (s *FunctionalSuite) TestRecoverVerifyingEntryWithoutSpecialTask(c *check.C) {
	_, e := s.makeJobAndQueueEntry(c, nil)
	e.SetStatus(autotest.QueueEntryVerifying)
	c.Assert(s.st.UpdateQueueEntry(s.ctx, e), check.IsNil)
	// Tasks that do not count: one unrelated to the entry, one
	// already complete.
	c.Assert(s.st.CreateSpecialTask(s.ctx, &autotest.SpecialTask{HostID: s.hosts[0].ID, Kind: autotest.TaskVerify}), check.IsNil)
	id := e.ID
	c.Assert(s.st.CreateSpecialTask(s.ctx, &autotest.SpecialTask{HostID: s.hosts[0].ID, Kind: autotest.TaskCleanup, QueueEntryID: &id, IsComplete: true}), check.IsNil)

	s.d = s.newDispatcher(c)
	err := s.d.Initialize(s.ctx)
	c.Assert(err, check.FitsTypeOf, &SchedulerError{})
	c.Check(err, check.ErrorMatches, `1 unrecovered verifying host queue entries:\n.*`)
}

func (s *FunctionalSuite) testRecoverVerifyingEntry(c *check.C, kind autotest.SpecialTaskKind, typ drone.PidfileType) autotest.HostQueueEntry {
	_, e := s.makeJobAndQueueEntry(c, nil)
	e.SetStatus(autotest.QueueEntryVerifying)
	c.Assert(s.st.UpdateQueueEntry(s.ctx, e), check.IsNil)
	id := e.ID
	c.Assert(s.st.CreateSpecialTask(s.ctx, &autotest.SpecialTask{HostID: s.hosts[0].ID, Kind: kind, QueueEntryID: &id}), check.IsNil)

	s.initialize(c)
	s.runDispatcher(c)
	c.Check(s.pm.ExecutionsOfType(typ), check.HasLen, 1)
	s.finishProcess(c, typ, 0)
	s.runDispatcher(c)
	return e
}

func (s *FunctionalSuite) TestRecoverVerifyingEntryWithCleanup(c *check.C) {
	e := s.testRecoverVerifyingEntry(c, autotest.TaskCleanup, drone.PidfileCleanup)
	// The job verifies next.
	s.checkStatuses(c, e.ID, autotest.QueueEntryVerifying, autotest.HostVerifying)
}

func (s *FunctionalSuite) TestRecoverVerifyingEntryWithVerify(c *check.C) {
	e := s.testRecoverVerifyingEntry(c, autotest.TaskVerify, drone.PidfileVerify)
	s.checkStatuses(c, e.ID, autotest.QueueEntryRunning, autotest.HostRunning)
}

func (s *FunctionalSuite) TestRecoverActiveSpecialTaskWithProcess(c *check.C) {
	st := autotest.SpecialTask{HostID: s.hosts[1].ID, Kind: autotest.TaskCleanup, IsActive: true}
	c.Assert(s.st.CreateSpecialTask(s.ctx, &st), check.IsNil)
	h := s.hosts[1]
	h.Status = autotest.HostCleaning
	c.Assert(s.st.UpdateHost(s.ctx, h), check.IsNil)

	// A cleanup left running by a previous scheduler.
	wd := st.ExecutionPath(h.Hostname)
	_, err := s.pm.ExecuteCommand([]string{"autoserv"}, wd, drone.AutoservPidfile, drone.PidfileCleanup, 1, drone.ExecuteOptions{})
	c.Assert(err, check.IsNil)
	s.pm.ExecuteActions(s.ctx)
	s.pm.Orphans = []drone.Process{{Hostname: "drone1", Pid: 1}}

	s.initialize(c)
	c.Check(s.nq.Count("Unrecovered orphan"), check.Equals, 0)
	s.runDispatcher(c)
	// Reattached, not relaunched.
	c.Check(s.pm.ExecutionsOfType(drone.PidfileCleanup), check.HasLen, 1)
	c.Check(s.host(c, h.ID).Status, check.Equals, autotest.HostCleaning)
	s.finishProcess(c, drone.PidfileCleanup, 0)
	s.runDispatcher(c)
	c.Check(s.host(c, h.ID).Status, check.Equals, autotest.HostReady)
	s.checkNothingRunning(c)
}

func (s *FunctionalSuite) TestOrphansWithDieOnOrphans(c *check.C) {
	s.config.DieOnOrphans = true
	s.pm.Orphans = []drone.Process{{Hostname: "drone1", Pid: 1234}}
	s.d = s.newDispatcher(c)
	err := s.d.Initialize(s.ctx)
	c.Assert(err, check.FitsTypeOf, &SchedulerError{})
	c.Check(err, check.ErrorMatches, `(?s)Unrecovered orphan autoserv processes remain\ndrone1/1234`)
	c.Check(s.nq.Count("Unrecovered orphan"), check.Equals, 1)
}

func (s *FunctionalSuite) TestRecoverHosts(c *check.C) {
	dead, stuck, locked := s.hosts[0], s.hosts[1], s.hosts[2]
	dead.Status = autotest.HostRepairFailed
	stuck.Status = autotest.HostVerifying
	locked.Status = autotest.HostRepairing
	locked.Locked = true
	for _, h := range []autotest.Host{dead, stuck, locked} {
		c.Assert(s.st.UpdateHost(s.ctx, h), check.IsNil)
	}
	s.initialize(c)
	for _, h := range []autotest.Host{dead, stuck} {
		tasks := s.specialTasks(c, h.ID, autotest.TaskCleanup)
		c.Check(tasks, check.HasLen, 1, check.Commentf("%s", h.Hostname))
	}
	c.Check(s.specialTasks(c, locked.ID, autotest.TaskCleanup), check.HasLen, 0)
	c.Check(s.nq.Count("Host host1 is in Repair Failed state"), check.Equals, 1)
	c.Check(s.nq.Count("Host host2"), check.Equals, 0)

	s.runDispatcher(c)
	s.finishProcess(c, drone.PidfileCleanup, 0)
	c.Assert(s.pm.ExecutionsOfType(drone.PidfileCleanup), check.HasLen, 2)
	for _, key := range s.pm.RunningPidfileIDs() {
		c.Assert(s.pm.FinishPidfile(key, 0), check.IsNil)
	}
	s.runDispatcher(c)
	c.Check(s.host(c, dead.ID).Status, check.Equals, autotest.HostReady)
	c.Check(s.host(c, stuck.ID).Status, check.Equals, autotest.HostReady)
}

func (s *FunctionalSuite) TestDoNotVerifySwallowsFailure(c *check.C) {
	h := s.hosts[0]
	h.Protection = autotest.ProtectionDoNotVerify
	c.Assert(s.st.UpdateHost(s.ctx, h), check.IsNil)
	s.initialize(c)

	c.Assert(s.d.ReverifyHost(s.ctx, h.Hostname, "admin"), check.IsNil)
	s.runDispatcher(c)
	c.Check(s.host(c, h.ID).Status, check.Equals, autotest.HostVerifying)
	verifies := s.pm.ExecutionsOfType(drone.PidfileVerify)
	c.Assert(verifies, check.HasLen, 1)
	c.Check(verifies[0].Options.Username, check.Equals, "admin")

	s.finishProcess(c, drone.PidfileVerify, 256)
	s.runDispatcher(c)
	c.Check(s.host(c, h.ID).Status, check.Equals, autotest.HostReady)
	c.Check(s.specialTasks(c, h.ID, autotest.TaskRepair), check.HasLen, 0)
	s.checkNothingRunning(c)

	// Nothing blocks a job from using the host afterwards.
	_, e := s.makeJobAndQueueEntry(c, nil)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryRunning, autotest.HostRunning)
}

func (s *FunctionalSuite) TestReverifyLockedHost(c *check.C) {
	h := s.hosts[0]
	h.Locked = true
	c.Assert(s.st.UpdateHost(s.ctx, h), check.IsNil)
	s.initialize(c)
	c.Check(s.d.ReverifyHost(s.ctx, h.Hostname, "admin"), check.ErrorMatches, `host host1 is locked`)
	c.Check(s.d.ReverifyHost(s.ctx, "nonexistent", "admin"), check.NotNil)
	c.Check(s.d.AbortJob(s.ctx, 9999, "admin"), check.NotNil)
}

func (s *FunctionalSuite) TestReverifyWaitsForPostJobCleanup(c *check.C) {
	s.initialize(c)
	_, e := s.makeJobAndQueueEntry(c, nil)
	s.runPreJobVerify(c, e)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryRunning, autotest.HostRunning)

	c.Assert(s.d.ReverifyHost(s.ctx, "host1", "admin"), check.IsNil)
	s.runDispatcher(c)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileVerify), check.HasLen, 1)

	s.finishProcess(c, drone.PidfileJob, 0)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryParsing, autotest.HostCleaning)
	// The job's own cleanup runs first; the reverify waits.
	c.Check(s.pm.ExecutionsOfType(drone.PidfileVerify), check.HasLen, 1)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileCleanup), check.HasLen, 1)

	s.finishParsingAndCleanup(c)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileVerify), check.HasLen, 2)
	c.Check(s.host(c, s.hosts[0].ID).Status, check.Equals, autotest.HostVerifying)
	s.finishProcess(c, drone.PidfileVerify, 0)
	s.finishProcess(c, drone.PidfileArchive, 0)
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryCompleted, autotest.HostReady)
}

func (s *FunctionalSuite) createSynchronousJob(c *check.C) []autotest.HostQueueEntry {
	job := test.Job("synch")
	job.SynchCount = 3
	_, entries := s.createJob(c, job, s.hosts[0], s.hosts[1], s.hosts[2])
	return entries
}

func (s *FunctionalSuite) TestThrottling(c *check.C) {
	s.pm.Capacity = 2
	s.initialize(c)
	entries := s.createSynchronousJob(c)
	s.runDispatcher(c)
	c.Check(s.pm.RunningPidfileIDs(), check.HasLen, 2)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileVerify), check.HasLen, 2)

	s.finishProcess(c, drone.PidfileVerify, 0)
	s.runDispatcher(c)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileVerify), check.HasLen, 3)
	c.Check(s.pm.RunningPidfileIDs(), check.HasLen, 2)

	for _, key := range s.pm.RunningPidfileIDs() {
		c.Assert(s.pm.FinishPidfile(key, 0), check.IsNil)
	}
	s.runDispatcher(c)
	// The job needs three processes.
	c.Check(s.pm.ExecutionsOfType(drone.PidfileJob), check.HasLen, 0)
	for _, e := range entries {
		c.Check(s.entry(c, e.ID).Status, check.Equals, autotest.QueueEntryStarting)
	}

	s.pm.Capacity = 3
	s.runDispatcher(c)
	jobs := s.pm.ExecutionsOfType(drone.PidfileJob)
	c.Assert(jobs, check.HasLen, 1)
	c.Check(jobs[0].ID.NumProcesses, check.Equals, 3)
	for _, e := range entries {
		c.Check(s.entry(c, e.ID).Status, check.Equals, autotest.QueueEntryRunning)
		c.Check(s.entry(c, e.ID).ExecutionSubdir, check.Equals, "group0")
	}
}

func (s *FunctionalSuite) TestStartingJobDoesNotBlockReverify(c *check.C) {
	s.pm.Capacity = 2
	s.initialize(c)
	entries := s.createSynchronousJob(c)
	for len(s.pm.ExecutionsOfType(drone.PidfileVerify)) < 3 {
		s.runDispatcher(c)
		for _, key := range s.pm.RunningPidfileIDs() {
			c.Assert(s.pm.FinishPidfile(key, 0), check.IsNil)
		}
	}
	s.runDispatcher(c)
	for _, e := range entries {
		c.Check(s.entry(c, e.ID).Status, check.Equals, autotest.QueueEntryStarting)
	}
	c.Check(s.pm.RunningPidfileIDs(), check.HasLen, 0)

	c.Assert(s.d.ReverifyHost(s.ctx, s.hosts[3].Hostname, "admin"), check.IsNil)
	s.runDispatcher(c)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileVerify), check.HasLen, 4)
	c.Check(s.host(c, s.hosts[3].ID).Status, check.Equals, autotest.HostVerifying)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileJob), check.HasLen, 0)
}

func (s *FunctionalSuite) TestNoThrottlingWithEnoughCapacity(c *check.C) {
	s.pm.Capacity = 3
	s.initialize(c)
	s.createSynchronousJob(c)
	s.runDispatcher(c)
	c.Check(s.pm.RunningPidfileIDs(), check.HasLen, 3)
}

func (s *FunctionalSuite) TestMaxProcessesStartedPerCycle(c *check.C) {
	s.config.MaxProcessesStartedPerCycle = 2
	s.initialize(c)
	s.createSynchronousJob(c)
	c.Assert(s.d.Tick(s.ctx), check.IsNil)
	c.Assert(s.d.Tick(s.ctx), check.IsNil)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileVerify), check.HasLen, 2)
	c.Assert(s.d.Tick(s.ctx), check.IsNil)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileVerify), check.HasLen, 3)
}

func (s *FunctionalSuite) TestHostlessJob(c *check.C) {
	s.initialize(c)
	job := test.Job("hostless")
	job.ControlType = autotest.ControlTypeServer
	entries, err := s.st.CreateJob(s.ctx, &job, []autotest.HostQueueEntry{{}})
	c.Assert(err, check.IsNil)
	e := entries[0]
	s.runDispatcher(c)
	e = s.entry(c, e.ID)
	c.Check(e.Status, check.Equals, autotest.QueueEntryRunning)
	c.Check(e.ExecutionSubdir, check.Equals, autotest.HostlessSubdir)
	s.finishProcess(c, drone.PidfileJob, 0)
	s.runDispatcher(c)
	c.Check(s.entry(c, e.ID).Status, check.Equals, autotest.QueueEntryParsing)
	s.finishProcess(c, drone.PidfileParse, 0)
	s.runDispatcher(c)
	s.finishProcess(c, drone.PidfileArchive, 0)
	s.runDispatcher(c)
	c.Check(s.entry(c, e.ID).Status, check.Equals, autotest.QueueEntryCompleted)
	s.checkNothingRunning(c)
	c.Check(s.pm.Pidfiles(), check.HasLen, 0)
}

func (s *FunctionalSuite) TestMetahostJob(c *check.C) {
	pool := autotest.Label{Name: "pool"}
	c.Assert(s.st.CreateLabel(s.ctx, &pool), check.IsNil)
	for _, h := range s.hosts[2:] {
		h.Labels = []int64{pool.ID}
		c.Assert(s.st.UpdateHost(s.ctx, h), check.IsNil)
	}
	s.initialize(c)
	job := test.Job("metahost")
	job.RunVerify = false
	entries, err := s.st.CreateJob(s.ctx, &job, []autotest.HostQueueEntry{{MetaHost: &pool.ID}, {MetaHost: &pool.ID}, {MetaHost: &pool.ID}})
	c.Assert(err, check.IsNil)
	s.runDispatcher(c)
	running := 0
	for _, e := range entries {
		e = s.entry(c, e.ID)
		switch e.Status {
		case autotest.QueueEntryRunning:
			running++
			c.Assert(e.HostID, check.NotNil)
			c.Check(*e.HostID == s.hosts[2].ID || *e.HostID == s.hosts[3].ID, check.Equals, true)
		default:
			c.Check(e.Status, check.Equals, autotest.QueueEntryQueued)
			c.Check(e.HostID, check.IsNil)
		}
	}
	c.Check(running, check.Equals, 2)
	blocked, err := s.st.IneligibleHosts(s.ctx, job.ID)
	c.Assert(err, check.IsNil)
	c.Check(blocked, check.HasLen, 2)
}

func (s *FunctionalSuite) TestAtomicGroupJob(c *check.C) {
	ag := autotest.AtomicGroup{Name: "rack", MaxNumberOfMachines: 2}
	c.Assert(s.st.CreateAtomicGroup(s.ctx, &ag), check.IsNil)
	rack := autotest.Label{Name: "rack1", AtomicGroupID: &ag.ID}
	c.Assert(s.st.CreateLabel(s.ctx, &rack), check.IsNil)
	for _, h := range s.hosts[1:] {
		h.Labels = []int64{rack.ID}
		c.Assert(s.st.UpdateHost(s.ctx, h), check.IsNil)
	}
	s.initialize(c)
	job := test.Job("atomic")
	job.RunVerify = false
	job.SynchCount = 2
	job.ControlType = autotest.ControlTypeServer
	entries, err := s.st.CreateJob(s.ctx, &job, []autotest.HostQueueEntry{{AtomicGroupID: &ag.ID}})
	c.Assert(err, check.IsNil)
	s.runDispatcher(c)

	all, err := s.st.ListQueueEntries(s.ctx, store.EntryFilter{JobID: job.ID})
	c.Assert(err, check.IsNil)
	c.Assert(all, check.HasLen, 2)
	var hostIDs []int64
	for _, e := range all {
		c.Check(e.Status, check.Equals, autotest.QueueEntryRunning)
		c.Check(e.ExecutionSubdir, check.Equals, "rack.group0")
		c.Assert(e.HostID, check.NotNil)
		hostIDs = append(hostIDs, *e.HostID)
	}
	c.Check(hostIDs, check.DeepEquals, []int64{s.hosts[1].ID, s.hosts[2].ID})
	c.Check(all[0].ID, check.Equals, entries[0].ID)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileJob), check.HasLen, 1)
	// The unused rack host stays available.
	c.Check(s.host(c, s.hosts[3].ID).Status, check.Equals, autotest.HostReady)
}

func (s *FunctionalSuite) TestAtomicGroupTooSmall(c *check.C) {
	ag := autotest.AtomicGroup{Name: "rack", MaxNumberOfMachines: 2}
	c.Assert(s.st.CreateAtomicGroup(s.ctx, &ag), check.IsNil)
	s.initialize(c)
	job := test.Job("atomic")
	job.SynchCount = 3
	entries, err := s.st.CreateJob(s.ctx, &job, []autotest.HostQueueEntry{{AtomicGroupID: &ag.ID}})
	c.Assert(err, check.IsNil)
	s.runDispatcher(c)
	c.Check(s.entry(c, entries[0].ID).Status, check.Equals, autotest.QueueEntryAborted)
}

func (s *FunctionalSuite) TestLostProcess(c *check.C) {
	s.initialize(c)
	job, e := s.makeJobAndQueueEntry(c, func(job *autotest.Job) {
		job.RunVerify = false
		job.RebootAfter = autotest.RebootAfterNever
	})
	s.pm.ExecuteError = errSimulated
	s.runDispatcher(c)
	s.checkStatuses(c, e.ID, autotest.QueueEntryRunning, autotest.HostRunning)

	s.pm.ExecuteError = nil
	s.now = s.now.Add(2 * time.Minute)
	s.runDispatcher(c)
	c.Check(s.nq.Count("Process has failed to write pidfile"), check.Equals, 1)
	c.Check(s.pm.Written[path.Join(job.Tag(), "host1", "job_failure")], check.HasLen, 1)
	// With no autoserv results, gathering, parsing and archiving
	// each give up and the entry fails.
	c.Check(s.nq.Count("No paired results"), check.Equals, 3)
	s.checkStatuses(c, e.ID, autotest.QueueEntryFailed, autotest.HostReady)
	c.Check(s.pm.ExecutionsOfType(drone.PidfileGather), check.HasLen, 0)
	s.checkNothingRunning(c)
}
