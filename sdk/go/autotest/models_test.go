// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package autotest

import (
	"encoding/json"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ModelsSuite{})

type ModelsSuite struct{}

func (s *ModelsSuite) TestQueueEntrySetStatus(c *check.C) {
	var e HostQueueEntry
	for _, trial := range []struct {
		status   QueueEntryStatus
		active   bool
		complete bool
	}{
		{QueueEntryQueued, false, false},
		{QueueEntryVerifying, true, false},
		{QueueEntryStarting, true, false},
		{QueueEntryPending, true, false},
		{QueueEntryWaiting, false, false},
		{QueueEntryRunning, true, false},
		{QueueEntryGathering, true, false},
		{QueueEntryParsing, false, false},
		{QueueEntryArchiving, false, false},
		{QueueEntryCompleted, false, true},
		{QueueEntryFailed, false, true},
		{QueueEntryAborted, false, true},
		{QueueEntryStopped, false, true},
	} {
		e.SetStatus(trial.status)
		c.Check(e.Status.IsValid(), check.Equals, true)
		c.Check(e.Active, check.Equals, trial.active, check.Commentf("%s", trial.status))
		c.Check(e.Complete, check.Equals, trial.complete, check.Commentf("%s", trial.status))
	}
	c.Check(QueueEntryStatus("Bogus").IsValid(), check.Equals, false)
}

func (s *ModelsSuite) TestExecutionPaths(c *check.C) {
	job := Job{ID: 7, Owner: "alice"}
	c.Check(job.Tag(), check.Equals, "7-alice")
	hostID := int64(3)
	e := HostQueueEntry{JobID: 7, HostID: &hostID, ExecutionSubdir: "host3"}
	c.Check(e.ExecutionPath(job), check.Equals, "7-alice/host3")
	c.Check(e.IsHostless(), check.Equals, false)
	c.Check(HostQueueEntry{}.IsHostless(), check.Equals, true)

	t := SpecialTask{ID: 12, Kind: TaskCleanup}
	c.Check(t.ExecutionPath("host3"), check.Equals, "hosts/host3/12-cleanup")
}

func (s *ModelsSuite) TestHostnameOrder(c *check.C) {
	hosts := []Host{{Hostname: "host10"}, {Hostname: "alpha"}, {Hostname: "host2"}, {Hostname: "host1"}}
	SortHosts(hosts)
	var names []string
	for _, h := range hosts {
		names = append(names, h.Hostname)
	}
	c.Check(names, check.DeepEquals, []string{"alpha", "host1", "host2", "host10"})
}

func (s *ModelsSuite) TestProtectionText(c *check.C) {
	buf, err := json.Marshal(struct{ P Protection }{ProtectionDoNotVerify})
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"P":"Do not verify"}`)
	var v struct{ P Protection }
	err = json.Unmarshal([]byte(`{"P":"Do not repair"}`), &v)
	c.Check(err, check.IsNil)
	c.Check(v.P, check.Equals, ProtectionDoNotRepair)
	err = json.Unmarshal([]byte(`{"P":"Never"}`), &v)
	c.Check(err, check.NotNil)
}

func (s *ModelsSuite) TestTaskPriority(c *check.C) {
	c.Check(TaskRepair.Priority() < TaskCleanup.Priority(), check.Equals, true)
	c.Check(TaskCleanup.Priority() < TaskVerify.Priority(), check.Equals, true)
	c.Check(TaskVerify.Priority() < TaskReset.Priority(), check.Equals, true)
}
