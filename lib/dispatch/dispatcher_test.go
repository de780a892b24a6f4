// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/autotest/scheduler/lib/dispatch/store"
	"github.com/autotest/scheduler/lib/dispatch/test"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/autotest/scheduler/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DispatcherSuite{})

type DispatcherSuite struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cluster *autotest.Cluster
	st      *store.MemStore
	pm      *test.ProcessManager
	nq      *test.Notifier
	hosts   []autotest.Host
	disp    *dispatcher
}

func (s *DispatcherSuite) SetUpTest(c *check.C) {
	s.ctx, s.cancel = context.WithCancel(ctxlog.Context(context.Background(), ctxlog.TestLogger(c)))
	s.cluster = &autotest.Cluster{
		ClusterID:       "zzzzz",
		ManagementToken: "test-management-token",
		Scheduler:       test.SchedulerConfig(),
		Drones:          map[string]autotest.DroneConfig{"drone1": {MaxProcesses: 100}},
	}
	s.cluster.Scheduler.TickInterval = autotest.Duration(10 * time.Millisecond)
	s.st = store.NewMemStore()
	var err error
	s.hosts, err = test.CreateHosts(s.ctx, s.st, 2)
	c.Assert(err, check.IsNil)
	s.pm = &test.ProcessManager{}
	s.nq = &test.Notifier{}
	s.disp = &dispatcher{
		Cluster:  s.cluster,
		Context:  s.ctx,
		Registry: prometheus.NewRegistry(),
		store:    s.st,
		pm:       s.pm,
		notifier: s.nq,
	}
}

func (s *DispatcherSuite) TearDownTest(c *check.C) {
	s.disp.Close()
	s.cancel()
}

func (s *DispatcherSuite) request(method, path, token string, form url.Values) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.disp.ServeHTTP(resp, req)
	return resp
}

func (s *DispatcherSuite) get(c *check.C, path string, v interface{}) {
	resp := s.request("GET", path, s.cluster.ManagementToken, nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Assert(json.NewDecoder(resp.Body).Decode(v), check.IsNil)
}

func waitFor(c *check.C, what string, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *DispatcherSuite) TestAPIPermissions(c *check.C) {
	for _, trial := range []struct {
		token  string
		expect int
	}{
		{"", http.StatusUnauthorized},
		{"abcdefg", http.StatusForbidden},
		{s.cluster.ManagementToken, http.StatusOK},
	} {
		resp := s.request("GET", "/autotest/v1/dispatch/drones", trial.token, nil)
		c.Check(resp.Code, check.Equals, trial.expect, check.Commentf("token %q", trial.token))
	}
}

func (s *DispatcherSuite) TestAPIDisabled(c *check.C) {
	s.cluster.ManagementToken = ""
	for _, token := range []string{"", "abcdefg"} {
		resp := s.request("GET", "/autotest/v1/dispatch/drones", token, nil)
		c.Check(resp.Code, check.Equals, http.StatusForbidden)
	}
}

func (s *DispatcherSuite) TestAPIDrones(c *check.C) {
	var resp struct {
		Items []droneView `json:"items"`
	}
	s.get(c, "/autotest/v1/dispatch/drones", &resp)
	c.Assert(resp.Items, check.HasLen, 1)
	c.Check(resp.Items[0].Hostname, check.Equals, "drone1")
	c.Check(resp.Items[0].Enabled, check.Equals, true)
	c.Check(resp.Items[0].Suspended, check.Equals, "")
}

func (s *DispatcherSuite) TestAPIReverify(c *check.C) {
	resp := s.request("POST", "/autotest/v1/dispatch/hosts/reverify", s.cluster.ManagementToken, url.Values{"hostname": {"host2"}, "requested_by": {"admin"}})
	c.Check(resp.Code, check.Equals, http.StatusAccepted)
	waitFor(c, "verify task", func() bool {
		tasks, err := s.st.ListSpecialTasks(s.ctx, store.TaskFilter{HostID: s.hosts[1].ID})
		c.Assert(err, check.IsNil)
		return len(tasks) == 1 && tasks[0].RequestedBy == "admin" && tasks[0].Kind == autotest.TaskVerify
	})

	resp = s.request("POST", "/autotest/v1/dispatch/hosts/reverify", s.cluster.ManagementToken, url.Values{"hostname": {"nosuchhost"}})
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
	resp = s.request("POST", "/autotest/v1/dispatch/hosts/reverify", s.cluster.ManagementToken, url.Values{})
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)

	h := s.hosts[0]
	h.Locked = true
	c.Assert(s.st.UpdateHost(s.ctx, h), check.IsNil)
	resp = s.request("POST", "/autotest/v1/dispatch/hosts/reverify", s.cluster.ManagementToken, url.Values{"hostname": {"host1"}})
	c.Check(resp.Code, check.Equals, http.StatusConflict)
	c.Check(resp.Body.String(), check.Matches, `.*host host1 is locked.*`)
}

func (s *DispatcherSuite) TestAPIJobAbortAndAgents(c *check.C) {
	job := test.Job("sleepy")
	job.RunVerify = false
	entries, err := s.st.CreateJob(s.ctx, &job, test.HostEntries(s.hosts[0]))
	c.Assert(err, check.IsNil)

	var agents struct {
		Items []struct {
			Task    string
			Started bool
		} `json:"items"`
	}
	waitFor(c, "job agent", func() bool {
		s.get(c, "/autotest/v1/dispatch/agents", &agents)
		return len(agents.Items) == 1 && agents.Items[0].Started
	})
	c.Check(agents.Items[0].Task, check.Matches, `QueueTask.*`)

	var pidfiles struct {
		Items []struct {
			ID struct{ WorkingDirectory, Name string }
		} `json:"items"`
	}
	s.get(c, "/autotest/v1/dispatch/pidfiles", &pidfiles)
	c.Assert(pidfiles.Items, check.HasLen, 1)
	c.Check(pidfiles.Items[0].ID.Name, check.Equals, ".autoserv_execute")

	for _, trial := range []struct {
		jobID  string
		expect int
	}{
		{"", http.StatusBadRequest},
		{"abc", http.StatusBadRequest},
		{"999999", http.StatusNotFound},
	} {
		resp := s.request("POST", "/autotest/v1/dispatch/jobs/abort", s.cluster.ManagementToken, url.Values{"job_id": {trial.jobID}})
		c.Check(resp.Code, check.Equals, trial.expect, check.Commentf("job_id %q", trial.jobID))
	}
	resp := s.request("POST", "/autotest/v1/dispatch/jobs/abort", s.cluster.ManagementToken, url.Values{"job_id": {strconv.FormatInt(job.ID, 10)}, "requested_by": {"someone"}})
	c.Check(resp.Code, check.Equals, http.StatusAccepted)
	waitFor(c, "entry to be aborted", func() bool {
		e, err := s.st.QueueEntry(s.ctx, entries[0].ID)
		c.Assert(err, check.IsNil)
		return e.Aborted && e.AbortedBy == "someone"
	})
}

func (s *DispatcherSuite) TestMetricsAndHealth(c *check.C) {
	waitFor(c, "a few ticks", func() bool {
		resp := s.request("GET", "/metrics", s.cluster.ManagementToken, nil)
		c.Assert(resp.Code, check.Equals, http.StatusOK)
		return strings.Contains(resp.Body.String(), "\nautotest_dispatch_ticks_total ") &&
			!strings.Contains(resp.Body.String(), "\nautotest_dispatch_ticks_total 0\n")
	})
	var health map[string]string
	s.get(c, "/_health/ping", &health)
	c.Check(health, check.DeepEquals, map[string]string{"health": "OK"})
	c.Check(s.pm.ActionRuns > 0, check.Equals, true)
}

func (s *DispatcherSuite) TestRecoveryFailure(c *check.C) {
	job := test.Job("confused")
	entries, err := s.st.CreateJob(s.ctx, &job, test.HostEntries(s.hosts[0]))
	c.Assert(err, check.IsNil)
	entries[0].SetStatus(autotest.QueueEntryVerifying)
	c.Assert(s.st.UpdateQueueEntry(s.ctx, entries[0]), check.IsNil)

	s.disp.Start()
	select {
	case <-s.disp.Done():
	case <-time.After(10 * time.Second):
		c.Fatal("dispatcher did not stop")
	}
	c.Check(s.disp.CheckHealth(), check.ErrorMatches, `(?s)recovery failed: 1 unrecovered verifying host queue entries:.*`)
	c.Check(s.nq.Count("Scheduler error"), check.Equals, 1)

	var health map[string]string
	s.get(c, "/_health/ping", &health)
	c.Check(health["health"], check.Equals, "ERROR")
}

func (s *DispatcherSuite) TestRecoveryFailureFlushError(c *check.C) {
	var logbuf bytes.Buffer
	s.ctx = ctxlog.Context(s.ctx, ctxlog.New(&logbuf, "text", "info"))
	s.disp.Context = s.ctx
	s.nq.FlushError = errors.New("mail relay unreachable")
	job := test.Job("confused")
	entries, err := s.st.CreateJob(s.ctx, &job, test.HostEntries(s.hosts[0]))
	c.Assert(err, check.IsNil)
	entries[0].SetStatus(autotest.QueueEntryVerifying)
	c.Assert(s.st.UpdateQueueEntry(s.ctx, entries[0]), check.IsNil)

	s.disp.Start()
	select {
	case <-s.disp.Done():
	case <-time.After(10 * time.Second):
		c.Fatal("dispatcher did not stop")
	}
	c.Check(s.disp.CheckHealth(), check.ErrorMatches, `(?s)recovery failed:.*`)
	c.Check(logbuf.String(), check.Matches, `(?ms).*flushing notifications failed.*mail relay unreachable.*`)
}

func (s *DispatcherSuite) TestReloadConfig(c *check.C) {
	s.disp.Start()
	cluster := *s.cluster
	cluster.Drones = map[string]autotest.DroneConfig{"drone1": {MaxProcesses: 5}, "drone2": {MaxProcesses: 5}}
	s.disp.reloadConfig(&autotest.Config{Clusters: map[string]autotest.Cluster{"zzzzz": cluster}})
	waitFor(c, "drone reinitialization", func() bool {
		// Recovery reinitializes the drones once.
		return s.pm.ReinitializedCount() == 2
	})

	s.disp.reloadConfig(&autotest.Config{Clusters: map[string]autotest.Cluster{"yyyyy": cluster}})
	time.Sleep(100 * time.Millisecond)
	c.Check(s.pm.ReinitializedCount(), check.Equals, 2)
}

func (s *DispatcherSuite) TestNoDronesConfigured(c *check.C) {
	cluster := *s.cluster
	cluster.Drones = nil
	h := newHandler(s.ctx, &cluster, prometheus.NewRegistry())
	c.Check(h.CheckHealth(), check.ErrorMatches, "no drones configured")
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		c.Error("handler did not report done")
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("GET", "/autotest/v1/dispatch/drones", nil))
	c.Check(resp.Code, check.Equals, http.StatusInternalServerError)
}
