// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler drives autotest jobs and host maintenance tasks
// through their state machines, launching and following processes
// on drones one tick at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/autotest/scheduler/lib/dispatch/store"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/autotest/scheduler/sdk/go/ctxlog"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Dispatcher owns the scheduling state of one autotest
// installation. Tick, Initialize and the unexported methods must only
// be called from one goroutine at a time; Start runs them in a
// goroutine of its own. AbortJob, ReverifyHost, UpdateDrones and
// Agents are safe to call concurrently.
type Dispatcher struct {
	ctx         context.Context
	logger      logrus.FieldLogger
	config      autotest.SchedulerConfig
	drones      map[string]autotest.DroneConfig
	store       store.Store
	pm          ProcessManager
	notifier    NotificationQueue
	status      StatusRecorder
	now         func() time.Time
	autoservCmd []string
	parserCmd   []string

	hostScheduler *hostScheduler
	agents        []*agent
	hostAgents    map[int64]map[*agent]bool
	entryAgents   map[int64]map[*agent]bool
	delayTasks    map[int64]*delayedCallTask

	parseRunning   int
	archiveRunning int
	lastGCStats    time.Time
	lastCleanup    time.Time
	tickCount      int

	// Requests from other goroutines, applied at the start of
	// the next tick.
	mtx       sync.Mutex
	requests  []func(context.Context) error
	newDrones map[string]autotest.DroneConfig

	snapMtx  sync.Mutex
	snapshot []AgentStatus

	runOnce sync.Once
	stop    chan struct{}
	stopped chan struct{}

	mAgents           prometheus.Gauge
	mRunningProcesses prometheus.Gauge
	mTicks            prometheus.Counter
	mTickErrors       prometheus.Counter
	mTickDuration     prometheus.Summary
	mAgentsStarted    prometheus.Counter
}

// AgentStatus describes an agent for the management API.
type AgentStatus struct {
	Task         string
	Started      bool
	NumProcesses int
	QueueEntries []int64
	Hosts        []int64
}

// New returns a Dispatcher that has not recovered any state yet.
// Call Initialize before the first Tick.
func New(ctx context.Context, config autotest.SchedulerConfig, drones map[string]autotest.DroneConfig, st store.Store, pm ProcessManager, nq NotificationQueue, sr StatusRecorder, reg *prometheus.Registry) (*Dispatcher, error) {
	autoservCmd, err := splitCommand("AutoservCommand", config.AutoservCommand)
	if err != nil {
		return nil, err
	}
	parserCmd, err := splitCommand("ParserCommand", config.ParserCommand)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		ctx:         ctx,
		logger:      ctxlog.FromContext(ctx),
		config:      config,
		drones:      drones,
		store:       st,
		pm:          pm,
		notifier:    nq,
		status:      sr,
		now:         time.Now,
		autoservCmd: autoservCmd,
		parserCmd:   parserCmd,
		hostAgents:  map[int64]map[*agent]bool{},
		entryAgents: map[int64]map[*agent]bool{},
		delayTasks:  map[int64]*delayedCallTask{},
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	d.hostScheduler = newHostScheduler(d)
	d.registerMetrics(reg)
	return d, nil
}

func (d *Dispatcher) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	d.mAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "dispatch",
		Name:      "agents",
		Help:      "Number of agents (running or waiting to start).",
	})
	reg.MustRegister(d.mAgents)
	d.mRunningProcesses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "dispatch",
		Name:      "running_processes",
		Help:      "Number of processes running on all drones, as of the last tick.",
	})
	reg.MustRegister(d.mRunningProcesses)
	d.mTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autotest",
		Subsystem: "dispatch",
		Name:      "ticks_total",
		Help:      "Number of scheduler ticks run.",
	})
	reg.MustRegister(d.mTicks)
	d.mTickErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autotest",
		Subsystem: "dispatch",
		Name:      "tick_errors_total",
		Help:      "Number of scheduler ticks aborted by an error.",
	})
	reg.MustRegister(d.mTickErrors)
	d.mTickDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  "autotest",
		Subsystem:  "dispatch",
		Name:       "tick_duration_seconds",
		Help:       "Time taken by one scheduler tick.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	reg.MustRegister(d.mTickDuration)
	d.mAgentsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autotest",
		Subsystem: "dispatch",
		Name:      "agents_started_total",
		Help:      "Number of agents started.",
	})
	reg.MustRegister(d.mAgentsStarted)
}

// Initialize recovers the agents of a previous scheduler instance
// and reverifies hosts that were left in a transient state. A
// *SchedulerError means the database is inconsistent and the
// scheduler must not run.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	d.lastCleanup = d.now()
	d.lastGCStats = d.now()
	if err := d.recoverProcesses(ctx); err != nil {
		return err
	}
	return d.recoverHosts(ctx)
}

// Start runs Tick every TickInterval until Stop is called.
func (d *Dispatcher) Start() {
	go d.runOnce.Do(d.run)
}

// Stop stops the tick loop and waits for the current tick to
// finish.
func (d *Dispatcher) Stop() {
	close(d.stop)
	// If Start was never called, the loop never runs.
	d.runOnce.Do(func() { close(d.stopped) })
	<-d.stopped
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	ticker := time.NewTicker(d.config.TickInterval.Duration())
	defer ticker.Stop()
	for {
		if err := d.Tick(d.ctx); err != nil {
			d.logger.WithError(err).Error("tick failed")
		}
		select {
		case <-d.stop:
			return
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling cycle. An error aborts the rest of the
// cycle; state already written is picked up again by the next
// tick.
func (d *Dispatcher) Tick(ctx context.Context) error {
	t0 := time.Now()
	defer func() { d.mTickDuration.Observe(time.Since(t0).Seconds()) }()
	d.mTicks.Inc()
	err := d.tick(ctx)
	if err != nil {
		d.mTickErrors.Inc()
		var serr *SchedulerError
		if errors.As(err, &serr) {
			d.notifier.Enqueue("Scheduler error", serr.Message)
		}
	}
	d.updateSnapshot()
	return err
}

func (d *Dispatcher) tick(ctx context.Context) error {
	if err := d.applyRequests(ctx); err != nil {
		return err
	}
	d.pm.Refresh(ctx)
	d.logGCStats()
	for _, step := range []struct {
		name string
		f    func(context.Context) error
	}{
		{"cleanup", d.runCleanupMaybe},
		{"find aborting", d.findAborting},
		{"recurring runs", d.processRecurringRuns},
		{"delay tasks", d.scheduleDelayTasks},
		{"running entries", d.scheduleRunningEntries},
		{"special tasks", d.scheduleSpecialTasks},
		{"new jobs", d.scheduleNewJobs},
		{"agents", d.handleAgents},
	} {
		if err := step.f(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	d.pm.ExecuteActions(ctx)
	if err := d.notifier.Flush(ctx); err != nil {
		d.logger.WithError(err).Warn("error sending notifications")
	}
	d.tickCount++
	return nil
}

func (d *Dispatcher) applyRequests(ctx context.Context) error {
	d.mtx.Lock()
	reqs, drones := d.requests, d.newDrones
	d.requests, d.newDrones = nil, nil
	d.mtx.Unlock()
	if drones != nil {
		d.logger.WithField("Drones", len(drones)).Info("reinitializing drones")
		d.drones = drones
		d.pm.ReinitializeDrones(drones)
	}
	for _, req := range reqs {
		if err := req(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) enqueueRequest(f func(context.Context) error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.requests = append(d.requests, f)
}

// UpdateDrones replaces the drone table at the start of the next
// tick.
func (d *Dispatcher) UpdateDrones(drones map[string]autotest.DroneConfig) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.newDrones = drones
}

// AbortJob requests that all incomplete entries of the job be
// aborted. The agents are stopped on the next tick.
func (d *Dispatcher) AbortJob(ctx context.Context, jobID int64, by string) error {
	if _, err := d.store.Job(ctx, jobID); err != nil {
		return err
	}
	d.enqueueRequest(func(ctx context.Context) error {
		return d.requestAbort(ctx, jobID, by)
	})
	return nil
}

// ReverifyHost queues a Verify task for the host unless one is
// already queued.
func (d *Dispatcher) ReverifyHost(ctx context.Context, hostname, requestedBy string) error {
	host, err := d.store.HostByName(ctx, hostname)
	if err != nil {
		return err
	}
	if host.Locked {
		return fmt.Errorf("host %s is locked", hostname)
	}
	d.enqueueRequest(func(ctx context.Context) error {
		queued, err := d.store.ListSpecialTasks(ctx, store.TaskFilter{
			HostID: host.ID,
			Kinds:  []autotest.SpecialTaskKind{autotest.TaskVerify},
			Queued: true,
		})
		if err != nil || len(queued) > 0 {
			return err
		}
		return d.createSpecialTask(ctx, host.ID, autotest.TaskVerify, nil, requestedBy)
	})
	return nil
}

// Agents returns the agents as of the end of the last tick.
func (d *Dispatcher) Agents() []AgentStatus {
	d.snapMtx.Lock()
	defer d.snapMtx.Unlock()
	return append([]AgentStatus(nil), d.snapshot...)
}

func (d *Dispatcher) updateSnapshot() {
	snap := make([]AgentStatus, 0, len(d.agents))
	for _, a := range d.agents {
		snap = append(snap, AgentStatus{
			Task:         a.task.String(),
			Started:      a.started,
			NumProcesses: a.task.numProcesses(),
			QueueEntries: a.entryIDs,
			Hosts:        a.hostIDs,
		})
	}
	d.mAgents.Set(float64(len(snap)))
	d.snapMtx.Lock()
	d.snapshot = snap
	d.snapMtx.Unlock()
}

func (d *Dispatcher) logGCStats() {
	interval := d.config.GCStatsInterval.Duration()
	if interval <= 0 || d.now().Before(d.lastGCStats.Add(interval)) {
		return
	}
	d.lastGCStats = d.now()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	d.logger.WithFields(logrus.Fields{
		"Tick":        d.tickCount,
		"HeapAlloc":   humanize.Bytes(ms.HeapAlloc),
		"HeapSys":     humanize.Bytes(ms.HeapSys),
		"HeapObjects": ms.HeapObjects,
		"NumGC":       ms.NumGC,
		"Goroutines":  runtime.NumGoroutine(),
	}).Info("memory stats")
}

func (d *Dispatcher) addAgentTask(t agentTask) {
	a := newAgent(t)
	d.agents = append(d.agents, a)
	for _, id := range a.hostIDs {
		if d.hostAgents[id] == nil {
			d.hostAgents[id] = map[*agent]bool{}
		}
		d.hostAgents[id][a] = true
	}
	for _, id := range a.entryIDs {
		if d.entryAgents[id] == nil {
			d.entryAgents[id] = map[*agent]bool{}
		}
		d.entryAgents[id][a] = true
	}
}

func (d *Dispatcher) removeAgent(a *agent) {
	for i, x := range d.agents {
		if x == a {
			d.agents = append(d.agents[:i], d.agents[i+1:]...)
			break
		}
	}
	for _, id := range a.hostIDs {
		delete(d.hostAgents[id], a)
		if len(d.hostAgents[id]) == 0 {
			delete(d.hostAgents, id)
		}
	}
	for _, id := range a.entryIDs {
		delete(d.entryAgents[id], a)
		if len(d.entryAgents[id]) == 0 {
			delete(d.entryAgents, id)
		}
	}
}

func (d *Dispatcher) agentsForEntry(entryID int64) []*agent {
	var agents []*agent
	for a := range d.entryAgents[entryID] {
		agents = append(agents, a)
	}
	return agents
}

func (d *Dispatcher) hostHasAgent(hostID int64) bool {
	return len(d.hostAgents[hostID]) > 0
}

func (d *Dispatcher) assertHostHasNoAgent(hostID int64, what fmt.Stringer) error {
	for a := range d.hostAgents[hostID] {
		return schedulerErrorf("while scheduling %s, host %d already has a host agent %s", what, hostID, a.task)
	}
	return nil
}

// findAborting aborts the agents of entries that were marked
// aborted, then the entries themselves.
func (d *Dispatcher) findAborting(ctx context.Context) error {
	entries, err := d.store.ListQueueEntries(ctx, store.EntryFilter{Aborting: true})
	if err != nil {
		return err
	}
	jobsToStop := map[int64]bool{}
	for _, e := range entries {
		d.logger.WithField("QueueEntry", e.ID).Info("aborting")
		for _, a := range d.agentsForEntry(e.ID) {
			if err := a.abort(ctx); err != nil {
				return err
			}
		}
		// Aborting an agent can move the entry along.
		e, err := d.store.QueueEntry(ctx, e.ID)
		if err != nil {
			return err
		}
		if err := d.abortEntry(ctx, e); err != nil {
			return err
		}
		jobsToStop[e.JobID] = true
	}
	for _, id := range sortedIDs(jobsToStop) {
		job, err := d.store.Job(ctx, id)
		if err != nil {
			return err
		}
		if err := d.stopIfNecessary(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) scheduleDelayTasks(ctx context.Context) error {
	entries, err := d.store.ListQueueEntries(ctx, store.EntryFilter{Statuses: []autotest.QueueEntryStatus{autotest.QueueEntryWaiting}})
	if err != nil {
		return err
	}
	for _, e := range entries {
		job, err := d.store.Job(ctx, e.JobID)
		if err != nil {
			return err
		}
		t, err := d.scheduleDelayedCallbackTask(ctx, job, e)
		if err != nil {
			return err
		}
		if t != nil {
			d.addAgentTask(t)
		}
	}
	return nil
}

func (d *Dispatcher) scheduleRunningEntries(ctx context.Context) error {
	tasks, err := d.queueEntryAgentTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		d.addAgentTask(t)
	}
	return nil
}

// queueEntryAgentTasks returns a task for each group of entries in a
// job or post-job status that no agent is handling. Verifying
// entries are handled through their special tasks.
func (d *Dispatcher) queueEntryAgentTasks(ctx context.Context) ([]recoverableTask, error) {
	entries, err := d.store.ListQueueEntries(ctx, store.EntryFilter{Statuses: []autotest.QueueEntryStatus{
		autotest.QueueEntryStarting,
		autotest.QueueEntryRunning,
		autotest.QueueEntryGathering,
		autotest.QueueEntryParsing,
		autotest.QueueEntryArchiving,
	}})
	if err != nil {
		return nil, err
	}
	var tasks []recoverableTask
	used := map[int64]bool{}
	for _, e := range entries {
		if used[e.ID] || len(d.agentsForEntry(e.ID)) > 0 {
			continue
		}
		t, err := d.agentTaskForEntry(ctx, e)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
		for _, id := range t.queueEntryIDs() {
			used[id] = true
		}
	}
	return tasks, nil
}

// groupEntries returns the entries of e's job that share its
// execution subdir, i.e. run in the same autoserv process.
func (d *Dispatcher) groupEntries(ctx context.Context, e autotest.HostQueueEntry) ([]autotest.HostQueueEntry, error) {
	if e.IsHostless() || e.ExecutionSubdir == "" {
		return []autotest.HostQueueEntry{e}, nil
	}
	all, err := d.jobEntries(ctx, e.JobID)
	if err != nil {
		return nil, err
	}
	var group []autotest.HostQueueEntry
	for _, x := range all {
		if x.ExecutionSubdir == e.ExecutionSubdir {
			group = append(group, x)
		}
	}
	return group, nil
}

func (d *Dispatcher) agentTaskForEntry(ctx context.Context, e autotest.HostQueueEntry) (recoverableTask, error) {
	group, err := d.groupEntries(ctx, e)
	if err != nil {
		return nil, err
	}
	if err := d.checkDuplicateHostEntries(group); err != nil {
		return nil, err
	}
	switch e.Status {
	case autotest.QueueEntryStarting, autotest.QueueEntryRunning:
		if e.IsHostless() {
			return d.newHostlessQueueTask(ctx, e)
		}
		return d.newQueueTask(ctx, group)
	case autotest.QueueEntryGathering:
		return d.newGatherLogsTask(ctx, group)
	case autotest.QueueEntryParsing:
		return d.newFinalReparseTask(ctx, group)
	case autotest.QueueEntryArchiving:
		return d.newArchiveResultsTask(ctx, group)
	}
	return nil, schedulerErrorf("agentTaskForEntry got entry with invalid status %s: %s", e.Status, e)
}

func (d *Dispatcher) checkDuplicateHostEntries(entries []autotest.HostQueueEntry) error {
	for _, e := range entries {
		if e.HostID == nil || e.Status == autotest.QueueEntryParsing || e.Status == autotest.QueueEntryArchiving {
			continue
		}
		if err := d.assertHostHasNoAgent(*e.HostID, e); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) agentTaskForSpecialTask(ctx context.Context, st autotest.SpecialTask) (recoverableTask, error) {
	if err := d.assertHostHasNoAgent(st.HostID, st); err != nil {
		return nil, err
	}
	switch st.Kind {
	case autotest.TaskVerify:
		return d.newVerifyTask(ctx, st)
	case autotest.TaskCleanup:
		return d.newCleanupTask(ctx, st)
	case autotest.TaskRepair:
		return d.newRepairTask(ctx, st)
	case autotest.TaskReset:
		return d.newResetTask(ctx, st)
	}
	return nil, schedulerErrorf("no agent task for %s", st)
}

// prioritizedSpecialTasks returns the queued special tasks on
// unlocked hosts that are not busy with some other entry's job, in
// the order they should start: by kind (repair first), then tasks
// serving a queue entry before ad hoc ones, then by ID.
func (d *Dispatcher) prioritizedSpecialTasks(ctx context.Context) ([]autotest.SpecialTask, error) {
	queued, err := d.store.ListSpecialTasks(ctx, store.TaskFilter{Queued: true})
	if err != nil {
		return nil, err
	}
	active, err := d.store.ListQueueEntries(ctx, store.EntryFilter{Active: true})
	if err != nil {
		return nil, err
	}
	activeOnHost := map[int64][]int64{}
	for _, e := range active {
		if e.HostID != nil {
			activeOnHost[*e.HostID] = append(activeOnHost[*e.HostID], e.ID)
		}
	}
	var tasks []autotest.SpecialTask
	for _, st := range queued {
		host, err := d.store.Host(ctx, st.HostID)
		if err != nil {
			return nil, err
		}
		if host.Locked {
			continue
		}
		ok := true
		for _, id := range activeOnHost[st.HostID] {
			if st.QueueEntryID == nil || *st.QueueEntryID != id {
				ok = false
			}
		}
		if ok {
			tasks = append(tasks, st)
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if pa, pb := a.Kind.Priority(), b.Kind.Priority(); pa != pb {
			return pa < pb
		}
		if (a.QueueEntryID == nil) != (b.QueueEntryID == nil) {
			return a.QueueEntryID != nil
		}
		return a.ID < b.ID
	})
	return tasks, nil
}

func (d *Dispatcher) scheduleSpecialTasks(ctx context.Context) error {
	tasks, err := d.prioritizedSpecialTasks(ctx)
	if err != nil {
		return err
	}
	for _, st := range tasks {
		if d.hostHasAgent(st.HostID) {
			continue
		}
		t, err := d.agentTaskForSpecialTask(ctx, st)
		if err != nil {
			return err
		}
		d.addAgentTask(t)
	}
	return nil
}

// scheduleNewJobs assigns hosts to queued entries and starts their
// pre-job tasks.
func (d *Dispatcher) scheduleNewJobs(ctx context.Context) error {
	pending, err := d.store.ListPendingEntries(ctx)
	if err != nil || len(pending) == 0 {
		return err
	}
	if err := d.hostScheduler.refresh(ctx, pending); err != nil {
		return err
	}
	for _, e := range pending {
		// Earlier entries in this loop (atomic group
		// expansion, stopped jobs) may have changed this one.
		e, err := d.store.QueueEntry(ctx, e.ID)
		if err != nil {
			return err
		}
		if e.Status != autotest.QueueEntryQueued || e.Active || e.Complete {
			continue
		}
		switch {
		case e.IsHostless():
			err = d.scheduleHostlessJob(ctx, e)
		case e.AtomicGroupID != nil && e.HostID == nil:
			err = d.scheduleAtomicGroup(ctx, e)
		default:
			var host *autotest.Host
			host, err = d.hostScheduler.scheduleEntry(ctx, e)
			if err == nil && host != nil && !d.hostHasAgent(host.ID) {
				err = d.schedulePreJobTasks(ctx, e.ID)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) scheduleHostlessJob(ctx context.Context, e autotest.HostQueueEntry) error {
	t, err := d.newHostlessQueueTask(ctx, e)
	if err != nil {
		return err
	}
	d.addAgentTask(t)
	_, err = d.setEntryStatus(ctx, e.ID, autotest.QueueEntryStarting)
	return err
}

// scheduleAtomicGroup finds a set of hosts for an unassigned atomic
// group entry and creates one entry per additional host.
func (d *Dispatcher) scheduleAtomicGroup(ctx context.Context, e autotest.HostQueueEntry) error {
	job, err := d.store.Job(ctx, e.JobID)
	if err != nil {
		return err
	}
	ag, err := d.store.AtomicGroup(ctx, *e.AtomicGroupID)
	if err != nil {
		return err
	}
	if job.SynchCount > ag.MaxNumberOfMachines {
		d.logger.WithFields(logrus.Fields{
			"QueueEntry":  e.ID,
			"SynchCount":  job.SynchCount,
			"AtomicGroup": ag.Name,
			"MaxMachines": ag.MaxNumberOfMachines,
		}).Error("job synch count exceeds atomic group size, aborting")
		_, err := d.setEntryStatus(ctx, e.ID, autotest.QueueEntryAborted)
		return err
	}
	hosts, err := d.hostScheduler.findEligibleAtomicGroup(ctx, e, job)
	if err != nil || len(hosts) == 0 {
		return err
	}
	var names []string
	for _, h := range hosts {
		names = append(names, h.Hostname)
	}
	d.logger.WithFields(logrus.Fields{"QueueEntry": e.ID, "Hosts": names}).Info("expanding atomic group entry")
	for i := range hosts[1:] {
		h := hosts[i+1]
		clone := autotest.HostQueueEntry{
			JobID:         e.JobID,
			MetaHost:      e.MetaHost,
			AtomicGroupID: e.AtomicGroupID,
			Profile:       e.Profile,
		}
		clone.SetStatus(autotest.QueueEntryQueued)
		if err := d.store.CreateQueueEntry(ctx, &clone); err != nil {
			return err
		}
		if _, err := d.setHost(ctx, clone, &h); err != nil {
			return err
		}
		if err := d.schedulePreJobTasks(ctx, clone.ID); err != nil {
			return err
		}
	}
	if _, err := d.setHost(ctx, e, &hosts[0]); err != nil {
		return err
	}
	return d.schedulePreJobTasks(ctx, e.ID)
}

// canStartAgent applies the process throttles to an agent that has
// not started yet.
func (d *Dispatcher) canStartAgent(a *agent, startedThisCycle int, reachedLimit bool) bool {
	n := a.task.numProcesses()
	if n == 0 {
		return true
	}
	// Once something was held back, later agents wait too, so
	// agents needing many processes are not starved.
	if reachedLimit {
		return false
	}
	if n > d.pm.MaxRunnableProcesses(a.task.ownerUsername(), nil) {
		return false
	}
	if startedThisCycle == 0 {
		return true
	}
	return startedThisCycle+n <= d.config.MaxProcessesStartedPerCycle
}

// launchOrder returns the agents in the order they are offered
// capacity: special tasks that have not started yet come first, so
// a job waiting for processes never holds back the verify or
// cleanup of an idle host.
func (d *Dispatcher) launchOrder() []*agent {
	order := make([]*agent, 0, len(d.agents))
	for _, a := range d.agents {
		if a.special && !a.started {
			order = append(order, a)
		}
	}
	for _, a := range d.agents {
		if !a.special || a.started {
			order = append(order, a)
		}
	}
	return order
}

func (d *Dispatcher) handleAgents(ctx context.Context) error {
	started := 0
	reachedLimit := false
	for _, a := range d.launchOrder() {
		if !a.started {
			if !d.canStartAgent(a, started, reachedLimit) {
				reachedLimit = true
				continue
			}
			started += a.task.numProcesses()
			d.mAgentsStarted.Inc()
		}
		if err := a.tick(ctx); err != nil {
			return fmt.Errorf("%s: %w", a.task, err)
		}
		if a.isDone() {
			d.logger.WithField("Task", a.task.String()).Debug("agent finished")
			d.removeAgent(a)
		}
	}
	running := d.pm.TotalRunningProcesses()
	d.mRunningProcesses.Set(float64(running))
	d.logger.WithField("RunningProcesses", running).Debug("handled agents")
	return nil
}
