// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package drone tracks processes running on a pool of drones. It
// launches commands, polls pidfiles and process lists once per
// scheduler tick, and keeps per-drone capacity accounting.
package drone

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrNoDrones is returned by ExecuteCommand when no drone can run
// the command.
var ErrNoDrones = errors.New("no drones available")

// A Notifier queues an admin notification.
type Notifier interface {
	Enqueue(subject, body string)
}

// ExecutorFactory returns an Executor for the given drone.
type ExecutorFactory func(hostname string, dc autotest.DroneConfig) (Executor, error)

// Config holds the Manager settings taken from the cluster config.
type Config struct {
	// Base results directory on drones.
	ResultsDir string
	// Base results directory on the results repository host.
	ResultsRepository string
	// A registered pidfile that is not read for this many
	// refreshes is dropped.
	MaxPidfileRefreshes int
	// How long to skip a drone after it fails to respond.
	RetryInterval time.Duration
	// Commands whose process names are tracked. Only the
	// process group leaders of AutoservCommand are counted.
	AutoservCommand string
	ParserCommand   string
}

// ExecuteOptions are optional arguments for ExecuteCommand.
type ExecuteOptions struct {
	// Path (relative to the drone results dir) of a file to hold
	// the command's output. Default is a temporary path.
	LogFile string
	// Run on the same drone as this earlier process.
	PairedWith *PidfileID
	// Login of the user responsible for the process.
	Username string
	// Hostnames of drones that may run the command. Nil allows
	// all drones; an empty non-nil slice allows none.
	Drones []string
}

type pidfileInfo struct {
	id           PidfileID
	age          int
	numProcesses int
	launched     bool
}

// DroneStatus is a snapshot of a drone's state, for the management
// API.
type DroneStatus struct {
	Hostname        string
	Enabled         bool
	ActiveProcesses int
	MaxProcesses    int
	AllowedUsers    []string
	Error           string    `json:",omitempty"`
	SuspendedUntil  time.Time `json:",omitempty"`
}

// PidfileStatus is a snapshot of a registered pidfile.
type PidfileStatus struct {
	ID           PidfileID
	Age          int
	NumProcesses int
	Contents     PidfileContents
}

// Manager is the scheduler's interface to the drones. Apart from
// the snapshot methods Drones and Pidfiles, it is meant to be called
// from a single goroutine.
type Manager struct {
	logger      logrus.FieldLogger
	config      Config
	newExecutor ExecutorFactory
	notifier    Notifier

	mtx          sync.Mutex
	drones       map[string]*Drone
	resultsDrone *Drone
	processes    map[Process]int // ppid of each running process
	pidfiles     map[string]PidfileContents
	secondRead   map[string]PidfileContents
	finalized    map[string]PidfileContents
	registered   map[string]*pidfileInfo
	unregistered map[string]bool
	killed       map[Process]bool
	attached     map[string]map[string]string
	tmpCounter   int

	autoservComm string
	parserComm   string

	mActiveProcesses *prometheus.GaugeVec
	mMaxProcesses    *prometheus.GaugeVec
	mPidfiles        prometheus.Gauge
	mRefreshErrors   *prometheus.CounterVec
}

// NewManager returns a Manager with no drones. The results
// repository is accessed through resultsExr.
func NewManager(logger logrus.FieldLogger, config Config, newExecutor ExecutorFactory, resultsExr Executor, notifier Notifier, reg *prometheus.Registry) *Manager {
	mgr := &Manager{
		logger:       logger,
		config:       config,
		newExecutor:  newExecutor,
		notifier:     notifier,
		drones:       map[string]*Drone{},
		processes:    map[Process]int{},
		pidfiles:     map[string]PidfileContents{},
		secondRead:   map[string]PidfileContents{},
		finalized:    map[string]PidfileContents{},
		registered:   map[string]*pidfileInfo{},
		unregistered: map[string]bool{},
		killed:       map[Process]bool{},
		attached:     map[string]map[string]string{},
		autoservComm: commName(config.AutoservCommand),
		parserComm:   commName(config.ParserCommand),
	}
	mgr.resultsDrone = newDrone("results-repository", autotest.DroneConfig{Local: true}, resultsExr, logger)
	mgr.registerMetrics(reg)
	return mgr
}

// commName returns the process name ps reports for the given
// command line.
func commName(cmdline string) string {
	words, err := shlex.Split(cmdline)
	if err != nil || len(words) == 0 {
		return ""
	}
	name := path.Base(words[0])
	if len(name) > 15 {
		// Linux truncates comm to 15 bytes
		name = name[:15]
	}
	return name
}

func (mgr *Manager) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	mgr.mActiveProcesses = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "dispatch",
		Name:      "drone_active_processes",
		Help:      "Number of processes running on each drone, as of the last refresh.",
	}, []string{"drone"})
	reg.MustRegister(mgr.mActiveProcesses)
	mgr.mMaxProcesses = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "dispatch",
		Name:      "drone_max_processes",
		Help:      "Configured process capacity of each enabled drone.",
	}, []string{"drone"})
	reg.MustRegister(mgr.mMaxProcesses)
	mgr.mPidfiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "dispatch",
		Name:      "pidfiles_tracked",
		Help:      "Number of registered pidfiles.",
	})
	reg.MustRegister(mgr.mPidfiles)
	mgr.mRefreshErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autotest",
		Subsystem: "dispatch",
		Name:      "drone_refresh_errors_total",
		Help:      "Number of failed attempts to refresh each drone.",
	}, []string{"drone"})
	reg.MustRegister(mgr.mRefreshErrors)
}

func (mgr *Manager) updateMetrics() {
	mgr.mPidfiles.Set(float64(len(mgr.registered)))
	for _, d := range mgr.drones {
		mgr.mActiveProcesses.WithLabelValues(d.Hostname).Set(float64(d.activeProcesses))
		if d.enabled() {
			mgr.mMaxProcesses.WithLabelValues(d.Hostname).Set(float64(d.Config.MaxProcesses))
		} else {
			mgr.mMaxProcesses.WithLabelValues(d.Hostname).Set(0)
		}
	}
}

// Initialize adds the given drones and clears their temporary
// directories. It returns an error if no drone could be set up.
func (mgr *Manager) Initialize(drones map[string]autotest.DroneConfig) error {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	for hostname, dc := range drones {
		mgr.addDrone(hostname, dc)
	}
	if len(mgr.drones) == 0 {
		return errors.New("no valid drones found")
	}
	mgr.logger.WithField("ResultsRepository", mgr.config.ResultsRepository).Info("using results repository")
	return nil
}

func (mgr *Manager) addDrone(hostname string, dc autotest.DroneConfig) {
	exr, err := mgr.newExecutor(hostname, dc)
	if err != nil {
		mgr.logger.WithError(err).WithField("Drone", hostname).Error("cannot set up drone, skipping")
		return
	}
	mgr.logger.WithField("Drone", hostname).Info("adding drone")
	d := newDrone(hostname, dc, exr, mgr.logger)
	if err := (initializeCall{ResultsDir: mgr.AbsolutePath("", false)}).run(d); err != nil {
		d.logger.WithError(err).Warn("drone initialization failed")
		d.throttle.ErrorUntil(err, time.Now().Add(mgr.config.RetryInterval))
	}
	mgr.drones[hostname] = d
}

// ReinitializeDrones applies a new drone table. Existing drones get
// the new settings and their temporary directories are cleared; new
// drones are added. Drones missing from the table are disabled but
// still refreshed, so their running processes stay tracked.
func (mgr *Manager) ReinitializeDrones(drones map[string]autotest.DroneConfig) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	for hostname, d := range mgr.drones {
		dc, ok := drones[hostname]
		if !ok {
			dc = d.Config
			dc.Disabled = true
		}
		d.Config = dc
		d.queueCall(initializeCall{ResultsDir: mgr.AbsolutePath("", false)})
	}
	for hostname, dc := range drones {
		if _, ok := mgr.drones[hostname]; !ok {
			mgr.addDrone(hostname, dc)
		}
	}
	mgr.updateMetrics()
}

// Shutdown closes all drone connections.
func (mgr *Manager) Shutdown() {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	for _, d := range mgr.drones {
		d.exr.Close()
	}
	mgr.resultsDrone.exr.Close()
}

// Refresh polls every drone for pidfile contents and running
// processes. It never fails: a drone that cannot be reached keeps
// its previously reported state and is skipped until
// RetryInterval passes.
func (mgr *Manager) Refresh(ctx context.Context) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()

	for key := range mgr.unregistered {
		delete(mgr.registered, key)
		delete(mgr.finalized, key)
	}
	mgr.unregistered = map[string]bool{}
	mgr.dropOldPidfiles()

	mgr.processes = map[Process]int{}
	mgr.pidfiles = map[string]PidfileContents{}
	mgr.secondRead = map[string]PidfileContents{}

	var paths []string
	for key := range mgr.registered {
		paths = append(paths, key)
	}
	sort.Strings(paths)

	var wg sync.WaitGroup
	results := make(map[*Drone]*refreshResult, len(mgr.drones))
	var resultsMtx sync.Mutex
	for _, d := range mgr.drones {
		if err := d.throttle.Error(); err != nil {
			resultsMtx.Lock()
			results[d] = d.lastRefresh
			resultsMtx.Unlock()
			continue
		}
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.refresh(paths)
			if err == nil {
				err = ctx.Err()
			}
			if err != nil {
				d.logger.WithError(err).Warn("drone refresh failed")
				mgr.mRefreshErrors.WithLabelValues(d.Hostname).Inc()
				d.throttle.ErrorUntil(err, time.Now().Add(mgr.config.RetryInterval))
				res = d.lastRefresh
			} else {
				d.lastRefresh = res
			}
			resultsMtx.Lock()
			results[d] = res
			resultsMtx.Unlock()
		}()
	}
	wg.Wait()

	for d, res := range results {
		if res != nil {
			mgr.processRefreshResult(d, res)
		}
	}
	for key, contents := range mgr.finalized {
		if pc := mgr.pidfiles[key]; pc.ExitStatus == nil {
			mgr.pidfiles[key] = contents
		}
		if pc := mgr.secondRead[key]; pc.ExitStatus == nil {
			mgr.secondRead[key] = contents
		}
	}
	for key, contents := range mgr.pidfiles {
		if contents.ExitStatus != nil && mgr.registered[key] != nil {
			mgr.finalized[key] = contents
		}
	}
	for p := range mgr.killed {
		if _, running := mgr.processes[p]; !running {
			delete(mgr.killed, p)
		}
	}
	for _, d := range mgr.drones {
		mgr.computeActiveProcesses(d)
	}
	mgr.updateMetrics()
}

func (mgr *Manager) processRefreshResult(d *Drone, res *refreshResult) {
	for _, info := range res.processes {
		switch info.comm {
		case mgr.autoservComm:
			// only the process group leader counts
			if info.pgid != info.pid {
				continue
			}
		case mgr.parserComm:
		default:
			continue
		}
		mgr.processes[Process{Hostname: d.Hostname, Pid: info.pid}] = info.ppid
	}
	for key, raw := range res.pidfiles {
		mgr.pidfiles[key] = parsePidfile(d.Hostname, raw)
	}
	for key, raw := range res.pidfilesSecondRead {
		mgr.secondRead[key] = parsePidfile(d.Hostname, raw)
	}
}

func (mgr *Manager) dropOldPidfiles() {
	for key, info := range mgr.registered {
		if info.age > mgr.config.MaxPidfileRefreshes {
			mgr.logger.WithField("Pidfile", key).Warn("dropping leaked pidfile")
			delete(mgr.registered, key)
			delete(mgr.finalized, key)
		} else {
			info.age++
		}
	}
}

func (mgr *Manager) computeActiveProcesses(d *Drone) {
	d.activeProcesses = 0
	for key, contents := range mgr.pidfiles {
		if contents.ExitStatus != nil || contents.Process == nil || contents.Process.Hostname != d.Hostname {
			continue
		}
		if info := mgr.registered[key]; info != nil {
			d.activeProcesses += info.numProcesses
		}
	}
}

// ExecuteActions runs all calls queued during this tick: launches,
// kills, file writes and copies. Drones run their queues
// concurrently; the results repository goes last.
func (mgr *Manager) ExecuteActions(ctx context.Context) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	var wg sync.WaitGroup
	var warnMtx sync.Mutex
	warnings := map[string][]string{}
	for _, d := range mgr.drones {
		if len(d.calls) == 0 {
			continue
		}
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := d.executeQueuedCalls(ctx)
			warnMtx.Lock()
			warnings[d.Hostname] = w
			warnMtx.Unlock()
		}()
	}
	wg.Wait()
	for hostname, w := range warnings {
		if len(w) > 0 && mgr.notifier != nil {
			mgr.notifier.Enqueue("Warning from drone "+hostname, strings.Join(w, "\n"))
		}
	}
	if w := mgr.resultsDrone.executeQueuedCalls(ctx); len(w) > 0 {
		mgr.logger.WithField("Warnings", w).Error("results repository failed to execute calls")
		if mgr.notifier != nil {
			mgr.notifier.Enqueue("Results repository error", strings.Join(w, "\n"))
		}
		mgr.resultsDrone.clearCallQueue()
	}
}

// OrphanedProcesses returns tracked processes whose parent has
// exited.
func (mgr *Manager) OrphanedProcesses() []Process {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	var orphans []Process
	for p, ppid := range mgr.processes {
		if ppid == 1 {
			orphans = append(orphans, p)
		}
	}
	sort.Slice(orphans, func(i, j int) bool {
		if orphans[i].Hostname != orphans[j].Hostname {
			return orphans[i].Hostname < orphans[j].Hostname
		}
		return orphans[i].Pid < orphans[j].Pid
	})
	return orphans
}

// KillProcess queues a SIGTERM for the given process. Killing a
// process twice before it exits, or killing a process that already
// exited, does nothing.
func (mgr *Manager) KillProcess(p Process) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	if mgr.killed[p] {
		return
	}
	d, ok := mgr.drones[p.Hostname]
	if !ok {
		mgr.logger.WithField("Process", p.String()).Warn("cannot kill process on unknown drone")
		return
	}
	mgr.logger.WithField("Process", p.String()).Info("killing process")
	mgr.killed[p] = true
	d.queueCall(killCall{Pid: p.Pid})
}

// IsProcessRunning reports whether the process was running at the
// last refresh.
func (mgr *Manager) IsProcessRunning(p Process) bool {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	_, ok := mgr.processes[p]
	return ok
}

// TotalRunningProcesses returns the number of processes running on
// all drones.
func (mgr *Manager) TotalRunningProcesses() int {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	n := 0
	for _, d := range mgr.drones {
		n += d.activeProcesses
	}
	return n
}

// usableDrones returns enabled, reachable drones that the given user
// may use, least loaded first.
func (mgr *Manager) usableDrones(username string, allowed []string) []*Drone {
	var usable []*Drone
	for _, d := range mgr.drones {
		if !d.enabled() || d.throttle.Error() != nil || !d.Config.UsableBy(username) {
			continue
		}
		if allowed != nil && !contains(allowed, d.Hostname) {
			continue
		}
		usable = append(usable, d)
	}
	sort.Slice(usable, func(i, j int) bool {
		if lessLoaded(usable[i], usable[j]) {
			return true
		} else if lessLoaded(usable[j], usable[i]) {
			return false
		}
		return usable[i].Hostname < usable[j].Hostname
	})
	return usable
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// MaxRunnableProcesses returns the largest number of processes a
// single command could start right now, given current drone load.
// A nil drones list allows all drones.
func (mgr *Manager) MaxRunnableProcesses(username string, drones []string) int {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	best := 0
	for _, d := range mgr.usableDrones(username, drones) {
		if n := d.Config.MaxProcesses - d.activeProcesses; n > best {
			best = n
		}
	}
	return best
}

// chooseDrone returns the least loaded drone that can fit
// numProcesses more processes. If none can, it falls back to the
// least loaded usable drone. It returns nil if no drone is usable.
func (mgr *Manager) chooseDrone(numProcesses int, username string, allowed []string) *Drone {
	usable := mgr.usableDrones(username, allowed)
	if len(usable) == 0 {
		return nil
	}
	for _, d := range usable {
		if d.activeProcesses+numProcesses <= d.Config.MaxProcesses {
			return d
		}
		d.logger.WithFields(logrus.Fields{
			"ActiveProcesses":    d.activeProcesses,
			"RequestedProcesses": numProcesses,
			"MaxProcesses":       d.Config.MaxProcesses,
		}).Debug("drone is full")
	}
	var summary []string
	for _, d := range usable {
		summary = append(summary, fmt.Sprintf("%s %d/%d", d.Hostname, d.activeProcesses, d.Config.MaxProcesses))
	}
	mgr.logger.WithFields(logrus.Fields{
		"RequestedProcesses": numProcesses,
		"Drones":             strings.Join(summary, ","),
		"Username":           username,
	}).Error("no drone has capacity to handle processes")
	return usable[0]
}

// AbsolutePath returns the absolute path of a results-relative path,
// either on a drone or on the results repository.
func (mgr *Manager) AbsolutePath(p string, onResultsRepository bool) string {
	if onResultsRepository {
		return path.Join(mgr.config.ResultsRepository, p)
	}
	return path.Join(mgr.config.ResultsDir, p)
}

// GetTemporaryPath returns a results-relative path that is unique
// for the life of this Manager.
func (mgr *Manager) GetTemporaryPath(base string) string {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	return mgr.temporaryPath(base)
}

func (mgr *Manager) temporaryPath(base string) string {
	mgr.tmpCounter++
	return path.Join(temporaryDirectory, fmt.Sprintf("%s.%d", base, mgr.tmpCounter))
}

// ExecuteCommand queues a command to run on a drone, and returns
// the pidfile it is expected to write. Any command argument equal
// to WorkingDirectory is replaced by the absolute working directory.
//
// If a command with the same pidfile is already queued or running,
// its pidfile ID is returned and nothing new is queued.
func (mgr *Manager) ExecuteCommand(command []string, workingDirectory, pidfileName string, typ PidfileType, numProcesses int, opts ExecuteOptions) (PidfileID, error) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	absWD := mgr.AbsolutePath(workingDirectory, false)
	id := PidfileID{
		WorkingDirectory: absWD,
		Name:             pidfileName,
		Type:             typ,
		NumProcesses:     numProcesses,
		PairedWith:       opts.PairedWith,
	}
	if info := mgr.registered[id.Key()]; info != nil && info.launched && !mgr.unregistered[id.Key()] {
		if pc := mgr.pidfiles[id.Key()]; pc.ExitStatus == nil && !pc.IsInvalid() {
			mgr.logger.WithField("Pidfile", id.Key()).Info("command already launched, not executing again")
			return info.id, nil
		}
	}

	logFile := opts.LogFile
	if logFile == "" {
		logFile = mgr.temporaryPath("execute")
	}
	logFile = mgr.AbsolutePath(logFile, false)

	cmd := make([]string, len(command))
	for i, arg := range command {
		if arg == WorkingDirectory {
			arg = absWD
		}
		cmd[i] = arg
	}

	var d *Drone
	if opts.PairedWith != nil {
		pc := mgr.pidfiles[opts.PairedWith.Key()]
		if pc.Process == nil {
			return PidfileID{}, fmt.Errorf("paired pidfile %s has no process", opts.PairedWith)
		}
		d = mgr.drones[pc.Process.Hostname]
	} else {
		d = mgr.chooseDrone(numProcesses, opts.Username, opts.Drones)
	}
	if d == nil {
		return PidfileID{}, fmt.Errorf("command %q failed: %w", cmd, ErrNoDrones)
	}

	mgr.logger.WithFields(logrus.Fields{
		"Drone":   d.Hostname,
		"Command": cmd,
		"LogFile": logFile,
	}).Info("executing command")
	mgr.writeAttachedFiles(workingDirectory, d)
	d.queueCall(executeCall{
		Command:          cmd,
		WorkingDirectory: absWD,
		LogFile:          logFile,
		PidfileName:      pidfileName,
	})
	d.activeProcesses += numProcesses

	mgr.registerPidfile(id)
	info := mgr.registered[id.Key()]
	info.id = id
	info.numProcesses = numProcesses
	info.launched = true
	delete(mgr.finalized, id.Key())
	return id, nil
}

// GetPidfileID returns the ID of the named pidfile in the given
// results-relative directory.
func (mgr *Manager) GetPidfileID(executionTag, pidfileName string, typ PidfileType) PidfileID {
	return PidfileID{
		WorkingDirectory: mgr.AbsolutePath(executionTag, false),
		Name:             pidfileName,
		Type:             typ,
	}
}

// RegisterPidfile makes the manager look for the given pidfile on
// each refresh.
func (mgr *Manager) RegisterPidfile(id PidfileID) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	mgr.registerPidfile(id)
}

func (mgr *Manager) registerPidfile(id PidfileID) {
	key := id.Key()
	delete(mgr.unregistered, key)
	if mgr.registered[key] == nil {
		mgr.logger.WithField("Pidfile", key).Info("monitoring pidfile")
		mgr.registered[key] = &pidfileInfo{id: id, numProcesses: id.NumProcesses}
	}
	mgr.registered[key].age = 0
}

// UnregisterPidfile stops tracking the given pidfile as of the next
// refresh. Its contents stay readable until then.
func (mgr *Manager) UnregisterPidfile(id PidfileID) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	key := id.Key()
	if mgr.registered[key] != nil && !mgr.unregistered[key] {
		mgr.logger.WithField("Pidfile", key).Info("forgetting pidfile")
		mgr.unregistered[key] = true
	}
}

// DeclareProcessCount updates the number of processes accounted to a
// registered pidfile.
func (mgr *Manager) DeclareProcessCount(id PidfileID, numProcesses int) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	if info := mgr.registered[id.Key()]; info != nil {
		info.numProcesses = numProcesses
	}
}

// GetPidfileContents returns the contents read at the last refresh.
// An unknown pidfile yields zero contents. With secondRead, the
// contents read after the process list are returned instead.
func (mgr *Manager) GetPidfileContents(id PidfileID, secondRead bool) PidfileContents {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	key := id.Key()
	if info := mgr.registered[key]; info != nil {
		info.age = 0
	}
	if secondRead {
		return mgr.secondRead[key]
	}
	return mgr.pidfiles[key]
}

func (mgr *Manager) droneForProcess(p Process) *Drone {
	return mgr.drones[p.Hostname]
}

// CopyToResultsRepository queues a copy of a results-relative path
// from the drone running p to the results repository. An empty
// destination means the same relative path.
func (mgr *Manager) CopyToResultsRepository(p Process, source, destination string) {
	if destination == "" {
		destination = source
	}
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	d := mgr.droneForProcess(p)
	if d == nil {
		mgr.logger.WithField("Process", p.String()).Warn("cannot copy results from unknown drone")
		return
	}
	src := mgr.AbsolutePath(source, false)
	dst := mgr.AbsolutePath(destination, true)
	if d.Config.Local {
		d.queueCall(copyCall{Source: src, Destination: dst})
	} else {
		d.queueCall(sendFileCall{To: mgr.resultsDrone, Source: src, Destination: dst, CanFail: true})
	}
}

// CopyResultsOnDrone queues a copy between two results-relative
// paths on the drone running p.
func (mgr *Manager) CopyResultsOnDrone(p Process, source, destination string) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	d := mgr.droneForProcess(p)
	if d == nil {
		mgr.logger.WithField("Process", p.String()).Warn("cannot copy results on unknown drone")
		return
	}
	d.queueCall(copyCall{Source: mgr.AbsolutePath(source, false), Destination: mgr.AbsolutePath(destination, false)})
}

func (mgr *Manager) writeAttachedFiles(resultsDir string, d *Drone) {
	files := mgr.attached[resultsDir]
	delete(mgr.attached, resultsDir)
	var paths []string
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		d.queueCall(writeFileCall{Path: mgr.AbsolutePath(p, false), Contents: files[p]})
	}
}

// AttachFileToExecution arranges for a file to be written on the
// drone when the next command for resultsDir is executed. It
// returns the results-relative path of the file, which is filePath
// or a new temporary path if filePath is empty.
func (mgr *Manager) AttachFileToExecution(resultsDir, contents, filePath string) string {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	if filePath == "" {
		filePath = mgr.temporaryPath("attach")
	}
	files := mgr.attached[resultsDir]
	if files == nil {
		files = map[string]string{}
		mgr.attached[resultsDir] = files
	}
	files[filePath] = contents
	return filePath
}

// WriteLinesToFile queues a write (append) of the given lines. If
// pairedWith is given, the file is written on that process's drone;
// otherwise it is written in the results repository.
func (mgr *Manager) WriteLinesToFile(filePath string, lines []string, pairedWith *Process) {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	contents := strings.Join(lines, "\n") + "\n"
	if pairedWith != nil {
		d := mgr.droneForProcess(*pairedWith)
		if d == nil {
			mgr.logger.WithField("Process", pairedWith.String()).Warn("cannot write file on unknown drone")
			return
		}
		d.queueCall(writeFileCall{Path: mgr.AbsolutePath(filePath, false), Contents: contents})
		return
	}
	mgr.resultsDrone.queueCall(writeFileCall{Path: mgr.AbsolutePath(filePath, true), Contents: contents})
}

// Drones returns a snapshot of all drones, sorted by hostname.
func (mgr *Manager) Drones() []DroneStatus {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	var list []DroneStatus
	for _, d := range mgr.drones {
		ds := DroneStatus{
			Hostname:        d.Hostname,
			Enabled:         d.enabled(),
			ActiveProcesses: d.activeProcesses,
			MaxProcesses:    d.Config.MaxProcesses,
			AllowedUsers:    d.Config.AllowedUsers,
		}
		if err := d.throttle.Error(); err != nil {
			ds.Error = err.Error()
			ds.SuspendedUntil = d.throttle.Until()
		}
		list = append(list, ds)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Hostname < list[j].Hostname })
	return list
}

// PidfileStatuses returns a snapshot of all registered pidfiles, sorted by
// path.
func (mgr *Manager) PidfileStatuses() []PidfileStatus {
	mgr.mtx.Lock()
	defer mgr.mtx.Unlock()
	var list []PidfileStatus
	for key, info := range mgr.registered {
		if mgr.unregistered[key] {
			continue
		}
		list = append(list, PidfileStatus{
			ID:           info.id,
			Age:          info.age,
			NumProcesses: info.numProcesses,
			Contents:     mgr.pidfiles[key],
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID.Key() < list[j].ID.Key() })
	return list
}
