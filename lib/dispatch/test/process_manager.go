// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/autotest/scheduler/sdk/go/autotest"
)

// KilledExitStatus is the exit status ProcessManager reports for a
// process that was killed.
const KilledExitStatus = 271

// Execution records one call to ExecuteCommand.
type Execution struct {
	Command []string
	ID      drone.PidfileID
	Options drone.ExecuteOptions
}

// ProcessManager is a stub process manager. Processes "start" when
// ExecuteActions is called and keep running until the test calls
// FinishProcess or the scheduler kills them.
type ProcessManager struct {
	// Capacity is the number of processes the drones can run. Zero
	// means 100.
	Capacity int
	// Orphans are reported by OrphanedProcesses.
	Orphans []drone.Process
	// ExecuteError, if non-nil, is returned by ExecuteCommand.
	ExecuteError error

	Executions    []Execution
	Written       map[string][]string
	Attached      map[string]string
	Copied        []string
	Reinitialized int
	Refreshes     int
	ActionRuns    int

	mtx          sync.Mutex
	ids          map[string]drone.PidfileID
	contents     map[string]*drone.PidfileContents
	future       []string
	last         map[drone.PidfileType]string
	killed       map[string]bool
	unregistered map[string]bool
	nextPid      int
}

func (pm *ProcessManager) setup() {
	if pm.ids != nil {
		return
	}
	pm.ids = map[string]drone.PidfileID{}
	pm.contents = map[string]*drone.PidfileContents{}
	pm.last = map[drone.PidfileType]string{}
	pm.killed = map[string]bool{}
	pm.unregistered = map[string]bool{}
	pm.Written = map[string][]string{}
	pm.Attached = map[string]string{}
}

// Refresh forgets the pidfiles unregistered since the last Refresh.
// Whether they were killed is remembered for WasLastProcessKilled.
func (pm *ProcessManager) Refresh(ctx context.Context) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	pm.Refreshes++
	for key := range pm.unregistered {
		delete(pm.ids, key)
		delete(pm.contents, key)
	}
	pm.unregistered = map[string]bool{}
}

// ExecuteActions starts the processes requested since the last
// call.
func (pm *ProcessManager) ExecuteActions(ctx context.Context) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	pm.ActionRuns++
	for _, key := range pm.future {
		pc, ok := pm.contents[key]
		if !ok {
			continue
		}
		pm.nextPid++
		pc.Process = &drone.Process{Hostname: "drone1", Pid: pm.nextPid}
	}
	pm.future = nil
}

func (pm *ProcessManager) ReinitializeDrones(drones map[string]autotest.DroneConfig) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.Reinitialized++
}

func (pm *ProcessManager) MaxRunnableProcesses(username string, drones []string) int {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	capacity := pm.Capacity
	if capacity == 0 {
		capacity = 100
	}
	return capacity - pm.running()
}

func (pm *ProcessManager) TotalRunningProcesses() int {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	return pm.running()
}

// running counts the processes of pidfiles that have been executed
// (or are about to be) and have not exited.
func (pm *ProcessManager) running() int {
	pm.setup()
	n := 0
	for key, pc := range pm.contents {
		if pc.ExitStatus != nil || pm.unregistered[key] {
			continue
		}
		if pc.Process != nil || pm.isFuture(key) {
			n += pm.ids[key].NumProcesses
		}
	}
	return n
}

func (pm *ProcessManager) isFuture(key string) bool {
	for _, k := range pm.future {
		if k == key {
			return true
		}
	}
	return false
}

func (pm *ProcessManager) OrphanedProcesses() []drone.Process {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	return append([]drone.Process(nil), pm.Orphans...)
}

// KillProcess marks the process's pidfile as exited with
// KilledExitStatus.
func (pm *ProcessManager) KillProcess(p drone.Process) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	for key, pc := range pm.contents {
		if pc.Process == nil || *pc.Process != p {
			continue
		}
		pm.killed[key] = true
		pm.exit(pc, KilledExitStatus)
	}
}

func (pm *ProcessManager) IsProcessRunning(p drone.Process) bool {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	for _, pc := range pm.contents {
		if pc.Process != nil && *pc.Process == p {
			return pc.ExitStatus == nil
		}
	}
	return false
}

func (pm *ProcessManager) ExecuteCommand(command []string, workingDirectory, pidfileName string, typ drone.PidfileType, numProcesses int, opts drone.ExecuteOptions) (drone.PidfileID, error) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	id := drone.PidfileID{
		WorkingDirectory: workingDirectory,
		Name:             pidfileName,
		Type:             typ,
		NumProcesses:     numProcesses,
		PairedWith:       opts.PairedWith,
	}
	if pm.ExecuteError != nil {
		return id, pm.ExecuteError
	}
	key := id.Key()
	if pc, ok := pm.contents[key]; ok && pc.ExitStatus == nil && !pm.unregistered[key] {
		// Already queued or running.
		return pm.ids[key], nil
	}
	pm.ids[key] = id
	pm.contents[key] = &drone.PidfileContents{}
	delete(pm.killed, key)
	delete(pm.unregistered, key)
	pm.future = append(pm.future, key)
	pm.last[typ] = key
	pm.Executions = append(pm.Executions, Execution{
		Command: append([]string(nil), command...),
		ID:      id,
		Options: opts,
	})
	return id, nil
}

func (pm *ProcessManager) GetPidfileID(executionTag, pidfileName string, typ drone.PidfileType) drone.PidfileID {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	id := drone.PidfileID{WorkingDirectory: executionTag, Name: pidfileName, Type: typ}
	if known, ok := pm.ids[id.Key()]; ok {
		return known
	}
	return id
}

func (pm *ProcessManager) RegisterPidfile(id drone.PidfileID) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	key := id.Key()
	delete(pm.unregistered, key)
	if _, ok := pm.ids[key]; !ok {
		pm.ids[key] = id
	}
}

// UnregisterPidfile takes effect at the next Refresh.
func (pm *ProcessManager) UnregisterPidfile(id drone.PidfileID) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	if _, ok := pm.ids[id.Key()]; ok {
		pm.unregistered[id.Key()] = true
	}
}

func (pm *ProcessManager) DeclareProcessCount(id drone.PidfileID, numProcesses int) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	key := id.Key()
	if known, ok := pm.ids[key]; ok {
		known.NumProcesses = numProcesses
		pm.ids[key] = known
	}
}

// GetPidfileContents returns empty contents for a pidfile that was
// never executed.
func (pm *ProcessManager) GetPidfileContents(id drone.PidfileID, secondRead bool) drone.PidfileContents {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	if pc, ok := pm.contents[id.Key()]; ok {
		return *pc
	}
	return drone.PidfileContents{}
}

func (pm *ProcessManager) AbsolutePath(p string, onResultsRepository bool) string {
	return path.Join("/results", p)
}

func (pm *ProcessManager) AttachFileToExecution(resultsDir, contents, filePath string) string {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	if filePath == "" {
		filePath = fmt.Sprintf("/tmp/attach.%d", len(pm.Attached))
	}
	pm.Attached[filePath] = contents
	return filePath
}

func (pm *ProcessManager) WriteLinesToFile(filePath string, lines []string, pairedWith *drone.Process) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	pm.Written[filePath] = append(pm.Written[filePath], lines...)
}

func (pm *ProcessManager) CopyToResultsRepository(p drone.Process, source, destination string) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.Copied = append(pm.Copied, source+" -> "+destination)
}

func (pm *ProcessManager) CopyResultsOnDrone(p drone.Process, source, destination string) {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.Copied = append(pm.Copied, source+" -> "+destination)
}

// FinishProcess makes the most recently executed process of the
// given type exit with the given status.
func (pm *ProcessManager) FinishProcess(typ drone.PidfileType, exitStatus int) error {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	key, ok := pm.last[typ]
	if !ok {
		return fmt.Errorf("no %s process has been executed", typ)
	}
	pc, ok := pm.contents[key]
	if !ok || pc.Process == nil {
		return fmt.Errorf("%s process %s is not running", typ, key)
	}
	if pc.ExitStatus != nil {
		return fmt.Errorf("%s process %s already exited", typ, key)
	}
	pm.exit(pc, exitStatus)
	return nil
}

// FinishPidfile makes the process of the pidfile with the given key
// exit with the given status.
func (pm *ProcessManager) FinishPidfile(key string, exitStatus int) error {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	pc, ok := pm.contents[key]
	if !ok || pc.Process == nil || pc.ExitStatus != nil {
		return fmt.Errorf("pidfile %s is not running", key)
	}
	pm.exit(pc, exitStatus)
	return nil
}

// ExecutionsOfType returns the commands executed for pidfiles of
// the given type.
func (pm *ProcessManager) ExecutionsOfType(typ drone.PidfileType) []Execution {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	var execs []Execution
	for _, ex := range pm.Executions {
		if ex.ID.Type == typ {
			execs = append(execs, ex)
		}
	}
	return execs
}

func (pm *ProcessManager) exit(pc *drone.PidfileContents, exitStatus int) {
	failed := 0
	pc.ExitStatus = &exitStatus
	pc.NumTestsFailed = &failed
}

// WasLastProcessKilled reports whether the most recently executed
// process of the given type was killed.
func (pm *ProcessManager) WasLastProcessKilled(typ drone.PidfileType) bool {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	key, ok := pm.last[typ]
	return ok && pm.killed[key]
}

// RunningPidfileIDs returns the keys of the pidfiles whose processes
// have started and not exited.
func (pm *ProcessManager) RunningPidfileIDs() []string {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	var keys []string
	for key, pc := range pm.contents {
		if pc.Process != nil && pc.ExitStatus == nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Pidfiles returns the keys of all pidfiles still tracked.
func (pm *ProcessManager) Pidfiles() []string {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	var keys []string
	for key := range pm.ids {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Drones reports a single drone with Capacity slots.
func (pm *ProcessManager) Drones() []drone.DroneStatus {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	capacity := pm.Capacity
	if capacity == 0 {
		capacity = 100
	}
	return []drone.DroneStatus{{
		Hostname:        "drone1",
		Enabled:         true,
		ActiveProcesses: pm.running(),
		MaxProcesses:    capacity,
	}}
}

// PidfileStatuses returns the tracked pidfiles in the form
// drone.Manager reports them.
func (pm *ProcessManager) PidfileStatuses() []drone.PidfileStatus {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	pm.setup()
	var list []drone.PidfileStatus
	for key, id := range pm.ids {
		st := drone.PidfileStatus{ID: id, NumProcesses: id.NumProcesses}
		if pc := pm.contents[key]; pc != nil {
			st.Contents = *pc
		}
		list = append(list, st)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID.Key() < list[j].ID.Key() })
	return list
}

// ReinitializedCount returns the number of ReinitializeDrones
// calls. Safe to call while a dispatcher is running.
func (pm *ProcessManager) ReinitializedCount() int {
	pm.mtx.Lock()
	defer pm.mtx.Unlock()
	return pm.Reinitialized
}
