// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"golang.org/x/sys/unix"
)

// postJobTask processes the results of a job's autoserv run. Post-job
// tasks keep going when the job is aborted.
type postJobTask struct {
	*baseTask
	job         autotest.Job
	entries     []autotest.HostQueueEntry
	hostnames   map[int64]string
	autoservMon *pidfileRunMonitor
	pidName     string
	pidType     drone.PidfileType
}

func (d *Dispatcher) newPostJobTask(ctx context.Context, kind string, entries []autotest.HostQueueEntry, logFileName, pidName string, pidType drone.PidfileType) (*postJobTask, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s with no entries", kind)
	}
	job, err := d.store.Job(ctx, entries[0].JobID)
	if err != nil {
		return nil, err
	}
	t := &postJobTask{
		baseTask:  &baseTask{d: d, logFileName: logFileName},
		job:       job,
		entries:   entries,
		hostnames: map[int64]string{},
		pidName:   pidName,
		pidType:   pidType,
	}
	for _, e := range entries {
		t.qeIDs = append(t.qeIDs, e.ID)
		if e.HostID == nil {
			continue
		}
		h, err := d.store.Host(ctx, *e.HostID)
		if err != nil {
			return nil, err
		}
		t.hostnames[h.ID] = h.Hostname
	}
	t.name = fmt.Sprintf("%s(job %d, entries %v)", kind, job.ID, t.qeIDs)
	t.autoservMon = newPidfileRunMonitor(d)
	t.autoservMon.attachToExistingProcess(t.workingDirectory(), drone.AutoservPidfile, drone.PidfileJob, -1)
	return t, nil
}

func (t *postJobTask) workingDirectory() string              { return t.entries[0].ExecutionPath(t.job) }
func (t *postJobTask) pidfileName() string                   { return t.pidName }
func (t *postJobTask) pidfileType() drone.PidfileType        { return t.pidType }
func (t *postJobTask) ownerUsername() string                 { return t.job.Owner }
func (t *postJobTask) pairedWithMonitor() *pidfileRunMonitor { return t.autoservMon }

// abort does nothing: the post-job stages also finish aborted jobs.
func (t *postJobTask) abort(ctx context.Context) error { return nil }

// pidfileLabel returns the autoserv --pidfile-label value matching
// the pidfile name, e.g. ".collect_crashinfo_execute" ->
// "collect_crashinfo".
func (t *postJobTask) pidfileLabel() string {
	return strings.TrimSuffix(strings.TrimPrefix(t.pidName, "."), "_execute")
}

func (t *postJobTask) resultsDir() string {
	return t.d.pm.AbsolutePath(t.workingDirectory(), false)
}

func (t *postJobTask) jobWasAborted(ctx context.Context) (bool, error) {
	var aborted []bool
	var desc []string
	for _, e := range t.entries {
		e, err := t.d.store.QueueEntry(ctx, e.ID)
		if err != nil {
			return false, err
		}
		aborted = append(aborted, e.Aborted)
		desc = append(desc, fmt.Sprintf("%s (aborted: %v)", e, e.Aborted))
	}
	for _, a := range aborted[1:] {
		if a != aborted[0] {
			msg := "Queue entries have inconsistent abort state:\n" + strings.Join(desc, "\n")
			t.logger().Error(msg)
			t.d.notifier.Enqueue("Inconsistent abort state", msg)
			return true, nil
		}
	}
	return aborted[0], nil
}

func (t *postJobTask) finalStatus(ctx context.Context) (autotest.QueueEntryStatus, error) {
	aborted, err := t.jobWasAborted(ctx)
	if err != nil {
		return "", err
	}
	if aborted {
		return autotest.QueueEntryAborted, nil
	}
	if code := t.autoservMon.exitCode(); code != nil && *code == 0 {
		return autotest.QueueEntryCompleted, nil
	}
	return autotest.QueueEntryFailed, nil
}

func (t *postJobTask) setAllStatuses(ctx context.Context, status autotest.QueueEntryStatus) error {
	for _, e := range t.entries {
		if _, err := t.d.setEntryStatus(ctx, e.ID, status); err != nil {
			return err
		}
	}
	return nil
}

// gatherLogsTask collects crash information after autoserv was
// killed, then decides whether the hosts need a cleanup.
type gatherLogsTask struct {
	*postJobTask
}

func (d *Dispatcher) newGatherLogsTask(ctx context.Context, entries []autotest.HostQueueEntry) (*gatherLogsTask, error) {
	pjt, err := d.newPostJobTask(ctx, "GatherLogsTask", entries, ".collect_crashinfo.log", drone.CrashinfoPidfile, drone.PidfileGather)
	if err != nil {
		return nil, err
	}
	t := &gatherLogsTask{postJobTask: pjt}
	for _, e := range entries {
		if e.HostID != nil {
			t.hIDs = append(t.hIDs, *e.HostID)
		}
	}
	t.impl = t
	return t, nil
}

func (t *gatherLogsTask) numProcesses() int { return len(t.entries) }

func (t *gatherLogsTask) commandLine(ctx context.Context) ([]string, error) {
	var hosts []string
	for _, id := range t.hIDs {
		hosts = append(hosts, t.hostnames[id])
	}
	args := append([]string(nil), t.d.autoservCmd...)
	return append(args, "-p", "--pidfile-label="+t.pidfileLabel(),
		"--use-existing-results", "--collect-crashinfo",
		"-m", strings.Join(hosts, ","), "-r", t.resultsDir()), nil
}

func (t *gatherLogsTask) prolog(ctx context.Context) error {
	err := t.checkQueueEntryStatuses(ctx, t.qeIDs,
		[]autotest.QueueEntryStatus{autotest.QueueEntryGathering},
		[]autotest.HostStatus{autotest.HostRunning})
	if err != nil {
		return err
	}
	return t.postJobTask.prolog(ctx)
}

// run collects crash info only if autoserv was killed by a signal
// (or its exit status is unknown).
func (t *gatherLogsTask) run(ctx context.Context) error {
	code := t.autoservMon.exitCode()
	if code == nil || unix.WaitStatus(uint32(*code)).Signaled() {
		return t.postJobTask.run(ctx)
	}
	return t.finished(ctx, true)
}

func (t *gatherLogsTask) epilog(ctx context.Context) error {
	if err := t.postJobTask.epilog(ctx); err != nil {
		return err
	}
	if err := t.setAllStatuses(ctx, autotest.QueueEntryParsing); err != nil {
		return err
	}
	return t.rebootHosts(ctx)
}

func (t *gatherLogsTask) rebootHosts(ctx context.Context) error {
	status, err := t.finalStatus(ctx)
	if err != nil {
		return err
	}
	finalSuccess, numFailed := false, 0
	if t.autoservMon.hasProcess() {
		finalSuccess = status == autotest.QueueEntryCompleted
		numFailed = t.autoservMon.numTestsFailed()
	}
	doReboot := status == autotest.QueueEntryAborted ||
		t.job.RebootAfter == autotest.RebootAfterAlways ||
		(t.job.RebootAfter == autotest.RebootAfterIfAllTestsPassed && finalSuccess && numFailed == 0)
	for _, id := range t.hIDs {
		if doReboot {
			// Not linked to the entry: the job is over even if
			// the cleanup fails.
			err = t.d.createSpecialTask(ctx, id, autotest.TaskCleanup, nil, t.job.Owner)
		} else {
			err = t.d.setHostStatus(ctx, id, autotest.HostReady)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// selfThrottledTask is a post-job task limited by its own process
// counter instead of the drone capacity.
type selfThrottledTask struct {
	*postJobTask
	running *int
	max     int
}

func (t *selfThrottledTask) tick(ctx context.Context) error {
	if t.mon != nil {
		return t.postJobTask.tick(ctx)
	}
	return t.tryStartingProcess(ctx)
}

func (t *selfThrottledTask) run(ctx context.Context) error {
	return t.tryStartingProcess(ctx)
}

func (t *selfThrottledTask) tryStartingProcess(ctx context.Context) error {
	if *t.running >= t.max {
		return nil
	}
	if err := t.postJobTask.run(ctx); err != nil {
		return err
	}
	if t.mon != nil {
		*t.running++
	}
	return nil
}

func (t *selfThrottledTask) finished(ctx context.Context, success bool) error {
	wasDone := t.done
	if err := t.postJobTask.finished(ctx, success); err != nil {
		return err
	}
	if !wasDone && t.mon != nil {
		*t.running--
	}
	return nil
}

// finalReparseTask parses the results into the results database.
type finalReparseTask struct {
	*selfThrottledTask
}

func (d *Dispatcher) newFinalReparseTask(ctx context.Context, entries []autotest.HostQueueEntry) (*finalReparseTask, error) {
	pjt, err := d.newPostJobTask(ctx, "FinalReparseTask", entries, ".parse.log", drone.ParserPidfile, drone.PidfileParse)
	if err != nil {
		return nil, err
	}
	t := &finalReparseTask{&selfThrottledTask{
		postJobTask: pjt,
		running:     &d.parseRunning,
		max:         d.config.MaxParseProcesses,
	}}
	t.impl = t
	return t, nil
}

// numProcesses is zero: parser processes are not counted against
// drone capacity.
func (t *finalReparseTask) numProcesses() int { return 0 }

func (t *finalReparseTask) commandLine(ctx context.Context) ([]string, error) {
	args := append([]string(nil), t.d.parserCmd...)
	return append(args, "--write-pidfile", "-l", "2", "-r", "-o", t.resultsDir()), nil
}

func (t *finalReparseTask) prolog(ctx context.Context) error {
	err := t.checkQueueEntryStatuses(ctx, t.qeIDs, []autotest.QueueEntryStatus{autotest.QueueEntryParsing}, nil)
	if err != nil {
		return err
	}
	return t.selfThrottledTask.prolog(ctx)
}

func (t *finalReparseTask) epilog(ctx context.Context) error {
	if err := t.selfThrottledTask.epilog(ctx); err != nil {
		return err
	}
	return t.setAllStatuses(ctx, autotest.QueueEntryArchiving)
}

// archiveResultsTask runs the site archiving control file, then
// sets the entries' final status.
type archiveResultsTask struct {
	*selfThrottledTask
}

const archivingFailedFile = ".archiver_failed"

func (d *Dispatcher) newArchiveResultsTask(ctx context.Context, entries []autotest.HostQueueEntry) (*archiveResultsTask, error) {
	pjt, err := d.newPostJobTask(ctx, "ArchiveResultsTask", entries, ".archiving.log", drone.ArchiverPidfile, drone.PidfileArchive)
	if err != nil {
		return nil, err
	}
	t := &archiveResultsTask{&selfThrottledTask{
		postJobTask: pjt,
		running:     &d.archiveRunning,
		max:         d.config.MaxTransferProcesses,
	}}
	t.impl = t
	return t, nil
}

func (t *archiveResultsTask) commandLine(ctx context.Context) ([]string, error) {
	args := append([]string(nil), t.d.autoservCmd...)
	return append(args, "-p", "--pidfile-label="+t.pidfileLabel(), "-r", t.resultsDir(),
		"--use-existing-results", "--control-filename=control.archive", t.d.config.ArchiveControl), nil
}

func (t *archiveResultsTask) prolog(ctx context.Context) error {
	err := t.checkQueueEntryStatuses(ctx, t.qeIDs, []autotest.QueueEntryStatus{autotest.QueueEntryArchiving}, nil)
	if err != nil {
		return err
	}
	return t.selfThrottledTask.prolog(ctx)
}

func (t *archiveResultsTask) epilog(ctx context.Context) error {
	if err := t.selfThrottledTask.epilog(ctx); err != nil {
		return err
	}
	if !t.success && t.autoservMon.hasProcess() {
		exit := "unknown"
		if t.mon != nil {
			if code := t.mon.exitCode(); code != nil {
				exit = fmt.Sprint(*code)
			}
		}
		p := t.autoservMon.getProcess()
		t.d.pm.WriteLinesToFile(path.Join(t.workingDirectory(), archivingFailedFile),
			[]string{"Archiving failed with exit code " + exit}, &p)
	}
	status, err := t.finalStatus(ctx)
	if err != nil {
		return err
	}
	return t.setAllStatuses(ctx, status)
}
