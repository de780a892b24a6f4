// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package drone

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/sirupsen/logrus"
)

// Drone results directories hold scratch files here.
const temporaryDirectory = "drone_tmp"

const transferFailedFile = ".transfer_failed"

// Processes started by the scheduler carry this variable so they can
// be told apart from processes started by someone else.
const darkMarkEnvVar = "AUTOTEST_SCHEDULER_DARK_MARK"

// An Executor runs a shell command on a drone.
type Executor interface {
	Execute(env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)
	Close()
}

// A Drone is a host that runs scheduler processes.
type Drone struct {
	Hostname string
	Config   autotest.DroneConfig

	exr             Executor
	logger          logrus.FieldLogger
	activeProcesses int
	calls           []droneCall
	throttle        throttle

	// Results of the last successful refresh, reused while the
	// drone is unreachable.
	lastRefresh *refreshResult
}

func newDrone(hostname string, dc autotest.DroneConfig, exr Executor, logger logrus.FieldLogger) *Drone {
	return &Drone{
		Hostname: hostname,
		Config:   dc,
		exr:      exr,
		logger:   logger.WithField("Drone", hostname),
	}
}

func (d *Drone) enabled() bool {
	return !d.Config.Disabled
}

// usedCapacity returns the fraction of capacity in use and the
// negated capacity, so a 0/10 drone sorts before a 0/2 drone.
func (d *Drone) usedCapacity() (float64, int) {
	if d.Config.MaxProcesses == 0 {
		return 1, 0
	}
	return float64(d.activeProcesses) / float64(d.Config.MaxProcesses), -d.Config.MaxProcesses
}

func lessLoaded(a, b *Drone) bool {
	fa, ma := a.usedCapacity()
	fb, mb := b.usedCapacity()
	if fa != fb {
		return fa < fb
	}
	return ma < mb
}

func (d *Drone) queueCall(call droneCall) {
	d.calls = append(d.calls, call)
}

func (d *Drone) clearCallQueue() {
	d.calls = nil
}

// executeQueuedCalls runs all queued calls in order, and returns
// one warning per failed call.
func (d *Drone) executeQueuedCalls(ctx context.Context) []string {
	calls := d.calls
	d.calls = nil
	var warnings []string
	t0 := time.Now()
	for _, call := range calls {
		if ctx.Err() != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %s", call, ctx.Err()))
			continue
		}
		if err := call.run(d); err != nil {
			d.logger.WithError(err).WithField("Call", call.String()).Warn("drone call failed")
			warnings = append(warnings, fmt.Sprintf("%s: %s", call, err))
		}
	}
	if dur := time.Since(t0); dur > time.Minute {
		warnings = append(warnings, fmt.Sprintf("execution of %d calls took %s", len(calls), dur))
	}
	return warnings
}

func (d *Drone) run(script string, stdin io.Reader) ([]byte, error) {
	stdout, stderr, err := d.exr.Execute(nil, script, stdin)
	if err != nil {
		if len(stderr) > 0 {
			err = fmt.Errorf("%w (stderr: %q)", err, bytes.TrimSpace(stderr))
		}
		return stdout, err
	}
	return stdout, nil
}

// A droneCall is an operation queued for execution at the end of a
// scheduler tick.
type droneCall interface {
	run(*Drone) error
	String() string
}

type initializeCall struct {
	ResultsDir string
}

func (c initializeCall) run(d *Drone) error {
	tmp := shellQuote(path.Join(c.ResultsDir, temporaryDirectory))
	_, err := d.run("rm -rf "+tmp+" && mkdir -p "+tmp, nil)
	return err
}

func (c initializeCall) String() string {
	return fmt.Sprintf("initialize(%q)", c.ResultsDir)
}

type executeCall struct {
	Command          []string
	WorkingDirectory string
	LogFile          string
	PidfileName      string
}

func (c executeCall) run(d *Drone) error {
	var quoted []string
	for _, arg := range c.Command {
		quoted = append(quoted, shellQuote(arg))
	}
	cmdline := strings.Join(quoted, " ")
	wd := shellQuote(c.WorkingDirectory)
	pidfile := shellQuote(path.Join(c.WorkingDirectory, c.PidfileName))
	log := "/dev/null"
	var script bytes.Buffer
	fmt.Fprintf(&script, "set -e\nexport %s=%d\n", darkMarkEnvVar, os.Getpid())
	if d.Config.InstallDir != "" {
		fmt.Fprintf(&script, "export PATH=%s:\"$PATH\"\n", shellQuote(path.Join(d.Config.InstallDir, "bin")))
	}
	fmt.Fprintf(&script, "mkdir -p %s\n", wd)
	fmt.Fprintf(&script, "if [ -e %s ]; then echo \"pidfile %s already exists\" >&2; rm -f %s; fi\n", pidfile, c.PidfileName, pidfile)
	if c.LogFile != "" {
		log = shellQuote(c.LogFile)
		sep := strings.Repeat("*", 80)
		fmt.Fprintf(&script, "mkdir -p %s\n", shellQuote(path.Dir(c.LogFile)))
		fmt.Fprintf(&script, "{ echo; echo %s; echo \"$(date '+%%X %%x')> \"%s; echo %s; } >>%s\n", sep, shellQuote(cmdline), sep, log)
	}
	fmt.Fprintf(&script, "setsid %s >>%s 2>&1 </dev/null &\n", cmdline, log)
	_, err := d.run(script.String(), nil)
	return err
}

func (c executeCall) String() string {
	return fmt.Sprintf("execute_command(%q, %q)", c.Command, c.WorkingDirectory)
}

type killCall struct {
	Pid int
}

func (c killCall) run(d *Drone) error {
	_, err := d.run(fmt.Sprintf("if [ -d /proc/%d ]; then kill -CONT %d; kill -TERM %d; fi", c.Pid, c.Pid, c.Pid), nil)
	return err
}

func (c killCall) String() string {
	return fmt.Sprintf("kill_process(%d)", c.Pid)
}

type writeFileCall struct {
	Path     string
	Contents string
}

func (c writeFileCall) run(d *Drone) error {
	_, err := d.run(fmt.Sprintf("mkdir -p %s && cat >>%s", shellQuote(path.Dir(c.Path)), shellQuote(c.Path)), strings.NewReader(c.Contents))
	return err
}

func (c writeFileCall) String() string {
	return fmt.Sprintf("write_to_file(%q)", c.Path)
}

// copyCall copies a file or directory. If Source ends with "/" the
// directory's contents are copied into Destination.
type copyCall struct {
	Source      string
	Destination string
}

func (c copyCall) run(d *Drone) error {
	if strings.TrimRight(c.Source, "/") == strings.TrimRight(c.Destination, "/") {
		return nil
	}
	src, dst := shellQuote(c.Source), shellQuote(c.Destination)
	var script string
	if strings.HasSuffix(c.Source, "/") {
		script = fmt.Sprintf("mkdir -p %s && cp -a %s. %s/", dst, src, dst)
	} else {
		script = fmt.Sprintf("mkdir -p %s && cp -a %s %s", shellQuote(path.Dir(c.Destination)), src, dst)
	}
	_, err := d.run(script, nil)
	return err
}

func (c copyCall) String() string {
	return fmt.Sprintf("copy_file_or_directory(%q, %q)", c.Source, c.Destination)
}

// sendFileCall copies a file or directory from the queueing drone to
// another drone by piping a tar stream between the two executors.
type sendFileCall struct {
	To          *Drone
	Source      string
	Destination string
	CanFail     bool
}

func (c sendFileCall) run(d *Drone) error {
	err := c.transfer(d)
	if err == nil || !c.CanFail {
		return err
	}
	d.logger.WithError(err).WithField("Source", c.Source).Warn("transfer failed")
	msg := fmt.Sprintf("%s:%s\n%s\n%s\n", c.To.Hostname, c.Destination, time.Now().Format(time.RFC3339), err)
	src := shellQuote(c.Source)
	script := fmt.Sprintf("if [ -d %s ]; then cat >%s; else cp -a %s %s; fi",
		src, shellQuote(path.Join(c.Source, transferFailedFile)),
		src, shellQuote(c.Source+transferFailedFile))
	_, err = d.run(script, strings.NewReader(msg))
	return err
}

func (c sendFileCall) transfer(d *Drone) error {
	src, dst := shellQuote(c.Source), shellQuote(c.Destination)
	_, err := d.run("test -d "+src, nil)
	isDir := err == nil
	var tarball []byte
	if isDir {
		tarball, err = d.run(fmt.Sprintf("tar -C %s -cf - .", src), nil)
	} else {
		tarball, err = d.run(fmt.Sprintf("tar -C %s -cf - %s", shellQuote(path.Dir(c.Source)), shellQuote(path.Base(c.Source))), nil)
	}
	if err != nil {
		return fmt.Errorf("reading %s from %s: %w", c.Source, d.Hostname, err)
	}
	var script string
	if isDir {
		script = fmt.Sprintf("mkdir -p %s && tar -C %s -xf -", dst, dst)
	} else {
		script = fmt.Sprintf("mkdir -p %s && tar -xOf - >%s", shellQuote(path.Dir(c.Destination)), dst)
	}
	_, err = c.To.run(script, bytes.NewReader(tarball))
	if err != nil {
		return fmt.Errorf("writing %s to %s: %w", c.Destination, c.To.Hostname, err)
	}
	return nil
}

func (c sendFileCall) String() string {
	return fmt.Sprintf("send_file_to(%s, %q, %q)", c.To.Hostname, c.Source, c.Destination)
}

// psInfo is one line of ps output.
type psInfo struct {
	pid, pgid, ppid int
	comm            string
}

type refreshResult struct {
	pidfiles           map[string]string
	pidfilesSecondRead map[string]string
	processes          []psInfo
}

const refreshScript = `dump() {
  tag=$1; shift
  for p in "$@"; do
    if [ -f "$p" ]; then echo "#$tag $p"; cat "$p"; echo; fi
  done
}
dump pidfile "$@"
echo "#ps"
ps x -o pid= -o pgid= -o ppid= -o comm=
dump second "$@"
`

// refresh reads the given pidfiles and lists running processes. The
// pidfiles are read twice: before and after the process list.
func (d *Drone) refresh(pidfilePaths []string) (*refreshResult, error) {
	args := []string{"sh", "-c", refreshScript, "refresh"}
	args = append(args, pidfilePaths...)
	var quoted []string
	for _, arg := range args {
		quoted = append(quoted, shellQuote(arg))
	}
	out, err := d.run(strings.Join(quoted, " "), nil)
	if err != nil {
		return nil, err
	}
	return parseRefreshOutput(out)
}

func parseRefreshOutput(out []byte) (*refreshResult, error) {
	res := &refreshResult{
		pidfiles:           map[string]string{},
		pidfilesSecondRead: map[string]string{},
	}
	var section, current string
	var buf strings.Builder
	flush := func() {
		if current == "" {
			return
		}
		data := strings.TrimRight(buf.String(), "\n")
		if data != "" {
			data += "\n"
		}
		if section == "pidfile" {
			res.pidfiles[current] = data
		} else {
			res.pidfilesSecondRead[current] = data
		}
		current = ""
		buf.Reset()
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "#pidfile "):
			flush()
			section, current = "pidfile", line[len("#pidfile "):]
		case strings.HasPrefix(line, "#second "):
			flush()
			section, current = "second", line[len("#second "):]
		case line == "#ps":
			flush()
			section = "ps"
		case section == "ps":
			fields := strings.Fields(line)
			if len(fields) < 4 {
				continue
			}
			var info psInfo
			var err error
			for i, dst := range []*int{&info.pid, &info.pgid, &info.ppid} {
				*dst, err = strconv.Atoi(fields[i])
				if err != nil {
					return nil, fmt.Errorf("parsing ps output %q: %w", line, err)
				}
			}
			info.comm = fields[3]
			res.processes = append(res.processes, info)
		case current != "":
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()
	return res, scanner.Err()
}

// shellQuote returns s quoted for use as a single sh word.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}
