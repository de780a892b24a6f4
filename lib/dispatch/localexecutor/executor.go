// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package localexecutor runs drone commands on the scheduler host
// itself.
package localexecutor

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// An Executor runs shell commands with "sh -c". Its method set
// matches sshexecutor.Executor.
type Executor struct {
	// Commands still running after Timeout are killed, along
	// with their process group. Zero means no limit.
	Timeout time.Duration

	// Shell defaults to /bin/sh.
	Shell string
}

// New returns an Executor with the given timeout.
func New(timeout time.Duration) *Executor {
	return &Executor{Timeout: timeout}
}

// Execute runs cmd and returns its output. A non-zero exit status
// is returned as an *exec.ExitError.
func (exr *Executor) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	shell := exr.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	proc := exec.Command(shell, "-c", cmd)
	proc.Env = os.Environ()
	for k, v := range env {
		proc.Env = append(proc.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	proc.Stdin = stdin
	proc.Stdout = &stdout
	proc.Stderr = &stderr
	// Own process group, so a timeout kills the children too.
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	err := proc.Start()
	if err != nil {
		return nil, nil, err
	}
	var timer *time.Timer
	timedOut := make(chan bool, 1)
	if exr.Timeout > 0 {
		timer = time.AfterFunc(exr.Timeout, func() {
			timedOut <- true
			unix.Kill(-proc.Process.Pid, unix.SIGKILL)
		})
	}
	err = proc.Wait()
	if timer != nil {
		timer.Stop()
	}
	select {
	case <-timedOut:
		err = fmt.Errorf("command timed out after %s", exr.Timeout)
	default:
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// Close is a no-op.
func (exr *Executor) Close() {}
