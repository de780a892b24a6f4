// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"fmt"
	"strings"

	"github.com/autotest/scheduler/lib/dispatch/drone"
	"github.com/autotest/scheduler/sdk/go/autotest"
	"github.com/google/shlex"
)

const niceLevel = 10

var protectionArgs = map[autotest.Protection]string{
	autotest.ProtectionNone:        "NO_PROTECTION",
	autotest.ProtectionDoNotVerify: "DO_NOT_VERIFY",
	autotest.ProtectionDoNotRepair: "DO_NOT_REPAIR",
}

// splitCommand splits a configured command line with shell quoting
// rules.
func splitCommand(name, cmdline string) ([]string, error) {
	args, err := shlex.Split(cmdline)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s is empty", name)
	}
	return args, nil
}

// autoservCommandLine returns the autoserv invocation for the given
// machines. If job is nil the owner and name arguments are omitted.
// profiles, if given, parallels machines.
func (d *Dispatcher) autoservCommandLine(machines, profiles, extraArgs []string, job *autotest.Job, verbose bool) []string {
	hosts := make([]string, len(machines))
	for i, m := range machines {
		hosts[i] = m
		if i < len(profiles) && profiles[i] != "" {
			hosts[i] = m + "#" + profiles[i]
		}
	}
	args := append([]string(nil), d.autoservCmd...)
	args = append(args, "-p", "-r", drone.WorkingDirectory)
	if len(hosts) > 0 {
		args = append(args, "-m", strings.Join(hosts, ","))
	}
	if job != nil {
		args = append(args, "-u", job.Owner, "-l", job.Name)
	}
	if verbose {
		args = append(args, "--verbose")
	}
	return append(args, extraArgs...)
}

// niceCommand prefixes a command so it runs at reduced priority.
func niceCommand(cmd []string) []string {
	return append([]string{"nice", "-n", fmt.Sprint(niceLevel)}, cmd...)
}
