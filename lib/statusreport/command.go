// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package statusreport

import (
	"io"

	"github.com/autotest/scheduler/sdk/go/ctxlog"
)

var Command command

type command struct{}

// RunCommand implements the subcommand "status-report [options] [file ...]"
func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	return report(prog, args, logger, stdin, stdout, stderr)
}
