// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/autotest/scheduler/lib/cmd"
	"github.com/autotest/scheduler/lib/config"
	"github.com/autotest/scheduler/lib/dispatch"
	"github.com/autotest/scheduler/lib/statusreport"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"config-check":    config.CheckCommand,
		"config-defaults": config.DumpDefaultsCommand,
		"config-dump":     config.DumpCommand,
		"scheduler":       dispatch.Command,
		"status-report":   statusreport.Command,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
