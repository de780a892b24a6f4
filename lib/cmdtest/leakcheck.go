// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest helps test subcommands that must write only to
// the stdout and stderr they are given.
package cmdtest

import (
	"os"
	"path/filepath"

	check "gopkg.in/check.v1"
)

// LeakCheck points os.Stdout and os.Stderr at files in a temporary
// directory. The returned func restores them and fails c if
// anything was written there.
//
//	defer cmdtest.LeakCheck(c)()
func LeakCheck(c *check.C) func() {
	dir := c.MkDir()
	saved := [2]*os.File{os.Stdout, os.Stderr}
	var captured [2]*os.File
	for i, name := range []string{"stdout", "stderr"} {
		f, err := os.Create(filepath.Join(dir, name))
		c.Assert(err, check.IsNil)
		captured[i] = f
	}
	os.Stdout, os.Stderr = captured[0], captured[1]
	return func() {
		os.Stdout, os.Stderr = saved[0], saved[1]
		for _, f := range captured {
			f.Close()
			leaked, err := os.ReadFile(f.Name())
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to %s", filepath.Base(f.Name())))
		}
	}
}
