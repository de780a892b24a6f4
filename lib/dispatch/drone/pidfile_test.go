// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package drone

import (
	"encoding/json"
	"os/exec"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PidfileSuite{})

type PidfileSuite struct{}

func (s *PidfileSuite) TestParsePidfile(c *check.C) {
	pc := parsePidfile("h", "")
	c.Check(pc, check.DeepEquals, PidfileContents{})
	c.Check(pc.IsRunning(), check.Equals, false)
	c.Check(pc.IsInvalid(), check.Equals, false)

	pc = parsePidfile("h", "123\n")
	c.Check(*pc.Process, check.Equals, Process{Hostname: "h", Pid: 123})
	c.Check(pc.IsRunning(), check.Equals, true)

	// exit status written, failure count not yet
	pc = parsePidfile("h", "123\n1\n")
	c.Check(pc.IsRunning(), check.Equals, true)
	c.Check(pc.ExitStatus, check.IsNil)

	pc = parsePidfile("h", "123\n9\n4\n")
	c.Check(pc.IsRunning(), check.Equals, false)
	c.Check(*pc.ExitStatus, check.Equals, 9)
	c.Check(*pc.NumTestsFailed, check.Equals, 4)

	for _, raw := range []string{"abc\n", "123\nx\n0\n", "1\n2\n3\n4\n"} {
		pc = parsePidfile("h", raw)
		c.Check(pc.IsInvalid(), check.Equals, true, check.Commentf("%q", raw))
		c.Check(pc.IsRunning(), check.Equals, false)
		c.Check(pc.Process, check.IsNil)
	}
}

func (s *PidfileSuite) TestPidfileType(c *check.C) {
	buf, err := json.Marshal(map[string]PidfileType{"t": PidfileGather})
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"t":"Gather"}`)

	var t PidfileType
	c.Check(t.UnmarshalText([]byte("Archive")), check.IsNil)
	c.Check(t, check.Equals, PidfileArchive)
	c.Check(t.UnmarshalText([]byte("bogus")), check.ErrorMatches, `unknown pidfile type "bogus"`)
}

func (s *PidfileSuite) TestPidfileID(c *check.C) {
	id := PidfileID{WorkingDirectory: "/results/1-me/host", Name: AutoservPidfile, Type: PidfileJob}
	c.Check(id.Key(), check.Equals, "/results/1-me/host/.autoserv_execute")
}

func (s *PidfileSuite) TestParseRefreshOutput(c *check.C) {
	res, err := parseRefreshOutput([]byte("#pidfile /a/b\n12\n\n#pidfile /c/d\n13\n0\n0\n\n#ps\n    1     1     0 init\n   12    12     1 autotest-remote\nbogus\n#second /a/b\n12\n0\n1\n\n"))
	c.Assert(err, check.IsNil)
	c.Check(res.pidfiles, check.DeepEquals, map[string]string{
		"/a/b": "12\n",
		"/c/d": "13\n0\n0\n",
	})
	c.Check(res.pidfilesSecondRead, check.DeepEquals, map[string]string{
		"/a/b": "12\n0\n1\n",
	})
	c.Check(res.processes, check.DeepEquals, []psInfo{
		{pid: 1, pgid: 1, ppid: 0, comm: "init"},
		{pid: 12, pgid: 12, ppid: 1, comm: "autotest-remote"},
	})

	// empty pidfile
	res, err = parseRefreshOutput([]byte("#pidfile /e\n\n#ps\n"))
	c.Assert(err, check.IsNil)
	c.Check(res.pidfiles, check.DeepEquals, map[string]string{"/e": ""})

	_, err = parseRefreshOutput([]byte("#ps\n  x  1  1 sh\n"))
	c.Check(err, check.ErrorMatches, `parsing ps output .*`)
}

func (s *PidfileSuite) TestShellQuote(c *check.C) {
	for _, trial := range []struct {
		in, out string
	}{
		{"", "''"},
		{"/plain/path-1.2", "/plain/path-1.2"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
	} {
		c.Check(shellQuote(trial.in), check.Equals, trial.out)
	}
	for _, in := range []string{"a b", "it's", `"$(false)"`, "x\ny", "*"} {
		out, err := exec.Command("sh", "-c", "printf %s "+shellQuote(in)).Output()
		c.Check(err, check.IsNil)
		c.Check(string(out), check.Equals, in)
	}
}
