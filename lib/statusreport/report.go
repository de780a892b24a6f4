// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package statusreport summarizes status logs written into job
// results directories.
package statusreport

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/autotest/scheduler/lib/cmd"
	"github.com/autotest/scheduler/sdk/go/jobstate"
	"github.com/autotest/scheduler/sdk/go/statuslog"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Summary is the result of reading one or more status logs.
type Summary struct {
	Entries  int
	Invalid  int
	Counts   map[string]int
	Unclosed []string
	// Result is the worst top-level END status, or "" if no group
	// was closed.
	Result string
	First  time.Time
	Last   time.Time
	// Steps still queued in the job's state file, if one was
	// given.
	PendingSteps []string `json:",omitempty"`
	GroupLevel   int      `json:",omitempty"`
}

// addJobState records the continuation steps a job left behind.
func (s *Summary) addJobState(path string, logger logrus.FieldLogger) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	st, err := jobstate.Open(path, logger)
	if err != nil {
		return err
	}
	steps, err := st.Steps()
	if err != nil {
		return err
	}
	for _, step := range steps {
		s.PendingSteps = append(s.PendingSteps, step.Function)
	}
	s.GroupLevel, err = st.GroupLevel()
	return err
}

// Order of severity for top-level results, best first.
var severity = []string{"GOOD", "WARN", "TEST_NA", "ALERT", "FAIL", "ERROR", "ABORT", "NOSTATUS", "RUNNING"}

func rank(code string) int {
	code = strings.TrimPrefix(code, "END ")
	for i, s := range severity {
		if s == code {
			return i
		}
	}
	return -1
}

// Summarize reads status lines from r. Lines that cannot be parsed
// are counted and logged.
func Summarize(r io.Reader, logger logrus.FieldLogger) (*Summary, error) {
	s := &Summary{Counts: map[string]int{}}
	var stack []string
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := statuslog.Parse(line)
		if err != nil {
			logger.WithField("line", lineno).Warn(err)
			s.Invalid++
			continue
		} else if e == nil {
			continue
		}
		s.Entries++
		s.Counts[e.StatusCode]++
		if s.First.IsZero() || e.Timestamp.Before(s.First) {
			s.First = e.Timestamp
		}
		if e.Timestamp.After(s.Last) {
			s.Last = e.Timestamp
		}
		switch {
		case e.IsStart():
			stack = append(stack, e.Operation)
		case e.IsEnd():
			if len(stack) == 0 {
				logger.WithField("line", lineno).Warnf("%s without matching START", e.StatusCode)
				continue
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 && rank(e.StatusCode) > rank(s.Result) {
				s.Result = strings.TrimPrefix(e.StatusCode, "END ")
			}
		}
	}
	s.Unclosed = stack
	return s, scanner.Err()
}

func (s *Summary) writeText(w io.Writer) {
	var codes []string
	for code := range s.Counts {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "%-12s %s\n", code, humanize.Comma(int64(s.Counts[code])))
	}
	if s.Invalid > 0 {
		fmt.Fprintf(w, "%-12s %s\n", "(invalid)", humanize.Comma(int64(s.Invalid)))
	}
	if !s.First.IsZero() {
		fmt.Fprintf(w, "elapsed: %s\n", s.Last.Sub(s.First))
	}
	for _, op := range s.Unclosed {
		fmt.Fprintf(w, "unclosed: %s\n", op)
	}
	for _, fn := range s.PendingSteps {
		fmt.Fprintf(w, "pending step: %s\n", fn)
	}
	result := s.Result
	if result == "" {
		result = "NOSTATUS"
	}
	fmt.Fprintf(w, "result: %s\n", result)
}

func report(prog string, args []string, logger *logrus.Logger, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), `
Usage:
  %s [options ...] [status-log ...]

  Summarize one or more status logs, reading stdin if no files are
  given. Prints the number of entries per status code and the worst
  top-level result.

  Exit status is 1 if any line could not be parsed, any START was
  never closed, or the job state file still has pending steps.

Options:
`, prog)
		flags.PrintDefaults()
	}
	jsonOutput := flags.Bool("json", false, "print summary as JSON")
	statePath := flags.String("state", "", "job state `file` to check for unfinished steps")
	loglevel := flags.String("log-level", "info", "logging level (debug, info, ...)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "[status-log ...]", stderr); !ok {
		return code
	}
	ctxlogLevel(logger, *loglevel)

	var readers []io.Reader
	if flags.NArg() == 0 {
		readers = append(readers, stdin)
	}
	for _, fnm := range flags.Args() {
		f, err := os.Open(fnm)
		if err != nil {
			logger.WithError(err).Error("open failed")
			return 1
		}
		defer f.Close()
		readers = append(readers, f)
	}
	summary, err := Summarize(io.MultiReader(readers...), logger)
	if err != nil {
		logger.WithError(err).Error("read failed")
		return 1
	}
	if *statePath != "" {
		if err := summary.addJobState(*statePath, logger); err != nil {
			logger.WithError(err).Error("reading job state failed")
			return 1
		}
	}
	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			logger.WithError(err).Error("encode failed")
			return 1
		}
	} else {
		summary.writeText(stdout)
	}
	if summary.Invalid > 0 || len(summary.Unclosed) > 0 || len(summary.PendingSteps) > 0 {
		return 1
	}
	return 0
}

func ctxlogLevel(logger *logrus.Logger, level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithError(err).Warn("ignoring invalid log level")
		return
	}
	logger.SetLevel(lvl)
}
