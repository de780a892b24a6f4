// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package statuslog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Indenter tracks the nesting level of START/END blocks.
type Indenter interface {
	Indent() int
	Increment()
	Decrement()
}

// CountIndenter is an in-memory Indenter.
type CountIndenter struct {
	n int
}

func (ci *CountIndenter) Indent() int { return ci.n }
func (ci *CountIndenter) Increment()  { ci.n++ }
func (ci *CountIndenter) Decrement()  { ci.n-- }

// Logger appends entries to the status files of a results
// directory.
type Logger struct {
	ResultDir string
	Indenter  Indenter
	// GlobalFilename and SubdirFilename default to "status".
	GlobalFilename string
	SubdirFilename string
	// RecordHook, if not nil, is called with each entry before
	// it is written.
	RecordHook func(*Entry)

	mtx sync.Mutex
}

// RenderEntry returns the entry as it will be written, including
// indentation. END lines are written at the level of their START.
func (l *Logger) RenderEntry(e *Entry) string {
	indent := 0
	if l.Indenter != nil {
		indent = l.Indenter.Indent()
	}
	if e.IsEnd() {
		indent--
	}
	if indent < 0 {
		indent = 0
	}
	return strings.TrimRight(e.render(strings.Repeat("\t", indent)), "\n")
}

// RecordEntry writes the entry to the global status file and, if
// logInSubdir is true and the entry has a subdir, to the subdir's
// status file.
func (l *Logger) RecordEntry(e *Entry, logInSubdir bool) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.RecordHook != nil {
		l.RecordHook(e)
	}
	files := []string{filepath.Join(l.ResultDir, orDefault(l.GlobalFilename))}
	if logInSubdir && e.Subdir != "" {
		files = append(files, filepath.Join(l.ResultDir, e.Subdir, orDefault(l.SubdirFilename)))
	}
	text := l.RenderEntry(e) + "\n"
	for _, fnm := range files {
		if err := appendFile(fnm, text); err != nil {
			return err
		}
	}
	if l.Indenter != nil {
		if e.IsStart() {
			l.Indenter.Increment()
		} else if e.IsEnd() {
			l.Indenter.Decrement()
		}
	}
	return nil
}

// Record builds an entry and records it.
func (l *Logger) Record(code, subdir, operation, message string, fields ...Field) error {
	e, err := NewEntry(code, subdir, operation, message, fields, time.Time{})
	if err != nil {
		return err
	}
	return l.RecordEntry(e, true)
}

func orDefault(fnm string) string {
	if fnm == "" {
		return "status"
	}
	return fnm
}

func appendFile(fnm, text string) error {
	if err := os.MkdirAll(filepath.Dir(fnm), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(fnm, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	_, err = f.WriteString(text)
	if err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	return f.Close()
}
