// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package statuslog reads and writes the tab separated status log
// that jobs and the scheduler record into results directories.
package statuslog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// NoneValue is rendered in place of an empty subdir or
	// operation.
	NoneValue = "----"

	TimestampField = "timestamp"
	LocaltimeField = "localtime"

	localtimeLayout = "Jan 02 15:04:05"
)

var (
	badCharRegexp    = regexp.MustCompile(`[\t\n\r\v\f]`)
	statusCodeRegexp = regexp.MustCompile(`^(START|INFO|(END )?(TEST_NA|ABORT|ERROR|FAIL|WARN|GOOD|ALERT|RUNNING|NOSTATUS))$`)
)

// IsValidStatus reports whether code is an acceptable status code.
func IsValidStatus(code string) bool {
	return statusCodeRegexp.MatchString(code)
}

// Field is one key=value pair of a status line.
type Field struct {
	Key   string
	Value string
}

// Entry is a single status log record.
type Entry struct {
	StatusCode string
	Subdir     string
	Operation  string
	// Message is the first line of the message, the only part
	// that is parsed back.
	Message    string
	ExtraLines []string
	// Fields are in render order. NewEntry appends the timestamp
	// and localtime fields.
	Fields    []Field
	Timestamp time.Time
}

// NewEntry returns a validated entry. If timestamp is zero the
// current time is used. Any timestamp or localtime fields in fields
// are replaced.
func NewEntry(code, subdir, operation, message string, fields []Field, timestamp time.Time) (*Entry, error) {
	if !IsValidStatus(code) {
		return nil, fmt.Errorf("status code %q is not valid", code)
	}
	if badCharRegexp.MatchString(subdir) {
		return nil, fmt.Errorf("invalid character in subdir %q", subdir)
	}
	operation = strings.TrimRight(operation, " ")
	if badCharRegexp.MatchString(operation) {
		return nil, fmt.Errorf("invalid character in operation %q", operation)
	}
	lines := strings.Split(message, "\n")
	first := strings.Replace(lines[0], "\t", "        ", -1)
	if badCharRegexp.MatchString(first) {
		return nil, fmt.Errorf("invalid character in message %q", first)
	}
	e := &Entry{
		StatusCode: code,
		Subdir:     subdir,
		Operation:  operation,
		Message:    first,
		ExtraLines: lines[1:],
	}
	for _, f := range fields {
		if f.Key == TimestampField || f.Key == LocaltimeField {
			continue
		}
		if badCharRegexp.MatchString(f.Key+f.Value) || strings.Contains(f.Key, "=") {
			return nil, fmt.Errorf("invalid character in %q=%q field", f.Key, f.Value)
		}
		e.Fields = append(e.Fields, f)
	}
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	e.Timestamp = time.Unix(timestamp.Unix(), 0)
	e.Fields = append(e.Fields,
		Field{TimestampField, strconv.FormatInt(e.Timestamp.Unix(), 10)},
		Field{LocaltimeField, e.Timestamp.Local().Format(localtimeLayout)})
	return e, nil
}

// Field returns the value of the named field, and whether it is
// present.
func (e *Entry) Field(key string) (string, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

func (e *Entry) IsStart() bool {
	return e.StatusCode == "START"
}

func (e *Entry) IsEnd() bool {
	return strings.HasPrefix(e.StatusCode, "END ")
}

// Render returns the entry as status log text, without indentation
// or a trailing newline.
func (e *Entry) Render() string {
	return e.render("")
}

func (e *Entry) render(indent string) string {
	subdir, operation := e.Subdir, e.Operation
	if subdir == "" {
		subdir = NoneValue
	}
	if operation == "" {
		operation = NoneValue
	}
	items := []string{e.StatusCode, subdir, operation}
	for _, f := range e.Fields {
		items = append(items, f.Key+"="+f.Value)
	}
	items = append(items, e.Message)
	out := indent + strings.Join(items, "\t")
	for _, line := range e.ExtraLines {
		out += "\n" + indent + "  " + line
	}
	return out
}

// Parse is the inverse of Render. It returns nil, nil for a
// continuation line of a multi-line message.
func Parse(line string) (*Entry, error) {
	line = strings.TrimLeft(line, "\t")
	if strings.HasPrefix(line, "  ") {
		return nil, nil
	}
	parts := strings.Split(line, "\t")
	if len(parts) < 4 {
		return nil, fmt.Errorf("%q is not a valid status line", line)
	}
	code, subdir, operation := parts[0], parts[1], parts[2]
	if subdir == NoneValue {
		subdir = ""
	}
	if operation == NoneValue {
		operation = ""
	}
	var fields []Field
	var timestamp time.Time
	for _, part := range parts[3 : len(parts)-1] {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%q is not a key=value field", part)
		}
		if kv[0] == TimestampField {
			secs, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad timestamp %q: %w", kv[1], err)
			}
			timestamp = time.Unix(secs, 0)
		}
		fields = append(fields, Field{kv[0], kv[1]})
	}
	return NewEntry(code, subdir, operation, parts[len(parts)-1], fields, timestamp)
}
