// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"strings"
	"sync"
)

// Notification is a message received by Notifier.
type Notification struct {
	Subject string
	Body    string
}

// Notifier is a stub notification queue that remembers everything
// enqueued.
type Notifier struct {
	// FlushError, if not nil, is returned by Flush.
	FlushError error

	mtx     sync.Mutex
	queued  []Notification
	flushed []Notification
}

func (n *Notifier) Enqueue(subject, body string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.queued = append(n.queued, Notification{Subject: subject, Body: body})
}

func (n *Notifier) Flush(ctx context.Context) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.flushed = append(n.flushed, n.queued...)
	n.queued = nil
	return n.FlushError
}

// All returns the flushed and queued notifications, oldest first.
func (n *Notifier) All() []Notification {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append(append([]Notification(nil), n.flushed...), n.queued...)
}

// Count returns the number of notifications whose subject starts
// with the given prefix.
func (n *Notifier) Count(subjectPrefix string) int {
	count := 0
	for _, msg := range n.All() {
		if strings.HasPrefix(msg.Subject, subjectPrefix) {
			count++
		}
	}
	return count
}
