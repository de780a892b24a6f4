// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package drone

import (
	"sync"
	"time"
)

// throttle remembers an error until a holdoff period expires.
type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

func (thr *throttle) ErrorUntil(err error, until time.Time) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
}

// Error returns the last error passed to ErrorUntil, or nil if its
// holdoff period has expired.
func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}

func (thr *throttle) Until() time.Time {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	return thr.until
}
