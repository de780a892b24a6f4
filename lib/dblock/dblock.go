// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dblock provides cluster-wide locks backed by postgres
// advisory locks.
package dblock

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/autotest/scheduler/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
)

var (
	// Lock keys have explicit values so they do not get renumbered
	// when a key is added or removed.
	Dispatch   = &DBLocker{key: 20001} // a dispatcher is running
	retryDelay = 5 * time.Second
)

// DBLocker uses pg_advisory_lock to make sure only one scheduler
// process drives the database at a time.
type DBLocker struct {
	key   int
	mtx   sync.Mutex
	ctx   context.Context
	getdb func(context.Context) (*sqlx.DB, error)
	conn  *sql.Conn // != nil if advisory lock has been acquired
}

// Lock acquires the advisory lock, waiting/reconnecting if needed.
//
// Returns false if ctx is canceled before the lock is acquired.
func (dbl *DBLocker) Lock(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error)) bool {
	logger := ctxlog.FromContext(ctx).WithField("LockID", dbl.key)
	var lastHeldBy string
	for ; ; time.Sleep(retryDelay) {
		dbl.mtx.Lock()
		if dbl.conn != nil {
			// Another goroutine holds this lock. Wait for
			// it to be released.
			dbl.mtx.Unlock()
			continue
		}
		if ctx.Err() != nil {
			dbl.mtx.Unlock()
			return false
		}
		conn, err := dbl.connect(ctx, getdb)
		if err == context.Canceled {
			dbl.mtx.Unlock()
			return false
		} else if err != nil {
			logger.WithError(err).Info("error connecting to database")
			dbl.mtx.Unlock()
			continue
		}
		var locked bool
		err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, dbl.key).Scan(&locked)
		if err == context.Canceled {
			conn.Close()
			dbl.mtx.Unlock()
			return false
		} else if err != nil {
			logger.WithError(err).Info("error getting pg_try_advisory_lock")
			conn.Close()
			dbl.mtx.Unlock()
			continue
		}
		if !locked {
			if heldBy, err := dbl.holder(ctx, conn); err != nil {
				logger.WithError(err).Info("error getting other client info")
			} else if heldBy != lastHeldBy {
				logger.WithField("DBClient", heldBy).Info("waiting for other scheduler to release lock")
				lastHeldBy = heldBy
			}
			conn.Close()
			dbl.mtx.Unlock()
			continue
		}
		logger.Debug("acquired pg_advisory_lock")
		dbl.ctx, dbl.getdb, dbl.conn = ctx, getdb, conn
		dbl.mtx.Unlock()
		return true
	}
}

func (dbl *DBLocker) connect(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error)) (*sql.Conn, error) {
	db, err := getdb(ctx)
	if err != nil {
		return nil, err
	}
	return db.Conn(ctx)
}

// holder returns the address of the database client holding the
// lock.
func (dbl *DBLocker) holder(ctx context.Context, conn *sql.Conn) (string, error) {
	var host sql.NullString
	var port sql.NullInt64
	err := conn.QueryRowContext(ctx, `SELECT client_addr, client_port FROM pg_stat_activity WHERE pid IN
		(SELECT pid FROM pg_locks
		 WHERE locktype = $1 AND objid = $2)`, "advisory", dbl.key).Scan(&host, &port)
	if err != nil {
		return "", err
	}
	if !host.Valid {
		// unix socket
		return fmt.Sprintf("local:%d", port.Int64), nil
	}
	return net.JoinHostPort(host.String, fmt.Sprintf("%d", port.Int64)), nil
}

// Check confirms that the lock is still active (i.e., the session is
// still alive), and re-acquires if needed. Panics if Lock is not
// acquired first.
//
// Returns false if the context passed to Lock() is canceled before
// the lock is confirmed or reacquired.
func (dbl *DBLocker) Check() bool {
	dbl.mtx.Lock()
	err := dbl.conn.PingContext(dbl.ctx)
	if err == context.Canceled {
		dbl.mtx.Unlock()
		return false
	} else if err == nil {
		ctxlog.FromContext(dbl.ctx).WithField("LockID", dbl.key).Debug("connection still alive")
		dbl.mtx.Unlock()
		return true
	}
	ctxlog.FromContext(dbl.ctx).WithError(err).Info("database connection ping failed")
	dbl.conn.Close()
	dbl.conn = nil
	ctx, getdb := dbl.ctx, dbl.getdb
	dbl.mtx.Unlock()
	return dbl.Lock(ctx, getdb)
}

func (dbl *DBLocker) Unlock() {
	dbl.mtx.Lock()
	defer dbl.mtx.Unlock()
	if dbl.conn != nil {
		_, err := dbl.conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, dbl.key)
		if err != nil {
			ctxlog.FromContext(dbl.ctx).WithError(err).WithField("LockID", dbl.key).Info("error releasing pg_advisory_lock")
		} else {
			ctxlog.FromContext(dbl.ctx).WithField("LockID", dbl.key).Debug("released pg_advisory_lock")
		}
		dbl.conn.Close()
		dbl.conn = nil
	}
}
