// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package autotesttest holds helpers for tests that need external
// services.
package autotesttest

import (
	"os"

	"github.com/jmoiron/sqlx"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
	"gopkg.in/check.v1"
)

// DBEnv names the environment variable holding the connection
// string of a scratch test database.
const DBEnv = "AUTOTEST_TEST_DB"

// DB returns a connection to the test database, or skips the
// calling test if none is configured.
func DB(c *check.C) *sqlx.DB {
	dsn := os.Getenv(DBEnv)
	if dsn == "" {
		c.Skip(DBEnv + " not set")
	}
	db, err := sqlx.Open("postgres", dsn)
	c.Assert(err, check.IsNil)
	c.Assert(db.Ping(), check.IsNil)
	return db
}
