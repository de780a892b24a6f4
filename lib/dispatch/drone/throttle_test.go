// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package drone

import (
	"errors"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ThrottleSuite{})

type ThrottleSuite struct{}

func (s *ThrottleSuite) TestThrottle(c *check.C) {
	errDrone := errors.New("drone unreachable")
	t0 := throttle{}
	c.Check(t0.Error(), check.IsNil)
	c.Check(t0.Error(), check.IsNil)
	c.Check(t0.Error(), check.IsNil)

	t0.ErrorUntil(errDrone, time.Now().Add(time.Second))
	c.Check(t0.Error(), check.Equals, errDrone)
	c.Check(t0.Error(), check.Equals, errDrone)

	time.Sleep(time.Second)
	c.Check(t0.Error(), check.IsNil)
}
