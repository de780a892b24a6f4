// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobstate

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	clientNamespace = "client"
	stepsName       = "steps"
	groupLevelName  = "group_level"
	indentName      = "record_indent"
)

// Step is one pending continuation of a job: the name of a
// registered function and its serialized arguments. Ancestry lists
// the names of the steps that queued it.
type Step struct {
	Ancestry []string                   `json:"ancestry"`
	Function string                     `json:"function"`
	Args     []json.RawMessage          `json:"args,omitempty"`
	Kwargs   map[string]json.RawMessage `json:"kwargs,omitempty"`
}

// Steps returns the pending steps in execution order.
func (s *State) Steps() ([]Step, error) {
	var steps []Step
	err := s.GetDefault(clientNamespace, stepsName, &steps)
	return steps, err
}

func (s *State) setSteps(steps []Step) error {
	if steps == nil {
		steps = []Step{}
	}
	return s.Set(clientNamespace, stepsName, steps)
}

// AppendStep queues a step after all pending steps.
func (s *State) AppendStep(step Step) error {
	steps, err := s.Steps()
	if err != nil {
		return err
	}
	return s.setSteps(append(steps, step))
}

// PrependStep queues a step before all pending steps.
func (s *State) PrependStep(step Step) error {
	steps, err := s.Steps()
	if err != nil {
		return err
	}
	return s.setSteps(append([]Step{step}, steps...))
}

// PopStep removes and returns the first pending step. ok is false
// if there are none.
func (s *State) PopStep() (step Step, ok bool, err error) {
	steps, err := s.Steps()
	if err != nil || len(steps) == 0 {
		return Step{}, false, err
	}
	return steps[0], true, s.setSteps(steps[1:])
}

// GroupLevel returns the persisted step group nesting level.
func (s *State) GroupLevel() (int, error) {
	var level int
	err := s.GetDefault(clientNamespace, groupLevelName, &level)
	return level, err
}

func (s *State) SetGroupLevel(level int) error {
	return s.Set(clientNamespace, groupLevelName, level)
}

// StepFunc runs one step. It may queue further steps on st.
type StepFunc func(ctx context.Context, st *State, step Step) error

// Run pops and runs steps until none are left, ctx is cancelled, or
// a step fails. Each step is removed from the persisted list before
// it runs, so a step interrupted by a reboot is not repeated unless
// it queued itself again.
func (s *State) Run(ctx context.Context, funcs map[string]StepFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		step, ok, err := s.PopStep()
		if err != nil {
			return err
		} else if !ok {
			return nil
		}
		fn, ok := funcs[step.Function]
		if !ok {
			return fmt.Errorf("step function %q is not registered", step.Function)
		}
		s.logger().WithField("Step", step.Function).Debug("running step")
		if err := fn(ctx, s, step); err != nil {
			return fmt.Errorf("step %s: %w", step.Function, err)
		}
	}
}

// Indenter is a status log indenter whose level survives restarts.
type Indenter struct {
	state *State
}

func (s *State) Indenter() *Indenter {
	return &Indenter{state: s}
}

func (in *Indenter) Indent() int {
	var n int
	if err := in.state.GetDefault(clientNamespace, indentName, &n); err != nil {
		in.state.logger().WithError(err).Warn("error reading status indent")
	}
	return n
}

func (in *Indenter) Increment() { in.add(1) }
func (in *Indenter) Decrement() { in.add(-1) }

func (in *Indenter) add(delta int) {
	if err := in.state.Set(clientNamespace, indentName, in.Indent()+delta); err != nil {
		in.state.logger().WithError(err).Warn("error saving status indent")
	}
}
