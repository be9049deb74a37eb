// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler drives recurring monitoring-collection tasks on a
// drift-tolerant cadence with an allowed-time predicate, replanned without
// a restart when a task is replaced (spec.md §4.11).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AllowedTimeFunc reports whether a task may run at t, letting callers
// express maintenance windows or blackout periods independent of cadence.
type AllowedTimeFunc func(t time.Time) bool

// Task is one recurring unit of work: its cadence, an optional allowed-time
// gate, and the work itself.
type Task struct {
	Name    string
	Cadence Cadence
	Allowed AllowedTimeFunc
	Run     func(ctx context.Context) error
}

// hardCancelCap bounds how long Driver waits for an in-flight task to
// observe cancellation before abandoning it (spec.md §4.11).
const hardCancelCap = 60 * time.Second

// Driver runs one Task's fire loop: compute next = cadence.NextTarget(last),
// sleep until next, re-check Allowed, invoke Run. Replace interrupts the
// sleep via a watch channel so a newly assigned task takes effect
// immediately rather than waiting out the old one's remaining sleep.
type Driver struct {
	mu     sync.Mutex
	task   Task
	replan chan struct{}
	logger *slog.Logger
}

// NewDriver constructs a Driver for the given initial task.
func NewDriver(task Task, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		task:   task,
		replan: make(chan struct{}, 1),
		logger: logger.With(slog.String("component", "scheduler")),
	}
}

// Replace assigns a new task and interrupts the current sleep so planning
// restarts against the new cadence immediately (spec.md §4.11 "On task
// replacement, the sleep is interrupted via a watch channel and planning
// restarts").
func (d *Driver) Replace(task Task) {
	d.mu.Lock()
	d.task = task
	d.mu.Unlock()

	select {
	case d.replan <- struct{}{}:
	default:
	}
}

// Run drives the fire loop until ctx is cancelled, treating last as the
// anchor for the first NextTarget computation.
func (d *Driver) Run(ctx context.Context, last time.Time) {
	for {
		d.mu.Lock()
		task := d.task
		d.mu.Unlock()

		if task.Cadence == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.replan:
				continue
			}
		}

		next := task.Cadence.NextTarget(last)
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.replan:
			timer.Stop()
			continue
		case fired := <-timer.C:
			if task.Allowed != nil && !task.Allowed(fired) {
				d.logger.Debug("skipping run outside allowed window", slog.String("task", task.Name), slog.Time("at", fired))
			} else {
				d.runOnce(ctx, task, fired)
			}
			last = fired
		}
	}
}

func (d *Driver) runOnce(ctx context.Context, task Task, fired time.Time) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- task.Run(taskCtx) }()

	select {
	case err := <-done:
		if err != nil {
			d.logger.Error("task run failed", slog.String("task", task.Name), slog.Any("error", err))
		}
	case <-ctx.Done():
		cancel()
		select {
		case <-done:
		case <-time.After(hardCancelCap):
			d.logger.Warn("task did not observe cancellation within hard cap, abandoning", slog.String("task", task.Name), slog.Duration("cap", hardCancelCap))
		}
	}
}
