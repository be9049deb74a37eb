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

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/fleetbroker/internal/util"
)

// Cadence computes the next target fire time from the last one (spec.md
// §4.11: "schedule.next_target(last_fire)").
type Cadence interface {
	NextTarget(last time.Time) time.Time
}

// IntervalCadence fires a fixed duration after the previous target,
// drifting forward from wall-clock delays rather than accumulating skew
// against a fixed grid — the common case for a monitoring task's poll
// interval.
type IntervalCadence struct {
	Interval time.Duration
}

func (c IntervalCadence) NextTarget(last time.Time) time.Time {
	return last.Add(c.Interval)
}

// CronCadence fires at the next time matching a standard 5-field cron
// expression (minute hour day-of-month month day-of-week), for tasks
// tied to a wall-clock schedule rather than a fixed interval.
type CronCadence struct {
	minute     []int
	hour       []int
	dayOfMonth []int
	month      []int
	dayOfWeek  []int
	loc        *time.Location
}

// ParseCron parses a 5-field cron expression in the given location
// (time.UTC if loc is nil).
func ParseCron(expr string, loc *time.Location) (CronCadence, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch strings.ToLower(expr) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return CronCadence{}, fmt.Errorf("scheduler: cron expression %q must have 5 fields, got %d", expr, len(fields))
	}

	var c CronCadence
	c.loc = loc
	var err error
	if c.minute, err = parseCronField(fields[0], 0, 59); err != nil {
		return CronCadence{}, fmt.Errorf("scheduler: invalid minute field: %w", err)
	}
	if c.hour, err = parseCronField(fields[1], 0, 23); err != nil {
		return CronCadence{}, fmt.Errorf("scheduler: invalid hour field: %w", err)
	}
	if c.dayOfMonth, err = parseCronField(fields[2], 1, 31); err != nil {
		return CronCadence{}, fmt.Errorf("scheduler: invalid day-of-month field: %w", err)
	}
	if c.month, err = parseCronField(fields[3], 1, 12); err != nil {
		return CronCadence{}, fmt.Errorf("scheduler: invalid month field: %w", err)
	}
	if c.dayOfWeek, err = parseCronField(fields[4], 0, 6); err != nil {
		return CronCadence{}, fmt.Errorf("scheduler: invalid day-of-week field: %w", err)
	}
	return c, nil
}

func parseCronField(field string, min, max int) ([]int, error) {
	if field == "*" {
		result := make([]int, max-min+1)
		for i := range result {
			result[i] = min + i
		}
		return result, nil
	}

	var result []int
	for _, part := range strings.Split(field, ",") {
		values, err := parseCronFieldPart(part, min, max)
		if err != nil {
			return nil, err
		}
		result = append(result, values...)
	}
	return uniqueInts(result), nil
}

func parseCronFieldPart(part string, min, max int) ([]int, error) {
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		stepStr := part[idx+1:]
		var err error
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step %q", stepStr)
		}
		part = part[:idx]
	}

	var start, end int
	switch {
	case part == "*":
		start, end = min, max
	case strings.Contains(part, "-"):
		idx := strings.Index(part, "-")
		var err error
		if start, err = strconv.Atoi(part[:idx]); err != nil {
			return nil, fmt.Errorf("invalid range start %q", part[:idx])
		}
		if end, err = strconv.Atoi(part[idx+1:]); err != nil {
			return nil, fmt.Errorf("invalid range end %q", part[idx+1:])
		}
	default:
		var err error
		if start, err = strconv.Atoi(part); err != nil {
			return nil, fmt.Errorf("invalid value %q", part)
		}
		end = start
	}

	if start < min || start > max || end < min || end > max || start > end {
		return nil, fmt.Errorf("value out of range [%d-%d]: %q", min, max, part)
	}

	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}
	return result, nil
}

func uniqueInts(vals []int) []int {
	seen := make(map[int]bool, len(vals))
	out := make([]int, 0, len(vals))
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// NextTarget returns the first matching time strictly after last,
// searching up to 4 years ahead before giving up.
func (c CronCadence) NextTarget(last time.Time) time.Time {
	t := last.In(c.loc).Truncate(time.Minute).Add(time.Minute)
	deadline := last.Add(4 * 365 * 24 * time.Hour)

	for t.Before(deadline) {
		if !util.Contains(c.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, c.loc)
			continue
		}
		if !util.Contains(c.dayOfMonth, t.Day()) || !util.Contains(c.dayOfWeek, int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, c.loc)
			continue
		}
		if !util.Contains(c.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, c.loc)
			continue
		}
		if !util.Contains(c.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}
