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
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalCadence_AdvancesByInterval(t *testing.T) {
	c := IntervalCadence{Interval: 10 * time.Second}
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, last.Add(10*time.Second), c.NextTarget(last))
}

func TestCronCadence_EveryFiveMinutes(t *testing.T) {
	c, err := ParseCron("*/5 * * * *", time.UTC)
	require.NoError(t, err)
	last := time.Date(2026, 1, 1, 0, 2, 0, 0, time.UTC)
	next := c.NextTarget(last)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC), next)
}

func TestCronCadence_WeekdaysAt9(t *testing.T) {
	c, err := ParseCron("0 9 * * 1-5", time.UTC)
	require.NoError(t, err)
	// 2026-01-03 is a Saturday; next weekday 9am run is Monday 2026-01-05.
	last := time.Date(2026, 1, 3, 10, 0, 0, 0, time.UTC)
	next := c.NextTarget(last)
	assert.Equal(t, time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC), next)
}

func TestDriver_RunsTaskAtFireTime(t *testing.T) {
	var runs int32
	task := Task{
		Name:    "collect",
		Cadence: IntervalCadence{Interval: 10 * time.Millisecond},
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}
	d := NewDriver(task, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	d.Run(ctx, time.Now())

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&runs)), 2)
}

func TestDriver_AllowedPredicateSkipsRun(t *testing.T) {
	var runs int32
	task := Task{
		Name:    "collect",
		Cadence: IntervalCadence{Interval: 5 * time.Millisecond},
		Allowed: func(t time.Time) bool { return false },
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}
	d := NewDriver(task, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	d.Run(ctx, time.Now())

	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
}

func TestDriver_ReplaceInterruptsSleep(t *testing.T) {
	fired := make(chan string, 4)
	slow := Task{
		Name:    "slow",
		Cadence: IntervalCadence{Interval: time.Hour},
		Run: func(ctx context.Context) error {
			fired <- "slow"
			return nil
		},
	}
	d := NewDriver(slow, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	go d.Run(ctx, time.Now())

	time.Sleep(5 * time.Millisecond)
	d.Replace(Task{
		Name:    "fast",
		Cadence: IntervalCadence{Interval: 5 * time.Millisecond},
		Run: func(ctx context.Context) error {
			fired <- "fast"
			return nil
		},
	})

	select {
	case name := <-fired:
		assert.Equal(t, "fast", name)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("replaced task never fired")
	}
}
