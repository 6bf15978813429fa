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

// Package scheduler provides cron-based workflow scheduling.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/cascade/internal/daemon/runner"
	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/pkg/engine"
)

// Submitter starts scheduled runs. Satisfied by *runner.Runner.
type Submitter interface {
	Submit(ctx context.Context, req runner.SubmitRequest) (*engine.Run, error)
	IsDraining() bool
}

// Schedule defines a cron-triggered workflow execution.
type Schedule struct {
	// Name is the unique identifier for this schedule
	Name string `yaml:"name" json:"name"`

	// Cron is the cron expression (standard 5-field format)
	Cron string `yaml:"cron" json:"cron"`

	// WorkflowID is the workflow to run
	WorkflowID string `yaml:"workflow" json:"workflow"`

	// Inputs are passed as the trigger payload
	Inputs map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Enabled indicates if the schedule is active
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Timezone for cron evaluation (defaults to UTC)
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	// computed fields
	cronExpr   *CronExpr
	nextRun    time.Time
	lastRun    *time.Time
	runCount   int64
	errorCount int64
}

// Scheduler fires scheduled workflow runs.
type Scheduler struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	submitter Submitter
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a scheduler with the given schedules.
func New(schedules []Schedule, submitter Submitter, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		schedules: make(map[string]*Schedule),
		submitter: submitter,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		logger:    log.WithComponent(logger, "scheduler"),
		now:       time.Now,
	}
	for _, sched := range schedules {
		if err := s.AddSchedule(sched); err != nil {
			return nil, fmt.Errorf("invalid schedule %s: %w", sched.Name, err)
		}
	}
	return s, nil
}

// AddSchedule parses and registers a schedule.
func (s *Scheduler) AddSchedule(sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expr, err := ParseCron(sched.Cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	sched.cronExpr = expr

	loc := time.UTC
	if sched.Timezone != "" {
		loc, err = time.LoadLocation(sched.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
	}
	sched.nextRun = expr.Next(s.now().In(loc))

	s.schedules[sched.Name] = &sched
	return nil
}

// RemoveSchedule removes a schedule.
func (s *Scheduler) RemoveSchedule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, name)
}

// SetEnabled enables or disables a schedule.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[name]
	if !ok {
		return fmt.Errorf("schedule not found: %s", name)
	}
	sched.Enabled = enabled
	return nil
}

// Start starts the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop stops the scheduler loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires schedules whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sched := range s.schedules {
		if !sched.Enabled || now.Before(sched.nextRun) {
			continue
		}

		go s.trigger(ctx, sched)

		loc := time.UTC
		if sched.Timezone != "" {
			if l, err := time.LoadLocation(sched.Timezone); err == nil {
				loc = l
			}
		}
		sched.nextRun = sched.cronExpr.Next(now.In(loc))
		sched.lastRun = &now
		sched.runCount++
	}
}

func (s *Scheduler) trigger(ctx context.Context, sched *Schedule) {
	schedLogger := s.logger.With(
		slog.String("schedule", sched.Name),
		slog.String(log.WorkflowKey, sched.WorkflowID))

	if s.submitter.IsDraining() {
		schedLogger.Info("skipping scheduled execution during graceful shutdown")
		return
	}

	payload := make(map[string]any, len(sched.Inputs)+2)
	for k, v := range sched.Inputs {
		payload[k] = v
	}
	payload["_scheduled"] = true
	payload["_scheduleName"] = sched.Name

	run, err := s.submitter.Submit(ctx, runner.SubmitRequest{
		WorkflowID: sched.WorkflowID,
		Trigger:    engine.Trigger{Type: "schedule", Payload: payload},
	})
	if err != nil {
		schedLogger.Error("failed to submit scheduled workflow", log.Error(err))
		s.mu.Lock()
		sched.errorCount++
		s.mu.Unlock()
		return
	}

	schedLogger.Info("scheduled workflow started", slog.String(log.RunIDKey, run.ID))
}

// ScheduleStatus is the externally visible state of one schedule.
type ScheduleStatus struct {
	Name       string     `json:"name"`
	Cron       string     `json:"cron"`
	WorkflowID string     `json:"workflow"`
	Enabled    bool       `json:"enabled"`
	NextRun    time.Time  `json:"next_run"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
}

// Status returns the status of all schedules.
func (s *Scheduler) Status() []ScheduleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ScheduleStatus, 0, len(s.schedules))
	for _, sched := range s.schedules {
		result = append(result, ScheduleStatus{
			Name:       sched.Name,
			Cron:       sched.Cron,
			WorkflowID: sched.WorkflowID,
			Enabled:    sched.Enabled,
			NextRun:    sched.nextRun,
			LastRun:    sched.lastRun,
			RunCount:   sched.runCount,
			ErrorCount: sched.errorCount,
		})
	}
	return result
}
