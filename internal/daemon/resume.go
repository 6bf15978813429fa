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

package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/pkg/engine"
)

// resumeWorker periodically scans for expired suspensions and resumes the
// runs waiting on them. Timer and datetime waits come back this way, as do
// timed-out webhooks, approvals, and condition re-polls.
type resumeWorker struct {
	eng      *engine.Engine
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func newResumeWorker(eng *engine.Engine, interval time.Duration, logger *slog.Logger) *resumeWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &resumeWorker{
		eng:      eng,
		interval: interval,
		logger:   log.WithComponent(logger, "resume"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the poll loop.
func (w *resumeWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop halts the poll loop and waits for it to exit.
func (w *resumeWorker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

func (w *resumeWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			w.poll(ctx, now.UTC())
		}
	}
}

// poll resumes every suspension whose deadline has passed. Each resume runs
// the remainder of its workflow synchronously; failures are logged and do
// not stop the sweep.
func (w *resumeWorker) poll(ctx context.Context, now time.Time) {
	due, err := w.eng.Suspensions().Due(ctx, now)
	if err != nil {
		w.logger.Error("suspension scan failed", log.Error(err))
		return
	}

	for _, d := range due {
		run, err := w.eng.ResumeExpired(ctx, d)
		if err != nil {
			w.logger.Error("expired resume failed",
				slog.String("suspension_id", d.Suspension.ID),
				slog.String(log.RunIDKey, d.Suspension.RunID),
				log.Error(err))
			continue
		}
		w.logger.Info("suspension resumed",
			slog.String("suspension_id", d.Suspension.ID),
			slog.String(log.RunIDKey, run.ID),
			slog.String("status", string(run.Status)))
	}
}
