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

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/cascade/pkg/errors"
)

// SuspensionManager persists suspensions and applies resume and timeout
// semantics. Resume is idempotent: the store's first-writer-wins resolution
// guarantees exactly one resumption per suspension.
type SuspensionManager struct {
	store  Store
	logger *slog.Logger
}

// NewSuspensionManager creates a manager backed by the given store.
func NewSuspensionManager(store Store, logger *slog.Logger) *SuspensionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SuspensionManager{store: store, logger: logger}
}

// Suspend persists the suspension and flips the run to suspended. The run
// snapshot must already reflect the wave to resume at.
func (m *SuspensionManager) Suspend(ctx context.Context, run *Run, s *Suspension) error {
	if err := m.store.CreateSuspension(ctx, s); err != nil {
		return err
	}

	run.Status = RunSuspended
	run.SuspensionID = s.ID
	ns := run.NodeState(s.NodeID)
	ns.Status = NodeSuspended

	if err := m.store.SaveRun(ctx, run); err != nil {
		return err
	}

	m.logger.Info("run suspended",
		"runId", run.ID,
		"nodeId", s.NodeID,
		"kind", string(s.Kind),
		"suspensionId", s.ID,
		"resumeAt", s.ResumeAt)
	return nil
}

// Resume resolves a suspension with an external payload. The token must
// match for webhook and approval kinds. Returns the resolved suspension;
// a second resume attempt fails with a ValidationError.
func (m *SuspensionManager) Resume(ctx context.Context, suspensionID, token string, payload map[string]any) (*Suspension, error) {
	s, err := m.store.GetSuspension(ctx, suspensionID)
	if err != nil {
		return nil, err
	}

	if (s.Kind == SuspendWebhook || s.Kind == SuspendApproval) && s.Token != "" && s.Token != token {
		m.logger.Warn("resume rejected: bad token",
			"suspensionId", suspensionID, "kind", string(s.Kind))
		return nil, &errors.ValidationError{
			Field:   "token",
			Message: "resume token does not match",
		}
	}

	resolved, err := m.store.ResolveSuspension(ctx, suspensionID, payload)
	if err != nil {
		return nil, err
	}

	m.logger.Info("suspension resolved",
		"suspensionId", suspensionID,
		"runId", resolved.RunID,
		"kind", string(resolved.Kind))
	return resolved, nil
}

// ResumeByPath resolves a webhook suspension addressed by its public path.
func (m *SuspensionManager) ResumeByPath(ctx context.Context, webhookPath, token string, payload map[string]any) (*Suspension, error) {
	s, err := m.store.GetSuspensionByPath(ctx, webhookPath)
	if err != nil {
		return nil, err
	}
	return m.Resume(ctx, s.ID, token, payload)
}

// Due returns suspensions whose deadline has passed, with the timeout
// payload each should resume with. Timer, datetime, and condition kinds
// resume normally; event kinds apply their OnTimeout action.
func (m *SuspensionManager) Due(ctx context.Context, now time.Time) ([]*DueSuspension, error) {
	pending, err := m.store.DueSuspensions(ctx, now)
	if err != nil {
		return nil, err
	}

	due := make([]*DueSuspension, 0, len(pending))
	for _, s := range pending {
		d := &DueSuspension{Suspension: s}
		switch s.Kind {
		case SuspendTimer, SuspendDateTime:
			d.Payload = map[string]any{"resumedAt": now.Format(time.RFC3339)}
		case SuspendCondition:
			// Condition polls re-evaluate without a payload.
		case SuspendWebhook, SuspendApproval, SuspendSubWorkflow:
			switch s.OnTimeout {
			case TimeoutContinue:
				d.Payload = map[string]any{"timedOut": true}
			case TimeoutDefault:
				d.Payload = s.DefaultPayload
				if d.Payload == nil {
					d.Payload = map[string]any{}
				}
			default:
				d.TimedOutFatal = true
			}
		}
		due = append(due, d)
	}
	return due, nil
}

// DueSuspension pairs an expired suspension with its resume disposition.
type DueSuspension struct {
	Suspension *Suspension

	// Payload is what the run resumes with, nil for condition re-polls
	Payload map[string]any

	// TimedOutFatal marks event suspensions whose timeout fails the run
	TimedOutFatal bool
}
