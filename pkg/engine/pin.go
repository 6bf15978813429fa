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

// Pin modes: when a stored output substitutes for execution.
const (
	// PinAlways serves the pin on every execution.
	PinAlways = "always"
	// PinOnError executes normally and serves the pin only as a fallback
	// after retries are exhausted.
	PinOnError = "on_error"
	// PinDevelopment serves the pin only when the run's env is "development".
	PinDevelopment = "development"
	// PinDisabled keeps the stored data but never serves it.
	PinDisabled = "disabled"
)

// PinManager stores and serves pinned node outputs. Pins are keyed by
// workflow and node, not by run, so every run of a workflow sees the same
// pinned value until it is updated or deleted.
type PinManager struct {
	store  Store
	logger *slog.Logger
}

// NewPinManager creates a manager backed by the given store.
func NewPinManager(store Store, logger *slog.Logger) *PinManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PinManager{store: store, logger: logger}
}

// Set stores or replaces a pin. Mode defaults to always.
func (p *PinManager) Set(ctx context.Context, workflowID, nodeID string, data any, mode string) error {
	switch mode {
	case "":
		mode = PinAlways
	case PinAlways, PinOnError, PinDevelopment, PinDisabled:
	default:
		return &errors.ValidationError{
			Field:      "pin.mode",
			Message:    "unknown pin mode " + mode,
			Suggestion: "use always, on_error, development, or disabled",
		}
	}
	return p.store.SavePinnedData(ctx, &PinnedData{
		WorkflowID: workflowID,
		NodeID:     nodeID,
		Data:       data,
		Mode:       mode,
		UpdatedAt:  time.Now().UTC(),
	})
}

// Delete removes a pin.
func (p *PinManager) Delete(ctx context.Context, workflowID, nodeID string) error {
	return p.store.DeletePinnedData(ctx, workflowID, nodeID)
}

// Lookup returns the pin for a node, or nil when none exists.
func (p *PinManager) Lookup(ctx context.Context, workflowID, nodeID string) (*PinnedData, error) {
	pin, err := p.store.GetPinnedData(ctx, workflowID, nodeID)
	if err != nil {
		var nf *errors.NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	return pin, nil
}

// ShortCircuit returns the pinned value to serve instead of executing the
// node, or ok=false to execute normally. env is the run's environment from
// global state.
func (p *PinManager) ShortCircuit(ctx context.Context, run *Run, nodeID string) (any, bool, error) {
	pin, err := p.Lookup(ctx, run.WorkflowID, nodeID)
	if err != nil || pin == nil {
		return nil, false, err
	}

	serve := false
	switch pin.Mode {
	case PinAlways:
		serve = true
	case PinDevelopment:
		env, _ := run.Global["env"].(string)
		serve = env == "development"
	}
	if !serve {
		return nil, false, nil
	}

	if err := p.markUsed(ctx, pin, run); err != nil {
		return nil, false, err
	}
	return pin.Data, true, nil
}

// ErrorFallback returns the pinned value to substitute for a failed node
// when the pin mode is on_error, or ok=false to let the failure stand.
func (p *PinManager) ErrorFallback(ctx context.Context, run *Run, nodeID string) (any, bool, error) {
	pin, err := p.Lookup(ctx, run.WorkflowID, nodeID)
	if err != nil || pin == nil {
		return nil, false, err
	}
	if pin.Mode != PinOnError {
		return nil, false, nil
	}
	if err := p.markUsed(ctx, pin, run); err != nil {
		return nil, false, err
	}
	return pin.Data, true, nil
}

func (p *PinManager) markUsed(ctx context.Context, pin *PinnedData, run *Run) error {
	pin.UsageCount++
	if err := p.store.SavePinnedData(ctx, pin); err != nil {
		return err
	}
	p.logger.Debug("served pinned output",
		"workflowId", pin.WorkflowID,
		"nodeId", pin.NodeID,
		"runId", run.ID,
		"mode", pin.Mode,
		"usageCount", pin.UsageCount)
	return nil
}
