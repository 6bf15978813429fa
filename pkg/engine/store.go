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
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/tombee/cascade/pkg/errors"
)

// RunFilter narrows ListRuns results. Zero values match everything.
type RunFilter struct {
	WorkflowID string
	Status     RunStatus
	Limit      int
}

// PinnedData is a stored node output substituted for execution.
type PinnedData struct {
	WorkflowID string    `json:"workflowId"`
	NodeID     string    `json:"nodeId"`
	Data       any       `json:"data"`
	Mode       string    `json:"mode"`
	UsageCount int       `json:"usageCount"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store persists run state, suspensions, merge and loop state, pinned data,
// and cost records. Implementations must be safe for concurrent use; all
// mutations are whole-record writes keyed by id.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	CreateSuspension(ctx context.Context, s *Suspension) error
	GetSuspension(ctx context.Context, id string) (*Suspension, error)
	GetSuspensionByPath(ctx context.Context, webhookPath string) (*Suspension, error)
	// GetSuspensionByChild finds the unresolved subworkflow suspension
	// waiting on the given child run.
	GetSuspensionByChild(ctx context.Context, childRunID string) (*Suspension, error)
	// ResolveSuspension marks a suspension consumed with the given payload.
	// It fails with a ValidationError when already resolved.
	ResolveSuspension(ctx context.Context, id string, payload map[string]any) (*Suspension, error)
	// DueSuspensions returns unresolved suspensions whose ResumeAt has passed.
	DueSuspensions(ctx context.Context, now time.Time) ([]*Suspension, error)

	SaveMergeState(ctx context.Context, ms *MergeState) error
	GetMergeState(ctx context.Context, runID, nodeID string) (*MergeState, error)

	SaveLoopState(ctx context.Context, ls *LoopState) error
	GetLoopState(ctx context.Context, runID, nodeID string) (*LoopState, error)

	SavePinnedData(ctx context.Context, pin *PinnedData) error
	GetPinnedData(ctx context.Context, workflowID, nodeID string) (*PinnedData, error)
	DeletePinnedData(ctx context.Context, workflowID, nodeID string) error

	RecordCost(ctx context.Context, rec *CostRecord) error
	ListCosts(ctx context.Context, runID string) ([]*CostRecord, error)
}

// MemoryStore is an in-memory Store for tests and single-process embedding.
// Records are deep-copied across the boundary so callers never share state
// with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	runOrder    []string
	suspensions map[string]*Suspension
	merges      map[string]*MergeState
	loops       map[string]*LoopState
	pins        map[string]*PinnedData
	costs       map[string][]*CostRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*Run),
		suspensions: make(map[string]*Suspension),
		merges:      make(map[string]*MergeState),
		loops:       make(map[string]*LoopState),
		pins:        make(map[string]*PinnedData),
		costs:       make(map[string][]*CostRecord),
	}
}

func deepCopy[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		// State types are plain JSON-serializable structs; a marshal
		// failure here is a programming error.
		panic("engine: unserializable state: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic("engine: state round-trip failed: " + err.Error())
	}
	return out
}

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return &errors.ValidationError{
			Field:   "run.id",
			Message: "run " + run.ID + " already exists",
		}
	}
	m.runs[run.ID] = deepCopy(run)
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

func (m *MemoryStore) SaveRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; !exists {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}
	m.runs[run.ID] = deepCopy(run)
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return deepCopy(run), nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Run
	// Newest first.
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		run := m.runs[m.runOrder[i]]
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, deepCopy(run))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateSuspension(_ context.Context, s *Suspension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.suspensions[s.ID]; exists {
		return &errors.ValidationError{
			Field:   "suspension.id",
			Message: "suspension " + s.ID + " already exists",
		}
	}
	m.suspensions[s.ID] = deepCopy(s)
	return nil
}

func (m *MemoryStore) GetSuspension(_ context.Context, id string) (*Suspension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.suspensions[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "suspension", ID: id}
	}
	return deepCopy(s), nil
}

func (m *MemoryStore) GetSuspensionByPath(_ context.Context, webhookPath string) (*Suspension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.suspensions {
		if s.WebhookPath == webhookPath && !s.Resolved {
			return deepCopy(s), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "suspension", ID: webhookPath}
}

func (m *MemoryStore) GetSuspensionByChild(_ context.Context, childRunID string) (*Suspension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.suspensions {
		if s.ChildRunID == childRunID && !s.Resolved {
			return deepCopy(s), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "suspension", ID: childRunID}
}

func (m *MemoryStore) ResolveSuspension(_ context.Context, id string, payload map[string]any) (*Suspension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suspensions[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "suspension", ID: id}
	}
	if s.Resolved {
		return nil, &errors.ValidationError{
			Field:      "suspension",
			Message:    "suspension " + id + " is already resolved",
			Suggestion: "resume is first-writer-wins; later attempts are rejected",
		}
	}
	now := time.Now().UTC()
	s.Resolved = true
	s.Payload = payload
	s.ResolvedAt = &now
	return deepCopy(s), nil
}

func (m *MemoryStore) DueSuspensions(_ context.Context, now time.Time) ([]*Suspension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Suspension
	for _, s := range m.suspensions {
		if s.Resolved || s.ResumeAt == nil {
			continue
		}
		if !s.ResumeAt.After(now) {
			due = append(due, deepCopy(s))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ResumeAt.Before(*due[j].ResumeAt) })
	return due, nil
}

func mergeKey(runID, nodeID string) string { return runID + "/" + nodeID }

func (m *MemoryStore) SaveMergeState(_ context.Context, ms *MergeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merges[mergeKey(ms.RunID, ms.NodeID)] = deepCopy(ms)
	return nil
}

func (m *MemoryStore) GetMergeState(_ context.Context, runID, nodeID string) (*MergeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.merges[mergeKey(runID, nodeID)]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "merge state", ID: mergeKey(runID, nodeID)}
	}
	return deepCopy(ms), nil
}

func (m *MemoryStore) SaveLoopState(_ context.Context, ls *LoopState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loops[mergeKey(ls.RunID, ls.NodeID)] = deepCopy(ls)
	return nil
}

func (m *MemoryStore) GetLoopState(_ context.Context, runID, nodeID string) (*LoopState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.loops[mergeKey(runID, nodeID)]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "loop state", ID: mergeKey(runID, nodeID)}
	}
	return deepCopy(ls), nil
}

func (m *MemoryStore) SavePinnedData(_ context.Context, pin *PinnedData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[mergeKey(pin.WorkflowID, pin.NodeID)] = deepCopy(pin)
	return nil
}

func (m *MemoryStore) GetPinnedData(_ context.Context, workflowID, nodeID string) (*PinnedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pin, ok := m.pins[mergeKey(workflowID, nodeID)]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "pinned data", ID: mergeKey(workflowID, nodeID)}
	}
	return deepCopy(pin), nil
}

func (m *MemoryStore) DeletePinnedData(_ context.Context, workflowID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pins, mergeKey(workflowID, nodeID))
	return nil
}

func (m *MemoryStore) RecordCost(_ context.Context, rec *CostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costs[rec.RunID] = append(m.costs[rec.RunID], deepCopy(rec))
	return nil
}

func (m *MemoryStore) ListCosts(_ context.Context, runID string) ([]*CostRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.costs[runID]
	out := make([]*CostRecord, len(recs))
	for i, rec := range recs {
		out[i] = deepCopy(rec)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
