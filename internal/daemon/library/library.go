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

// Package library loads workflow definitions from a directory and serves
// them to the engine, optionally reloading on file changes.
package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/pkg/errors"
	"github.com/tombee/cascade/pkg/graph"
)

// Library is a directory-backed workflow source. Workflows are JSON files
// keyed by their definition id.
type Library struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*graph.Workflow
	byPath    map[string]string // file path -> workflow id

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a library over dir and loads all definitions in it.
func New(dir string, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workflows dir: %w", err)
	}

	l := &Library{
		dir:       abs,
		logger:    log.WithComponent(logger, "library").With(slog.String("dir", abs)),
		workflows: make(map[string]*graph.Workflow),
		byPath:    make(map[string]string),
	}
	if err := l.loadAll(); err != nil {
		return nil, err
	}
	return l, nil
}

// GetWorkflow returns a workflow by id. Implements engine.WorkflowSource.
func (l *Library) GetWorkflow(_ context.Context, id string) (*graph.Workflow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	wf, ok := l.workflows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return wf, nil
}

// List returns the ids of all loaded workflows.
func (l *Library) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.workflows))
	for id := range l.workflows {
		ids = append(ids, id)
	}
	return ids
}

// Watch starts reloading definitions on file changes until the context is
// cancelled or Close is called.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}

	l.watcher = watcher
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.eventLoop(ctx)
	l.logger.Info("workflow watcher started")
	return nil
}

// Close stops the watcher if one is running.
func (l *Library) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.stopCh)
	<-l.doneCh
	return l.watcher.Close()
}

func (l *Library) eventLoop(ctx context.Context) {
	defer close(l.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("watcher error", log.Error(err))
		}
	}
}

func (l *Library) handleEvent(event fsnotify.Event) {
	if !isWorkflowFile(event.Name) {
		return
	}
	switch {
	case event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Write):
		if err := l.loadFile(event.Name); err != nil {
			l.logger.Warn("failed to reload workflow",
				slog.String("file", event.Name), log.Error(err))
		}
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		l.forgetFile(event.Name)
	}
}

func (l *Library) loadAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read workflows dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isWorkflowFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.loadFile(path); err != nil {
			// A bad definition must not take the daemon down.
			l.logger.Warn("skipping invalid workflow file",
				slog.String("file", path), log.Error(err))
		}
	}
	l.logger.Info("workflows loaded", slog.Int("count", len(l.workflows)))
	return nil
}

func (l *Library) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	wf, err := graph.ParseWorkflow(data)
	if err != nil {
		return err
	}
	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.byPath[path]; ok && prev != wf.ID {
		delete(l.workflows, prev)
	}
	l.workflows[wf.ID] = wf
	l.byPath[path] = wf.ID
	l.logger.Debug("workflow loaded",
		slog.String(log.WorkflowKey, wf.ID), slog.String("file", path))
	return nil
}

func (l *Library) forgetFile(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byPath[path]
	if !ok {
		return
	}
	delete(l.byPath, path)
	delete(l.workflows, id)
	l.logger.Info("workflow removed", slog.String(log.WorkflowKey, id))
}

func isWorkflowFile(path string) bool {
	return strings.HasSuffix(path, ".json")
}
