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

package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

func workflowJSON(id string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": "test",
		"nodes": [{"id": "t", "type": "trigger"}],
		"edges": []
	}`, id)
}

func writeWorkflow(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNew_LoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "one.json", workflowJSON("wf-one"))
	writeWorkflow(t, dir, "two.json", workflowJSON("wf-two"))
	writeWorkflow(t, dir, "notes.txt", "not a workflow")
	writeWorkflow(t, dir, "broken.json", "{")

	l, err := New(dir, nil)
	require.NoError(t, err)
	defer l.Close()

	assert.ElementsMatch(t, []string{"wf-one", "wf-two"}, l.List())

	wf, err := l.GetWorkflow(context.Background(), "wf-one")
	require.NoError(t, err)
	assert.Equal(t, "wf-one", wf.ID)

	var nf *cascadeerrors.NotFoundError
	_, err = l.GetWorkflow(context.Background(), "absent")
	require.ErrorAs(t, err, &nf)
}

func TestNew_FilenameFallbackID(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "fallback.json", workflowJSON(""))

	l, err := New(dir, nil)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.GetWorkflow(context.Background(), "fallback")
	require.NoError(t, err)
}

func TestNew_MissingDir(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "absent"), nil)
	require.Error(t, err)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, nil)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Watch(ctx))

	writeWorkflow(t, dir, "late.json", workflowJSON("wf-late"))
	require.Eventually(t, func() bool {
		_, err := l.GetWorkflow(ctx, "wf-late")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatch_ForgetsRemoved(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkflow(t, dir, "gone.json", workflowJSON("wf-gone"))

	l, err := New(dir, nil)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Watch(ctx))

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, err := l.GetWorkflow(ctx, "wf-gone")
		return err != nil
	}, 3*time.Second, 10*time.Millisecond)
}
