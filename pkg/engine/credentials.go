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
	"strings"
	"sync"

	"github.com/tombee/cascade/pkg/errors"
)

// credentialPrefix marks config string values resolved from the credential
// source at execution time, e.g. "credential:stripe/api_key".
const credentialPrefix = "credential:"

// CredentialSource supplies secret material by name. Implementations live
// outside the engine (environment, files, external managers).
type CredentialSource interface {
	Get(ctx context.Context, name string) (string, error)
}

// CredentialSourceFunc adapts a function to CredentialSource.
type CredentialSourceFunc func(ctx context.Context, name string) (string, error)

func (f CredentialSourceFunc) Get(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// EnvCredentialSource resolves credential names to environment variables
// through the given lookup (os.LookupEnv in production). Names are upper
// cased with separators mapped to underscores: "stripe/api_key" becomes
// "STRIPE_API_KEY".
func EnvCredentialSource(lookup func(string) (string, bool)) CredentialSource {
	return CredentialSourceFunc(func(_ context.Context, name string) (string, error) {
		key := strings.ToUpper(name)
		key = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(key)
		if v, ok := lookup(key); ok {
			return v, nil
		}
		return "", &errors.NotFoundError{Resource: "credential", ID: name}
	})
}

// CredentialResolver substitutes credential references in node config just
// before execution. Secrets are cached per run so repeated nodes do not
// re-fetch, and the cache is dropped when the run leaves the engine. Secret
// values never enter run state: only resolved node config sees them, and
// node config is not persisted.
type CredentialResolver struct {
	source CredentialSource
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]map[string]string // runID -> name -> value
}

// NewCredentialResolver creates a resolver over the given source. A nil
// source makes every credential reference fail.
func NewCredentialResolver(source CredentialSource, logger *slog.Logger) *CredentialResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialResolver{
		source: source,
		logger: logger,
		cache:  make(map[string]map[string]string),
	}
}

// Apply replaces every "credential:NAME" string value in config with the
// secret from the source. The input map is modified in place and returned.
func (r *CredentialResolver) Apply(ctx context.Context, runID string, config map[string]any) (map[string]any, error) {
	if config == nil {
		return nil, nil
	}
	v, err := r.applyValue(ctx, runID, config)
	if err != nil {
		return nil, err
	}
	out, _ := v.(map[string]any)
	return out, nil
}

func (r *CredentialResolver) applyValue(ctx context.Context, runID string, v any) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, credentialPrefix) {
			return val, nil
		}
		name := strings.TrimPrefix(val, credentialPrefix)
		return r.resolve(ctx, runID, name)
	case map[string]any:
		for k, elem := range val {
			resolved, err := r.applyValue(ctx, runID, elem)
			if err != nil {
				return nil, err
			}
			val[k] = resolved
		}
		return val, nil
	case []any:
		for i, elem := range val {
			resolved, err := r.applyValue(ctx, runID, elem)
			if err != nil {
				return nil, err
			}
			val[i] = resolved
		}
		return val, nil
	default:
		return v, nil
	}
}

func (r *CredentialResolver) resolve(ctx context.Context, runID, name string) (string, error) {
	r.mu.Lock()
	if runCache, ok := r.cache[runID]; ok {
		if v, hit := runCache[name]; hit {
			r.mu.Unlock()
			return v, nil
		}
	}
	r.mu.Unlock()

	if r.source == nil {
		return "", &errors.ConfigError{
			Key:    "credentials",
			Reason: "no credential source configured",
		}
	}
	v, err := r.source.Get(ctx, name)
	if err != nil {
		r.logger.Warn("credential resolution failed", "name", name, "runId", runID)
		return "", err
	}

	r.mu.Lock()
	if r.cache[runID] == nil {
		r.cache[runID] = make(map[string]string)
	}
	r.cache[runID][name] = v
	r.mu.Unlock()
	return v, nil
}

// Forget drops a run's cached secrets. Called when the run completes,
// fails, is cancelled, or suspends.
func (r *CredentialResolver) Forget(runID string) {
	r.mu.Lock()
	delete(r.cache, runID)
	r.mu.Unlock()
}
