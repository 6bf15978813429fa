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

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Code maps an error to the code surfaced on a terminal failed run.
// Unknown errors map to ExecutorError, the broadest recoverable category.
func Code(err error) string {
	var (
		cycle      *CycleError
		budget     *BudgetExceededError
		timeout    *TimeoutError
		recursion  *RecursionLimitError
		resolver   *ResolverError
		suspension *SuspensionError
		validation *ValidationError
	)
	switch {
	case errors.As(err, &cycle):
		return CodeCycleDetected
	case errors.As(err, &budget):
		return CodeBudgetExceeded
	case errors.As(err, &timeout):
		return CodeTimeout
	case errors.As(err, &recursion):
		return CodeRecursionLimit
	case errors.As(err, &resolver):
		return CodeResolverError
	case errors.As(err, &suspension):
		return CodeSuspension
	case errors.As(err, &validation):
		return CodeValidation
	default:
		return CodeExecutorError
	}
}

// IsRetryable reports whether the error represents a transient failure that
// the engine's per-node retry policy should re-attempt.
func IsRetryable(err error) bool {
	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		return execErr.Retryable
	}
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}
