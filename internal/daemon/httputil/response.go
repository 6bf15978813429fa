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

// Package httputil provides JSON response helpers for the daemon API.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tombee/cascade/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// WriteStoreError maps engine error types to HTTP statuses: not-found to
// 404, validation to 400, budget refusals to 402, everything else to 500.
func WriteStoreError(w http.ResponseWriter, err error) {
	var nf *errors.NotFoundError
	var ve *errors.ValidationError
	var be *errors.BudgetExceededError
	switch {
	case errors.As(err, &nf):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &be):
		WriteError(w, http.StatusPaymentRequired, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
