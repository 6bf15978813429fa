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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cascadeerrors "github.com/tombee/cascade/pkg/errors"
)

func TestPricing_KnownModelAndPrefixFallback(t *testing.T) {
	p := DefaultPricing()

	exact := p.Rate("gpt-4o")
	assert.Equal(t, 2.50, exact.InputPerMTok)

	// Dated snapshots resolve by longest prefix.
	dated := p.Rate("gpt-4o-mini-2024-07-18")
	assert.Equal(t, 0.15, dated.InputPerMTok)

	// Unknown models price at the most expensive rate.
	unknown := p.Rate("some-future-model")
	assert.Equal(t, 10.00, unknown.OutputPerMTok)
}

func TestPricing_Cost(t *testing.T) {
	p := DefaultPricing()
	cost := p.Cost("gpt-4o-mini", 1_000_000, 1_000_000)
	assert.InDelta(t, 0.75, cost, 1e-9)

	var nilTable *PricingTable
	assert.Zero(t, nilTable.Cost("gpt-4o", 1000, 1000))
}

func TestBudget_PreflightPerNode(t *testing.T) {
	b := Budget{PerNodeUSD: 0.001}
	run := &Run{}

	err := b.PreflightCheck(run, DefaultPricing(), "gpt-4o", 4096, 1)
	var bex *cascadeerrors.BudgetExceededError
	require.ErrorAs(t, err, &bex)
	assert.Equal(t, "node", bex.Scope)
}

func TestBudget_PreflightLoopMultiplier(t *testing.T) {
	b := Budget{PerRunUSD: 0.01}
	run := &Run{}
	pricing := DefaultPricing()

	// A single small call fits.
	require.NoError(t, b.PreflightCheck(run, pricing, "gpt-4o-mini", 1000, 1))

	// The same call across 100 loop iterations does not.
	err := b.PreflightCheck(run, pricing, "gpt-4o-mini", 1000, 100)
	var bex *cascadeerrors.BudgetExceededError
	require.ErrorAs(t, err, &bex)
	assert.Equal(t, "run", bex.Scope)
}

func TestBudget_ErrorWorkflowExempt(t *testing.T) {
	b := Budget{PerRunUSD: 0.000001, PerNodeUSD: 0.000001}
	run := &Run{ErrorWorkflow: true, CostUSD: 99}

	assert.NoError(t, b.PreflightCheck(run, DefaultPricing(), "gpt-4o", 4096, 10))
	assert.NoError(t, b.CheckSpent(run))
}

func TestBudget_CheckSpent(t *testing.T) {
	b := Budget{PerRunUSD: 1.0}

	assert.NoError(t, b.CheckSpent(&Run{CostUSD: 0.5}))

	err := b.CheckSpent(&Run{CostUSD: 1.5})
	var bex *cascadeerrors.BudgetExceededError
	require.ErrorAs(t, err, &bex)
}

func TestBudget_ZeroLimitsUnlimited(t *testing.T) {
	var b Budget
	run := &Run{CostUSD: 1e6}
	assert.NoError(t, b.PreflightCheck(run, DefaultPricing(), "gpt-4o", 0, 1000))
	assert.NoError(t, b.CheckSpent(run))
}
