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
	"strings"
	"sync"

	"github.com/tombee/cascade/pkg/errors"
)

// DefaultModel is used when an llm node names no model.
const DefaultModel = "gpt-4o-mini"

// ModelRate is the per-token price of one model in USD.
type ModelRate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// PricingTable maps model names to rates. Lookup matches the longest
// registered prefix so dated snapshots resolve to their base model.
type PricingTable struct {
	mu    sync.RWMutex
	rates map[string]ModelRate
}

// DefaultPricing returns a table seeded with common models.
func DefaultPricing() *PricingTable {
	return &PricingTable{rates: map[string]ModelRate{
		"gpt-4o":        {InputPerMTok: 2.50, OutputPerMTok: 10.00},
		"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60},
		"gpt-4.1":       {InputPerMTok: 2.00, OutputPerMTok: 8.00},
		"gpt-4.1-mini":  {InputPerMTok: 0.40, OutputPerMTok: 1.60},
		"o3":            {InputPerMTok: 2.00, OutputPerMTok: 8.00},
		"o4-mini":       {InputPerMTok: 1.10, OutputPerMTok: 4.40},
		"gpt-3.5-turbo": {InputPerMTok: 0.50, OutputPerMTok: 1.50},
	}}
}

// SetRate registers or overrides a model rate.
func (p *PricingTable) SetRate(model string, rate ModelRate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[model] = rate
}

// Rate returns the rate for a model by longest-prefix match. Unknown models
// fall back to the most expensive registered rate so budgets stay safe.
func (p *PricingTable) Rate(model string) ModelRate {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if r, ok := p.rates[model]; ok {
		return r
	}
	var best string
	for name := range p.rates {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return p.rates[best]
	}

	var max ModelRate
	for _, r := range p.rates {
		if r.InputPerMTok+r.OutputPerMTok > max.InputPerMTok+max.OutputPerMTok {
			max = r
		}
	}
	return max
}

// Cost computes the USD cost of one call. A nil table costs zero, which
// disables budget accounting.
func (p *PricingTable) Cost(model string, tokensIn, tokensOut int) float64 {
	if p == nil {
		return 0
	}
	r := p.Rate(model)
	return float64(tokensIn)/1e6*r.InputPerMTok + float64(tokensOut)/1e6*r.OutputPerMTok
}

// Budget caps LLM spend. Zero limits mean unlimited.
type Budget struct {
	// PerRunUSD caps total spend within a single run
	PerRunUSD float64

	// PerNodeUSD caps the estimated cost of a single llm call
	PerNodeUSD float64
}

// estimateTokens is the pre-flight output-token assumption when a node sets
// no maxTokens.
const estimateTokens = 4096

// PreflightCheck estimates the worst-case cost of an upcoming llm call and
// rejects it if it would push the run over budget. Loop iterations multiply
// the estimate so a loop cannot commit to spend it is not allowed to finish.
// Error-workflow runs are exempt.
func (b Budget) PreflightCheck(run *Run, pricing *PricingTable, model string, maxTokens, loopMultiplier int) error {
	if run.ErrorWorkflow {
		return nil
	}
	if b.PerRunUSD <= 0 && b.PerNodeUSD <= 0 {
		return nil
	}
	if maxTokens <= 0 {
		maxTokens = estimateTokens
	}
	if loopMultiplier < 1 {
		loopMultiplier = 1
	}

	// Worst case assumes the prompt is as large as the completion.
	callEstimate := pricing.Cost(model, maxTokens, maxTokens)

	if b.PerNodeUSD > 0 && callEstimate > b.PerNodeUSD {
		return &errors.BudgetExceededError{
			Scope:     "node",
			LimitUSD:  b.PerNodeUSD,
			ActualUSD: callEstimate,
		}
	}

	total := callEstimate * float64(loopMultiplier)
	if b.PerRunUSD > 0 && run.CostUSD+total > b.PerRunUSD {
		return &errors.BudgetExceededError{
			Scope:     "run",
			LimitUSD:  b.PerRunUSD,
			ActualUSD: run.CostUSD + total,
		}
	}
	return nil
}

// CheckSpent verifies accumulated actual spend after a call commits.
func (b Budget) CheckSpent(run *Run) error {
	if run.ErrorWorkflow || b.PerRunUSD <= 0 {
		return nil
	}
	if run.CostUSD > b.PerRunUSD {
		return &errors.BudgetExceededError{
			Scope:     "run",
			LimitUSD:  b.PerRunUSD,
			ActualUSD: run.CostUSD,
		}
	}
	return nil
}
