package trace

import (
	"math"
	"sort"
	"time"
)

// Aggregate is the session rollup. It is recomputed from the trace
// collection on every call and never stored.
type Aggregate struct {
	TotalQueries       int     `json:"total_queries"`
	TotalTraces        int     `json:"total_traces"`
	FailedQueries      int     `json:"failed_queries"`
	InProgress         int     `json:"in_progress"`
	SuccessRate        float64 `json:"success_rate"`
	AvgLatencyMs       float64 `json:"avg_latency_ms"`
	P95LatencyMs       float64 `json:"p95_latency_ms"`
	MinLatencyMs       float64 `json:"min_latency_ms"`
	MaxLatencyMs       float64 `json:"max_latency_ms"`
	TotalCostUSD       float64 `json:"total_cost_usd"`
	AvgCostPerQuery    float64 `json:"avg_cost_per_query"`
	TotalTokens        int     `json:"total_tokens"`
	AvgTokensPerQuery  float64 `json:"avg_tokens_per_query"`
	HallucinationRate  float64 `json:"hallucination_rate"`
	SessionDurationSec float64 `json:"session_duration_sec"`
}

// CostSummary is the token and spend rollup over completed traces.
type CostSummary struct {
	Queries           int     `json:"queries"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	AvgCostPerQuery   float64 `json:"avg_cost_per_query"`
	TotalTokens       int     `json:"total_tokens"`
	AvgTokensPerQuery float64 `json:"avg_tokens_per_query"`
}

// SessionStats computes the session rollup. Completed traces feed every
// latency, cost and quality figure; all traces form the success-rate
// denominator. Empty denominators yield 0.
func (s *Store) SessionStats() Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := Aggregate{
		TotalTraces:        len(s.traces),
		SessionDurationSec: round(s.now().Sub(s.created).Seconds(), 1),
	}

	latencies := make([]float64, 0, len(s.traces))
	var costSum float64
	var hallucinations int
	for _, t := range s.traces {
		switch t.Status {
		case StatusFailed:
			agg.FailedQueries++
			continue
		case StatusInProgress:
			agg.InProgress++
			continue
		}
		latencies = append(latencies, t.Metrics.TotalLatencyMs)
		costSum += t.Metrics.TotalCostUSD
		agg.TotalTokens += t.Metrics.TotalTokens
		if t.Metrics.HallucinationDetected {
			hallucinations++
		}
	}

	n := len(latencies)
	agg.TotalQueries = n
	agg.SuccessRate = round(ratio(float64(n), float64(len(s.traces)))*100, 2)
	if n == 0 {
		return agg
	}

	sort.Float64s(latencies)
	var latSum float64
	for _, l := range latencies {
		latSum += l
	}
	agg.AvgLatencyMs = round(latSum/float64(n), 2)
	agg.P95LatencyMs = round(p95(latencies), 2)
	agg.MinLatencyMs = round(latencies[0], 2)
	agg.MaxLatencyMs = round(latencies[n-1], 2)
	agg.TotalCostUSD = round(costSum, 4)
	agg.AvgCostPerQuery = round(costSum/float64(n), 6)
	agg.AvgTokensPerQuery = round(float64(agg.TotalTokens)/float64(n), 1)
	agg.HallucinationRate = round(float64(hallucinations)/float64(n)*100, 2)
	return agg
}

// SessionCost rolls up spend and token usage over completed traces.
func (s *Store) SessionCost() CostSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum CostSummary
	var costSum float64
	for _, t := range s.traces {
		if t.Status != StatusCompleted {
			continue
		}
		sum.Queries++
		costSum += t.Metrics.TotalCostUSD
		sum.TotalTokens += t.Metrics.TotalTokens
	}
	sum.TotalCostUSD = round(costSum, 6)
	sum.AvgCostPerQuery = round(ratio(costSum, float64(sum.Queries)), 6)
	sum.AvgTokensPerQuery = round(ratio(float64(sum.TotalTokens), float64(sum.Queries)), 1)
	return sum
}

// Uptime reports how long the session has existed.
func (s *Store) Uptime() time.Duration {
	return s.now().Sub(s.created)
}

// p95 expects sorted input. A single sample is its own p95.
func p95(sorted []float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	return sorted[int(float64(len(sorted))*0.95)]
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
