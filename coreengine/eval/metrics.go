// Package eval scores batches of review runs.
//
// A Harness runs test cases through a Reviewer and checks each result
// against the case's constraints and expectations; Aggregate folds the
// outcomes into summary Metrics.
package eval

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
)

// Case is the outcome of one evaluated run.
type Case struct {
	ID     string `json:"test_id"`
	Name   string `json:"name,omitempty"`
	Passed bool   `json:"passed"`
	// ProcessingTime is the wall-clock duration of the run in seconds.
	ProcessingTime  float64  `json:"processing_time"`
	ToolInvocations int      `json:"tool_invocations"`
	Errors          []string `json:"errors"`
	// FatalError is set when the run did not produce a result.
	FatalError   string   `json:"fatal_error,omitempty"`
	OverallScore float64  `json:"overall_score"`
	Violations   []string `json:"constraint_violations"`
}

// Metrics summarizes a batch of cases. Rates are percentages.
type Metrics struct {
	Cases                     int                 `json:"cases"`
	SuccessRate               float64             `json:"success_rate"`
	AvgLatency                float64             `json:"avg_latency"`
	MedianLatency             float64             `json:"median_latency"`
	TotalToolInvocations      int                 `json:"total_tool_invocations"`
	AvgToolInvocations        float64             `json:"avg_tool_invocations"`
	TotalConstraintViolations int                 `json:"total_constraint_violations"`
	ErrorRate                 float64             `json:"error_rate"`
	AvgOverallScore           float64             `json:"avg_overall_score"`
	LatencyDistribution       LatencyDistribution `json:"latency_distribution"`
	FailureBreakdown          FailureBreakdown    `json:"failure_breakdown"`
}

// LatencyDistribution holds latency percentiles in seconds.
type LatencyDistribution struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// FailureBreakdown describes why cases failed.
type FailureBreakdown struct {
	TotalFailures int `json:"total_failures"`
	// FailureReasons counts violations of failed cases by category.
	FailureReasons map[string]int `json:"failure_reasons"`
	// StageFailures counts recorded stage errors by stage, across all cases.
	StageFailures map[string]int `json:"stage_failures"`
	// ByCase lists the violations of each failed case.
	ByCase map[string][]string `json:"by_case"`
}

// Violation categories.
const (
	ReasonExtraction = "extraction_failure"
	ReasonAgent      = "agent_failure"
	ReasonTimeout    = "timeout"
	ReasonOther      = "other"
)

// Aggregate computes Metrics over cases. An empty batch yields zero metrics.
func Aggregate(cases []Case) Metrics {
	m := Metrics{
		Cases: len(cases),
		FailureBreakdown: FailureBreakdown{
			FailureReasons: map[string]int{},
			StageFailures:  map[string]int{},
			ByCase:         map[string][]string{},
		},
	}
	if len(cases) == 0 {
		return m
	}

	n := float64(len(cases))
	latencies := make([]float64, 0, len(cases))
	var passed, withErrors, scored int
	var latencySum, scoreSum float64

	for _, c := range cases {
		latencies = append(latencies, c.ProcessingTime)
		latencySum += c.ProcessingTime
		m.TotalToolInvocations += c.ToolInvocations
		m.TotalConstraintViolations += len(c.Violations)

		if c.Passed {
			passed++
		} else {
			m.FailureBreakdown.TotalFailures++
			m.FailureBreakdown.ByCase[c.ID] = slices.Clone(c.Violations)
			for _, v := range c.Violations {
				m.FailureBreakdown.FailureReasons[categorize(v)]++
			}
		}
		if len(c.Errors) > 0 || c.FatalError != "" {
			withErrors++
		}
		for _, e := range c.Errors {
			m.FailureBreakdown.StageFailures[stageOf(e)]++
		}
		if c.OverallScore > 0 {
			scored++
			scoreSum += c.OverallScore
		}
	}

	m.SuccessRate = float64(passed) / n * 100
	m.ErrorRate = float64(withErrors) / n * 100
	m.AvgLatency = latencySum / n
	m.AvgToolInvocations = float64(m.TotalToolInvocations) / n
	if scored > 0 {
		m.AvgOverallScore = scoreSum / float64(scored)
	}

	slices.Sort(latencies)
	m.MedianLatency = percentile(latencies, 50)
	m.LatencyDistribution = LatencyDistribution{
		Min: latencies[0],
		Max: latencies[len(latencies)-1],
		P50: m.MedianLatency,
		P90: percentile(latencies, 90),
		P95: percentile(latencies, 95),
		P99: percentile(latencies, 99),
	}
	return m
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func categorize(violation string) string {
	v := strings.ToLower(violation)
	switch {
	case strings.Contains(v, "extract"):
		return ReasonExtraction
	case strings.Contains(v, "agent") || strings.Contains(v, "stage"):
		return ReasonAgent
	case strings.Contains(v, "time"):
		return ReasonTimeout
	}
	return ReasonOther
}

// stageOf returns the stage named by a "<stage> stage failed: ..." error.
func stageOf(runError string) string {
	name, _, ok := strings.Cut(runError, " ")
	if ok && kernel.Stage(name).IsValid() {
		return name
	}
	return ReasonOther
}

// Summary renders m for humans.
func Summary(m Metrics) string {
	var b strings.Builder
	b.WriteString("=== METRICS SUMMARY ===\n")
	fmt.Fprintf(&b, "Cases: %d\n", m.Cases)
	fmt.Fprintf(&b, "Success Rate: %.1f%%\n", m.SuccessRate)
	fmt.Fprintf(&b, "Average Latency: %.2fs\n", m.AvgLatency)
	fmt.Fprintf(&b, "Median Latency: %.2fs\n", m.MedianLatency)
	fmt.Fprintf(&b, "Total Tool Invocations: %d\n", m.TotalToolInvocations)
	fmt.Fprintf(&b, "Avg Tool Invocations per Case: %.1f\n", m.AvgToolInvocations)
	fmt.Fprintf(&b, "Total Constraint Violations: %d\n", m.TotalConstraintViolations)
	fmt.Fprintf(&b, "Error Rate: %.1f%%\n", m.ErrorRate)
	fmt.Fprintf(&b, "Avg Overall Score: %.2f/10\n", m.AvgOverallScore)

	d := m.LatencyDistribution
	b.WriteString("\n=== LATENCY DISTRIBUTION ===\n")
	fmt.Fprintf(&b, "Min: %.2fs\np50: %.2fs\np90: %.2fs\np95: %.2fs\np99: %.2fs\nMax: %.2fs\n",
		d.Min, d.P50, d.P90, d.P95, d.P99, d.Max)

	f := m.FailureBreakdown
	if f.TotalFailures > 0 {
		b.WriteString("\n=== FAILURE ANALYSIS ===\n")
		fmt.Fprintf(&b, "Total Failures: %d\n", f.TotalFailures)
		b.WriteString("Failure Reasons:\n")
		reasons := make([]string, 0, len(f.FailureReasons))
		for r := range f.FailureReasons {
			reasons = append(reasons, r)
		}
		slices.Sort(reasons)
		for _, r := range reasons {
			fmt.Fprintf(&b, "  - %s: %d\n", r, f.FailureReasons[r])
		}
	}
	return b.String()
}
