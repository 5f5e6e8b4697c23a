package eval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/runtime"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/typeutil"
)

// Reviewer runs one review. *runtime.Coordinator implements it.
type Reviewer interface {
	Review(ctx context.Context, input kernel.Input) (*runtime.Result, error)
}

// TestCase is one evaluation input with the checks applied to its result.
type TestCase struct {
	ID           string       `koanf:"test_id"`
	Name         string       `koanf:"name"`
	Input        CaseInput    `koanf:"input"`
	Constraints  Constraints  `koanf:"constraints"`
	Expectations Expectations `koanf:"expected_outcomes"`
}

// CaseInput names the source to review.
type CaseInput struct {
	Source     string `koanf:"source"`
	SourceType string `koanf:"source_type"`
}

// Constraints are required properties of a result. Each failed constraint
// is reported as a violation.
type Constraints struct {
	MustExtractTitle    bool `koanf:"must_extract_title"`
	MustExtractAbstract bool `koanf:"must_extract_abstract"`
	MustHaveCritique    bool `koanf:"must_have_critique"`
	MustHaveELI5        bool `koanf:"must_have_eli5"`
	ExtractionSuccess   bool `koanf:"extraction_success"`
	CritiqueSuccess     bool `koanf:"critique_success"`
	CitationSuccess     bool `koanf:"citation_success"`
	SynthesisSuccess    bool `koanf:"synthesis_success"`
}

// Expectations are optional bounds on a result. A nil bound is not checked.
type Expectations struct {
	MinOverallScore   *float64 `koanf:"min_overall_score"`
	MaxOverallScore   *float64 `koanf:"max_overall_score"`
	MinReferences     *int     `koanf:"min_references"`
	MinRelatedPapers  *int     `koanf:"min_related_papers"`
	MaxProcessingTime *float64 `koanf:"max_processing_time"`
	MinWeaknesses     *int     `koanf:"min_weaknesses"`
	MaxErrors         *int     `koanf:"max_errors"`
}

// minAbstractLength is the shortest abstract counted as extracted.
const minAbstractLength = 50

// unknownTitle is the placeholder extractors report when no title was found.
const unknownTitle = "Unknown Title"

// LoadCases reads test cases from the test_cases list of a YAML or JSON file.
func LoadCases(path string) ([]TestCase, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load test cases %s: %w", path, err)
	}
	var cases []TestCase
	if err := k.Unmarshal("test_cases", &cases); err != nil {
		return nil, fmt.Errorf("failed to decode test cases %s: %w", path, err)
	}
	for i, tc := range cases {
		if tc.ID == "" {
			return nil, fmt.Errorf("test case %d has no test_id", i)
		}
	}
	return cases, nil
}

// Harness evaluates test cases against a Reviewer.
type Harness struct {
	reviewer Reviewer
	logger   observability.Logger
	now      func() time.Time
}

// NewHarness creates a Harness. A nil logger discards logs.
func NewHarness(reviewer Reviewer, logger observability.Logger) *Harness {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Harness{reviewer: reviewer, logger: logger, now: time.Now}
}

// Report is the outcome of a batch.
type Report struct {
	Cases   []Case  `json:"test_results"`
	Metrics Metrics `json:"aggregate_metrics"`
}

// RunAll evaluates cases in order and aggregates the outcomes.
func (h *Harness) RunAll(ctx context.Context, cases []TestCase) Report {
	results := make([]Case, 0, len(cases))
	for _, tc := range cases {
		results = append(results, h.Run(ctx, tc))
	}
	metrics := Aggregate(results)
	h.logger.Info("eval_completed",
		"cases", metrics.Cases,
		"success_rate", metrics.SuccessRate,
		"error_rate", metrics.ErrorRate,
	)
	return Report{Cases: results, Metrics: metrics}
}

// Run evaluates one test case.
func (h *Harness) Run(ctx context.Context, tc TestCase) Case {
	logger := h.logger.Bind("test_id", tc.ID)
	input := kernel.Input{Locator: tc.Input.Source, Kind: kernel.SourceKind(tc.Input.SourceType)}

	start := h.now()
	result, err := h.reviewer.Review(ctx, input)
	elapsed := h.now().Sub(start).Seconds()

	c := Case{ID: tc.ID, Name: tc.Name, ProcessingTime: elapsed, Errors: []string{}}
	if err != nil {
		c.FatalError = err.Error()
		c.Violations = []string{"Run failed: " + err.Error()}
		logger.Warn("eval_case_failed", "error", err.Error())
		return c
	}

	c.ToolInvocations = result.Metadata.ToolInvocations
	c.Errors = append(c.Errors, result.Metadata.Errors...)
	c.OverallScore, _ = typeutil.SafeFloat64(result.Output(kernel.StageCritique)["overall_score"])
	c.Violations = CheckConstraints(result, tc.Constraints)
	met := CheckExpectations(result, tc.Expectations)
	c.Passed = len(c.Violations) == 0 && met

	logger.Info("eval_case_completed",
		"passed", c.Passed,
		"violations", len(c.Violations),
		"processing_time", elapsed,
	)
	return c
}

// CheckConstraints returns the constraints result violates.
func CheckConstraints(result *runtime.Result, cons Constraints) []string {
	violations := []string{}
	paper := result.Output(kernel.StageExtraction)
	critique := result.Output(kernel.StageCritique)
	review := result.Output(kernel.StageSynthesis)

	if cons.MustExtractTitle {
		title := typeutil.SafeStringDefault(paper["title"], "")
		if title == "" || title == unknownTitle {
			violations = append(violations, "Failed to extract paper title")
		}
	}
	if cons.MustExtractAbstract {
		if len(typeutil.SafeStringDefault(paper["abstract"], "")) < minAbstractLength {
			violations = append(violations, "Failed to extract meaningful abstract")
		}
	}
	if cons.MustHaveCritique {
		if score, ok := typeutil.SafeFloat64(critique["overall_score"]); !ok || score == 0 {
			violations = append(violations, "Missing critical analysis")
		}
	}
	if cons.MustHaveELI5 && typeutil.SafeStringDefault(review["eli5_summary"], "") == "" {
		violations = append(violations, "Missing ELI5 summary")
	}
	if cons.ExtractionSuccess && hasStageError(result, kernel.StageExtraction) {
		violations = append(violations, "Extraction stage failed")
	}
	if cons.CritiqueSuccess && len(critique) == 0 {
		violations = append(violations, "Critique stage failed")
	}
	if cons.SynthesisSuccess && len(review) == 0 {
		violations = append(violations, "Synthesis stage failed")
	}
	if cons.CitationSuccess && listLen(result.Output(kernel.StageCitation)["related_papers"]) == 0 {
		violations = append(violations, "Citation stage found no related papers")
	}
	return violations
}

// CheckExpectations reports whether result meets every bound in exp.
func CheckExpectations(result *runtime.Result, exp Expectations) bool {
	paper := result.Output(kernel.StageExtraction)
	critique := result.Output(kernel.StageCritique)
	citations := result.Output(kernel.StageCitation)

	score, hasScore := typeutil.SafeFloat64(critique["overall_score"])

	switch {
	case exp.MinOverallScore != nil && (!hasScore || score < *exp.MinOverallScore):
		return false
	case exp.MaxOverallScore != nil && hasScore && score > *exp.MaxOverallScore:
		return false
	case exp.MinReferences != nil && listLen(paper["references"]) < *exp.MinReferences:
		return false
	case exp.MinRelatedPapers != nil && listLen(citations["related_papers"]) < *exp.MinRelatedPapers:
		return false
	case exp.MaxProcessingTime != nil && result.Metadata.ProcessingTimeSeconds > *exp.MaxProcessingTime:
		return false
	case exp.MinWeaknesses != nil && listLen(critique["weaknesses"]) < *exp.MinWeaknesses:
		return false
	case exp.MaxErrors != nil && len(result.Metadata.Errors) > *exp.MaxErrors:
		return false
	}
	return true
}

func hasStageError(result *runtime.Result, stage kernel.Stage) bool {
	prefix := string(stage) + " stage failed"
	for _, e := range result.Metadata.Errors {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

func listLen(v any) int {
	items, _ := typeutil.SafeSlice(v)
	return len(items)
}
