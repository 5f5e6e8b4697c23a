package agents

import (
	"fmt"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/typeutil"
)

// DefaultMaxRelated is the number of related papers requested from the citation stage.
const DefaultMaxRelated = 10

// Request data field names.
const (
	FieldSource         = "source"
	FieldSourceType     = "source_type"
	FieldPaperContent   = "paper_content"
	FieldMaxRelated     = "max_related"
	FieldCriticAnalysis = "critic_analysis"
	FieldCitationData   = "citation_data"
)

// Extraction output fields the citation stage consumes.
var citationInputFields = []string{"title", "abstract", "references"}

// =============================================================================
// EXTRACT
// =============================================================================

// ExtractRequest is the data of an extract request.
type ExtractRequest struct {
	Source     string
	SourceType string
}

// Data renders the request as envelope payload data.
func (r ExtractRequest) Data() map[string]any {
	return map[string]any{
		FieldSource:     r.Source,
		FieldSourceType: r.SourceType,
	}
}

// DecodeExtractRequest reads an extract request from payload data.
func DecodeExtractRequest(data map[string]any) (ExtractRequest, error) {
	source := typeutil.SafeStringDefault(data[FieldSource], "")
	if source == "" {
		return ExtractRequest{}, fmt.Errorf("missing required field: %s", FieldSource)
	}
	return ExtractRequest{
		Source:     source,
		SourceType: typeutil.SafeStringDefault(data[FieldSourceType], ""),
	}, nil
}

// =============================================================================
// CRITIQUE
// =============================================================================

// CritiqueRequest is the data of a critique request.
type CritiqueRequest struct {
	PaperContent map[string]any
}

// Data renders the request as envelope payload data.
func (r CritiqueRequest) Data() map[string]any {
	return map[string]any{
		FieldPaperContent: orEmpty(r.PaperContent),
	}
}

// DecodeCritiqueRequest reads a critique request from payload data.
// Missing paper content decodes as an empty object.
func DecodeCritiqueRequest(data map[string]any) (CritiqueRequest, error) {
	content, err := optionalObject(data, FieldPaperContent)
	if err != nil {
		return CritiqueRequest{}, err
	}
	return CritiqueRequest{PaperContent: content}, nil
}

// =============================================================================
// FIND-CITATIONS
// =============================================================================

// CitationRequest is the data of a find-citations request.
type CitationRequest struct {
	PaperContent map[string]any
	MaxRelated   int
}

// NewCitationRequest builds a citation request from an extraction output.
// Only the title, abstract and reference list are forwarded.
func NewCitationRequest(extraction map[string]any, maxRelated int) CitationRequest {
	content := make(map[string]any, len(citationInputFields))
	for _, field := range citationInputFields {
		if v, ok := extraction[field]; ok {
			content[field] = typeutil.DeepCopyValue(v)
		}
	}
	if maxRelated <= 0 {
		maxRelated = DefaultMaxRelated
	}
	return CitationRequest{PaperContent: content, MaxRelated: maxRelated}
}

// Data renders the request as envelope payload data.
func (r CitationRequest) Data() map[string]any {
	return map[string]any{
		FieldPaperContent: orEmpty(r.PaperContent),
		FieldMaxRelated:   r.MaxRelated,
	}
}

// DecodeCitationRequest reads a find-citations request from payload data.
func DecodeCitationRequest(data map[string]any) (CitationRequest, error) {
	content, err := optionalObject(data, FieldPaperContent)
	if err != nil {
		return CitationRequest{}, err
	}
	maxRelated := DefaultMaxRelated
	if raw, ok := data[FieldMaxRelated]; ok {
		n, ok := typeutil.SafeInt(raw)
		if !ok || n <= 0 {
			return CitationRequest{}, fmt.Errorf("invalid %s: %v", FieldMaxRelated, raw)
		}
		maxRelated = n
	}
	return CitationRequest{PaperContent: content, MaxRelated: maxRelated}, nil
}

// =============================================================================
// SYNTHESIZE
// =============================================================================

// SynthesisRequest is the data of a synthesize request.
type SynthesisRequest struct {
	PaperContent   map[string]any
	CriticAnalysis map[string]any
	CitationData   map[string]any
}

// Data renders the request as envelope payload data.
func (r SynthesisRequest) Data() map[string]any {
	return map[string]any{
		FieldPaperContent:   orEmpty(r.PaperContent),
		FieldCriticAnalysis: orEmpty(r.CriticAnalysis),
		FieldCitationData:   orEmpty(r.CitationData),
	}
}

// DecodeSynthesisRequest reads a synthesize request from payload data.
func DecodeSynthesisRequest(data map[string]any) (SynthesisRequest, error) {
	var (
		req SynthesisRequest
		err error
	)
	if req.PaperContent, err = optionalObject(data, FieldPaperContent); err != nil {
		return SynthesisRequest{}, err
	}
	if req.CriticAnalysis, err = optionalObject(data, FieldCriticAnalysis); err != nil {
		return SynthesisRequest{}, err
	}
	if req.CitationData, err = optionalObject(data, FieldCitationData); err != nil {
		return SynthesisRequest{}, err
	}
	return req, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func optionalObject(data map[string]any, field string) (map[string]any, error) {
	raw, ok := data[field]
	if !ok || raw == nil {
		return map[string]any{}, nil
	}
	m, ok := typeutil.SafeMapStringAny(raw)
	if !ok {
		return nil, fmt.Errorf("field %s must be an object, got %T", field, raw)
	}
	return m, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
