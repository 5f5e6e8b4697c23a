package agents

import (
	"context"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
)

// Collaborators hold the domain logic behind each stage. They are constructed
// by the caller and injected when the stage is built.

// Extractor pulls structured content out of a source document.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (map[string]any, error)
}

// Critic assesses extracted content.
type Critic interface {
	Critique(ctx context.Context, req CritiqueRequest) (map[string]any, error)
}

// CitationFinder discovers related work.
type CitationFinder interface {
	FindCitations(ctx context.Context, req CitationRequest) (map[string]any, error)
}

// Synthesizer composes the final review.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (map[string]any, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, req ExtractRequest) (map[string]any, error)

func (f ExtractorFunc) Extract(ctx context.Context, req ExtractRequest) (map[string]any, error) {
	return f(ctx, req)
}

// CriticFunc adapts a function to Critic.
type CriticFunc func(ctx context.Context, req CritiqueRequest) (map[string]any, error)

func (f CriticFunc) Critique(ctx context.Context, req CritiqueRequest) (map[string]any, error) {
	return f(ctx, req)
}

// CitationFinderFunc adapts a function to CitationFinder.
type CitationFinderFunc func(ctx context.Context, req CitationRequest) (map[string]any, error)

func (f CitationFinderFunc) FindCitations(ctx context.Context, req CitationRequest) (map[string]any, error) {
	return f(ctx, req)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, req SynthesisRequest) (map[string]any, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, req SynthesisRequest) (map[string]any, error) {
	return f(ctx, req)
}

// NewExtractionStage builds the extraction stage around extractor.
func NewExtractionStage(extractor Extractor, opts ...AdapterOption) (*Adapter, error) {
	var h Handler
	if extractor != nil {
		h = func(ctx context.Context, data map[string]any) (map[string]any, error) {
			req, err := DecodeExtractRequest(data)
			if err != nil {
				return nil, err
			}
			return extractor.Extract(ctx, req)
		}
	}
	return NewAdapter(kernel.StageExtraction, h, opts...)
}

// NewCritiqueStage builds the critique stage around critic.
func NewCritiqueStage(critic Critic, opts ...AdapterOption) (*Adapter, error) {
	var h Handler
	if critic != nil {
		h = func(ctx context.Context, data map[string]any) (map[string]any, error) {
			req, err := DecodeCritiqueRequest(data)
			if err != nil {
				return nil, err
			}
			return critic.Critique(ctx, req)
		}
	}
	return NewAdapter(kernel.StageCritique, h, opts...)
}

// NewCitationStage builds the citation stage around finder.
func NewCitationStage(finder CitationFinder, opts ...AdapterOption) (*Adapter, error) {
	var h Handler
	if finder != nil {
		h = func(ctx context.Context, data map[string]any) (map[string]any, error) {
			req, err := DecodeCitationRequest(data)
			if err != nil {
				return nil, err
			}
			return finder.FindCitations(ctx, req)
		}
	}
	return NewAdapter(kernel.StageCitation, h, opts...)
}

// NewSynthesisStage builds the synthesis stage around synthesizer.
func NewSynthesisStage(synthesizer Synthesizer, opts ...AdapterOption) (*Adapter, error) {
	var h Handler
	if synthesizer != nil {
		h = func(ctx context.Context, data map[string]any) (map[string]any, error) {
			req, err := DecodeSynthesisRequest(data)
			if err != nil {
				return nil, err
			}
			return synthesizer.Synthesize(ctx, req)
		}
	}
	return NewAdapter(kernel.StageSynthesis, h, opts...)
}
