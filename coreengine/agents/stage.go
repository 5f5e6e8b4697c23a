// Package agents provides the stage adapters the coordinator talks to.
//
// Every stage exposes the same capability, Process(request) -> response | error,
// and never returns a raw error or panics to its caller: failures of any kind
// come back as error envelopes.
package agents

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/typeutil"
)

// Logger is the structured logger stages write to.
type Logger = observability.Logger

// Stage is one pipeline stage behind the envelope protocol.
type Stage interface {
	// Name returns the pipeline stage this implementation serves.
	Name() kernel.Stage
	// Action returns the action the stage dispatches on.
	Action() envelope.Action
	// Process handles a request envelope and always returns a response or error envelope.
	Process(ctx context.Context, req *envelope.Envelope) *envelope.Envelope
}

// Handler is a stage's internal logic. It receives a private copy of the request data.
type Handler func(ctx context.Context, data map[string]any) (map[string]any, error)

var tracer = otel.Tracer("reviewcore/agents")

// Adapter implements Stage around a Handler.
type Adapter struct {
	stage   kernel.Stage
	name    string
	handler Handler
	logger  Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithName sets the component name used as the sender of reply envelopes.
func WithName(name string) AdapterOption {
	return func(a *Adapter) { a.name = name }
}

// WithLogger sets the adapter's logger.
func WithLogger(logger Logger) AdapterOption {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdapter creates an adapter for stage backed by handler.
func NewAdapter(stage kernel.Stage, handler Handler, opts ...AdapterOption) (*Adapter, error) {
	if !stage.IsValid() {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	if handler == nil {
		return nil, fmt.Errorf("stage '%s' has no handler", stage)
	}
	a := &Adapter{
		stage:   stage,
		name:    DefaultReceiver(stage),
		handler: handler,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Bind("stage", string(stage), "component", a.name)
	return a, nil
}

// Name returns the stage the adapter serves.
func (a *Adapter) Name() kernel.Stage { return a.stage }

// Action returns the action the adapter accepts.
func (a *Adapter) Action() envelope.Action { return a.stage.Action() }

// Sender returns the component name stamped on reply envelopes.
func (a *Adapter) Sender() string { return a.name }

// Process validates req, runs the handler and wraps its outcome in an envelope.
func (a *Adapter) Process(ctx context.Context, req *envelope.Envelope) *envelope.Envelope {
	if req == nil {
		a.logger.Warn("stage_protocol_error", "error", "nil request envelope")
		return envelope.NewError(nil, a.name, "protocol error: nil request envelope")
	}

	ctx, span := tracer.Start(ctx, "stage.process",
		trace.WithAttributes(
			attribute.String("reviewcore.stage", string(a.stage)),
			attribute.String("reviewcore.run.id", req.RunID()),
			attribute.String("reviewcore.message.id", req.ID),
		),
	)
	defer span.End()

	startTime := time.Now()
	logger := a.logger.Bind("run_id", req.RunID(), "message_id", req.ID)

	if err := a.checkRequest(req); err != nil {
		logger.Warn("stage_protocol_error", "error", err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordStageExecution(string(a.stage), "error", 0)
		return envelope.NewError(req, a.name, err.Error())
	}

	logger.Debug("stage_started")

	output, err := kernel.SafeExecuteWithResult(logger, string(a.stage)+"_handler", func() (map[string]any, error) {
		return a.handler(ctx, typeutil.DeepCopyMap(req.Payload.Data))
	})
	durationMS := int(time.Since(startTime).Milliseconds())
	span.SetAttributes(attribute.Int("duration_ms", durationMS))

	if err != nil {
		observability.RecordStageExecution(string(a.stage), "error", durationMS)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("stage_error", "error", err.Error(), "duration_ms", durationMS)
		return envelope.NewError(req, a.name, err.Error())
	}

	observability.RecordStageExecution(string(a.stage), "success", durationMS)
	span.SetStatus(codes.Ok, "success")
	logger.Info("stage_completed", "duration_ms", durationMS)
	return envelope.NewResponse(req, a.name, output)
}

func (a *Adapter) checkRequest(req *envelope.Envelope) error {
	if req.Kind != envelope.KindRequest {
		return fmt.Errorf("protocol error: expected %s envelope, got %q", envelope.KindRequest, req.Kind)
	}
	if req.Action() != a.Action() {
		return fmt.Errorf("unknown action: %s", req.Action())
	}
	return nil
}

// DefaultReceiver returns the component name a stage is addressed by.
func DefaultReceiver(stage kernel.Stage) string {
	switch stage {
	case kernel.StageExtraction:
		return "reader"
	case kernel.StageCritique:
		return "critic"
	case kernel.StageCitation:
		return "citer"
	case kernel.StageSynthesis:
		return "meta-reviewer"
	}
	return string(stage)
}
