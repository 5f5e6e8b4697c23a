// Package runtime provides the Coordinator - the review pipeline engine.
//
// A Coordinator runs the four stages strictly in order for each run. Stage
// failures never stop a run: a hard stage failure is recorded and the stage
// is left without output, a soft stage failure is recorded and replaced by an
// empty output. Only a failure of the coordinator's own bookkeeping (or a
// cancelled context) ends a run early, as a *FatalError.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/reviewcore/commbus"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/agents"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/checkpoint"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/config"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/typeutil"
)

// DefaultSender is the component name the coordinator stamps on requests.
const DefaultSender = "orchestrator"

// StreamEndStage marks the last StageOutput of a streamed run.
const StreamEndStage = "__end__"

var tracer = otel.Tracer("reviewcore/runtime")

// StageOutput represents output from a pipeline stage.
type StageOutput struct {
	Stage  string
	Output map[string]any
	// Error is the stage failure, if the stage failed.
	Error error
	// Result is set on the StreamEndStage marker of a run that finished.
	Result *Result
}

// Coordinator executes the review pipeline. It holds no per-run state and is
// safe for concurrent use.
type Coordinator struct {
	config   *config.PipelineConfig
	stages   map[kernel.Stage]agents.Stage
	store    checkpoint.Store
	bus      commbus.CommBus
	logger   agents.Logger
	now      func() time.Time
	newRunID func() string
	sender   string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBus publishes run lifecycle events to bus.
func WithBus(bus commbus.CommBus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRunIDGenerator replaces the UUID run identifier generator.
func WithRunIDGenerator(gen func() string) Option {
	return func(c *Coordinator) {
		if gen != nil {
			c.newRunID = gen
		}
	}
}

// WithSender sets the component name stamped on request envelopes.
func WithSender(name string) Option {
	return func(c *Coordinator) {
		if name != "" {
			c.sender = name
		}
	}
}

// NewCoordinator creates a Coordinator for cfg. stages must contain exactly
// one implementation per configured stage. A nil store uses an in-memory
// store; a nil logger discards logs.
func NewCoordinator(
	cfg *config.PipelineConfig,
	stages []agents.Stage,
	store checkpoint.Store,
	logger agents.Logger,
	opts ...Option,
) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	byName := make(map[kernel.Stage]agents.Stage, len(stages))
	for _, s := range stages {
		if s == nil {
			return nil, fmt.Errorf("nil stage")
		}
		if _, dup := byName[s.Name()]; dup {
			return nil, fmt.Errorf("duplicate stage: %s", s.Name())
		}
		if s.Action() != s.Name().Action() {
			return nil, fmt.Errorf("stage '%s' must use action '%s', got '%s'", s.Name(), s.Name().Action(), s.Action())
		}
		byName[s.Name()] = s
	}
	for _, sc := range cfg.Stages {
		if _, ok := byName[sc.Name]; !ok {
			return nil, fmt.Errorf("no implementation for stage '%s'", sc.Name)
		}
	}
	if len(byName) != len(cfg.Stages) {
		return nil, fmt.Errorf("got %d stage implementations for %d configured stages", len(byName), len(cfg.Stages))
	}

	c := &Coordinator{
		config:   cfg,
		stages:   byName,
		store:    store,
		logger:   logger.Bind("pipeline", cfg.Name),
		now:      time.Now,
		newRunID: func() string { return uuid.New().String() },
		sender:   DefaultSender,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger.Info("coordinator_built",
		"stage_count", len(c.stages),
		"stages", cfg.GetStageOrder(),
		"checkpoint_backend", checkpoint.BackendName(store),
	)
	return c, nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// Review runs the pipeline for input and returns the aggregate result.
//
// Stage failures are reported in Result.Metadata.Errors, never as an error.
// An invalid input is rejected before a run is created. Any other error is a
// *FatalError.
func (c *Coordinator) Review(ctx context.Context, input kernel.Input) (*Result, error) {
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return c.review(ctx, input, nil)
}

// ReviewWithStream runs the pipeline in the background and streams each
// stage's output as it completes. The last value has Stage StreamEndStage and
// carries either the Result or the fatal error; the channel is then closed.
func (c *Coordinator) ReviewWithStream(ctx context.Context, input kernel.Input) (<-chan StageOutput, error) {
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	outputChan := make(chan StageOutput, len(c.config.Stages)+1)
	go func() {
		defer close(outputChan)

		result, err := c.review(ctx, input, func(out StageOutput) {
			outputChan <- out
		})

		end := StageOutput{Stage: StreamEndStage, Result: result, Error: err}
		if result != nil {
			end.Output = map[string]any{
				"run_id":   result.RunID,
				"degraded": result.Metadata.Degraded,
			}
		}
		outputChan <- end
	}()

	return outputChan, nil
}

func (c *Coordinator) review(ctx context.Context, input kernel.Input, emit func(StageOutput)) (*Result, error) {
	runID := c.newRunID()
	logger := c.logger.Bind("run_id", runID)

	ctx, span := tracer.Start(ctx, "pipeline.review",
		trace.WithAttributes(
			attribute.String("reviewcore.pipeline", c.config.Name),
			attribute.String("reviewcore.run.id", runID),
			attribute.String("reviewcore.source.kind", string(input.Kind)),
		),
	)
	defer span.End()

	startTime := c.now()
	current := kernel.NewRun(runID, input, startTime)

	logger.Info("run_started",
		"source_locator", input.Locator,
		"source_kind", string(input.Kind),
		"stage_order", c.config.GetStageOrder(),
	)
	c.publish(ctx, logger, &commbus.RunStarted{
		RunID:         runID,
		Pipeline:      c.config.Name,
		SourceLocator: input.Locator,
		SourceKind:    string(input.Kind),
		StartedAt:     current.StartedAt,
	})
	c.checkpoint(ctx, logger, current)

	for _, sc := range c.config.Stages {
		if err := ctx.Err(); err != nil {
			logger.Info("run_cancelled", "stage", string(sc.Name), "reason", err.Error())
			return nil, c.fail(ctx, logger, span, current, startTime, err)
		}

		err := kernel.SafeExecute(logger, "coordinator_"+string(sc.Name), func() error {
			return c.step(ctx, logger, &current, sc, emit)
		})
		if err != nil {
			return nil, c.fail(ctx, logger, span, current, startTime, err)
		}
	}

	result, err := kernel.SafeExecuteWithResult(logger, "coordinator_complete", func() (*Result, error) {
		final, err := current.Complete(c.now())
		if err != nil {
			return nil, err
		}
		current = final
		c.checkpoint(ctx, logger, final)
		return newResult(final, startTime, c.now()), nil
	})
	if err != nil {
		return nil, c.fail(ctx, logger, span, current, startTime, err)
	}

	status := commbus.RunStatusSuccess
	if result.Metadata.Degraded {
		status = commbus.RunStatusDegraded
	}
	durationMS := int(result.Metadata.ProcessingTimeSeconds * 1000)
	observability.RecordRun(c.config.Name, status, durationMS)

	span.SetAttributes(
		attribute.Int("reviewcore.tool_invocations", result.Metadata.ToolInvocations),
		attribute.Int("reviewcore.errors", len(result.Metadata.Errors)),
	)
	span.SetStatus(codes.Ok, status)

	logger.Info("run_completed",
		"status", status,
		"duration_ms", durationMS,
		"tool_invocations", result.Metadata.ToolInvocations,
		"error_count", len(result.Metadata.Errors),
	)
	c.publish(ctx, logger, &commbus.RunCompleted{
		RunID:           runID,
		Status:          status,
		DurationMS:      durationMS,
		ToolInvocations: result.Metadata.ToolInvocations,
		Errors:          len(result.Metadata.Errors),
	})

	return result, nil
}

// step enters one stage, calls it, and folds the reply into *cur. *cur is
// updated after every transition so a failure leaves the last good snapshot.
func (c *Coordinator) step(ctx context.Context, logger agents.Logger, cur *kernel.Run, sc *config.StageConfig, emit func(StageOutput)) error {
	stage := sc.Name
	from := cur.Phase

	entered, err := cur.Enter(stage, c.now())
	if err != nil {
		return err
	}
	*cur = entered
	c.checkpoint(ctx, logger, entered)

	c.publish(ctx, logger, &commbus.StageTransition{
		RunID:     entered.RunID,
		FromPhase: string(from),
		ToPhase:   string(entered.Phase),
		Errors:    len(entered.Errors),
	})
	c.publish(ctx, logger, &commbus.StageStarted{
		RunID:       entered.RunID,
		Stage:       string(stage),
		Action:      string(stage.Action()),
		StageNumber: stage.Index() + 1,
	})

	req := envelope.NewRequest(
		c.sender,
		sc.Receiver,
		stage.Action(),
		c.buildRequest(entered, stage),
		map[string]any{envelope.ContextKeyRunID: entered.RunID},
	)

	started := c.now()
	resp := c.callStage(ctx, logger, stage, req)
	result := interpret(stage, c.config.PolicyFor(stage), req, resp)
	durationMS := int(c.now().Sub(started).Milliseconds())

	applied, err := entered.Apply(result, c.now())
	if err != nil {
		return err
	}
	*cur = applied
	c.checkpoint(ctx, logger, applied)

	status := commbus.StageStatusSuccess
	var errText *string
	if result.Err != nil {
		status = commbus.StageStatusError
		if result.Substituted {
			status = commbus.StageStatusSubstituted
		}
		text := kernel.StageErrorText(stage, result.Err)
		errText = &text
		logger.Warn("stage_failed",
			"stage", string(stage),
			"policy", string(c.config.PolicyFor(stage)),
			"substituted", result.Substituted,
			"error", result.Err.Error(),
		)
	} else {
		logger.Info("stage_completed", "stage", string(stage), "duration_ms", durationMS)
	}

	c.publish(ctx, logger, &commbus.StageCompleted{
		RunID:      applied.RunID,
		Stage:      string(stage),
		Status:     status,
		DurationMS: durationMS,
		Error:      errText,
	})

	if emit != nil {
		out, _ := applied.Output(stage)
		emit(StageOutput{
			Stage:  string(stage),
			Output: typeutil.DeepCopyMap(out),
			Error:  result.Err,
		})
	}
	return nil
}

// callStage invokes the stage. A panicking stage implementation is turned
// into an error envelope like any other stage failure.
func (c *Coordinator) callStage(ctx context.Context, logger agents.Logger, stage kernel.Stage, req *envelope.Envelope) *envelope.Envelope {
	resp, err := kernel.SafeExecuteWithResult(logger, string(stage)+"_stage", func() (*envelope.Envelope, error) {
		return c.stages[stage].Process(ctx, req), nil
	})
	if err != nil {
		return envelope.NewError(req, req.Receiver, err.Error())
	}
	return resp
}

// buildRequest derives a stage's request data from the outputs recorded so
// far. A missing upstream output is sent as an empty object.
func (c *Coordinator) buildRequest(run kernel.Run, stage kernel.Stage) map[string]any {
	output := func(s kernel.Stage) map[string]any {
		out, _ := run.Output(s)
		return typeutil.DeepCopyMap(out)
	}

	switch stage {
	case kernel.StageExtraction:
		return agents.ExtractRequest{
			Source:     run.Input.Locator,
			SourceType: string(run.Input.Kind),
		}.Data()
	case kernel.StageCritique:
		return agents.CritiqueRequest{PaperContent: output(kernel.StageExtraction)}.Data()
	case kernel.StageCitation:
		return agents.NewCitationRequest(output(kernel.StageExtraction), c.config.MaxRelated).Data()
	case kernel.StageSynthesis:
		return agents.SynthesisRequest{
			PaperContent:   output(kernel.StageExtraction),
			CriticAnalysis: output(kernel.StageCritique),
			CitationData:   output(kernel.StageCitation),
		}.Data()
	}
	return map[string]any{}
}

// interpret checks a reply against its request and applies the stage's
// failure policy.
func interpret(stage kernel.Stage, policy kernel.Policy, req, resp *envelope.Envelope) kernel.StageResult {
	var err error
	var output map[string]any

	switch {
	case resp == nil:
		err = errors.New("protocol error: stage returned no envelope")
	case resp.Action() != req.Action():
		err = fmt.Errorf("protocol error: reply action %q does not match request action %q", resp.Action(), req.Action())
	case !reflect.DeepEqual(resp.Context, req.Context):
		err = errors.New("protocol error: reply context does not match request context")
	case resp.IsError():
		text := resp.Payload.Error
		if text == "" {
			text = "unknown error"
		}
		err = errors.New(text)
	case resp.IsResponse():
		output, err = typeutil.NormalizeMap(resp.Payload.Data)
		if err != nil {
			output = nil
			err = fmt.Errorf("protocol error: %w", err)
		} else if output == nil {
			output = map[string]any{}
		}
	default:
		err = fmt.Errorf("protocol error: expected %s or %s envelope, got %q", envelope.KindResponse, envelope.KindError, resp.Kind)
	}

	if err == nil {
		return kernel.StageResult{Stage: stage, Output: output}
	}
	if policy == kernel.PolicySoft {
		return kernel.StageResult{Stage: stage, Output: map[string]any{}, Err: err, Substituted: true}
	}
	return kernel.StageResult{Stage: stage, Err: err}
}

// =============================================================================
// BOOKKEEPING
// =============================================================================

// checkpoint saves run. Failures are logged and counted, never returned.
func (c *Coordinator) checkpoint(ctx context.Context, logger agents.Logger, run kernel.Run) {
	backend := checkpoint.BackendName(c.store)
	if err := c.store.Save(ctx, run.RunID, run); err != nil {
		observability.RecordCheckpointWrite(backend, "error")
		logger.Warn("checkpoint_save_error",
			"phase", string(run.Phase),
			"backend", backend,
			"error", err.Error(),
		)
		return
	}
	observability.RecordCheckpointWrite(backend, "success")
}

func (c *Coordinator) publish(ctx context.Context, logger agents.Logger, event commbus.Message) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, event); err != nil {
		logger.Warn("event_publish_error",
			"event", commbus.GetMessageType(event),
			"error", err.Error(),
		)
	}
}

// fail ends a run with a fatal error. The failed snapshot is saved best-effort
// even when ctx is already cancelled.
func (c *Coordinator) fail(ctx context.Context, logger agents.Logger, span trace.Span, run kernel.Run, startTime time.Time, cause error) *FatalError {
	fatal := &FatalError{RunID: run.RunID, Phase: run.Phase, Cause: cause}
	saveCtx := context.WithoutCancel(ctx)
	now := time.Now()

	if failed, err := run.Fail(c.safeNow(now)); err == nil {
		c.checkpoint(saveCtx, logger, failed)
	}

	durationMS := int(c.safeNow(now).Sub(startTime).Milliseconds())
	observability.RecordRun(c.config.Name, commbus.RunStatusFailed, durationMS)
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	logger.Error("run_failed",
		"phase", string(run.Phase),
		"duration_ms", durationMS,
		"error", cause.Error(),
	)

	errText := fatal.Error()
	c.publish(saveCtx, logger, &commbus.RunCompleted{
		RunID:           run.RunID,
		Status:          commbus.RunStatusFailed,
		DurationMS:      durationMS,
		ToolInvocations: run.ToolInvocations,
		Errors:          len(run.Errors),
		Error:           &errText,
	})
	return fatal
}

// safeNow reads the configured clock, falling back when it panics.
func (c *Coordinator) safeNow(fallback time.Time) (t time.Time) {
	defer func() {
		if recover() != nil {
			t = fallback
		}
	}()
	return c.now()
}

// =============================================================================
// ERRORS
// =============================================================================

// FatalError reports a run that was aborted by a coordinator failure rather
// than a stage failure.
type FatalError struct {
	RunID string
	Phase kernel.Phase
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("run %s failed in phase %s: %v", e.RunID, e.Phase, e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}
