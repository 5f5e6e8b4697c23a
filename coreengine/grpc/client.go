package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/agents"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/config"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
)

// RemoteStage is an agents.Stage served by a StageServer in another process.
// Transport failures come back as error envelopes, never as Go errors.
type RemoteStage struct {
	stage   kernel.Stage
	target  string
	conn    *grpc.ClientConn
	client  StageServiceClient
	timeout time.Duration
	logger  Logger
}

// DialStage creates a RemoteStage for stage at target. The connection is
// established lazily on the first call. timeout bounds each call; zero means
// only the caller's context applies. Extra opts are appended to the defaults
// (insecure transport and the OpenTelemetry client stats handler).
func DialStage(stage kernel.Stage, target string, timeout time.Duration, logger Logger, opts ...grpc.DialOption) (*RemoteStage, error) {
	if !stage.IsValid() {
		return nil, fmt.Errorf("invalid stage: %q", stage)
	}
	if target == "" {
		return nil, fmt.Errorf("no endpoint for stage '%s'", stage)
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", stage, err)
	}

	return &RemoteStage{
		stage:   stage,
		target:  target,
		conn:    conn,
		client:  NewStageServiceClient(conn),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Name implements agents.Stage.
func (r *RemoteStage) Name() kernel.Stage { return r.stage }

// Action implements agents.Stage.
func (r *RemoteStage) Action() envelope.Action { return r.stage.Action() }

// Target returns the dialled address.
func (r *RemoteStage) Target() string { return r.target }

// Process sends req to the remote stage and returns its reply.
func (r *RemoteStage) Process(ctx context.Context, req *envelope.Envelope) *envelope.Envelope {
	sender := agents.DefaultReceiver(r.stage)
	if req != nil && req.Receiver != "" {
		sender = req.Receiver
	}

	in, err := EnvelopeToStruct(req)
	if err != nil {
		return r.fail(req, sender, err.Error())
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out, err := r.client.Process(ctx, in)
	if err != nil {
		return r.fail(req, sender, describeStatus(err))
	}

	resp, err := StructToEnvelope(out)
	if err != nil {
		return r.fail(req, sender, "invalid reply: "+err.Error())
	}
	return resp
}

func (r *RemoteStage) fail(req *envelope.Envelope, sender, text string) *envelope.Envelope {
	runID := ""
	if req != nil {
		runID = req.RunID()
	}
	r.logger.Warn("remote_stage_failed",
		"stage", string(r.stage),
		"target", r.target,
		"run_id", runID,
		"error", text,
	)
	return envelope.NewError(req, sender, text)
}

// Close closes the underlying connection.
func (r *RemoteStage) Close() error {
	return r.conn.Close()
}

// DialStages dials one RemoteStage per pipeline stage from the endpoints in
// cfg. On error every connection opened so far is closed.
func DialStages(cfg *config.CoreConfig, logger Logger, opts ...grpc.DialOption) ([]*RemoteStage, error) {
	stages := make([]*RemoteStage, 0, len(kernel.Stages()))
	for _, s := range kernel.Stages() {
		remote, err := DialStage(s, cfg.StageEndpoints[s], cfg.CallTimeout(), logger, opts...)
		if err != nil {
			closeErr := CloseStages(stages)
			return nil, errors.Join(err, closeErr)
		}
		stages = append(stages, remote)
	}
	return stages, nil
}

// CloseStages closes every stage's connection.
func CloseStages(stages []*RemoteStage) error {
	var errs []error
	for _, s := range stages {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsStages converts remote stages to the agents.Stage slice a coordinator takes.
func AsStages(remotes []*RemoteStage) []agents.Stage {
	out := make([]agents.Stage, len(remotes))
	for i, r := range remotes {
		out[i] = r
	}
	return out
}
