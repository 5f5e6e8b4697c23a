// Package grpc carries stage envelopes between processes.
//
// A StageServer hosts local stages behind the StageService; a RemoteStage is
// the agents.Stage the coordinator uses to call one. Stage failures always
// travel as error envelopes. gRPC status errors only describe transport
// problems, and RemoteStage turns those into error envelopes too.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/agents"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
)

// Logger interface for the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

var tracer = otel.Tracer("reviewcore/grpc")

// StageServer implements StageServiceServer over local stages, routing each
// request by its action.
type StageServer struct {
	logger Logger
	name   string
	stages map[envelope.Action]agents.Stage
}

// NewStageServer creates a server hosting stages. name is the sender used
// on error envelopes the server produces itself.
func NewStageServer(name string, logger Logger, stages ...agents.Stage) (*StageServer, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}
	byAction := make(map[envelope.Action]agents.Stage, len(stages))
	for _, s := range stages {
		if s == nil {
			return nil, fmt.Errorf("nil stage")
		}
		if _, dup := byAction[s.Action()]; dup {
			return nil, fmt.Errorf("duplicate stage for action %s", s.Action())
		}
		byAction[s.Action()] = s
	}
	return &StageServer{logger: logger, name: name, stages: byAction}, nil
}

// Actions returns the hosted actions, sorted.
func (s *StageServer) Actions() []string {
	out := make([]string, 0, len(s.stages))
	for a := range s.stages {
		out = append(out, string(a))
	}
	sort.Strings(out)
	return out
}

// Process implements StageServiceServer.
func (s *StageServer) Process(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := StructToEnvelope(in)
	if err != nil {
		return nil, InvalidArgument("envelope", err)
	}

	// An action outside the pipeline leaves pipelineStage empty.
	pipelineStage, _ := kernel.StageForAction(req.Action())

	ctx, span := tracer.Start(ctx, "stage_server.process",
		trace.WithAttributes(
			attribute.String("reviewcore.action", string(req.Action())),
			attribute.String("reviewcore.stage", string(pipelineStage)),
			attribute.String("reviewcore.run.id", req.RunID()),
		),
	)
	defer span.End()

	var resp *envelope.Envelope
	stage, ok := s.stages[req.Action()]
	if !ok {
		s.logger.Warn("stage_server_unknown_action",
			"action", string(req.Action()),
			"stage", string(pipelineStage),
			"run_id", req.RunID(),
		)
		resp = envelope.NewError(req, s.name, fmt.Sprintf("unknown action: %s", req.Action()))
	} else {
		resp = stage.Process(ctx, req)
	}
	if resp == nil {
		return nil, Internal("process", fmt.Errorf("stage %s returned no envelope", stage.Name()))
	}

	out, err := EnvelopeToStruct(resp)
	if err != nil {
		return nil, Internal("encode reply", err)
	}
	return out, nil
}

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer wraps a gRPC server with graceful shutdown support.
// It serves the StageService and the standard health service.
type GracefulServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     Logger
	address    string

	listener   net.Listener
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer creates a GracefulServer. Without opts the standard
// interceptors and stats handler from ServerOptions are installed.
func NewGracefulServer(stageServer *StageServer, address string, opts ...grpc.ServerOption) *GracefulServer {
	if len(opts) == 0 {
		opts = ServerOptions(stageServer.logger)
	}

	grpcServer := grpc.NewServer(opts...)
	RegisterStageServiceServer(grpcServer, stageServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(StageServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return &GracefulServer{
		grpcServer: grpcServer,
		health:     healthServer,
		logger:     stageServer.logger,
		address:    address,
	}
}

// Start starts the server and blocks until ctx is cancelled.
// When ctx is cancelled, it performs graceful shutdown.
func (s *GracefulServer) Start(ctx context.Context) error {
	errCh, err := s.StartBackground()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated",
			"reason", ctx.Err().Error(),
		)
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// StartBackground listens on the configured address and serves in a
// goroutine. The returned channel receives the serve error, if any.
func (s *GracefulServer) StartBackground() (<-chan error, error) {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis), nil
}

// Serve serves on lis in a goroutine.
func (s *GracefulServer) Serve(lis net.Listener) <-chan error {
	s.shutdownMu.Lock()
	s.listener = lis
	s.shutdownMu.Unlock()

	s.logger.Info("grpc_server_started",
		"address", lis.Addr().String(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// GracefulStop marks the service not serving, stops accepting new
// connections and waits for in-flight calls to complete.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Info("grpc_graceful_stop_started")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// Stop immediately stops the server.
func (s *GracefulServer) Stop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Warn("grpc_immediate_stop")
	s.health.Shutdown()
	s.grpcServer.Stop()
}

// ShutdownWithTimeout performs graceful shutdown with a timeout.
// If shutdown doesn't complete within timeout, it forces an immediate stop.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})

	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout",
			"timeout_ms", timeout.Milliseconds(),
		)
		s.grpcServer.Stop()
	}
}

// Close implements io.Closer for kernel.Shutdown.
func (s *GracefulServer) Close() error {
	s.GracefulStop()
	return nil
}

// Address returns the listening address, or the configured one before Serve.
func (s *GracefulServer) Address() string {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}
