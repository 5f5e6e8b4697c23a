package grpc

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/testutil"
)

var processInfo = &grpc.UnaryServerInfo{FullMethod: StageService_Process_FullMethodName}

func requestStruct(t *testing.T) any {
	t.Helper()
	s, err := EnvelopeToStruct(newRequest(kernel.StageCritique, map[string]any{}))
	require.NoError(t, err)
	return s
}

func okHandler(ctx context.Context, req any) (any, error) { return "reply", nil }

// grpcRequestCount reads reviewcore_grpc_requests_total for one method and
// status from the default registry.
func grpcRequestCount(t *testing.T, method, code string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "reviewcore_grpc_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == method && labels["status"] == code {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// =============================================================================
// LOGGING INTERCEPTOR TESTS
// =============================================================================

func TestLoggingInterceptor_Success(t *testing.T) {
	logger := testutil.NewMockLogger()
	req := requestStruct(t)

	resp, err := LoggingInterceptor(logger)(context.Background(), req, processInfo, okHandler)

	require.NoError(t, err)
	assert.Equal(t, "reply", resp)
	logs := logger.GetLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "grpc_request_completed", logs[0].Message)
	assert.Equal(t, StageService_Process_FullMethodName, logs[0].Fields["method"])
	assert.Equal(t, "critique", logs[0].Fields["action"])
	assert.Equal(t, "run-1", logs[0].Fields["run_id"])
	assert.NotEmpty(t, logs[0].Fields["message_id"])
}

func TestLoggingInterceptor_Failures(t *testing.T) {
	tests := []struct {
		name    string
		code    codes.Code
		level   string
		message string
	}{
		{"invalid argument", codes.InvalidArgument, "warn", "grpc_request_rejected"},
		{"deadline", codes.DeadlineExceeded, "warn", "grpc_request_rejected"},
		{"cancelled", codes.Canceled, "warn", "grpc_request_rejected"},
		{"internal", codes.Internal, "error", "grpc_request_failed"},
		{"unavailable", codes.Unavailable, "error", "grpc_request_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := testutil.NewMockLogger()
			handler := func(ctx context.Context, req any) (any, error) {
				return nil, status.Error(tt.code, "nope")
			}

			_, err := LoggingInterceptor(logger)(context.Background(), "not an envelope", processInfo, handler)

			require.Error(t, err)
			logs := logger.GetLogs()
			require.Len(t, logs, 1)
			assert.Equal(t, tt.level, logs[0].Level)
			assert.Equal(t, tt.message, logs[0].Message)
			assert.Equal(t, tt.code.String(), logs[0].Fields["code"])
			assert.NotContains(t, logs[0].Fields, "action")
		})
	}
}

// =============================================================================
// RECOVERY INTERCEPTOR TESTS
// =============================================================================

func TestRecoveryInterceptor_NoPanic(t *testing.T) {
	logger := testutil.NewMockLogger()

	resp, err := RecoveryInterceptor(logger)(context.Background(), requestStruct(t), processInfo, okHandler)

	require.NoError(t, err)
	assert.Equal(t, "reply", resp)
	assert.Empty(t, logger.GetLogs())
}

func TestRecoveryInterceptor_Panic(t *testing.T) {
	logger := testutil.NewMockLogger()
	handler := func(ctx context.Context, req any) (any, error) {
		panic("stage exploded")
	}

	resp, err := RecoveryInterceptor(logger)(context.Background(), requestStruct(t), processInfo, handler)

	assert.Nil(t, resp)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Equal(t, "panic recovered: stage exploded", st.Message())

	require.True(t, logger.HasLog("error", "grpc_panic_recovered"))
	fields := logger.GetLogs()[0].Fields
	assert.Equal(t, "stage exploded", fields["panic"])
	assert.Equal(t, "critique", fields["action"])
	assert.NotEmpty(t, fields["stack"])
}

// =============================================================================
// METRICS INTERCEPTOR TESTS
// =============================================================================

func TestMetricsInterceptor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"success", nil, "OK"},
		{"failure", status.Error(codes.Internal, "internal error"), "Internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &grpc.UnaryServerInfo{FullMethod: "/reviewcore.test/" + tt.name}
			handler := func(ctx context.Context, req any) (any, error) { return nil, tt.err }

			_, err := MetricsInterceptor()(context.Background(), nil, info, handler)

			assert.Equal(t, tt.err, err)
			assert.Equal(t, 1.0, grpcRequestCount(t, info.FullMethod, tt.code))
		})
	}
}

// =============================================================================
// SERVER OPTIONS TESTS
// =============================================================================

func TestServerOptions(t *testing.T) {
	// Stats handler plus the unary chain.
	assert.Len(t, ServerOptions(testutil.NewMockLogger()), 2)
}

func TestEnvelopeFields(t *testing.T) {
	assert.Nil(t, envelopeFields(nil))
	assert.Nil(t, envelopeFields("request"))

	kv := envelopeFields(requestStruct(t))
	require.Len(t, kv, 6)
	assert.Equal(t, "message_id", kv[0])
	assert.Equal(t, []any{"action", "critique", "run_id", "run-1"}, kv[2:])
}
