package grpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// =============================================================================
// STATUS ERRORS
// =============================================================================
//
// Errors crossing the transport use stable gRPC codes. Stage failures are
// never status errors; they travel inside error envelopes.

// InvalidArgument returns a gRPC InvalidArgument error.
// Use for requests that do not carry a valid request envelope.
func InvalidArgument(what string, cause error) error {
	return status.Errorf(codes.InvalidArgument, "invalid %s: %v", what, cause)
}

// Internal wraps an internal error with context.
// Use when the server cannot produce a reply envelope.
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// describeStatus renders a transport error for an error envelope.
func describeStatus(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return "transport error: " + err.Error()
	}
	return "transport error: " + st.Code().String() + ": " + st.Message()
}
