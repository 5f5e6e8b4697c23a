package grpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/envelope"
)

// EnvelopeToStruct encodes e as a protobuf Struct holding its JSON form.
func EnvelopeToStruct(e *envelope.Envelope) (*structpb.Struct, error) {
	if e == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return s, nil
}

// StructToEnvelope decodes and validates an envelope carried in s.
// Numbers come back as float64, as with any JSON decoding.
func StructToEnvelope(s *structpb.Struct) (*envelope.Envelope, error) {
	if s == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var e envelope.Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
