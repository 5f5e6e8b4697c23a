package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/typeutil"
)

// ContextKeyRunID is the context key under which the coordinator stores the run identifier.
const ContextKeyRunID = "run_id"

// Payload is the action-specific body of an envelope.
//
// Requests and responses carry Data; error envelopes carry Error. Action is
// present on every kind and names the operation the payload belongs to.
type Payload struct {
	Action Action         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Envelope is a single request, response or error message.
type Envelope struct {
	ID        string         `json:"message_id"`
	Sender    string         `json:"sender"`
	Receiver  string         `json:"receiver"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"message_type"`
	Payload   Payload        `json:"payload"`
	Context   map[string]any `json:"context"`
}

// NewRequest creates a request envelope. A nil context is stored as an empty map.
func NewRequest(sender, receiver string, action Action, data map[string]any, ctx map[string]any) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Sender:    sender,
		Receiver:  receiver,
		Timestamp: now(),
		Kind:      KindRequest,
		Payload: Payload{
			Action: action,
			Data:   data,
		},
		Context: contextOf(ctx),
	}
}

// NewResponse creates a response to req. The response is addressed back to
// the request's sender and copies its action and context.
func NewResponse(req *Envelope, sender string, data map[string]any) *Envelope {
	if data == nil {
		data = map[string]any{}
	}
	env := reply(req, sender, KindResponse)
	env.Payload.Data = data
	return env
}

// NewError creates an error reply to req. req may be nil, in which case the
// error carries no action and an empty context.
func NewError(req *Envelope, sender string, errText string) *Envelope {
	env := reply(req, sender, KindError)
	env.Payload.Error = errText
	return env
}

func reply(req *Envelope, sender string, kind Kind) *Envelope {
	env := &Envelope{
		ID:        uuid.New().String(),
		Sender:    sender,
		Timestamp: now(),
		Kind:      kind,
		Context:   map[string]any{},
	}
	if req != nil {
		env.Receiver = req.Sender
		env.Payload.Action = req.Payload.Action
		env.Context = contextOf(req.Context)
	}
	return env
}

// contextOf copies ctx so a reply never aliases the request's context map.
func contextOf(ctx map[string]any) map[string]any {
	if ctx == nil {
		return map[string]any{}
	}
	return typeutil.DeepCopyMap(ctx)
}

func now() time.Time {
	return time.Now().UTC().Round(0)
}

// Action returns the payload's action.
func (e *Envelope) Action() Action {
	return e.Payload.Action
}

// IsRequest reports whether e is a request.
func (e *Envelope) IsRequest() bool { return e.Kind == KindRequest }

// IsResponse reports whether e is a response.
func (e *Envelope) IsResponse() bool { return e.Kind == KindResponse }

// IsError reports whether e is an error envelope.
func (e *Envelope) IsError() bool { return e.Kind == KindError }

// RunID returns the run identifier carried in the context, if any.
func (e *Envelope) RunID() string {
	return typeutil.SafeStringDefault(e.Context[ContextKeyRunID], "")
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload.Data = typeutil.DeepCopyMap(e.Payload.Data)
	c.Context = typeutil.DeepCopyMap(e.Context)
	return &c
}

// Validation errors.
var (
	ErrMissingID     = errors.New("envelope: message_id is required")
	ErrInvalidKind   = errors.New("envelope: invalid message_type")
	ErrInvalidAction = errors.New("envelope: invalid action")
	ErrMissingError  = errors.New("envelope: error envelope without error description")
)

// Validate checks that e is structurally well formed.
func (e *Envelope) Validate() error {
	if e == nil {
		return errors.New("envelope: nil envelope")
	}
	if e.ID == "" {
		return ErrMissingID
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, e.Kind)
	}
	if e.Kind == KindError {
		if e.Payload.Error == "" {
			return ErrMissingError
		}
		return nil
	}
	if !e.Payload.Action.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, e.Payload.Action)
	}
	return nil
}
