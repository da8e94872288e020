package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

// Version is the only accepted value of the "jsonrpc" field.
const Version = "2.0"

// GenericErrorMessage is sent instead of the real error when request
// preprocessing fails, so internal details never cross the wire.
const GenericErrorMessage = "An error occurred"

// Protocol errors. Messages failing these checks are dropped, never answered.
var (
	ErrParse          = errors.New("message is not valid JSON")
	ErrInvalidVersion = errors.New(`jsonrpc field must be "2.0"`)
	ErrInvalidRequest = errors.New("message is neither a request nor a response")
)

// Kind classifies a validated message.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is a JSON-RPC 2.0 envelope: request, notification or response.
// ClientID is the correlation field injected by client transports.
type Message struct {
	JSONRPC  string          `json:"jsonrpc"`
	ID       *jsonrpc2.ID    `json:"id,omitempty"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
}

// Kind reports what the message is. Only meaningful after Decode succeeded.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "":
		return KindNotification
	default:
		return KindResponse
	}
}

// Decode parses and validates one envelope.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if msg.JSONRPC != Version {
		return nil, ErrInvalidVersion
	}
	if msg.Method == "" {
		// Anything without a method must be a response to one of our calls
		if msg.ID == nil || (msg.Result == nil && msg.Error == nil) {
			return nil, ErrInvalidRequest
		}
	}
	return &msg, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params: %w", err)
		}
		return raw, nil
	}
}

// NewRequest builds a request envelope.
func NewRequest(id uint64, method string, params any) (*Message, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: &jsonrpc2.ID{Num: id}, Method: method, Params: raw}, nil
}

// NewNotification builds a notification envelope (no id, no response expected).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

func newResult(id *jsonrpc2.ID, result any) *Message {
	raw, err := json.Marshal(result)
	if err != nil {
		return newError(id, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "failed to encode result"})
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}
}

func newError(id *jsonrpc2.ID, e *jsonrpc2.Error) *Message {
	raw, _ := json.Marshal(e)
	return &Message{JSONRPC: Version, ID: id, Error: raw}
}

// newOpaqueError is the response used when middleware fails.
func newOpaqueError(id *jsonrpc2.ID) *Message {
	raw, _ := json.Marshal(GenericErrorMessage)
	return &Message{JSONRPC: Version, ID: id, Error: raw}
}

// RemoteError is a failure reported by the peer that served a call.
type RemoteError struct {
	Code    int64
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("rpc: remote error: %s", e.Message)
	}
	return fmt.Sprintf("rpc: remote error %d: %s", e.Code, e.Message)
}

// remoteError converts the error member of a response.
// Both the standard object form and a bare string are accepted.
func remoteError(raw json.RawMessage) *RemoteError {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return &RemoteError{Message: text}
	}
	var obj jsonrpc2.Error
	if err := json.Unmarshal(raw, &obj); err == nil {
		re := &RemoteError{Code: obj.Code, Message: obj.Message}
		if obj.Data != nil {
			re.Data = *obj.Data
		}
		return re
	}
	return &RemoteError{Message: string(raw)}
}

// IsMethodNotFound reports whether err is a remote "method not found" failure.
func IsMethodNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == jsonrpc2.CodeMethodNotFound
}
