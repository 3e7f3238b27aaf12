package v16

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
)

// MessageType is the first element of every OCPP-J frame.
type MessageType int

const (
	CallType       MessageType = 2
	CallResultType MessageType = 3
	CallErrorType  MessageType = 4
)

// OCPP 1.6 CallError codes. The occurrence code keeps the 1.6 spelling.
const (
	ErrorCodeNotImplemented                = "NotImplemented"
	ErrorCodeNotSupported                  = "NotSupported"
	ErrorCodeInternalError                 = "InternalError"
	ErrorCodeProtocolError                 = "ProtocolError"
	ErrorCodeSecurityError                 = "SecurityError"
	ErrorCodeFormationViolation            = "FormationViolation"
	ErrorCodePropertyConstraintViolation   = "PropertyConstraintViolation"
	ErrorCodeOccurrenceConstraintViolation = "OccurenceConstraintViolation"
	ErrorCodeTypeConstraintViolation       = "TypeConstraintViolation"
	ErrorCodeGenericError                  = "GenericError"
)

// Message is one decoded OCPP-J frame: *Call, *CallResult or *CallError.
type Message interface {
	Type() MessageType
	ID() string
}

type Call struct {
	UniqueID string
	Action   Action
	Payload  json.RawMessage
}

type CallResult struct {
	UniqueID string
	Payload  json.RawMessage
}

// CallError carries a protocol-level failure. Empty details are encoded as {}
// and decoded back to nil.
type CallError struct {
	UniqueID         string
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

func (*Call) Type() MessageType       { return CallType }
func (*CallResult) Type() MessageType { return CallResultType }
func (*CallError) Type() MessageType  { return CallErrorType }

func (c *Call) ID() string       { return c.UniqueID }
func (c *CallResult) ID() string { return c.UniqueID }
func (c *CallError) ID() string  { return c.UniqueID }

func (e *CallError) Error() string {
	return fmt.Sprintf("ocpp call error %s: %s", e.ErrorCode, e.ErrorDescription)
}

// ProtocolError describes a frame or payload that could not be accepted.
// UniqueID is set when it could be read so the peer can correlate the reply.
type ProtocolError struct {
	UniqueID    string
	Kind        MessageType // 0 when the message type itself was unreadable
	Code        string
	Description string
}

func (e *ProtocolError) Error() string {
	if e.UniqueID != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.UniqueID, e.Description)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *ProtocolError) Unwrap() error { return domain.ErrProtocolViolation }

// Replyable reports whether the peer should receive a CallError for this failure.
// Broken responses are never answered.
func (e *ProtocolError) Replyable() bool {
	return e.UniqueID != "" && e.Kind != CallResultType && e.Kind != CallErrorType
}

// AsCallError converts the failure into the reply frame.
func (e *ProtocolError) AsCallError() *CallError {
	return &CallError{UniqueID: e.UniqueID, ErrorCode: e.Code, ErrorDescription: e.Description}
}

func newProtocolError(id string, kind MessageType, code, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{UniqueID: id, Kind: kind, Code: code, Description: fmt.Sprintf(format, args...)}
}

// Decode parses a raw frame. Every failure is a *ProtocolError.
func Decode(raw []byte) (Message, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, newProtocolError("", 0, ErrorCodeFormationViolation, "frame is not a JSON array: %v", err)
	}
	if len(fields) < 2 {
		return nil, newProtocolError("", 0, ErrorCodeFormationViolation, "frame has %d elements", len(fields))
	}

	id, _ := readString(fields[1])

	var typ MessageType
	if err := json.Unmarshal(fields[0], &typ); err != nil {
		return nil, newProtocolError(id, 0, ErrorCodeFormationViolation, "message type is not a number")
	}
	if id == "" {
		return nil, newProtocolError("", typ, ErrorCodeFormationViolation, "unique id must be a non-empty string")
	}

	switch typ {
	case CallType:
		if len(fields) != 4 {
			return nil, newProtocolError(id, typ, ErrorCodeFormationViolation, "call must have 4 elements, got %d", len(fields))
		}
		action, ok := readString(fields[2])
		if !ok || !validActionName(action) {
			return nil, newProtocolError(id, typ, ErrorCodeFormationViolation, "invalid action name")
		}
		if !isObject(fields[3]) {
			return nil, newProtocolError(id, typ, ErrorCodeFormationViolation, "payload must be a JSON object")
		}
		return &Call{UniqueID: id, Action: Action(action), Payload: fields[3]}, nil

	case CallResultType:
		if len(fields) != 3 {
			return nil, newProtocolError(id, typ, ErrorCodeFormationViolation, "call result must have 3 elements, got %d", len(fields))
		}
		if !isObject(fields[2]) {
			return nil, newProtocolError(id, typ, ErrorCodeFormationViolation, "payload must be a JSON object")
		}
		return &CallResult{UniqueID: id, Payload: fields[2]}, nil

	case CallErrorType:
		if len(fields) != 4 && len(fields) != 5 {
			return nil, newProtocolError(id, typ, ErrorCodeFormationViolation, "call error must have 5 elements, got %d", len(fields))
		}
		code, ok := readString(fields[2])
		if !ok || code == "" {
			return nil, newProtocolError(id, typ, ErrorCodeFormationViolation, "error code must be a non-empty string")
		}
		desc, ok := readString(fields[3])
		if !ok {
			return nil, newProtocolError(id, typ, ErrorCodeFormationViolation, "error description must be a string")
		}
		ce := &CallError{UniqueID: id, ErrorCode: code, ErrorDescription: desc}
		if len(fields) == 5 {
			if !isObject(fields[4]) {
				return nil, newProtocolError(id, typ, ErrorCodeFormationViolation, "error details must be a JSON object")
			}
			if !isEmptyObject(fields[4]) {
				ce.ErrorDetails = fields[4]
			}
		}
		return ce, nil

	default:
		return nil, newProtocolError(id, 0, ErrorCodeProtocolError, "unknown message type %d", typ)
	}
}

var emptyObject = json.RawMessage(`{}`)

// Encode serializes a message into its wire frame.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil message")
	}
	if m.ID() == "" {
		return nil, errors.New("message has no unique id")
	}

	var frame []interface{}
	switch v := m.(type) {
	case *Call:
		if !validActionName(string(v.Action)) {
			return nil, fmt.Errorf("invalid action name %q", v.Action)
		}
		frame = []interface{}{CallType, v.UniqueID, v.Action, orEmpty(v.Payload)}
	case *CallResult:
		frame = []interface{}{CallResultType, v.UniqueID, orEmpty(v.Payload)}
	case *CallError:
		frame = []interface{}{CallErrorType, v.UniqueID, v.ErrorCode, v.ErrorDescription, orEmpty(v.ErrorDetails)}
	default:
		return nil, fmt.Errorf("unsupported message %T", m)
	}
	return json.Marshal(frame)
}

// NewCall builds a request frame from a typed payload.
func NewCall(id string, action Action, payload interface{}) (*Call, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", action, err)
	}
	return &Call{UniqueID: id, Action: action, Payload: raw}, nil
}

// NewCallResult builds a response frame echoing the request's id.
func NewCallResult(id string, payload interface{}) (*CallResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal result payload: %w", err)
	}
	return &CallResult{UniqueID: id, Payload: raw}, nil
}

func NewCallError(id, code, description string) *CallError {
	return &CallError{UniqueID: id, ErrorCode: code, ErrorDescription: description}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Bind decodes an action payload into v and validates it. Failures are
// returned as *ProtocolError with the matching OCPP error code.
func Bind(payload json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(orEmpty(payload), v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return newProtocolError("", CallType, ErrorCodeTypeConstraintViolation, "field %q: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
		}
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return newProtocolError("", CallType, ErrorCodeFormationViolation, "payload: %v", err)
		}
		// Remaining failures come from field decoders such as timestamps.
		return newProtocolError("", CallType, ErrorCodeTypeConstraintViolation, "payload: %v", err)
	}

	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			code := ErrorCodePropertyConstraintViolation
			if fe.Tag() == "required" || (fe.Tag() == "min" && fe.Kind() == reflect.Slice) {
				code = ErrorCodeOccurrenceConstraintViolation
			}
			return newProtocolError("", CallType, code, "field %q failed %q", fieldPath(fe.Namespace()), fe.Tag())
		}
		return newProtocolError("", CallType, ErrorCodeFormationViolation, "payload: %v", err)
	}
	return nil
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func readString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) >= 2 && trimmed[0] == '{'
}

func isEmptyObject(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	return len(m) == 0
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return emptyObject
	}
	return raw
}

func validActionName(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
