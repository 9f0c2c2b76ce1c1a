// Package rpc models raw JSON-RPC 2.0 messages for pass-through routing.
// Payloads are kept as json.RawMessage so that forwarded messages can be
// inspected without re-encoding them.
package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// CodeRequestCancelled is returned for requests whose backend was retired
// or crashed before producing a reply.
const CodeRequestCancelled int64 = -32800

// ID is a JSON-RPC request identifier, either a number or a string.
// The zero value is the number 0. IDs are comparable and usable as map keys.
type ID struct {
	number   int64
	str      string
	isString bool
}

// NewNumberID returns an ID holding a numeric identifier.
func NewNumberID(n int64) ID {
	return ID{number: n}
}

// NewStringID returns an ID holding a string identifier.
func NewStringID(s string) ID {
	return ID{str: s, isString: true}
}

// String returns a log-friendly representation of the ID.
func (id ID) String() string {
	if id.isString {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.number, 10)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isString {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.number)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	*id = ID{}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		id.isString = true
		return json.Unmarshal(data, &id.str)
	}
	if err := json.Unmarshal(data, &id.number); err != nil {
		return fmt.Errorf("request id must be a number or a string: %w", err)
	}
	return nil
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is the common shape of requests, notifications and responses.
// Unrecognized payload keys live inside Params/Result and survive untouched;
// callers that must forward a message bytewise should prefer the raw frame
// body over re-encoding this struct.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether the message is a request (has both id and method).
func (m *Message) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IsNotification reports whether the message is a notification (method, no id).
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsResponse reports whether the message is a response (id, no method).
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// NewRequest builds a request with the given id, method and params.
// Params may be nil or any json-encodable value.
func NewRequest(id ID, method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification with the given method and params.
func NewNotification(method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a successful response. A nil result is encoded as JSON
// null, which the protocol requires for responses without a value.
func NewResponse(id ID, result interface{}) (*Message, error) {
	raw := json.RawMessage("null")
	if result != nil {
		var err error
		raw, err = json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encoding response result: %w", err)
		}
	}
	return &Message{JSONRPC: Version, ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response with the given code and message.
func NewErrorResponse(id ID, code int64, message string) *Message {
	return &Message{JSONRPC: Version, ID: &id, Error: &Error{Code: code, Message: message}}
}

// Encode serializes the message to its wire body.
func (m *Message) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return body, nil
}

// Decode parses a wire body into a Message.
func Decode(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &m, nil
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return raw, nil
}
