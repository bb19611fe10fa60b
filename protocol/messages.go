// Package protocol defines the JSON message model carried over the WebSocket
// channel between sync clients and the sync server. Client-initiated messages
// carry a unique _id which the server's reply echoes; mutation broadcasts are
// unsolicited and carry none.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/asaidimu/go-loom/core/schema"
)

// MessageType discriminates wire messages.
type MessageType string

// Client-initiated message types.
const (
	TypeSubscribe   MessageType = "SUBSCRIBE"
	TypeUnsubscribe MessageType = "UNSUBSCRIBE"
	TypeMutate      MessageType = "MUTATE"
	TypePing        MessageType = "PING"
)

// Server-initiated message types.
const (
	TypeSubscribed MessageType = "SUBSCRIBED"
	TypeError      MessageType = "ERROR"
	TypePong       MessageType = "PONG"
)

// Procedure names carried by MUTATE messages.
const (
	ProcedureInsert = "INSERT"
	ProcedureUpdate = "UPDATE"
)

// Error codes carried by ERROR messages.
const (
	CodeBadMessage          = "BAD_MESSAGE"
	CodeUnknownType         = "UNKNOWN_TYPE"
	CodeUnknownResource     = "UNKNOWN_RESOURCE"
	CodeUnknownSubscription = "UNKNOWN_SUBSCRIPTION"
	CodeValidation          = "VALIDATION"
	CodeRejected            = "REJECTED"
	CodeStorage             = "STORAGE"
	CodeInternal            = "INTERNAL"
)

// Query is the wire shape of a subscription or find query. Where and Include
// stay raw here; the server parses them against its schema.
type Query struct {
	Where   map[string]any `json:"where,omitempty"`
	Include map[string]any `json:"include,omitempty"`
	OrderBy map[string]any `json:"orderBy,omitempty"`
	Limit   int            `json:"limit,omitempty"`
}

// Message is a single protocol frame. Unused fields are omitted on the wire;
// which fields are meaningful depends on Type.
type Message struct {
	ID         string                    `json:"_id,omitempty"`
	Type       MessageType               `json:"type"`
	Resource   string                    `json:"resource,omitempty"`
	Query      *Query                    `json:"query,omitempty"`
	SubID      string                    `json:"subId,omitempty"`
	Snapshot   []map[string]any          `json:"snapshot,omitempty"`
	Procedure  string                    `json:"procedure,omitempty"`
	Payload    map[string]schema.Encoded `json:"payload,omitempty"`
	MutationID string                    `json:"mutationId,omitempty"`
	ResourceID string                    `json:"resourceId,omitempty"`
	Origin     string                    `json:"origin,omitempty"`
	Code       string                    `json:"code,omitempty"`
	Text       string                    `json:"message,omitempty"`
}

// ProtocolError reports a malformed or unserviceable message. It is returned
// to the offending peer as an ERROR frame keyed to the message's _id and
// never takes down the connection.
type ProtocolError struct {
	Code   string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Code, e.Detail)
}

// Parse decodes and minimally validates a wire frame.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, &ProtocolError{Code: CodeBadMessage, Detail: err.Error()}
	}
	if m.Type == "" {
		return Message{}, &ProtocolError{Code: CodeBadMessage, Detail: "missing message type"}
	}
	return m, nil
}

// Encode serializes a frame for the wire.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// NewError builds an ERROR frame keyed to the offending message id.
func NewError(id, code, text string) Message {
	return Message{ID: id, Type: TypeError, Code: code, Text: text}
}
