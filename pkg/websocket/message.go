// Package websocket defines the wire protocol of the observer gateway:
// a typed JSON frame for requests, responses, errors, and the lifecycle
// event notifications pushed to connected clients.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType classifies a frame.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the frame envelope. Requests carry a client-chosen ID that the
// matching response or error echoes back; notifications have no ID.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func newMessage(typ MessageType, id, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      typ,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewRequest builds a request frame.
func NewRequest(id, action string, payload interface{}) (*Message, error) {
	return newMessage(MessageTypeRequest, id, action, payload)
}

// NewResponse builds the response to a request frame.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	return newMessage(MessageTypeResponse, id, action, payload)
}

// NewNotification builds a server push frame.
func NewNotification(action string, payload interface{}) (*Message, error) {
	return newMessage(MessageTypeNotification, "", action, payload)
}

// NewError builds an error frame.
func NewError(id, action, code, message string, details map[string]interface{}) (*Message, error) {
	return newMessage(MessageTypeError, id, action, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// ParsePayload decodes the payload into v. A missing payload is not an error.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
