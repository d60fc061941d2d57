// Package wire defines the duplex message envelope the RemoteRuntimeAdapter
// exchanges with the host application's remote-debugging endpoint.
package wire

import (
	"encoding/json"
	"time"
)

// MessageType identifies the role of a Message on the wire.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Action names the host capability method being invoked.
type Action string

const (
	ActionEvaluate              Action = "evaluate"
	ActionGetAllSessions        Action = "getAllSessions"
	ActionGetTranscript         Action = "getTranscript"
	ActionSendMessage           Action = "sendMessage"
	ActionStartSession          Action = "start"
	ActionArchiveSession        Action = "archiveSession"
	ActionDeleteSession         Action = "deleteSession"
	ActionSwitchSession         Action = "switchSession"
	ActionGetCurrentSessionID   Action = "getCurrentSessionId"
	ActionGetPendingPermissions Action = "getPendingPermissions"
	ActionRespondToPermission   Action = "respondToPermission"
	ActionGetPendingQuestions   Action = "getPendingQuestions"
	ActionRespondToQuestion     Action = "respondToQuestion"
)

// Message is the base envelope for all messages exchanged with the host.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload represents an error response payload.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewRequest creates a new request message.
func NewRequest(id string, action Action, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      MessageTypeRequest,
		Action:    string(action),
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse creates a new response message.
func NewResponse(id string, action Action, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      MessageTypeResponse,
		Action:    string(action),
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewNotification creates a new server push notification.
func NewNotification(action Action, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      MessageTypeNotification,
		Action:    string(action),
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewError creates a new error response message.
func NewError(id string, action Action, code, message string, details map[string]interface{}) (*Message, error) {
	payload := ErrorPayload{Code: code, Message: message, Details: details}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      MessageTypeError,
		Action:    string(action),
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParsePayload parses the payload into the given struct.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
