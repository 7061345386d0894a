// Package wire defines the user-property contract between the RPC client
// and responders at the broker boundary. Payloads stay opaque bytes; all
// routing and correlation state travels in string properties.
package wire

import (
	"fmt"
	"strconv"
	"time"
)

// Property keys carried in broker user properties.
const (
	PropCorrelationID = "correlationId"
	PropSenderID      = "senderId"
	PropSessionID     = "sessionId"
	PropMessageType   = "messageType"
	PropTimestamp     = "timestamp"
	PropStreamEnd     = "streamEnd"
	PropStreamFinal   = "streamFinal"
	PropSuccess       = "success"
	PropErrorMessage  = "errorMessage"
)

// MessageType distinguishes requests from responses.
type MessageType string

const (
	MessageTypeRequest  MessageType = "REQUEST"
	MessageTypeResponse MessageType = "RESPONSE"
)

// Metadata is the decoded form of the user properties on one message.
// CorrelationID may be empty on streaming mid-messages, which are grouped by
// SessionID alone.
type Metadata struct {
	CorrelationID string
	SenderID      string
	SessionID     string
	Type          MessageType
	Timestamp     time.Time
	StreamEnd     bool
	StreamFinal   bool
	Success       bool
	ErrorMessage  string
}

// NewRequest returns request metadata stamped with the current time.
func NewRequest(correlationID, senderID string) Metadata {
	return Metadata{
		CorrelationID: correlationID,
		SenderID:      senderID,
		Type:          MessageTypeRequest,
		Timestamp:     time.Now(),
		Success:       true,
	}
}

// NewResponse returns response metadata for the given correlation id.
func NewResponse(correlationID string, success bool, errorMessage string) Metadata {
	return Metadata{
		CorrelationID: correlationID,
		Type:          MessageTypeResponse,
		Timestamp:     time.Now(),
		Success:       success,
		ErrorMessage:  errorMessage,
	}
}

// Encode flattens the metadata into broker user properties. Boolean markers
// are present-iff-true; success and errorMessage only travel on responses.
func (m Metadata) Encode() map[string]string {
	props := make(map[string]string, 8)
	if m.CorrelationID != "" {
		props[PropCorrelationID] = m.CorrelationID
	}
	if m.SenderID != "" {
		props[PropSenderID] = m.SenderID
	}
	if m.SessionID != "" {
		props[PropSessionID] = m.SessionID
	}
	props[PropMessageType] = string(m.Type)
	props[PropTimestamp] = strconv.FormatInt(m.Timestamp.UnixMilli(), 10)
	if m.StreamEnd {
		props[PropStreamEnd] = "true"
	}
	if m.StreamFinal {
		props[PropStreamFinal] = "true"
	}
	if m.Type == MessageTypeResponse {
		props[PropSuccess] = strconv.FormatBool(m.Success)
		if m.ErrorMessage != "" {
			props[PropErrorMessage] = m.ErrorMessage
		}
	}
	return props
}

// Decode parses metadata out of broker user properties. Missing optional
// keys decode to zero values; an absent success flag counts as success so a
// bare response is not mistaken for a business failure.
func Decode(props map[string]string) (Metadata, error) {
	m := Metadata{
		CorrelationID: props[PropCorrelationID],
		SenderID:      props[PropSenderID],
		SessionID:     props[PropSessionID],
		Type:          MessageType(props[PropMessageType]),
		Success:       true,
		ErrorMessage:  props[PropErrorMessage],
	}
	switch m.Type {
	case MessageTypeRequest, MessageTypeResponse:
	default:
		return Metadata{}, fmt.Errorf("invalid %s property %q", PropMessageType, props[PropMessageType])
	}
	if ts := props[PropTimestamp]; ts != "" {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return Metadata{}, fmt.Errorf("invalid %s property %q: %w", PropTimestamp, ts, err)
		}
		m.Timestamp = time.UnixMilli(ms)
	}
	m.StreamEnd = props[PropStreamEnd] == "true"
	m.StreamFinal = props[PropStreamFinal] == "true"
	if s, ok := props[PropSuccess]; ok {
		success, err := strconv.ParseBool(s)
		if err != nil {
			return Metadata{}, fmt.Errorf("invalid %s property %q: %w", PropSuccess, s, err)
		}
		m.Success = success
	}
	return m, nil
}
