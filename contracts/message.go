package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Message is a payload carried to or from the broker
type Message struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          string                 `json:"type,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	ReplyTo       string                 `json:"replyTo,omitempty"`
	ContentType   string                 `json:"contentType,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	Body          []byte                 `json:"body"`
}

// NewMessage creates a message with a generated ID and the current timestamp
func NewMessage(messageType string, body []byte) Message {
	return Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      messageType,
		Body:      body,
	}
}

// WithHeader returns a copy of the message with the header set
func (m Message) WithHeader(key string, value interface{}) Message {
	headers := make(map[string]interface{}, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[key] = value
	m.Headers = headers
	return m
}
