// Package dispatch moves side-effecting actions out of the conversation
// turn: actions are published as envelopes on a message bus and their
// results are drained back from a response queue.
package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairwaylabs/rezgate/types"
)

// EnvelopeVersion is the current wire format version.
const EnvelopeVersion = "1.0"

// MessageType classifies what the consumer should do with an envelope.
type MessageType string

const (
	// MessageTypeWebAction requests a browser automation task.
	MessageTypeWebAction MessageType = "web_action"
	// MessageTypeNotify requests an outbound user notification.
	MessageTypeNotify MessageType = "notify"
	// MessageTypeAgentResponse carries an action result back to the agent.
	MessageTypeAgentResponse MessageType = "agent_response"
)

// Status tracks an envelope through its lifecycle.
type Status string

const (
	StatusCreated    Status = "created"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Envelope is the bus message wrapping every dispatched action and every
// response. CorrelationID ties a response back to the request that caused
// it and is mandatory on both directions.
type Envelope struct {
	Version       string          `json:"version"`
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	CreatedDate   string          `json:"created_date"`
	CreatedBy     string          `json:"created_by"`
	Stage         types.Stage     `json:"stage"`
	MessageType   MessageType     `json:"message_type"`
	Status        Status          `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RetryCount    int             `json:"retry_count"`
}

// NewEnvelope builds an envelope in status created with a fresh message ID.
func NewEnvelope(stage types.Stage, createdBy, correlationID string, msgType MessageType, payload json.RawMessage) *Envelope {
	return &Envelope{
		Version:       EnvelopeVersion,
		ID:            newMessageID(),
		CorrelationID: correlationID,
		CreatedDate:   time.Now().UTC().Format(time.RFC3339),
		CreatedBy:     createdBy,
		Stage:         stage,
		MessageType:   msgType,
		Status:        StatusCreated,
		Payload:       payload,
	}
}

// newMessageID returns an identifier like msg_1724770000_a1b2c3. The short
// uuid suffix disambiguates envelopes created within the same second.
func newMessageID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("msg_%d_%s", time.Now().Unix(), suffix)
}

// Validate checks the fields every consumer relies on. A missing
// correlation ID is an error, not a warning: responses without one can
// never be routed back to their turn.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return types.NewError(types.ErrMalformedMessage, "envelope missing id")
	}
	if e.CorrelationID == "" {
		return types.NewError(types.ErrMalformedMessage, "envelope missing correlation_id")
	}
	if e.MessageType == "" {
		return types.NewError(types.ErrMalformedMessage, "envelope missing message_type")
	}
	if e.Stage != "" && !e.Stage.IsValid() {
		return types.NewError(types.ErrMalformedMessage,
			fmt.Sprintf("envelope has unknown stage %q", e.Stage))
	}
	return nil
}

// Encode serializes the envelope for the bus.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a bus message body.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, types.NewError(types.ErrMalformedMessage, "envelope is not valid JSON").WithCause(err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
