package protocol

import (
	"errors"
	"fmt"
	"strings"
)

const messageTag = "satp/message/v1"

// Message is a signed protocol message exchanged between gateways.
type Message struct {
	SessionID       string      `cbor:"1,keyasint"`
	SequenceNumber  uint64      `cbor:"2,keyasint"`
	Stage           Stage       `cbor:"3,keyasint"`
	Type            MessageType `cbor:"4,keyasint"`
	Payload         []byte      `cbor:"5,keyasint,omitempty"`
	Signature       []byte      `cbor:"6,keyasint,omitempty"`
	SenderGatewayID string      `cbor:"7,keyasint"`
}

// ErrMalformedMessage is returned for messages missing required fields.
var ErrMalformedMessage = errors.New("malformed message")

// SigningBytes returns the canonical bytes covered by the signature.
func (m Message) SigningBytes() []byte {
	unsigned := m
	unsigned.Signature = nil
	return tagged(messageTag, mustMarshal(unsigned))
}

// Hash identifies the message content independent of its signature.
func (m Message) Hash() string {
	return Digest(m.SigningBytes())
}

// IsZero reports whether m is the zero message.
func (m Message) IsZero() bool {
	return m.SessionID == "" && m.SequenceNumber == 0 && m.Type == ""
}

// Validate checks that the envelope fields are present.
func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(m.SessionID) == "":
		return fmt.Errorf("%w: session id is required", ErrMalformedMessage)
	case m.SequenceNumber == 0:
		return fmt.Errorf("%w: sequence number is required", ErrMalformedMessage)
	case !m.Stage.Valid():
		return fmt.Errorf("%w: unknown stage %q", ErrMalformedMessage, m.Stage)
	case m.Type == "" || m.Type == MessageCompensation:
		return fmt.Errorf("%w: invalid message type %q", ErrMalformedMessage, m.Type)
	case strings.TrimSpace(m.SenderGatewayID) == "":
		return fmt.Errorf("%w: sender gateway id is required", ErrMalformedMessage)
	case len(m.Signature) == 0:
		return fmt.Errorf("%w: signature is required", ErrMalformedMessage)
	}
	return nil
}

// EncodeMessage serializes a message for transport or storage.
func EncodeMessage(m Message) ([]byte, error) {
	return Marshal(m)
}

// DecodeMessage parses bytes produced by EncodeMessage.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if len(data) == 0 {
		return m, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}
	if err := Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return m, nil
}
