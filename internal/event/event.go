// Package event defines the typed wire-event payloads spoken over the
// realtime connection. Every inbound payload is decoded into its variant and
// validated here, before any business logic sees it.
package event

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Event names, client to server unless noted.
const (
	ChatMessage = "chat:message"
	ChatSent    = "chat:message:sent" // server to client only
	ChatRead    = "chat:read"
	ChatTyping  = "chat:typing"
	CallRequest = "call:request"
	CallAnswer  = "call:answer"
	CallICE     = "call:ice-candidate"
	CallEnd     = "call:end"
	UserOnline  = "user:online"  // server to client only
	UserOffline = "user:offline" // server to client only
	Error       = "error"        // server to client only
	Ping        = "ping"
)

var ErrMalformed = errors.New("malformed event payload")

type ChatMessagePayload struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	Encrypted  bool   `json:"encrypted,omitempty"`
	MediaType  string `json:"mediaType,omitempty"`
	MediaURL   string `json:"mediaUrl,omitempty"`
}

func (p *ChatMessagePayload) validate() error {
	if p.ReceiverID == "" {
		return errors.Wrap(ErrMalformed, "chat:message: missing receiverId")
	}
	if p.Content == "" && p.MediaURL == "" {
		return errors.Wrap(ErrMalformed, "chat:message: empty message")
	}
	return nil
}

type ChatReadPayload struct {
	MessageIDs []string `json:"messageIds"`
}

func (p *ChatReadPayload) validate() error {
	if len(p.MessageIDs) == 0 {
		return errors.Wrap(ErrMalformed, "chat:read: missing messageIds")
	}
	for _, id := range p.MessageIDs {
		if id == "" {
			return errors.Wrap(ErrMalformed, "chat:read: empty message id")
		}
	}
	return nil
}

type ChatTypingPayload struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

func (p *ChatTypingPayload) validate() error {
	if p.ReceiverID == "" {
		return errors.Wrap(ErrMalformed, "chat:typing: missing receiverId")
	}
	return nil
}

type CallRequestPayload struct {
	ReceiverID string          `json:"receiverId"`
	Type       string          `json:"type"`
	Offer      json.RawMessage `json:"offer"`
}

func (p *CallRequestPayload) validate() error {
	if p.ReceiverID == "" {
		return errors.Wrap(ErrMalformed, "call:request: missing receiverId")
	}
	if p.Type != "audio" && p.Type != "video" {
		return errors.Wrap(ErrMalformed, "call:request: invalid call type")
	}
	if len(p.Offer) == 0 {
		return errors.Wrap(ErrMalformed, "call:request: missing offer")
	}
	return nil
}

type CallAnswerPayload struct {
	CallID   string          `json:"callId"`
	Accepted bool            `json:"accepted"`
	Answer   json.RawMessage `json:"answer,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

func (p *CallAnswerPayload) validate() error {
	if p.CallID == "" {
		return errors.Wrap(ErrMalformed, "call:answer: missing callId")
	}
	if p.Accepted && len(p.Answer) == 0 {
		return errors.Wrap(ErrMalformed, "call:answer: accepted without answer")
	}
	return nil
}

type CallICEPayload struct {
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
}

func (p *CallICEPayload) validate() error {
	if p.CallID == "" {
		return errors.Wrap(ErrMalformed, "call:ice-candidate: missing callId")
	}
	if len(p.Candidate) == 0 {
		return errors.Wrap(ErrMalformed, "call:ice-candidate: missing candidate")
	}
	return nil
}

type CallEndPayload struct {
	CallID string `json:"callId"`
}

func (p *CallEndPayload) validate() error {
	if p.CallID == "" {
		return errors.Wrap(ErrMalformed, "call:end: missing callId")
	}
	return nil
}

type validator interface {
	validate() error
}

// Decode unmarshals raw into dst and validates it. Unknown fields are
// tolerated; missing required fields are not.
func Decode(raw json.RawMessage, dst validator) error {
	if len(raw) == 0 {
		return errors.Wrap(ErrMalformed, "empty payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	return dst.validate()
}
