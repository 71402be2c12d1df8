// Package protocol defines the JSON envelope format exchanged over a
// connection and decodes inbound frames into a closed set of typed
// operations. Adding an operation means adding a struct, a case in
// Decode, and a case in the server dispatcher; there is no runtime
// handler table to miss.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"chatrelay/models"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrUnknownType     = errors.New("unknown envelope type")
)

// Envelope is the wire frame: {"type": "...", "payload": {...}}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound operation types.
const (
	TypeSignup      = "signup"
	TypeLogin       = "login"
	TypeResume      = "resume"
	TypeAddContact  = "addContact"
	TypeGetChat     = "getChat"
	TypeSendMessage = "sendMessage"
	TypeTyping      = "typing"
	TypeReadMessage = "readMessage"
)

// Outbound event types.
const (
	TypeSignupSuccess   = "signupSuccess"
	TypeLoginSuccess    = "loginSuccess"
	TypeContactList     = "contactList"
	TypeChatHistory     = "chatHistory"
	TypeMessageSent     = "messageSent"
	TypeNewMessage      = "newMessage"
	TypeReadReceipt     = "readReceipt"
	TypeOnlineStatus    = "onlineStatus"
	TypeError           = "error"
	TypeAddContactError = "addContactError"
	TypeShutdown        = "shutdown"
)

// Op is one decoded inbound operation. Decode returns exactly one of
// the *Op structs below; the dispatcher switches over them exhaustively.
type Op interface{ op() }

type SignupOp struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

type LoginOp struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// ResumeOp restores a session after a reconnect. The stored account's
// code must match exactly; the secret is not re-checked.
type ResumeOp struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

type AddContactOp struct {
	TargetCode string `json:"targetCode"`
}

type GetChatOp struct {
	TargetCode string `json:"targetCode"`
}

type SendMessageOp struct {
	ReceiverCode string `json:"receiverCode"`
	Text         string `json:"text"`
}

type TypingOp struct {
	ReceiverCode string `json:"receiverCode"`
}

type ReadMessageOp struct {
	MessageID  string `json:"messageId"`
	SenderCode string `json:"senderCode"`
}

func (SignupOp) op()      {}
func (LoginOp) op()       {}
func (ResumeOp) op()      {}
func (AddContactOp) op()  {}
func (GetChatOp) op()     {}
func (SendMessageOp) op() {}
func (TypingOp) op()      {}
func (ReadMessageOp) op() {}

// Decode parses one inbound frame into its typed operation. Frames with
// an unknown type yield ErrUnknownType; the caller logs and drops them
// without closing the connection.
func Decode(data []byte) (Op, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	switch env.Type {
	case TypeSignup:
		var op SignupOp
		return op, unmarshalPayload(env.Payload, &op)
	case TypeLogin:
		var op LoginOp
		return op, unmarshalPayload(env.Payload, &op)
	case TypeResume:
		var op ResumeOp
		return op, unmarshalPayload(env.Payload, &op)
	case TypeAddContact:
		var op AddContactOp
		return op, unmarshalPayload(env.Payload, &op)
	case TypeGetChat:
		var op GetChatOp
		return op, unmarshalPayload(env.Payload, &op)
	case TypeSendMessage:
		var op SendMessageOp
		return op, unmarshalPayload(env.Payload, &op)
	case TypeTyping:
		var op TypingOp
		return op, unmarshalPayload(env.Payload, &op)
	case TypeReadMessage:
		var op ReadMessageOp
		return op, unmarshalPayload(env.Payload, &op)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// unmarshalPayload decodes the payload into op, treating an absent
// payload as an empty object. The op pointer keeps its zero value on
// error, so callers must check before using it.
func unmarshalPayload(payload json.RawMessage, op any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, op); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

// Encode builds a wire frame for an outbound event.
func Encode(eventType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

// Outbound payloads.

type SignupSuccess struct {
	Code string `json:"code"`
}

type LoginSuccess struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

type ContactList struct {
	Contacts []models.ContactEntry `json:"contacts"`
}

type ChatHistory struct {
	Messages []models.Message `json:"messages"`
	WithUser string           `json:"withUser"`
	IsOnline bool             `json:"isOnline"`
}

type MessageSent struct {
	Message models.Message `json:"message"`
}

type NewMessage struct {
	Message models.Message `json:"message"`
}

type Typing struct {
	FromCode string `json:"fromCode"`
}

type ReadReceipt struct {
	MessageID string `json:"messageId"`
	Reader    string `json:"reader"`
}

type OnlineStatus struct {
	Code     string `json:"code"`
	IsOnline bool   `json:"isOnline"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type Shutdown struct {
	Reason string `json:"reason"`
}
