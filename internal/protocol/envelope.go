// Package protocol defines the binary envelope exchanged between clients and connect
// nodes, and the typed payloads it carries.
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed marks frames that cannot be decoded into an envelope.
var ErrMalformed = errors.New("malformed envelope")

// MsgType discriminates envelope payloads.
type MsgType uint32

const (
	MsgTypeUnknown MsgType = iota
	MsgTypeC2CSend
	MsgTypeC2CPush
	MsgTypeServerAck
	MsgTypeC2CAck
	MsgTypeC2CAckPush
	MsgTypeWithdraw
	MsgTypeWithdrawPush
	MsgTypeBatchMsgIDs
	MsgTypeGroupSend
	MsgTypeGroupPush
	MsgTypeSocialPush
	MsgTypeDeliveryFailed
)

var msgTypeNames = map[MsgType]string{
	MsgTypeUnknown:        "unknown",
	MsgTypeC2CSend:        "c2c_send",
	MsgTypeC2CPush:        "c2c_push",
	MsgTypeServerAck:      "server_ack",
	MsgTypeC2CAck:         "c2c_ack",
	MsgTypeC2CAckPush:     "c2c_ack_push",
	MsgTypeWithdraw:       "withdraw",
	MsgTypeWithdrawPush:   "withdraw_push",
	MsgTypeBatchMsgIDs:    "batch_msg_ids",
	MsgTypeGroupSend:      "group_send",
	MsgTypeGroupPush:      "group_push",
	MsgTypeSocialPush:     "social_push",
	MsgTypeDeliveryFailed: "delivery_failed",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("msg_type(%d)", uint32(t))
}

// Code is the response code carried by every envelope.
type Code uint32

const (
	CodeSuccess Code = iota
	CodeFailure
	CodeBadParams
	CodeInternalError
	CodeRecipientOffline
	CodePushFailed
	CodeBusy
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeFailure:
		return "failure"
	case CodeBadParams:
		return "bad_params"
	case CodeInternalError:
		return "internal_error"
	case CodeRecipientOffline:
		return "recipient_offline"
	case CodePushFailed:
		return "push_failed"
	case CodeBusy:
		return "busy"
	default:
		return fmt.Sprintf("code(%d)", uint32(c))
	}
}

const (
	envelopeTypeField    protowire.Number = 1
	envelopePayloadField protowire.Number = 2
	envelopeCodeField    protowire.Number = 3
)

// Envelope is the immutable wire unit. Requests and responses share the shape.
type Envelope struct {
	Type    MsgType
	Payload []byte
	Code    Code
}

// Message is implemented by every typed payload.
type Message interface {
	MarshalWire() []byte
	UnmarshalWire([]byte) error
}

// NewEnvelope wraps msg under the given type with a success code.
func NewEnvelope(t MsgType, msg Message) Envelope {
	env := Envelope{Type: t, Code: CodeSuccess}
	if msg != nil {
		env.Payload = msg.MarshalWire()
	}
	return env
}

// Response builds a payload-less reply.
func Response(t MsgType, code Code) Envelope {
	return Envelope{Type: t, Code: code}
}

// WithCode returns a copy of e carrying code.
func (e Envelope) WithCode(code Code) Envelope {
	e.Code = code
	return e
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() []byte {
	b := make([]byte, 0, len(e.Payload)+12)
	b = appendVarint(b, envelopeTypeField, uint64(e.Type))
	b = appendBytes(b, envelopePayloadField, e.Payload)
	b = appendVarint(b, envelopeCodeField, uint64(e.Code))
	return b
}

// Decode unmarshals the payload into msg.
func (e Envelope) Decode(msg Message) error {
	if err := msg.UnmarshalWire(e.Payload); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// DecodeEnvelope parses a frame. Frames without a type are malformed.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if len(frame) == 0 {
		return env, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	err := walk(frame, func(num protowire.Number, v field) error {
		switch num {
		case envelopeTypeField:
			env.Type = MsgType(v.varint)
		case envelopePayloadField:
			env.Payload = append([]byte(nil), v.bytes...)
		case envelopeCodeField:
			env.Code = Code(v.varint)
		}
		return nil
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == MsgTypeUnknown {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// MarshalWire lets an envelope travel as a message in its own right, as on the relay.
func (e *Envelope) MarshalWire() []byte { return e.Marshal() }

// UnmarshalWire decodes a frame into e.
func (e *Envelope) UnmarshalWire(b []byte) error {
	env, err := DecodeEnvelope(b)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

// Recipient returns the user an envelope is ultimately delivered to.
func Recipient(env Envelope) (int64, error) {
	switch env.Type {
	case MsgTypeC2CSend, MsgTypeC2CPush:
		var msg C2CMessage
		if err := env.Decode(&msg); err != nil {
			return 0, err
		}
		return msg.To, nil
	case MsgTypeServerAck, MsgTypeC2CAck, MsgTypeC2CAckPush:
		var ack AckMessage
		if err := env.Decode(&ack); err != nil {
			return 0, err
		}
		return ack.To, nil
	case MsgTypeWithdraw, MsgTypeWithdrawPush:
		var w WithdrawMessage
		if err := env.Decode(&w); err != nil {
			return 0, err
		}
		return w.To, nil
	case MsgTypeSocialPush:
		var ev SocialEvent
		if err := env.Decode(&ev); err != nil {
			return 0, err
		}
		return ev.To, nil
	case MsgTypeDeliveryFailed:
		var notice DeliveryFailed
		if err := env.Decode(&notice); err != nil {
			return 0, err
		}
		return notice.To, nil
	default:
		return 0, fmt.Errorf("%w: %s has no single recipient", ErrMalformed, env.Type)
	}
}
