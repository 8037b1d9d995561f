package protocol

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Acknowledgement statuses carried by AckMessage.
const (
	AckStatusServerReceived int32 = 1
	AckStatusUnread         int32 = 3
	AckStatusRead           int32 = 4
)

const (
	bizTypeDefault = 100
	chatTypeC2C    = 1
	chatTypeGroup  = 2
)

// ConversationID returns the stable identity of the direct conversation between a and b.
// Both participants derive the same value, so it is used as the ordering key.
func ConversationID(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d-%d-%d-%d", bizTypeDefault, chatTypeC2C, a, b)
}

// GroupConversationID returns the ordering key for a group.
func GroupConversationID(groupID int64) string {
	return fmt.Sprintf("%d-%d-%d", bizTypeDefault, chatTypeGroup, groupID)
}

// ClientMsgIDString renders a 16 byte client message id in canonical uuid form. Ids of
// any other length are returned verbatim.
func ClientMsgIDString(id []byte) string {
	if parsed, err := uuid.FromBytes(id); err == nil {
		return parsed.String()
	}
	return string(id)
}

// ParseClientMsgID reverses ClientMsgIDString.
func ParseClientMsgID(id string) []byte {
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed[:]
	}
	return []byte(id)
}

// FormatID renders a user or group id for keys and logs.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// C2CMessage is a direct message, used for both the send request and the push.
type C2CMessage struct {
	MsgID          uint64
	ClientMsgID    []byte
	From           int64
	To             int64
	Format         int32
	Content        []byte
	SendTime       int64
	ConversationID string
}

func (m *C2CMessage) MarshalWire() []byte {
	var b []byte
	b = appendVarint(b, 1, m.MsgID)
	b = appendBytes(b, 2, m.ClientMsgID)
	b = appendVarint(b, 3, uint64(m.From))
	b = appendVarint(b, 4, uint64(m.To))
	b = appendVarint(b, 5, uint64(m.Format))
	b = appendBytes(b, 6, m.Content)
	b = appendVarint(b, 7, uint64(m.SendTime))
	b = appendString(b, 8, m.ConversationID)
	return b
}

func (m *C2CMessage) UnmarshalWire(b []byte) error {
	*m = C2CMessage{}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.MsgID = v.varint
		case 2:
			m.ClientMsgID = v.clone()
		case 3:
			m.From = v.int64()
		case 4:
			m.To = v.int64()
		case 5:
			m.Format = v.int32()
		case 6:
			m.Content = v.clone()
		case 7:
			m.SendTime = v.int64()
		case 8:
			m.ConversationID = v.str()
		}
		return nil
	})
}

// AckMessage acknowledges a direct message. From is the acknowledging party and To the
// party being notified.
type AckMessage struct {
	MsgID       uint64
	ClientMsgID []byte
	From        int64
	To          int64
	Status      int32
	AckTime     int64
}

func (m *AckMessage) MarshalWire() []byte {
	var b []byte
	b = appendVarint(b, 1, m.MsgID)
	b = appendBytes(b, 2, m.ClientMsgID)
	b = appendVarint(b, 3, uint64(m.From))
	b = appendVarint(b, 4, uint64(m.To))
	b = appendVarint(b, 5, uint64(m.Status))
	b = appendVarint(b, 6, uint64(m.AckTime))
	return b
}

func (m *AckMessage) UnmarshalWire(b []byte) error {
	*m = AckMessage{}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.MsgID = v.varint
		case 2:
			m.ClientMsgID = v.clone()
		case 3:
			m.From = v.int64()
		case 4:
			m.To = v.int64()
		case 5:
			m.Status = v.int32()
		case 6:
			m.AckTime = v.int64()
		}
		return nil
	})
}

// WithdrawMessage retracts a previously sent direct message.
type WithdrawMessage struct {
	MsgID        uint64
	ClientMsgID  []byte
	From         int64
	To           int64
	SendTime     int64
	WithdrawTime int64
}

func (m *WithdrawMessage) MarshalWire() []byte {
	var b []byte
	b = appendVarint(b, 1, m.MsgID)
	b = appendBytes(b, 2, m.ClientMsgID)
	b = appendVarint(b, 3, uint64(m.From))
	b = appendVarint(b, 4, uint64(m.To))
	b = appendVarint(b, 5, uint64(m.SendTime))
	b = appendVarint(b, 6, uint64(m.WithdrawTime))
	return b
}

func (m *WithdrawMessage) UnmarshalWire(b []byte) error {
	*m = WithdrawMessage{}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.MsgID = v.varint
		case 2:
			m.ClientMsgID = v.clone()
		case 3:
			m.From = v.int64()
		case 4:
			m.To = v.int64()
		case 5:
			m.SendTime = v.int64()
		case 6:
			m.WithdrawTime = v.int64()
		}
		return nil
	})
}

// BatchIDs requests Count ids and carries the allocated IDs in the reply.
type BatchIDs struct {
	Count int32
	IDs   []uint64
}

func (m *BatchIDs) MarshalWire() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Count))
	if len(m.IDs) > 0 {
		var packed []byte
		for _, id := range m.IDs {
			packed = protowire.AppendVarint(packed, id)
		}
		b = appendBytes(b, 2, packed)
	}
	return b
}

func (m *BatchIDs) UnmarshalWire(b []byte) error {
	*m = BatchIDs{}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.Count = v.int32()
		case 2:
			packed := v.bytes
			for len(packed) > 0 {
				id, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return protowire.ParseError(n)
				}
				m.IDs = append(m.IDs, id)
				packed = packed[n:]
			}
		}
		return nil
	})
}

// GroupMessage is a group chat message, used for both the send request and the push.
type GroupMessage struct {
	MsgID       uint64
	ClientMsgID []byte
	From        int64
	GroupID     int64
	Format      int32
	Content     []byte
	SendTime    int64
}

func (m *GroupMessage) MarshalWire() []byte {
	var b []byte
	b = appendVarint(b, 1, m.MsgID)
	b = appendBytes(b, 2, m.ClientMsgID)
	b = appendVarint(b, 3, uint64(m.From))
	b = appendVarint(b, 4, uint64(m.GroupID))
	b = appendVarint(b, 5, uint64(m.Format))
	b = appendBytes(b, 6, m.Content)
	b = appendVarint(b, 7, uint64(m.SendTime))
	return b
}

func (m *GroupMessage) UnmarshalWire(b []byte) error {
	*m = GroupMessage{}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.MsgID = v.varint
		case 2:
			m.ClientMsgID = v.clone()
		case 3:
			m.From = v.int64()
		case 4:
			m.GroupID = v.int64()
		case 5:
			m.Format = v.int32()
		case 6:
			m.Content = v.clone()
		case 7:
			m.SendTime = v.int64()
		}
		return nil
	})
}

// SocialEvent is a server originated social graph notification such as a friend request.
type SocialEvent struct {
	To   int64
	From int64
	Kind int32
	Body []byte
}

func (m *SocialEvent) MarshalWire() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.To))
	b = appendVarint(b, 2, uint64(m.From))
	b = appendVarint(b, 3, uint64(m.Kind))
	b = appendBytes(b, 4, m.Body)
	return b
}

func (m *SocialEvent) UnmarshalWire(b []byte) error {
	*m = SocialEvent{}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.To = v.int64()
		case 2:
			m.From = v.int64()
		case 3:
			m.Kind = v.int32()
		case 4:
			m.Body = v.clone()
		}
		return nil
	})
}

// DeliveryFailed tells a sender that a message was abandoned. To is that sender.
type DeliveryFailed struct {
	MsgID       uint64
	ClientMsgID []byte
	To          int64
	Attempts    int32
	Reason      string
	Retryable   bool
}

func (m *DeliveryFailed) MarshalWire() []byte {
	var b []byte
	b = appendVarint(b, 1, m.MsgID)
	b = appendBytes(b, 2, m.ClientMsgID)
	b = appendVarint(b, 3, uint64(m.To))
	b = appendVarint(b, 4, uint64(m.Attempts))
	b = appendString(b, 5, m.Reason)
	b = appendBool(b, 6, m.Retryable)
	return b
}

func (m *DeliveryFailed) UnmarshalWire(b []byte) error {
	*m = DeliveryFailed{}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.MsgID = v.varint
		case 2:
			m.ClientMsgID = v.clone()
		case 3:
			m.To = v.int64()
		case 4:
			m.Attempts = v.int32()
		case 5:
			m.Reason = v.str()
		case 6:
			m.Retryable = v.boolean()
		}
		return nil
	})
}

// Result is the reply of a node to node call.
type Result struct {
	Code   Code
	Detail string
}

func (m *Result) MarshalWire() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.Code))
	b = appendString(b, 2, m.Detail)
	return b
}

func (m *Result) UnmarshalWire(b []byte) error {
	*m = Result{}
	return walk(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.Code = Code(v.varint)
		case 2:
			m.Detail = v.str()
		}
		return nil
	})
}

// GroupRef names a group in control calls.
type GroupRef struct {
	GroupID int64
}

func (m *GroupRef) MarshalWire() []byte {
	return appendVarint(nil, 1, uint64(m.GroupID))
}

func (m *GroupRef) UnmarshalWire(b []byte) error {
	*m = GroupRef{}
	return walk(b, func(num protowire.Number, v field) error {
		if num == 1 {
			m.GroupID = v.int64()
		}
		return nil
	})
}

var (
	_ Message = (*Envelope)(nil)
	_ Message = (*C2CMessage)(nil)
	_ Message = (*AckMessage)(nil)
	_ Message = (*WithdrawMessage)(nil)
	_ Message = (*BatchIDs)(nil)
	_ Message = (*GroupMessage)(nil)
	_ Message = (*SocialEvent)(nil)
	_ Message = (*DeliveryFailed)(nil)
	_ Message = (*Result)(nil)
	_ Message = (*GroupRef)(nil)
)
