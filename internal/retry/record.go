package retry

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind names the acknowledgement a record is waiting for.
type Kind string

const (
	// KindServerAck waits for the persistence tier to confirm storage.
	KindServerAck Kind = "server_ack"
	// KindClientAck waits for the recipient's client to acknowledge the push.
	KindClientAck Kind = "client_ack"
)

// Record is a message awaiting acknowledgement.
type Record struct {
	Kind        Kind
	ClientMsgID string
	MsgID       uint64
	From        int64
	To          int64
	// Frame is the envelope to redeliver.
	Frame      []byte
	RetryCount int
	CreatedAt  int64
}

func (r Record) member() string {
	return member(r.Kind, r.ClientMsgID)
}

func member(kind Kind, clientMsgID string) string {
	return string(kind) + ":" + clientMsgID
}

// marshal encodes r with its frame already compressed.
func (r Record) marshal(frame []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, string(r.Kind))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, r.ClientMsgID)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, r.MsgID)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.From))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.To))
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, frame)
	b = protowire.AppendTag(b, 7, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.RetryCount))
	b = protowire.AppendTag(b, 8, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.CreatedAt))
	return b
}

// unmarshalRecord decodes b, leaving the frame compressed.
func unmarshalRecord(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Record{}, protowire.ParseError(m)
			}
			switch num {
			case 1:
				r.Kind = Kind(v)
			case 2:
				r.ClientMsgID = string(v)
			case 6:
				r.Frame = append([]byte(nil), v...)
			}
			n = m
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Record{}, protowire.ParseError(m)
			}
			switch num {
			case 3:
				r.MsgID = v
			case 4:
				r.From = int64(v)
			case 5:
				r.To = int64(v)
			case 7:
				r.RetryCount = int(v)
			case 8:
				r.CreatedAt = int64(v)
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	if r.Kind == "" || r.ClientMsgID == "" {
		return Record{}, fmt.Errorf("retry record missing identity")
	}
	return r, nil
}
