// Package persistence hands messages to the external storage tier over Kafka and feeds
// stored group messages back to this node.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"imconnect/node/internal/protocol"
)

// Topics shared with the persistence tier.
const (
	TopicC2CMessage        = "im.c2c.msg"
	TopicC2CAck            = "im.c2c.ack"
	TopicC2CWithdraw       = "im.c2c.withdraw"
	TopicC2COffline        = "im.c2c.offline"
	TopicGroupMessage      = "im.group.msg"
	TopicGroupCacheRebuild = "im.group.cache.rebuild"
	// TopicGroupBroadcast carries stored group messages to every connect node.
	TopicGroupBroadcast = "im.group.broadcast"
)

// Publisher writes one keyed record. Records sharing a key keep their order.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// C2CEvent is the persistence form of a direct message.
type C2CEvent struct {
	ClientMsgID    string `json:"clientMsgId"`
	MsgID          uint64 `json:"msgId,string"`
	From           int64  `json:"fromUserId,string"`
	To             int64  `json:"toUserId,string"`
	ConversationID string `json:"chatId"`
	Content        string `json:"msgContent"`
	Format         int32  `json:"msgFormat"`
	CreatedAt      int64  `json:"msgCreateTime"`
	ReplyNode      string `json:"replyNode,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// AckEvent is the persistence form of a client acknowledgement.
type AckEvent struct {
	ClientMsgID    string `json:"clientMsgId"`
	MsgID          uint64 `json:"msgId,string"`
	From           int64  `json:"fromUserId,string"`
	To             int64  `json:"toUserId,string"`
	ConversationID string `json:"chatId"`
	Status         int32  `json:"status"`
	AckTime        int64  `json:"ackTime"`
}

// WithdrawEvent is the persistence form of a withdrawal.
type WithdrawEvent struct {
	ClientMsgID    string `json:"clientMsgId"`
	MsgID          uint64 `json:"msgId,string"`
	From           int64  `json:"fromUserId,string"`
	To             int64  `json:"toUserId,string"`
	ConversationID string `json:"chatId"`
	WithdrawTime   int64  `json:"withdrawTime"`
}

// GroupEvent is the persistence form of a group message.
type GroupEvent struct {
	ClientMsgID string `json:"clientMsgId"`
	MsgID       uint64 `json:"msgId,string"`
	From        int64  `json:"fromUserId,string"`
	GroupID     int64  `json:"groupId,string"`
	Content     string `json:"msgContent"`
	Format      int32  `json:"msgFormat"`
	CreatedAt   int64  `json:"msgCreateTime"`
	ReplyNode   string `json:"replyNode,omitempty"`
}

// RebuildRequest asks the membership owner to repopulate a group's member cache.
type RebuildRequest struct {
	GroupID     int64  `json:"groupId,string"`
	Node        string `json:"node"`
	RequestedAt int64  `json:"requestedAt"`
}

// Queue is the ordered hand-off to the persistence tier. Conversation ids are used as
// record keys so one conversation is always consumed in submission order.
type Queue struct {
	publisher Publisher
	node      string
	now       func() time.Time
}

// NewQueue wraps publisher. node is written into events so acknowledgements can be
// routed back without a presence lookup.
func NewQueue(publisher Publisher, node string) *Queue {
	return &Queue{publisher: publisher, node: node, now: time.Now}
}

func (q *Queue) publish(ctx context.Context, topic, key, kind string, event any) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", kind, err)
	}
	if err := q.publisher.Publish(ctx, topic, key, value, map[string]string{"event_type": kind}); err != nil {
		return fmt.Errorf("publish %s event: %w", kind, err)
	}
	return nil
}

// SubmitC2C queues a direct message for storage.
func (q *Queue) SubmitC2C(ctx context.Context, msg *protocol.C2CMessage) error {
	return q.publish(ctx, TopicC2CMessage, msg.ConversationID, "c2c_msg", q.c2cEvent(msg, ""))
}

// SubmitOffline queues a direct message for delivery on the recipient's next login.
func (q *Queue) SubmitOffline(ctx context.Context, msg *protocol.C2CMessage, reason string) error {
	return q.publish(ctx, TopicC2COffline, msg.ConversationID, "c2c_offline", q.c2cEvent(msg, reason))
}

func (q *Queue) c2cEvent(msg *protocol.C2CMessage, reason string) C2CEvent {
	return C2CEvent{
		ClientMsgID:    protocol.ClientMsgIDString(msg.ClientMsgID),
		MsgID:          msg.MsgID,
		From:           msg.From,
		To:             msg.To,
		ConversationID: msg.ConversationID,
		Content:        string(msg.Content),
		Format:         msg.Format,
		CreatedAt:      msg.SendTime,
		ReplyNode:      q.node,
		Reason:         reason,
	}
}

// SubmitAck queues a client acknowledgement.
func (q *Queue) SubmitAck(ctx context.Context, ack *protocol.AckMessage) error {
	conversation := protocol.ConversationID(ack.From, ack.To)
	return q.publish(ctx, TopicC2CAck, conversation, "c2c_ack", AckEvent{
		ClientMsgID:    protocol.ClientMsgIDString(ack.ClientMsgID),
		MsgID:          ack.MsgID,
		From:           ack.From,
		To:             ack.To,
		ConversationID: conversation,
		Status:         ack.Status,
		AckTime:        ack.AckTime,
	})
}

// SubmitWithdraw queues a withdrawal.
func (q *Queue) SubmitWithdraw(ctx context.Context, w *protocol.WithdrawMessage) error {
	conversation := protocol.ConversationID(w.From, w.To)
	return q.publish(ctx, TopicC2CWithdraw, conversation, "c2c_withdraw", WithdrawEvent{
		ClientMsgID:    protocol.ClientMsgIDString(w.ClientMsgID),
		MsgID:          w.MsgID,
		From:           w.From,
		To:             w.To,
		ConversationID: conversation,
		WithdrawTime:   w.WithdrawTime,
	})
}

// SubmitGroup queues a group message; the stored message returns on the broadcast feed.
func (q *Queue) SubmitGroup(ctx context.Context, msg *protocol.GroupMessage) error {
	return q.publish(ctx, TopicGroupMessage, protocol.GroupConversationID(msg.GroupID), "group_msg", GroupEvent{
		ClientMsgID: protocol.ClientMsgIDString(msg.ClientMsgID),
		MsgID:       msg.MsgID,
		From:        msg.From,
		GroupID:     msg.GroupID,
		Content:     string(msg.Content),
		Format:      msg.Format,
		CreatedAt:   msg.SendTime,
		ReplyNode:   q.node,
	})
}

// RequestGroupRebuild asks the membership owner to repopulate groupID.
func (q *Queue) RequestGroupRebuild(ctx context.Context, groupID int64) error {
	return q.publish(ctx, TopicGroupCacheRebuild, protocol.FormatID(groupID), "group_cache_rebuild", RebuildRequest{
		GroupID:     groupID,
		Node:        q.node,
		RequestedAt: q.now().UnixMilli(),
	})
}
