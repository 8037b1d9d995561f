// Package delivery records the per-message delivery state machine in the shared store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is a node in the delivery state machine.
type State string

const (
	StateNone              State = ""
	StateCreated           State = "CREATED"
	StateQueuedPersistence State = "QUEUED_FOR_PERSISTENCE"
	StateAwaitingServerAck State = "AWAITING_SERVER_ACK"
	// StateDelivered means the message reached a live socket, on this node or via relay.
	StateDelivered         State = "DELIVERED_LOCAL"
	StateQueuedOffline     State = "QUEUED_OFFLINE"
	StateAwaitingClientAck State = "AWAITING_CLIENT_ACK"
	StateUnreadAckSeen     State = "UNREAD_ACK_SEEN"
	StateReadAckSeen       State = "READ_ACK_SEEN"
	StateWithdrawn         State = "WITHDRAWN"
	StateAbandoned         State = "ABANDONED"
)

// ErrIllegalTransition is returned when the stored state does not permit the move.
var ErrIllegalTransition = errors.New("illegal delivery state transition")

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateReadAckSeen, StateWithdrawn, StateAbandoned:
		return true
	}
	return false
}

var nonTerminal = []State{
	StateCreated, StateQueuedPersistence, StateAwaitingServerAck, StateDelivered,
	StateQueuedOffline, StateAwaitingClientAck, StateUnreadAckSeen,
}

var ackable = []State{StateAwaitingServerAck, StateDelivered, StateQueuedOffline, StateAwaitingClientAck}

// predecessors lists the states each target may be entered from. Client acks may race
// the server acknowledgement, and a read ack may arrive without an unread ack.
var predecessors = map[State][]State{
	StateCreated:           {StateNone},
	StateQueuedPersistence: {StateCreated},
	StateAwaitingServerAck: {StateQueuedPersistence},
	StateDelivered:         {StateAwaitingServerAck, StateQueuedOffline},
	StateQueuedOffline:     {StateAwaitingServerAck},
	StateAwaitingClientAck: {StateDelivered, StateQueuedOffline},
	StateUnreadAckSeen:     ackable,
	StateReadAckSeen:       append(append([]State{}, ackable...), StateUnreadAckSeen),
	StateWithdrawn:         nonTerminal,
	StateAbandoned:         nonTerminal,
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range predecessors[to] {
		if s == from {
			return true
		}
	}
	return false
}

// KeyPrefix namespaces delivery state records.
const KeyPrefix = "im:delivery:"

// OwnerKeyPrefix namespaces the sender and recipient recorded for each message.
const OwnerKeyPrefix = "im:delivery:owner:"

// Owner names the two ends of a direct message.
type Owner struct {
	From int64
	To   int64
}

// compareAndSet moves KEYS[1] to ARGV[1] when its current value is one of ARGV[3..].
// A missing key is represented by the empty string.
var compareAndSet = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then current = "" end
for i = 3, #ARGV do
  if ARGV[i] == current then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
    return {1, current}
  end
end
return {0, current}
`)

// Store persists delivery states with a bounded lifetime.
type Store struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewStore returns a Store whose records expire after ttl.
func NewStore(client redis.Cmdable, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

// Advance moves messageKey to state `to` and returns the state it left.
func (s *Store) Advance(ctx context.Context, messageKey string, to State) (State, error) {
	from := predecessors[to]
	if len(from) == 0 {
		return StateNone, fmt.Errorf("%w: unknown target %s", ErrIllegalTransition, to)
	}
	args := make([]any, 0, len(from)+2)
	args = append(args, string(to), s.ttl.Milliseconds())
	for _, state := range from {
		args = append(args, string(state))
	}
	res, err := compareAndSet.Run(ctx, s.client, []string{KeyPrefix + messageKey}, args...).Slice()
	if err != nil {
		return StateNone, fmt.Errorf("advance %s to %s: %w", messageKey, to, err)
	}
	applied, _ := res[0].(int64)
	current, _ := res[1].(string)
	if applied != 1 {
		return State(current), fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, displayState(State(current)), to)
	}
	return State(current), nil
}

// Walk applies each step in order, stopping at the first failure.
func (s *Store) Walk(ctx context.Context, messageKey string, steps ...State) error {
	for _, step := range steps {
		if _, err := s.Advance(ctx, messageKey, step); err != nil {
			return err
		}
	}
	return nil
}

// Current returns the stored state of messageKey.
func (s *Store) Current(ctx context.Context, messageKey string) (State, error) {
	value, err := s.client.Get(ctx, KeyPrefix+messageKey).Result()
	if errors.Is(err, redis.Nil) {
		return StateNone, nil
	}
	if err != nil {
		return StateNone, fmt.Errorf("delivery state %s: %w", messageKey, err)
	}
	return State(value), nil
}

// Claim records who sent messageKey and to whom. The first claim wins.
func (s *Store) Claim(ctx context.Context, messageKey string, owner Owner) error {
	value := strconv.FormatInt(owner.From, 10) + ":" + strconv.FormatInt(owner.To, 10)
	if err := s.client.SetNX(ctx, OwnerKeyPrefix+messageKey, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("claim %s: %w", messageKey, err)
	}
	return nil
}

// Owner returns the ends recorded by Claim.
func (s *Store) Owner(ctx context.Context, messageKey string) (Owner, bool, error) {
	value, err := s.client.Get(ctx, OwnerKeyPrefix+messageKey).Result()
	if errors.Is(err, redis.Nil) {
		return Owner{}, false, nil
	}
	if err != nil {
		return Owner{}, false, fmt.Errorf("owner of %s: %w", messageKey, err)
	}
	from, to, ok := strings.Cut(value, ":")
	if !ok {
		return Owner{}, false, fmt.Errorf("owner of %s: malformed record %q", messageKey, value)
	}
	var owner Owner
	if owner.From, err = strconv.ParseInt(from, 10, 64); err != nil {
		return Owner{}, false, fmt.Errorf("owner of %s: %w", messageKey, err)
	}
	if owner.To, err = strconv.ParseInt(to, 10, 64); err != nil {
		return Owner{}, false, fmt.Errorf("owner of %s: %w", messageKey, err)
	}
	return owner, true, nil
}

func displayState(s State) string {
	if s == StateNone {
		return "<none>"
	}
	return string(s)
}
