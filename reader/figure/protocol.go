package figure

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscribeRequest is the Figure Markets subscription frame. Every request
// names its own channelUuid; order book frames echo that uuid instead of the
// symbol, so the uuid is how responses are attributed.
type subscribeRequest struct {
	Action      string `json:"action"`
	Channel     string `json:"channel"`
	Symbol      string `json:"symbol"`
	ChannelUUID string `json:"channelUuid"`
	Timestamp   int64  `json:"timestamp"`
}

// Subscription is one (symbol, channel) request prepared for a session,
// carrying the wire frame and the uuid it was issued under.
type Subscription struct {
	Symbol      string
	Channel     string
	ChannelUUID string
	Frame       []byte
}

// SubscribeFunc builds the outbound subscription frames for one session.
// The connection manager calls it after every successful dial, so each
// session subscribes from scratch with fresh uuids.
type SubscribeFunc func(symbols, channels []string) ([]Subscription, error)

// FigureSubscriptions is the default SubscribeFunc for the Figure Markets
// websocket protocol.
func FigureSubscriptions(symbols, channels []string) ([]Subscription, error) {
	now := time.Now().UnixMilli()
	subs := make([]Subscription, 0, len(symbols)*len(channels))

	for _, symbol := range symbols {
		for _, channel := range channels {
			id := uuid.NewString()
			frame, err := json.Marshal(subscribeRequest{
				Action:      "SUBSCRIBE",
				Channel:     channel,
				Symbol:      symbol,
				ChannelUUID: id,
				Timestamp:   now,
			})
			if err != nil {
				return nil, fmt.Errorf("build subscribe frame for %s/%s: %w", symbol, channel, err)
			}
			subs = append(subs, Subscription{
				Symbol:      symbol,
				Channel:     channel,
				ChannelUUID: id,
				Frame:       frame,
			})
		}
	}
	return subs, nil
}

// ChannelRegistry tracks which symbol each live subscription uuid belongs
// to. It is replaced wholesale on every reconnect since each session issues
// fresh uuids; stale uuids from a previous session deliberately stop
// resolving.
type ChannelRegistry struct {
	mu     sync.RWMutex
	byUUID map[string]string
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{byUUID: make(map[string]string)}
}

// Replace swaps in the subscriptions of a new session.
func (r *ChannelRegistry) Replace(subs []Subscription) {
	next := make(map[string]string, len(subs))
	for _, sub := range subs {
		next[sub.ChannelUUID] = sub.Symbol
	}

	r.mu.Lock()
	r.byUUID = next
	r.mu.Unlock()
}

// ResolveChannel maps a channel uuid to its symbol.
func (r *ChannelRegistry) ResolveChannel(channelUUID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	symbol, ok := r.byUUID[channelUUID]
	return symbol, ok
}
