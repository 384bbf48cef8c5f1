package events

import (
	"sync"

	"github.com/EchoPBX/agentweb-bridge/pkg/sdk"
)

// Topics published by the bridge.
const (
	TopicInbound    = "bridge.inbound"
	TopicOutbound   = "bridge.outbound"
	TopicMessage    = "bridge.message"
	TopicUnhandled  = "bridge.unhandled"
	TopicPermission = "bridge.permission"
	TopicClosed     = "bridge.closed"
	TopicSession    = "session.opened"
)

type Bus struct {
	mu   sync.RWMutex
	subs map[chan sdk.Event]struct{}
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[chan sdk.Event]struct{}),
	}
}

func (b *Bus) Subscribe() chan sdk.Event {
	ch := make(chan sdk.Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan sdk.Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish never blocks; slow subscribers drop events.
func (b *Bus) Publish(ev sdk.Event) {
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.RUnlock()
}
