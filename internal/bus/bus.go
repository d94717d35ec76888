// Package bus carries commands from channels to the gateway and day updates back out.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrFull is returned by Publish when the outbound queue has no room.
var ErrFull = errors.New("outbound queue full")

type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers fn for messages addressed to channel and for broadcasts.
// A second subscription under the same name replaces the first.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = fn
}

// Request sends a command and waits for its reply.
func (b *MessageBus) Request(ctx context.Context, msg InboundMessage) (Reply, error) {
	reply := make(chan Reply, 1)
	msg.Reply = reply
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	select {
	case b.Inbound <- msg:
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Publish queues msg for delivery without blocking.
func (b *MessageBus) Publish(msg OutboundMessage) error {
	select {
	case b.Outbound <- msg:
		return nil
	default:
		return ErrFull
	}
}

// DispatchOutbound delivers queued messages to subscribers until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.dispatch(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (b *MessageBus) dispatch(msg OutboundMessage) {
	b.mu.RLock()
	var targets []func(OutboundMessage)
	if msg.Channel == "" {
		for _, fn := range b.subscribers {
			targets = append(targets, fn)
		}
	} else if fn, ok := b.subscribers[msg.Channel]; ok {
		targets = append(targets, fn)
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(msg)
	}
}
