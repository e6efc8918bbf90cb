package bus

import (
	"context"
	"sync"
)

const defaultBuffer = 256

// MessageBus is an in-process message router plus event broadcaster.
// Channel adapters publish inbound messages, the gateway consumer drains
// them, and replies flow back through the outbound side.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

// NewMessageBus creates a bus with the given channel buffer size
// (<=0 uses the default).
func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MessageBus{
		inbound:     make(chan InboundMessage, buffer),
		outbound:    make(chan OutboundMessage, buffer),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound queues an inbound message for the consumer.
// Blocks when the buffer is full: channels apply their own backpressure.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks until a message arrives or ctx is done.
// The second return is false when ctx is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound queues a reply for delivery.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// ConsumeOutbound blocks until a reply is available or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers an event handler under the given id, replacing any
// previous handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers an event to all subscribers synchronously.
// Handlers must be fast; slow observers should hand off to their own goroutine.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
