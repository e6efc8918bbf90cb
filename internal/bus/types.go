package bus

import "context"

// InboundMessage represents a normalized message received from a channel
// adapter (Telegram, Discord, etc.).
type InboundMessage struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	MessageID string            `json:"message_id,omitempty"` // provider message id, used for redelivery dedup
	AccountID string            `json:"account_id,omitempty"`
	ThreadID  string            `json:"thread_id,omitempty"`
	PeerKind  string            `json:"peer_kind,omitempty"` // "direct" or "group"
	AgentID   string            `json:"agent_id,omitempty"`  // target agent (multi-agent routing)
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a reply to be delivered through a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event represents a server-side event broadcast to observers
// (status line, logging, WS clients).
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the scheduler and the gateway to decouple from the concrete bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channel
// adapters and the scheduler.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
