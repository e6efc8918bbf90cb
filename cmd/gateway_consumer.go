package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/clawgate/internal/authz"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

const defaultAgentID = "default"

// consumeInboundMessages reads inbound messages from the bus and routes them
// through the run queue controller. The pipeline per message: sender allow
// list, size cap, rate limit, duplicate filter, control commands, then the
// debouncer, whose flush hands the (possibly merged) message to the
// controller.
func consumeInboundMessages(ctx context.Context, msgBus *bus.MessageBus, cfg *config.Config, ctrl *scheduler.Controller, store *sessions.Store, policy authz.Authorizer) {
	slog.Info("inbound message consumer started")

	// Redelivery dedupe: TTL 20min, max 5000 entries — webhook retries and
	// double-taps must not duplicate agent runs.
	dedupe := bus.NewDedupeCache(20*time.Minute, 5000)
	limiter := channels.NewSenderRateLimiter(cfg.Gateway.RateLimitRPM)

	process := func(msg bus.InboundMessage) {
		sessionKey := sessionKeyFor(cfg, msg)
		queueCfg := cfg.QueueFor(msg.Channel)

		decision := ctrl.Submit(scheduler.Submission{
			SessionKey: sessionKey,
			Prompt:     msg.Content,
			MessageID:  msg.MessageID,
			Origin: sessions.Route{
				Channel:   msg.Channel,
				To:        msg.ChatID,
				AccountID: msg.AccountID,
				ThreadID:  msg.ThreadID,
			},
			Settings: queueCfg.ToSettings(),
		})

		slog.Info("inbound: message scheduled",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"session", sessionKey,
			"decision", string(decision.Kind),
			"run_id", decision.RunID,
			"pending", decision.PendingDepth,
		)

		if decision.Kind == scheduler.DecisionDropped {
			msgBus.PublishOutbound(bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: "Message dropped, the queue for this chat is full. Try again once the current task finishes.",
			})
		}
	}

	debounceMs := cfg.Gateway.DebounceMs
	if debounceMs == 0 {
		debounceMs = 1000
	}
	var window time.Duration
	if debounceMs > 0 {
		window = time.Duration(debounceMs) * time.Millisecond
	}
	debouncer := bus.NewInboundDebouncer(window, process)
	defer debouncer.Stop()

	slog.Info("inbound debounce configured", "debounce_ms", debounceMs)

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}

		if !senderAllowed(cfg, msg) {
			slog.Debug("inbound: sender not in allow list",
				"channel", msg.Channel, "sender", msg.SenderID)
			continue
		}

		if max := cfg.Gateway.MaxMessageChars; max > 0 && len(msg.Content) > max {
			slog.Warn("inbound: message truncated",
				"channel", msg.Channel, "chars", len(msg.Content), "max", max)
			msg.Content = truncateUTF8(msg.Content, max)
		}

		if !limiter.Allow(msg.Channel + "|" + msg.SenderID) {
			slog.Warn("inbound: rate limited",
				"channel", msg.Channel, "sender", msg.SenderID)
			continue
		}

		// Duplicate filter runs before commands so a redelivered /stop does
		// not cancel twice.
		mode, repeatWindow := cfg.QueueFor(msg.Channel).Dedupe.DedupeMode()
		sessionKey := sessionKeyFor(cfg, msg)
		if !dedupe.ShouldAccept(mode, sessionKey, msg.MessageID, msg.Content, repeatWindow) {
			slog.Debug("dedup: skipping duplicate message",
				"channel", msg.Channel, "message_id", msg.MessageID)
			continue
		}

		if handled := handleCommand(msgBus, ctrl, store, policy, msg, sessionKey); handled {
			continue
		}

		debouncer.Push(msg)
	}
}

// handleCommand intercepts control commands. Reports true when the message
// was a command and must not reach the run queue.
func handleCommand(msgBus *bus.MessageBus, ctrl *scheduler.Controller, store *sessions.Store, policy authz.Authorizer, msg bus.InboundMessage, sessionKey string) bool {
	command := msg.Metadata["command"]
	if command == "" {
		switch strings.TrimSpace(msg.Content) {
		case "/stop":
			command = "stop"
		case "/stopall":
			command = "stopall"
		case "/new":
			command = "new"
		}
	}
	if command == "" {
		return false
	}

	reply := func(content string) {
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: content,
		})
	}

	switch command {
	case "stop":
		cancelled := ctrl.CancelActive(sessionKey)
		slog.Info("inbound: /stop command", "session", sessionKey, "cancelled", cancelled)
		if cancelled {
			reply("Task stopped.")
		} else {
			reply("No active task to stop.")
		}
		return true

	case "stopall":
		cancelled := ctrl.CancelAll(sessionKey)
		slog.Info("inbound: /stopall command", "session", sessionKey, "cancelled", cancelled)
		if cancelled {
			reply("All tasks stopped.")
		} else {
			reply("No active tasks to stop.")
		}
		return true

	case "new":
		if !policy.IsOwner(msg.SenderID) {
			slog.Warn("inbound: /new denied", "session", sessionKey, "sender", msg.SenderID)
			reply("You are not allowed to reset this session.")
			return true
		}
		ctrl.CancelAll(sessionKey)
		entry, err := store.Reset(sessionKey)
		if err != nil {
			slog.Error("inbound: session reset failed", "session", sessionKey, "error", err)
			reply("Session reset failed.")
			return true
		}
		slog.Info("inbound: /new command", "session", sessionKey, "session_id", entry.SessionID)
		reply("Started a fresh session.")
		return true

	default:
		slog.Debug("inbound: unknown command ignored", "command", command)
		return false
	}
}

// sessionKeyFor builds the controller's session key for a message, honoring
// the configured scope and isolating forum topics.
func sessionKeyFor(cfg *config.Config, msg bus.InboundMessage) string {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = defaultAgentID
	}
	peerKind := msg.PeerKind
	if peerKind == "" {
		peerKind = string(sessions.PeerDirect)
	}

	key := sessions.BuildScopedSessionKey(agentID, msg.Channel, sessions.PeerKind(peerKind), msg.ChatID,
		cfg.Sessions.Scope, cfg.Sessions.DmScope, cfg.Sessions.MainKey)

	// Forum topics get their own history within the group.
	if msg.Metadata["is_forum"] == "true" && peerKind == string(sessions.PeerGroup) {
		var topicID int
		fmt.Sscanf(msg.Metadata["message_thread_id"], "%d", &topicID)
		if topicID > 0 {
			key = sessions.BuildGroupTopicSessionKey(agentID, msg.Channel, msg.ChatID, topicID)
		}
	}
	return key
}

// truncateUTF8 cuts s to at most max bytes without splitting a multi-byte
// rune, so the agent never sees invalid UTF-8.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// senderAllowed applies the channel's allow list; an empty list is open.
func senderAllowed(cfg *config.Config, msg bus.InboundMessage) bool {
	var allow []string
	switch msg.Channel {
	case "telegram":
		allow = cfg.Channels.Telegram.AllowFrom
	case "discord":
		allow = cfg.Channels.Discord.AllowFrom
	case "slack":
		allow = cfg.Channels.Slack.AllowFrom
	case "whatsapp":
		allow = cfg.Channels.WhatsApp.AllowFrom
	}
	if len(allow) == 0 {
		return true
	}
	for _, id := range allow {
		if id == msg.SenderID {
			return true
		}
	}
	return false
}
