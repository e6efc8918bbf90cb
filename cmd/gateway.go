package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/authz"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Core components
	msgBus := bus.NewMessageBus(0)

	sessionsPath := cfg.SessionsPath()
	os.MkdirAll(filepath.Dir(sessionsPath), 0755)
	store := sessions.NewStore(sessionsPath, cfg.SessionCacheTTL())

	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0755)

	runner := agent.NewRunner(agent.RunnerConfig{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		WorkDir: workspace,
		Timeout: cfg.AgentTimeout(),
	})

	ctrl := scheduler.NewController(scheduler.Config{
		Executor: runner,
		Store:    store,
		Events:   msgBus,
	})

	policy := authz.NewPolicyEngine(cfg.Gateway.OwnerIDs)

	// Graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Config hot reload
	watcher := config.NewWatcher(cfgPath, cfg)
	if err := watcher.Start(ctx); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	// Terminal run events → outbound replies
	msgBus.Subscribe("outbound-delivery", makeOutboundForwarder(msgBus))

	// Inbound consumer (channel → controller → agent → channel)
	go consumeInboundMessages(ctx, msgBus, cfg, ctrl, store, policy)

	// Outbound drain: channel adapters attach here; until one does, delivery
	// is logged so the gateway never wedges on a full outbound buffer.
	go func() {
		for {
			out, ok := msgBus.ConsumeOutbound(ctx)
			if !ok {
				return
			}
			slog.Info("outbound: delivering reply",
				"channel", out.Channel, "chat_id", out.ChatID, "chars", len(out.Content))
		}
	}()

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	slog.Info("clawgate gateway starting",
		"version", Version,
		"config", cfgPath,
		"config_hash", cfg.Hash(),
		"sessions", sessionsPath,
		"agent_command", cfg.Agent.Command,
	)

	<-ctx.Done()
	slog.Info("clawgate gateway stopped")
}

// makeOutboundForwarder turns terminal run events into outbound messages so
// whichever adapter drains the bus can deliver the agent's reply.
func makeOutboundForwarder(msgBus *bus.MessageBus) bus.EventHandler {
	return func(event bus.Event) {
		switch event.Name {
		case "run.completed", "run.failed":
		default:
			return
		}
		payload, ok := event.Payload.(map[string]interface{})
		if !ok {
			return
		}
		str := func(key string) string {
			s, _ := payload[key].(string)
			return s
		}
		channel, to := str("channel"), str("to")
		if channel == "" || to == "" {
			return // run without an origin route (CLI submit)
		}

		content := str("text")
		if event.Name == "run.failed" {
			content = "Agent run failed: " + str("error")
		}

		out := bus.OutboundMessage{Channel: channel, ChatID: to, Content: content}
		if tid := str("thread_id"); tid != "" {
			out.Metadata = map[string]string{"message_thread_id": tid}
		}
		msgBus.PublishOutbound(out)
	}
}
