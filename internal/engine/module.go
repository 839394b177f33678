package engine

import (
	"context"
	"errors"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/emilAIT/chatsync/internal/bus"
	"github.com/emilAIT/chatsync/internal/config"
	"github.com/emilAIT/chatsync/internal/conversation"
	"github.com/emilAIT/chatsync/internal/lock"
	"github.com/emilAIT/chatsync/internal/logging"
	"github.com/emilAIT/chatsync/internal/outbound"
	"github.com/emilAIT/chatsync/internal/presence"
	"github.com/emilAIT/chatsync/internal/receipts"
	"github.com/emilAIT/chatsync/internal/router"
	"github.com/emilAIT/chatsync/internal/session"
	"github.com/emilAIT/chatsync/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	UserID      string // local user id, used to recognize our own messages
}

// Module returns the fx module composing the sync engine.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideCredentials,
			provideTransport,
			provideSender,
			provideUploader,
			provideRouter,
			providePipeline,
			provideReceipts,
			provideTyping,
			provideAggregator,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		// First run: no config file yet, defaults apply.
		return config.Default(), nil
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideCredentials(p Params) transport.CredentialProvider {
	return NewFileCredentials(session.TokenPath(p.SessionName))
}

func provideTransport(cfg *config.Config, creds transport.CredentialProvider, b *bus.Bus, logger *zap.Logger) *transport.Manager {
	chatBase, chatCap := cfg.ChatBackoff()
	presBase, presCap := cfg.PresenceBackoff()
	opts := transport.Options{
		ChatURL:             cfg.Server.ChatURL,
		PresenceURL:         cfg.Server.PresenceURL,
		Heartbeat:           cfg.Heartbeat(),
		ChatBackoffBase:     chatBase,
		ChatBackoffCap:      chatCap,
		PresenceBackoffBase: presBase,
		PresenceBackoffCap:  presCap,
	}
	return transport.NewManager(opts, creds, nil, b, logger)
}

func provideSender(m *transport.Manager) chatSender {
	return chatSender{manager: m}
}

func provideUploader(cfg *config.Config, creds transport.CredentialProvider) outbound.Uploader {
	return NewHTTPUploader(cfg.Server.UploadURL, creds)
}

func provideRouter(logger *zap.Logger) *router.Router {
	return router.New(logger)
}

func providePipeline(sender chatSender, up outbound.Uploader, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbound.Pipeline {
	return outbound.NewPipeline(sender, up, cfg.ConfirmTimeout(), b, logger)
}

func provideReceipts(sender chatSender, pipeline *outbound.Pipeline, cfg *config.Config, logger *zap.Logger) *receipts.Coordinator {
	return receipts.NewCoordinator(sender, pipeline, cfg.ReceiptFlush(), logger)
}

func provideTyping(sender chatSender, aggregator *conversation.Aggregator, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(sender, aggregator, cfg.LocalTypingWindow(), cfg.RemoteTypingExpiry(), b, logger)
}

func provideAggregator(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *conversation.Aggregator {
	return conversation.New(cfg.Messaging.PreviewLength, b, logger)
}

func provideEngine(
	p Params,
	m *transport.Manager,
	rt *router.Router,
	pipeline *outbound.Pipeline,
	rc *receipts.Coordinator,
	typing *presence.Tracker,
	aggregator *conversation.Aggregator,
	b *bus.Bus,
	logger *zap.Logger,
) *Engine {
	return New(p.UserID, m, rt, pipeline, rc, typing, aggregator, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, e *Engine, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := e.Start(ctx); err != nil {
				return err
			}
			logger.Info("engine started")
			return nil
		},
		OnStop: func(context.Context) error {
			e.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
