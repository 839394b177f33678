// Package transport owns the engine's socket connections: one logical
// channel for presence and one for chat, each with its own lifecycle,
// reconnect backoff and (for chat) heartbeat. Raw bytes are never queued
// across drops; callers re-derive what still needs sending after reconnect.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emilAIT/chatsync/internal/bus"
	"github.com/emilAIT/chatsync/internal/status"
	"github.com/emilAIT/chatsync/internal/timer"
	"github.com/emilAIT/chatsync/internal/wire"
)

// ChannelKind identifies a logical channel.
type ChannelKind string

const (
	ChannelPresence ChannelKind = "presence"
	ChannelChat     ChannelKind = "chat"
)

var (
	// ErrNoCredential is returned when no token is available; no
	// connection attempt is made and no retry is scheduled.
	ErrNoCredential = errors.New("no credential available")
	// ErrNotConnected is returned by Send when the channel is not open.
	ErrNotConnected = errors.New("channel not open")
)

// CredentialProvider supplies the auth token for connecting. An empty token
// means the user is not authenticated.
type CredentialProvider interface {
	Token() (string, error)
}

// EnvelopeHandler receives every inbound envelope in receipt order.
type EnvelopeHandler func(kind ChannelKind, env wire.Envelope)

// Options configures the manager.
type Options struct {
	ChatURL             string
	PresenceURL         string
	Heartbeat           time.Duration
	ChatBackoffBase     time.Duration
	ChatBackoffCap      time.Duration
	PresenceBackoffBase time.Duration
	PresenceBackoffCap  time.Duration
	WriteTimeout        time.Duration
}

func (o *Options) defaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.ChatBackoffBase <= 0 {
		o.ChatBackoffBase = 3 * time.Second
	}
	if o.ChatBackoffCap <= 0 {
		o.ChatBackoffCap = 10 * time.Second
	}
	if o.PresenceBackoffBase <= 0 {
		o.PresenceBackoffBase = 3 * time.Second
	}
	if o.PresenceBackoffCap <= 0 {
		o.PresenceBackoffCap = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Manager owns the channel connections. Connections are destroyed and
// recreated on every reconnect attempt, never reused across drops.
type Manager struct {
	mu         sync.Mutex
	opts       Options
	creds      CredentialProvider
	dial       Dialer
	onEnvelope EnvelopeHandler
	bus        *bus.Bus
	logger     *zap.Logger
	channels   map[ChannelKind]*channel
	pingSeq    int64
}

type channel struct {
	kind        ChannelKind
	machine     *status.Machine
	sock        Socket
	retryCount  int
	lastError   error
	reconnect   *timer.Task
	heartbeat   *timer.Task
	cancelRead  context.CancelFunc
	intentional bool
	gen         int // connection generation; stale read loops bail out
}

// NewManager creates a manager. A nil dialer uses the websocket dialer.
func NewManager(opts Options, creds CredentialProvider, dial Dialer, b *bus.Bus, logger *zap.Logger) *Manager {
	opts.defaults()
	if dial == nil {
		dial = WebSocketDialer
	}
	m := &Manager{
		opts:     opts,
		creds:    creds,
		dial:     dial,
		bus:      b,
		logger:   logger,
		channels: make(map[ChannelKind]*channel),
	}
	m.channels[ChannelPresence] = &channel{
		kind:    ChannelPresence,
		machine: status.NewMachine(string(ChannelPresence), b),
	}
	m.channels[ChannelChat] = &channel{
		kind:    ChannelChat,
		machine: status.NewMachine(string(ChannelChat), b),
	}
	return m
}

// SetEnvelopeHandler installs the inbound envelope callback. Must be called
// before Connect.
func (m *Manager) SetEnvelopeHandler(h EnvelopeHandler) {
	m.mu.Lock()
	m.onEnvelope = h
	m.mu.Unlock()
}

// State returns the current state of a channel.
func (m *Manager) State(kind ChannelKind) status.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[kind].machine.Current()
}

// Connect opens the channel. It is idempotent: a live or in-progress
// connection is left untouched. It fails immediately, without scheduling a
// retry, when no valid credential is available.
func (m *Manager) Connect(ctx context.Context, kind ChannelKind) error {
	m.mu.Lock()
	ch := m.channels[kind]
	switch ch.machine.Current() {
	case status.Open, status.Connecting:
		m.mu.Unlock()
		return nil
	}
	// A manual connect supersedes any pending scheduled retry.
	ch.reconnect.Stop()
	ch.reconnect = nil
	ch.intentional = false

	token, err := m.creds.Token()
	if err != nil {
		m.mu.Unlock()
		m.reportError(fmt.Errorf("fetch credential: %w", err))
		return fmt.Errorf("fetch credential: %w", err)
	}
	if token == "" {
		m.mu.Unlock()
		m.reportError(ErrNoCredential)
		return ErrNoCredential
	}

	if err := ch.machine.Transition(status.Connecting); err != nil {
		m.mu.Unlock()
		return err
	}
	target := m.endpointLocked(kind, token)
	m.mu.Unlock()

	sock, err := m.dial(ctx, target)

	m.mu.Lock()
	defer m.mu.Unlock()
	if ch.intentional {
		// Disconnected while dialing; drop the late socket.
		if sock != nil {
			_ = sock.Close(CloseNormal, "superseded")
		}
		return nil
	}
	if err != nil {
		// Network errors surface as a close, never a separate fatal path.
		m.handleCloseLocked(ch, fmt.Errorf("dial: %w", err), closeCode(err))
		return fmt.Errorf("dial %s: %w", kind, err)
	}

	ch.sock = sock
	ch.retryCount = 0
	ch.lastError = nil
	ch.gen++
	if err := ch.machine.Transition(status.Open); err != nil {
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	ch.cancelRead = cancel
	go m.readLoop(ch, sock, readCtx, ch.gen)

	if kind == ChannelChat {
		m.startHeartbeatLocked(ch)
	}

	m.logger.Info("channel open", zap.String("channel", string(kind)))
	return nil
}

// Send encodes and writes one envelope on the channel. It fails
// synchronously when the channel is not open; nothing is buffered.
func (m *Manager) Send(kind ChannelKind, typ string, payload any) error {
	m.mu.Lock()
	ch := m.channels[kind]
	if ch.machine.Current() != status.Open || ch.sock == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	sock := ch.sock
	m.mu.Unlock()

	data, err := wire.Encode(typ, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
	defer cancel()
	if err := sock.Write(ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

// Disconnect shuts the channel down intentionally: pending reconnects and
// heartbeats are cancelled and no new reconnect is scheduled. This is the
// only path that suppresses auto-reconnect.
func (m *Manager) Disconnect(kind ChannelKind) {
	m.mu.Lock()
	ch := m.channels[kind]
	ch.intentional = true
	ch.reconnect.Stop()
	ch.reconnect = nil
	ch.heartbeat.Stop()
	ch.heartbeat = nil
	if ch.cancelRead != nil {
		ch.cancelRead()
		ch.cancelRead = nil
	}
	sock := ch.sock
	ch.sock = nil
	ch.gen++
	ch.retryCount = 0
	if ch.machine.Current() != status.Disconnected {
		_ = ch.machine.Transition(status.Disconnected)
	}
	m.mu.Unlock()

	if sock != nil {
		_ = sock.Close(CloseNormal, "client disconnect")
	}
	m.logger.Info("channel disconnected", zap.String("channel", string(kind)))
}

// Close disconnects every channel.
func (m *Manager) Close() {
	m.Disconnect(ChannelChat)
	m.Disconnect(ChannelPresence)
}

func (m *Manager) readLoop(ch *channel, sock Socket, ctx context.Context, gen int) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			m.mu.Lock()
			if ch.gen == gen {
				m.handleCloseLocked(ch, err, closeCode(err))
			}
			m.mu.Unlock()
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			m.logger.Warn("dropping malformed frame",
				zap.String("channel", string(ch.kind)),
				zap.Error(err))
			continue
		}

		// Dispatch inline so envelopes on one connection are processed
		// in receipt order.
		m.mu.Lock()
		handler := m.onEnvelope
		m.mu.Unlock()
		if handler != nil {
			handler(ch.kind, env)
		}
	}
}

// handleCloseLocked reacts to a connection loss. Normal closes, credential
// rejections and policy violations stay down; everything else schedules a
// capped exponential backoff retry.
func (m *Manager) handleCloseLocked(ch *channel, err error, code int) {
	ch.heartbeat.Stop()
	ch.heartbeat = nil
	if ch.cancelRead != nil {
		ch.cancelRead()
		ch.cancelRead = nil
	}
	ch.sock = nil
	ch.lastError = err

	if ch.intentional || code == CloseNormal || code == CloseAuthRejected ||
		code == CloseNoCredential || code == ClosePolicyViolation {
		if ch.machine.Current() != status.Disconnected {
			_ = ch.machine.Transition(status.Disconnected)
		}
		m.logger.Info("channel closed, not reconnecting",
			zap.String("channel", string(ch.kind)),
			zap.Int("code", code),
			zap.Error(err))
		return
	}

	base, cap := m.backoffFor(ch.kind)
	delay := backoffDelay(base, cap, ch.retryCount)
	ch.retryCount++

	if ch.machine.Current() != status.Reconnecting {
		_ = ch.machine.Transition(status.Reconnecting)
	}
	kind := ch.kind
	ch.reconnect = timer.After(delay, func() {
		m.mu.Lock()
		ch.reconnect = nil
		m.mu.Unlock()
		_ = m.Connect(context.Background(), kind)
	})

	m.logger.Warn("channel closed, reconnect scheduled",
		zap.String("channel", string(ch.kind)),
		zap.Duration("delay", delay),
		zap.Int("retry", ch.retryCount),
		zap.Error(err))
}

func (m *Manager) startHeartbeatLocked(ch *channel) {
	var fire func()
	fire = func() {
		m.mu.Lock()
		if ch.machine.Current() != status.Open || ch.sock == nil {
			m.mu.Unlock()
			return
		}
		sock := ch.sock
		m.pingSeq++
		seq := m.pingSeq
		m.mu.Unlock()

		data, err := wire.Encode(wire.TypePing, wire.PingPayload{Seq: seq})
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
			if werr := sock.Write(ctx, data); werr != nil {
				m.logger.Debug("heartbeat write failed", zap.Error(werr))
			}
			cancel()
		}

		m.mu.Lock()
		if ch.machine.Current() == status.Open {
			ch.heartbeat = timer.After(m.opts.Heartbeat, fire)
		}
		m.mu.Unlock()
	}
	ch.heartbeat = timer.After(m.opts.Heartbeat, fire)
}

func (m *Manager) endpointLocked(kind ChannelKind, token string) string {
	base := m.opts.ChatURL
	if kind == ChannelPresence {
		base = m.opts.PresenceURL
	}
	return base + "?token=" + url.QueryEscape(token)
}

func (m *Manager) backoffFor(kind ChannelKind) (base, cap time.Duration) {
	if kind == ChannelPresence {
		return m.opts.PresenceBackoffBase, m.opts.PresenceBackoffCap
	}
	return m.opts.ChatBackoffBase, m.opts.ChatBackoffCap
}

func (m *Manager) reportError(err error) {
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindTransportError,
			Timestamp: time.Now(),
			Payload:   err.Error(),
		})
	}
	m.logger.Error("transport error", zap.Error(err))
}

// backoffDelay computes min(base * 2^retry, cap).
func backoffDelay(base, cap time.Duration, retry int) time.Duration {
	if retry > 16 {
		return cap
	}
	d := base << uint(retry)
	if d > cap {
		return cap
	}
	return d
}
