// Package presence tracks contact presence and typing indicators: remote
// typing entries with per-entry expiry, and the local user's debounced
// typing signal. Presence records themselves live in the conversation
// aggregator, which is their single writer; this package routes updates
// there and owns only typing state.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emilAIT/chatsync/internal/bus"
	"github.com/emilAIT/chatsync/internal/timer"
	"github.com/emilAIT/chatsync/internal/wire"
)

// Sender emits typing envelopes on the chat channel.
type Sender interface {
	Send(typ string, payload any) error
}

// PresenceSink receives presence updates; implemented by the conversation
// aggregator so all table mutation goes through one writer.
type PresenceSink interface {
	SetPresence(userID string, online bool, lastSeen time.Time)
}

type typingKey struct {
	conv wire.ConversationRef
	user string
}

type remoteEntry struct {
	username string
	expire   *timer.Task
}

// Tracker owns typing state and routes presence events.
type Tracker struct {
	mu     sync.Mutex
	sender Sender
	sink   PresenceSink
	bus    *bus.Bus
	logger *zap.Logger

	localWindow  time.Duration
	remoteExpiry time.Duration

	// local typing: one refreshable window per conversation.
	local map[wire.ConversationRef]*timer.Task
	// remote typing: one expiring entry per (conversation, user).
	remote map[typingKey]*remoteEntry
}

// NewTracker creates a tracker.
func NewTracker(sender Sender, sink PresenceSink, localWindow, remoteExpiry time.Duration, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		sender:       sender,
		sink:         sink,
		bus:          b,
		logger:       logger,
		localWindow:  localWindow,
		remoteExpiry: remoteExpiry,
		local:        make(map[wire.ConversationRef]*timer.Task),
		remote:       make(map[typingKey]*remoteEntry),
	}
}

// ApplyStatus handles an inbound presence event. Events are applied in
// receipt order; the server is the source of truth, so the latest event
// wins regardless of its embedded timestamp.
func (t *Tracker) ApplyStatus(p wire.StatusPayload) {
	lastSeen := time.UnixMilli(p.LastSeenAt)
	t.sink.SetPresence(p.UserID, p.Online, lastSeen)
}

// Keystroke registers local typing activity in a conversation. The first
// keystroke emits a typing-start envelope; subsequent keystrokes refresh
// the quiet window; when the window elapses without another keystroke, a
// typing-stop is emitted exactly once.
func (t *Tracker) Keystroke(conv wire.ConversationRef) {
	t.mu.Lock()
	if task, active := t.local[conv]; active {
		task.Reset(t.localWindow)
		t.mu.Unlock()
		return
	}
	t.local[conv] = timer.After(t.localWindow, func() { t.localExpired(conv) })
	t.mu.Unlock()

	if err := t.sender.Send(typingType(conv.Kind, true), wire.TypingPayload{ConversationRef: conv}); err != nil {
		t.logger.Debug("typing start not sent", zap.Error(err))
	}
}

// MessageSent forces an immediate typing-stop for the conversation a
// message was just sent to, so a stray stop never trails into the next
// conversation's typing window.
func (t *Tracker) MessageSent(conv wire.ConversationRef) {
	t.mu.Lock()
	task, active := t.local[conv]
	if active {
		task.Stop()
		delete(t.local, conv)
	}
	t.mu.Unlock()

	if active {
		t.sendStop(conv)
	}
}

func (t *Tracker) localExpired(conv wire.ConversationRef) {
	t.mu.Lock()
	if _, active := t.local[conv]; !active {
		// Cancelled by MessageSent between fire and lock.
		t.mu.Unlock()
		return
	}
	delete(t.local, conv)
	t.mu.Unlock()

	t.sendStop(conv)
}

func (t *Tracker) sendStop(conv wire.ConversationRef) {
	if err := t.sender.Send(typingType(conv.Kind, false), wire.TypingPayload{ConversationRef: conv}); err != nil {
		t.logger.Debug("typing stop not sent", zap.Error(err))
	}
}

// ApplyRemoteTyping handles an inbound typing_update. A start creates or
// refreshes the entry; a stop removes it. Entries also expire on their own
// after the silence window, without requiring any further event.
func (t *Tracker) ApplyRemoteTyping(conv wire.ConversationRef, userID, username string, typing bool) {
	key := typingKey{conv: conv, user: userID}

	t.mu.Lock()
	entry, exists := t.remote[key]
	if typing {
		if exists {
			entry.expire.Reset(t.remoteExpiry)
			t.mu.Unlock()
			return // refresh is not a visible change
		}
		t.remote[key] = &remoteEntry{
			username: username,
			expire:   timer.After(t.remoteExpiry, func() { t.remoteExpired(key) }),
		}
		t.mu.Unlock()
		t.notifyTyping(conv)
		return
	}
	if !exists {
		t.mu.Unlock()
		return
	}
	entry.expire.Stop()
	delete(t.remote, key)
	t.mu.Unlock()
	t.notifyTyping(conv)
}

// ClearTyping removes a user's typing entry immediately. A real message
// from that user is conclusive proof typing ended.
func (t *Tracker) ClearTyping(conv wire.ConversationRef, userID string) {
	key := typingKey{conv: conv, user: userID}

	t.mu.Lock()
	entry, exists := t.remote[key]
	if exists {
		entry.expire.Stop()
		delete(t.remote, key)
	}
	t.mu.Unlock()

	if exists {
		t.notifyTyping(conv)
	}
}

// TypingUsers returns the usernames currently typing in a conversation.
func (t *Tracker) TypingUsers(conv wire.ConversationRef) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var users []string
	for key, entry := range t.remote {
		if key.conv == conv {
			users = append(users, entry.username)
		}
	}
	return users
}

func (t *Tracker) remoteExpired(key typingKey) {
	t.mu.Lock()
	if _, exists := t.remote[key]; !exists {
		t.mu.Unlock()
		return
	}
	delete(t.remote, key)
	t.mu.Unlock()

	t.notifyTyping(key.conv)
}

func (t *Tracker) notifyTyping(conv wire.ConversationRef) {
	t.bus.Publish(bus.Event{
		Kind:      bus.KindTypingChanged,
		Timestamp: time.Now(),
		Payload:   conv,
	})
}

func typingType(kind wire.ConversationKind, start bool) string {
	switch {
	case kind == wire.KindGroup && start:
		return wire.TypeGroupTyping
	case kind == wire.KindGroup:
		return wire.TypeGroupStoppedTyping
	case start:
		return wire.TypeTyping
	default:
		return wire.TypeStoppedTyping
	}
}
