// Package conversation merges the contact list, group list, and live message
// events into one ordered, unread-annotated conversation list. The aggregator
// is the exclusive owner of the conversation and presence tables; every other
// component mutates them through its API only.
package conversation

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/emilAIT/chatsync/internal/bus"
	"github.com/emilAIT/chatsync/internal/wire"
)

// Conversation is one row in the aggregated list.
type Conversation struct {
	ID                 string
	Kind               wire.ConversationKind
	DisplayName        string
	AvatarRef          string
	LastMessagePreview string
	LastMessageAt      time.Time
	UnreadCount        int
	// Presence, meaningful for direct conversations only.
	IsOnline   bool
	LastSeenAt time.Time

	// initialOrder breaks ties between conversations with no messages.
	initialOrder int
}

func (c Conversation) ref() wire.ConversationRef {
	return wire.ConversationRef{ID: c.ID, Kind: c.Kind}
}

// Contact seeds a direct conversation.
type Contact struct {
	UserID    string
	Name      string
	AvatarRef string
}

// Group seeds a group conversation.
type Group struct {
	GroupID   string
	Name      string
	AvatarRef string
}

// IncomingMessage is the aggregator-relevant slice of an inbound message.
type IncomingMessage struct {
	Content    string
	Attachment *wire.Attachment
	SentAt     time.Time
	SenderName string
	FromSelf   bool
}

// Aggregator owns the conversation and presence tables.
type Aggregator struct {
	mu     sync.Mutex
	bus    *bus.Bus
	logger *zap.Logger

	previewLength int
	conversations map[wire.ConversationRef]*Conversation
	active        wire.ConversationRef
	hasActive     bool
	nextOrder     int
}

// New creates an empty aggregator. Call Initialize with the roster before
// routing events into it.
func New(previewLength int, b *bus.Bus, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		bus:           b,
		logger:        logger,
		previewLength: previewLength,
		conversations: make(map[wire.ConversationRef]*Conversation),
	}
}

// Initialize builds one conversation per contact and group, sorted
// alphabetically so the list is stable before any activity exists. The
// alphabetical position doubles as the tiebreak for messageless
// conversations later.
func (a *Aggregator) Initialize(contacts []Contact, groups []Group) {
	entries := make([]*Conversation, 0, len(contacts)+len(groups))
	for _, c := range contacts {
		entries = append(entries, &Conversation{
			ID:          c.UserID,
			Kind:        wire.KindDirect,
			DisplayName: c.Name,
			AvatarRef:   c.AvatarRef,
		})
	}
	for _, g := range groups {
		entries = append(entries, &Conversation{
			ID:          g.GroupID,
			Kind:        wire.KindGroup,
			DisplayName: g.Name,
			AvatarRef:   g.AvatarRef,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].DisplayName) < strings.ToLower(entries[j].DisplayName)
	})

	a.mu.Lock()
	a.conversations = make(map[wire.ConversationRef]*Conversation, len(entries))
	a.nextOrder = 0
	for _, entry := range entries {
		entry.initialOrder = a.nextOrder
		a.nextOrder++
		a.conversations[entry.ref()] = entry
	}
	a.mu.Unlock()

	a.notifyList()
}

// ApplyIncomingMessage folds one message into its conversation: preview,
// last-message time, and unread count. The unread count grows only when the
// conversation is not the active one and the message is not the local
// user's own. A message for an unknown conversation creates it on the fly.
func (a *Aggregator) ApplyIncomingMessage(ref wire.ConversationRef, msg IncomingMessage) {
	a.mu.Lock()
	conv, ok := a.conversations[ref]
	if !ok {
		conv = a.createLocked(ref, msg.SenderName)
		a.logger.Info("conversation created from inbound message",
			zap.String("conversation", ref.ID),
			zap.String("kind", string(ref.Kind)))
	}
	conv.LastMessagePreview = a.preview(msg)
	conv.LastMessageAt = msg.SentAt
	if !msg.FromSelf && !(a.hasActive && a.active == ref) {
		conv.UnreadCount++
	}
	snap := *conv
	a.mu.Unlock()

	a.notifyConversation(snap)
	a.notifyList()
}

// MarkActive records the conversation the user is looking at and clears its
// unread count. Incoming messages for the active target never count as
// unread.
func (a *Aggregator) MarkActive(ref wire.ConversationRef) {
	a.mu.Lock()
	a.active = ref
	a.hasActive = true
	conv, ok := a.conversations[ref]
	var snap Conversation
	if ok && conv.UnreadCount != 0 {
		conv.UnreadCount = 0
		snap = *conv
	} else {
		ok = false
	}
	a.mu.Unlock()

	if ok {
		a.notifyConversation(snap)
		a.notifyList()
	}
}

// ClearActive forgets the active target, e.g. when the user closes the chat
// view entirely.
func (a *Aggregator) ClearActive() {
	a.mu.Lock()
	a.hasActive = false
	a.mu.Unlock()
}

// SetPresence records a contact's presence and reflects it on their direct
// conversation. Updates are applied in receipt order; the latest one wins.
func (a *Aggregator) SetPresence(userID string, online bool, lastSeen time.Time) {
	ref := wire.ConversationRef{ID: userID, Kind: wire.KindDirect}

	a.mu.Lock()
	conv, ok := a.conversations[ref]
	var snap Conversation
	if ok {
		conv.IsOnline = online
		conv.LastSeenAt = lastSeen
		snap = *conv
	}
	a.mu.Unlock()

	if !ok {
		return
	}
	a.bus.Publish(bus.Event{
		Kind:      bus.KindPresenceChanged,
		Timestamp: time.Now(),
		Payload:   snap,
	})
}

// Remove deletes a conversation after an explicit leave or delete.
func (a *Aggregator) Remove(ref wire.ConversationRef) {
	a.mu.Lock()
	_, ok := a.conversations[ref]
	delete(a.conversations, ref)
	if a.hasActive && a.active == ref {
		a.hasActive = false
	}
	a.mu.Unlock()

	if ok {
		a.notifyList()
	}
}

// Get returns a copy of one conversation.
func (a *Aggregator) Get(ref wire.ConversationRef) (Conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	conv, ok := a.conversations[ref]
	if !ok {
		return Conversation{}, false
	}
	return *conv, true
}

// SortedView returns every conversation ordered by last activity, newest
// first. Conversations with no messages yet come after all active ones, in
// their initial alphabetical order. The ordering is recomputed from scratch
// on every call rather than maintained incrementally.
func (a *Aggregator) SortedView() []Conversation {
	a.mu.Lock()
	view := make([]Conversation, 0, len(a.conversations))
	for _, conv := range a.conversations {
		view = append(view, *conv)
	}
	a.mu.Unlock()

	sort.Slice(view, func(i, j int) bool {
		iActive := !view[i].LastMessageAt.IsZero()
		jActive := !view[j].LastMessageAt.IsZero()
		switch {
		case iActive && jActive:
			return view[i].LastMessageAt.After(view[j].LastMessageAt)
		case iActive:
			return true
		case jActive:
			return false
		default:
			return view[i].initialOrder < view[j].initialOrder
		}
	})
	return view
}

func (a *Aggregator) createLocked(ref wire.ConversationRef, name string) *Conversation {
	if name == "" {
		name = ref.ID
	}
	conv := &Conversation{
		ID:           ref.ID,
		Kind:         ref.Kind,
		DisplayName:  name,
		initialOrder: a.nextOrder,
	}
	a.nextOrder++
	a.conversations[ref] = conv
	return conv
}

func (a *Aggregator) preview(msg IncomingMessage) string {
	if msg.Attachment != nil {
		return mediaLabel(msg.Attachment.MediaType)
	}
	return truncate(msg.Content, a.previewLength)
}

func mediaLabel(mediaType string) string {
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return "Photo"
	case strings.HasPrefix(mediaType, "video/"):
		return "Video"
	case strings.HasPrefix(mediaType, "audio/"):
		return "Audio"
	default:
		return "Document"
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}

func (a *Aggregator) notifyConversation(conv Conversation) {
	a.bus.Publish(bus.Event{
		Kind:      bus.KindConversationChanged,
		Timestamp: time.Now(),
		Payload:   conv,
	})
}

func (a *Aggregator) notifyList() {
	a.bus.Publish(bus.Event{
		Kind:      bus.KindConversationsChanged,
		Timestamp: time.Now(),
	})
}
