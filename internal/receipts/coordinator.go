// Package receipts coordinates read receipts in both directions: it batches
// the local user's "I saw this message" signals into one idempotent
// mark_read envelope per conversation, and applies peers' read receipts to
// locally-held outbound messages.
package receipts

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emilAIT/chatsync/internal/timer"
	"github.com/emilAIT/chatsync/internal/wire"
)

// Sender emits one envelope on the chat channel.
type Sender interface {
	Send(typ string, payload any) error
}

// OutboundStore is the pipeline-side hook for applying peer read receipts.
type OutboundStore interface {
	MarkReadByReader(conv wire.ConversationRef) []string
}

type batch struct {
	conv  wire.ConversationRef
	ids   map[string]struct{}
	flush *timer.Task
}

// Coordinator batches and flushes read receipts.
type Coordinator struct {
	mu          sync.Mutex
	sender      Sender
	outbound    OutboundStore
	logger      *zap.Logger
	flushWindow time.Duration

	batches map[wire.ConversationRef]*batch
	// seen remembers every id already marked read this session, so a
	// re-render or reconnection replay never emits a duplicate.
	seen map[wire.ConversationRef]map[string]struct{}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(sender Sender, outbound OutboundStore, flushWindow time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		sender:      sender,
		outbound:    outbound,
		logger:      logger,
		flushWindow: flushWindow,
		batches:     make(map[wire.ConversationRef]*batch),
		seen:        make(map[wire.ConversationRef]map[string]struct{}),
	}
}

// MarkSeen records that an unread incoming message became visible. The
// message is marked read locally at once; the outbound mark_read is
// coalesced so a burst of visibility events yields one send per window.
// Marking an already-read message again is a no-op.
func (c *Coordinator) MarkSeen(conv wire.ConversationRef, messageID string) {
	c.mu.Lock()
	ids, ok := c.seen[conv]
	if !ok {
		ids = make(map[string]struct{})
		c.seen[conv] = ids
	}
	if _, dup := ids[messageID]; dup {
		c.mu.Unlock()
		return
	}
	ids[messageID] = struct{}{}

	b, ok := c.batches[conv]
	if !ok {
		b = &batch{conv: conv, ids: make(map[string]struct{})}
		c.batches[conv] = b
	}
	b.ids[messageID] = struct{}{}
	if b.flush == nil {
		b.flush = timer.After(c.flushWindow, func() { c.flush(conv) })
	}
	c.mu.Unlock()
}

// FlushPending sends every batch immediately, regardless of its window.
// Called after a reconnect to re-derive the receipts a drop may have eaten.
func (c *Coordinator) FlushPending() {
	c.mu.Lock()
	convs := make([]wire.ConversationRef, 0, len(c.batches))
	for conv, b := range c.batches {
		if len(b.ids) > 0 {
			convs = append(convs, conv)
		}
	}
	c.mu.Unlock()

	for _, conv := range convs {
		c.flush(conv)
	}
}

// ApplyMessagesRead handles an inbound "messages read by peer" event,
// flipping the affected outbound messages. The pipeline notifies the UI
// only for messages that actually changed state.
func (c *Coordinator) ApplyMessagesRead(conv wire.ConversationRef, readerID string) {
	changed := c.outbound.MarkReadByReader(conv)
	if len(changed) > 0 {
		c.logger.Info("peer read messages",
			zap.String("conversation", conv.ID),
			zap.String("reader", readerID),
			zap.Int("count", len(changed)))
	}
}

func (c *Coordinator) flush(conv wire.ConversationRef) {
	c.mu.Lock()
	b, ok := c.batches[conv]
	if !ok || len(b.ids) == 0 {
		if ok {
			b.flush.Stop()
			b.flush = nil
		}
		c.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(b.ids))
	for id := range b.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	// Cleared atomically with the send decision; a failed send re-queues.
	b.ids = make(map[string]struct{})
	b.flush.Stop()
	b.flush = nil
	c.mu.Unlock()

	err := c.sender.Send(wire.TypeMarkRead, wire.MarkReadPayload{
		ConversationRef: conv,
		MessageIDs:      ids,
	})
	if err != nil {
		c.logger.Warn("mark_read send failed, receipts kept pending",
			zap.String("conversation", conv.ID),
			zap.Error(err))
		c.mu.Lock()
		for _, id := range ids {
			b.ids[id] = struct{}{}
		}
		c.mu.Unlock()
		return
	}

	c.logger.Debug("read receipts flushed",
		zap.String("conversation", conv.ID),
		zap.Int("count", len(ids)))
}
