// Package outbound owns optimistic message sending: every user send intent
// becomes a locally-tracked message that is rendered immediately, emitted on
// the wire, and later reconciled against the server's confirmation or marked
// failed. Messages are never auto-resent; a retry is a new explicit send.
package outbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emilAIT/chatsync/internal/bus"
	"github.com/emilAIT/chatsync/internal/timer"
	"github.com/emilAIT/chatsync/internal/wire"
)

// State is the lifecycle of one outbound message.
type State string

const (
	StateUploading State = "uploading"
	StateQueued    State = "queued"
	StateSent      State = "sent"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Sender emits one envelope on the chat channel. It fails synchronously when
// the channel is down.
type Sender interface {
	Send(typ string, payload any) error
}

// File is the caller-side description of media to attach to a message.
type File struct {
	Name      string
	MediaType string
	Data      []byte
}

// Uploader is the external upload collaborator. It returns the media
// descriptor to embed in the message payload.
type Uploader interface {
	UploadMedia(ctx context.Context, f File) (wire.Attachment, error)
}

// Message is one pipeline-owned outbound message.
type Message struct {
	LocalID      string
	ServerID     string
	Conversation wire.ConversationRef
	Content      string
	Attachment   *wire.Attachment
	State        State
	CreatedAt    time.Time
	// TimedOut flags a Sent message whose confirmation window elapsed.
	// The message may still be confirmed later; the flag only drives a
	// "not confirmed" affordance in the UI.
	TimedOut bool
	// ReadByPeer is set when the recipient's read receipt arrives.
	ReadByPeer bool

	confirm *timer.Task
}

// snapshot returns a copy safe to hand to bus subscribers.
func (m *Message) snapshot() Message {
	c := *m
	c.confirm = nil
	return c
}

// Pipeline tracks pending outbound messages by local id.
type Pipeline struct {
	mu             sync.Mutex
	sender         Sender
	uploader       Uploader
	bus            *bus.Bus
	logger         *zap.Logger
	confirmTimeout time.Duration

	sessionPrefix string
	startMillis   int64
	seq           uint64

	pending map[string]*Message
}

// NewPipeline creates a pipeline. The session prefix plus a monotonic
// counter makes local id collisions structurally impossible within and
// across sessions.
func NewPipeline(sender Sender, uploader Uploader, confirmTimeout time.Duration, b *bus.Bus, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		sender:         sender,
		uploader:       uploader,
		bus:            b,
		logger:         logger,
		confirmTimeout: confirmTimeout,
		sessionPrefix:  uuid.NewString()[:8],
		startMillis:    time.Now().UnixMilli(),
		pending:        make(map[string]*Message),
	}
}

// Send creates, optionally uploads, and emits one message. The returned
// message reflects its state at return time: Sent on success, Failed when
// the upload or the synchronous transport write failed.
func (p *Pipeline) Send(ctx context.Context, conv wire.ConversationRef, content string, file *File) (Message, error) {
	p.mu.Lock()
	msg := &Message{
		LocalID:      p.nextLocalIDLocked(),
		Conversation: conv,
		Content:      content,
		State:        StateQueued,
		CreatedAt:    time.Now(),
	}
	p.pending[msg.LocalID] = msg
	p.mu.Unlock()

	// Optimistic render before any network round trip.
	p.publish(bus.KindMessageAppended, msg.snapshot())

	if file != nil {
		p.transition(msg, StateUploading)
		att, err := p.uploader.UploadMedia(ctx, *file)
		if err != nil {
			// No partial envelope is ever emitted.
			p.fail(msg, fmt.Errorf("upload media: %w", err))
			return msg.snapshot(), err
		}
		p.mu.Lock()
		msg.Attachment = &att
		p.mu.Unlock()
	}

	typ := wire.TypeMessage
	if conv.Kind == wire.KindGroup {
		typ = wire.TypeGroupMessage
	}
	payload := wire.MessagePayload{
		ConversationRef: conv,
		LocalID:         msg.LocalID,
		Content:         content,
		Attachment:      msg.Attachment,
		SentAt:          msg.CreatedAt.UnixMilli(),
	}
	if err := p.sender.Send(typ, payload); err != nil {
		p.fail(msg, err)
		return msg.snapshot(), err
	}

	p.mu.Lock()
	msg.State = StateSent
	local := msg.LocalID
	msg.confirm = timer.After(p.confirmTimeout, func() { p.confirmTimedOut(local) })
	snap := msg.snapshot()
	p.mu.Unlock()

	p.publish(bus.KindMessageStateChanged, snap)
	p.logger.Info("message sent",
		zap.String("local_id", msg.LocalID),
		zap.String("conversation", conv.ID))
	return snap, nil
}

// Reconcile matches an inbound echo of our own message against a pending
// Sent message. Returns true when the envelope was a confirmation of a
// pipeline-owned id; false means the caller should treat it as a new
// incoming message (e.g. sent from another device). Duplicate confirmations
// are no-ops.
func (p *Pipeline) Reconcile(localID, serverID string, readByPeer bool) bool {
	if localID == "" {
		return false
	}
	p.mu.Lock()
	msg, ok := p.pending[localID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if msg.State == StateConfirmed {
		p.mu.Unlock()
		return true // duplicate confirmation
	}
	if msg.State != StateSent {
		p.mu.Unlock()
		return false
	}
	msg.confirm.Stop()
	msg.confirm = nil
	msg.State = StateConfirmed
	msg.ServerID = serverID
	msg.TimedOut = false
	if readByPeer {
		msg.ReadByPeer = true
	}
	snap := msg.snapshot()
	p.mu.Unlock()

	p.publish(bus.KindMessageStateChanged, snap)
	p.logger.Info("message confirmed",
		zap.String("local_id", localID),
		zap.String("server_id", serverID))
	return true
}

// MarkReadByReader flips every Confirmed-but-unread message in the
// conversation to read, returning the local ids that actually changed.
// Subscribers are notified only for those.
func (p *Pipeline) MarkReadByReader(conv wire.ConversationRef) []string {
	p.mu.Lock()
	var changed []*Message
	for _, msg := range p.pending {
		if msg.Conversation != conv {
			continue
		}
		if msg.State == StateConfirmed && !msg.ReadByPeer {
			msg.ReadByPeer = true
			changed = append(changed, msg)
		}
	}
	snaps := make([]Message, len(changed))
	for i, msg := range changed {
		snaps[i] = msg.snapshot()
	}
	p.mu.Unlock()

	ids := make([]string, len(snaps))
	for i, snap := range snaps {
		ids[i] = snap.LocalID
		p.publish(bus.KindMessageReadByPeer, snap)
	}
	return ids
}

// Acknowledge releases a Confirmed or Failed message once the UI has
// rendered its terminal state.
func (p *Pipeline) Acknowledge(localID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.pending[localID]
	if !ok {
		return
	}
	if msg.State == StateConfirmed || msg.State == StateFailed {
		msg.confirm.Stop()
		delete(p.pending, localID)
	}
}

// Get returns a snapshot of a pending message.
func (p *Pipeline) Get(localID string) (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.pending[localID]
	if !ok {
		return Message{}, false
	}
	return msg.snapshot(), true
}

func (p *Pipeline) nextLocalIDLocked() string {
	p.seq++
	return fmt.Sprintf("%s-%d-%d", p.sessionPrefix, p.startMillis, p.seq)
}

func (p *Pipeline) confirmTimedOut(localID string) {
	p.mu.Lock()
	msg, ok := p.pending[localID]
	if !ok || msg.State != StateSent || msg.TimedOut {
		p.mu.Unlock()
		return
	}
	msg.TimedOut = true
	snap := msg.snapshot()
	p.mu.Unlock()

	// A soft warning, not a failure: the ack may still arrive and the
	// message is never resent automatically.
	p.publish(bus.KindMessageTimeout, snap)
	p.logger.Warn("message confirmation timed out", zap.String("local_id", localID))
}

func (p *Pipeline) transition(msg *Message, s State) {
	p.mu.Lock()
	msg.State = s
	snap := msg.snapshot()
	p.mu.Unlock()
	p.publish(bus.KindMessageStateChanged, snap)
}

func (p *Pipeline) fail(msg *Message, err error) {
	p.mu.Lock()
	msg.State = StateFailed
	snap := msg.snapshot()
	p.mu.Unlock()

	p.publish(bus.KindMessageSendFailed, snap)
	p.logger.Error("message send failed",
		zap.String("local_id", msg.LocalID),
		zap.Error(err))
}

func (p *Pipeline) publish(kind string, payload any) {
	p.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
