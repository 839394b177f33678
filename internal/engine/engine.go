// Package engine composes the sync core: transport channels, the inbound
// router, the outbound pipeline, read receipts, presence and the
// conversation aggregator, wired together behind one intent-level API.
// Rendering layers observe the engine through the bus only.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/emilAIT/chatsync/internal/bus"
	"github.com/emilAIT/chatsync/internal/conversation"
	"github.com/emilAIT/chatsync/internal/outbound"
	"github.com/emilAIT/chatsync/internal/presence"
	"github.com/emilAIT/chatsync/internal/receipts"
	"github.com/emilAIT/chatsync/internal/router"
	"github.com/emilAIT/chatsync/internal/status"
	"github.com/emilAIT/chatsync/internal/transport"
	"github.com/emilAIT/chatsync/internal/wire"
)

// chatSender adapts the transport manager to the one-method sender the
// pipeline, receipts and typing components expect. Everything they emit
// goes out on the chat channel.
type chatSender struct {
	manager *transport.Manager
}

func (s chatSender) Send(typ string, payload any) error {
	return s.manager.Send(transport.ChannelChat, typ, payload)
}

// Engine is the assembled sync core.
type Engine struct {
	selfID     string
	manager    *transport.Manager
	router     *router.Router
	pipeline   *outbound.Pipeline
	receipts   *receipts.Coordinator
	typing     *presence.Tracker
	aggregator *conversation.Aggregator
	bus        *bus.Bus
	logger     *zap.Logger

	unsubStatus func()
	done        chan struct{}
}

// New wires the components together: router registrations for every inbound
// envelope type, the transport envelope callback, and the reconnect hook
// that re-derives pending read receipts.
func New(
	selfID string,
	manager *transport.Manager,
	rt *router.Router,
	pipeline *outbound.Pipeline,
	rc *receipts.Coordinator,
	typing *presence.Tracker,
	aggregator *conversation.Aggregator,
	b *bus.Bus,
	logger *zap.Logger,
) *Engine {
	e := &Engine{
		selfID:     selfID,
		manager:    manager,
		router:     rt,
		pipeline:   pipeline,
		receipts:   rc,
		typing:     typing,
		aggregator: aggregator,
		bus:        b,
		logger:     logger,
	}
	e.registerRoutes()
	manager.SetEnvelopeHandler(func(_ transport.ChannelKind, env wire.Envelope) {
		rt.Dispatch(env)
	})
	return e
}

func (e *Engine) registerRoutes() {
	e.router.Register(wire.TypeMessage, e.handleMessage)
	e.router.Register(wire.TypeGroupMessage, e.handleMessage)
	e.router.Register(wire.TypeStatusUpdate, e.handleStatusUpdate)
	e.router.Register(wire.TypeTypingUpdate, e.handleTypingUpdate)
	e.router.Register(wire.TypeGroupTypingUpdate, e.handleTypingUpdate)
	e.router.Register(wire.TypeMessagesRead, e.handleMessagesRead)
	e.router.Register(wire.TypePong, e.handlePong)
}

// Start connects both channels and installs the reconnect hook. Receipts
// batched while the chat channel was down are flushed as soon as it reopens.
func (e *Engine) Start(ctx context.Context) error {
	ch, unsub := e.bus.Subscribe(bus.KindTransportStatus, 16)
	e.unsubStatus = unsub
	e.done = make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-ch:
				change, ok := evt.Payload.(status.StatusChange)
				if !ok {
					continue
				}
				if change.Channel == string(transport.ChannelChat) && change.To == status.Open {
					e.receipts.FlushPending()
				}
			case <-e.done:
				return
			}
		}
	}()

	if err := e.manager.Connect(ctx, transport.ChannelChat); err != nil {
		return err
	}
	if err := e.manager.Connect(ctx, transport.ChannelPresence); err != nil {
		return err
	}
	return nil
}

// Stop disconnects both channels and detaches the engine from the bus.
func (e *Engine) Stop() {
	e.manager.Close()
	if e.unsubStatus != nil {
		e.unsubStatus()
		e.unsubStatus = nil
	}
	if e.done != nil {
		close(e.done)
		e.done = nil
	}
}

// LoadRoster seeds the conversation list from the contact and group lists.
func (e *Engine) LoadRoster(contacts []conversation.Contact, groups []conversation.Group) {
	e.aggregator.Initialize(contacts, groups)
}

// SendMessage sends one message. An active local typing window is cut short
// first so the stop signal precedes the message on the wire.
func (e *Engine) SendMessage(ctx context.Context, conv wire.ConversationRef, content string, file *outbound.File) (outbound.Message, error) {
	e.typing.MessageSent(conv)
	return e.pipeline.Send(ctx, conv, content, file)
}

// Keystroke reports local typing activity.
func (e *Engine) Keystroke(conv wire.ConversationRef) {
	e.typing.Keystroke(conv)
}

// MarkSeen reports that an unread incoming message became visible.
func (e *Engine) MarkSeen(conv wire.ConversationRef, messageID string) {
	e.receipts.MarkSeen(conv, messageID)
}

// MarkActive sets the conversation the user is viewing.
func (e *Engine) MarkActive(conv wire.ConversationRef) {
	e.aggregator.MarkActive(conv)
}

// ClearActive unsets the viewed conversation.
func (e *Engine) ClearActive() {
	e.aggregator.ClearActive()
}

// Acknowledge releases a terminal outbound message.
func (e *Engine) Acknowledge(localID string) {
	e.pipeline.Acknowledge(localID)
}

// Conversations returns the ordered conversation list.
func (e *Engine) Conversations() []conversation.Conversation {
	return e.aggregator.SortedView()
}

// TypingUsers returns who is typing in a conversation.
func (e *Engine) TypingUsers(conv wire.ConversationRef) []string {
	return e.typing.TypingUsers(conv)
}

// ChannelState reports a channel's connection state.
func (e *Engine) ChannelState(kind transport.ChannelKind) status.State {
	return e.manager.State(kind)
}

func (e *Engine) handleMessage(env wire.Envelope) error {
	var p wire.MessagePayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	ref := wire.ConversationRef{ID: p.ID, Kind: p.Kind}
	fromSelf := e.selfID != "" && p.SenderID == e.selfID

	// Our own message echoed back is first tried as a confirmation of a
	// pending send. A local id we never issued means it came from another
	// device and flows through as a regular incoming message.
	if fromSelf && e.pipeline.Reconcile(p.LocalID, p.ServerID, p.Read) {
		return nil
	}

	if !fromSelf && p.SenderID != "" {
		e.typing.ClearTyping(ref, p.SenderID)
	}
	e.aggregator.ApplyIncomingMessage(ref, conversation.IncomingMessage{
		Content:    p.Content,
		Attachment: p.Attachment,
		SentAt:     time.UnixMilli(p.SentAt),
		SenderName: p.SenderName,
		FromSelf:   fromSelf,
	})
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageAppended,
		Timestamp: time.Now(),
		Payload:   p,
	})
	return nil
}

func (e *Engine) handleStatusUpdate(env wire.Envelope) error {
	var p wire.StatusPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	e.typing.ApplyStatus(p)
	return nil
}

func (e *Engine) handleTypingUpdate(env wire.Envelope) error {
	var p wire.TypingPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	if e.selfID != "" && p.UserID == e.selfID {
		return nil // our own signal echoed back
	}
	ref := wire.ConversationRef{ID: p.ID, Kind: p.Kind}
	e.typing.ApplyRemoteTyping(ref, p.UserID, p.Username, p.Typing)
	return nil
}

func (e *Engine) handleMessagesRead(env wire.Envelope) error {
	var p wire.MessagesReadPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	ref := wire.ConversationRef{ID: p.ID, Kind: p.Kind}
	e.receipts.ApplyMessagesRead(ref, p.ReaderID)
	return nil
}

func (e *Engine) handlePong(env wire.Envelope) error {
	var p wire.PingPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	e.logger.Debug("pong", zap.Int64("seq", p.Seq))
	return nil
}
