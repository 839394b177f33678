package outbound

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/emilAIT/chatsync/internal/bus"
	"github.com/emilAIT/chatsync/internal/wire"
)

// mockSender records emitted envelopes and returns a configurable error.
type mockSender struct {
	mu    sync.Mutex
	calls []sentEnvelope
	err   error
}

type sentEnvelope struct {
	Type    string
	Payload wire.MessagePayload
}

func (m *mockSender) Send(typ string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	mp, _ := payload.(wire.MessagePayload)
	m.calls = append(m.calls, sentEnvelope{Type: typ, Payload: mp})
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockUploader struct {
	att wire.Attachment
	err error
}

func (m *mockUploader) UploadMedia(context.Context, File) (wire.Attachment, error) {
	return m.att, m.err
}

var convU1 = wire.ConversationRef{ID: "u1", Kind: wire.KindDirect}

func testPipeline(t *testing.T, sender *mockSender, up *mockUploader) (*Pipeline, *bus.Bus) {
	t.Helper()
	if sender == nil {
		sender = &mockSender{}
	}
	if up == nil {
		up = &mockUploader{}
	}
	b := bus.New()
	return NewPipeline(sender, up, 50*time.Millisecond, b, zap.NewNop()), b
}

func TestSendTransitionsToSent(t *testing.T) {
	sender := &mockSender{}
	p, b := testPipeline(t, sender, nil)
	ch, unsub := b.Subscribe("message.", 16)
	defer unsub()

	msg, err := p.Send(context.Background(), convU1, "hi", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if msg.State != StateSent {
		t.Errorf("state = %s, want sent", msg.State)
	}
	if sender.count() != 1 {
		t.Fatalf("envelopes = %d, want 1", sender.count())
	}
	if sender.calls[0].Type != wire.TypeMessage {
		t.Errorf("type = %q, want message", sender.calls[0].Type)
	}
	if sender.calls[0].Payload.LocalID != msg.LocalID {
		t.Errorf("payload local id = %q, want %q", sender.calls[0].Payload.LocalID, msg.LocalID)
	}

	// Optimistic append precedes the state change.
	evt := <-ch
	if evt.Kind != bus.KindMessageAppended {
		t.Errorf("first event = %q, want appended", evt.Kind)
	}
}

func TestSendToGroupUsesGroupType(t *testing.T) {
	sender := &mockSender{}
	p, _ := testPipeline(t, sender, nil)

	_, err := p.Send(context.Background(), wire.ConversationRef{ID: "g1", Kind: wire.KindGroup}, "hi", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sender.calls[0].Type != wire.TypeGroupMessage {
		t.Errorf("type = %q, want group_message", sender.calls[0].Type)
	}
}

func TestSendWhileOfflineFailsImmediately(t *testing.T) {
	sender := &mockSender{err: fmt.Errorf("channel not open")}
	p, b := testPipeline(t, sender, nil)
	ch, unsub := b.Subscribe(bus.KindMessageSendFailed, 4)
	defer unsub()

	msg, err := p.Send(context.Background(), convU1, "hi", nil)
	if err == nil {
		t.Fatal("Send() expected error while offline")
	}
	if msg.State != StateFailed {
		t.Errorf("state = %s, want failed", msg.State)
	}
	if sender.count() != 0 {
		t.Errorf("envelopes reached the transport: %d", sender.count())
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no send_failed event")
	}
}

func TestUploadFailureNeverEmitsEnvelope(t *testing.T) {
	sender := &mockSender{}
	up := &mockUploader{err: fmt.Errorf("413 too large")}
	p, _ := testPipeline(t, sender, up)

	msg, err := p.Send(context.Background(), convU1, "look", &File{Name: "a.jpg", MediaType: "image/jpeg"})
	if err == nil {
		t.Fatal("Send() expected upload error")
	}
	if msg.State != StateFailed {
		t.Errorf("state = %s, want failed", msg.State)
	}
	if sender.count() != 0 {
		t.Error("partial envelope was emitted despite upload failure")
	}
}

func TestUploadSuccessAttachesDescriptor(t *testing.T) {
	sender := &mockSender{}
	up := &mockUploader{att: wire.Attachment{URL: "https://cdn/x", MediaType: "image/jpeg", Filename: "a.jpg", Size: 123}}
	p, _ := testPipeline(t, sender, up)

	msg, err := p.Send(context.Background(), convU1, "", &File{Name: "a.jpg", MediaType: "image/jpeg"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Attachment == nil || msg.Attachment.URL != "https://cdn/x" {
		t.Errorf("attachment = %+v", msg.Attachment)
	}
	if got := sender.calls[0].Payload.Attachment; got == nil || got.Size != 123 {
		t.Errorf("payload attachment = %+v", got)
	}
}

func TestReconcileConfirmsExactlyOnce(t *testing.T) {
	sender := &mockSender{}
	p, b := testPipeline(t, sender, nil)

	msg, err := p.Send(context.Background(), convU1, "hi", nil)
	if err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe(bus.KindMessageStateChanged, 16)
	defer unsub()

	if !p.Reconcile(msg.LocalID, "srv-9", false) {
		t.Fatal("Reconcile() = false, want true")
	}
	got, _ := p.Get(msg.LocalID)
	if got.State != StateConfirmed || got.ServerID != "srv-9" {
		t.Errorf("message = %+v", got)
	}

	// One state change event for the confirmation.
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no state change event")
	}

	// Duplicate confirmation is a no-op but still recognized as ours.
	if !p.Reconcile(msg.LocalID, "srv-9", false) {
		t.Error("duplicate Reconcile() = false, want true")
	}
	select {
	case evt := <-ch:
		t.Errorf("duplicate confirmation emitted event %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconcileUnknownLocalID(t *testing.T) {
	p, _ := testPipeline(t, nil, nil)

	// A message from another device carries a local id this pipeline
	// never issued; it must be treated as new incoming, not reconciled.
	if p.Reconcile("other-device-7", "srv-1", false) {
		t.Error("Reconcile() matched an id the pipeline does not own")
	}
	if p.Reconcile("", "srv-2", false) {
		t.Error("Reconcile() matched an empty local id")
	}
}

func TestConfirmationTimeoutFlagsMessage(t *testing.T) {
	sender := &mockSender{}
	p, b := testPipeline(t, sender, nil) // 50ms confirm window
	ch, unsub := b.Subscribe(bus.KindMessageTimeout, 4)
	defer unsub()

	msg, err := p.Send(context.Background(), convU1, "hi", nil)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		flagged := evt.Payload.(Message)
		if flagged.LocalID != msg.LocalID || !flagged.TimedOut {
			t.Errorf("timeout payload = %+v", flagged)
		}
	case <-time.After(time.Second):
		t.Fatal("no confirm_timeout event")
	}

	// Still Sent, never auto-resent.
	got, _ := p.Get(msg.LocalID)
	if got.State != StateSent {
		t.Errorf("state = %s, want sent (no auto-retry)", got.State)
	}
	if sender.count() != 1 {
		t.Errorf("envelopes = %d, want 1 (no auto-resend)", sender.count())
	}

	// A late confirmation still lands and clears the flag.
	if !p.Reconcile(msg.LocalID, "srv-late", false) {
		t.Fatal("late Reconcile() = false")
	}
	got, _ = p.Get(msg.LocalID)
	if got.State != StateConfirmed || got.TimedOut {
		t.Errorf("message after late confirm = %+v", got)
	}
}

func TestMarkReadByReader(t *testing.T) {
	sender := &mockSender{}
	p, b := testPipeline(t, sender, nil)

	m1, _ := p.Send(context.Background(), convU1, "one", nil)
	m2, _ := p.Send(context.Background(), convU1, "two", nil)
	other, _ := p.Send(context.Background(), wire.ConversationRef{ID: "u2", Kind: wire.KindDirect}, "three", nil)

	p.Reconcile(m1.LocalID, "s1", false)
	p.Reconcile(m2.LocalID, "s2", false)
	p.Reconcile(other.LocalID, "s3", false)

	ch, unsub := b.Subscribe(bus.KindMessageReadByPeer, 16)
	defer unsub()

	changed := p.MarkReadByReader(convU1)
	if len(changed) != 2 {
		t.Fatalf("changed = %v, want 2 ids", changed)
	}

	// Re-applying the same receipt changes nothing.
	if again := p.MarkReadByReader(convU1); len(again) != 0 {
		t.Errorf("second receipt changed %v, want none", again)
	}

	// Exactly two notifications, only for actual changes.
	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("missing read_by_peer event")
		}
	}
	select {
	case evt := <-ch:
		t.Errorf("extra read event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAcknowledgeReleasesTerminalMessages(t *testing.T) {
	p, _ := testPipeline(t, &mockSender{}, nil)

	msg, _ := p.Send(context.Background(), convU1, "hi", nil)

	// Not terminal yet: acknowledge is ignored.
	p.Acknowledge(msg.LocalID)
	if _, ok := p.Get(msg.LocalID); !ok {
		t.Fatal("Sent message was released before reaching a terminal state")
	}

	p.Reconcile(msg.LocalID, "srv", false)
	p.Acknowledge(msg.LocalID)
	if _, ok := p.Get(msg.LocalID); ok {
		t.Error("Confirmed message still held after acknowledge")
	}
}

func TestLocalIDsAreUnique(t *testing.T) {
	p, _ := testPipeline(t, &mockSender{}, nil)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		msg, err := p.Send(context.Background(), convU1, "x", nil)
		if err != nil {
			t.Fatal(err)
		}
		if seen[msg.LocalID] {
			t.Fatalf("duplicate local id %q", msg.LocalID)
		}
		if !strings.Contains(msg.LocalID, "-") {
			t.Fatalf("unexpected local id shape %q", msg.LocalID)
		}
		seen[msg.LocalID] = true
	}
}
