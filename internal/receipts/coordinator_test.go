package receipts

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/emilAIT/chatsync/internal/wire"
)

type mockSender struct {
	mu    sync.Mutex
	sent  []wire.MarkReadPayload
	err   error
	flush chan struct{}
}

func newMockSender() *mockSender {
	return &mockSender{flush: make(chan struct{}, 16)}
}

func (m *mockSender) Send(typ string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if typ != wire.TypeMarkRead {
		return fmt.Errorf("unexpected type %q", typ)
	}
	m.sent = append(m.sent, payload.(wire.MarkReadPayload))
	m.flush <- struct{}{}
	return nil
}

func (m *mockSender) flushes() []wire.MarkReadPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.MarkReadPayload, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockSender) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

type mockOutbound struct {
	mu     sync.Mutex
	calls  []wire.ConversationRef
	result []string
}

func (m *mockOutbound) MarkReadByReader(conv wire.ConversationRef) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, conv)
	return m.result
}

var convU1 = wire.ConversationRef{ID: "u1", Kind: wire.KindDirect}

func testCoordinator(t *testing.T, sender *mockSender) *Coordinator {
	t.Helper()
	return NewCoordinator(sender, &mockOutbound{}, 20*time.Millisecond, zap.NewNop())
}

func waitFlush(t *testing.T, sender *mockSender) {
	t.Helper()
	select {
	case <-sender.flush:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for flush")
	}
}

func TestBurstCoalescesIntoOneFlush(t *testing.T) {
	sender := newMockSender()
	c := testCoordinator(t, sender)

	c.MarkSeen(convU1, "m1")
	c.MarkSeen(convU1, "m2")
	c.MarkSeen(convU1, "m3")

	waitFlush(t, sender)

	got := sender.flushes()
	if len(got) != 1 {
		t.Fatalf("flushes = %d, want 1", len(got))
	}
	want := []string{"m1", "m2", "m3"}
	if len(got[0].MessageIDs) != len(want) {
		t.Fatalf("ids = %v, want %v", got[0].MessageIDs, want)
	}
	for i := range want {
		if got[0].MessageIDs[i] != want[i] {
			t.Errorf("ids = %v, want %v", got[0].MessageIDs, want)
		}
	}
}

func TestOverlappingMarksFlushUnionOnce(t *testing.T) {
	sender := newMockSender()
	c := testCoordinator(t, sender)

	// The same id twice within one window: union, not duplicates.
	c.MarkSeen(convU1, "m1")
	c.MarkSeen(convU1, "m2")
	c.MarkSeen(convU1, "m1")

	waitFlush(t, sender)

	got := sender.flushes()
	if len(got) != 1 {
		t.Fatalf("flushes = %d, want 1", len(got))
	}
	if len(got[0].MessageIDs) != 2 {
		t.Errorf("ids = %v, want union of 2", got[0].MessageIDs)
	}
}

func TestAlreadyReadIDIsNoOpAcrossFlushes(t *testing.T) {
	sender := newMockSender()
	c := testCoordinator(t, sender)

	c.MarkSeen(convU1, "m1")
	waitFlush(t, sender)

	// Replay after re-render: nothing new to send, no second flush.
	c.MarkSeen(convU1, "m1")

	select {
	case <-sender.flush:
		t.Error("duplicate id triggered a second flush")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestBatchesAreKeyedByConversation(t *testing.T) {
	sender := newMockSender()
	c := testCoordinator(t, sender)

	convU2 := wire.ConversationRef{ID: "u2", Kind: wire.KindDirect}
	c.MarkSeen(convU1, "m1")
	c.MarkSeen(convU2, "m2")

	waitFlush(t, sender)
	waitFlush(t, sender)

	got := sender.flushes()
	if len(got) != 2 {
		t.Fatalf("flushes = %d, want 2 (one per conversation)", len(got))
	}
	convs := map[string]bool{got[0].ID: true, got[1].ID: true}
	if !convs["u1"] || !convs["u2"] {
		t.Errorf("flushed conversations = %v", convs)
	}
}

func TestFailedFlushKeepsReceiptsPending(t *testing.T) {
	sender := newMockSender()
	c := testCoordinator(t, sender)

	sender.setErr(fmt.Errorf("channel not open"))
	c.MarkSeen(convU1, "m1")

	time.Sleep(60 * time.Millisecond) // let the failed flush happen

	sender.setErr(nil)
	c.FlushPending()

	waitFlush(t, sender)
	got := sender.flushes()
	if len(got) != 1 || len(got[0].MessageIDs) != 1 || got[0].MessageIDs[0] != "m1" {
		t.Errorf("flushes = %+v, want m1 resent after reconnect", got)
	}
}

func TestApplyMessagesReadDelegatesToPipeline(t *testing.T) {
	sender := newMockSender()
	out := &mockOutbound{result: []string{"l1", "l2"}}
	c := NewCoordinator(sender, out, 20*time.Millisecond, zap.NewNop())

	c.ApplyMessagesRead(convU1, "u1")

	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.calls) != 1 || out.calls[0] != convU1 {
		t.Errorf("pipeline calls = %v", out.calls)
	}
}
