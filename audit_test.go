package tessera

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestChannelSinkDelivers(t *testing.T) {
	sink := NewChannelSink(4)
	sink.Emit(context.Background(), AuditEvent{EventType: "login_success", TenantID: "t1"})

	select {
	case ev := <-sink.Events():
		if ev.EventType != "login_success" || ev.TenantID != "t1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("event not buffered")
	}
}

func TestJSONWriterSinkWritesLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), AuditEvent{
		Timestamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		EventType:   "login_failure",
		PrincipalID: "p1",
		TenantID:    "t1",
		Success:     false,
		Error:       "invalid_credentials",
		Metadata:    map[string]string{"reason": "password_mismatch"},
	})
	sink.Emit(context.Background(), AuditEvent{EventType: "logout", Success: true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("line 0 is not JSON: %v", err)
	}
	if decoded["event_type"] != "login_failure" || decoded["error"] != "invalid_credentials" {
		t.Fatalf("unexpected payload: %v", decoded)
	}
	meta, ok := decoded["metadata"].(map[string]any)
	if !ok || meta["reason"] != "password_mismatch" {
		t.Fatalf("metadata missing: %v", decoded)
	}
	if _, present := decoded["session_id"]; present {
		t.Fatal("empty fields must be omitted")
	}
}

func TestDispatcherNilWhenDisabled(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, NewChannelSink(1))
	if d != nil {
		t.Fatal("disabled audit must construct no dispatcher")
	}

	// The nil dispatcher is safe to drive.
	d.Emit(context.Background(), AuditEvent{})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher cannot drop")
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := NewChannelSink(8)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 8}, sink)

	for _, name := range []string{"one", "two", "three"} {
		d.Emit(context.Background(), AuditEvent{EventType: name})
	}
	d.Close()

	for _, want := range []string{"one", "two", "three"} {
		select {
		case ev := <-sink.Events():
			if ev.EventType != want {
				t.Fatalf("out of order: want %q, got %q", want, ev.EventType)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %q never arrived", want)
		}
	}
}

// stallSink blocks inside Emit until released, and records deliveries.
type stallSink struct {
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	events []AuditEvent
}

func newStallSink() *stallSink {
	return &stallSink{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (s *stallSink) Emit(_ context.Context, ev AuditEvent) {
	s.entered <- struct{}{}
	<-s.release
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *stallSink) delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := newStallSink()
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// First event: consumed by the goroutine, now stalled in the sink.
	d.Emit(context.Background(), AuditEvent{EventType: "one"})
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never reached the sink")
	}

	// Second fills the buffer; third has nowhere to go.
	d.Emit(context.Background(), AuditEvent{EventType: "two"})
	d.Emit(context.Background(), AuditEvent{EventType: "three"})

	if got := d.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped event, got %d", got)
	}

	close(sink.release)
	d.Close()

	if got := sink.delivered(); got != 2 {
		t.Fatalf("expected 2 delivered events, got %d", got)
	}
}

func TestDispatcherEmitAfterCloseIsNoOp(t *testing.T) {
	sink := NewChannelSink(4)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 4}, sink)
	d.Close()

	d.Emit(context.Background(), AuditEvent{EventType: "late"})

	select {
	case ev := <-sink.Events():
		t.Fatalf("no event expected after close, got %+v", ev)
	default:
	}
}

func TestAuditEventCarriesErrorCode(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)

	sink := NewChannelSink(64)
	cfg := testConfig()
	cfg.Audit.Enabled = true
	engine := newTestEngineWithSink(t, rdb, dir, cfg, sink)
	ctx := tenantCtx("t1", "198.51.100.7")

	_, err := engine.Login(ctx, LoginRequest{Identifier: "alice@example.com", Password: "wrong"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	ev := waitForAuditEvent(t, sink, "login_failure")
	if ev.Success {
		t.Fatal("failure event marked success")
	}
	if ev.Error != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials code, got %q", ev.Error)
	}
	if ev.TenantID != "t1" || ev.IP != "198.51.100.7" {
		t.Fatalf("context fields missing: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("timestamp missing")
	}
}

func TestEngineReportsAuditBackpressure(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	engine := newTestEngine(t, rdb, dir)

	// Audit is off in the test config; nothing can drop.
	if engine.AuditDropped() != 0 {
		t.Fatal("no drops expected with audit disabled")
	}
}
