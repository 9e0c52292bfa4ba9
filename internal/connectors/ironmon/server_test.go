package ironmon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bryanveloso/landale-bridge/internal/bus"
	"github.com/bryanveloso/landale-bridge/internal/cache"
	"github.com/bryanveloso/landale-bridge/internal/host"
)

type recordingRecorder struct {
	mu          sync.Mutex
	attempts    []int
	checkpoints []string
}

func (r *recordingRecorder) StartAttempt(_ context.Context, seedCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, seedCount)
	return nil
}

func (r *recordingRecorder) RecordCheckpoint(_ context.Context, _ int, name string, _ int64, cleared bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !cleared {
		name = name + " (failed)"
	}
	r.checkpoints = append(r.checkpoints, name)
	return nil
}

// startServer runs the connector on an ephemeral port and returns the
// bound address, the event channel, and the recorder.
func startServer(t *testing.T) (string, <-chan bus.Message, *recordingRecorder) {
	t.Helper()

	topicBus := bus.New()
	_, events := topicBus.SubscribeBuffered(Topic, 64)
	recorder := &recordingRecorder{}

	conn := New(Config{ListenAddr: "127.0.0.1:0"}, recorder, slog.Default())
	h := host.New("ironmon", topicBus, cache.New(), conn.Run, host.Options{Terminate: conn.Terminate})

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		h.Stop(stopCtx)
		stopCancel()
	})

	// The bound address doubles as the session id once listening.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if addr := h.SessionID(); addr != "" {
			return addr, events, recorder
		}
		if time.Now().After(deadline) {
			t.Fatal("listener did not come up")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialAndSend(t *testing.T, addr string, chunks ...string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	for _, chunk := range chunks {
		if _, err := conn.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func frame(payload string) string {
	return fmt.Sprintf("%d %s", len(payload), payload)
}

func recvEvent(t *testing.T, events <-chan bus.Message) Event {
	t.Helper()
	select {
	case msg := <-events:
		ev, ok := msg.Payload.(Event)
		if !ok {
			t.Fatalf("payload type %T", msg.Payload)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
		return Event{}
	}
}

func TestInitMessagePublishes(t *testing.T) {
	t.Parallel()

	addr, events, _ := startServer(t)
	dialAndSend(t, addr, frame(`{"type":"init","metadata":{"version":"1.0.0","game":1}}`))

	ev := recvEvent(t, events)
	if ev.Type != "init" {
		t.Fatalf("type = %q", ev.Type)
	}
	if ev.Metadata["version"] != "1.0.0" {
		t.Fatalf("version = %v", ev.Metadata["version"])
	}
	if ev.Metadata["game"] != float64(1) {
		t.Fatalf("game = %v", ev.Metadata["game"])
	}
	if ev.Source != "tcp" {
		t.Fatalf("source = %q", ev.Source)
	}
	if ev.CorrelationID == "" {
		t.Fatal("correlation id missing")
	}
}

func TestSplitPacketPublishesOnce(t *testing.T) {
	t.Parallel()

	addr, events, recorder := startServer(t)
	wire := frame(`{"type":"seed","metadata":{"count":7}}`)
	split := len(wire) - 20
	dialAndSend(t, addr, wire[:split], wire[split:])

	ev := recvEvent(t, events)
	if ev.Type != "seed" {
		t.Fatalf("type = %q", ev.Type)
	}
	if ev.Metadata["count"] != float64(7) {
		t.Fatalf("count = %v", ev.Metadata["count"])
	}

	select {
	case extra := <-events:
		t.Fatalf("unexpected extra event: %v", extra.Payload)
	case <-time.After(100 * time.Millisecond):
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.attempts) != 1 || recorder.attempts[0] != 7 {
		t.Fatalf("attempts = %v, want [7]", recorder.attempts)
	}
}

func TestInvalidLengthPrefixPublishesNothing(t *testing.T) {
	t.Parallel()

	addr, events, _ := startServer(t)
	dialAndSend(t, addr, `abc {"x":1}5 hello`)

	select {
	case msg := <-events:
		t.Fatalf("unexpected publication: %v", msg.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCheckpointRecordsClear(t *testing.T) {
	t.Parallel()

	addr, events, recorder := startServer(t)
	dialAndSend(t, addr, frame(`{"type":"checkpoint","metadata":{"id":3,"name":"Brock","seed":42}}`))

	ev := recvEvent(t, events)
	if ev.Type != "checkpoint" {
		t.Fatalf("type = %q", ev.Type)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.checkpoints) != 1 || recorder.checkpoints[0] != "Brock" {
		t.Fatalf("checkpoints = %v, want [Brock]", recorder.checkpoints)
	}
}

func TestHeartbeatNotPublished(t *testing.T) {
	t.Parallel()

	addr, events, _ := startServer(t)
	dialAndSend(t, addr,
		frame(`{"type":"heartbeat"}`),
		frame(`{"type":"location","metadata":{"id":9}}`))

	// Only the location event arrives; the heartbeat is swallowed.
	ev := recvEvent(t, events)
	if ev.Type != "location" {
		t.Fatalf("type = %q, want location (heartbeat must not publish)", ev.Type)
	}
}

func TestInvalidMessagesDropped(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		payload string
	}{
		{"bad game range", `{"type":"init","metadata":{"version":"1.0.0","game":4}}`},
		{"missing count", `{"type":"seed","metadata":{}}`},
		{"bad battle result", `{"type":"battle_end","metadata":{"result":"draw","pokemon":[]}}`},
		{"unknown type", `{"type":"mystery","metadata":{}}`},
		{"empty message", ``},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			addr, events, _ := startServer(t)
			dialAndSend(t, addr, frame(tc.payload))

			select {
			case msg := <-events:
				t.Fatalf("unexpected publication: %v", msg.Payload)
			case <-time.After(200 * time.Millisecond):
			}
		})
	}
}
