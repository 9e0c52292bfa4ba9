package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bryanveloso/landale-bridge/internal/rterr"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitEvent(t *testing.T, ch <-chan Event, want EventKind) Event {
	t.Helper()
	for {
		select {
		case ev := <-ch:
			if ev.Kind == want {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event kind %d not received", want)
		}
	}
}

func TestConnectAndReceive(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":true}`))
	}))
	t.Cleanup(server.Close)

	owner := make(chan Event, 16)
	tr := New(wsURL(server), owner)
	t.Cleanup(func() { _ = tr.Close() })

	if err := tr.Connect(context.Background(), nil, ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitEvent(t, owner, EventConnected)
	msg := waitEvent(t, owner, EventMessage)
	if string(msg.Payload) != `{"hello":true}` {
		t.Fatalf("payload = %q", msg.Payload)
	}
}

func TestServerCloseNotifiesOwner(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	t.Cleanup(server.Close)

	owner := make(chan Event, 16)
	tr := New(wsURL(server), owner)
	t.Cleanup(func() { _ = tr.Close() })

	if err := tr.Connect(context.Background(), nil, ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, owner, EventDisconnected)
}

func TestUpgradeAuthFailureSurfacesAuthExpired(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	tr := New(wsURL(server), make(chan Event, 1))
	err := tr.Connect(context.Background(), nil, "")
	if rterr.KindOf(err) != rterr.KindAuthExpired {
		t.Fatalf("err = %v, want auth_expired", err)
	}
}

func TestUpgradeRateLimitCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	tr := New(wsURL(server), make(chan Event, 1))
	err := tr.Connect(context.Background(), nil, "")
	if rterr.KindOf(err) != rterr.KindRateLimited {
		t.Fatalf("err = %v, want rate_limited", err)
	}
	var e *rterr.Error
	if !asError(err, &e) || e.RetryAfter != 3 {
		t.Fatalf("retry-after = %v, want 3", e)
	}
}

func asError(err error, target **rterr.Error) bool {
	e, ok := err.(*rterr.Error)
	if ok {
		*target = e
	}
	return ok
}

func TestCloudfront400RetriesWithAlternateHeaders(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var agents []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		agents = append(agents, r.Header.Get("User-Agent"))
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("ERROR: The request could not be satisfied (CloudFront)"))
	}))
	t.Cleanup(server.Close)

	tr := New(wsURL(server), make(chan Event, 1))
	err := tr.Connect(context.Background(), nil, "https://eventsub.wss.twitch.tv")
	if rterr.KindOf(err) != rterr.KindProtocol {
		t.Fatalf("err = %v, want protocol", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(agents) != 3 {
		t.Fatalf("attempts = %d, want 3 (original + two alternates)", len(agents))
	}
	if agents[0] == agents[1] || agents[1] == agents[2] {
		t.Fatalf("expected distinct User-Agent per attempt: %q", agents)
	}
}

func TestPlain400DoesNotRetry(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad handshake"))
	}))
	t.Cleanup(server.Close)

	tr := New(wsURL(server), make(chan Event, 1))
	err := tr.Connect(context.Background(), nil, "")
	if rterr.KindOf(err) != rterr.KindProtocol {
		t.Fatalf("err = %v, want protocol", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1 for a non-CDN 400", got)
	}
}

func TestKeepaliveTimeoutNotifiesOwner(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Hold the connection open silently.
		time.Sleep(2 * time.Second)
		_ = conn.Close()
	}))
	t.Cleanup(server.Close)

	owner := make(chan Event, 16)
	tr := New(wsURL(server), owner)
	t.Cleanup(func() { _ = tr.Close() })

	if err := tr.Connect(context.Background(), nil, ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, owner, EventConnected)

	tr.ArmKeepalive(50 * time.Millisecond)

	ev := waitEvent(t, owner, EventDisconnected)
	if ev.Reason != string(rterr.KindKeepaliveTimeout) {
		t.Fatalf("reason = %q, want keepalive_timeout", ev.Reason)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	t.Parallel()

	tr := New("ws://127.0.0.1:0", make(chan Event, 1))
	if err := tr.Send([]byte("x")); rterr.KindOf(err) != rterr.KindNetwork {
		t.Fatalf("err = %v, want network", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
