// Package wsclient implements the outbound WebSocket transport: dial,
// upgrade, keepalive watchdog, and owner-notification messages over
// gorilla/websocket.
package wsclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bryanveloso/landale-bridge/internal/clock"
	"github.com/bryanveloso/landale-bridge/internal/rterr"
)

// EventKind tags an owner notification.
type EventKind int

const (
	EventConnected EventKind = iota
	EventMessage
	EventDisconnected
)

// Event is one owner notification. Transport never calls back into the
// owner directly; it only ever sends Events on the channel given to New,
// so the owner's state is mutated exclusively from its own goroutine.
type Event struct {
	Kind    EventKind
	Payload []byte
	Reason  string
}

// Transport is one outbound WebSocket connection, owned by a single
// connector.
type Transport struct {
	url    string
	owner  chan<- Event
	timers *clock.Timers

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	keepalive time.Duration
}

// New creates a Transport that will dial url and notify owner.
func New(url string, owner chan<- Event) *Transport {
	return &Transport{url: url, owner: owner, timers: clock.NewTimers()}
}

// cloudfrontMarkers are body substrings that identify a CDN edge
// rejection rather than a genuine provider error.
var cloudfrontMarkers = []string{"cloudfront", "ERROR: The request could not be satisfied"}

// headerSet is one User-Agent/Origin pairing tried during the
// CDN-fronted retry sequence.
type headerSet struct {
	userAgent string
	origin    string
}

func defaultHeaderSets(origin string) []headerSet {
	return []headerSet{
		{userAgent: "landale-bridge/1.0", origin: origin},
		{userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36", origin: origin},
		{userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15", origin: origin},
	}
}

// Connect dials url, performing the HTTP upgrade with headers merged
// over the first candidate header set. On a 400 response carrying a
// CloudFront-style body, it retries up to two more times with alternate
// User-Agent/Origin header sets before surfacing the final failure. A
// 401/403 is surfaced as KindAuthExpired so the owner can
// request a token refresh; 429 is surfaced as KindRateLimited with any
// Retry-After hint attached.
func (t *Transport) Connect(ctx context.Context, headers http.Header, originForRetry string) error {
	sets := defaultHeaderSets(originForRetry)
	var lastErr error

	for attempt, set := range sets {
		h := headers.Clone()
		if h == nil {
			h = http.Header{}
		}
		h.Set("User-Agent", set.userAgent)
		if set.origin != "" {
			h.Set("Origin", set.origin)
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, h)
		if err == nil {
			t.mu.Lock()
			t.conn = conn
			t.closed = false
			t.mu.Unlock()
			go t.readLoop()
			t.owner <- Event{Kind: EventConnected}
			return nil
		}

		if resp == nil {
			lastErr = rterr.Wrap(rterr.KindNetwork, "dial failed", err)
			break
		}

		bodyPrefix := readBodyPrefix(resp)
		switch resp.StatusCode {
		case 400:
			if isCloudfrontBody(bodyPrefix) && attempt < len(sets)-1 {
				lastErr = rterr.New(rterr.KindProtocol, fmt.Sprintf("cdn rejection, retrying with alternate headers: %s", bodyPrefix))
				continue
			}
			lastErr = rterr.New(rterr.KindProtocol, fmt.Sprintf("upgrade failed: status=400 body=%s", bodyPrefix))
		case 401, 403:
			return rterr.New(rterr.KindAuthExpired, fmt.Sprintf("upgrade failed: status=%d, refresh required", resp.StatusCode))
		case 429:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			return rterr.New(rterr.KindRateLimited, "upgrade rate limited").WithRetryAfter(retryAfter)
		default:
			lastErr = rterr.New(rterr.KindProtocol, fmt.Sprintf("upgrade failed: status=%d body=%s", resp.StatusCode, bodyPrefix))
		}
		return lastErr
	}

	if lastErr == nil {
		lastErr = rterr.New(rterr.KindNetwork, "dial failed")
	}
	return lastErr
}

func readBodyPrefix(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	buf := make([]byte, 512)
	n, _ := resp.Body.Read(buf)
	_ = resp.Body.Close()
	return string(bytes.TrimSpace(buf[:n]))
}

func isCloudfrontBody(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range cloudfrontMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func parseRetryAfter(header string) float64 {
	if header == "" {
		return 0
	}
	if d, err := time.ParseDuration(header + "s"); err == nil {
		return d.Seconds()
	}
	return 0
}

// ArmKeepalive (re)starts the keepalive-timeout watchdog: if no frame is
// received within timeout*2, the owner is notified with
// KindKeepaliveTimeout via a synthetic EventDisconnected.
func (t *Transport) ArmKeepalive(timeout time.Duration) {
	t.mu.Lock()
	t.keepalive = timeout
	t.mu.Unlock()
	t.resetKeepaliveTimer()
}

func (t *Transport) resetKeepaliveTimer() {
	t.mu.Lock()
	timeout := t.keepalive
	t.mu.Unlock()
	if timeout <= 0 {
		return
	}
	t.timers.After("keepalive", timeout*2, func() {
		t.owner <- Event{Kind: EventDisconnected, Reason: string(rterr.KindKeepaliveTimeout)}
		_ = t.Close()
	})
}

func (t *Transport) readLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.owner <- Event{Kind: EventDisconnected, Reason: err.Error()}
			}
			return
		}
		t.resetKeepaliveTimer()
		t.owner <- Event{Kind: EventMessage, Payload: payload}
	}
}

// Send writes payload as a text frame. On transport loss it returns a
// send error; the owner separately receives a disconnection
// notification from the read loop.
func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if conn == nil || closed {
		return rterr.New(rterr.KindNetwork, "not connected")
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return rterr.Wrap(rterr.KindNetwork, "send failed", err)
	}
	return nil
}

// Close tears down the connection and cancels the keepalive watchdog.
// Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.timers.Close()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
