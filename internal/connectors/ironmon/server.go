// Package ironmon implements the IronMON TCP connector: a listener
// speaking the length-prefixed JSON wire format, with per-type
// validation, enrichment, and side effects delegated to the challenge
// recorder.
package ironmon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryanveloso/landale-bridge/internal/host"
	"github.com/bryanveloso/landale-bridge/internal/rterr"
)

// Topic is where validated messages are published.
const Topic = "ironmon:events"

// Recorder is the database collaborator for challenge bookkeeping. The
// relational store itself is outside this runtime; a no-op implementation
// keeps the connector operational without one.
type Recorder interface {
	// StartAttempt begins a new attempt for the current challenge.
	StartAttempt(ctx context.Context, seedCount int) error
	// RecordCheckpoint records a checkpoint clear for the current attempt.
	RecordCheckpoint(ctx context.Context, id int, name string, seed int64, cleared bool) error
}

// NopRecorder discards all side effects.
type NopRecorder struct{}

func (NopRecorder) StartAttempt(context.Context, int) error                      { return nil }
func (NopRecorder) RecordCheckpoint(context.Context, int, string, int64, bool) error { return nil }

// Config configures the connector.
type Config struct {
	ListenAddr string
}

// Event is the enriched envelope published on the ironmon topic.
type Event struct {
	Type          string         `json:"type"`
	Metadata      map[string]any `json:"metadata"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id"`
	ReceivedAt    time.Time      `json:"received_at"`
}

// Connector is the IronMON TCP connector.
type Connector struct {
	cfg      Config
	recorder Recorder
	log      *slog.Logger

	host *host.Host

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// New creates a Connector listening on cfg.ListenAddr.
func New(cfg Config, recorder Recorder, log *slog.Logger) *Connector {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:9191"
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Connector{
		cfg:      cfg,
		recorder: recorder,
		log:      log.With("connector", "ironmon"),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Run is the connector's owning loop: listen, accept, serve. When ctx is
// cancelled the listener and every open connection are closed at once;
// in-flight connections are not drained.
func (c *Connector) Run(ctx context.Context, h *host.Host) {
	c.host = h
	for ctx.Err() == nil {
		if err := c.listenAndServe(ctx); err != nil && ctx.Err() == nil {
			h.RecordError(err)
			h.SetState(host.StateDisconnected)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (c *Connector) listenAndServe(ctx context.Context) error {
	c.host.SetState(host.StateConnecting)
	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return rterr.Wrap(rterr.KindNetwork, "listen "+c.cfg.ListenAddr, err)
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	// The listener is the session: its bound address stands in for a
	// remote-issued session id.
	c.host.SetSessionID(ln.Addr().String())
	c.host.SetState(host.StateReady)
	c.host.RecordSuccess()
	c.log.Info("listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		c.closeAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return rterr.Wrap(rterr.KindNetwork, "accept", err)
		}
		c.mu.Lock()
		c.conns[conn] = struct{}{}
		c.mu.Unlock()
		go c.serveConn(ctx, conn)
	}
}

func (c *Connector) closeAll() {
	c.mu.Lock()
	ln := c.listener
	c.listener = nil
	conns := make([]net.Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (c *Connector) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	c.log.Debug("client connected", "remote", remote)

	dec := &Decoder{}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, msg := range dec.Feed(buf[:n]) {
				c.handleMessage(ctx, msg)
			}
		}
		if err != nil {
			c.log.Debug("client disconnected", "remote", remote)
			return
		}
	}
}

// handleMessage decodes, validates, enriches, and publishes one framed
// message, applying its side effects.
func (c *Connector) handleMessage(ctx context.Context, raw []byte) {
	var msg struct {
		Type     string         `json:"type"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("undecodable message dropped", "err", err)
		return
	}

	corrID := uuid.NewString()
	if err := validateMessage(msg.Type, msg.Metadata); err != nil {
		c.log.Warn("message failed validation", "type", msg.Type, "corr_id", corrID, "err", err)
		return
	}

	switch msg.Type {
	case "heartbeat":
		return
	case "error":
		c.log.Warn("client reported error",
			"code", msg.Metadata["code"], "message", msg.Metadata["message"], "corr_id", corrID)
	case "seed":
		count := int(asFloat(msg.Metadata["count"]))
		if err := c.recorder.StartAttempt(ctx, count); err != nil {
			c.log.Warn("start attempt failed", "corr_id", corrID, "err", err)
		}
	case "checkpoint":
		id := int(asFloat(msg.Metadata["id"]))
		name, _ := msg.Metadata["name"].(string)
		seed := int64(asFloat(msg.Metadata["seed"]))
		if err := c.recorder.RecordCheckpoint(ctx, id, name, seed, true); err != nil {
			c.log.Warn("record checkpoint failed", "corr_id", corrID, "err", err)
		}
	}

	c.host.RecordSuccess()
	c.host.Bus().Publish(Topic, Event{
		Type:          msg.Type,
		Metadata:      msg.Metadata,
		Source:        "tcp",
		CorrelationID: corrID,
		ReceivedAt:    time.Now().UTC(),
	})
	c.log.Debug("event published", "type", msg.Type, "corr_id", corrID)
}

// validateMessage enforces the per-type required-field table.
func validateMessage(msgType string, metadata map[string]any) error {
	get := func(key string) (any, bool) {
		v, ok := metadata[key]
		return v, ok
	}

	switch msgType {
	case "init":
		if _, ok := stringField(get("version")); !ok {
			return fmt.Errorf("init requires version string")
		}
		game, ok := intField(get("game"))
		if !ok || game < 1 || game > 3 {
			return fmt.Errorf("init requires game in 1..3")
		}
	case "seed":
		if _, ok := intField(get("count")); !ok {
			return fmt.Errorf("seed requires count integer")
		}
	case "checkpoint":
		if _, ok := intField(get("id")); !ok {
			return fmt.Errorf("checkpoint requires id integer")
		}
		if _, ok := stringField(get("name")); !ok {
			return fmt.Errorf("checkpoint requires name string")
		}
		if v, present := get("seed"); present {
			if _, ok := intField(v, true); !ok {
				return fmt.Errorf("checkpoint seed must be an integer")
			}
		}
	case "location":
		if _, ok := intField(get("id")); !ok {
			return fmt.Errorf("location requires id integer")
		}
	case "battle_start":
		if _, ok := stringField(get("trainer")); !ok {
			return fmt.Errorf("battle_start requires trainer string")
		}
		if _, ok := listField(get("pokemon")); !ok {
			return fmt.Errorf("battle_start requires pokemon list")
		}
	case "battle_end":
		result, ok := stringField(get("result"))
		if !ok || (result != "win" && result != "loss" && result != "run") {
			return fmt.Errorf("battle_end requires result in win/loss/run")
		}
		if _, ok := listField(get("pokemon")); !ok {
			return fmt.Errorf("battle_end requires pokemon list")
		}
	case "pokemon_update":
		if _, ok := listField(get("team")); !ok {
			return fmt.Errorf("pokemon_update requires team list")
		}
	case "item_update":
		if _, ok := listField(get("items")); !ok {
			return fmt.Errorf("item_update requires items list")
		}
	case "stats_update":
		if _, ok := get("stats"); !ok {
			return fmt.Errorf("stats_update requires stats map")
		}
		if _, isMap := metadata["stats"].(map[string]any); !isMap {
			return fmt.Errorf("stats_update requires stats map")
		}
	case "error":
		if _, ok := stringField(get("code")); !ok {
			return fmt.Errorf("error requires code string")
		}
		if _, ok := stringField(get("message")); !ok {
			return fmt.Errorf("error requires message string")
		}
	case "heartbeat":
		// Any or no fields.
	default:
		return fmt.Errorf("unknown message type %q", msgType)
	}
	return nil
}

func stringField(v any, ok bool) (string, bool) {
	if !ok {
		return "", false
	}
	s, isStr := v.(string)
	return s, isStr
}

func intField(v any, _ ...bool) (int, bool) {
	f, isNum := v.(float64)
	if !isNum || f != float64(int64(f)) {
		return 0, false
	}
	return int(f), true
}

func listField(v any, ok bool) ([]any, bool) {
	if !ok {
		return nil, false
	}
	l, isList := v.([]any)
	return l, isList
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

// Terminate closes the listener and every open connection. Idempotent.
func (c *Connector) Terminate(error) {
	c.closeAll()
}
