// Package obs implements the OBS WebSocket v5 connector:
// hello/identify/identified handshake, a correlation-keyed
// pending-request table with deadlines, a periodic unsolicited stats
// request, and a cached projection of the studio's output state.
package obs

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryanveloso/landale-bridge/internal/cache"
	"github.com/bryanveloso/landale-bridge/internal/host"
	"github.com/bryanveloso/landale-bridge/internal/rterr"
	"github.com/bryanveloso/landale-bridge/internal/ticker"
	"github.com/bryanveloso/landale-bridge/internal/wsclient"
)

// Opcodes of the OBS WebSocket v5 protocol.
const (
	opHello      = 0
	opIdentify   = 1
	opIdentified = 2
	opEvent      = 5
	opRequest    = 6
	opResponse   = 7
)

// Event subscription mask: bit-OR of the standard categories.
const (
	subGeneral     = 1 << 0
	subConfig      = 1 << 1
	subScenes      = 1 << 2
	subInputs      = 1 << 3
	subTransitions = 1 << 4
	subFilters     = 1 << 5
	subOutputs     = 1 << 6
	subSceneItems  = 1 << 7
	subMediaInputs = 1 << 8
	subVendors     = 1 << 9
	subUI          = 1 << 10

	allSubscriptions = subGeneral | subConfig | subScenes | subInputs |
		subTransitions | subFilters | subOutputs | subSceneItems |
		subMediaInputs | subVendors | subUI
)

const (
	statsInterval   = 5 * time.Second
	requestDeadline = 10 * time.Second
	retryBase       = 2 * time.Second
	retryCeiling    = 30 * time.Second
)

// Projection is the cached view of the studio's output state, updated
// from inbound events.
type Projection struct {
	CurrentScene string `json:"current_scene"`
	Streaming    bool   `json:"streaming"`
	Recording    bool   `json:"recording"`
	StudioMode   bool   `json:"studio_mode"`
	VirtualCam   bool   `json:"virtual_cam"`
	ReplayBuffer bool   `json:"replay_buffer"`
}

// Response is the reply to a tracked request.
type Response struct {
	RequestType string
	Code        int
	Comment     string
	Data        json.RawMessage
}

type pendingRequest struct {
	ch chan result
}

type result struct {
	resp Response
	err  error
}

type transport interface {
	Connect(ctx context.Context, headers http.Header, origin string) error
	Send(payload []byte) error
	Close() error
}

// Config configures the connector.
type Config struct {
	URL string
}

// Connector is the OBS connector. Protocol state is mutated only from
// the Run goroutine; Request callers park on a per-request channel.
type Connector struct {
	cfg   Config
	cache *cache.Cache
	log   *slog.Logger

	inbox chan wsclient.Event
	host  *host.Host

	mu         sync.Mutex
	identified bool
	pending    map[string]*pendingRequest
	projection Projection

	newTransport func(url string, owner chan<- wsclient.Event) transport
	transport    transport
	statsTicker  *ticker.Interval
}

// New creates a Connector for the given OBS WebSocket URL.
func New(cfg Config, c *cache.Cache, log *slog.Logger) *Connector {
	if cfg.URL == "" {
		cfg.URL = "ws://localhost:4455"
	}
	return &Connector{
		cfg:     cfg,
		cache:   c,
		log:     log.With("connector", "obs"),
		inbox:   make(chan wsclient.Event, 64),
		pending: make(map[string]*pendingRequest),
		newTransport: func(url string, owner chan<- wsclient.Event) transport {
			return wsclient.New(url, owner)
		},
	}
}

// Run is the connector's owning loop.
func (c *Connector) Run(ctx context.Context, h *host.Host) {
	c.host = h
	delay := retryBase
	for ctx.Err() == nil {
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.RecordError(err)
			delay *= 2
			if delay > retryCeiling {
				delay = retryCeiling
			}
		} else {
			delay = retryBase
		}
		h.SetState(host.StateDisconnected)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Connector) runSession(ctx context.Context) error {
	c.host.SetState(host.StateConnecting)
	t := c.newTransport(c.cfg.URL, c.inbox)
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
	defer c.teardownSession()

	c.host.SetState(host.StateUpgrading)
	if err := t.Connect(ctx, http.Header{}, ""); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.inbox:
			switch ev.Kind {
			case wsclient.EventConnected:
				c.host.SetState(host.StateConnected)
			case wsclient.EventMessage:
				if err := c.handleMessage(ctx, ev.Payload); err != nil {
					return err
				}
			case wsclient.EventDisconnected:
				if ev.Reason == string(rterr.KindKeepaliveTimeout) {
					c.host.SetState(host.StateKeepaliveTimeout)
					return rterr.New(rterr.KindKeepaliveTimeout, "obs transport silent")
				}
				return rterr.New(rterr.KindNetwork, "transport lost: "+ev.Reason)
			}
		}
	}
}

// teardownSession fails outstanding requests, stops the stats ticker,
// and closes the transport. Safe on every exit path.
func (c *Connector) teardownSession() {
	if c.statsTicker != nil {
		c.statsTicker.Stop()
		c.statsTicker = nil
	}
	c.mu.Lock()
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.identified = false
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()
	for id, p := range pending {
		if c.host != nil {
			c.host.Timers().Cancel("req:" + id)
		}
		p.ch <- result{err: rterr.New(rterr.KindNetwork, "connection lost")}
	}
}

type obsMessage struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

func (c *Connector) handleMessage(ctx context.Context, raw []byte) error {
	var msg obsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("undecodable frame dropped", "err", err)
		return nil
	}

	switch msg.Op {
	case opHello:
		return c.handleHello(ctx, msg.D)
	case opIdentified:
		c.handleIdentified(ctx)
		return nil
	case opEvent:
		c.handleEvent(msg.D)
		return nil
	case opResponse:
		c.handleResponse(msg.D)
		return nil
	default:
		c.log.Debug("unhandled opcode", "op", msg.Op)
		return nil
	}
}

func (c *Connector) handleHello(ctx context.Context, d json.RawMessage) error {
	var hello struct {
		ObsWebSocketVersion string `json:"obsWebSocketVersion"`
		RPCVersion          int    `json:"rpcVersion"`
		Authentication      *struct {
			Challenge string `json:"challenge"`
			Salt      string `json:"salt"`
		} `json:"authentication"`
	}
	if err := json.Unmarshal(d, &hello); err != nil {
		return rterr.Wrap(rterr.KindProtocol, "undecodable hello", err)
	}
	if hello.Authentication != nil {
		c.log.Warn("obs requires authentication; disable it or run on a trusted host")
	}
	c.log.Info("obs hello", "version", hello.ObsWebSocketVersion, "rpc", hello.RPCVersion)

	identify, _ := json.Marshal(obsOutbound{
		Op: opIdentify,
		D: map[string]any{
			"rpcVersion":         1,
			"eventSubscriptions": allSubscriptions,
		},
	})
	if err := c.send(identify); err != nil {
		return err
	}
	return nil
}

// send writes a frame through the current transport, failing cleanly if
// the session is being torn down.
func (c *Connector) send(frame []byte) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return rterr.New(rterr.KindNetwork, "not connected")
	}
	return t.Send(frame)
}

type obsOutbound struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

func (c *Connector) handleIdentified(ctx context.Context) {
	c.mu.Lock()
	c.identified = true
	c.mu.Unlock()

	c.host.SetSessionID(uuid.NewString())
	c.host.SetState(host.StateReady)
	c.host.RecordSuccess()
	c.log.Info("obs identified")

	c.refreshProjection(ctx)
	c.startStatsTicker(ctx)
}

// startStatsTicker issues an unsolicited, untracked GetStats request
// every 5 seconds.
func (c *Connector) startStatsTicker(ctx context.Context) {
	interval, err := ticker.NewInterval(statsInterval)
	if err != nil {
		return
	}
	c.statsTicker = interval
	interval.Start(ctx, func() {
		frame, _ := json.Marshal(obsOutbound{
			Op: opRequest,
			D: map[string]any{
				"requestType": "GetStats",
				"requestId":   "stats-" + uuid.NewString(),
			},
		})
		if err := c.send(frame); err != nil {
			c.log.Debug("stats request failed", "err", err)
		}
	})
}

// refreshProjection primes the projection from live queries after
// identify, so the cache is warm before the first event arrives.
func (c *Connector) refreshProjection(ctx context.Context) {
	type query struct {
		requestType string
		apply       func(data json.RawMessage, p *Projection)
	}
	queries := []query{
		{"GetCurrentProgramScene", func(data json.RawMessage, p *Projection) {
			var d struct {
				SceneName string `json:"sceneName"`
			}
			if json.Unmarshal(data, &d) == nil {
				p.CurrentScene = d.SceneName
			}
		}},
		{"GetStreamStatus", func(data json.RawMessage, p *Projection) {
			var d struct {
				OutputActive bool `json:"outputActive"`
			}
			if json.Unmarshal(data, &d) == nil {
				p.Streaming = d.OutputActive
			}
		}},
		{"GetRecordStatus", func(data json.RawMessage, p *Projection) {
			var d struct {
				OutputActive bool `json:"outputActive"`
			}
			if json.Unmarshal(data, &d) == nil {
				p.Recording = d.OutputActive
			}
		}},
		{"GetStudioModeEnabled", func(data json.RawMessage, p *Projection) {
			var d struct {
				StudioModeEnabled bool `json:"studioModeEnabled"`
			}
			if json.Unmarshal(data, &d) == nil {
				p.StudioMode = d.StudioModeEnabled
			}
		}},
	}

	go func() {
		for _, q := range queries {
			resp, err := c.Request(ctx, q.requestType, nil)
			if err != nil {
				c.log.Debug("projection query failed", "type", q.requestType, "err", err)
				continue
			}
			c.mu.Lock()
			q.apply(resp.Data, &c.projection)
			c.mu.Unlock()
		}
		c.publishProjection()
	}()
}

// Request sends an op-6 request with a fresh correlation id and parks
// the caller until the matching op-7 response arrives or the deadline
// passes. The pending entry is removed on timeout.
func (c *Connector) Request(ctx context.Context, requestType string, data any) (Response, error) {
	c.mu.Lock()
	if !c.identified {
		c.mu.Unlock()
		return Response{}, rterr.New(rterr.KindNetwork, "not identified")
	}
	id := uuid.NewString()
	p := &pendingRequest{ch: make(chan result, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	d := map[string]any{
		"requestType": requestType,
		"requestId":   id,
	}
	if data != nil {
		d["requestData"] = data
	}
	frame, _ := json.Marshal(obsOutbound{Op: opRequest, D: d})
	if err := c.send(frame); err != nil {
		c.dropPending(id)
		return Response{}, err
	}

	c.host.Timers().After("req:"+id, requestDeadline, func() {
		if p := c.dropPending(id); p != nil {
			p.ch <- result{err: rterr.New(rterr.KindTimeout, "request deadline exceeded")}
		}
	})

	select {
	case r := <-p.ch:
		c.host.Timers().Cancel("req:" + id)
		return r.resp, r.err
	case <-ctx.Done():
		c.host.Timers().Cancel("req:" + id)
		c.dropPending(id)
		return Response{}, ctx.Err()
	}
}

func (c *Connector) dropPending(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Connector) handleResponse(d json.RawMessage) {
	var resp struct {
		RequestType   string `json:"requestType"`
		RequestID     string `json:"requestId"`
		RequestStatus struct {
			Result  bool   `json:"result"`
			Code    int    `json:"code"`
			Comment string `json:"comment"`
		} `json:"requestStatus"`
		ResponseData json.RawMessage `json:"responseData"`
	}
	if err := json.Unmarshal(d, &resp); err != nil {
		c.log.Warn("undecodable response dropped", "err", err)
		return
	}

	p := c.dropPending(resp.RequestID)
	if p == nil {
		// Unsolicited stats replies are expected; anything else is odd
		// enough to log at warn.
		if strings.HasPrefix(resp.RequestID, "stats-") {
			c.log.Debug("stats response", "code", resp.RequestStatus.Code)
		} else {
			c.log.Warn("unclaimed response", "request_id", resp.RequestID, "type", resp.RequestType)
		}
		return
	}
	c.host.Timers().Cancel("req:" + resp.RequestID)

	if !resp.RequestStatus.Result {
		p.ch <- result{err: rterr.New(rterr.KindProtocol, resp.RequestStatus.Comment)}
		return
	}
	p.ch <- result{resp: Response{
		RequestType: resp.RequestType,
		Code:        resp.RequestStatus.Code,
		Comment:     resp.RequestStatus.Comment,
		Data:        resp.ResponseData,
	}}
}

// Event is the envelope published on obs topics.
type Event struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlation_id"`
	ReceivedAt    time.Time       `json:"received_at"`
}

func (c *Connector) handleEvent(d json.RawMessage) {
	c.mu.Lock()
	identified := c.identified
	c.mu.Unlock()
	if !identified {
		c.log.Warn("event before identify discarded")
		return
	}

	var ev struct {
		EventType string          `json:"eventType"`
		EventData json.RawMessage `json:"eventData"`
	}
	if err := json.Unmarshal(d, &ev); err != nil {
		c.log.Warn("undecodable event dropped", "err", err)
		return
	}

	c.applyToProjection(ev.EventType, ev.EventData)

	corrID := uuid.NewString()
	envelope := Event{
		Type:          ev.EventType,
		Data:          ev.EventData,
		CorrelationID: corrID,
		ReceivedAt:    time.Now().UTC(),
	}
	c.host.Bus().Publish("obs:events", envelope)
	c.host.Bus().Publish("obs."+ev.EventType, envelope)
	c.log.Debug("event published", "type", ev.EventType, "corr_id", corrID)
}

// applyToProjection folds state-bearing events into the cached
// projection and republishes it.
func (c *Connector) applyToProjection(eventType string, data json.RawMessage) {
	c.mu.Lock()
	changed := true
	switch eventType {
	case "CurrentProgramSceneChanged":
		var d struct {
			SceneName string `json:"sceneName"`
		}
		if json.Unmarshal(data, &d) == nil {
			c.projection.CurrentScene = d.SceneName
		}
	case "StreamStateChanged":
		var d struct {
			OutputActive bool `json:"outputActive"`
		}
		if json.Unmarshal(data, &d) == nil {
			c.projection.Streaming = d.OutputActive
		}
	case "RecordStateChanged":
		var d struct {
			OutputActive bool `json:"outputActive"`
		}
		if json.Unmarshal(data, &d) == nil {
			c.projection.Recording = d.OutputActive
		}
	case "StudioModeStateChanged":
		var d struct {
			StudioModeEnabled bool `json:"studioModeEnabled"`
		}
		if json.Unmarshal(data, &d) == nil {
			c.projection.StudioMode = d.StudioModeEnabled
		}
	case "VirtualcamStateChanged":
		var d struct {
			OutputActive bool `json:"outputActive"`
		}
		if json.Unmarshal(data, &d) == nil {
			c.projection.VirtualCam = d.OutputActive
		}
	case "ReplayBufferStateChanged":
		var d struct {
			OutputActive bool `json:"outputActive"`
		}
		if json.Unmarshal(data, &d) == nil {
			c.projection.ReplayBuffer = d.OutputActive
		}
	default:
		changed = false
	}
	c.mu.Unlock()

	if changed {
		c.publishProjection()
	}
}

func (c *Connector) publishProjection() {
	c.mu.Lock()
	p := c.projection
	c.mu.Unlock()
	c.cache.Invalidate("obs", "projection")
	c.cache.Set("obs", "projection", p, 2*time.Second)
}

// Projection returns the current cached projection.
func (c *Connector) Projection() Projection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projection
}

// Terminate closes the transport and fails outstanding requests.
// Idempotent.
func (c *Connector) Terminate(error) {
	c.teardownSession()
}
