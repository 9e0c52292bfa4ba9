// Package twitch implements the Twitch EventSub connector: a
// supervised session over the WebSocket transport plus a subscription
// coordinator over Helix, with token lifecycle handled by the OAuth
// manager.
package twitch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bryanveloso/landale-bridge/internal/cache"
	"github.com/bryanveloso/landale-bridge/internal/eventvalidate"
	"github.com/bryanveloso/landale-bridge/internal/host"
	"github.com/bryanveloso/landale-bridge/internal/httpclient"
	"github.com/bryanveloso/landale-bridge/internal/oauth"
	"github.com/bryanveloso/landale-bridge/internal/retry"
	"github.com/bryanveloso/landale-bridge/internal/rterr"
	"github.com/bryanveloso/landale-bridge/internal/wsclient"
)

const (
	// DefaultWebsocketURL is the EventSub endpoint.
	DefaultWebsocketURL = "wss://eventsub.wss.twitch.tv/ws"
	eventSubOrigin      = "https://eventsub.wss.twitch.tv"

	// retryBase paces session re-attempts after a failed connect or a
	// dropped transport.
	retryBase    = 2 * time.Second
	retryCeiling = 60 * time.Second

	// deniedRetryInterval is the long retry used once a refresh has been
	// denied and operator action is needed.
	deniedRetryInterval = 5 * time.Minute
)

const hostReady = host.StateReady

// transport is the slice of wsclient.Transport the connector uses,
// indirected for tests.
type transport interface {
	Connect(ctx context.Context, headers http.Header, origin string) error
	ArmKeepalive(timeout time.Duration)
	Send(payload []byte) error
	Close() error
}

// Config configures the connector.
type Config struct {
	WebsocketURL string
	// UserID overrides the broadcaster id captured from token
	// validation, when set.
	UserID   string
	MaxCount int
	MaxCost  int
}

// Connector is the Twitch EventSub connector. All connection state is
// mutated from its Run goroutine; child tasks post results back via the
// inbox or operate on their own concurrency-safe registries.
type Connector struct {
	cfg      Config
	oauth    *oauth.Manager
	helix    helixAPI
	breakers *retry.Registry
	cache    *cache.Cache
	log      *slog.Logger

	subs          *Subscriptions
	createLimiter *rate.Limiter

	host  *host.Host
	inbox chan wsclient.Event

	// userID is the validated subject identifier; empty until the first
	// successful validation.
	userID string

	newTransport func(url string, owner chan<- wsclient.Event) transport

	transport transport
}

// New creates a Connector. helixHTTP must be bound to the Helix API
// base (https://api.twitch.tv); oauthMgr to the id service.
func New(cfg Config, oauthMgr *oauth.Manager, helixHTTP *httpclient.Client, clientID string, breakers *retry.Registry, c *cache.Cache, log *slog.Logger) *Connector {
	if cfg.WebsocketURL == "" {
		cfg.WebsocketURL = DefaultWebsocketURL
	}
	return &Connector{
		cfg:           cfg,
		oauth:         oauthMgr,
		helix:         &helixClient{http: helixHTTP, clientID: clientID},
		breakers:      breakers,
		cache:         c,
		log:           log.With("connector", "twitch"),
		subs:          NewSubscriptions(cfg.MaxCount, cfg.MaxCost),
		createLimiter: newCreateLimiter(),
		inbox:         make(chan wsclient.Event, 64),
		newTransport: func(url string, owner chan<- wsclient.Event) transport {
			return wsclient.New(url, owner)
		},
	}
}

// Run is the connector's owning loop, driven by the Service Host. It
// converges back to disconnected and re-attempts on every failure path.
func (c *Connector) Run(ctx context.Context, h *host.Host) {
	c.host = h
	attempt := 0
	for ctx.Err() == nil {
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.RecordError(err)
			attempt++
		} else {
			attempt = 1
		}
		h.SetState(host.StateDisconnected)

		delay := sessionBackoff(attempt)
		switch rterr.KindOf(err) {
		case rterr.KindAuthExpired:
			// The provider rejected the token outright; refresh before
			// the next attempt instead of redialing with the same one.
			if rerr := c.oauth.Refresh(ctx); rerr != nil {
				c.log.Warn("token refresh failed", "err", rerr)
			}
		case rterr.KindAuthDenied:
			// Refresh was denied; nothing improves until the operator
			// re-authorizes, so retry on a long interval.
			delay = deniedRetryInterval
		}
		c.log.Info("session ended, retrying", "kind", string(rterr.KindOf(err)), "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func sessionBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryCeiling {
			return retryCeiling
		}
	}
	return delay
}

// runSession performs one full token-load / validate / connect / serve
// cycle. It returns nil only on a context-driven shutdown.
func (c *Connector) runSession(ctx context.Context) error {
	token, err := c.oauth.GetValidToken(ctx)
	if err != nil {
		return err
	}

	result, err := c.oauth.Validate(ctx, token.AccessToken)
	if err != nil {
		return err
	}
	c.userID = result.Subject
	if c.cfg.UserID != "" {
		c.userID = c.cfg.UserID
	}
	if err := c.oauth.RecordValidation(ctx, result); err != nil {
		c.log.Warn("persisting validation result failed", "err", err)
	}

	c.host.SetState(host.StateConnecting)
	t := c.newTransport(c.cfg.WebsocketURL, c.inbox)
	c.transport = t
	defer func() {
		_ = t.Close()
		if c.transport == t {
			c.transport = nil
		}
	}()

	c.host.SetState(host.StateUpgrading)
	if err := t.Connect(ctx, http.Header{}, eventSubOrigin); err != nil {
		return err
	}

	return c.serve(ctx)
}

// serve drains the inbox until the transport dies or ctx is cancelled.
// The subscription registry survives a server-requested reconnect (the
// remote retains subscriptions on the successor session) but is reset on
// any other disconnect.
func (c *Connector) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			c.cleanupSubscriptions(cleanupCtx)
			cancel()
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
					c.subs.reset()
					return rterr.New(rterr.KindKeepaliveTimeout, "no frame within keepalive window")
				}
				c.subs.reset()
				return rterr.New(rterr.KindNetwork, "transport lost: "+ev.Reason)
			}
		}
	}
}

type eventSubMessage struct {
	Metadata struct {
		MessageID   string `json:"message_id"`
		MessageType string `json:"message_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID                      string  `json:"id"`
		KeepaliveTimeoutSeconds float64 `json:"keepalive_timeout_seconds"`
		ReconnectURL            string  `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

func (c *Connector) handleMessage(ctx context.Context, raw []byte) error {
	var msg eventSubMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("undecodable frame dropped", "err", err)
		return nil
	}

	switch msg.Metadata.MessageType {
	case "session_welcome":
		return c.handleWelcome(ctx, msg.Payload)
	case "session_keepalive":
		// The transport's watchdog already reset on frame receipt.
		return nil
	case "notification":
		c.handleNotification(msg.Payload)
		return nil
	case "session_reconnect":
		return c.handleReconnect(ctx, msg.Payload)
	case "revocation":
		c.handleRevocation(msg.Payload)
		return nil
	default:
		c.log.Debug("unknown message type", "type", msg.Metadata.MessageType)
		return nil
	}
}

func (c *Connector) handleWelcome(ctx context.Context, payload json.RawMessage) error {
	var p sessionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return rterr.Wrap(rterr.KindProtocol, "undecodable welcome", err)
	}
	if p.Session.ID == "" {
		return rterr.New(rterr.KindProtocol, "welcome without session id")
	}

	c.host.SetSessionID(p.Session.ID)
	c.host.SetState(host.StateReady)
	if p.Session.KeepaliveTimeoutSeconds > 0 {
		c.transport.ArmKeepalive(time.Duration(p.Session.KeepaliveTimeoutSeconds * float64(time.Second)))
	}
	c.log.Info("session established", "session_id", p.Session.ID,
		"keepalive_seconds", p.Session.KeepaliveTimeoutSeconds)

	if c.userID == "" {
		// Deferred until a later validation completes; the next session
		// cycle re-validates before connecting.
		c.log.Warn("subject unknown at welcome, deferring default subscriptions")
		return nil
	}
	go c.createDefaultSubscriptions(ctx, c.userID)
	return nil
}

// handleReconnect honors a server-requested migration: the current
// transport is discarded and a new one is opened at the provided URL,
// transitioning back through welcomed. Subscriptions are retained by the
// remote on the successor session.
func (c *Connector) handleReconnect(ctx context.Context, payload json.RawMessage) error {
	var p sessionPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Session.ReconnectURL == "" {
		return rterr.New(rterr.KindProtocol, "reconnect without url")
	}

	c.log.Info("server requested reconnect", "url", p.Session.ReconnectURL)
	c.host.SetState(host.StateReconnecting)
	old := c.transport
	_ = old.Close()

	t := c.newTransport(p.Session.ReconnectURL, c.inbox)
	c.transport = t
	if err := t.Connect(ctx, http.Header{}, eventSubOrigin); err != nil {
		return err
	}
	return nil
}

func (c *Connector) handleRevocation(payload json.RawMessage) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if sub, ok := c.subs.removeByID(p.Subscription.ID); ok {
		c.log.Warn("subscription revoked", "type", sub.Type, "id", sub.ID)
		c.cache.Invalidate(c.host.Name(), "subscriptions")
	}
}

// Event is the normalized envelope published for every provider event.
type Event struct {
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id"`
	ReceivedAt    time.Time      `json:"received_at"`
}

func (c *Connector) handleNotification(payload json.RawMessage) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.log.Warn("undecodable notification dropped", "err", err)
		return
	}

	corrID := uuid.NewString()
	c.subs.touch(p.Subscription.ID, time.Now().UTC())

	normalized, err := eventvalidate.Normalize(p.Subscription.Type, p.Event)
	if err != nil {
		c.log.Warn("event failed validation",
			"type", p.Subscription.Type, "corr_id", corrID, "err", err)
		return
	}

	c.host.RecordSuccess()
	c.host.Bus().Publish("twitch."+p.Subscription.Type, Event{
		Type:          p.Subscription.Type,
		Payload:       normalized,
		Source:        "eventsub",
		CorrelationID: corrID,
		ReceivedAt:    time.Now().UTC(),
	})
	c.log.Debug("event published", "type", p.Subscription.Type, "corr_id", corrID)
}

// CreateSubscription is the public coordinator entry point (used by the
// default set and available to operators via the host).
func (c *Connector) CreateSubscription(ctx context.Context, eventType string, condition map[string]string, opts CreateOptions) (*Subscription, error) {
	return c.createSubscription(ctx, eventType, condition, opts)
}

// Subscriptions exposes the registry for status reporting.
func (c *Connector) Subscriptions() *Subscriptions { return c.subs }

// Terminate closes the transport on host teardown. Idempotent.
func (c *Connector) Terminate(error) {
	if c.transport != nil {
		_ = c.transport.Close()
	}
}
