package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bryanveloso/landale-bridge/internal/httpclient"
	"github.com/bryanveloso/landale-bridge/internal/oauth"
	"github.com/bryanveloso/landale-bridge/internal/retry"
	"github.com/bryanveloso/landale-bridge/internal/rterr"
)

// Subscription limits. Helix enforces these remotely; the coordinator
// enforces them locally so limit errors surface before a wasted call.
const (
	DefaultMaxCount = 300
	DefaultMaxCost  = 10
)

// Cleanup and creation concurrency bounds.
const (
	cleanupConcurrency  = 10
	cleanupTimeout      = 10 * time.Second
	criticalConcurrency = 5
	standardConcurrency = 10
	createTimeout       = 15 * time.Second
)

// Subscription is one live EventSub subscription.
type Subscription struct {
	ID          string
	Type        string
	Condition   map[string]string
	Cost        int
	CreatedAt   time.Time
	Fingerprint string
	LastSeen    time.Time
}

// requiredScopes is the static capability table: event type to the OAuth
// scopes the subject's token must carry before a create is attempted.
var requiredScopes = map[string][]string{
	"channel.follow":               {"moderator:read:followers"},
	"channel.subscribe":            {"channel:read:subscriptions"},
	"channel.subscription.gift":    {"channel:read:subscriptions"},
	"channel.subscription.message": {"channel:read:subscriptions"},
	"channel.cheer":                {"bits:read"},
	"channel.chat.message":         {"user:read:chat", "user:bot"},
	"channel.update":               {},
	"stream.online":                {},
	"stream.offline":               {},
	"channel.raid":                 {},
}

// Fingerprint canonicalizes an event type and condition: the lower-cased
// type joined with the condition rendered as JSON with entries sorted
// lexicographically by key. encoding/json marshals map keys in sorted
// order, which gives the order-insensitivity the uniqueness rule needs.
func Fingerprint(eventType string, condition map[string]string) string {
	if condition == nil {
		condition = map[string]string{}
	}
	rendered, _ := json.Marshal(condition)
	return strings.ToLower(eventType) + ":" + string(rendered)
}

// Subscriptions is the coordinator's registry: at most one subscription
// per fingerprint, with local count and cost accounting.
type Subscriptions struct {
	maxCount int
	maxCost  int

	mu        sync.Mutex
	byPrint   map[string]*Subscription
	totalCost int
}

// NewSubscriptions creates an empty registry with the given limits;
// non-positive limits fall back to the defaults.
func NewSubscriptions(maxCount, maxCost int) *Subscriptions {
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	if maxCost <= 0 {
		maxCost = DefaultMaxCost
	}
	return &Subscriptions{
		maxCount: maxCount,
		maxCost:  maxCost,
		byPrint:  make(map[string]*Subscription),
	}
}

// Get returns the subscription with the given fingerprint, if any.
func (s *Subscriptions) Get(fingerprint string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byPrint[fingerprint]
	return sub, ok
}

// Count returns the number of registered subscriptions.
func (s *Subscriptions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byPrint)
}

// TotalCost returns the summed cost of registered subscriptions.
func (s *Subscriptions) TotalCost() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalCost
}

// All returns a snapshot of every registered subscription.
func (s *Subscriptions) All() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscription, 0, len(s.byPrint))
	for _, sub := range s.byPrint {
		out = append(out, sub)
	}
	return out
}

// insert registers sub, rejecting it if limits would be exceeded. The
// fingerprint check and insert happen under one lock so two concurrent
// creates for the same fingerprint cannot both insert.
func (s *Subscriptions) insert(sub *Subscription) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byPrint[sub.Fingerprint]; ok {
		return existing, nil
	}
	if len(s.byPrint) >= s.maxCount {
		return nil, rterr.New(rterr.KindLimitExceeded,
			fmt.Sprintf("subscription count %d at limit %d", len(s.byPrint), s.maxCount))
	}
	if s.totalCost+sub.Cost > s.maxCost {
		return nil, rterr.New(rterr.KindLimitExceeded,
			fmt.Sprintf("subscription cost %d+%d exceeds limit %d", s.totalCost, sub.Cost, s.maxCost))
	}
	s.byPrint[sub.Fingerprint] = sub
	s.totalCost += sub.Cost
	return sub, nil
}

// remove drops the subscription with the given fingerprint, if present.
func (s *Subscriptions) remove(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.byPrint[fingerprint]; ok {
		s.totalCost -= sub.Cost
		delete(s.byPrint, fingerprint)
	}
}

// removeByID drops the subscription with the remote-issued id, used when
// the provider revokes one out from under us.
func (s *Subscriptions) removeByID(id string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for print, sub := range s.byPrint {
		if sub.ID == id {
			s.totalCost -= sub.Cost
			delete(s.byPrint, print)
			return sub, true
		}
	}
	return nil, false
}

// touch records a notification arrival on the subscription with the
// given remote id.
func (s *Subscriptions) touch(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.byPrint {
		if sub.ID == id {
			sub.LastSeen = at
			return
		}
	}
}

// reset drops every registered subscription, used when a session is lost
// without a successor (the provider garbage-collects them remotely).
func (s *Subscriptions) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPrint = make(map[string]*Subscription)
	s.totalCost = 0
}

// helixAPI is the subset of Helix the coordinator calls, indirected for
// tests.
type helixAPI interface {
	createSubscription(ctx context.Context, token oauth.Token, eventType string, condition map[string]string, sessionID string) (id string, cost int, retryAfter float64, err error)
	deleteSubscription(ctx context.Context, token oauth.Token, id string) error
}

// helixClient is the production helixAPI over fast-shot.
type helixClient struct {
	http     *httpclient.Client
	clientID string
}

func (h *helixClient) createSubscription(ctx context.Context, token oauth.Token, eventType string, condition map[string]string, sessionID string) (string, int, float64, error) {
	body := map[string]any{
		"type":    eventType,
		"version": subscriptionVersion(eventType),
		"condition": condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	resp, err := h.http.PostJSON(ctx, "/helix/eventsub/subscriptions", body, map[string]string{
		"Authorization": "Bearer " + token.AccessToken,
		"Client-Id":     h.clientID,
	})
	if err != nil {
		return "", 0, 0, rterr.Wrap(rterr.KindNetwork, "create subscription", err)
	}

	switch resp.StatusCode {
	case 202:
		var payload struct {
			Data []struct {
				ID   string `json:"id"`
				Cost int    `json:"cost"`
			} `json:"data"`
		}
		if err := resp.DecodeJSON(&payload); err != nil || len(payload.Data) == 0 {
			return "", 0, 0, rterr.New(rterr.KindProtocol, "create succeeded but response was unreadable")
		}
		return payload.Data[0].ID, payload.Data[0].Cost, 0, nil
	case 401, 403:
		return "", 0, 0, rterr.New(rterr.KindAuthExpired, fmt.Sprintf("create rejected with %d", resp.StatusCode))
	case 409:
		return "", 0, 0, rterr.New(rterr.KindDuplicate, "subscription already exists remotely")
	case 429:
		return "", 0, resp.RetryAfter, rterr.New(rterr.KindRateLimited, "create rate limited").WithRetryAfter(resp.RetryAfter)
	default:
		return "", 0, 0, rterr.New(rterr.KindProtocol, fmt.Sprintf("unexpected create status %d", resp.StatusCode))
	}
}

func (h *helixClient) deleteSubscription(ctx context.Context, token oauth.Token, id string) error {
	resp, err := h.http.Delete(ctx, "/helix/eventsub/subscriptions", url.Values{"id": {id}}, map[string]string{
		"Authorization": "Bearer " + token.AccessToken,
		"Client-Id":     h.clientID,
	})
	if err != nil {
		return rterr.Wrap(rterr.KindNetwork, "delete subscription", err)
	}
	switch resp.StatusCode {
	case 204:
		return nil
	case 404:
		return rterr.New(rterr.KindNotFound, "subscription already gone")
	default:
		return rterr.New(rterr.KindProtocol, fmt.Sprintf("unexpected delete status %d", resp.StatusCode))
	}
}

// subscriptionVersion returns the EventSub version string for a type.
// channel.follow is the only default type still on v2.
func subscriptionVersion(eventType string) string {
	if eventType == "channel.follow" {
		return "2"
	}
	return "1"
}

// CreateOptions tweaks a single create call.
type CreateOptions struct {
	// Critical subscriptions get the 3-attempt backoff policy; others a
	// single attempt.
	Critical bool
}

// createSubscription drives one create through the capability check,
// fingerprint idempotency, breaker, and retry policy. It is called from
// the connector with the current session and token.
func (c *Connector) createSubscription(ctx context.Context, eventType string, condition map[string]string, opts CreateOptions) (*Subscription, error) {
	sessionID := c.host.SessionID()
	if sessionID == "" || c.host.State() != hostReady {
		return nil, rterr.New(rterr.KindNetwork, "not connected")
	}
	if c.subs.Count() >= c.subs.maxCount {
		return nil, rterr.New(rterr.KindLimitExceeded,
			fmt.Sprintf("subscription count at limit %d", c.subs.maxCount))
	}

	fingerprint := Fingerprint(eventType, condition)
	if existing, ok := c.subs.Get(fingerprint); ok {
		return existing, nil
	}

	token, err := c.oauth.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}
	for _, scope := range requiredScopes[eventType] {
		if !token.HasScope(scope) {
			return nil, rterr.New(rterr.KindScopeMissing,
				fmt.Sprintf("event %s requires scope %s", eventType, scope))
		}
	}

	policy := retry.Policy{MaxAttempts: 1, Base: time.Second, Ceiling: 5 * time.Second}
	if opts.Critical {
		policy.MaxAttempts = 3
	}

	callCreate := func(tok oauth.Token) (string, int, float64, error) {
		callCtx, cancel := context.WithTimeout(ctx, createTimeout)
		defer cancel()
		return c.helix.createSubscription(callCtx, tok, eventType, condition, sessionID)
	}

	breaker := c.breakers.For("twitch.helix")
	var created *Subscription
	err = retry.Retry(ctx, policy, func(attempt int) (float64, error) {
		if _, _, berr := breaker.Allow(); berr != nil {
			return 0, berr
		}
		if lerr := c.createLimiter.Wait(ctx); lerr != nil {
			return 0, lerr
		}

		id, cost, retryAfter, cerr := callCreate(token)
		if rterr.KindOf(cerr) == rterr.KindAuthExpired {
			// The provider rejected the bearer token: refresh once and
			// replay the call with the new credential.
			if rerr := c.oauth.Refresh(ctx); rerr == nil {
				if tok, terr := c.oauth.GetValidToken(ctx); terr == nil {
					token = tok
					id, cost, retryAfter, cerr = callCreate(token)
				}
			}
		}
		if cerr != nil {
			if rterr.KindOf(cerr) == rterr.KindDuplicate {
				// Remote says it exists but we have no record: adopt a
				// placeholder so the fingerprint check holds until the
				// next reconcile.
				breaker.RecordSuccess()
				sub := &Subscription{
					Type:        eventType,
					Condition:   condition,
					CreatedAt:   time.Now().UTC(),
					Fingerprint: fingerprint,
				}
				created, _ = c.subs.insert(sub)
				return 0, nil
			}
			breaker.RecordFailure()
			return retryAfter, cerr
		}
		breaker.RecordSuccess()

		sub := &Subscription{
			ID:          id,
			Type:        eventType,
			Condition:   condition,
			Cost:        cost,
			CreatedAt:   time.Now().UTC(),
			Fingerprint: fingerprint,
		}
		inserted, ierr := c.subs.insert(sub)
		if ierr != nil {
			return 0, ierr
		}
		created = inserted
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	c.cache.Invalidate(c.host.Name(), "subscriptions")
	return created, nil
}

// defaultSubscription pairs an event type with its condition builder and
// criticality.
type defaultSubscription struct {
	eventType string
	critical  bool
	condition func(userID string) map[string]string
}

func broadcasterCondition(userID string) map[string]string {
	return map[string]string{"broadcaster_user_id": userID}
}

var defaultSubscriptions = []defaultSubscription{
	{"stream.online", true, broadcasterCondition},
	{"stream.offline", true, broadcasterCondition},
	{"channel.update", true, broadcasterCondition},
	{"channel.follow", true, func(u string) map[string]string {
		return map[string]string{"broadcaster_user_id": u, "moderator_user_id": u}
	}},
	{"channel.chat.message", true, func(u string) map[string]string {
		return map[string]string{"broadcaster_user_id": u, "user_id": u}
	}},
	{"channel.subscribe", false, broadcasterCondition},
	{"channel.subscription.gift", false, broadcasterCondition},
	{"channel.subscription.message", false, broadcasterCondition},
	{"channel.cheer", false, broadcasterCondition},
	{"channel.raid", false, func(u string) map[string]string {
		return map[string]string{"to_broadcaster_user_id": u}
	}},
}

// createDefaultSubscriptions fans the default set out with bounded
// parallelism: the critical group at concurrency 5 with the 3-attempt
// policy, then the standard group at concurrency 10 with one attempt.
// Individual failures are logged and tolerated.
func (c *Connector) createDefaultSubscriptions(ctx context.Context, userID string) {
	groups := []struct {
		critical    bool
		concurrency int
	}{
		{critical: true, concurrency: criticalConcurrency},
		{critical: false, concurrency: standardConcurrency},
	}

	for _, group := range groups {
		sem := make(chan struct{}, group.concurrency)
		var wg sync.WaitGroup
		for _, def := range defaultSubscriptions {
			if def.critical != group.critical {
				continue
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(def defaultSubscription) {
				defer wg.Done()
				defer func() { <-sem }()
				_, err := c.createSubscription(ctx, def.eventType, def.condition(userID), CreateOptions{Critical: def.critical})
				if err != nil {
					c.log.Warn("default subscription failed",
						"type", def.eventType, "kind", string(rterr.KindOf(err)), "err", err)
					return
				}
				c.log.Debug("default subscription created", "type", def.eventType)
			}(def)
		}
		wg.Wait()
	}
}

// cleanupSubscriptions deletes every registered subscription with
// bounded concurrency and a per-request timeout, tolerating individual
// failures. Used on shutdown.
func (c *Connector) cleanupSubscriptions(ctx context.Context) {
	subs := c.subs.All()
	if len(subs) == 0 {
		return
	}
	token, err := c.oauth.GetValidToken(ctx)
	if err != nil {
		c.log.Warn("skipping subscription cleanup, no valid token", "err", err)
		return
	}

	sem := make(chan struct{}, cleanupConcurrency)
	var wg sync.WaitGroup
	for _, sub := range subs {
		if sub.ID == "" {
			c.subs.remove(sub.Fingerprint)
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(sub *Subscription) {
			defer wg.Done()
			defer func() { <-sem }()
			callCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
			defer cancel()
			if err := c.helix.deleteSubscription(callCtx, token, sub.ID); err != nil && rterr.KindOf(err) != rterr.KindNotFound {
				c.log.Warn("subscription delete failed", "id", sub.ID, "err", err)
				return
			}
			c.subs.remove(sub.Fingerprint)
		}(sub)
	}
	wg.Wait()
}

// newCreateLimiter paces Helix create calls. Helix's own bucket refills
// at roughly 800/min for an app; one call per 100ms with a small burst
// stays far inside it while still letting the default set fan out fast.
func newCreateLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(100*time.Millisecond), standardConcurrency)
}
