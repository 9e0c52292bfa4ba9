package twitch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanveloso/landale-bridge/internal/bus"
	"github.com/bryanveloso/landale-bridge/internal/cache"
	"github.com/bryanveloso/landale-bridge/internal/host"
	"github.com/bryanveloso/landale-bridge/internal/httpclient"
	"github.com/bryanveloso/landale-bridge/internal/oauth"
	"github.com/bryanveloso/landale-bridge/internal/retry"
	"github.com/bryanveloso/landale-bridge/internal/rterr"
	"github.com/bryanveloso/landale-bridge/internal/tokenstore"
)

func TestFingerprintOrderInsensitive(t *testing.T) {
	t.Parallel()

	a := Fingerprint("channel.follow", map[string]string{
		"broadcaster_user_id": "1", "moderator_user_id": "2",
	})
	b := Fingerprint("channel.follow", map[string]string{
		"moderator_user_id": "2", "broadcaster_user_id": "1",
	})
	if a != b {
		t.Fatalf("fingerprints differ: %q vs %q", a, b)
	}
}

func TestFingerprintCaseAndConditionSensitivity(t *testing.T) {
	t.Parallel()

	base := Fingerprint("Channel.Follow", map[string]string{"broadcaster_user_id": "1"})
	lower := Fingerprint("channel.follow", map[string]string{"broadcaster_user_id": "1"})
	if base != lower {
		t.Fatal("event type case should not matter")
	}

	other := Fingerprint("channel.follow", map[string]string{"broadcaster_user_id": "2"})
	if base == other {
		t.Fatal("different conditions must not collide")
	}

	empty := Fingerprint("channel.follow", nil)
	emptyMap := Fingerprint("channel.follow", map[string]string{})
	if empty != emptyMap {
		t.Fatal("nil and empty conditions should canonicalize identically")
	}
}

// fakeHelix scripts create/delete responses.
type fakeHelix struct {
	mu      sync.Mutex
	creates int
	deletes []string
	// respond is invoked per create attempt; defaults to success.
	respond func(attempt int) (string, int, float64, error)
}

func (f *fakeHelix) createSubscription(_ context.Context, _ oauth.Token, eventType string, _ map[string]string, _ string) (string, int, float64, error) {
	f.mu.Lock()
	f.creates++
	n := f.creates
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(n)
	}
	return fmt.Sprintf("sub-%d", n), 1, 0, nil
}

func (f *fakeHelix) deleteSubscription(_ context.Context, _ oauth.Token, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeHelix) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// newReadyConnector returns a connector wired to a fake Helix with a
// seeded, scoped token and a ready session.
func newReadyConnector(t *testing.T, scopes []string, maxCount, maxCost int) (*Connector, *fakeHelix) {
	t.Helper()

	store, err := tokenstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mgr := oauth.New(store, httpclient.New("http://127.0.0.1:0", time.Second), "id", "secret")
	if err := mgr.SeedFromAuthorization(context.Background(), "access", "refresh", 3600, scopes, "100"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	statusCache := cache.New()
	c := New(Config{UserID: "100", MaxCount: maxCount, MaxCost: maxCost},
		mgr, httpclient.New("http://127.0.0.1:0", time.Second), "id",
		retry.NewRegistry(retry.DefaultBreakerConfig()), statusCache, slog.Default())

	fake := &fakeHelix{}
	c.helix = fake

	c.host = host.New("twitch", bus.New(), statusCache, c.Run, host.Options{})
	c.host.SetSessionID("S1")
	c.host.SetState(host.StateReady)
	return c, fake
}

func TestCreateSubscriptionIdempotentByFingerprint(t *testing.T) {
	t.Parallel()

	c, fake := newReadyConnector(t, []string{"moderator:read:followers"}, 0, 0)
	ctx := context.Background()
	condition := map[string]string{"broadcaster_user_id": "100", "moderator_user_id": "100"}

	first, err := c.CreateSubscription(ctx, "channel.follow", condition, CreateOptions{})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := c.CreateSubscription(ctx, "channel.follow", condition, CreateOptions{})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}

	if first != second {
		t.Fatal("second create returned a different record")
	}
	if c.subs.Count() != 1 {
		t.Fatalf("count = %d, want 1", c.subs.Count())
	}
	if fake.createCount() != 1 {
		t.Fatalf("provider called %d times, want 1", fake.createCount())
	}
}

func TestCreateSubscriptionNotConnected(t *testing.T) {
	t.Parallel()

	c, _ := newReadyConnector(t, nil, 0, 0)
	c.host.SetState(host.StateDisconnected)

	_, err := c.CreateSubscription(context.Background(), "stream.online",
		map[string]string{"broadcaster_user_id": "100"}, CreateOptions{})
	if rterr.KindOf(err) != rterr.KindNetwork {
		t.Fatalf("err = %v, want not-connected network error", err)
	}
}

func TestCreateSubscriptionMissingScope(t *testing.T) {
	t.Parallel()

	c, fake := newReadyConnector(t, nil, 0, 0) // no scopes granted
	_, err := c.CreateSubscription(context.Background(), "channel.follow",
		map[string]string{"broadcaster_user_id": "100", "moderator_user_id": "100"}, CreateOptions{})
	if rterr.KindOf(err) != rterr.KindScopeMissing {
		t.Fatalf("err = %v, want scope_missing", err)
	}
	if fake.createCount() != 0 {
		t.Fatal("provider should not be called for a missing scope")
	}
}

func TestCreateSubscriptionCountLimit(t *testing.T) {
	t.Parallel()

	c, _ := newReadyConnector(t, nil, 2, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		cond := map[string]string{"broadcaster_user_id": fmt.Sprintf("%d", i)}
		if _, err := c.CreateSubscription(ctx, "stream.online", cond, CreateOptions{}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	_, err := c.CreateSubscription(ctx, "stream.online",
		map[string]string{"broadcaster_user_id": "extra"}, CreateOptions{})
	if rterr.KindOf(err) != rterr.KindLimitExceeded {
		t.Fatalf("err = %v, want limit_exceeded", err)
	}
	if c.subs.Count() != 2 {
		t.Fatalf("count = %d, want 2", c.subs.Count())
	}
}

func TestCreateSubscriptionCostLimit(t *testing.T) {
	t.Parallel()

	c, fake := newReadyConnector(t, nil, 0, 3)
	fake.respond = func(n int) (string, int, float64, error) {
		return fmt.Sprintf("sub-%d", n), 2, 0, nil
	}
	ctx := context.Background()

	if _, err := c.CreateSubscription(ctx, "stream.online",
		map[string]string{"broadcaster_user_id": "1"}, CreateOptions{}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := c.CreateSubscription(ctx, "stream.online",
		map[string]string{"broadcaster_user_id": "2"}, CreateOptions{})
	if rterr.KindOf(err) != rterr.KindLimitExceeded {
		t.Fatalf("err = %v, want limit_exceeded on cost", err)
	}
	if got := c.subs.TotalCost(); got != 2 {
		t.Fatalf("total cost = %d, want 2", got)
	}
}

func TestRateLimitedCreateRetriesAfterHint(t *testing.T) {
	t.Parallel()

	c, fake := newReadyConnector(t, nil, 0, 0)
	var times []time.Time
	var mu sync.Mutex
	fake.respond = func(n int) (string, int, float64, error) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		if n == 1 {
			return "", 0, 0.3, rterr.New(rterr.KindRateLimited, "429").WithRetryAfter(0.3)
		}
		return "sub-ok", 1, 0, nil
	}

	sub, err := c.CreateSubscription(context.Background(), "stream.online",
		map[string]string{"broadcaster_user_id": "100"}, CreateOptions{Critical: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.ID != "sub-ok" {
		t.Fatalf("id = %q", sub.ID)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(times) != 2 {
		t.Fatalf("attempts = %d, want 2", len(times))
	}
	if gap := times[1].Sub(times[0]); gap < 300*time.Millisecond {
		t.Fatalf("retry after %v, want >= 300ms per Retry-After hint", gap)
	}
	if c.subs.Count() != 1 {
		t.Fatal("subscription stored more than once")
	}
}

func TestNonCriticalCreateSingleAttempt(t *testing.T) {
	t.Parallel()

	c, fake := newReadyConnector(t, nil, 0, 0)
	fake.respond = func(int) (string, int, float64, error) {
		return "", 0, 0, rterr.New(rterr.KindNetwork, "down")
	}

	_, err := c.CreateSubscription(context.Background(), "stream.online",
		map[string]string{"broadcaster_user_id": "100"}, CreateOptions{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if fake.createCount() != 1 {
		t.Fatalf("attempts = %d, want 1 for non-critical", fake.createCount())
	}
}

func TestRemoteDuplicateAdoptedAsExisting(t *testing.T) {
	t.Parallel()

	c, fake := newReadyConnector(t, nil, 0, 0)
	fake.respond = func(int) (string, int, float64, error) {
		return "", 0, 0, rterr.New(rterr.KindDuplicate, "409")
	}

	sub, err := c.CreateSubscription(context.Background(), "stream.online",
		map[string]string{"broadcaster_user_id": "100"}, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub == nil || c.subs.Count() != 1 {
		t.Fatal("duplicate not adopted into registry")
	}
}

func TestCleanupDeletesAllWithTolerance(t *testing.T) {
	t.Parallel()

	c, fake := newReadyConnector(t, nil, 0, 0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		cond := map[string]string{"broadcaster_user_id": fmt.Sprintf("%d", i)}
		if _, err := c.CreateSubscription(ctx, "stream.online", cond, CreateOptions{}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	c.cleanupSubscriptions(ctx)

	fake.mu.Lock()
	deleted := len(fake.deletes)
	fake.mu.Unlock()
	if deleted != 5 {
		t.Fatalf("deletes = %d, want 5", deleted)
	}
	if c.subs.Count() != 0 {
		t.Fatalf("count after cleanup = %d, want 0", c.subs.Count())
	}
}

func TestConcurrentCreatesSameFingerprintInsertOnce(t *testing.T) {
	t.Parallel()

	c, _ := newReadyConnector(t, nil, 0, 0)
	ctx := context.Background()
	condition := map[string]string{"broadcaster_user_id": "100"}

	var wg sync.WaitGroup
	var errs atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.CreateSubscription(ctx, "stream.online", condition, CreateOptions{}); err != nil {
				errs.Add(1)
			}
		}()
	}
	wg.Wait()

	if errs.Load() != 0 {
		t.Fatalf("%d creates failed", errs.Load())
	}
	if c.subs.Count() != 1 {
		t.Fatalf("count = %d, want 1 under concurrency", c.subs.Count())
	}
}
