// Package rainwave implements the Rainwave poller: a periodic
// form-encoded POST to the /info endpoint, change detection over
// {song, listening, station}, and health counters updated on every call.
package rainwave

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryanveloso/landale-bridge/internal/host"
	"github.com/bryanveloso/landale-bridge/internal/httpclient"
	"github.com/bryanveloso/landale-bridge/internal/retry"
	"github.com/bryanveloso/landale-bridge/internal/rterr"
	"github.com/bryanveloso/landale-bridge/internal/ticker"
)

// Topic is where state changes are published.
const Topic = "rainwave:update"

// Station identifiers.
const (
	StationGame      = 1
	StationOCRemix   = 2
	StationCovers    = 3
	StationChiptunes = 4
	StationAll       = 5
)

const defaultPollInterval = 10 * time.Second

// Config configures the poller.
type Config struct {
	Enabled      bool
	APIKey       string
	UserID       string
	StationID    int
	PollInterval time.Duration
}

// Update is the envelope published on every observed change.
type Update struct {
	Station       string    `json:"station"`
	Song          Song      `json:"song"`
	Listening     bool      `json:"listening"`
	CorrelationID string    `json:"correlation_id"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Song is the current schedule's first song.
type Song struct {
	Title  string `json:"title"`
	Album  string `json:"album"`
	Artist string `json:"artist"`
}

// Poller is the Rainwave connector.
type Poller struct {
	cfg      Config
	http     *httpclient.Client
	breakers *retry.Registry
	log      *slog.Logger

	host *host.Host

	mu        sync.Mutex
	last      Update
	hasUpdate bool
}

// New creates a Poller. http must be bound to the Rainwave API base.
func New(cfg Config, http *httpclient.Client, breakers *retry.Registry, log *slog.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StationID <= 0 {
		cfg.StationID = StationGame
	}
	return &Poller{
		cfg:      cfg,
		http:     http,
		breakers: breakers,
		log:      log.With("connector", "rainwave"),
	}
}

// Credentialed reports whether the poller has what it needs to call the
// API.
func (p *Poller) Credentialed() bool {
	return p.cfg.APIKey != "" && p.cfg.UserID != ""
}

// Run is the poller's owning loop. The poll itself runs on this
// goroutine (it is short and keeps the owner responsive between ticks).
func (p *Poller) Run(ctx context.Context, h *host.Host) {
	p.host = h

	if !p.cfg.Enabled || !p.Credentialed() {
		h.SetState(host.StateDisconnected)
		h.RecordError(rterr.New(rterr.KindConfigInvalid, "rainwave disabled or uncredentialed"))
		p.log.Info("poller idle", "enabled", p.cfg.Enabled, "credentialed", p.Credentialed())
		<-ctx.Done()
		return
	}

	interval, err := ticker.NewInterval(p.cfg.PollInterval)
	if err != nil {
		h.RecordError(rterr.Wrap(rterr.KindConfigInvalid, "poll interval", err))
		return
	}

	h.SetSessionID(fmt.Sprintf("sid-%d", p.cfg.StationID))
	h.SetState(host.StateReady)
	p.poll(ctx)

	tick := make(chan struct{}, 1)
	interval.Start(ctx, func() {
		select {
		case tick <- struct{}{}:
		default:
		}
	})
	defer interval.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			p.poll(ctx)
		}
	}
}

// infoResponse is the subset of /info this poller reads. The user id
// arrives as a string or an integer depending on endpoint version, so
// it is captured raw.
type infoResponse struct {
	User struct {
		ID json.RawMessage `json:"id"`
	} `json:"user"`
	StationName  string `json:"station_name"`
	SchedCurrent struct {
		Songs []struct {
			Title  string `json:"title"`
			Albums []struct {
				Name string `json:"name"`
			} `json:"albums"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
		} `json:"songs"`
	} `json:"sched_current"`
}

func (p *Poller) poll(ctx context.Context) {
	breaker := p.breakers.For("rainwave.info")
	if _, _, err := breaker.Allow(); err != nil {
		p.host.RecordError(err)
		return
	}

	form := url.Values{
		"sid":     {strconv.Itoa(p.cfg.StationID)},
		"key":     {p.cfg.APIKey},
		"user_id": {p.cfg.UserID},
	}
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.PollInterval)
	resp, err := p.http.PostForm(callCtx, "/info", form, nil)
	cancel()
	if err != nil {
		breaker.RecordFailure()
		p.host.RecordError(rterr.Wrap(rterr.KindNetwork, "info poll", err))
		return
	}
	if resp.StatusCode != 200 {
		breaker.RecordFailure()
		p.host.RecordError(rterr.New(rterr.KindProtocol, fmt.Sprintf("info status %d", resp.StatusCode)))
		return
	}

	var info infoResponse
	if err := resp.DecodeJSON(&info); err != nil {
		breaker.RecordFailure()
		p.host.RecordError(rterr.Wrap(rterr.KindProtocol, "decode info", err))
		return
	}
	breaker.RecordSuccess()
	p.host.RecordSuccess()

	update := Update{
		Station:   info.StationName,
		Listening: idMatches(info.User.ID, p.cfg.UserID),
	}
	if songs := info.SchedCurrent.Songs; len(songs) > 0 {
		update.Song.Title = songs[0].Title
		if len(songs[0].Albums) > 0 {
			update.Song.Album = songs[0].Albums[0].Name
		}
		if len(songs[0].Artists) > 0 {
			update.Song.Artist = songs[0].Artists[0].Name
		}
	}

	p.mu.Lock()
	changed := !p.hasUpdate ||
		p.last.Song != update.Song ||
		p.last.Listening != update.Listening ||
		p.last.Station != update.Station
	p.last = update
	p.hasUpdate = true
	p.mu.Unlock()

	if changed {
		update.CorrelationID = uuid.NewString()
		update.ReceivedAt = time.Now().UTC()
		p.host.Bus().Publish(Topic, update)
		p.log.Debug("update published",
			"station", update.Station, "song", update.Song.Title,
			"listening", update.Listening, "corr_id", update.CorrelationID)
	}
}

// idMatches compares the response's user id, which may be a JSON string
// or integer, against the configured id.
func idMatches(raw json.RawMessage, configured string) bool {
	if len(raw) == 0 || configured == "" {
		return false
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString == configured
	}
	var asInt int64
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return strconv.FormatInt(asInt, 10) == configured
	}
	return false
}

// Last returns the most recent observed state, for status queries.
func (p *Poller) Last() (Update, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasUpdate
}

// Terminate has nothing beyond the ticker, which Run's defer stops.
func (p *Poller) Terminate(error) {}
