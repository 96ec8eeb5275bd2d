/*
Package avatar resolves user avatars against the bilibili profile API.

It fronts the API with an in-memory cache, an inter-fetch interval throttle,
and a backoff window after a suspected ban, so that a burst of chat messages
never turns into a burst of profile lookups. Resolution never fails: every
degraded path returns the default placeholder URL.
*/
package avatar

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"blivecast/internal/pkg/logx"
)

// DefaultAvatarURL is the placeholder returned whenever real resolution
// is unavailable or deferred.
const DefaultAvatarURL = "https://static.hdslb.com/images/member/noface.gif"

const (
	// defaultEndpoint is the bilibili profile lookup API.
	defaultEndpoint = "https://api.bilibili.com/x/space/acc/info"

	// thumbSuffix requests a 48x48 thumbnail rendition of the face image.
	thumbSuffix = "@48w_48h"

	// nofaceSuffix marks the upstream's own placeholder image, which must
	// not get the thumbnail suffix appended.
	nofaceSuffix = "noface.gif"
)

const (
	// DefaultFetchInterval is the minimum time between outbound profile fetches.
	DefaultFetchInterval = 200 * time.Millisecond

	// DefaultBanDuration is how long outbound fetches stay suppressed after a
	// rejected response. Upstream unban takes around 15 minutes; retrying
	// after 3 minutes probes without prolonging the ban.
	DefaultBanDuration = 3*time.Minute + 3*time.Second

	// DefaultCacheCapacity bounds the avatar URL cache.
	DefaultCacheCapacity = 50000

	// DefaultEvictBatch is how many entries are dropped when the cache
	// exceeds its capacity.
	DefaultEvictBatch = 100

	// DefaultQueueCapacity bounds the deferred fetch queue. Overflow is
	// dropped; the cache just stays cold for those users a while longer.
	DefaultQueueCapacity = 15

	// fetchTimeout bounds a single profile lookup request.
	fetchTimeout = 10 * time.Second
)

// Config holds the resolver's throttling and cache policy. Zero fields fall
// back to the package defaults.
type Config struct {
	Endpoint      string
	FetchInterval time.Duration
	BanDuration   time.Duration
	CacheCapacity int
	EvictBatch    int
	QueueCapacity int
}

// Resolver caches avatar URLs and shields the profile API from overload.
// All of its state is owned by the instance; nothing is package-global.
type Resolver struct {
	cfg        Config
	httpClient *http.Client

	// mu protects cache, lastFetch, and bannedUntil.
	mu          sync.Mutex
	cache       map[int64]string
	lastFetch   time.Time
	bannedUntil time.Time

	// pending holds user ids awaiting a deferred background fetch.
	pending chan int64

	done chan struct{}
	wg   sync.WaitGroup

	logger zerolog.Logger
}

// NewResolver constructs a Resolver and starts its deferred-fetch worker.
// The last-fetch timestamp starts at construction time, so the first burst
// after boot defers to the queue instead of fetching immediately.
func NewResolver(cfg Config) *Resolver {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = DefaultFetchInterval
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = DefaultBanDuration
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = DefaultCacheCapacity
	}
	if cfg.EvictBatch <= 0 {
		cfg.EvictBatch = DefaultEvictBatch
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}

	r := &Resolver{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: fetchTimeout},
		cache:      make(map[int64]string),
		lastFetch:  time.Now(),
		pending:    make(chan int64, cfg.QueueCapacity),
		done:       make(chan struct{}),
		logger:     logx.Logger().With().Str("component", "AvatarResolver").Logger(),
	}

	r.wg.Add(1)

	go r.fetchLoop()

	return r
}

// Resolve returns the avatar URL for the given user id. It never fails:
// cache misses that cannot fetch right now (throttled or banned) return
// DefaultAvatarURL, and throttled ids are queued for the background worker.
func (r *Resolver) Resolve(ctx context.Context, userID int64) string {
	r.mu.Lock()

	if url, ok := r.cache[userID]; ok {
		r.mu.Unlock()
		return url
	}

	now := time.Now()

	// Primary throttle: many chat messages can land inside one interval
	// window. Defer the lookup instead of hammering the profile API.
	if now.Sub(r.lastFetch) < r.cfg.FetchInterval {
		r.mu.Unlock()
		r.enqueue(userID)
		return DefaultAvatarURL
	}

	if now.Before(r.bannedUntil) {
		r.mu.Unlock()
		return DefaultAvatarURL
	}

	// Record the attempt before the request goes out so the interval check
	// stays accurate while the fetch is in flight.
	r.lastFetch = now
	r.mu.Unlock()

	return r.fetch(ctx, userID)
}

// Shutdown stops the deferred-fetch worker and waits for it to exit.
func (r *Resolver) Shutdown() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	r.wg.Wait()
}

// enqueue queues a user id for the background worker, dropping it if the
// queue is full.
func (r *Resolver) enqueue(userID int64) {
	select {
	case r.pending <- userID:
	default:
		r.logger.Debug().Int64("uid", userID).Msg("Deferred fetch queue full, dropping user id.")
	}
}

// fetch performs one outbound profile lookup and updates the cache.
func (r *Resolver) fetch(ctx context.Context, userID int64) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.Endpoint, nil)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to build avatar fetch request.")
		return DefaultAvatarURL
	}

	query := req.URL.Query()
	query.Set("mid", strconv.FormatInt(userID, 10))
	req.URL.RawQuery = query.Encode()

	res, err := r.httpClient.Do(req)
	if err != nil {
		// Connection-level failure degrades this call only.
		r.logger.Debug().Err(err).Int64("uid", userID).Msg("Avatar fetch transport error.")
		return DefaultAvatarURL
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		// A non-success status usually means the API started throttling us.
		r.logger.Warn().
			Int("status", res.StatusCode).
			Int64("uid", userID).
			Dur("backoff", r.cfg.BanDuration).
			Msg("Avatar fetch rejected, suspending outbound fetches.")

		r.mu.Lock()
		r.bannedUntil = time.Now().Add(r.cfg.BanDuration)
		r.mu.Unlock()

		return DefaultAvatarURL
	}

	var body struct {
		Data struct {
			Face string `json:"face"`
		} `json:"data"`
	}

	if err := json.NewDecoder(res.Body).Decode(&body); err != nil || body.Data.Face == "" {
		r.logger.Warn().Err(err).Int64("uid", userID).Msg("Avatar fetch returned malformed response.")
		return DefaultAvatarURL
	}

	url := body.Data.Face
	if !strings.HasSuffix(url, nofaceSuffix) {
		url += thumbSuffix
	}

	r.mu.Lock()
	r.cache[userID] = url
	if len(r.cache) > r.cfg.CacheCapacity {
		r.evictLocked(userID)
	}
	r.mu.Unlock()

	return url
}

// evictLocked removes an arbitrary batch of cache entries to restore the
// capacity bound, sparing the entry that was just inserted. Callers must
// hold mu.
func (r *Resolver) evictLocked(keep int64) {
	evicted := 0
	for key := range r.cache {
		if evicted >= r.cfg.EvictBatch {
			break
		}
		if key == keep {
			continue
		}
		delete(r.cache, key)
		evicted++
	}
}

// fetchLoop drains the deferred fetch queue. It is the only consumer of the
// queue and the sole path by which queued-but-throttled lookups eventually
// populate the cache.
func (r *Resolver) fetchLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done:
			return

		case userID := <-r.pending:
			r.mu.Lock()
			_, cached := r.cache[userID]
			last := r.lastFetch
			r.mu.Unlock()

			// Already resolved by a racing live event.
			if cached {
				continue
			}

			if wait := r.cfg.FetchInterval - time.Since(last); wait > 0 {
				select {
				case <-r.done:
					return
				case <-time.After(wait):
				}
			}

			// Do not wait for the result; the next queued id gets its own
			// interval slot.
			go r.resolveDeferred(userID)
		}
	}
}

func (r *Resolver) resolveDeferred(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	r.Resolve(ctx, userID)
}
