package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/leighmacdonald/steamid/v3/steamid"
	"github.com/leighmacdonald/steamweb/v2"
	"golang.org/x/sync/errgroup"
)

var errLookupFailed = errors.New("reputation lookup failed")

const lookupQueueSize = 256

type lookupResult struct {
	steamID    steamid.SID64
	summary    steamweb.PlayerSummary
	bans       steamweb.PlayerBanState
	sourcebans []SourceBanRecord
	fetchedOn  time.Time
	err        error
}

type lookupFailure struct {
	count int
	until time.Time
}

// profileFetcher performs reputation lookups off the poll loop. At most one
// lookup per steam id is in flight, successes are cached for the configured
// TTL and failures back off exponentially per id. Results are handed back on
// a buffered channel the poll loop drains.
type profileFetcher struct {
	source     DataSource
	cacheTTL   time.Duration
	backoffMin time.Duration
	backoffMax time.Duration
	workers    int

	queue   chan steamid.SID64
	results chan lookupResult

	mu       sync.Mutex
	cache    map[steamid.SID64]lookupResult
	inflight map[steamid.SID64]bool
	failures map[steamid.SID64]lookupFailure
}

func newProfileFetcher(source DataSource, settings userSettings) *profileFetcher {
	workers := settings.LookupWorkers
	if workers <= 0 {
		workers = 1
	}

	return &profileFetcher{
		source:     source,
		cacheTTL:   time.Second * time.Duration(settings.LookupCacheTTL),
		backoffMin: time.Second * time.Duration(settings.LookupBackoffMin),
		backoffMax: time.Second * time.Duration(settings.LookupBackoffMax),
		workers:    workers,
		queue:      make(chan steamid.SID64, lookupQueueSize),
		results:    make(chan lookupResult, lookupQueueSize),
		cache:      map[steamid.SID64]lookupResult{},
		inflight:   map[steamid.SID64]bool{},
		failures:   map[steamid.SID64]lookupFailure{},
	}
}

func (f *profileFetcher) start(ctx context.Context) error {
	grp, grpCtx := errgroup.WithContext(ctx)

	for workerNum := 0; workerNum < f.workers; workerNum++ {
		grp.Go(func() error {
			f.worker(grpCtx)

			return nil
		})
	}

	return grp.Wait()
}

// request queues a lookup unless one is already in flight, a fresh cached
// result exists, or the id is inside its failure backoff window. A cached
// result is re-delivered immediately so the caller still gets an evaluation.
func (f *profileFetcher) request(sid64 steamid.SID64, now time.Time) bool {
	if f.source == nil {
		return false
	}

	f.mu.Lock()

	if f.inflight[sid64] {
		f.mu.Unlock()

		return false
	}

	if cached, found := f.cache[sid64]; found && now.Sub(cached.fetchedOn) < f.cacheTTL {
		f.mu.Unlock()
		f.deliver(cached)

		return false
	}

	if failure, found := f.failures[sid64]; found && now.Before(failure.until) {
		f.mu.Unlock()

		return false
	}

	f.inflight[sid64] = true
	f.mu.Unlock()

	select {
	case f.queue <- sid64:
		return true
	default:
		f.mu.Lock()
		delete(f.inflight, sid64)
		f.mu.Unlock()

		slog.Warn("Lookup queue full, dropping request", sidAttr(sid64))

		return false
	}
}

// invalidate drops the cached result and failure state so the next request
// always hits the data source.
func (f *profileFetcher) invalidate(sid64 steamid.SID64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.cache, sid64)
	delete(f.failures, sid64)
}

func (f *profileFetcher) resultChan() <-chan lookupResult {
	return f.results
}

func (f *profileFetcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sid64 := <-f.queue:
			f.deliver(f.fetch(ctx, sid64))
		}
	}
}

func (f *profileFetcher) fetch(ctx context.Context, sid64 steamid.SID64) lookupResult {
	defer func() {
		f.mu.Lock()
		delete(f.inflight, sid64)
		f.mu.Unlock()
	}()

	result := lookupResult{steamID: sid64, fetchedOn: time.Now()}
	ids := steamid.Collection{sid64}

	summaries, errSummaries := f.source.Summaries(ctx, ids)
	if errSummaries != nil {
		result.err = errors.Join(errSummaries, errLookupFailed)
		f.recordFailure(sid64, result.fetchedOn)

		return result
	}

	bans, errBans := f.source.Bans(ctx, ids)
	if errBans != nil {
		result.err = errors.Join(errBans, errLookupFailed)
		f.recordFailure(sid64, result.fetchedOn)

		return result
	}

	// Sourcebans entries are informational, a failure here must not void the
	// summary and ban data already fetched.
	sourcebans, errSourcebans := f.source.Sourcebans(ctx, ids)
	if errSourcebans != nil {
		slog.Warn("Failed to fetch sourcebans", errAttr(errSourcebans), sidAttr(sid64))
	} else {
		result.sourcebans = sourcebans[sid64]
	}

	for _, summary := range summaries {
		if summary.SteamID == sid64 {
			result.summary = summary
		}
	}

	for _, ban := range bans {
		if ban.SteamID == sid64 {
			result.bans = ban
		}
	}

	f.mu.Lock()
	f.cache[sid64] = result
	delete(f.failures, sid64)
	f.mu.Unlock()

	return result
}

func (f *profileFetcher) recordFailure(sid64 steamid.SID64, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	failure := f.failures[sid64]
	failure.count++

	delay := f.backoffMin
	for i := 1; i < failure.count; i++ {
		delay *= 2
		if delay >= f.backoffMax {
			delay = f.backoffMax

			break
		}
	}

	failure.until = now.Add(delay)
	f.failures[sid64] = failure
}

func (f *profileFetcher) deliver(result lookupResult) {
	select {
	case f.results <- result:
	default:
		slog.Warn("Lookup result channel full, dropping result", sidAttr(result.steamID))
	}
}
