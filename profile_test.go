package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leighmacdonald/steamid/v3/steamid"
	"github.com/leighmacdonald/steamweb/v2"
	"github.com/stretchr/testify/require"
)

type fakeDataSource struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (f *fakeDataSource) Summaries(_ context.Context, steamIDs steamid.Collection) ([]steamweb.PlayerSummary, error) {
	f.calls.Add(1)

	if f.fail.Load() {
		return nil, errors.New("steam api unavailable")
	}

	summaries := make([]steamweb.PlayerSummary, len(steamIDs))
	for index, sid64 := range steamIDs {
		summaries[index] = steamweb.PlayerSummary{SteamID: sid64, PersonaName: "persona"}
	}

	return summaries, nil
}

func (f *fakeDataSource) Bans(_ context.Context, steamIDs steamid.Collection) ([]steamweb.PlayerBanState, error) {
	if f.fail.Load() {
		return nil, errors.New("steam api unavailable")
	}

	bans := make([]steamweb.PlayerBanState, len(steamIDs))
	for index, sid64 := range steamIDs {
		bans[index] = steamweb.PlayerBanState{SteamID: sid64, CommunityBanned: true}
	}

	return bans, nil
}

func (f *fakeDataSource) Sourcebans(_ context.Context, steamIDs steamid.Collection) (SourcebansMap, error) {
	if f.fail.Load() {
		return nil, errors.New("steam api unavailable")
	}

	records := SourcebansMap{}
	for _, sid64 := range steamIDs {
		records[sid64] = []SourceBanRecord{{SiteName: "skial", SteamID: sid64, Reason: "aimbot", Permanent: true}}
	}

	return records, nil
}

func fetcherSettings() userSettings {
	settings := defaultSettings()
	settings.LookupCacheTTL = 3600
	settings.LookupBackoffMin = 10
	settings.LookupBackoffMax = 300
	settings.LookupWorkers = 1

	return settings
}

func TestFetcherNilSource(t *testing.T) {
	t.Parallel()

	fetcher := newProfileFetcher(nil, fetcherSettings())
	require.False(t, fetcher.request(steamid.RandSID64(), time.Now()))
}

func TestFetcherInflightDedup(t *testing.T) {
	t.Parallel()

	var (
		source  = &fakeDataSource{}
		fetcher = newProfileFetcher(source, fetcherSettings())
		sid64   = steamid.RandSID64()
		now     = time.Now()
	)

	require.True(t, fetcher.request(sid64, now))
	require.False(t, fetcher.request(sid64, now))
}

func TestFetcherFetchAndCache(t *testing.T) {
	t.Parallel()

	var (
		source  = &fakeDataSource{}
		fetcher = newProfileFetcher(source, fetcherSettings())
		sid64   = steamid.RandSID64()
		now     = time.Now()
	)

	result := fetcher.fetch(context.Background(), sid64)
	require.NoError(t, result.err)
	require.Equal(t, sid64, result.steamID)
	require.Equal(t, "persona", result.summary.PersonaName)
	require.True(t, result.bans.CommunityBanned)
	require.Len(t, result.sourcebans, 1)
	require.Equal(t, "skial", result.sourcebans[0].SiteName)
	require.Equal(t, int64(1), source.calls.Load())

	// A fresh cached result is re-delivered without queueing a new lookup.
	require.False(t, fetcher.request(sid64, now))

	select {
	case cached := <-fetcher.resultChan():
		require.Equal(t, sid64, cached.steamID)
		require.Equal(t, "persona", cached.summary.PersonaName)
	default:
		t.Fatal("expected cached result to be re-delivered")
	}

	require.Equal(t, int64(1), source.calls.Load())

	// Once the cache entry expires the id is queued again.
	require.True(t, fetcher.request(sid64, now.Add(time.Hour+time.Second)))
}

func TestFetcherInvalidate(t *testing.T) {
	t.Parallel()

	var (
		source  = &fakeDataSource{}
		fetcher = newProfileFetcher(source, fetcherSettings())
		sid64   = steamid.RandSID64()
		now     = time.Now()
	)

	fetcher.fetch(context.Background(), sid64)
	require.False(t, fetcher.request(sid64, now))
	<-fetcher.resultChan()

	fetcher.invalidate(sid64)
	require.True(t, fetcher.request(sid64, now))
}

func TestFetcherFailureBackoff(t *testing.T) {
	t.Parallel()

	var (
		source  = &fakeDataSource{}
		fetcher = newProfileFetcher(source, fetcherSettings())
		sid64   = steamid.RandSID64()
	)

	source.fail.Store(true)

	result := fetcher.fetch(context.Background(), sid64)
	require.ErrorIs(t, result.err, errLookupFailed)

	// Inside the backoff window requests are refused.
	require.False(t, fetcher.request(sid64, result.fetchedOn.Add(time.Second*5)))

	// Past the initial backoff the id becomes requestable again.
	require.True(t, fetcher.request(sid64, result.fetchedOn.Add(time.Second*11)))
}

func TestFetcherBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	var (
		fetcher = newProfileFetcher(&fakeDataSource{}, fetcherSettings())
		sid64   = steamid.RandSID64()
		now     = time.Now()
	)

	expected := []time.Duration{
		time.Second * 10,
		time.Second * 20,
		time.Second * 40,
		time.Second * 80,
		time.Second * 160,
		time.Second * 300,
		time.Second * 300,
	}

	for _, delay := range expected {
		fetcher.recordFailure(sid64, now)
		require.Equal(t, now.Add(delay), fetcher.failures[sid64].until)
	}
}

func TestFetcherSuccessClearsFailures(t *testing.T) {
	t.Parallel()

	var (
		source  = &fakeDataSource{}
		fetcher = newProfileFetcher(source, fetcherSettings())
		sid64   = steamid.RandSID64()
	)

	source.fail.Store(true)
	fetcher.fetch(context.Background(), sid64)

	source.fail.Store(false)
	result := fetcher.fetch(context.Background(), sid64)
	require.NoError(t, result.err)

	_, found := fetcher.failures[sid64]
	require.False(t, found)
}
