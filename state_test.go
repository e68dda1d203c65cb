package main

import (
	"testing"
	"time"

	"github.com/leighmacdonald/steamid/v3/steamid"
	"github.com/stretchr/testify/require"
)

func testEntry(sid64 steamid.SID64, name string, userID int) rosterEntry {
	return rosterEntry{steamID: sid64, name: name, userID: userID, team: Red, alive: true, health: 100}
}

func TestMergeNewAndRenamedPlayers(t *testing.T) {
	t.Parallel()

	var (
		state = newPlayerStates()
		now   = time.Now()
		sidA  = steamid.RandSID64()
		sidB  = steamid.RandSID64()
	)

	changed := state.merge([]rosterEntry{testEntry(sidA, "alpha", 1), testEntry(sidB, "beta", 2)}, now)
	require.Equal(t, steamid.Collection{sidA, sidB}, changed)

	// Unchanged roster produces no work.
	changed = state.merge([]rosterEntry{testEntry(sidA, "alpha", 1), testEntry(sidB, "beta", 2)}, now.Add(time.Second))
	require.Empty(t, changed)

	// A rename requeues only the renamed player.
	changed = state.merge([]rosterEntry{testEntry(sidA, "alpha2", 1), testEntry(sidB, "beta", 2)}, now.Add(time.Second*2))
	require.Equal(t, steamid.Collection{sidA}, changed)

	player, errPlayer := state.bySteamID(sidA)
	require.NoError(t, errPlayer)
	require.Equal(t, "alpha2", player.Name)
}

func TestEvictStaleGraceWindow(t *testing.T) {
	t.Parallel()

	var (
		state      = newPlayerStates()
		now        = time.Now()
		sid64      = steamid.RandSID64()
		disconnect = time.Second * 20
		expiry     = time.Minute
	)

	state.merge([]rosterEntry{testEntry(sid64, "alpha", 1)}, now)
	state.setVerdict(sid64, Verdict{Kind: VerdictSuspectedBot, Source: SourceLocalRule, EvaluatedOn: now})

	// Within the grace window nothing is evicted, the player is only flagged.
	require.Empty(t, state.evictStale(now.Add(time.Second*30), disconnect, expiry))

	player, errPlayer := state.bySteamID(sid64)
	require.NoError(t, errPlayer)
	require.False(t, player.InServer)
	require.Equal(t, VerdictSuspectedBot, player.Verdict.Kind)

	// Rejoining within the window keeps the verdict.
	state.merge([]rosterEntry{testEntry(sid64, "alpha", 3)}, now.Add(time.Second*40))
	player, errPlayer = state.bySteamID(sid64)
	require.NoError(t, errPlayer)
	require.True(t, player.InServer)
	require.Equal(t, VerdictSuspectedBot, player.Verdict.Kind)

	// Past the expiry window the record is removed for good.
	evicted := state.evictStale(now.Add(time.Second*40).Add(expiry).Add(time.Second), disconnect, expiry)
	require.Equal(t, steamid.Collection{sid64}, evicted)
	require.False(t, state.contains(sid64))
}

func TestSlotReuseDoesNotLeakState(t *testing.T) {
	t.Parallel()

	var (
		state = newPlayerStates()
		now   = time.Now()
		sidA  = steamid.RandSID64()
		sidB  = steamid.RandSID64()
	)

	state.merge([]rosterEntry{testEntry(sidA, "leaver", 5)}, now)
	state.setVerdict(sidA, Verdict{Kind: VerdictConfirmedCheater, Source: SourceLocalRule, EvaluatedOn: now})

	// A different account takes over slot 5.
	changed := state.merge([]rosterEntry{testEntry(sidB, "newcomer", 5)}, now.Add(time.Second*10))
	require.Equal(t, steamid.Collection{sidB}, changed)

	newcomer, errPlayer := state.bySteamID(sidB)
	require.NoError(t, errPlayer)
	require.Equal(t, VerdictUnknown, newcomer.Verdict.Kind)
	require.Zero(t, newcomer.KickAttemptCount)

	// The old record still belongs to the old steamid until it expires.
	leaver, errLeaver := state.bySteamID(sidA)
	require.NoError(t, errLeaver)
	require.Equal(t, VerdictConfirmedCheater, leaver.Verdict.Kind)
}

func TestAddMessageBounded(t *testing.T) {
	t.Parallel()

	var (
		state = newPlayerStates()
		now   = time.Now()
		sid64 = steamid.RandSID64()
	)

	state.merge([]rosterEntry{testEntry(sid64, "chatty", 1)}, now)

	for i := 0; i < maxRecentMessages+5; i++ {
		_, found := state.addMessage("chatty", chatMessage{Message: "spam", CreatedOn: now})
		require.True(t, found)
	}

	player, errPlayer := state.bySteamID(sid64)
	require.NoError(t, errPlayer)
	require.Len(t, player.Messages, maxRecentMessages)

	_, found := state.addMessage("nobody", chatMessage{Message: "hello", CreatedOn: now})
	require.False(t, found)
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	var (
		state = newPlayerStates()
		now   = time.Now()
		sid64 = steamid.RandSID64()
	)

	state.merge([]rosterEntry{testEntry(sid64, "alpha", 1)}, now)

	players := state.all()
	require.Len(t, players, 1)

	players[0].Name = "mutated"

	player, errPlayer := state.bySteamID(sid64)
	require.NoError(t, errPlayer)
	require.Equal(t, "alpha", player.Name)
}
