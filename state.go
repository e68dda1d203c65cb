package main

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/leighmacdonald/steamid/v3/steamid"
)

var errPlayerNotFound = errors.New("player not found")

type serverInfo struct {
	Name      string
	Map       string
	Tags      []string
	Address   string
	UpdatedOn time.Time
}

// playerStates is the authoritative roster. All access goes through the lock,
// readers only ever get copies. Players are keyed by steamid, the in-game slot
// id is transient and reused by the server.
type playerStates struct {
	mu      sync.RWMutex
	players map[steamid.SID64]*Player
	server  serverInfo
}

func newPlayerStates() *playerStates {
	return &playerStates{players: map[steamid.SID64]*Player{}}
}

// merge applies a fresh roster dump, returning the steamids that need
// (re-)evaluation: newcomers and players whose name changed. A player whose
// slot is taken over by a different steamid keeps their own record; the stale
// record simply stops being refreshed and ages out.
func (state *playerStates) merge(entries []rosterEntry, now time.Time) steamid.Collection {
	state.mu.Lock()
	defer state.mu.Unlock()

	var changed steamid.Collection

	for _, entry := range entries {
		existing, found := state.players[entry.steamID]
		if !found {
			player := newPlayer(entry.steamID, entry.name, now)
			applyEntry(&player, entry, now)
			state.players[entry.steamID] = &player
			changed = append(changed, entry.steamID)

			continue
		}

		if existing.Name != entry.name && entry.name != "" {
			changed = append(changed, entry.steamID)
		}

		applyEntry(existing, entry, now)
	}

	return changed
}

func applyEntry(player *Player, entry rosterEntry, now time.Time) {
	if entry.name != "" {
		player.Name = entry.name
	}

	player.UserID = entry.userID
	player.Ping = entry.ping
	player.Score = entry.score
	player.Deaths = entry.deaths
	player.Team = entry.team
	player.Alive = entry.alive
	player.Health = entry.health

	if entry.connected > 0 {
		player.Connected = entry.connected
	}

	player.Loss = entry.loss
	player.InServer = true
	player.UpdatedOn = now
}

// evictStale flags players missing beyond the disconnect grace window and
// removes those missing beyond the expiry window, returning the removed ids.
// Verdicts survive the grace window so a brief reconnect keeps its history.
func (state *playerStates) evictStale(now time.Time, disconnect time.Duration, expiry time.Duration) steamid.Collection {
	state.mu.Lock()
	defer state.mu.Unlock()

	var evicted steamid.Collection

	for sid, player := range state.players {
		if player.isExpired(now, expiry) {
			delete(state.players, sid)
			evicted = append(evicted, sid)

			continue
		}

		if player.isDisconnected(now, disconnect) {
			player.InServer = false
		}
	}

	return evicted
}

func (state *playerStates) bySteamID(sid64 steamid.SID64) (Player, error) {
	state.mu.RLock()
	defer state.mu.RUnlock()

	player, found := state.players[sid64]
	if !found {
		return Player{}, errPlayerNotFound
	}

	return player.clone(), nil
}

// update writes back a modified player copy. Unknown ids are ignored, the
// player may have been evicted while the copy was being worked on.
func (state *playerStates) update(player Player) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if _, found := state.players[player.SteamID]; !found {
		return
	}

	clone := player.clone()
	state.players[player.SteamID] = &clone
}

func (state *playerStates) setVerdict(sid64 steamid.SID64, verdict Verdict) {
	state.mu.Lock()
	defer state.mu.Unlock()

	player, found := state.players[sid64]
	if !found {
		return
	}

	player.Verdict = verdict
}

// addMessage appends a chat message to the named player's recent history,
// keeping only the newest maxRecentMessages. Returns false when no roster
// member currently uses that name.
func (state *playerStates) addMessage(name string, msg chatMessage) (steamid.SID64, bool) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for sid, player := range state.players {
		if player.Name != name {
			continue
		}

		player.Messages = append(player.Messages, msg)
		if len(player.Messages) > maxRecentMessages {
			player.Messages = player.Messages[len(player.Messages)-maxRecentMessages:]
		}

		return sid, true
	}

	var none steamid.SID64

	return none, false
}

func (state *playerStates) updateServer(update func(*serverInfo)) {
	state.mu.Lock()
	defer state.mu.Unlock()

	update(&state.server)
}

func (state *playerStates) serverSnapshot() serverInfo {
	state.mu.RLock()
	defer state.mu.RUnlock()

	info := state.server
	info.Tags = append([]string(nil), state.server.Tags...)

	return info
}

// all returns copies of every tracked player, ordered by steamid for stable
// output.
func (state *playerStates) all() []Player {
	state.mu.RLock()
	defer state.mu.RUnlock()

	players := make([]Player, 0, len(state.players))
	for _, player := range state.players {
		players = append(players, player.clone())
	}

	sort.Slice(players, func(i, j int) bool {
		return players[i].SteamID.Int64() < players[j].SteamID.Int64()
	})

	return players
}

func (state *playerStates) contains(sid64 steamid.SID64) bool {
	state.mu.RLock()
	defer state.mu.RUnlock()

	_, found := state.players[sid64]

	return found
}
