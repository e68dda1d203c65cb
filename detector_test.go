package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leighmacdonald/steamid/v3/steamid"
	"github.com/leighmacdonald/steamweb/v2"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu           sync.Mutex
	alive        bool
	connectErr   error
	connectCalls int
	responses    map[string]string
	execErrs     map[string]error
	commands     []string
}

func (f *fakeSession) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connectCalls++

	if f.connectErr != nil {
		return f.connectErr
	}

	f.alive = true

	return nil
}

func (f *fakeSession) Exec(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, cmd)

	if err, found := f.execErrs[cmd]; found {
		return "", err
	}

	if resp, found := f.responses[cmd]; found {
		return resp, nil
	}

	if strings.HasPrefix(cmd, "callvote") {
		return "vote called", nil
	}

	return "", nil
}

func (f *fakeSession) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.alive
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.alive = false

	return nil
}

func (f *fakeSession) issued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.commands))
	copy(out, f.commands)

	return out
}

const statusFixture = "hostname: Uncletopia | Seattle | 1 | All Maps\n" +
	"udp/ip  : 74.91.117.2:27015\n" +
	"map     : pl_badwater at: 0 x, 0 y, 0 z\n" +
	"tags    : nocrits,payload\n" +
	"# userid name                uniqueid            connected ping loss state\n" +
	"#    672 \"AndreaJingling\" [U:1:238393055] 42:57      62    0 active\n" +
	"#    673 \"Bot007\" [U:1:238393056] 0:05       5    0 spawning\n"

func detectorSettings() userSettings {
	settings := defaultSettings()
	settings.KickerEnabled = true
	settings.KickBots = true

	return settings
}

func newTestDetector(t *testing.T, session *fakeSession) *Detector {
	t.Helper()

	return newDetector(detectorSettings(), session, nil, nil)
}

func TestCycleBuildsSnapshot(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		alive: true,
		responses: map[string]string{
			"status":         statusFixture,
			"g15_dumpplayer": g15Fixture,
		},
	}

	detector := newTestDetector(t, session)
	detector.cycle(context.Background(), time.Now())

	snapshot := detector.Snapshot()
	require.False(t, snapshot.Stale)
	require.Equal(t, "Uncletopia | Seattle | 1 | All Maps", snapshot.Server.Name)
	require.Equal(t, "pl_badwater", snapshot.Server.Map)
	require.Equal(t, "74.91.117.2:27015", snapshot.Server.Address)
	require.Len(t, snapshot.Players, 2)

	for _, player := range snapshot.Players {
		require.True(t, player.InServer)
	}

	// Connect duration and loss only exist in the status table and are merged
	// onto the g15 roster.
	require.Equal(t, time.Minute*42+time.Second*57, snapshot.Players[0].Connected)
	require.Equal(t, time.Second*5, snapshot.Players[1].Connected)
	require.Zero(t, snapshot.Players[0].Loss)
}

func TestCycleFallsBackOnStatusRoster(t *testing.T) {
	t.Parallel()

	// g15 blocked, the dump comes back empty.
	session := &fakeSession{
		alive:     true,
		responses: map[string]string{"status": statusFixture},
	}

	detector := newTestDetector(t, session)
	detector.cycle(context.Background(), time.Now())

	snapshot := detector.Snapshot()
	require.Len(t, snapshot.Players, 2)
	require.Equal(t, "AndreaJingling", snapshot.Players[0].Name)
	require.Equal(t, 672, snapshot.Players[0].UserID)
	require.Equal(t, time.Minute*42+time.Second*57, snapshot.Players[0].Connected)
}

func TestCycleKicksMatchedBot(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		alive: true,
		responses: map[string]string{
			"status":         statusFixture,
			"g15_dumpplayer": g15Fixture,
		},
	}

	detector := newTestDetector(t, session)

	_, errImport := detector.engine.ImportRegexes("regex_list", []string{"bot"}, []string{`^Bot\d+$`})
	require.NoError(t, errImport)

	detector.cycle(context.Background(), time.Now())

	require.Contains(t, session.issued(), `callvote kick "673 cheating"`)

	bot, errBot := detector.state.bySteamID(steamid.New(76561198198658784))
	require.NoError(t, errBot)
	require.Equal(t, VerdictSuspectedBot, bot.Verdict.Kind)
	require.Equal(t, 1, bot.KickAttemptCount)

	// The clean player is untouched.
	clean, errClean := detector.state.bySteamID(steamid.New(76561198198658783))
	require.NoError(t, errClean)
	require.Equal(t, VerdictUnknown, clean.Verdict.Kind)
	require.Zero(t, clean.KickAttemptCount)
}

func TestCycleExecFailureMarksStale(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		alive: true,
		responses: map[string]string{
			"status":         statusFixture,
			"g15_dumpplayer": g15Fixture,
		},
	}

	detector := newTestDetector(t, session)
	detector.cycle(context.Background(), time.Now())
	require.False(t, detector.Snapshot().Stale)

	session.mu.Lock()
	session.execErrs = map[string]error{"status": errors.New("read: connection reset")}
	session.mu.Unlock()

	detector.cycle(context.Background(), time.Now())

	// The last successful roster remains visible, just marked stale.
	snapshot := detector.Snapshot()
	require.True(t, snapshot.Stale)
	require.Len(t, snapshot.Players, 2)
}

func TestApplyLookupUpgradesVerdict(t *testing.T) {
	t.Parallel()

	var (
		detector = newTestDetector(t, &fakeSession{alive: true})
		sid64    = steamid.RandSID64()
		now      = time.Now()
	)

	detector.state.merge([]rosterEntry{testEntry(sid64, "banned guy", 1)}, now)

	detector.applyLookup(context.Background(), lookupResult{
		steamID:   sid64,
		summary:   steamweb.PlayerSummary{SteamID: sid64, PersonaName: "banned guy"},
		bans:      steamweb.PlayerBanState{SteamID: sid64, NumberOfVACBans: 2, DaysSinceLastBan: 30},
		fetchedOn: now,
	}, now)

	player, errPlayer := detector.state.bySteamID(sid64)
	require.NoError(t, errPlayer)
	require.Equal(t, VerdictConfirmedCheater, player.Verdict.Kind)
	require.Equal(t, SourceLookup, player.Verdict.Source)
	require.Equal(t, int64(2), player.VacBans)
}

func TestApplyLookupCleanNeverClearsRuleMatch(t *testing.T) {
	t.Parallel()

	var (
		detector = newTestDetector(t, &fakeSession{alive: true})
		sid64    = steamid.RandSID64()
		now      = time.Now()
	)

	detector.state.merge([]rosterEntry{testEntry(sid64, "namestealer", 1)}, now)
	detector.state.setVerdict(sid64, Verdict{Kind: VerdictSuspectedBot, Source: SourceLocalRule, EvaluatedOn: now})

	detector.applyLookup(context.Background(), lookupResult{
		steamID:   sid64,
		summary:   steamweb.PlayerSummary{SteamID: sid64},
		bans:      steamweb.PlayerBanState{SteamID: sid64},
		fetchedOn: now,
	}, now)

	player, errPlayer := detector.state.bySteamID(sid64)
	require.NoError(t, errPlayer)
	require.Equal(t, VerdictSuspectedBot, player.Verdict.Kind)
}

func TestApplyLookupCleanUpgradesUnknown(t *testing.T) {
	t.Parallel()

	var (
		detector = newTestDetector(t, &fakeSession{alive: true})
		sid64    = steamid.RandSID64()
		now      = time.Now()
	)

	detector.state.merge([]rosterEntry{testEntry(sid64, "regular", 1)}, now)

	detector.applyLookup(context.Background(), lookupResult{
		steamID:   sid64,
		summary:   steamweb.PlayerSummary{SteamID: sid64},
		bans:      steamweb.PlayerBanState{SteamID: sid64},
		fetchedOn: now,
	}, now)

	player, errPlayer := detector.state.bySteamID(sid64)
	require.NoError(t, errPlayer)
	require.Equal(t, VerdictClean, player.Verdict.Kind)
}

func TestApplyLookupDepartedPlayerDiscarded(t *testing.T) {
	t.Parallel()

	detector := newTestDetector(t, &fakeSession{alive: true})

	detector.applyLookup(context.Background(), lookupResult{
		steamID:   steamid.RandSID64(),
		fetchedOn: time.Now(),
	}, time.Now())

	require.Empty(t, detector.Snapshot().Players)
}

func TestHandleEventChat(t *testing.T) {
	t.Parallel()

	var (
		detector = newTestDetector(t, &fakeSession{alive: true})
		sid64    = steamid.RandSID64()
		now      = time.Now()
	)

	detector.state.merge([]rosterEntry{testEntry(sid64, "chatty", 1)}, now)

	detector.handleEvent(context.Background(), LogEvent{
		Type: EvtMsg, Player: "chatty", Message: "hello there", Timestamp: now,
	})

	player, errPlayer := detector.state.bySteamID(sid64)
	require.NoError(t, errPlayer)
	require.Len(t, player.Messages, 1)
	require.Equal(t, "hello there", player.Messages[0].Message)
}

func TestHandleEventServerInfo(t *testing.T) {
	t.Parallel()

	detector := newTestDetector(t, &fakeSession{alive: true})

	detector.handleEvent(context.Background(), LogEvent{Type: EvtHostname, MetaData: "My Server"})
	detector.handleEvent(context.Background(), LogEvent{Type: EvtMap, MetaData: "cp_process"})
	detector.handleEvent(context.Background(), LogEvent{Type: EvtTags, MetaData: "a,b"})

	info := detector.state.serverSnapshot()
	require.Equal(t, "My Server", info.Name)
	require.Equal(t, "cp_process", info.Map)
	require.Equal(t, []string{"a", "b"}, info.Tags)
}

func TestEnsureConnectedAuthFailureLatch(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connectErr: errors.Join(errors.New("bad password"), ErrSessionAuth)}
	detector := newTestDetector(t, session)

	now := time.Now()
	require.False(t, detector.ensureConnected(context.Background(), now))
	require.Equal(t, 1, session.connectCalls)

	// A rejected password is not retried.
	require.False(t, detector.ensureConnected(context.Background(), now.Add(time.Minute)))
	require.Equal(t, 1, session.connectCalls)

	// An explicit reconnect clears the latch.
	session.mu.Lock()
	session.connectErr = nil
	session.mu.Unlock()

	require.NoError(t, detector.ConnectSession(context.Background()))
	require.True(t, session.Alive())
}

func TestEnsureConnectedBackoff(t *testing.T) {
	t.Parallel()

	session := &fakeSession{connectErr: errors.Join(errors.New("refused"), ErrSessionConnect)}
	detector := newTestDetector(t, session)

	now := time.Now()
	require.False(t, detector.ensureConnected(context.Background(), now))
	require.Equal(t, 1, session.connectCalls)

	// Inside the backoff window no new dial is attempted.
	require.False(t, detector.ensureConnected(context.Background(), now.Add(time.Millisecond*500)))
	require.Equal(t, 1, session.connectCalls)

	require.False(t, detector.ensureConnected(context.Background(), now.Add(time.Second*2)))
	require.Equal(t, 2, session.connectCalls)

	session.mu.Lock()
	session.connectErr = nil
	session.mu.Unlock()

	require.True(t, detector.ensureConnected(context.Background(), now.Add(time.Second*10)))
	require.True(t, session.Alive())
}

func TestAnnounceRetriesAfterFailure(t *testing.T) {
	t.Parallel()

	var (
		cmd      = "say_party Bot detected: Bot007"
		interval = time.Second * 20
		now      = time.Now()
		sid64    = steamid.RandSID64()
	)

	session := &fakeSession{
		alive:    true,
		execErrs: map[string]error{cmd: errors.New("write: broken pipe")},
	}

	detector := newTestDetector(t, session)
	detector.state.merge([]rosterEntry{testEntry(sid64, "Bot007", 1)}, now)
	detector.state.setVerdict(sid64, Verdict{Kind: VerdictSuspectedBot, Source: SourceLocalRule, EvaluatedOn: now})

	// A failed announcement must not consume the throttle window.
	detector.announce(context.Background(), now, interval)

	player, errPlayer := detector.state.bySteamID(sid64)
	require.NoError(t, errPlayer)
	require.True(t, player.AnnouncedLast.IsZero())

	session.mu.Lock()
	session.execErrs = nil
	session.mu.Unlock()

	detector.announce(context.Background(), now.Add(time.Second), interval)

	player, errPlayer = detector.state.bySteamID(sid64)
	require.NoError(t, errPlayer)
	require.Equal(t, now.Add(time.Second), player.AnnouncedLast)

	// Inside the interval the warning is not repeated.
	detector.announce(context.Background(), now.Add(time.Second*2), interval)

	count := 0

	for _, issued := range session.issued() {
		if issued == cmd {
			count++
		}
	}

	require.Equal(t, 2, count)
}

func TestWhitelistSettingProtectsPlayer(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		alive: true,
		responses: map[string]string{
			"status":         statusFixture,
			"g15_dumpplayer": g15Fixture,
		},
	}

	settings := detectorSettings()
	settings.WhitelistSteamIDs = []string{"76561198198658784", "not-a-steamid"}

	detector := newDetector(settings, session, nil, nil)
	detector.loadLists()

	_, errImport := detector.engine.ImportRegexes("regex_list", []string{"bot"}, []string{`^Bot\d+$`})
	require.NoError(t, errImport)

	detector.cycle(context.Background(), time.Now())

	require.NotContains(t, session.issued(), `callvote kick "673 cheating"`)

	bot, errBot := detector.state.bySteamID(steamid.New(76561198198658784))
	require.NoError(t, errBot)
	require.True(t, bot.Whitelisted)
	require.Equal(t, VerdictUnknown, bot.Verdict.Kind)

	// Dropping the whitelist re-evaluates and the next cycle kicks.
	detector.SetWhitelist(context.Background(), steamid.New(76561198198658784), false)
	detector.cycle(context.Background(), time.Now())

	require.Contains(t, session.issued(), `callvote kick "673 cheating"`)
}

func TestIssueActionManual(t *testing.T) {
	t.Parallel()

	var (
		session  = &fakeSession{alive: true}
		detector = newTestDetector(t, session)
		sid64    = steamid.RandSID64()
		now      = time.Now()
	)

	detector.state.merge([]rosterEntry{testEntry(sid64, "target", 42)}, now)

	require.NoError(t, detector.IssueAction(context.Background(), sid64, KickReasonOther))
	require.Contains(t, session.issued(), `callvote kick "42 other"`)

	player, errPlayer := detector.state.bySteamID(sid64)
	require.NoError(t, errPlayer)
	require.Equal(t, 1, player.KickAttemptCount)

	require.ErrorIs(t,
		detector.IssueAction(context.Background(), steamid.RandSID64(), KickReasonOther),
		errPlayerNotFound)
}
