package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/botwatchd/botwatch/rules"
	"github.com/botwatchd/botwatch/store"
	"github.com/leighmacdonald/steamid/v3/steamid"
	"golang.org/x/sync/errgroup"
)

type gameSession interface {
	Connect(ctx context.Context) error
	Exec(ctx context.Context, cmd string) (string, error)
	Alive() bool
	Close() error
}

// Snapshot is an immutable view of the roster published after every poll
// cycle. Stale is set when the session dropped and the data is from the last
// successful cycle.
type Snapshot struct {
	Players   []Player
	Server    serverInfo
	Stale     bool
	UpdatedOn time.Time
}

// Detector owns the poll loop: fetch the roster over rcon, merge it into the
// state machine, evaluate detection rules, apply lookup results and hand
// kickable players to the action scheduler.
type Detector struct {
	settings  userSettings
	session   gameSession
	parser    *logParser
	g15       g15Parser
	state     *playerStates
	engine    *rules.Engine
	fetcher   *profileFetcher
	scheduler *actionScheduler
	db        store.Querier
	ingest    *logIngest

	mu             sync.Mutex
	stale          bool
	authFailed     bool
	reconnectDelay time.Duration
	nextConnect    time.Time
	lastUpdated    time.Time
}

func newDetector(settings userSettings, session gameSession, source DataSource, db store.Querier) *Detector {
	return &Detector{
		settings:       settings,
		session:        session,
		parser:         newLogParser(),
		g15:            newG15Parser(),
		state:          newPlayerStates(),
		engine:         rules.New(),
		fetcher:        newProfileFetcher(source, settings),
		scheduler:      newActionScheduler(session, settings),
		db:             db,
		reconnectDelay: time.Second * time.Duration(settings.ReconnectDelayMin),
	}
}

// loadLists imports the configured player lists, rule lists and the plain
// regex list into the rule engine. A broken list is logged and skipped, it
// never stops startup.
func (d *Detector) loadLists() {
	for _, raw := range d.settings.WhitelistSteamIDs {
		sid64, errSid := steamid.StringToSID64(raw)
		if errSid != nil || !sid64.Valid() {
			slog.Error("Invalid whitelist steam id", slog.String("steam_id", raw))

			continue
		}

		d.engine.Whitelist(sid64, true)
	}

	for _, path := range d.settings.PlayerListPaths {
		body, errRead := os.Open(path)
		if errRead != nil {
			slog.Error("Failed to open player list", slog.String("path", path), errAttr(errRead))

			continue
		}

		var schema rules.PlayerListSchema
		if errParse := rules.ParsePlayerSchema(body, &schema); errParse != nil {
			slog.Error("Failed to parse player list", slog.String("path", path), errAttr(errParse))
			_ = body.Close()

			continue
		}

		_ = body.Close()

		count, errImport := d.engine.ImportPlayers(&schema)
		if errImport != nil {
			slog.Error("Failed to import player list", slog.String("path", path), errAttr(errImport))

			continue
		}

		slog.Info("Loaded player list", slog.String("path", path), slog.Int("count", count))
	}

	for _, path := range d.settings.RuleListPaths {
		body, errRead := os.Open(path)
		if errRead != nil {
			slog.Error("Failed to open rule list", slog.String("path", path), errAttr(errRead))

			continue
		}

		var schema rules.RuleSchema
		if errParse := rules.ParseRulesList(body, &schema); errParse != nil {
			slog.Error("Failed to parse rule list", slog.String("path", path), errAttr(errParse))
			_ = body.Close()

			continue
		}

		_ = body.Close()

		count, errImport := d.engine.ImportRules(&schema)
		if errImport != nil {
			slog.Error("Failed to import rule list", slog.String("path", path), errAttr(errImport))

			continue
		}

		slog.Info("Loaded rule list", slog.String("path", path), slog.Int("count", count))
	}

	if d.settings.RegexListPath != "" {
		body, errRead := os.Open(d.settings.RegexListPath)
		if errRead != nil {
			slog.Error("Failed to open regex list", slog.String("path", d.settings.RegexListPath), errAttr(errRead))

			return
		}

		defer func() {
			_ = body.Close()
		}()

		patterns, errParse := rules.ParseRegexList(body)
		if errParse != nil {
			slog.Error("Failed to parse regex list", errAttr(errParse))

			return
		}

		count, errImport := d.engine.ImportRegexes("regex_list", []string{"bot"}, patterns)
		if errImport != nil {
			slog.Error("Failed to import regex list", errAttr(errImport))

			return
		}

		slog.Info("Loaded regex list", slog.Int("count", count))
	}
}

// Start runs all background services until the context is cancelled.
func (d *Detector) Start(ctx context.Context) error {
	d.loadLists()

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		return d.fetcher.start(grpCtx)
	})

	if d.settings.ConsoleLogPath != "" {
		ingest, errIngest := newLogIngest(d.settings.ConsoleLogPath, d.parser)
		if errIngest != nil {
			return errIngest
		}

		d.ingest = ingest

		grp.Go(func() error {
			ingest.start(grpCtx)

			return nil
		})

		grp.Go(func() error {
			d.consumeEvents(grpCtx)

			return nil
		})
	}

	grp.Go(func() error {
		d.pollLoop(grpCtx)

		return nil
	})

	if d.settings.ChatWarningsEnabled {
		grp.Go(func() error {
			d.announceLoop(grpCtx)

			return nil
		})
	}

	return grp.Wait()
}

func (d *Detector) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.settings.PollDuration())
	defer ticker.Stop()

	d.tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.tick(ctx, now)
		}
	}
}

func (d *Detector) tick(ctx context.Context, now time.Time) {
	if !d.ensureConnected(ctx, now) {
		return
	}

	d.cycle(ctx, now)
}

func (d *Detector) ensureConnected(ctx context.Context, now time.Time) bool {
	if d.session.Alive() {
		return true
	}

	d.mu.Lock()

	if d.authFailed || now.Before(d.nextConnect) {
		d.mu.Unlock()

		return false
	}

	d.mu.Unlock()

	if errConnect := d.session.Connect(ctx); errConnect != nil {
		d.mu.Lock()
		defer d.mu.Unlock()

		d.stale = true

		if errors.Is(errConnect, ErrSessionAuth) {
			// Retrying a rejected password just hits the ban list.
			d.authFailed = true
			slog.Error("Authentication rejected, not retrying", errAttr(errConnect))

			return false
		}

		d.nextConnect = now.Add(d.reconnectDelay)
		slog.Warn("Connect failed, backing off",
			slog.Duration("retry_in", d.reconnectDelay), errAttr(errConnect))

		d.reconnectDelay *= 2

		maxDelay := time.Second * time.Duration(d.settings.ReconnectDelayMax)
		if d.reconnectDelay > maxDelay {
			d.reconnectDelay = maxDelay
		}

		return false
	}

	d.mu.Lock()
	d.reconnectDelay = time.Second * time.Duration(d.settings.ReconnectDelayMin)
	d.nextConnect = time.Time{}
	d.mu.Unlock()

	slog.Info("Connected to game", slog.String("addr", d.settings.Rcon.Address))

	return true
}

// cycle performs one full poll: status + g15 dump, roster merge, rule and
// lookup evaluation, action scheduling and snapshot publication.
func (d *Detector) cycle(ctx context.Context, now time.Time) {
	statusBody, errStatus := d.session.Exec(ctx, "status")
	if errStatus != nil {
		d.markStale(errStatus)

		return
	}

	summary := parseStatus(statusBody)

	g15Body, errG15 := d.session.Exec(ctx, "g15_dumpplayer")
	if errG15 != nil {
		d.markStale(errG15)

		return
	}

	var dump DumpPlayer
	if errParse := d.g15.Parse(strings.NewReader(g15Body), &dump); errParse != nil {
		slog.Error("Failed to parse g15 dump", errAttr(errParse))
	}

	entries := dump.entries()
	if len(entries) == 0 {
		// Some servers block the g15 dump, fall back on the status table.
		entries = rosterFromStatus(summary.entries)
	} else {
		enrichFromStatus(entries, summary.entries)
	}

	d.state.updateServer(func(info *serverInfo) {
		if summary.hostname != "" {
			info.Name = summary.hostname
		}

		if summary.mapName != "" {
			info.Map = summary.mapName
		}

		if len(summary.tags) > 0 {
			info.Tags = summary.tags
		}

		if summary.address != "" {
			info.Address = summary.address
		}

		info.UpdatedOn = now
	})

	changed := d.state.merge(entries, now)

	evicted := d.state.evictStale(now, d.settings.DisconnectTimeout(), d.settings.ExpiredTimeout())
	for _, sid := range evicted {
		slog.Debug("Player expired", sidAttr(sid))
	}

	d.drainLookups(ctx, now)

	for _, sid := range changed {
		d.evaluate(ctx, sid, now)
	}

	for _, record := range d.scheduler.observeRoster(d.state.contains, now) {
		d.persistAction(ctx, record)
	}

	d.enforcePolicy(ctx, now)

	d.mu.Lock()
	d.stale = false
	d.lastUpdated = now
	d.mu.Unlock()
}

func (d *Detector) markStale(err error) {
	d.mu.Lock()
	d.stale = true
	d.mu.Unlock()

	if !errors.Is(err, ErrSessionClosed) {
		slog.Warn("Poll cycle failed", errAttr(err))
	}
}

func rosterFromStatus(entries []statusEntry) []rosterEntry {
	out := make([]rosterEntry, 0, len(entries))

	for _, entry := range entries {
		out = append(out, rosterEntry{
			steamID:   entry.steamID,
			name:      entry.name,
			userID:    entry.userID,
			ping:      entry.ping,
			connected: entry.connected,
			loss:      entry.loss,
		})
	}

	return out
}

// enrichFromStatus copies the values only the status table reports, connect
// duration and packet loss, onto the matching g15 entries.
func enrichFromStatus(entries []rosterEntry, status []statusEntry) {
	byID := make(map[steamid.SID64]statusEntry, len(status))
	for _, entry := range status {
		byID[entry.steamID] = entry
	}

	for index, entry := range entries {
		if match, found := byID[entry.steamID]; found {
			entries[index].connected = match.connected
			entries[index].loss = match.loss
		}
	}
}

// evaluate runs the local rules against a player and queues a reputation
// lookup. Called for new players and after name changes.
func (d *Detector) evaluate(ctx context.Context, sid64 steamid.SID64, now time.Time) {
	player, errPlayer := d.state.bySteamID(sid64)
	if errPlayer != nil {
		return
	}

	player.Whitelisted = d.engine.Whitelisted(sid64)

	var (
		verdict Verdict
		matched bool
	)

	// Name and message rules cannot consult the whitelist themselves, they
	// only see text.
	if !player.Whitelisted {
		verdict, matched = d.evaluateLocal(player, now)
	}

	switch {
	case matched:
		player.Verdict = verdict
		slog.Info("Player matched local rules", sidAttr(sid64),
			slog.String("name", player.Name), slog.String("verdict", verdict.Kind.String()),
			slog.String("reason", verdict.Reason))
	case player.Verdict.Source == SourceLocalRule:
		// The previous rule match no longer applies, e.g. after a rename.
		player.Verdict = Verdict{Kind: VerdictUnknown, EvaluatedOn: now}
	}

	d.state.update(player)
	d.persistPlayer(ctx, player)

	if player.Name != "" {
		d.persistName(ctx, sid64, player.Name, now)
	}

	d.fetcher.request(sid64, now)
}

func (d *Detector) evaluateLocal(player Player, now time.Time) (Verdict, bool) {
	if matches := d.engine.MatchSteam(player.SteamID); len(matches) > 0 {
		return verdictFromMatches(matches, now), true
	}

	if matches := d.engine.MatchName(player.Name); len(matches) > 0 {
		return verdictFromMatches(matches, now), true
	}

	for _, msg := range player.Messages {
		if matches := d.engine.MatchMessage(msg.Message); len(matches) > 0 {
			return verdictFromMatches(matches, now), true
		}
	}

	return Verdict{}, false
}

func verdictFromMatches(matches rules.MatchResults, now time.Time) Verdict {
	kind := VerdictSuspectedBot
	if matches.HasOneOfAttr("cheater") {
		kind = VerdictConfirmedCheater
	}

	first := matches[0]

	return Verdict{
		Kind:        kind,
		Reason:      fmt.Sprintf("%s:%s", first.Origin, first.MatcherType),
		Attributes:  first.Attributes,
		Source:      SourceLocalRule,
		EvaluatedOn: now,
	}
}

// drainLookups applies every pending reputation result without blocking.
// Results for players no longer tracked are discarded.
func (d *Detector) drainLookups(ctx context.Context, now time.Time) {
	for {
		select {
		case result := <-d.fetcher.resultChan():
			d.applyLookup(ctx, result, now)
		default:
			return
		}
	}
}

func (d *Detector) applyLookup(ctx context.Context, result lookupResult, now time.Time) {
	if result.err != nil {
		slog.Debug("Lookup failed", sidAttr(result.steamID), errAttr(result.err))

		return
	}

	player, errPlayer := d.state.bySteamID(result.steamID)
	if errPlayer != nil {
		return
	}

	player.Personaname = result.summary.PersonaName
	player.RealName = result.summary.RealName
	player.AvatarHash = result.summary.AvatarHash
	player.Visibility = int64(result.summary.CommunityVisibilityState)

	if result.summary.TimeCreated > 0 {
		player.AccountCreatedOn = time.Unix(int64(result.summary.TimeCreated), 0)
	}

	player.Sourcebans = result.sourcebans

	player.CommunityBanned = result.bans.CommunityBanned
	player.VacBans = int64(result.bans.NumberOfVACBans)
	player.GameBans = int64(result.bans.NumberOfGameBans)
	player.EconomyBan = result.bans.EconomyBan

	if result.bans.DaysSinceLastBan > 0 {
		player.LastVacBanOn = now.AddDate(0, 0, -result.bans.DaysSinceLastBan).Unix()
	}

	player.ProfileUpdatedOn = result.fetchedOn

	// Ban state upgrades the verdict but a clean lookup never clears a local
	// rule match.
	if player.hasBans() {
		if player.Verdict.Kind != VerdictConfirmedCheater {
			player.Verdict = Verdict{
				Kind: VerdictConfirmedCheater,
				Reason: fmt.Sprintf("bans vac: %d game: %d community: %t",
					player.VacBans, player.GameBans, player.CommunityBanned),
				Source:      SourceLookup,
				EvaluatedOn: now,
			}
		}
	} else if player.Verdict.Kind == VerdictUnknown {
		player.Verdict = Verdict{Kind: VerdictClean, Source: SourceLookup, EvaluatedOn: now}
	}

	d.state.update(player)
	d.persistPlayer(ctx, player)
}

// enforcePolicy hands every present, kickable player to the scheduler. The
// scheduler's cooldowns decide whether anything is actually issued.
func (d *Detector) enforcePolicy(ctx context.Context, now time.Time) {
	for _, player := range d.state.all() {
		if !player.InServer {
			continue
		}

		issued, errIssue := d.scheduler.onVerdict(ctx, player, now)
		if errIssue != nil {
			slog.Error("Failed to issue kick", sidAttr(player.SteamID), errAttr(errIssue))

			continue
		}

		if issued {
			player.KickAttemptCount++
			d.state.update(player)

			slog.Info("Kick vote issued", sidAttr(player.SteamID),
				slog.String("name", player.Name),
				slog.Int("attempt", player.KickAttemptCount))
		}
	}
}

func (d *Detector) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.ingest.Events():
			d.handleEvent(ctx, event)
		}
	}
}

func (d *Detector) handleEvent(ctx context.Context, event LogEvent) {
	switch event.Type {
	case EvtMsg:
		msg := chatMessage{
			Message:   event.Message,
			CreatedOn: event.Timestamp,
			Dead:      event.Dead,
			TeamOnly:  event.TeamOnly,
		}

		sid, found := d.state.addMessage(event.Player, msg)
		if !found {
			return
		}

		d.persistMessage(ctx, sid, msg)

		if matches := d.engine.MatchMessage(event.Message); len(matches) > 0 && !d.engine.Whitelisted(sid) {
			d.state.setVerdict(sid, verdictFromMatches(matches, time.Now()))
		}
	case EvtHostname:
		d.state.updateServer(func(info *serverInfo) { info.Name = event.MetaData })
	case EvtMap:
		d.state.updateServer(func(info *serverInfo) { info.Map = event.MetaData })
	case EvtTags:
		d.state.updateServer(func(info *serverInfo) { info.Tags = strings.Split(event.MetaData, ",") })
	case EvtAddress:
		d.state.updateServer(func(info *serverInfo) { info.Address = event.MetaData })
	case EvtLobby:
		if player, errPlayer := d.state.bySteamID(event.PlayerSID); errPlayer == nil {
			player.Team = event.Team
			d.state.update(player)
		}
	case EvtKill, EvtConnect, EvtDisconnect, EvtStatusID, EvtAny:
	}
}

// announceLoop periodically warns team chat about detected bots still in the
// server, throttled per player.
func (d *Detector) announceLoop(ctx context.Context) {
	interval := time.Second * time.Duration(d.settings.ChatWarningInterval)
	ticker := time.NewTicker(interval)

	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.announce(ctx, now, interval)
		}
	}
}

func (d *Detector) announce(ctx context.Context, now time.Time, interval time.Duration) {
	if !d.session.Alive() {
		return
	}

	var (
		names []string
		sids  []steamid.SID64
	)

	for _, player := range d.state.all() {
		if !player.InServer || player.Whitelisted {
			continue
		}

		if player.Verdict.Kind != VerdictSuspectedBot && player.Verdict.Kind != VerdictConfirmedCheater {
			continue
		}

		if now.Sub(player.AnnouncedLast) < interval {
			continue
		}

		names = append(names, player.Name)
		sids = append(sids, player.SteamID)
	}

	if len(names) == 0 {
		return
	}

	cmd := fmt.Sprintf("say_party Bot detected: %s", strings.Join(names, ", "))
	if _, errExec := d.session.Exec(ctx, cmd); errExec != nil {
		slog.Warn("Failed to announce bots", errAttr(errExec))

		// The warning never reached chat, leave the throttle untouched so the
		// next tick retries.
		return
	}

	for _, sid := range sids {
		if player, errPlayer := d.state.bySteamID(sid); errPlayer == nil {
			player.AnnouncedLast = now
			d.state.update(player)
		}
	}
}

// Snapshot returns the current roster view. After a disconnect the last
// successful data is returned with Stale set.
func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	stale := d.stale
	updated := d.lastUpdated
	d.mu.Unlock()

	return Snapshot{
		Players:   d.state.all(),
		Server:    d.state.serverSnapshot(),
		Stale:     stale,
		UpdatedOn: updated,
	}
}

func (d *Detector) RecentActions() []ActionRecord {
	return d.scheduler.recent()
}

// ForceReevaluate discards cached lookup data for the player and runs a fresh
// evaluation.
func (d *Detector) ForceReevaluate(ctx context.Context, sid64 steamid.SID64) error {
	if !d.state.contains(sid64) {
		return errPlayerNotFound
	}

	d.fetcher.invalidate(sid64)
	d.evaluate(ctx, sid64, time.Now())

	return nil
}

// SetWhitelist toggles kick protection for a player and re-evaluates them if
// currently tracked.
func (d *Detector) SetWhitelist(ctx context.Context, sid64 steamid.SID64, enabled bool) {
	d.engine.Whitelist(sid64, enabled)

	if d.state.contains(sid64) {
		d.evaluate(ctx, sid64, time.Now())
	}
}

// IssueAction kicks a player on demand. Policy toggles are bypassed, the
// scheduler cooldowns are not.
func (d *Detector) IssueAction(ctx context.Context, sid64 steamid.SID64, reason KickReason) error {
	player, errPlayer := d.state.bySteamID(sid64)
	if errPlayer != nil {
		return errPlayer
	}

	if errIssue := d.scheduler.Issue(ctx, sid64, player.UserID, reason, "manual", time.Now()); errIssue != nil {
		return errIssue
	}

	player.KickAttemptCount++
	d.state.update(player)

	return nil
}

// ConnectSession clears any auth failure latch and dials immediately.
func (d *Detector) ConnectSession(ctx context.Context) error {
	d.mu.Lock()
	d.authFailed = false
	d.nextConnect = time.Time{}
	d.reconnectDelay = time.Second * time.Duration(d.settings.ReconnectDelayMin)
	d.mu.Unlock()

	return d.session.Connect(ctx)
}

// DisconnectSession closes the session. The next snapshot is marked stale.
func (d *Detector) DisconnectSession() error {
	d.mu.Lock()
	d.stale = true
	d.mu.Unlock()

	return d.session.Close()
}

func (d *Detector) persistPlayer(ctx context.Context, player Player) {
	if d.db == nil {
		return
	}

	row := store.PlayerRow{
		SteamID:     player.SteamID.Int64(),
		Personaname: player.Personaname,
		RealName:    player.RealName,
		AvatarHash:  player.AvatarHash,
		Visibility:  player.Visibility,
		AccountCreatedOn: sql.NullTime{
			Time:  player.AccountCreatedOn,
			Valid: !player.AccountCreatedOn.IsZero(),
		},
		CommunityBanned: player.CommunityBanned,
		GameBans:        player.GameBans,
		VacBans:         player.VacBans,
		LastVacBanOn: sql.NullTime{
			Time:  time.Unix(player.LastVacBanOn, 0),
			Valid: player.LastVacBanOn > 0,
		},
		Verdict:          player.Verdict.Kind.String(),
		VerdictReason:    player.Verdict.Reason,
		Whitelist:        player.Whitelisted,
		ProfileUpdatedOn: player.ProfileUpdatedOn,
		CreatedOn:        player.CreatedOn,
		UpdatedOn:        player.UpdatedOn,
	}

	if errSave := d.db.PlayerSave(ctx, row); errSave != nil {
		slog.Error("Failed to save player", sidAttr(player.SteamID), errAttr(errSave))
	}
}

func (d *Detector) persistName(ctx context.Context, sid64 steamid.SID64, name string, now time.Time) {
	if d.db == nil {
		return
	}

	if errSave := d.db.NameSave(ctx, sid64.Int64(), name, now); errSave != nil {
		slog.Error("Failed to save name", sidAttr(sid64), errAttr(errSave))
	}
}

func (d *Detector) persistMessage(ctx context.Context, sid64 steamid.SID64, msg chatMessage) {
	if d.db == nil {
		return
	}

	row := store.MessageRow{
		SteamID:   sid64.Int64(),
		Message:   msg.Message,
		TeamOnly:  msg.TeamOnly,
		Dead:      msg.Dead,
		CreatedOn: msg.CreatedOn,
	}

	if errSave := d.db.MessageSave(ctx, row); errSave != nil {
		slog.Error("Failed to save message", sidAttr(sid64), errAttr(errSave))
	}
}

func (d *Detector) persistAction(ctx context.Context, record ActionRecord) {
	if d.db == nil {
		return
	}

	row := store.ActionRow{
		SteamID:   record.SteamID.Int64(),
		Kind:      string(record.Kind),
		Reason:    string(record.Reason),
		Detail:    record.Detail,
		Outcome:   string(record.Outcome),
		CreatedOn: record.CreatedOn,
		ResolvedOn: sql.NullTime{
			Time:  record.ResolvedOn,
			Valid: !record.ResolvedOn.IsZero(),
		},
	}

	if errSave := d.db.ActionSave(ctx, row); errSave != nil {
		slog.Error("Failed to save action", sidAttr(record.SteamID), errAttr(errSave))
	}
}
