package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/leighmacdonald/steamid/v3/steamid"
)

var (
	ErrActionInflight    = errors.New("action already in flight for player")
	ErrActionCooldown    = errors.New("player kick cooldown active")
	ErrActionRateLimited = errors.New("global action rate exceeded")
	ErrActionDisabled    = errors.New("kicker is disabled")
	ErrActionExec        = errors.New("failed to issue action")
)

type ActionKind string

const (
	ActionKick ActionKind = "kick"
)

type KickReason string

const (
	KickReasonIdle     KickReason = "idle"
	KickReasonScamming KickReason = "scamming"
	KickReasonCheating KickReason = "cheating"
	KickReasonOther    KickReason = "other"
)

type ActionOutcome string

const (
	OutcomePending      ActionOutcome = "pending"
	OutcomeAcknowledged ActionOutcome = "acknowledged"
	OutcomeDenied       ActionOutcome = "denied"
	OutcomeUnknown      ActionOutcome = "unknown"
)

type ActionRecord struct {
	SteamID    steamid.SID64
	Kind       ActionKind
	Reason     KickReason
	Detail     string
	Outcome    ActionOutcome
	CreatedOn  time.Time
	ResolvedOn time.Time
}

type commandExecutor interface {
	Exec(ctx context.Context, cmd string) (string, error)
}

const maxActionHistory = 100

// Lines the server returns when a callvote is rejected outright.
var voteDeniedFragments = []string{"failed", "wait", "disabled", "cannot"}

// actionScheduler decides when detection verdicts become kick votes and keeps
// the issued actions from flooding the server: one in-flight action per
// player, a per-player cooldown and a global ceiling per window.
type actionScheduler struct {
	exec commandExecutor

	kickerEnabled bool
	kickBots      bool
	kickCheaters  bool
	kickTags      []string
	cooldown      time.Duration
	actionTimeout time.Duration
	globalLimit   int
	globalWindow  time.Duration

	mu          sync.Mutex
	lastAttempt map[steamid.SID64]time.Time
	inflight    map[steamid.SID64]*ActionRecord
	history     []ActionRecord
	issuedTimes []time.Time
}

func newActionScheduler(exec commandExecutor, settings userSettings) *actionScheduler {
	return &actionScheduler{
		exec:          exec,
		kickerEnabled: settings.KickerEnabled,
		kickBots:      settings.KickBots,
		kickCheaters:  settings.KickCheaters,
		kickTags:      settings.KickTags,
		cooldown:      time.Second * time.Duration(settings.KickCooldown),
		actionTimeout: time.Second * time.Duration(settings.ActionTimeout),
		globalLimit:   settings.GlobalActionLimit,
		globalWindow:  time.Second * time.Duration(settings.GlobalActionWindow),
		lastAttempt:   map[steamid.SID64]time.Time{},
		inflight:      map[steamid.SID64]*ActionRecord{},
	}
}

// onVerdict applies the configured kick policy to a freshly evaluated player.
// Returns true when a kick was issued.
func (s *actionScheduler) onVerdict(ctx context.Context, player Player, now time.Time) (bool, error) {
	if !s.kickerEnabled || player.Whitelisted {
		return false, nil
	}

	var kickable bool

	switch player.Verdict.Kind {
	case VerdictSuspectedBot:
		kickable = s.kickBots
	case VerdictConfirmedCheater:
		kickable = s.kickCheaters
	case VerdictUnknown, VerdictClean:
	}

	// A rule match whose list tags are in kick_tags is kickable regardless of
	// the per-tier toggles.
	if !kickable && s.tagKickable(player.Verdict.Attributes) {
		kickable = true
	}

	if !kickable {
		return false, nil
	}

	errIssue := s.Issue(ctx, player.SteamID, player.UserID, KickReasonCheating, player.Verdict.Reason, now)
	if errIssue != nil {
		if errors.Is(errIssue, ErrActionInflight) ||
			errors.Is(errIssue, ErrActionCooldown) ||
			errors.Is(errIssue, ErrActionRateLimited) {
			return false, nil
		}

		return false, errIssue
	}

	return true, nil
}

func (s *actionScheduler) tagKickable(attrs []string) bool {
	for _, attr := range attrs {
		for _, tag := range s.kickTags {
			if strings.EqualFold(attr, tag) {
				return true
			}
		}
	}

	return false
}

// Issue sends a kick vote for the player. Policy toggles are not consulted,
// but cooldowns and the global ceiling always apply.
func (s *actionScheduler) Issue(ctx context.Context, sid64 steamid.SID64, userID int,
	reason KickReason, detail string, now time.Time,
) error {
	if errCheck := s.reserve(sid64, now); errCheck != nil {
		return errCheck
	}

	resp, errExec := s.exec.Exec(ctx, fmt.Sprintf("callvote kick \"%d %s\"", userID, reason))
	if errExec != nil {
		s.release(sid64)

		return errors.Join(errExec, ErrActionExec)
	}

	record := &ActionRecord{
		SteamID:   sid64,
		Kind:      ActionKick,
		Reason:    reason,
		Detail:    detail,
		Outcome:   OutcomePending,
		CreatedOn: now,
	}

	if voteDenied(resp) {
		record.Outcome = OutcomeDenied
		record.ResolvedOn = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastAttempt[sid64] = now
	s.issuedTimes = append(s.issuedTimes, now)

	if record.Outcome == OutcomePending {
		s.inflight[sid64] = record
	} else {
		// A denied vote is resolved on the spot, the reservation must not
		// outlive it or the player could never be kicked again.
		delete(s.inflight, sid64)
		s.appendHistoryLocked(*record)
	}

	return nil
}

func (s *actionScheduler) reserve(sid64 steamid.SID64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.inflight[sid64]; found {
		return ErrActionInflight
	}

	if last, found := s.lastAttempt[sid64]; found && now.Sub(last) < s.cooldown {
		return ErrActionCooldown
	}

	recent := 0

	for _, issued := range s.issuedTimes {
		if now.Sub(issued) < s.globalWindow {
			recent++
		}
	}

	if recent >= s.globalLimit {
		return ErrActionRateLimited
	}

	// Reserve the slot so a concurrent Issue cannot double up before the
	// command completes.
	s.inflight[sid64] = nil

	return nil
}

func (s *actionScheduler) release(sid64 steamid.SID64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, found := s.inflight[sid64]; found && record == nil {
		delete(s.inflight, sid64)
	}
}

// observeRoster resolves pending actions against the latest roster: a target
// that left is counted as acknowledged, one still present past the action
// timeout resolves as unknown. Resolved records are returned for persistence.
func (s *actionScheduler) observeRoster(present func(steamid.SID64) bool, now time.Time) []ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resolved []ActionRecord

	for sid, record := range s.inflight {
		if record == nil {
			continue
		}

		switch {
		case !present(sid):
			record.Outcome = OutcomeAcknowledged
			record.ResolvedOn = now
		case now.Sub(record.CreatedOn) > s.actionTimeout:
			record.Outcome = OutcomeUnknown
			record.ResolvedOn = now
		default:
			continue
		}

		s.appendHistoryLocked(*record)
		resolved = append(resolved, *record)
		delete(s.inflight, sid)
	}

	s.pruneIssuedLocked(now)

	return resolved
}

// recent returns a copy of the resolved action history, newest last.
func (s *actionScheduler) recent() []ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ActionRecord, len(s.history))
	copy(out, s.history)

	return out
}

func (s *actionScheduler) appendHistoryLocked(record ActionRecord) {
	s.history = append(s.history, record)
	if len(s.history) > maxActionHistory {
		s.history = s.history[len(s.history)-maxActionHistory:]
	}
}

func (s *actionScheduler) pruneIssuedLocked(now time.Time) {
	var kept []time.Time

	for _, issued := range s.issuedTimes {
		if now.Sub(issued) < s.globalWindow {
			kept = append(kept, issued)
		}
	}

	s.issuedTimes = kept
}

func voteDenied(response string) bool {
	lower := strings.ToLower(response)

	for _, fragment := range voteDeniedFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}

	return false
}
