package main

import (
	"time"

	"github.com/leighmacdonald/steamid/v3/steamid"
	"github.com/leighmacdonald/steamweb/v2"
)

type Team int

const (
	UnassignedTeam Team = iota
	Spec
	Red
	Blu
)

type VerdictKind int

const (
	VerdictUnknown VerdictKind = iota
	VerdictClean
	VerdictSuspectedBot
	VerdictConfirmedCheater
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictClean:
		return "clean"
	case VerdictSuspectedBot:
		return "bot"
	case VerdictConfirmedCheater:
		return "cheater"
	default:
		return "unknown"
	}
}

type VerdictSource int

const (
	SourceNone VerdictSource = iota
	SourceLocalRule
	SourceLookup
)

func (s VerdictSource) String() string {
	switch s {
	case SourceLocalRule:
		return "rule"
	case SourceLookup:
		return "lookup"
	default:
		return "none"
	}
}

// Verdict is the current classification of a player. A rule verdict is never
// downgraded by a clean lookup, only upgraded or refreshed. Attributes carries
// the list tags of the matching rule so kick policy can key off them.
type Verdict struct {
	Kind        VerdictKind
	Reason      string
	Attributes  []string
	Source      VerdictSource
	EvaluatedOn time.Time
}

type chatMessage struct {
	Message   string
	CreatedOn time.Time
	Dead      bool
	TeamOnly  bool
}

const maxRecentMessages = 10

// Player is everything known about one roster member: the transient in-game
// values from the latest dump, the slow-moving steam profile data, and the
// detection verdict.
type Player struct {
	SteamID   steamid.SID64
	Name      string
	UserID    int
	Team      Team
	Ping      int
	Score     int
	Deaths    int
	Alive     bool
	Health    int
	InServer  bool
	Connected time.Duration
	Loss      int

	Personaname      string
	RealName         string
	AvatarHash       string
	Visibility       int64
	AccountCreatedOn time.Time
	CommunityBanned  bool
	VacBans          int64
	GameBans         int64
	LastVacBanOn     int64
	EconomyBan       steamweb.EconBanState
	Sourcebans       []SourceBanRecord
	ProfileUpdatedOn time.Time

	Verdict          Verdict
	Whitelisted      bool
	KickAttemptCount int
	AnnouncedLast    time.Time

	Messages []chatMessage

	CreatedOn time.Time
	UpdatedOn time.Time
}

func newPlayer(sid64 steamid.SID64, name string, now time.Time) Player {
	return Player{
		SteamID:    sid64,
		Name:       name,
		InServer:   true,
		Visibility: int64(steamweb.VisibilityPublic),
		// Forces the first profile refresh.
		ProfileUpdatedOn: now.AddDate(-1, 0, 0),
		CreatedOn:        now,
		UpdatedOn:        now,
	}
}

func (p Player) isDisconnected(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.UpdatedOn) > timeout
}

func (p Player) isExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.UpdatedOn) > timeout
}

func (p Player) hasBans() bool {
	return p.CommunityBanned || p.VacBans > 0 || p.GameBans > 0
}

// clone returns a copy safe to hand out of the state lock.
func (p Player) clone() Player {
	dup := p
	dup.Messages = make([]chatMessage, len(p.Messages))
	copy(dup.Messages, p.Messages)
	dup.Sourcebans = make([]SourceBanRecord, len(p.Sourcebans))
	copy(dup.Sourcebans, p.Sourcebans)

	return dup
}
