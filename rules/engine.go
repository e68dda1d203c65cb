// Package rules implements the local detection rule engine: ordered name and
// chat matchers loaded from rule lists plus steam id mark lists. Matching is
// deterministic, lists are evaluated in import order and the first match of a
// list wins.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/leighmacdonald/steamid/v3/steamid"
)

var (
	ErrParseSteamID      = errors.New("failed to parse steam id")
	ErrDuplicateSteamID  = errors.New("duplicate steam id")
	ErrEncodePlayers     = errors.New("failed to encode player list")
	ErrDecodePlayers     = errors.New("failed to decode player list")
	ErrUnknownPlayerList = errors.New("unknown player list")
	ErrEncodeRules       = errors.New("failed to encode rules")
	ErrDecodeRules       = errors.New("failed to decode rules")
	ErrUnknownRuleList   = errors.New("unknown rules list")
	ErrInvalidRegex      = errors.New("invalid regex pattern")
	ErrInvalidAttributes = errors.New("invalid attribute count")
)

const exportIndentSize = 4

type Engine struct {
	rulesLists  []*RuleSchema
	playerLists []*PlayerListSchema
	whitelist   map[steamid.SID64]bool
	knownTags   []string
	sync.RWMutex
}

func New() *Engine {
	localRules := NewRuleSchema()
	localPlayers := NewPlayerListSchema()

	return &Engine{
		rulesLists:  []*RuleSchema{&localRules},
		playerLists: []*PlayerListSchema{&localPlayers},
		whitelist:   map[steamid.SID64]bool{},
		knownTags:   []string{},
	}
}

type MarkOpts struct {
	SteamID    steamid.SID64
	Attributes []string
	Proof      []string
	Name       string
}

func (e *Engine) userPlayerList() *PlayerListSchema {
	for _, list := range e.playerLists {
		if list.FileInfo.Title == LocalRuleName {
			return list
		}
	}

	panic("User player list schema doesn't exist")
}

func (e *Engine) userRuleList() *RuleSchema {
	for _, list := range e.rulesLists {
		if list.FileInfo.Title == LocalRuleName {
			return list
		}
	}

	panic("User rules schema doesn't exist")
}

// Mark adds a player to the local player list.
func (e *Engine) Mark(opts MarkOpts) error {
	if len(opts.Attributes) == 0 {
		return ErrInvalidAttributes
	}

	if !opts.SteamID.Valid() {
		return errors.Join(steamid.ErrInvalidSID, ErrParseSteamID)
	}

	e.Lock()
	defer e.Unlock()

	userList := e.userPlayerList()

	for idx, knownPlayer := range userList.Players {
		if knownPlayer.SteamID != opts.SteamID {
			continue
		}

		var newAttrs []string

		for _, updatedAttr := range opts.Attributes {
			isNew := true

			for _, existingAttr := range knownPlayer.Attributes {
				if strings.EqualFold(updatedAttr, existingAttr) {
					isNew = false

					break
				}
			}

			if isNew {
				newAttrs = append(newAttrs, updatedAttr)
			}
		}

		if len(newAttrs) == 0 {
			return ErrDuplicateSteamID
		}

		userList.Players[idx].Attributes = append(userList.Players[idx].Attributes, newAttrs...)

		return nil
	}

	userList.Players = append(userList.Players, PlayerDefinition{
		Attributes: opts.Attributes,
		LastSeen: PlayerLastSeen{
			Time:       time.Now().Unix(),
			PlayerName: opts.Name,
		},
		SteamID: opts.SteamID,
		Proof:   opts.Proof,
	})

	userList.registerSteamIDMatcher(NewSteamIDMatcher(LocalRuleName, opts.SteamID, opts.Attributes))

	return nil
}

// Unmark removes a player from the local player list.
func (e *Engine) Unmark(steamID steamid.SID64) bool {
	e.Lock()
	defer e.Unlock()

	var (
		found    = false
		userList = e.userPlayerList()
		players  []PlayerDefinition
	)

	for idx := range userList.Players {
		if userList.Players[idx].SteamID == steamID {
			found = true

			continue
		}

		players = append(players, userList.Players[idx])
	}

	userList.Players = players

	var validMatchers []SteamIDMatcherHandler

	for _, matcher := range userList.matchersSteam {
		if _, matchFound := matcher.Match(steamID); !matchFound {
			validMatchers = append(validMatchers, matcher)
		}
	}

	userList.matchersSteam = validMatchers

	return found
}

// Whitelist exempts a player from all matching until unset.
func (e *Engine) Whitelist(steamID steamid.SID64, enabled bool) {
	e.Lock()
	defer e.Unlock()

	if enabled {
		e.whitelist[steamID] = true
	} else {
		delete(e.whitelist, steamID)
	}
}

func (e *Engine) Whitelisted(steamID steamid.SID64) bool {
	e.RLock()
	defer e.RUnlock()

	return e.whitelist[steamID]
}

// UniqueTags returns the unique attributes seen across all player lists.
func (e *Engine) UniqueTags() []string {
	e.RLock()
	defer e.RUnlock()

	if e.knownTags == nil {
		return []string{}
	}

	return e.knownTags
}

// ImportRules compiles and loads the provided rule list, returning the number
// of matchers registered.
func (e *Engine) ImportRules(list *RuleSchema) (int, error) {
	count := 0

	for _, rule := range list.Rules {
		if rule.Triggers.UsernameTextMatch != nil {
			attrs := rule.Triggers.UsernameTextMatch.Attributes
			if len(attrs) == 0 {
				attrs = []string{"trigger_name"}
			}

			matcher, errMatcher := newTextMatcher(list.FileInfo.Title, TextMatchTypeName,
				rule.Triggers.UsernameTextMatch.Mode, rule.Triggers.UsernameTextMatch.CaseSensitive,
				attrs, rule.Triggers.UsernameTextMatch.Patterns)
			if errMatcher != nil {
				return 0, errMatcher
			}

			list.registerTextMatcher(matcher)

			count++
		}

		if rule.Triggers.ChatMsgTextMatch != nil {
			attrs := rule.Triggers.ChatMsgTextMatch.Attributes
			if len(attrs) == 0 {
				attrs = []string{"trigger_msg"}
			}

			matcher, errMatcher := newTextMatcher(list.FileInfo.Title, TextMatchTypeMessage,
				rule.Triggers.ChatMsgTextMatch.Mode, rule.Triggers.ChatMsgTextMatch.CaseSensitive,
				attrs, rule.Triggers.ChatMsgTextMatch.Patterns)
			if errMatcher != nil {
				return 0, errMatcher
			}

			list.registerTextMatcher(matcher)

			count++
		}
	}

	e.Lock()
	defer e.Unlock()

	e.rulesLists = replaceList(e.rulesLists, list, func(l *RuleSchema) string { return l.FileInfo.Title })

	return count, nil
}

// ImportPlayers loads the provided player list for matching, replacing any
// previously loaded list with the same title.
func (e *Engine) ImportPlayers(list *PlayerListSchema) (int, error) {
	var (
		playerAttrs []string
		count       int
	)

	for _, player := range list.Players {
		if !player.SteamID.Valid() {
			return 0, errors.Join(steamid.ErrInvalidSID, ErrParseSteamID)
		}

		list.registerSteamIDMatcher(NewSteamIDMatcher(list.FileInfo.Title, player.SteamID, player.Attributes))

		playerAttrs = append(playerAttrs, player.Attributes...)
		count++
	}

	e.Lock()
	defer e.Unlock()

	e.playerLists = replaceList(e.playerLists, list, func(l *PlayerListSchema) string { return l.FileInfo.Title })

	for _, newTag := range playerAttrs {
		found := false

		for _, known := range e.knownTags {
			if strings.EqualFold(newTag, known) {
				found = true

				break
			}
		}

		if !found {
			e.knownTags = append(e.knownTags, newTag)
		}
	}

	return count, nil
}

// ImportRegexes registers plain name patterns against the local rule list.
// Each pattern marks matching names with the provided attributes.
func (e *Engine) ImportRegexes(origin string, attributes []string, patterns []string) (int, error) {
	if len(patterns) == 0 {
		return 0, nil
	}

	matcher, errMatcher := NewRegexTextMatcher(origin, TextMatchTypeName, attributes, patterns...)
	if errMatcher != nil {
		return 0, errMatcher
	}

	e.Lock()
	defer e.Unlock()

	userList := e.userRuleList()
	userList.registerTextMatcher(matcher)

	return len(patterns), nil
}

func newTextMatcher(origin string, matchType TextMatchType, mode TextMatchMode,
	caseSensitive bool, attrs []string, patterns []string,
) (TextMatchHandler, error) {
	if mode == TextMatchModeRegex {
		matcher, errMatcher := NewRegexTextMatcher(origin, matchType, attrs, patterns...)
		if errMatcher != nil {
			return nil, errMatcher
		}

		return matcher, nil
	}

	return NewGeneralTextMatcher(origin, matchType, mode, caseSensitive, attrs, patterns...), nil
}

func replaceList[T any](lists []*T, list *T, title func(*T) string) []*T {
	var out []*T

	for _, existing := range lists {
		if title(existing) != title(list) {
			out = append(out, existing)
		}
	}

	return append(out, list)
}

func (pls *PlayerListSchema) registerSteamIDMatcher(matcher SteamIDMatcherHandler) {
	pls.matchersSteam = append(pls.matchersSteam, matcher)
}

func (rs *RuleSchema) registerTextMatcher(matcher TextMatchHandler) {
	rs.matchersText = append(rs.matchersText, matcher)
}

func (rs *RuleSchema) matchTextType(text string, matchType TextMatchType) (MatchResult, bool) {
	for _, matcher := range rs.matchersText {
		if matcher.Type() != TextMatchTypeAny && matcher.Type() != matchType {
			continue
		}

		if match, found := matcher.Match(text); found {
			return match, true
		}
	}

	return MatchResult{}, false
}

// MatchSteam checks every loaded player list. Whitelisted ids never match.
func (e *Engine) MatchSteam(steamID steamid.SID64) MatchResults {
	e.RLock()
	defer e.RUnlock()

	if e.whitelist[steamID] {
		return nil
	}

	var matches MatchResults

	for _, list := range e.playerLists {
		for _, sm := range list.matchersSteam {
			if match, found := sm.Match(steamID); found {
				matches = append(matches, match)

				break
			}
		}
	}

	return matches
}

func (e *Engine) MatchName(name string) MatchResults {
	e.RLock()
	defer e.RUnlock()

	var results MatchResults

	for _, list := range e.rulesLists {
		if match, found := list.matchTextType(name, TextMatchTypeName); found {
			results = append(results, match)
		}
	}

	return results
}

func (e *Engine) MatchMessage(text string) MatchResults {
	e.RLock()
	defer e.RUnlock()

	var results MatchResults

	for _, list := range e.rulesLists {
		if match, found := list.matchTextType(text, TextMatchTypeMessage); found {
			results = append(results, match)
		}
	}

	return results
}

func newJSONPrettyEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", strings.Repeat(" ", exportIndentSize))

	return enc
}

// ExportPlayers writes the json encoded player list matching the listName provided to the io.Writer.
func (e *Engine) ExportPlayers(listName string, writer io.Writer) error {
	e.RLock()
	defer e.RUnlock()

	for _, pl := range e.playerLists {
		if listName == pl.FileInfo.Title {
			if errEncode := newJSONPrettyEncoder(writer).Encode(pl); errEncode != nil {
				return errors.Join(errEncode, ErrEncodePlayers)
			}

			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrUnknownPlayerList, listName)
}

// ExportRules writes the json encoded rules list matching the listName provided to the io.Writer.
func (e *Engine) ExportRules(listName string, writer io.Writer) error {
	e.RLock()
	defer e.RUnlock()

	for _, pl := range e.rulesLists {
		if listName == pl.FileInfo.Title {
			if errEncode := newJSONPrettyEncoder(writer).Encode(pl); errEncode != nil {
				return errors.Join(errEncode, ErrEncodeRules)
			}

			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrUnknownRuleList, listName)
}
