package rules

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/leighmacdonald/steamid/v3/steamid"
)

// MatchResult describes why a player matched: the list that produced the
// match, its attributes and the matcher kind.
type MatchResult struct {
	Origin      string   `json:"origin"`
	Attributes  []string `json:"attributes"`
	MatcherType string   `json:"matcher_type"`
}

func (mr MatchResult) HasAttr(attr string) bool {
	for _, resultAttr := range mr.Attributes {
		if strings.EqualFold(resultAttr, attr) {
			return true
		}
	}

	return false
}

type MatchResults []MatchResult

func (results MatchResults) HasOneOfAttr(attrs ...string) bool {
	for _, result := range results {
		for _, attr := range attrs {
			if result.HasAttr(attr) {
				return true
			}
		}
	}

	return false
}

type TextMatchType string

const (
	TextMatchTypeAny     TextMatchType = "any"
	TextMatchTypeName    TextMatchType = "name"
	TextMatchTypeMessage TextMatchType = "message"
)

// TextMatchHandler matches names or chat messages against a rule list.
type TextMatchHandler interface {
	Match(text string) (MatchResult, bool)
	Type() TextMatchType
}

// SteamIDMatcherHandler matches steam ids against a player list.
type SteamIDMatcherHandler interface {
	Match(sid64 steamid.SID64) (MatchResult, bool)
	HasOneOfAttr(attrs ...string) bool
	LastSeen() time.Time
	SteamID() steamid.SID64
}

type SteamIDMatcher struct {
	steamID    steamid.SID64
	origin     string
	attributes []string
	lastSeen   PlayerLastSeen
}

func (m SteamIDMatcher) SteamID() steamid.SID64 {
	return m.steamID
}

func (m SteamIDMatcher) LastSeen() time.Time {
	return time.Unix(m.lastSeen.Time, 0)
}

func (m SteamIDMatcher) HasOneOfAttr(attrs ...string) bool {
	for _, attr := range attrs {
		if slices.ContainsFunc(m.attributes, func(s string) bool {
			return strings.EqualFold(attr, s)
		}) {
			return true
		}
	}

	return false
}

func (m SteamIDMatcher) Match(sid64 steamid.SID64) (MatchResult, bool) {
	if sid64 == m.steamID {
		return MatchResult{Origin: m.origin, MatcherType: "steam_id", Attributes: m.attributes}, true
	}

	return MatchResult{}, false
}

func NewSteamIDMatcher(origin string, sid64 steamid.SID64, attributes []string) SteamIDMatcher {
	return SteamIDMatcher{steamID: sid64, origin: origin, attributes: attributes}
}

type RegexTextMatcher struct {
	matcherType TextMatchType
	patterns    []*regexp.Regexp
	origin      string
	attributes  []string
}

func (m RegexTextMatcher) Match(value string) (MatchResult, bool) {
	for _, re := range m.patterns {
		if re.MatchString(value) {
			return MatchResult{Origin: m.origin, MatcherType: string(m.Type()), Attributes: m.attributes}, true
		}
	}

	return MatchResult{}, false
}

func (m RegexTextMatcher) Type() TextMatchType {
	return m.matcherType
}

func NewRegexTextMatcher(origin string, matcherType TextMatchType, attributes []string, patterns ...string) (RegexTextMatcher, error) {
	compiled := make([]*regexp.Regexp, len(patterns))

	for index, inputPattern := range patterns {
		compiledRx, compErr := regexp.Compile(inputPattern)
		if compErr != nil {
			return RegexTextMatcher{}, errors.Join(compErr, fmt.Errorf("%w: %s", ErrInvalidRegex, inputPattern))
		}

		compiled[index] = compiledRx
	}

	return RegexTextMatcher{
		origin:      origin,
		matcherType: matcherType,
		patterns:    compiled,
		attributes:  attributes,
	}, nil
}

type GeneralTextMatcher struct {
	matcherType   TextMatchType
	mode          TextMatchMode
	caseSensitive bool
	patterns      []string
	attributes    []string
	origin        string
}

func (m GeneralTextMatcher) matched() MatchResult {
	return MatchResult{Origin: m.origin, MatcherType: string(m.Type()), Attributes: m.attributes}
}

func (m GeneralTextMatcher) Match(value string) (MatchResult, bool) {
	switch m.mode {
	case TextMatchModeStartsWith:
		for _, prefix := range m.patterns {
			if m.caseSensitive {
				if strings.HasPrefix(value, prefix) {
					return m.matched(), true
				}
			} else if strings.HasPrefix(strings.ToLower(value), strings.ToLower(prefix)) {
				return m.matched(), true
			}
		}
	case TextMatchModeEndsWith:
		for _, suffix := range m.patterns {
			if m.caseSensitive {
				if strings.HasSuffix(value, suffix) {
					return m.matched(), true
				}
			} else if strings.HasSuffix(strings.ToLower(value), strings.ToLower(suffix)) {
				return m.matched(), true
			}
		}
	case TextMatchModeEqual:
		for _, pattern := range m.patterns {
			if m.caseSensitive {
				if value == pattern {
					return m.matched(), true
				}
			} else if strings.EqualFold(value, pattern) {
				return m.matched(), true
			}
		}
	case TextMatchModeContains:
		for _, pattern := range m.patterns {
			if m.caseSensitive {
				if strings.Contains(value, pattern) {
					return m.matched(), true
				}
			} else if strings.Contains(strings.ToLower(value), strings.ToLower(pattern)) {
				return m.matched(), true
			}
		}
	case TextMatchModeWord:
		if !m.caseSensitive {
			value = strings.ToLower(value)
		}

		for _, word := range strings.Split(value, " ") {
			for _, pattern := range m.patterns {
				if m.caseSensitive {
					if pattern == word {
						return m.matched(), true
					}
				} else if strings.EqualFold(strings.ToLower(pattern), word) {
					return m.matched(), true
				}
			}
		}
	case TextMatchModeRegex:
		// Regex rules are compiled up front into a RegexTextMatcher.
	}

	return MatchResult{}, false
}

func (m GeneralTextMatcher) Type() TextMatchType {
	return m.matcherType
}

func NewGeneralTextMatcher(origin string, matcherType TextMatchType, matchMode TextMatchMode,
	caseSensitive bool, attributes []string, patterns ...string,
) GeneralTextMatcher {
	return GeneralTextMatcher{
		origin:        origin,
		matcherType:   matcherType,
		mode:          matchMode,
		caseSensitive: caseSensitive,
		patterns:      patterns,
		attributes:    attributes,
	}
}
