package rules

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/leighmacdonald/steamid/v3/steamid"
)

const (
	LocalRuleName   = "local"
	LocalRuleAuthor = "local"
	urlPlayerSchema = "https://raw.githubusercontent.com/PazerOP/tf2_bot_detector/master/schemas/v3/playerlist.schema.json"
	urlRuleSchema   = "https://raw.githubusercontent.com/PazerOP/tf2_bot_detector/master/schemas/v3/rules.schema.json"
)

type TextMatchMode string

const (
	TextMatchModeContains   TextMatchMode = "contains"
	TextMatchModeRegex      TextMatchMode = "regex"
	TextMatchModeEqual      TextMatchMode = "equal"
	TextMatchModeStartsWith TextMatchMode = "starts_with"
	TextMatchModeEndsWith   TextMatchMode = "ends_with"
	TextMatchModeWord       TextMatchMode = "word"
)

type BaseSchema struct {
	Schema   string   `json:"$schema"`
	FileInfo FileInfo `json:"file_info"`
}

type FileInfo struct {
	Authors     []string `json:"authors"`
	Description string   `json:"description"`
	Title       string   `json:"title"`
	UpdateURL   string   `json:"update_url"`
}

func NewPlayerListSchema(players ...PlayerDefinition) PlayerListSchema {
	if players == nil {
		// Prevents the json encoder outputting `null` instead of `[]`.
		players = []PlayerDefinition{}
	}

	return PlayerListSchema{
		BaseSchema: BaseSchema{
			Schema: urlPlayerSchema,
			FileInfo: FileInfo{
				Authors:     []string{LocalRuleAuthor},
				Description: "local player list",
				Title:       LocalRuleName,
			},
		},
		Players: players,
	}
}

func NewRuleSchema(rules ...RuleDefinition) RuleSchema {
	if rules == nil {
		rules = []RuleDefinition{}
	}

	return RuleSchema{
		BaseSchema: BaseSchema{
			Schema: urlRuleSchema,
			FileInfo: FileInfo{
				Authors:     []string{LocalRuleAuthor},
				Description: "local",
				Title:       LocalRuleName,
			},
		},
		Rules: rules,
	}
}

type RuleSchema struct {
	BaseSchema
	Rules []RuleDefinition `json:"rules"`

	matchersText []TextMatchHandler
}

type RuleTriggerNameMatch struct {
	CaseSensitive bool          `json:"case_sensitive"`
	Mode          TextMatchMode `json:"mode"`
	Patterns      []string      `json:"patterns"`
	Attributes    []string      `json:"attributes,omitempty"`
}

type RuleTriggerTextMatch struct {
	CaseSensitive bool          `json:"case_sensitive"`
	Mode          TextMatchMode `json:"mode"`
	Patterns      []string      `json:"patterns"`
	Attributes    []string      `json:"attributes,omitempty"`
}

type RuleTriggers struct {
	Mode              string                `json:"mode"`
	UsernameTextMatch *RuleTriggerNameMatch `json:"username_text_match"`
	ChatMsgTextMatch  *RuleTriggerTextMatch `json:"chatmsg_text_match"`
}

type RuleActions struct {
	TransientMark []string `json:"transient_mark"`
	Mark          []string `json:"mark"`
}

type RuleDefinition struct {
	Actions     RuleActions  `json:"actions,omitempty"`
	Description string       `json:"description"`
	Triggers    RuleTriggers `json:"triggers,omitempty"`
}

type PlayerListSchema struct {
	BaseSchema
	Players []PlayerDefinition `json:"players"`

	matchersSteam []SteamIDMatcherHandler
}

type PlayerLastSeen struct {
	PlayerName string `json:"player_name,omitempty"`
	Time       int64  `json:"time,omitempty"`
}

type PlayerDefinition struct {
	Attributes []string       `json:"attributes"`
	LastSeen   PlayerLastSeen `json:"last_seen,omitempty"`
	SteamID    steamid.SID64  `json:"steamid"`
	Proof      []string       `json:"proof,omitempty"`
}

func ParsePlayerSchema(reader io.Reader, schema *PlayerListSchema) error {
	if errUnmarshal := json.NewDecoder(reader).Decode(schema); errUnmarshal != nil {
		return errors.Join(errUnmarshal, ErrDecodePlayers)
	}

	return nil
}

func ParseRulesList(reader io.Reader, schema *RuleSchema) error {
	if errUnmarshal := json.NewDecoder(reader).Decode(schema); errUnmarshal != nil {
		return errors.Join(errUnmarshal, ErrDecodeRules)
	}

	return nil
}

// ParseRegexList reads a plain list of name patterns, one regex per line.
// Blank lines and lines starting with # are skipped.
func ParseRegexList(reader io.Reader) ([]string, error) {
	var (
		patterns []string
		scanner  = bufio.NewScanner(reader)
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		patterns = append(patterns, line)
	}

	if errScan := scanner.Err(); errScan != nil {
		return nil, errors.Join(errScan, ErrDecodeRules)
	}

	return patterns, nil
}
