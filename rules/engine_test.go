package rules_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/botwatchd/botwatch/rules"
	"github.com/leighmacdonald/steamid/v3/steamid"
	"github.com/stretchr/testify/require"
)

func TestSteamIDMark(t *testing.T) {
	t.Parallel()

	engine := rules.New()
	sid64 := steamid.RandSID64()

	require.NoError(t, engine.Mark(rules.MarkOpts{
		SteamID:    sid64,
		Attributes: []string{"cheater"},
		Name:       "badguy",
	}))

	matches := engine.MatchSteam(sid64)
	require.NotEmpty(t, matches)
	require.True(t, matches.HasOneOfAttr("cheater"))

	// Marking the same id with the same attribute again is rejected.
	require.ErrorIs(t, engine.Mark(rules.MarkOpts{
		SteamID:    sid64,
		Attributes: []string{"cheater"},
	}), rules.ErrDuplicateSteamID)

	require.True(t, engine.Unmark(sid64))
	require.Empty(t, engine.MatchSteam(sid64))
	require.False(t, engine.Unmark(sid64))
}

func TestWhitelistSuppressesMatches(t *testing.T) {
	t.Parallel()

	engine := rules.New()
	sid64 := steamid.RandSID64()

	require.NoError(t, engine.Mark(rules.MarkOpts{SteamID: sid64, Attributes: []string{"bot"}}))
	require.NotEmpty(t, engine.MatchSteam(sid64))

	engine.Whitelist(sid64, true)
	require.True(t, engine.Whitelisted(sid64))
	require.Empty(t, engine.MatchSteam(sid64))

	engine.Whitelist(sid64, false)
	require.NotEmpty(t, engine.MatchSteam(sid64))
}

func TestImportRegexes(t *testing.T) {
	t.Parallel()

	engine := rules.New()

	patterns, errParse := rules.ParseRegexList(strings.NewReader("# known bot names\n^Bot\\d+$\n\n(?i)duckduckgo\n"))
	require.NoError(t, errParse)
	require.Len(t, patterns, 2)

	count, errImport := engine.ImportRegexes("regex_list", []string{"bot"}, patterns)
	require.NoError(t, errImport)
	require.Equal(t, 2, count)

	matches := engine.MatchName("Bot007")
	require.NotEmpty(t, matches)
	require.True(t, matches.HasOneOfAttr("bot"))
	require.Equal(t, "regex_list", matches[0].Origin)

	require.NotEmpty(t, engine.MatchName("DUCKDUCKGO cloner"))
	require.Empty(t, engine.MatchName("Bot007b"))
	require.Empty(t, engine.MatchName("regular player"))
}

func TestImportRegexesInvalidPattern(t *testing.T) {
	t.Parallel()

	engine := rules.New()

	_, errImport := engine.ImportRegexes("regex_list", []string{"bot"}, []string{"([invalid"})
	require.ErrorIs(t, errImport, rules.ErrInvalidRegex)
}

func TestImportRuleSchema(t *testing.T) {
	t.Parallel()

	const ruleList = `{
		"$schema": "https://raw.githubusercontent.com/PazerOP/tf2_bot_detector/master/schemas/v3/rules.schema.json",
		"file_info": {"authors": ["tester"], "description": "test", "title": "test_rules"},
		"rules": [
			{
				"description": "spam hosts",
				"triggers": {"chatmsg_text_match": {"case_sensitive": false, "mode": "contains", "patterns": ["discord.gg/"]}}
			},
			{
				"description": "impersonators",
				"triggers": {"username_text_match": {"case_sensitive": false, "mode": "equal", "patterns": ["shounic"]}}
			}
		]
	}`

	engine := rules.New()

	var schema rules.RuleSchema
	require.NoError(t, rules.ParseRulesList(strings.NewReader(ruleList), &schema))

	count, errImport := engine.ImportRules(&schema)
	require.NoError(t, errImport)
	require.Equal(t, 2, count)

	msgMatches := engine.MatchMessage("join discord.gg/freestuff now")
	require.NotEmpty(t, msgMatches)
	require.True(t, msgMatches.HasOneOfAttr("trigger_msg"))

	require.NotEmpty(t, engine.MatchName("SHOUNIC"))
	require.Empty(t, engine.MatchMessage("regular chatter"))
}

func TestImportPlayerSchema(t *testing.T) {
	t.Parallel()

	sid64 := steamid.RandSID64()

	const playerListTmpl = `{
		"$schema": "https://raw.githubusercontent.com/PazerOP/tf2_bot_detector/master/schemas/v3/playerlist.schema.json",
		"file_info": {"authors": ["tester"], "description": "test", "title": "test_players"},
		"players": [
			{"attributes": ["cheater"], "steamid": "SID", "last_seen": {"player_name": "seen", "time": 1}}
		]
	}`

	engine := rules.New()

	var schema rules.PlayerListSchema
	body := strings.Replace(playerListTmpl, "SID", sid64.String(), 1)
	require.NoError(t, rules.ParsePlayerSchema(strings.NewReader(body), &schema))

	count, errImport := engine.ImportPlayers(&schema)
	require.NoError(t, errImport)
	require.Equal(t, 1, count)

	matches := engine.MatchSteam(sid64)
	require.NotEmpty(t, matches)
	require.True(t, matches.HasOneOfAttr("cheater"))
	require.Contains(t, engine.UniqueTags(), "cheater")
}

func TestExportPlayers(t *testing.T) {
	t.Parallel()

	engine := rules.New()
	sid64 := steamid.RandSID64()

	require.NoError(t, engine.Mark(rules.MarkOpts{SteamID: sid64, Attributes: []string{"bot"}}))

	var buf bytes.Buffer
	require.NoError(t, engine.ExportPlayers(rules.LocalRuleName, &buf))
	require.Contains(t, buf.String(), sid64.String())

	require.ErrorIs(t, engine.ExportPlayers("missing", &buf), rules.ErrUnknownPlayerList)
}
