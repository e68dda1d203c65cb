package main

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/leighmacdonald/steamid/v3/steamid"
)

var (
	ErrNoMatch        = errors.New("no match found")
	errParseTimestamp = errors.New("failed to parse timestamp")
	errDuration       = errors.New("failed to parse connected duration")
)

type EventType int

const (
	EvtKill EventType = iota
	EvtMsg
	EvtConnect
	EvtDisconnect
	EvtStatusID
	EvtHostname
	EvtMap
	EvtTags
	EvtAddress
	EvtLobby
	EvtAny = 1000
)

const logTimestampFormat = "01/02/2006 - 15:04:05"

// parseTimestamp will convert the source formatted log timestamps into a time.Time value.
func parseTimestamp(timestamp string) (time.Time, error) {
	parsedTime, errParse := time.Parse(logTimestampFormat, timestamp)
	if errParse != nil {
		return time.Time{}, errors.Join(errParse, errParseTimestamp)
	}

	return parsedTime, nil
}

type LogEvent struct {
	Type            EventType
	Player          string
	PlayerPing      int
	PlayerConnected time.Duration
	Team            Team
	UserID          int
	PlayerSID       steamid.SID64
	Victim          string
	Message         string
	Timestamp       time.Time
	MetaData        string
	Dead            bool
	TeamOnly        bool
}

func (e *LogEvent) ApplyTimestamp(tsString string) error {
	ts, errTS := parseTimestamp(tsString)
	if errTS != nil {
		return errTS
	}

	e.Timestamp = ts

	return nil
}

const (
	teamPrefix     = "(TEAM) "
	deadPrefix     = "*DEAD* "
	deadTeamPrefix = "*DEAD*(TEAM) "
)

// logParser turns console.log lines into typed events. Lines that match no
// pattern are counted, never treated as errors.
type logParser struct {
	rx       []*regexp.Regexp
	unparsed atomic.Int64
}

func newLogParser() *logParser {
	return &logParser{
		rx: []*regexp.Regexp{
			regexp.MustCompile(`^(?P<dt>[01]\d/[0123]\d/20\d{2}\s-\s\d{2}:\d{2}:\d{2}):\s(.+?)\skilled\s(.+?)\swith\s(.+)(\.|\. \(crit\))$`),
			regexp.MustCompile(`^(?P<dt>[01]\d/[0123]\d/20\d{2}\s-\s\d{2}:\d{2}:\d{2}):\s(?P<name>.+?)\s:\s{2}(?P<message>.+?)$`),
			regexp.MustCompile(`^(?P<dt>[01]\d/[0123]\d/20\d{2}\s-\s\d{2}:\d{2}:\d{2}):\s(.+?)\sconnected$`),
			regexp.MustCompile(`^(?P<dt>[01]\d/[0123]\d/20\d{2}\s-\s\d{2}:\d{2}:\d{2}):\s(Connecting to|Differing lobby received.).+?$`),
			regexp.MustCompile(`^(?P<dt>[01]\d/[0123]\d/20\d{2}\s-\s\d{2}:\d{2}:\d{2}):\s#\s{1,6}(?P<id>\d{1,6})\s"(?P<name>.+?)"\s+(?P<sid>\[U:\d:\d{1,10}])\s{1,8}(?P<time>\d{1,3}:\d{2}(:\d{2})?)\s+(?P<ping>\d{1,4})\s{1,8}(?P<loss>\d{1,3})\s(spawning|active)$`),
			regexp.MustCompile(`^(?P<dt>[01]\d/[0123]\d/20\d{2}\s-\s\d{2}:\d{2}:\d{2}):\shostname:\s(.+?)$`),
			regexp.MustCompile(`^(?P<dt>[01]\d/[0123]\d/20\d{2}\s-\s\d{2}:\d{2}:\d{2}):\smap\s{5}:\s(.+?)\sat.+?$`),
			regexp.MustCompile(`^(?P<dt>[01]\d/[0123]\d/20\d{2}\s-\s\d{2}:\d{2}:\d{2}):\stags\s{4}:\s(.+?)$`),
			regexp.MustCompile(`^(?P<dt>[01]\d/[0123]\d/20\d{2}\s-\s\d{2}:\d{2}:\d{2}):\sudp/ip\s{2}:\s(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d{1,5})$`),
			regexp.MustCompile(`^\s{2}(Member|Pending)\[\d+]\s+(?P<sid>\[.+?]).+?TF_GC_TEAM_(?P<team>(DEFENDERS|INVADERS))\s{2}type\s=\sMATCH_PLAYER$`),
		},
	}
}

// UnparsedCount returns how many lines matched no known pattern so far.
func (parser *logParser) UnparsedCount() int64 {
	return parser.unparsed.Load()
}

func (parser *logParser) parse(msg string, outEvent *LogEvent) error {
	// The index must match the index of the EventType const values.
	for i, rxMatcher := range parser.rx {
		match := rxMatcher.FindStringSubmatch(msg)
		if match == nil {
			continue
		}

		outEvent.Type = EventType(i)
		if outEvent.Type != EvtLobby {
			if errTS := outEvent.ApplyTimestamp(match[1]); errTS != nil {
				slog.Error("Failed to parse timestamp", errAttr(errTS))
			}
		}

		switch outEvent.Type {
		case EvtConnect:
			outEvent.Player = match[2]
		case EvtDisconnect:
			outEvent.MetaData = match[2]
		case EvtMsg:
			name := match[2]
			dead := false
			team := false

			if strings.HasPrefix(name, teamPrefix) {
				name = strings.TrimPrefix(name, teamPrefix)
				team = true
			}

			if strings.HasPrefix(name, deadTeamPrefix) {
				name = strings.TrimPrefix(name, deadTeamPrefix)
				dead = true
				team = true
			} else if strings.HasPrefix(name, deadPrefix) {
				dead = true
				name = strings.TrimPrefix(name, deadPrefix)
			}

			outEvent.TeamOnly = team
			outEvent.Dead = dead
			outEvent.Player = name
			outEvent.Message = match[3]
		case EvtStatusID:
			userID, errUserID := strconv.ParseInt(match[2], 10, 32)
			if errUserID != nil {
				continue
			}

			ping, errPing := strconv.ParseInt(match[7], 10, 32)
			if errPing != nil {
				continue
			}

			dur, durErr := parseConnected(match[5])
			if durErr != nil {
				continue
			}

			outEvent.UserID = int(userID)
			outEvent.Player = match[3]
			outEvent.PlayerSID = steamid.SID3ToSID64(steamid.SID3(match[4]))
			outEvent.PlayerConnected = dur
			outEvent.PlayerPing = int(ping)
		case EvtKill:
			outEvent.Player = match[2]
			outEvent.Victim = match[3]
		case EvtHostname:
			outEvent.MetaData = match[2]
		case EvtMap:
			outEvent.MetaData = match[2]
		case EvtTags:
			outEvent.MetaData = match[2]
		case EvtAddress:
			outEvent.MetaData = match[2]
		case EvtLobby:
			outEvent.PlayerSID = steamid.SID3ToSID64(steamid.SID3(match[2]))
			if match[3] == "INVADERS" {
				outEvent.Team = Blu
			} else {
				outEvent.Team = Red
			}
		}

		return nil
	}

	parser.unparsed.Add(1)

	return ErrNoMatch
}

func parseConnected(d string) (time.Duration, error) {
	var (
		pcs      = strings.Split(d, ":")
		dur      time.Duration
		parseErr error
	)

	switch len(pcs) {
	case 3:
		dur, parseErr = time.ParseDuration(fmt.Sprintf("%sh%sm%ss", pcs[0], pcs[1], pcs[2]))
	case 2:
		dur, parseErr = time.ParseDuration(fmt.Sprintf("%sm%ss", pcs[0], pcs[1]))
	case 1:
		dur, parseErr = time.ParseDuration(fmt.Sprintf("%ss", pcs[0]))
	default:
		dur = 0
	}

	if parseErr != nil {
		return 0, errors.Join(parseErr, errDuration)
	}

	return dur, nil
}

type statusEntry struct {
	userID    int
	name      string
	steamID   steamid.SID64
	connected time.Duration
	ping      int
	loss      int
}

type statusSummary struct {
	hostname string
	mapName  string
	tags     []string
	address  string
	entries  []statusEntry
	unparsed int
}

// Status output returned over rcon carries no timestamp prefix, unlike the
// same lines echoed into console.log.
var (
	rxStatusPlayer = regexp.MustCompile(`^#\s{1,6}(?P<id>\d{1,6})\s"(?P<name>.+?)"\s+(?P<sid>\[U:\d:\d{1,10}])\s{1,8}(?P<time>\d{1,3}:\d{2}(:\d{2})?)\s+(?P<ping>\d{1,4})\s{1,8}(?P<loss>\d{1,3})\s(spawning|active)$`)
	rxStatusHost   = regexp.MustCompile(`^hostname:\s(.+?)$`)
	rxStatusMap    = regexp.MustCompile(`^map\s{5}:\s(.+?)\sat.+?$`)
	rxStatusTags   = regexp.MustCompile(`^tags\s{4}:\s(.+?)$`)
	rxStatusAddr   = regexp.MustCompile(`^udp/ip\s{2}:\s(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d{1,5})$`)
)

var statusIgnorePrefixes = []string{
	"version ", "steamid ", "account ", "players ", "edicts ", "sourcetv", "# userid",
}

// parseStatus extracts the server summary and player table from a raw status
// response body.
func parseStatus(body string) statusSummary {
	var summary statusSummary

lines:
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if match := rxStatusPlayer.FindStringSubmatch(line); match != nil {
			entry, errEntry := statusEntryFromMatch(match)
			if errEntry != nil {
				summary.unparsed++

				continue
			}

			summary.entries = append(summary.entries, entry)

			continue
		}

		if match := rxStatusHost.FindStringSubmatch(line); match != nil {
			summary.hostname = match[1]

			continue
		}

		if match := rxStatusMap.FindStringSubmatch(line); match != nil {
			summary.mapName = match[1]

			continue
		}

		if match := rxStatusTags.FindStringSubmatch(line); match != nil {
			summary.tags = strings.Split(match[1], ",")

			continue
		}

		if match := rxStatusAddr.FindStringSubmatch(line); match != nil {
			summary.address = match[1]

			continue
		}

		for _, prefix := range statusIgnorePrefixes {
			if strings.HasPrefix(line, prefix) {
				continue lines
			}
		}

		summary.unparsed++
	}

	return summary
}

func statusEntryFromMatch(match []string) (statusEntry, error) {
	userID, errUserID := strconv.ParseInt(match[1], 10, 32)
	if errUserID != nil {
		return statusEntry{}, errors.Join(errUserID, ErrNoMatch)
	}

	sid64 := steamid.SID3ToSID64(steamid.SID3(match[3]))
	if !sid64.Valid() {
		return statusEntry{}, steamid.ErrInvalidSID
	}

	dur, errDur := parseConnected(match[4])
	if errDur != nil {
		return statusEntry{}, errDur
	}

	ping, errPing := strconv.ParseInt(match[6], 10, 32)
	if errPing != nil {
		return statusEntry{}, errors.Join(errPing, ErrNoMatch)
	}

	loss, errLoss := strconv.ParseInt(match[7], 10, 32)
	if errLoss != nil {
		return statusEntry{}, errors.Join(errLoss, ErrNoMatch)
	}

	return statusEntry{
		userID:    int(userID),
		name:      match[2],
		steamID:   sid64,
		connected: dur,
		ping:      int(ping),
		loss:      int(loss),
	}, nil
}
