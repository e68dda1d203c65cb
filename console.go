package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"

	"github.com/nxadm/tail"
)

var errLogTail = errors.New("failed to tail console log")

const logEventBuffer = 64

// logIngest tails the game's console.log between roster polls, feeding the
// chat and kill events that never appear in rcon responses.
type logIngest struct {
	tail     *tail.Tail
	parser   *logParser
	external chan LogEvent
}

func newLogIngest(path string, parser *logParser) (*logIngest, error) {
	tailConfig := tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		// File truncation detection does not work with inotify on windows.
		Poll:     runtime.GOOS == "windows",
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tailLogAdapter{echo: false},
	}

	tailFile, errTail := tail.TailFile(path, tailConfig)
	if errTail != nil {
		return nil, errors.Join(errTail, errLogTail)
	}

	return &logIngest{
		tail:     tailFile,
		parser:   parser,
		external: make(chan LogEvent, logEventBuffer),
	}, nil
}

func (li *logIngest) Events() <-chan LogEvent {
	return li.external
}

func (li *logIngest) start(ctx context.Context) {
	defer func() {
		_ = li.tail.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-li.tail.Lines:
			if !ok {
				return
			}

			if line == nil {
				continue
			}

			text := strings.TrimSuffix(line.Text, "\r")
			if strings.TrimSpace(text) == "" {
				continue
			}

			var event LogEvent
			if errParse := li.parser.parse(text, &event); errParse != nil {
				// Unmatched lines are counted by the parser, not errors.
				continue
			}

			select {
			case li.external <- event:
			default:
				slog.Debug("Event channel full, dropping event")
			}
		}
	}
}
