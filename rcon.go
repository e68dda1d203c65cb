package main

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/leighmacdonald/rcon/rcon"
)

var (
	ErrSessionAuth    = errors.New("rcon authentication rejected")
	ErrSessionConnect = errors.New("rcon connection failed")
	ErrSessionClosed  = errors.New("rcon session not connected")
	ErrSessionWrite   = errors.New("failed to write rcon command")
	ErrSessionRead    = errors.New("failed to read rcon response")
	ErrSessionTimeout = errors.New("rcon command timed out")
)

// Responses at or above this size continue in a follow-up packet.
const largeResponseChunk = 4000

// Commands that fail to produce a response this many times in a row drop the
// connection so the caller can schedule a reconnect.
const maxConsecutiveTimeouts = 3

type rconConn interface {
	Write(cmd string) (int, error)
	Read() (string, int, error)
	Close() error
}

type rconDialFunc func(ctx context.Context, addr string, password string, timeout time.Duration) (rconConn, error)

func dialRcon(ctx context.Context, addr string, password string, timeout time.Duration) (rconConn, error) {
	conn, errConn := rcon.Dial(ctx, addr, password, timeout)
	if errConn != nil {
		return nil, errConn
	}

	return conn, nil
}

// Session holds an authenticated rcon connection to the game client. Commands
// are serialized, matched to their response by request id and reassembled when
// the response spans multiple packets.
type Session struct {
	addr     string
	password string
	timeout  time.Duration
	dial     rconDialFunc

	mu           sync.Mutex
	conn         rconConn
	timeoutCount int
}

func newSession(settings userSettings) *Session {
	return &Session{
		addr:     settings.Rcon.Address,
		password: settings.Rcon.Password,
		timeout:  settings.RconTimeout(),
		dial:     dialRcon,
	}
}

func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	conn, errDial := s.dial(ctx, s.addr, s.password, s.timeout)
	if errDial != nil {
		// The dial error is the only place the library reports a rejected
		// password, there is no typed auth error to match on.
		if strings.Contains(strings.ToLower(errDial.Error()), "auth") {
			return errors.Join(errDial, ErrSessionAuth)
		}

		return errors.Join(errDial, ErrSessionConnect)
	}

	s.conn = conn
	s.timeoutCount = 0

	return nil
}

func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn != nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	errClose := s.conn.Close()
	s.conn = nil

	return errClose
}

// Exec sends a command and returns the full response body. A transport error
// drops the connection and subsequent calls fail fast with ErrSessionClosed
// until Connect succeeds again.
func (s *Session) Exec(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if errCtx := ctx.Err(); errCtx != nil {
		return "", errCtx
	}

	if s.conn == nil {
		return "", ErrSessionClosed
	}

	cmdID, errWrite := s.conn.Write(cmd)
	if errWrite != nil {
		s.dropLocked()

		return "", errors.Join(errWrite, ErrSessionWrite)
	}

	var response strings.Builder

	for {
		body, respID, errRead := s.conn.Read()
		if errRead != nil {
			if isTimeoutErr(errRead) {
				s.timeoutCount++
				if s.timeoutCount >= maxConsecutiveTimeouts {
					s.dropLocked()
				}

				return "", errors.Join(errRead, ErrSessionTimeout)
			}

			s.dropLocked()

			return "", errors.Join(errRead, ErrSessionRead)
		}

		if respID != cmdID {
			// Stale response from an earlier timed out command.
			continue
		}

		response.WriteString(body)

		if len(body) < largeResponseChunk {
			break
		}
	}

	s.timeoutCount = 0

	return response.String(), nil
}

func (s *Session) dropLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	s.timeoutCount = 0
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return strings.Contains(err.Error(), "timeout")
}
