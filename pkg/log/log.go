// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package log

// API inspired by zerolog https://github.com/rs/zerolog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

// ErrInvalidLevel unknown level name.
var ErrInvalidLevel = errors.New("invalid log level")

// ParseLevel parses "error", "warning", "info" or "debug".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "info", "":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return 0, fmt.Errorf("%w: %v", ErrInvalidLevel, s)
}

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	}
	return "unknown"
}

// UnixMicro microseconds since the unix epoch.
type UnixMicro uint64

// Event defines log event.
type Event struct {
	level  Level
	time   UnixMicro // Timestamp.
	src    string    // Source.
	stream string    // Source stream name.

	logger *Logger
}

// Log defines log entry.
type Log struct {
	Level  Level     `json:"level"`
	Time   UnixMicro `json:"time"`
	Msg    string    `json:"msg"`
	Src    string    `json:"src"`
	Stream string    `json:"stream,omitempty"`
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	e.src = source
	return e
}

// Stream sets the stream the event belongs to.
func (e *Event) Stream(name string) *Event {
	e.stream = name
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	e.time = UnixMicro(t.UnixMicro())
	return e
}

// Msg sends the *Event with msg added as the message field.
// Msg returns without sending if the logger has stopped.
func (e *Event) Msg(msg string) {
	log := Log{
		Time:   e.time,
		Level:  e.level,
		Msg:    msg,
		Src:    e.src,
		Stream: e.stream,
	}

	select {
	case e.logger.feed <- log:
	case <-e.logger.done:
	}
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Msg(fmt.Sprintf(format, v...))
}

type logFeed chan Log

// Logger fans out log events to subscribers.
type Logger struct {
	feed  logFeed      // feed of logs.
	sub   chan logFeed // subscribe requests.
	unsub chan logFeed // unsubscribe requests.

	// Closed when Start returns.
	done chan struct{}
}

// NewLogger returns a Logger, Start must be called before logging.
func NewLogger() *Logger {
	return &Logger{
		feed:  make(logFeed),
		sub:   make(chan logFeed),
		unsub: make(chan logFeed),
		done:  make(chan struct{}),
	}
}

// NewMockLogger returns a started logger without subscribers, used for testing.
func NewMockLogger() *Logger {
	l := NewLogger()
	go l.Start(context.Background())
	return l
}

// Start logger, blocks until context is canceled.
func (l *Logger) Start(ctx context.Context) {
	defer close(l.done)

	subs := map[logFeed]struct{}{}
	for {
		select {
		case <-ctx.Done():
			return

		case ch := <-l.sub:
			subs[ch] = struct{}{}

		case ch := <-l.unsub:
			close(ch)
			delete(subs, ch)

		case msg := <-l.feed:
			for ch := range subs {
				ch <- msg
			}
		}
	}
}

// CancelFunc cancels log feed subsciption.
type CancelFunc func()

// Subscribe returns a new chan with log feed and a CancelFunc.
func (l *Logger) Subscribe() (<-chan Log, CancelFunc) {
	feed := make(logFeed)
	select {
	case l.sub <- feed:
	case <-l.done:
		close(feed)
		return feed, func() {}
	}

	cancel := func() {
		l.unSubscribe(feed)
	}
	return feed, cancel
}

func (l *Logger) unSubscribe(feed logFeed) {
	// Read feed until unsub request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case <-feed:
		case <-l.done:
			return
		}
	}
}

// LogToStdout prints log feed to Stdout until context is canceled.
// Logs above maxLevel are skipped.
func (l *Logger) LogToStdout(ctx context.Context, maxLevel Level) {
	feed, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case log, ok := <-feed:
			if !ok {
				return
			}
			if log.Level <= maxLevel {
				fmt.Println(FormatLog(log))
			}
		case <-ctx.Done():
			return
		}
	}
}

var levelColor = map[Level]*color.Color{
	LevelError:   color.New(color.FgRed, color.Bold),
	LevelWarning: color.New(color.FgYellow),
	LevelInfo:    color.New(color.FgGreen),
	LevelDebug:   color.New(color.FgCyan),
}

// FormatLog formats a log entry for the terminal.
func FormatLog(log Log) string {
	var b strings.Builder
	if c, ok := levelColor[log.Level]; ok {
		b.WriteString(c.Sprint("[" + strings.ToUpper(log.Level.String()) + "] "))
	}

	if log.Stream != "" {
		b.WriteString(log.Stream + ": ")
	}
	if log.Src != "" {
		b.WriteString(strings.ToUpper(log.Src[:1]) + log.Src[1:] + ": ")
	}

	b.WriteString(log.Msg)
	return b.String()
}

func (l *Logger) newEvent(level Level) *Event {
	return &Event{
		level:  level,
		time:   UnixMicro(time.Now().UnixMicro()),
		logger: l,
	}
}

// Error starts a new message with error level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Error() *Event {
	return l.newEvent(LevelError)
}

// Warn starts a new message with warn level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Warn() *Event {
	return l.newEvent(LevelWarning)
}

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *Event {
	return l.newEvent(LevelInfo)
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *Event {
	return l.newEvent(LevelDebug)
}
