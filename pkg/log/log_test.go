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

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLogger() (context.Context, func(), *Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := NewLogger()
	go logger.Start(ctx)

	return ctx, cancel, logger
}

func TestLogger(t *testing.T) {
	t.Run("msg", func(t *testing.T) {
		_, cancel, logger := newTestLogger()
		defer cancel()

		feed, cancel2 := logger.Subscribe()
		defer cancel2()

		go logger.Warn().Src("muxer").Stream("cam1").Msgf("%v %v", "a", 1)
		actual := <-feed

		require.Equal(t, LevelWarning, actual.Level)
		require.Equal(t, "muxer", actual.Src)
		require.Equal(t, "cam1", actual.Stream)
		require.Equal(t, "a 1", actual.Msg)
		require.NotZero(t, actual.Time)
	})
	t.Run("time", func(t *testing.T) {
		_, cancel, logger := newTestLogger()
		defer cancel()

		feed, cancel2 := logger.Subscribe()
		defer cancel2()

		go logger.Info().Time(time.Unix(1, 0)).Msg("x")
		actual := <-feed
		require.Equal(t, UnixMicro(1000000), actual.Time)
	})
	t.Run("unsubBeforeMsg", func(t *testing.T) {
		_, cancel, logger := newTestLogger()
		defer cancel()

		feed1, cancel1 := logger.Subscribe()
		feed2, cancel2 := logger.Subscribe()
		cancel2()

		go logger.Info().Msg("test")
		actual1 := <-feed1
		actual2, ok := <-feed2
		cancel1()

		require.Equal(t, "test", actual1.Msg)
		require.False(t, ok)
		require.Equal(t, Log{}, actual2)
	})
	t.Run("msgAfterStop", func(t *testing.T) {
		_, cancel, logger := newTestLogger()
		cancel()

		done := make(chan struct{})
		go func() {
			logger.Error().Msg("dropped")
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Msg blocked after logger stopped")
		}
	})
	t.Run("logToStdout", func(t *testing.T) {
		cs := []string{"-test.run=TestLogToStdout"}
		cmd := exec.Command(os.Args[0], cs...)
		cmd.Env = []string{"GO_TEST_PROCESS=1"}
		output, err := cmd.CombinedOutput()
		require.NoError(t, err)

		expected := "[INFO] cam: Recorder: test\n"
		require.Equal(t, expected, string(output))
	})
}

func TestLogToStdout(t *testing.T) {
	if os.Getenv("GO_TEST_PROCESS") != "1" {
		return
	}
	ctx, cancel, logger := newTestLogger()
	defer cancel()

	go logger.LogToStdout(ctx, LevelInfo)
	time.Sleep(10 * time.Millisecond)
	logger.Debug().Src("recorder").Msg("hidden")
	logger.Info().Src("recorder").Stream("cam").Msg("test")
	time.Sleep(10 * time.Millisecond)

	os.Exit(0)
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input    string
		expected Level
		err      error
	}{
		{"error", LevelError, nil},
		{"WARNING", LevelWarning, nil},
		{"warn", LevelWarning, nil},
		{"", LevelInfo, nil},
		{"debug", LevelDebug, nil},
		{"trace", 0, ErrInvalidLevel},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			level, err := ParseLevel(tc.input)
			require.True(t, errors.Is(err, tc.err))
			require.Equal(t, tc.expected, level)
		})
	}
}
