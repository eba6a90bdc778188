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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) (*DB, func()) {
	dbPath := filepath.Join(t.TempDir(), "logs.db")

	wg := &sync.WaitGroup{}
	logDB := NewDB(dbPath, wg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, logDB.Init(ctx))

	return logDB, func() {
		cancel()
		wg.Wait()
	}
}

func TestQuery(t *testing.T) {
	msg1 := Log{
		Level:  LevelError,
		Time:   4000,
		Src:    "s1",
		Stream: "m1",
		Msg:    "msg1",
	}
	msg2 := Log{
		Level: LevelWarning,
		Time:  3000,
		Src:   "s1",
		Msg:   "msg2",
	}
	msg3 := Log{
		Level:  LevelInfo,
		Time:   2000,
		Src:    "s2",
		Stream: "m2",
		Msg:    "msg3",
	}

	logDB, cancel := newTestDB(t)
	defer cancel()

	require.NoError(t, logDB.saveLog(msg1))
	require.NoError(t, logDB.saveLog(msg2))
	require.NoError(t, logDB.saveLog(msg3))

	all := []Level{LevelError, LevelWarning, LevelInfo, LevelDebug}
	cases := []struct {
		name     string
		input    Query
		expected []Log
	}{
		{
			name:     "singleLevel",
			input:    Query{Levels: []Level{LevelWarning}, Sources: []string{"s1"}},
			expected: []Log{msg2},
		},
		{
			name:     "multipleLevels",
			input:    Query{Levels: []Level{LevelError, LevelWarning}, Sources: []string{"s1"}},
			expected: []Log{msg1, msg2},
		},
		{
			name:     "singleSource",
			input:    Query{Levels: []Level{LevelError, LevelInfo}, Sources: []string{"s1"}},
			expected: []Log{msg1},
		},
		{
			name:     "multipleSources",
			input:    Query{Levels: []Level{LevelError, LevelInfo}, Sources: []string{"s1", "s2"}},
			expected: []Log{msg1, msg3},
		},
		{
			name:     "singleStream",
			input:    Query{Levels: all, Streams: []string{"m1"}},
			expected: []Log{msg1},
		},
		{
			name:     "multipleStreams",
			input:    Query{Levels: all, Streams: []string{"m1", "m2"}},
			expected: []Log{msg1, msg3},
		},
		{
			name:     "all",
			input:    Query{},
			expected: []Log{msg1, msg2, msg3},
		},
		{
			name:     "limit",
			input:    Query{Levels: all, Limit: 2},
			expected: []Log{msg1, msg2},
		},
		{
			name:     "limit2",
			input:    Query{Levels: []Level{LevelInfo}, Limit: 1},
			expected: []Log{msg3},
		},
		{
			name:     "exactTime",
			input:    Query{Time: 4000},
			expected: []Log{msg2, msg3},
		},
		{
			name:     "time",
			input:    Query{Time: 3500},
			expected: []Log{msg2, msg3},
		},
		{
			name:     "timeAfterNewest",
			input:    Query{Time: 9000},
			expected: []Log{msg1, msg2, msg3},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logs, err := logDB.Query(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.expected, logs)
		})
	}
}

func TestQueryUnmarshalErr(t *testing.T) {
	logDB, cancel := newTestDB(t)
	defer cancel()

	err := logDB.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbAPIversion))
		return b.Put([]byte("invalid"), []byte("nil"))
	})
	require.NoError(t, err)

	_, err = logDB.Query(Query{})
	require.Error(t, err)
}

func TestQueryEmpty(t *testing.T) {
	logDB, cancel := newTestDB(t)
	defer cancel()

	logs, err := logDB.Query(Query{})
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestDB(t *testing.T) {
	t.Run("maxKeys", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		logDB.maxKeys = 3
		for i := 1; i <= 5; i++ {
			require.NoError(t, logDB.saveLog(Log{Time: UnixMicro(i)}))
		}

		err := logDB.db.View(func(tx *bolt.Tx) error {
			keyN := tx.Bucket([]byte(dbAPIversion)).Stats().KeyN
			require.Equal(t, logDB.maxKeys, keyN)
			return nil
		})
		require.NoError(t, err)

		logs, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Len(t, logs, 3)
		require.Equal(t, UnixMicro(5), logs[0].Time)
		require.Equal(t, UnixMicro(3), logs[2].Time)
	})
	t.Run("openDBerr", func(t *testing.T) {
		logDB := NewDB(t.TempDir(), &sync.WaitGroup{})
		require.Error(t, logDB.Init(context.Background()))
	})
	t.Run("saveLogs", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		ctx, cancel2 := context.WithCancel(context.Background())
		defer cancel2()

		logger := NewLogger()
		go logger.Start(ctx)
		go logDB.SaveLogs(ctx, logger)

		require.Eventually(t, func() bool {
			logger.Info().Src("recorder").Stream("cam").Msg("saved")
			logs, err := logDB.Query(Query{Sources: []string{"recorder"}})
			return err == nil && len(logs) > 0
		}, 5*time.Second, 10*time.Millisecond)
	})
}
