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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const dbAPIversion = "1"

const defaultMaxKeys = 100000

// NewDB new log database.
func NewDB(dbPath string, wg *sync.WaitGroup) *DB {
	return &DB{
		dbPath:  dbPath,
		maxKeys: defaultMaxKeys,

		wg:     wg,
		saveWG: &sync.WaitGroup{},
	}
}

// DB log database.
type DB struct {
	dbPath  string
	maxKeys int

	db *bolt.DB
	wg *sync.WaitGroup

	// Wait for last log to be saved before closing db.
	saveWG *sync.WaitGroup
}

// Init opens the database, it is closed when the context is canceled.
func (logDB *DB) Init(ctx context.Context) error {
	db, err := logDB.open(false)
	if err != nil {
		return err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(dbAPIversion))
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("create bucket %v: %w", dbAPIversion, err)
	}

	logDB.db = db

	logDB.wg.Add(1)
	go func() {
		<-ctx.Done()
		logDB.saveWG.Wait()
		db.Close()
		logDB.wg.Done()
	}()

	return nil
}

// OpenReadOnly opens an existing database for queries. Close must be called.
func (logDB *DB) OpenReadOnly() error {
	db, err := logDB.open(true)
	if err != nil {
		return err
	}
	logDB.db = db
	return nil
}

// Close closes a database opened with OpenReadOnly.
func (logDB *DB) Close() error {
	return logDB.db.Close()
}

func (logDB *DB) open(readOnly bool) (*bolt.DB, error) {
	opts := &bolt.Options{
		Timeout:  1 * time.Second,
		ReadOnly: readOnly,
	}
	db, err := bolt.Open(logDB.dbPath, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database %v: %w", logDB.dbPath, err)
	}
	return db, nil
}

// SaveLogs saves logs from the logger into the database
// until the context is canceled.
func (logDB *DB) SaveLogs(ctx context.Context, l *Logger) {
	feed, cancel := l.Subscribe()
	defer cancel()

	logDB.saveWG.Add(1)
	defer logDB.saveWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case log, ok := <-feed:
			if !ok {
				return
			}
			if err := logDB.saveLog(log); err != nil {
				fmt.Fprintf(os.Stderr, "could not save log: %v %v\n", log.Msg, err)
			}
		}
	}
}

func (logDB *DB) saveLog(log Log) error {
	key := encodeKey(uint64(log.Time))
	value, err := json.Marshal(log)
	if err != nil {
		return err
	}

	return logDB.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbAPIversion))

		if b.Stats().KeyN >= logDB.maxKeys {
			if err := deleteFirstKey(b); err != nil {
				return fmt.Errorf("delete first key: %w", err)
			}
		}
		return b.Put(key, value)
	})
}

func deleteFirstKey(b *bolt.Bucket) error {
	k, _ := b.Cursor().First()
	return b.Delete(k)
}

// Query database query. Nil filters match everything.
type Query struct {
	Levels  []Level
	Time    UnixMicro // Only logs before this time, 0 means now.
	Sources []string
	Streams []string
	Limit   int
}

// Query returns matching logs, newest first.
func (logDB *DB) Query(q Query) ([]Log, error) {
	var logs []Log

	limit := q.Limit
	if limit == 0 {
		limit = defaultMaxKeys
	}

	err := logDB.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbAPIversion))
		if b == nil {
			return nil
		}
		c := b.Cursor()

		filterLog := func(rawLog []byte) error {
			var log Log
			if err := json.Unmarshal(rawLog, &log); err != nil {
				return fmt.Errorf("unmarshal log: %w", err)
			}

			if !contains(q.Levels, log.Level) ||
				!contains(q.Sources, log.Src) ||
				!contains(q.Streams, log.Stream) {
				return nil
			}

			logs = append(logs, log)
			return nil
		}

		var key, value []byte
		if q.Time != 0 {
			key, _ = c.Seek(encodeKey(uint64(q.Time)))
			if key == nil {
				// Every log is older than the requested time.
				key, value = c.Last()
			} else {
				key, value = c.Prev()
			}
		} else {
			key, value = c.Last()
		}

		for ; key != nil && len(logs) < limit; key, value = c.Prev() {
			if err := filterLog(value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return logs, nil
}

func contains[T comparable](filter []T, v T) bool {
	if filter == nil {
		return true
	}
	for _, f := range filter {
		if f == v {
			return true
		}
	}
	return false
}

func encodeKey(key uint64) []byte {
	output := make([]byte, 8)
	binary.BigEndian.PutUint64(output, key)
	return output
}
