package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ffrecorder/pkg/log"
	"ffrecorder/pkg/storage"
	"ffrecorder/pkg/video/mp4muxer"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestApplyOverrides(t *testing.T) {
	t.Run("unchanged", func(t *testing.T) {
		opts := &recordOptions{}
		flags := pflag.NewFlagSet("record", pflag.ContinueOnError)
		bindRecordFlags(flags, opts)
		require.NoError(t, flags.Parse(nil))

		r := storage.RecorderEnv{Name: "rec", FrameRate: 30, SegmentDuration: 1000}
		want := r
		require.NoError(t, applyOverrides(flags, opts, &r))
		require.Equal(t, want, r)
	})
	t.Run("changed", func(t *testing.T) {
		opts := &recordOptions{}
		flags := pflag.NewFlagSet("record", pflag.ContinueOnError)
		bindRecordFlags(flags, opts)
		require.NoError(t, flags.Parse([]string{
			"--name", "cam",
			"--video", "/v.h264",
			"--audio", "/a.pcm",
			"--audio-codec", "alaw",
			"--segment", "10s",
			"--fps", "15",
			"--loop",
		}))

		var r storage.RecorderEnv
		require.NoError(t, applyOverrides(flags, opts, &r))
		require.Equal(t, storage.RecorderEnv{
			Name:            "cam",
			VideoSource:     "/v.h264",
			AudioSource:     "/a.pcm",
			AudioCodec:      "alaw",
			SampleRate:      8000,
			Channels:        1,
			SegmentDuration: 10000,
			FrameRate:       15,
			Loop:            true,
		}, r)
	})
}

func TestRunProbe(t *testing.T) {
	color.NoColor = true
	path := filepath.Join(t.TempDir(), "a.mp4")
	m, err := mp4muxer.Create(path, mp4muxer.Params{
		FrameRate:    25,
		DurationHint: time.Second,
	}, log.NewMockLogger())
	require.NoError(t, err)
	keyFrame := []byte{
		0, 0, 0, 1, 0x67, 0x64, 0, 0x16, 0xac, 0xd9, 0x40, 0xa4, 0x3b, 0xe4,
		0x88, 0xc0, 0x44, 0, 0, 3, 0, 4, 0, 0, 3, 0, 0x60, 0x3c, 0x58, 0xb6, 0x58,
		0, 0, 0, 1, 0x68, 0xeb, 0xe3, 0xcb,
		0, 0, 0, 1, 0x65, 0x88, 0x84,
	}
	require.NoError(t, m.WriteVideo(0, true, keyFrame, nil))
	require.NoError(t, m.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var out bytes.Buffer
	require.NoError(t, runProbe(&out, file))

	lines := strings.Split(out.String(), "\n")
	require.True(t, strings.HasPrefix(lines[0], "ftyp offset=0 "), lines[0])
	require.Contains(t, out.String(), "\nmoov offset=")
	require.Contains(t, out.String(), "\n  trak offset=")
	require.Contains(t, out.String(), "\nmdat offset=")
}

func TestRunLogs(t *testing.T) {
	color.NoColor = true
	dbPath := filepath.Join(t.TempDir(), "logs.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	require.NoError(t, err)
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucket([]byte("1"))
		if err != nil {
			return err
		}
		for _, l := range []log.Log{
			{Level: log.LevelInfo, Time: 1, Src: "recorder", Stream: "cam", Msg: "a"},
			{Level: log.LevelError, Time: 2, Src: "storage", Msg: "b"},
			{Level: log.LevelInfo, Time: 3, Src: "recorder", Stream: "cam", Msg: "c"},
		} {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(l.Time))
			value, err := json.Marshal(l)
			if err != nil {
				return err
			}
			if err := b.Put(key, value); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	t.Run("source", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runLogs(&out, dbPath, &logsOptions{sources: []string{"recorder"}}))
		require.Equal(t,
			"[INFO] cam: Recorder: a\n[INFO] cam: Recorder: c\n", out.String())
	})
	t.Run("level", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runLogs(&out, dbPath, &logsOptions{levels: []string{"error"}}))
		require.Equal(t, "[ERROR] Storage: b\n", out.String())
	})
	t.Run("invalidLevel", func(t *testing.T) {
		err := runLogs(&bytes.Buffer{}, dbPath, &logsOptions{levels: []string{"x"}})
		require.ErrorIs(t, err, log.ErrInvalidLevel)
	})
}
