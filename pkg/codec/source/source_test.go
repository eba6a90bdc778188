package source

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ffrecorder/pkg/codec"
	"ffrecorder/pkg/framequeue"
	"ffrecorder/pkg/log"
	"ffrecorder/pkg/video/h26x"

	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{
		0x67, 0x64, 0, 0x16, 0xac,
		0xd9, 0x40, 0xa4, 0x3b, 0xe4,
		0x88, 0xc0, 0x44, 0, 0,
		3, 0, 4, 0, 0,
		3, 0, 0x60, 0x3c, 0x58,
		0xb6, 0x58,
	}
	testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stream")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func annexB(nalus ...[]byte) []byte {
	var buf []byte
	for _, nalu := range nalus {
		buf = append(buf, 0, 0, 0, 1)
		buf = append(buf, nalu...)
	}
	return buf
}

func TestAccessUnits(t *testing.T) {
	t.Run("h264", func(t *testing.T) {
		units := AccessUnits(codec.CodecH264, [][]byte{
			{0x09, 0xf0}, // Delimiter.
			testSPS,
			testPPS,
			{0x65, 0x88, 1},
			{0x65, 0x04, 2}, // Second slice.
			{0x41, 0x9a, 3},
			{0x06, 0x05}, // SEI.
			{0x41, 0x9a, 4},
		})
		require.Equal(t, []AccessUnit{
			{NALUs: [][]byte{testSPS, testPPS, {0x65, 0x88, 1}, {0x65, 0x04, 2}}, Key: true},
			{NALUs: [][]byte{{0x41, 0x9a, 3}}},
			{NALUs: [][]byte{{0x06, 0x05}, {0x41, 0x9a, 4}}},
		}, units)
	})
	t.Run("h265", func(t *testing.T) {
		units := AccessUnits(codec.CodecH265, [][]byte{
			{0x40, 0x01, 0x0c},
			{0x42, 0x01, 0x01},
			{0x44, 0x01, 0xc1},
			{0x26, 0x01, 0xaf},
			{0x02, 0x01, 0xd0},
		})
		require.Len(t, units, 2)
		require.True(t, units[0].Key)
		require.Len(t, units[0].NALUs, 4)
		require.False(t, units[1].Key)
	})
}

func TestAnnexB(t *testing.T) {
	path := writeFile(t, annexB(
		testSPS,
		testPPS,
		[]byte{0x65, 0x88, 1},
		[]byte{0x41, 0x9a, 2},
		[]byte{0x41, 0x9a, 3},
		[]byte{0x65, 0x88, 4},
	))

	s, err := NewAnnexB(path, 1000, false)
	require.NoError(t, err)
	require.Equal(t, 4, s.Len())

	config := s.Config()
	require.Equal(t, codec.CodecH264, config.Codec)
	require.Equal(t, annexB(testSPS, testPPS), config.Blob)

	w, h, err := s.Resolution()
	require.NoError(t, err)
	require.Equal(t, 650, w)
	require.Equal(t, 450, h)

	logger := log.NewMockLogger()
	buf := codec.NewBuffer("cam", config, 4096, logger)
	require.NoError(t, s.Run(context.Background(), buf, logger))

	var kinds []framequeue.Kind
	for {
		env, ok := buf.Queue().Read(0)
		if !ok {
			break
		}
		kinds = append(kinds, env.Kind)
		if len(kinds) == 1 {
			n := 0
			h26x.Split(env.Payload, nil, func([]byte) { n++ })
			require.Equal(t, 3, n)
		}
	}
	require.Equal(t, []framequeue.Kind{
		framequeue.KindVideoKey,
		framequeue.KindVideoDelta,
		framequeue.KindVideoDelta,
		framequeue.KindVideoKey,
	}, kinds)

	next, ok := s.nextKey(1)
	require.True(t, ok)
	require.Equal(t, 3, next)
}

func TestAnnexBNextKeyLoop(t *testing.T) {
	path := writeFile(t, annexB(
		testSPS,
		testPPS,
		[]byte{0x65, 0x88, 1},
		[]byte{0x41, 0x9a, 2},
		[]byte{0x41, 0x9a, 3},
	))

	s, err := NewAnnexB(path, 25, true)
	require.NoError(t, err)
	next, ok := s.nextKey(1)
	require.True(t, ok)
	require.Equal(t, 0, next)

	s.loop = false
	_, ok = s.nextKey(1)
	require.False(t, ok)
}

func TestAnnexBErrors(t *testing.T) {
	_, err := NewAnnexB(writeFile(t, annexB([]byte{0x41, 0x9a, 2})), 25, false)
	require.ErrorIs(t, err, ErrNoKeyframe)

	_, err = NewAnnexB("/nil", 25, false)
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = NewAnnexB("/nil", 0, false)
	require.ErrorIs(t, err, ErrInvalidRate)
}

// AAC-LC 48 kHz stereo.
func adtsPacket(au []byte) []byte {
	l := 7 + len(au)
	return append([]byte{
		0xff, 0xf1,
		0x4c,
		0x80 | byte(l>>11),
		byte(l >> 3),
		byte(l&0x07)<<5 | 0x1f,
		0xfc,
	}, au...)
}

func TestADTS(t *testing.T) {
	var data []byte
	for i := 0; i < 3; i++ {
		data = append(data, adtsPacket([]byte{byte(i), 0xaa, 0xbb})...)
	}

	s, err := NewADTS(writeFile(t, data), false)
	require.NoError(t, err)
	require.Equal(t, 3, s.Len())
	require.Equal(t, codec.Config{
		Codec:           codec.CodecAAC,
		Blob:            []byte{0x11, 0x90},
		SampleRate:      48000,
		Channels:        2,
		SamplesPerFrame: 1024,
	}, s.Config())

	logger := log.NewMockLogger()
	buf := codec.NewBuffer("mic", s.Config(), 4096, logger)
	require.NoError(t, s.Run(context.Background(), buf, logger))

	for i := 0; i < 3; i++ {
		env, ok := buf.Queue().Read(0)
		require.True(t, ok)
		require.Equal(t, framequeue.KindAudio, env.Kind)
		require.Equal(t, []byte{byte(i), 0xaa, 0xbb}, env.Payload)
	}
	_, ok := buf.Queue().Read(0)
	require.False(t, ok)
}

func TestPCM(t *testing.T) {
	data := []byte{
		0, 0, 0xff, 0xff, 0xff, 0x7f, 0, 0x80,
		0, 0, 0, 0, 0, 0, 0, 0,
		1, 2, // Partial frame.
	}
	s, err := NewPCM(writeFile(t, data), 8000, 1, 4, false)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	enc := codec.NewALaw(ctx, wg, "mic", 8000, 1, 4, 1024, log.NewMockLogger())
	defer func() {
		cancel()
		wg.Wait()
	}()

	require.NoError(t, s.Run(ctx, enc))

	env, ok := enc.Queue().Read(5 * time.Second)
	require.True(t, ok)
	require.Equal(t, []byte{0xd5, 0x55, 0xaa, 0x2a}, env.Payload)
	env, ok = enc.Queue().Read(5 * time.Second)
	require.True(t, ok)
	require.Equal(t, []byte{0xd5, 0xd5, 0xd5, 0xd5}, env.Payload)

	_, err = NewPCM(writeFile(t, []byte{1, 2}), 8000, 1, 4, false)
	require.ErrorIs(t, err, ErrNoAccessUnits)
}
