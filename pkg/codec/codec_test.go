package codec

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"ffrecorder/pkg/framequeue"
	"ffrecorder/pkg/log"

	"github.com/stretchr/testify/require"
)

func TestEncodeALaw(t *testing.T) {
	samples := []int16{0, -1, 8, 16, -16, 1000, -1000, 32767, -32768}
	expected := []byte{0xd5, 0x55, 0xd5, 0xd4, 0x55, 0xfa, 0x7a, 0xaa, 0x2a}

	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	cases := map[string]framequeue.Frame{
		"contiguous":  {Data1: pcm},
		"split":       {Data1: pcm[:6], Data2: pcm[6:]},
		"splitSample": {Data1: pcm[:7], Data2: pcm[7:]},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			a := &ALaw{
				output: framequeue.New(1024),
				logger: log.NewMockLogger(),
			}
			f.Timestamp = 9
			a.encodeFrame(f)

			env, ok := a.output.Read(time.Second)
			require.True(t, ok)
			require.Equal(t, uint32(9), env.Timestamp)
			require.Equal(t, expected, env.Payload)
		})
	}
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("h265")
	require.NoError(t, err)
	require.Equal(t, CodecH265, c)

	c, err = ParseCodec("")
	require.NoError(t, err)
	require.Equal(t, CodecNone, c)

	_, err = ParseCodec("vp9")
	require.True(t, errors.Is(err, ErrUnknownCodec))
}

func TestBuffer(t *testing.T) {
	newBuffer := func(size int) *Buffer {
		return NewBuffer("cam", Config{Codec: CodecH264}, size, log.NewMockLogger())
	}

	t.Run("writeAndRead", func(t *testing.T) {
		b := newBuffer(1024)
		require.True(t, b.WriteFrame(1, true, []byte{1}))
		require.True(t, b.WriteFrame(2, false, []byte{2}))

		env, ok := b.Queue().Read(0)
		require.True(t, ok)
		require.Equal(t, framequeue.KindVideoKey, env.Kind)
		env, ok = b.Queue().Read(0)
		require.True(t, ok)
		require.Equal(t, framequeue.KindVideoDelta, env.Kind)
	})
	t.Run("droppedKeyframe", func(t *testing.T) {
		b := newBuffer(framequeue.HeaderSize + 4)
		require.True(t, b.WriteFrame(1, true, []byte{1, 2, 3, 4}))
		require.False(t, b.WriteFrame(2, true, []byte{1}))
		require.True(t, b.IDRRequested())
		require.False(t, b.IDRRequested())

		_, ok := b.Queue().Read(0)
		require.True(t, ok)

		// Deltas after the dropped keyframe are discarded.
		require.False(t, b.WriteFrame(3, false, []byte{1}))
		require.Equal(t, 0, b.Queue().Len())

		require.True(t, b.WriteFrame(4, true, []byte{1}))
		_, ok = b.Queue().Read(0)
		require.True(t, ok)
		require.True(t, b.WriteFrame(5, false, []byte{1}))
	})
	t.Run("reset", func(t *testing.T) {
		b := newBuffer(1024)
		b.WriteFrame(1, true, []byte{1})
		b.Reset(ClearOutput | RequestIDR)
		require.Equal(t, 0, b.Queue().Len())
		require.True(t, b.IDRRequested())
		require.False(t, b.WriteFrame(2, false, []byte{1}))
		require.True(t, b.WriteFrame(3, true, []byte{1}))
	})
	t.Run("stop", func(t *testing.T) {
		b := newBuffer(1024)
		b.Start(false)
		require.False(t, b.WriteFrame(1, true, []byte{1}))
		require.False(t, b.IDRRequested())
		b.Start(true)
		require.True(t, b.WriteFrame(1, true, []byte{1}))
	})
	t.Run("reconfigure", func(t *testing.T) {
		b := newBuffer(1024)
		require.NoError(t, b.Reconfigure(2000000))
		require.Equal(t, 2000000, b.Bitrate())
		require.True(t, errors.Is(b.Reconfigure(0), ErrInvalidBitrate))
	})
	t.Run("audio", func(t *testing.T) {
		b := NewBuffer("mic", Config{Codec: CodecAAC}, 1024, log.NewMockLogger())
		require.True(t, b.WriteAudio(7, []byte{1, 2}))
		env, ok := b.Queue().Read(0)
		require.True(t, ok)
		require.Equal(t, framequeue.KindAudio, env.Kind)
		require.Equal(t, uint32(7), env.Timestamp)
	})
}

func TestALaw(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	a := NewALaw(ctx, wg, "mic", 8000, 1, 4, 1024, log.NewMockLogger())
	defer func() {
		cancel()
		wg.Wait()
	}()

	require.True(t, a.WritePCM(42, []int16{0, -1, 32767, -32768}))

	env, ok := a.Queue().Read(5 * time.Second)
	require.True(t, ok)
	require.Equal(t, uint32(42), env.Timestamp)
	require.Equal(t, framequeue.KindAudio, env.Kind)
	require.Equal(t, []byte{0xd5, 0x55, 0xaa, 0x2a}, env.Payload)

	require.NoError(t, a.Reconfigure(64000))
	require.True(t, errors.Is(a.Reconfigure(32000), ErrNotSupported))
	require.Equal(t, CodecALaw, a.Config().Codec)

	a.Start(false)
	require.False(t, a.WritePCM(43, []int16{0}))
	a.Start(true)
	a.Reset(ClearInput | ClearOutput)
	require.True(t, a.WritePCM(44, []int16{0}))
	env, ok = a.Queue().Read(5 * time.Second)
	require.True(t, ok)
	require.Equal(t, uint32(44), env.Timestamp)
}
