package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"ffrecorder/pkg/codec"
)

// PCM replays raw signed 16 bit little-endian PCM.
type PCM struct {
	frames   [][]int16
	interval time.Duration
	loop     bool
}

// NewPCM reads the whole file and cuts it into frames of samplesPerFrame
// samples per channel. A trailing partial frame is discarded.
func NewPCM(path string, sampleRate, channels, samplesPerFrame int, loop bool) (*PCM, error) {
	if sampleRate <= 0 || channels <= 0 || samplesPerFrame <= 0 {
		return nil, fmt.Errorf("%w: %d Hz, %d channels, %d samples",
			ErrInvalidRate, sampleRate, channels, samplesPerFrame)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	frameSize := samplesPerFrame * channels
	n := len(raw) / 2 / frameSize
	if n == 0 {
		return nil, ErrNoAccessUnits
	}

	frames := make([][]int16, n)
	for i := range frames {
		frame := make([]int16, frameSize)
		for j := range frame {
			frame[j] = int16(binary.LittleEndian.Uint16(raw[(i*frameSize+j)*2:]))
		}
		frames[i] = frame
	}

	return &PCM{
		frames:   frames,
		interval: time.Duration(samplesPerFrame) * time.Second / time.Duration(sampleRate),
		loop:     loop,
	}, nil
}

// Len returns the number of frames in the file.
func (s *PCM) Len() int {
	return len(s.frames)
}

// Run writes one frame per frame interval until the context
// is canceled or the file ends.
func (s *PCM) Run(ctx context.Context, enc *codec.ALaw) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		if i >= len(s.frames) {
			if !s.loop {
				return nil
			}
			i = 0
		}
		enc.WritePCM(codec.Tick(), s.frames[i])

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
