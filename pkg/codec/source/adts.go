package source

import (
	"context"
	"fmt"
	"os"
	"time"

	"ffrecorder/pkg/codec"
	"ffrecorder/pkg/log"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// SamplesPerAccessUnit of AAC-LC.
const SamplesPerAccessUnit = 1024

// ADTS replays an AAC file with ADTS headers.
type ADTS struct {
	aus      [][]byte
	config   codec.Config
	interval time.Duration
	loop     bool
}

// NewADTS reads and parses the whole file. Every packet must
// have the same format as the first one.
func NewADTS(path string, loop bool) (*ADTS, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("unmarshal adts: %w", err)
	}
	if len(pkts) == 0 {
		return nil, ErrNoAccessUnits
	}

	first := pkts[0]
	asc := mpeg4audio.AudioSpecificConfig{
		Type:         first.Type,
		SampleRate:   first.SampleRate,
		ChannelCount: first.ChannelCount,
	}
	blob, err := asc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal audio specific config: %w", err)
	}

	aus := make([][]byte, 0, len(pkts))
	for i, pkt := range pkts {
		if pkt.SampleRate != first.SampleRate || pkt.ChannelCount != first.ChannelCount {
			return nil, fmt.Errorf("packet %d: %w: format changed", i, ErrInvalidRate)
		}
		aus = append(aus, pkt.AU)
	}

	return &ADTS{
		aus: aus,
		config: codec.Config{
			Codec:           codec.CodecAAC,
			Blob:            blob,
			SampleRate:      first.SampleRate,
			Channels:        first.ChannelCount,
			SamplesPerFrame: SamplesPerAccessUnit,
		},
		interval: time.Duration(SamplesPerAccessUnit) * time.Second /
			time.Duration(first.SampleRate),
		loop: loop,
	}, nil
}

// Config returns the stream configuration, the blob holds the AudioSpecificConfig.
func (s *ADTS) Config() codec.Config {
	return s.config
}

// Len returns the number of access units in the file.
func (s *ADTS) Len() int {
	return len(s.aus)
}

// Run writes one access unit per 1024 samples until the
// context is canceled or the file ends.
func (s *ADTS) Run(ctx context.Context, buf *codec.Buffer, logger *log.Logger) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		if i >= len(s.aus) {
			if !s.loop {
				return nil
			}
			logger.Debug().Src("source").Stream(buf.Name()).Msg("looping")
			i = 0
		}
		buf.WriteAudio(codec.Tick(), s.aus[i])

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
