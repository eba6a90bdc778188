// Package source reads elementary streams from files and feeds
// them to encoder adapters in real time.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"ffrecorder/pkg/codec"
	"ffrecorder/pkg/log"
	"ffrecorder/pkg/video/h26x"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// AccessUnit is one picture.
type AccessUnit struct {
	NALUs [][]byte
	Key   bool
}

// Errors.
var (
	ErrNoAccessUnits = errors.New("no access units")
	ErrNoKeyframe    = errors.New("no keyframe")
	ErrInvalidRate   = errors.New("invalid rate")
)

// AccessUnits splits an Annex-B stream into access units. A new unit
// starts on an access unit delimiter, on a parameter set or SEI that
// follows slice data, and on the first slice of a picture.
func AccessUnits(c codec.Codec, nalus [][]byte) []AccessUnit {
	var units []AccessUnit
	var cur AccessUnit
	hasVCL := false

	flush := func() {
		if len(cur.NALUs) != 0 {
			units = append(units, cur)
		}
		cur = AccessUnit{}
		hasVCL = false
	}

	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		typ := h26x.Type(c, nalu)
		switch {
		case isDelimiter(c, typ):
			flush()
			continue
		case h26x.IsVCL(c, typ):
			if hasVCL && h26x.FirstSliceInPicture(c, nalu) {
				flush()
			}
			hasVCL = true
			if h26x.IsKeyframe(c, typ) {
				cur.Key = true
			}
		case hasVCL:
			flush()
		}
		cur.NALUs = append(cur.NALUs, nalu)
	}
	flush()
	return units
}

func isDelimiter(c codec.Codec, typ uint8) bool {
	if c == codec.CodecH265 {
		return typ == 35
	}
	return h264.NALUType(typ) == h264.NALUTypeAccessUnitDelimiter
}

// AnnexB replays a H.264 or H.265 Annex-B file.
type AnnexB struct {
	path     string
	codec    codec.Codec
	units    []AccessUnit
	params   [][]byte
	interval time.Duration
	loop     bool
}

// NewAnnexB reads and parses the whole file.
func NewAnnexB(path string, frameRate int, loop bool) (*AnnexB, error) {
	if frameRate <= 0 {
		return nil, fmt.Errorf("%w: frame rate %d", ErrInvalidRate, frameRate)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var annexb h264.AnnexB
	if err := annexb.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("unmarshal annex-b: %w", err)
	}
	if len(annexb) == 0 {
		return nil, ErrNoAccessUnits
	}

	c := h26x.DetectCodec(annexb[0])
	units := AccessUnits(c, annexb)

	first := -1
	for i, u := range units {
		if u.Key {
			first = i
			break
		}
	}
	if first == -1 {
		return nil, ErrNoKeyframe
	}

	var params [][]byte
	for _, nalu := range annexb {
		if h26x.ParamSetOf(c, h26x.Type(c, nalu)) != h26x.ParamSetNone {
			params = append(params, nalu)
		}
	}

	return &AnnexB{
		path:     path,
		codec:    c,
		units:    units,
		params:   params,
		interval: time.Second / time.Duration(frameRate),
		loop:     loop,
	}, nil
}

// Config returns the stream configuration, the blob holds the parameter sets.
func (s *AnnexB) Config() codec.Config {
	blob, _ := h264.AnnexB(s.params).Marshal()
	return codec.Config{
		Codec: s.codec,
		Blob:  blob,
	}
}

// Resolution returns the size coded in the first SPS.
func (s *AnnexB) Resolution() (int, int, error) {
	for _, p := range s.params {
		if h26x.ParamSetOf(s.codec, h26x.Type(s.codec, p)) == h26x.ParamSetSPS {
			return h26x.Resolution(s.codec, p)
		}
	}
	return 0, 0, fmt.Errorf("%s: %w", s.path, h26x.ErrSPSTooShort)
}

// Len returns the number of access units in the file.
func (s *AnnexB) Len() int {
	return len(s.units)
}

// Run writes one access unit per frame interval until the context is
// canceled or the file ends. Keyframe requests skip ahead to the next
// keyframe since a file cannot be re-encoded.
func (s *AnnexB) Run(ctx context.Context, buf *codec.Buffer, logger *log.Logger) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	i := 0
	for {
		if i >= len(s.units) {
			if !s.loop {
				return nil
			}
			i = 0
		}

		if buf.IDRRequested() {
			next, ok := s.nextKey(i)
			if !ok {
				return nil
			}
			if next != i {
				logger.Debug().Src("source").Stream(buf.Name()).
					Msgf("keyframe requested, skipping to frame %d", next)
			}
			i = next
		}

		u := s.units[i]
		data, err := h264.AnnexB(u.NALUs).Marshal()
		if err != nil {
			return fmt.Errorf("marshal access unit: %w", err)
		}
		buf.WriteFrame(codec.Tick(), u.Key, data)
		i++

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// nextKey returns the index of the next keyframe at or after i.
func (s *AnnexB) nextKey(i int) (int, bool) {
	for j := i; j < len(s.units); j++ {
		if s.units[j].Key {
			return j, true
		}
	}
	if s.loop {
		for j := 0; j < i; j++ {
			if s.units[j].Key {
				return j, true
			}
		}
	}
	return 0, false
}
