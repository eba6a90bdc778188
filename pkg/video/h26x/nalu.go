// Package h26x handles the parts of H.264 and H.265 bitstreams
// that the muxer needs: NAL unit framing, types and decoder
// configuration records.
package h26x

import (
	"fmt"

	"ffrecorder/pkg/codec"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// ParamSet kind of parameter set NAL unit.
type ParamSet uint8

// Parameter sets.
const (
	ParamSetNone ParamSet = iota
	ParamSetVPS
	ParamSetSPS
	ParamSetPPS
)

// DetectCodec guesses the codec from the header of the first NAL unit
// of a stream. H.265 headers are two bytes with the forbidden bit and
// the layer id msb clear and temporal id plus one equal to one. Every
// odd H.264 type sets bit zero of the first byte which rules them out,
// the remaining even types are told apart by the second byte.
func DetectCodec(nalu []byte) codec.Codec {
	if len(nalu) == 0 {
		return codec.CodecNone
	}
	if len(nalu) >= 2 && nalu[0]&0x81 == 0 && nalu[1] == 0x01 {
		switch h265.NALUType((nalu[0] >> 1) & 0x3f) {
		case h265.NALUType_VPS_NUT,
			h265.NALUType_SPS_NUT,
			h265.NALUType_PPS_NUT,
			h265.NALUType_AUD_NUT,
			h265.NALUType_PREFIX_SEI_NUT,
			h265.NALUType_IDR_W_RADL,
			h265.NALUType_IDR_N_LP,
			h265.NALUType_CRA_NUT:
			return codec.CodecH265
		}
	}
	return codec.CodecH264
}

// Type returns the NAL unit type.
func Type(c codec.Codec, nalu []byte) uint8 {
	if len(nalu) == 0 {
		return 0
	}
	if c == codec.CodecH265 {
		return (nalu[0] >> 1) & 0x3f
	}
	return nalu[0] & 0x1f
}

// IsKeyframe returns true for IDR and, with H.265, every IRAP picture.
func IsKeyframe(c codec.Codec, typ uint8) bool {
	if c == codec.CodecH265 {
		// BLA_W_LP through RSV_IRAP_VCL23.
		return typ >= 16 && typ <= 23
	}
	return h264.NALUType(typ) == h264.NALUTypeIDR
}

// ParamSetOf returns the parameter set kind of the NAL unit type.
func ParamSetOf(c codec.Codec, typ uint8) ParamSet {
	if c == codec.CodecH265 {
		switch h265.NALUType(typ) {
		case h265.NALUType_VPS_NUT:
			return ParamSetVPS
		case h265.NALUType_SPS_NUT:
			return ParamSetSPS
		case h265.NALUType_PPS_NUT:
			return ParamSetPPS
		}
		return ParamSetNone
	}
	switch h264.NALUType(typ) {
	case h264.NALUTypeSPS:
		return ParamSetSPS
	case h264.NALUTypePPS:
		return ParamSetPPS
	}
	return ParamSetNone
}

// IsVCL returns true for NAL units that carry slice data.
func IsVCL(c codec.Codec, typ uint8) bool {
	if c == codec.CodecH265 {
		return typ < 32
	}
	return typ >= 1 && typ <= 5
}

// FirstSliceInPicture returns true if a VCL NAL unit starts a new picture.
// H.264 first_mb_in_slice is zero when its exp-golomb code is a
// single one bit, H.265 has an explicit flag.
func FirstSliceInPicture(c codec.Codec, nalu []byte) bool {
	if c == codec.CodecH265 {
		return len(nalu) > 2 && nalu[2]&0x80 != 0
	}
	return len(nalu) > 1 && nalu[1]&0x80 != 0
}

// Resolution parses the width and height from a SPS.
func Resolution(c codec.Codec, sps []byte) (int, int, error) {
	switch c {
	case codec.CodecH264:
		var s h264.SPS
		if err := s.Unmarshal(sps); err != nil {
			return 0, 0, fmt.Errorf("parse h264 sps: %w", err)
		}
		return s.Width(), s.Height(), nil
	case codec.CodecH265:
		var s h265.SPS
		if err := s.Unmarshal(sps); err != nil {
			return 0, 0, fmt.Errorf("parse h265 sps: %w", err)
		}
		return s.Width(), s.Height(), nil
	}
	return 0, 0, fmt.Errorf("%w: %v", codec.ErrUnknownCodec, c)
}
