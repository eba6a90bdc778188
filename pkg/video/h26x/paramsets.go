package h26x

import "ffrecorder/pkg/codec"

// ParamSets tracks the latest parameter sets of a stream.
type ParamSets struct {
	codec codec.Codec
	sets  [4][]byte
}

// NewParamSets returns an empty tracker. The codec is
// detected from the first NAL unit if CodecNone.
func NewParamSets(c codec.Codec) *ParamSets {
	return &ParamSets{codec: c}
}

// Collect stores every parameter set found in the Annex-B spans.
func (p *ParamSets) Collect(data1, data2 []byte) {
	Split(data1, data2, func(nalu []byte) {
		if p.codec == codec.CodecNone {
			p.codec = DetectCodec(nalu)
		}
		if ps := ParamSetOf(p.codec, Type(p.codec, nalu)); ps != ParamSetNone {
			p.sets[ps] = append(p.sets[ps][:0], nalu...)
		}
	})
}

// AnnexB returns the stored sets in VPS, SPS, PPS order with
// start codes, or nil if none were seen.
func (p *ParamSets) AnnexB() []byte {
	var buf []byte
	for _, set := range p.sets[ParamSetVPS:] {
		if len(set) == 0 {
			continue
		}
		buf = append(buf, 0, 0, 0, 1)
		buf = append(buf, set...)
	}
	return buf
}
