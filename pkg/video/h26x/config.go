package h26x

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/icza/bitio"
)

// LengthSize of the NAL unit length prefix in samples.
const LengthSize = 4

// Errors.
var (
	ErrSPSTooShort = errors.New("sps too short")
	ErrParamTooBig = errors.New("parameter set too big")

	ErrGolombOverflow = errors.New("exp-golomb code overflow")
)

// AVCDecoderConfig returns the body of an avcC box.
func AVCDecoderConfig(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 {
		return nil, ErrSPSTooShort
	}
	if len(sps) > 0xffff || len(pps) > 0xffff {
		return nil, ErrParamTooBig
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf,
		1,      // Configuration version.
		sps[1], // Profile.
		sps[2], // Profile compatibility.
		sps[3], // Level.
		0xff,   // Length size minus one.
		0xe1,   // Number of SPS.
	)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sps)))
	buf = append(buf, sps...)
	buf = append(buf, 1) // Number of PPS.
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(pps)))
	buf = append(buf, pps...)
	return buf, nil
}

// HEVCProfile fields of a H.265 SPS that the hvcC box repeats.
type HEVCProfile struct {
	ProfileByte          uint8 // Space, tier and profile idc.
	CompatibilityFlags   uint32
	ConstraintFlags      uint64 // 48 bits.
	Level                uint8
	ChromaFormat         uint8
	BitDepthLumaMinus8   uint8
	BitDepthChromaMinus8 uint8
}

// DefaultHEVCProfile main profile 4:2:0 8 bit, level 2.1.
var DefaultHEVCProfile = HEVCProfile{
	ProfileByte:        0x01,
	CompatibilityFlags: 0x60000000,
	ConstraintFlags:    0x900000000000,
	Level:              63,
	ChromaFormat:       1,
}

// ParseHEVCProfile reads the profile tier level and format fields of a H.265 SPS.
func ParseHEVCProfile(sps []byte) (HEVCProfile, error) {
	if len(sps) < 3 {
		return HEVCProfile{}, ErrSPSTooShort
	}
	rbsp := h264.EmulationPreventionRemove(sps[2:])
	br := bitio.NewReader(bytes.NewReader(rbsp))

	var p HEVCProfile
	err := func() error {
		// Video parameter set id, max sub layers and temporal id nesting.
		tmp, err := br.ReadBits(8)
		if err != nil {
			return err
		}
		maxSubLayersMinus1 := int((tmp >> 1) & 0x07)

		if tmp, err = br.ReadBits(8); err != nil {
			return err
		}
		p.ProfileByte = uint8(tmp)

		if tmp, err = br.ReadBits(32); err != nil {
			return err
		}
		p.CompatibilityFlags = uint32(tmp)

		if p.ConstraintFlags, err = br.ReadBits(48); err != nil {
			return err
		}

		if tmp, err = br.ReadBits(8); err != nil {
			return err
		}
		p.Level = uint8(tmp)

		if err := skipSubLayers(br, maxSubLayersMinus1); err != nil {
			return err
		}

		// Sequence parameter set id.
		if _, err := readGolombUnsigned(br); err != nil {
			return err
		}

		chroma, err := readGolombUnsigned(br)
		if err != nil {
			return err
		}
		p.ChromaFormat = uint8(chroma & 0x03)
		if chroma == 3 {
			// Separate colour plane flag.
			if _, err := br.ReadBits(1); err != nil {
				return err
			}
		}

		// Width and height.
		for i := 0; i < 2; i++ {
			if _, err := readGolombUnsigned(br); err != nil {
				return err
			}
		}

		conformanceWindow, err := br.ReadBits(1)
		if err != nil {
			return err
		}
		if conformanceWindow == 1 {
			for i := 0; i < 4; i++ {
				if _, err := readGolombUnsigned(br); err != nil {
					return err
				}
			}
		}

		luma, err := readGolombUnsigned(br)
		if err != nil {
			return err
		}
		p.BitDepthLumaMinus8 = uint8(luma & 0x07)

		chromaDepth, err := readGolombUnsigned(br)
		if err != nil {
			return err
		}
		p.BitDepthChromaMinus8 = uint8(chromaDepth & 0x07)
		return nil
	}()
	if err != nil {
		return HEVCProfile{}, fmt.Errorf("parse hevc sps: %w", err)
	}
	return p, nil
}

func skipSubLayers(br *bitio.Reader, maxSubLayersMinus1 int) error {
	if maxSubLayersMinus1 == 0 {
		return nil
	}

	profilePresent := make([]bool, maxSubLayersMinus1)
	levelPresent := make([]bool, maxSubLayersMinus1)
	for i := 0; i < maxSubLayersMinus1; i++ {
		tmp, err := br.ReadBits(2)
		if err != nil {
			return err
		}
		profilePresent[i] = tmp&0x02 != 0
		levelPresent[i] = tmp&0x01 != 0
	}
	// Alignment.
	if _, err := br.ReadBits(uint8(2 * (8 - maxSubLayersMinus1))); err != nil {
		return err
	}

	for i := 0; i < maxSubLayersMinus1; i++ {
		if profilePresent[i] {
			if _, err := br.ReadBits(48); err != nil {
				return err
			}
			if _, err := br.ReadBits(40); err != nil {
				return err
			}
		}
		if levelPresent[i] {
			if _, err := br.ReadBits(8); err != nil {
				return err
			}
		}
	}
	return nil
}

// HEVCDecoderConfig returns the body of a hvcC box. The profile
// fields are parsed from the SPS when possible.
func HEVCDecoderConfig(vps, sps, pps []byte) ([]byte, error) {
	if len(vps) > 0xffff || len(sps) > 0xffff || len(pps) > 0xffff {
		return nil, ErrParamTooBig
	}

	p, err := ParseHEVCProfile(sps)
	if err != nil {
		p = DefaultHEVCProfile
	}

	buf := make([]byte, 0, 23+15+len(vps)+len(sps)+len(pps))
	buf = append(buf, 1, p.ProfileByte) // Configuration version.
	buf = binary.BigEndian.AppendUint32(buf, p.CompatibilityFlags)
	buf = append(buf,
		byte(p.ConstraintFlags>>40),
		byte(p.ConstraintFlags>>32),
		byte(p.ConstraintFlags>>24),
		byte(p.ConstraintFlags>>16),
		byte(p.ConstraintFlags>>8),
		byte(p.ConstraintFlags),
		p.Level,
		0xf0, 0x00, // Min spatial segmentation.
		0xfc, // Parallelism type.
		0xfc|p.ChromaFormat,
		0xf8|p.BitDepthLumaMinus8,
		0xf8|p.BitDepthChromaMinus8,
		0x00, 0x00, // Average frame rate.
		0x0f, // One temporal layer, nested, 4 byte lengths.
		3,    // Number of arrays.
	)

	for _, a := range []struct {
		typ  byte
		data []byte
	}{
		{32, vps},
		{33, sps},
		{34, pps},
	} {
		buf = append(buf, 0x80|a.typ, 0x00, 0x01) // Array completeness.
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.data)))
		buf = append(buf, a.data...)
	}
	return buf, nil
}
