package mp4muxer

import (
	"fmt"
	"io"

	"ffrecorder/pkg/codec"
	"ffrecorder/pkg/video/h26x"
	"ffrecorder/pkg/video/mp4"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// File offsets of the boxes that are patched.
type layout struct {
	mvhd       int64
	videoTkhd  int64
	videoMdhd  int64
	videoEntry int64
	audioTkhd  int64
	audioMdhd  int64
	mdat       int64
}

var unknownEntry = mp4.BoxType{'u', 'k', 'n', 'w'}

// Boxes that are located after the tree is built.
type trackBoxes struct {
	tkhd  *mp4.Tkhd
	mdhd  *mp4.Mdhd
	entry mp4.ImmutableBox
	stts  *mp4.Stts
	stss  *mp4.Stss
	stsz  *mp4.Stsz
	stco  *mp4.Stco
}

func (m *Muxer) writeSkeleton() error {
	p := m.params
	created := mp4.Time(p.Time.Unix())

	ftyp := &mp4.Ftyp{
		MajorBrand:   [4]byte{'i', 's', 'o', 'm'},
		MinorVersion: 512,
		CompatibleBrands: [][4]byte{
			{'i', 's', 'o', 'm'},
			{'i', 's', 'o', '2'},
			{'m', 'p', '4', '1'},
		},
	}

	/*
	   moov
	   - mvhd
	   - trak (video)
	   - trak (audio)
	*/
	mvhd := &mp4.Mvhd{
		CreationTime:     created,
		ModificationTime: created,
		Timescale:        movieTimescale,
		NextTrackID:      audioTrackID + 1,
	}
	videoTrak, video := m.generateVideoTrak(created)
	moov := mp4.Boxes{
		Box: mp4.Moov(),
		Children: []mp4.Boxes{
			{Box: mvhd},
			videoTrak,
		},
	}
	var audio trackBoxes
	if p.hasAudio() {
		var audioTrak mp4.Boxes
		audioTrak, audio = m.generateAudioTrak(created)
		moov.Children = append(moov.Children, audioTrak)
	}

	moovStart := int64(mp4.BoxHeaderSize + ftyp.Size())
	offset := func(b mp4.ImmutableBox) int64 {
		off, _ := moov.Offset(b)
		return moovStart + int64(off)
	}

	m.layout = layout{
		mvhd:       offset(mvhd),
		videoTkhd:  offset(video.tkhd),
		videoMdhd:  offset(video.mdhd),
		videoEntry: offset(video.entry),
		mdat:       moovStart + int64(moov.Size()),
	}

	maxVideo := p.maxVideoSamples()
	m.videoStts = sttsTable{
		count: offset(video.stts) + mp4.TableCountOffset,
		first: offset(video.stts) + mp4.TableEntriesOffset,
		delta: 1,
	}
	m.videoStss = newTable("stss", offset(video.stss),
		mp4.TableCountOffset, mp4.TableEntriesOffset, maxVideo)
	m.videoStsz = newTable("stsz", offset(video.stsz),
		mp4.StszCountOffset, mp4.StszEntriesOffset, maxVideo)
	m.videoStco = newTable("stco", offset(video.stco),
		mp4.TableCountOffset, mp4.TableEntriesOffset, maxVideo)

	if p.hasAudio() {
		maxAudio := p.maxAudioSamples()
		m.layout.audioTkhd = offset(audio.tkhd)
		m.layout.audioMdhd = offset(audio.mdhd)
		m.audioStts = sttsTable{
			count: offset(audio.stts) + mp4.TableCountOffset,
			first: offset(audio.stts) + mp4.TableEntriesOffset,
			delta: uint32(p.SamplesPerFrame),
		}
		m.audioStsz = newTable("audio stsz", offset(audio.stsz),
			mp4.StszCountOffset, mp4.StszEntriesOffset, maxAudio)
		m.audioStco = newTable("audio stco", offset(audio.stco),
			mp4.TableCountOffset, mp4.TableEntriesOffset, maxAudio)
	}

	if _, err := mp4.WriteSingleBox(m.w, ftyp); err != nil {
		return fmt.Errorf("ftyp: %w", err)
	}
	if err := moov.Marshal(m.w); err != nil {
		return fmt.Errorf("moov: %w", err)
	}
	if err := mp4.WriteBoxHeader(m.w, mp4.BoxType{'m', 'd', 'a', 't'}, 0); err != nil {
		return fmt.Errorf("mdat: %w", err)
	}
	m.pos = m.layout.mdat + mp4.BoxHeaderSize
	return nil
}

func (m *Muxer) generateVideoTrak(created uint32) (mp4.Boxes, trackBoxes) {
	/*
	   trak
	   - tkhd
	   - mdia
	     - mdhd
	     - hdlr
	     - minf
	       - vmhd
	       - dinf
	         - dref
	           - url
	       - stbl
	         - stsd
	           - uknw
	             - free
	         - stts
	         - stss
	         - stsz
	         - stsc
	         - stco
	*/
	p := m.params
	maxSamples := p.maxVideoSamples()
	b := trackBoxes{
		tkhd: &mp4.Tkhd{
			FullBox:          mp4.FullBox{Flags: 3},
			CreationTime:     created,
			ModificationTime: created,
			TrackID:          videoTrackID,
			Width:            uint32(p.Width) << 16,
			Height:           uint32(p.Height) << 16,
		},
		mdhd: &mp4.Mdhd{
			CreationTime:     created,
			ModificationTime: created,
			Timescale:        uint32(p.FrameRate),
		},
		entry: &mp4.VisualSampleEntry{
			EntryType:          unknownEntry,
			DataReferenceIndex: 1,
			Width:              uint16(p.Width),
			Height:             uint16(p.Height),
		},
		stts: &mp4.Stts{Reserve: 1},
		stss: &mp4.Stss{Reserve: maxSamples},
		stsz: &mp4.Stsz{Reserve: maxSamples},
		stco: &mp4.Stco{Reserve: maxSamples},
	}

	stbl := mp4.Boxes{
		Box: mp4.Stbl(),
		Children: []mp4.Boxes{
			{
				Box: &mp4.Stsd{EntryCount: 1},
				Children: []mp4.Boxes{{
					Box: b.entry,
					Children: []mp4.Boxes{
						{Box: &mp4.Free{PayloadSize: ConfigReserve - mp4.BoxHeaderSize}},
					},
				}},
			},
			{Box: b.stts},
			{Box: b.stss},
			{Box: b.stsz},
			{Box: singleChunkStsc()},
			{Box: b.stco},
		},
	}

	trak := mp4.Boxes{
		Box: mp4.Trak(),
		Children: []mp4.Boxes{
			{Box: b.tkhd},
			{
				Box: mp4.Mdia(),
				Children: []mp4.Boxes{
					{Box: b.mdhd},
					{Box: &mp4.Hdlr{
						HandlerType: [4]byte{'v', 'i', 'd', 'e'},
						Name:        "VideoHandler",
					}},
					{
						Box: mp4.Minf(),
						Children: []mp4.Boxes{
							{Box: &mp4.Vmhd{FullBox: mp4.FullBox{Flags: 1}}},
							dinf(),
							stbl,
						},
					},
				},
			},
		},
	}
	return trak, b
}

func (m *Muxer) generateAudioTrak(created uint32) (mp4.Boxes, trackBoxes) {
	/*
	   trak
	   - tkhd
	   - mdia
	     - mdhd
	     - hdlr
	     - minf
	       - smhd
	       - dinf
	       - stbl
	         - stsd
	           - mp4a
	             - esds
	         - stts
	         - stsz
	         - stsc
	         - stco
	*/
	p := m.params
	maxSamples := p.maxAudioSamples()
	b := trackBoxes{
		tkhd: &mp4.Tkhd{
			FullBox:          mp4.FullBox{Flags: 3},
			CreationTime:     created,
			ModificationTime: created,
			TrackID:          audioTrackID,
			AlternateGroup:   1,
			Volume:           0x0100,
		},
		mdhd: &mp4.Mdhd{
			CreationTime:     created,
			ModificationTime: created,
			Timescale:        uint32(p.SampleRate),
		},
		stts: &mp4.Stts{Reserve: 1},
		stsz: &mp4.Stsz{Reserve: maxSamples},
		stco: &mp4.Stco{Reserve: maxSamples},
	}

	entry := mp4.Boxes{Box: &mp4.AudioSampleEntry{
		EntryType:          mp4.BoxType{'a', 'l', 'a', 'w'},
		DataReferenceIndex: 1,
		ChannelCount:       uint16(p.Channels),
		SampleSize:         uint16(p.SampleBits),
		SampleRate:         uint32(p.SampleRate),
	}}
	if p.AudioCodec == codec.CodecAAC {
		entry = mp4.Boxes{
			Box: &mp4.AudioSampleEntry{
				EntryType:          mp4.BoxType{'m', 'p', '4', 'a'},
				DataReferenceIndex: 1,
				ChannelCount:       uint16(p.Channels),
				SampleSize:         16,
				SampleRate:         uint32(p.SampleRate),
			},
			Children: []mp4.Boxes{
				{Box: &mp4.Esds{
					ESID:   audioTrackID,
					Config: p.AudioConfig,
				}},
			},
		}
	}
	b.entry = entry.Box

	trak := mp4.Boxes{
		Box: mp4.Trak(),
		Children: []mp4.Boxes{
			{Box: b.tkhd},
			{
				Box: mp4.Mdia(),
				Children: []mp4.Boxes{
					{Box: b.mdhd},
					{Box: &mp4.Hdlr{
						HandlerType: [4]byte{'s', 'o', 'u', 'n'},
						Name:        "SoundHandler",
					}},
					{
						Box: mp4.Minf(),
						Children: []mp4.Boxes{
							{Box: &mp4.Smhd{}},
							dinf(),
							{
								Box: mp4.Stbl(),
								Children: []mp4.Boxes{
									{
										Box:      &mp4.Stsd{EntryCount: 1},
										Children: []mp4.Boxes{entry},
									},
									{Box: b.stts},
									{Box: b.stsz},
									{Box: singleChunkStsc()},
									{Box: b.stco},
								},
							},
						},
					},
				},
			},
		},
	}
	return trak, b
}

func dinf() mp4.Boxes {
	return mp4.Boxes{
		Box: mp4.Dinf(),
		Children: []mp4.Boxes{
			{
				Box: &mp4.Dref{EntryCount: 1},
				Children: []mp4.Boxes{
					{Box: &mp4.URL{FullBox: mp4.FullBox{Flags: mp4.URLSelfContained}}},
				},
			},
		},
	}
}

// Every chunk holds one sample.
func singleChunkStsc() *mp4.Stsc {
	return &mp4.Stsc{
		Entries: []mp4.StscEntry{{
			FirstChunk:             1,
			SamplesPerChunk:        1,
			SampleDescriptionIndex: 1,
		}},
	}
}

func aacConfig(sampleRate, channels int) ([]byte, error) {
	config := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   sampleRate,
		ChannelCount: channels,
	}
	buf, err := config.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal audio specific config: %w", err)
	}
	return buf, nil
}

// seedParamSets fills the parameter set cache from Annex-B
// parameter sets that were sent before the first sample.
func (m *Muxer) seedParamSets(config []byte) {
	h26x.Split(config, nil, func(nalu []byte) {
		if m.videoCodec == codec.CodecNone {
			m.videoCodec = h26x.DetectCodec(nalu)
		}
		ps := h26x.ParamSetOf(m.videoCodec, h26x.Type(m.videoCodec, nalu))
		if ps == h26x.ParamSetNone || m.seeded[ps] {
			return
		}
		m.params26x[ps] = append([]byte(nil), nalu...)
		m.seeded[ps] = true
	})
}

// collectParamSet keeps the first parameter set of each kind
// found in the stream. Seeded sets are replaced.
func (m *Muxer) collectParamSet(typ uint8, nalu []byte) {
	ps := h26x.ParamSetOf(m.videoCodec, typ)
	if ps == h26x.ParamSetNone {
		return
	}
	if len(m.params26x[ps]) != 0 && !m.seeded[ps] {
		return
	}
	m.params26x[ps] = append(m.params26x[ps][:0], nalu...)
	m.seeded[ps] = false
}

func (m *Muxer) haveParamSets() bool {
	if len(m.params26x[h26x.ParamSetSPS]) == 0 || len(m.params26x[h26x.ParamSetPPS]) == 0 {
		return false
	}
	return m.videoCodec != codec.CodecH265 || len(m.params26x[h26x.ParamSetVPS]) != 0
}

func (m *Muxer) configRecord() (mp4.BoxType, mp4.BoxType, []byte, error) {
	sps := m.params26x[h26x.ParamSetSPS]
	pps := m.params26x[h26x.ParamSetPPS]
	if m.videoCodec == codec.CodecH265 {
		vps := m.params26x[h26x.ParamSetVPS]
		record, err := h26x.HEVCDecoderConfig(vps, sps, pps)
		return mp4.BoxType{'h', 'v', 'c', '1'}, mp4.BoxType{'h', 'v', 'c', 'C'}, record, err
	}
	record, err := h26x.AVCDecoderConfig(sps, pps)
	return mp4.BoxType{'a', 'v', 'c', '1'}, mp4.BoxType{'a', 'v', 'c', 'C'}, record, err
}

// writeConfig retypes the video sample entry and writes the
// decoder configuration record into the reserved space. It is
// attempted once, a record that does not fit is logged and the
// entry keeps its unknown type.
func (m *Muxer) writeConfig() error {
	m.configDone = true

	entryType, recordType, record, err := m.configRecord()
	if err != nil {
		m.warnf("decoder configuration: %v", err)
		return nil
	}
	size := mp4.BoxHeaderSize + len(record)
	if size != ConfigReserve && size > ConfigReserve-mp4.BoxHeaderSize {
		m.warnf("decoder configuration is %d bytes, only %d reserved", size, ConfigReserve)
		return nil
	}

	width, height := m.params.Width, m.params.Height
	codedWidth, codedHeight, err := h26x.Resolution(m.videoCodec, m.params26x[h26x.ParamSetSPS])
	switch {
	case err != nil:
		m.warnf("sps: %v", err)
	case width == 0 && height == 0:
		width, height = codedWidth, codedHeight
		err := m.patch(m.layout.videoTkhd+mp4.TkhdWidthOffset,
			uint32(width)<<16, uint32(height)<<16)
		if err != nil {
			return fmt.Errorf("track size: %w", err)
		}
	case width != codedWidth || height != codedHeight:
		m.warnf("configured size %dx%d does not match coded size %dx%d",
			width, height, codedWidth, codedHeight)
	}

	entry := mp4.Boxes{
		Box: &mp4.VisualSampleEntry{
			EntryType:          entryType,
			DataReferenceIndex: 1,
			Width:              uint16(width),
			Height:             uint16(height),
		},
		Children: []mp4.Boxes{
			{Box: &mp4.Raw{BoxType: recordType, Data: record}},
		},
	}
	if free := ConfigReserve - size; free > 0 {
		entry.Children = append(entry.Children,
			mp4.Boxes{Box: &mp4.Free{PayloadSize: free - mp4.BoxHeaderSize}})
	}
	buf, err := entry.Bytes()
	if err != nil {
		return fmt.Errorf("marshal sample entry: %w", err)
	}

	if err := m.writeAt(m.layout.videoEntry, buf); err != nil {
		return fmt.Errorf("sample entry: %w", err)
	}
	if _, err := m.file.Seek(m.pos, io.SeekStart); err != nil {
		return fmt.Errorf("seek end: %w", err)
	}
	return nil
}
