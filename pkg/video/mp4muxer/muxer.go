// Package mp4muxer writes a playable mp4 file incrementally. The moov box
// is written up front with every sample table sized for the expected
// duration, the tables are then patched in place as samples arrive.
package mp4muxer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"ffrecorder/pkg/codec"
	"ffrecorder/pkg/log"
	"ffrecorder/pkg/video/h26x"
	"ffrecorder/pkg/video/mp4"
	"ffrecorder/pkg/video/mp4/bitio"
)

// Container kinds.
const (
	ContainerMP4 = "mp4"
	ContainerAVI = "avi"
)

const (
	movieTimescale = 1000
	videoTrackID   = 1
	audioTrackID   = 2

	// ConfigReserve is the space kept in the video sample
	// entry for the decoder configuration record.
	ConfigReserve = 512

	// Tables are flushed every flushInterval seconds of video.
	flushInterval = 5
)

// Largest chunk offset or box size a 32 bit field can hold.
var maxOffset int64 = math.MaxUint32

// Errors.
var (
	ErrUnsupportedContainer = errors.New("unsupported container")
	ErrInvalidParams        = errors.New("invalid params")
	ErrNoAudioTrack         = errors.New("no audio track")
	ErrClosed               = errors.New("muxer closed")
)

// CheckContainer returns an error if the container kind cannot be written.
func CheckContainer(kind string) error {
	switch kind {
	case "", ContainerMP4:
		return nil
	case ContainerAVI:
		return fmt.Errorf("%w: %v", ErrUnsupportedContainer, kind)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedContainer, kind)
}

// Params stream parameters.
type Params struct {
	// Name is used in logs.
	Name string

	// DurationHint sizes the sample tables. Samples
	// beyond the hint are stored but not indexed.
	DurationHint time.Duration

	// Detected from the first NAL unit if CodecNone.
	VideoCodec codec.Codec
	Width      int
	Height     int
	FrameRate  int

	// Zero channels means a video only file.
	Channels        int
	SampleRate      int
	SampleBits      int
	SamplesPerFrame int
	AudioCodec      codec.Codec

	// AudioSpecificConfig for AAC, generated from the
	// sample rate and channels if empty.
	AudioConfig []byte

	// VideoConfig holds Annex-B parameter sets used for the decoder
	// configuration record until the stream carries its own.
	VideoConfig []byte

	// Creation time, defaults to now.
	Time time.Time
}

func (p *Params) validate() error {
	if p.FrameRate <= 0 {
		return fmt.Errorf("%w: frame rate %d", ErrInvalidParams, p.FrameRate)
	}
	if p.DurationHint <= 0 {
		return fmt.Errorf("%w: duration hint %v", ErrInvalidParams, p.DurationHint)
	}
	if p.Width < 0 || p.Height < 0 || p.Width > 0xffff || p.Height > 0xffff {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidParams, p.Width, p.Height)
	}
	switch p.VideoCodec {
	case codec.CodecNone, codec.CodecH264, codec.CodecH265:
	default:
		return fmt.Errorf("%w: video codec %v", ErrInvalidParams, p.VideoCodec)
	}
	if p.Channels <= 0 {
		return nil
	}
	if p.SampleRate <= 0 || p.SampleRate > 0xffff || p.SamplesPerFrame <= 0 {
		return fmt.Errorf("%w: sample rate %d, samples per frame %d",
			ErrInvalidParams, p.SampleRate, p.SamplesPerFrame)
	}
	if p.AudioCodec != codec.CodecAAC && p.AudioCodec != codec.CodecALaw {
		return fmt.Errorf("%w: audio codec %v", ErrInvalidParams, p.AudioCodec)
	}
	return nil
}

func (p *Params) hasAudio() bool {
	return p.Channels > 0
}

// Maximum number of indexed samples.
func (p *Params) maxVideoSamples() int {
	ms := p.DurationHint.Milliseconds()
	return int((ms*int64(p.FrameRate) + 999) / 1000)
}

func (p *Params) maxAudioSamples() int {
	ms := p.DurationHint.Milliseconds()
	div := 1000 * int64(p.SamplesPerFrame)
	return int((ms*int64(p.SampleRate) + div - 1) / div)
}

// Stats of the samples written so far.
type Stats struct {
	VideoSamples int // Indexed.
	AudioSamples int // Indexed.
	Written      int // Every video sample, including unindexed.
	Bytes        int64
	Duration     time.Duration
}

// Muxer is an incremental mp4 writer, it is not safe for concurrent use.
type Muxer struct {
	file   io.WriteSeeker
	closer io.Closer
	w      *bitio.Writer
	params Params
	logger *log.Logger

	layout layout
	pos    int64

	videoCodec  codec.Codec
	params26x   [4][]byte
	seeded      [4]bool
	configDone  bool
	sample      []byte
	videoStts   sttsTable
	videoStss   table
	videoStsz   table
	videoStco   table
	videoTotal  int
	audioStts   sttsTable
	audioStsz   table
	audioStco   table
	saturated   bool
	closed      bool
	err         error
	sinceFlush  int
	flushPeriod int
}

// Create creates the file and writes the skeleton. An existing
// file is never overwritten, the error wraps fs.ErrExist. The
// file is removed if the skeleton cannot be written.
func Create(path string, p Params, logger *log.Logger) (*Muxer, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	if p.Name == "" {
		p.Name = path
	}
	m, err := New(file, p, logger)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	m.closer = file
	return m, nil
}

// New writes the skeleton to file and returns a muxer ready for samples.
func New(file io.WriteSeeker, p Params, logger *log.Logger) (*Muxer, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Time.IsZero() {
		p.Time = time.Now()
	}
	if p.SampleBits == 0 {
		p.SampleBits = 16
	}
	if p.hasAudio() && p.AudioCodec == codec.CodecAAC && len(p.AudioConfig) == 0 {
		config, err := aacConfig(p.SampleRate, p.Channels)
		if err != nil {
			return nil, err
		}
		p.AudioConfig = config
	}

	m := &Muxer{
		file:        file,
		w:           bitio.NewWriter(bitio.NewByteWriter(file)),
		params:      p,
		logger:      logger,
		videoCodec:  p.VideoCodec,
		flushPeriod: flushInterval * p.FrameRate,
	}
	if len(p.VideoConfig) != 0 {
		m.seedParamSets(p.VideoConfig)
	}
	if err := m.writeSkeleton(); err != nil {
		return nil, fmt.Errorf("write skeleton: %w", err)
	}
	return m, nil
}

func (m *Muxer) warnf(format string, a ...interface{}) {
	if m.logger == nil {
		return
	}
	m.logger.Warn().Src("mp4muxer").Stream(m.params.Name).Msgf(format, a...)
}

// WriteVideo writes one access unit. The frame is given as two spans,
// the second may be empty. NAL units are converted from Annex-B to
// length prefixed. A sample is a sync sample if key is set or if it
// contains an IDR or IRAP NAL unit.
func (m *Muxer) WriteVideo(ts uint32, key bool, data1, data2 []byte) error {
	if m.closed {
		return ErrClosed
	}
	if m.err != nil {
		return m.err
	}

	m.sample = m.sample[:0]
	h26x.Split(data1, data2, func(nalu []byte) {
		if m.videoCodec == codec.CodecNone {
			m.videoCodec = h26x.DetectCodec(nalu)
		}
		typ := h26x.Type(m.videoCodec, nalu)
		if h26x.IsKeyframe(m.videoCodec, typ) {
			key = true
		}
		if !m.configDone {
			m.collectParamSet(typ, nalu)
		}
		m.sample = binary.BigEndian.AppendUint32(m.sample, uint32(len(nalu)))
		m.sample = append(m.sample, nalu...)
	})

	if !m.configDone && m.haveParamSets() {
		if err := m.writeConfig(); err != nil {
			return m.fail(err)
		}
	}

	offset := m.pos
	if _, err := m.w.Write(m.sample); err != nil {
		return m.fail(fmt.Errorf("write video sample: %w", err))
	}
	m.pos += int64(len(m.sample))
	m.videoTotal++

	switch {
	case offset > maxOffset:
		m.saturate("video sample beyond 32 bit chunk offset")
	case m.videoStsz.add(uint32(len(m.sample))):
		m.videoStco.add(uint32(offset))
		if key {
			m.videoStss.add(uint32(len(m.videoStsz.entries)))
		}
	default:
		m.saturate("video sample table full")
	}

	m.sinceFlush++
	if m.sinceFlush >= m.flushPeriod {
		return m.Flush()
	}
	return nil
}

// WriteAudio writes one audio frame given as two spans.
func (m *Muxer) WriteAudio(ts uint32, data1, data2 []byte) error {
	if m.closed {
		return ErrClosed
	}
	if m.err != nil {
		return m.err
	}
	if !m.params.hasAudio() {
		return ErrNoAudioTrack
	}

	offset := m.pos
	for _, d := range [][]byte{data1, data2} {
		if len(d) == 0 {
			continue
		}
		if _, err := m.w.Write(d); err != nil {
			return m.fail(fmt.Errorf("write audio sample: %w", err))
		}
	}
	size := len(data1) + len(data2)
	m.pos += int64(size)

	switch {
	case offset > maxOffset:
		m.saturate("audio sample beyond 32 bit chunk offset")
	case m.audioStsz.add(uint32(size)):
		m.audioStco.add(uint32(offset))
	default:
		m.saturate("audio sample table full")
	}
	return nil
}

func (m *Muxer) saturate(reason string) {
	if m.saturated {
		return
	}
	m.saturated = true
	m.warnf("%v, following samples are not indexed", reason)
}

// Saturated returns true if a sample could not be indexed.
func (m *Muxer) Saturated() bool {
	return m.saturated
}

func (m *Muxer) fail(err error) error {
	m.err = err
	return err
}

func (m *Muxer) videoDuration() time.Duration {
	n := int64(len(m.videoStsz.entries))
	return time.Duration(n) * time.Second / time.Duration(m.params.FrameRate)
}

func (m *Muxer) audioDuration() time.Duration {
	if !m.params.hasAudio() {
		return 0
	}
	n := int64(len(m.audioStsz.entries)) * int64(m.params.SamplesPerFrame)
	return time.Duration(n) * time.Second / time.Duration(m.params.SampleRate)
}

// Stats returns the current statistics.
func (m *Muxer) Stats() Stats {
	d := m.videoDuration()
	if a := m.audioDuration(); a > d {
		d = a
	}
	return Stats{
		VideoSamples: len(m.videoStsz.entries),
		AudioSamples: len(m.audioStsz.entries),
		Written:      m.videoTotal,
		Bytes:        m.pos - m.layout.mdat - mp4.BoxHeaderSize,
		Duration:     d,
	}
}

// Flush writes the pending table entries, counts, durations and the
// mdat size. The write position is restored afterwards.
func (m *Muxer) Flush() error {
	if m.err != nil {
		return m.err
	}
	m.sinceFlush = 0
	if err := m.flush(); err != nil {
		return m.fail(fmt.Errorf("flush: %w", err))
	}
	return nil
}

func (m *Muxer) flush() error {
	nVideo := uint32(len(m.videoStsz.entries))
	if err := m.videoStts.flush(m, nVideo); err != nil {
		return err
	}
	for _, t := range []*table{&m.videoStss, &m.videoStsz, &m.videoStco} {
		if err := t.flush(m); err != nil {
			return err
		}
	}

	videoMs := uint32(m.videoDuration().Milliseconds())
	movieMs := videoMs
	if err := m.patch(m.layout.videoTkhd+mp4.TkhdDurationOffset, videoMs); err != nil {
		return err
	}
	if err := m.patch(m.layout.videoMdhd+mp4.MdhdDurationOffset, nVideo); err != nil {
		return err
	}

	if m.params.hasAudio() {
		nAudio := uint32(len(m.audioStsz.entries))
		if err := m.audioStts.flush(m, nAudio); err != nil {
			return err
		}
		for _, t := range []*table{&m.audioStsz, &m.audioStco} {
			if err := t.flush(m); err != nil {
				return err
			}
		}

		audioMs := uint32(m.audioDuration().Milliseconds())
		if audioMs > movieMs {
			movieMs = audioMs
		}
		err := m.patch(m.layout.audioTkhd+mp4.TkhdDurationOffset, audioMs)
		if err != nil {
			return err
		}
		mediaDuration := nAudio * uint32(m.params.SamplesPerFrame)
		err = m.patch(m.layout.audioMdhd+mp4.MdhdDurationOffset, mediaDuration)
		if err != nil {
			return err
		}
	}

	if err := m.patch(m.layout.mvhd+mp4.MvhdDurationOffset, movieMs); err != nil {
		return err
	}
	// Size zero extends the last box to the end of the file.
	mdatSize := m.pos - m.layout.mdat
	if mdatSize > maxOffset {
		mdatSize = 0
	}
	if err := m.patch(m.layout.mdat, uint32(mdatSize)); err != nil {
		return err
	}

	if _, err := m.file.Seek(m.pos, io.SeekStart); err != nil {
		return fmt.Errorf("seek end: %w", err)
	}
	return nil
}

// patch writes big-endian values at offset.
func (m *Muxer) patch(offset int64, values ...uint32) error {
	buf := make([]byte, 0, len(values)*4)
	for _, v := range values {
		buf = binary.BigEndian.AppendUint32(buf, v)
	}
	return m.writeAt(offset, buf)
}

func (m *Muxer) writeAt(offset int64, buf []byte) error {
	if _, err := m.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	if _, err := m.w.Write(buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close flushes the tables and closes the file if the muxer owns it.
func (m *Muxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	err := m.Flush()
	if m.closer != nil {
		if err2 := m.closer.Close(); err == nil && err2 != nil {
			err = fmt.Errorf("close: %w", err2)
		}
	}
	return err
}
