// Package recorder reads frames from a video and an optional audio encoder
// and writes them to keyframe aligned segment files of fixed duration.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"ffrecorder/pkg/codec"
	"ffrecorder/pkg/framequeue"
	"ffrecorder/pkg/log"
	"ffrecorder/pkg/video/h26x"
	"ffrecorder/pkg/video/mp4muxer"
)

// State of the recorder.
type State int32

// States.
const (
	// StateStopped not recording.
	StateStopped State = iota

	// StateArmed recording, waiting for a keyframe to open a segment.
	StateArmed

	// StateActive a segment is open.
	StateActive

	// StateRotating the segment duration has elapsed, the
	// segment is closed on the next keyframe.
	StateRotating
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateArmed:
		return "armed"
	case StateActive:
		return "active"
	case StateRotating:
		return "rotating"
	}
	return "unknown"
}

// DefaultPollTimeout is how long each queue is waited on per loop iteration.
const DefaultPollTimeout = 10 * time.Millisecond

// Extra table space on top of the segment duration, the segment
// stays open until the keyframe after the boundary arrives.
const gopMargin = 2 * time.Second

// ErrInvalidConfig invalid recorder config.
var ErrInvalidConfig = errors.New("invalid recorder config")

// Config recorder config.
type Config struct {
	// Segment files are named <NamePrefix>-YYYYMMDD-HHMMSS.mp4,
	// the prefix may contain directories.
	NamePrefix      string
	Container       string
	SegmentDuration time.Duration

	// Audio parameters, taken from the audio encoder if zero.
	Channels   int
	SampleRate int

	// Zero size is read from the SPS.
	Width     int
	Height    int
	FrameRate int
}

func (c Config) validate() error {
	if c.NamePrefix == "" {
		return fmt.Errorf("%w: empty name prefix", ErrInvalidConfig)
	}
	if err := mp4muxer.CheckContainer(c.Container); err != nil {
		return err
	}
	if c.SegmentDuration < time.Millisecond {
		return fmt.Errorf("%w: segment duration %v", ErrInvalidConfig, c.SegmentDuration)
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("%w: frame rate %d", ErrInvalidConfig, c.FrameRate)
	}
	return nil
}

// Muxer is the part of a segment writer used by the recorder.
type Muxer interface {
	WriteVideo(ts uint32, key bool, data1, data2 []byte) error
	WriteAudio(ts uint32, data1, data2 []byte) error
	Stats() mp4muxer.Stats
	Close() error
}

// MuxerFactory creates the segment file at path.
type MuxerFactory func(path string, p mp4muxer.Params, logger *log.Logger) (Muxer, error)

// NewMP4Muxer creates a mp4muxer.Muxer.
func NewMP4Muxer(path string, p mp4muxer.Params, logger *log.Logger) (Muxer, error) {
	return mp4muxer.Create(path, p, logger)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithTick sets the millisecond clock used for segment boundaries.
func WithTick(tick func() uint32) Option {
	return func(r *Recorder) { r.tick = tick }
}

// WithNow sets the wall clock used for file names.
func WithNow(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithMuxerFactory sets the segment writer.
func WithMuxerFactory(f MuxerFactory) Option {
	return func(r *Recorder) { r.newMuxer = f }
}

// WithPollTimeout sets the per queue poll timeout.
func WithPollTimeout(d time.Duration) Option {
	return func(r *Recorder) { r.pollTimeout = d }
}

type control struct {
	on   bool
	done chan struct{}
}

// Recorder owns a goroutine that moves frames from
// the encoder queues to the current segment.
type Recorder struct {
	cfg    Config
	name   string
	audio  codec.Encoder
	video  codec.Encoder
	logger *log.Logger

	tick        func() uint32
	now         func() time.Time
	newMuxer    MuxerFactory
	pollTimeout time.Duration

	ctrl   chan control
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
	state  atomic.Int32

	// Owned by the loop goroutine.
	recording    bool
	started      bool
	segmentStart uint32
	rotate       bool
	muxer        Muxer
	path         string
	paramSets    *h26x.ParamSets
}

// New validates the config and starts the recorder goroutine in
// the stopped state. Audio may be nil for video only segments.
func New(
	cfg Config,
	audio codec.Encoder,
	video codec.Encoder,
	logger *log.Logger,
	opts ...Option,
) (*Recorder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if video == nil {
		return nil, fmt.Errorf("%w: no video encoder", ErrInvalidConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		cfg:         cfg,
		name:        filepath.Base(cfg.NamePrefix),
		audio:       audio,
		video:       video,
		logger:      logger,
		tick:        codec.Tick,
		now:         time.Now,
		newMuxer:    NewMP4Muxer,
		pollTimeout: DefaultPollTimeout,
		ctrl:        make(chan control),
		ctx:         ctx,
		cancel:      cancel,
		paramSets:   h26x.NewParamSets(video.Config().Codec),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Start starts or stops recording and returns once the recorder
// goroutine has applied it. Stopping finalizes the open segment.
func (r *Recorder) Start(on bool) {
	c := control{on: on, done: make(chan struct{})}
	select {
	case r.ctrl <- c:
		<-c.done
	case <-r.ctx.Done():
	}
}

// Exit stops recording and waits for the recorder goroutine to return.
func (r *Recorder) Exit() {
	r.cancel()
	r.wg.Wait()
}

// State returns the current state.
func (r *Recorder) State() State {
	return State(r.state.Load())
}

func (r *Recorder) updateState() {
	s := StateStopped
	switch {
	case !r.recording:
	case r.muxer == nil:
		s = StateArmed
	case r.rotate:
		s = StateRotating
	default:
		s = StateActive
	}
	r.state.Store(int32(s))
}

func (r *Recorder) encoders() []codec.Encoder {
	if r.audio == nil {
		return []codec.Encoder{r.video}
	}
	return []codec.Encoder{r.video, r.audio}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		// Block while stopped.
		if !r.recording {
			select {
			case <-r.ctx.Done():
				return
			case c := <-r.ctrl:
				r.setRecording(c.on)
				close(c.done)
			}
			continue
		}

		select {
		case <-r.ctx.Done():
			r.setRecording(false)
			return
		case c := <-r.ctrl:
			r.setRecording(c.on)
			close(c.done)
			continue
		default:
		}

		r.pollVideo()
		r.checkBoundary()
		if r.audio != nil {
			r.pollAudio()
		}
	}
}

func (r *Recorder) setRecording(on bool) {
	if on == r.recording {
		return
	}
	if on {
		for _, enc := range r.encoders() {
			enc.Reset(codec.ClearInput | codec.ClearOutput | codec.RequestIDR)
			enc.Start(true)
		}
		r.recording = true
		r.logger.Info().Src("recorder").Stream(r.name).Msg("recording started")
	} else {
		for _, enc := range r.encoders() {
			enc.Start(false)
		}
		r.closeSegment()
		r.recording = false
		r.started = false
		r.rotate = false
		r.logger.Info().Src("recorder").Stream(r.name).Msg("recording stopped")
	}
	r.updateState()
}

// idle prevents spinning on a stopped queue.
func (r *Recorder) idle() {
	select {
	case <-r.ctx.Done():
	case <-time.After(r.pollTimeout):
	}
}

func (r *Recorder) pollVideo() {
	q := r.video.Queue()
	ok := q.View(r.pollTimeout, r.handleVideo)
	if !ok && !q.Active() {
		r.idle()
	}
}

func (r *Recorder) handleVideo(f framequeue.Frame) {
	if !f.Kind.IsVideo() {
		return
	}
	// Handed to every new segment.
	r.paramSets.Collect(f.Data1, f.Data2)

	key := f.Kind.IsKey()
	if r.rotate && key {
		r.closeSegment()
		r.rotate = false
	}
	if r.muxer == nil {
		// Segments start on a keyframe.
		if !key {
			return
		}
		r.openSegment()
		if r.muxer == nil {
			return
		}
	}
	if err := r.muxer.WriteVideo(f.Timestamp, key, f.Data1, f.Data2); err != nil {
		r.logger.Error().Src("recorder").Stream(r.name).
			Msgf("write video: %v: %v", r.path, err)
		r.closeSegment()
	}
}

func (r *Recorder) pollAudio() {
	q := r.audio.Queue()
	ok := q.View(r.pollTimeout, func(f framequeue.Frame) {
		if f.Kind != framequeue.KindAudio || r.muxer == nil {
			return
		}
		if err := r.muxer.WriteAudio(f.Timestamp, f.Data1, f.Data2); err != nil {
			r.logger.Error().Src("recorder").Stream(r.name).
				Msgf("write audio: %v: %v", r.path, err)
			r.closeSegment()
		}
	})
	if !ok && !q.Active() {
		r.idle()
	}
}

// checkBoundary requests a keyframe once the segment duration has
// elapsed. The boundary advances by exactly one segment duration.
func (r *Recorder) checkBoundary() {
	if !r.started {
		return
	}
	duration := r.cfg.SegmentDuration.Milliseconds()
	if int64(int32(r.tick()-r.segmentStart)) < duration {
		return
	}
	r.segmentStart += uint32(duration)
	if r.muxer != nil && !r.rotate {
		r.rotate = true
		r.video.Reset(codec.RequestIDR)
		r.updateState()
	}
}

// SegmentPath returns the file name of a segment started at t.
func SegmentPath(prefix string, t time.Time) string {
	return segmentPath(prefix, t, 0)
}

// Attempts at a free name for segments started in the same second.
const maxPathSuffix = 100

// segmentPath adds the suffix -n if n > 0.
func segmentPath(prefix string, t time.Time, n int) string {
	name := prefix + "-" + t.Format("20060102-150405")
	if n > 0 {
		name += fmt.Sprintf("-%d", n)
	}
	return name + "." + mp4muxer.ContainerMP4
}

func (r *Recorder) muxerParams(now time.Time) mp4muxer.Params {
	video := r.video.Config()
	p := mp4muxer.Params{
		Name:         r.name,
		DurationHint: r.cfg.SegmentDuration + gopMargin,
		VideoCodec:   video.Codec,
		Width:        r.cfg.Width,
		Height:       r.cfg.Height,
		FrameRate:    r.cfg.FrameRate,
		VideoConfig:  r.paramSets.AnnexB(),
		Time:         now,
	}
	if len(p.VideoConfig) == 0 {
		p.VideoConfig = video.Blob
	}
	if r.audio == nil {
		return p
	}

	audio := r.audio.Config()
	p.Channels = r.cfg.Channels
	if p.Channels == 0 {
		p.Channels = audio.Channels
	}
	p.SampleRate = r.cfg.SampleRate
	if p.SampleRate == 0 {
		p.SampleRate = audio.SampleRate
	}
	p.AudioCodec = audio.Codec
	p.SamplesPerFrame = audio.SamplesPerFrame
	if audio.Codec == codec.CodecAAC {
		p.AudioConfig = audio.Blob
	}
	return p
}

// openSegment leaves muxer nil on failure, the
// next keyframe tries again.
func (r *Recorder) openSegment() {
	now := r.now()
	path := SegmentPath(r.cfg.NamePrefix, now)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.logger.Error().Src("recorder").Stream(r.name).
			Msgf("make directory for segment: %v", err)
		return
	}
	params := r.muxerParams(now)
	muxer, err := r.newMuxer(path, params, r.logger)
	for n := 1; errors.Is(err, fs.ErrExist) && n < maxPathSuffix; n++ {
		path = segmentPath(r.cfg.NamePrefix, now, n)
		muxer, err = r.newMuxer(path, params, r.logger)
	}
	if err != nil {
		r.logger.Error().Src("recorder").Stream(r.name).
			Msgf("open segment: %v: %v", path, err)
		return
	}
	r.muxer = muxer
	r.path = path
	if !r.started {
		r.segmentStart = r.tick()
		r.started = true
	}
	r.updateState()
	r.logger.Info().Src("recorder").Stream(r.name).Msgf("segment opened: %v", path)
}

func (r *Recorder) closeSegment() {
	if r.muxer == nil {
		return
	}
	stats := r.muxer.Stats()
	err := r.muxer.Close()
	r.muxer = nil
	r.updateState()

	if err != nil {
		r.logger.Error().Src("recorder").Stream(r.name).
			Msgf("close segment: %v: %v", r.path, err)
		return
	}
	r.logger.Info().Src("recorder").Stream(r.name).Msgf(
		"segment finished: %v, %d video samples, %d audio samples, %v",
		r.path, stats.VideoSamples, stats.AudioSamples, stats.Duration)
}
