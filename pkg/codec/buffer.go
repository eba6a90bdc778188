package codec

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"ffrecorder/pkg/framequeue"
	"ffrecorder/pkg/log"
)

// Buffer is a passthrough adapter for frames that were
// compressed by an external encoder.
type Buffer struct {
	name   string
	config Config
	queue  *framequeue.Queue
	logger *log.Logger

	// A keyframe was dropped, delta frames are dropped until the next one.
	waitKey   bool
	waitKeyMu sync.Mutex

	idr     atomic.Bool
	bitrate atomic.Int64
}

// NewBuffer returns a started passthrough adapter.
func NewBuffer(name string, config Config, queueSize int, logger *log.Logger) *Buffer {
	return &Buffer{
		name:   name,
		config: config,
		queue:  framequeue.New(queueSize),
		logger: logger,
	}
}

// Name implements Encoder.
func (b *Buffer) Name() string {
	return b.name
}

// Queue implements Encoder.
func (b *Buffer) Queue() *framequeue.Queue {
	return b.queue
}

// Config implements Encoder.
func (b *Buffer) Config() Config {
	return b.config
}

// Start implements Encoder.
func (b *Buffer) Start(on bool) {
	if on {
		b.queue.Start()
	} else {
		b.queue.Stop()
	}
}

// Reset implements Encoder. There is no input stage to clear.
func (b *Buffer) Reset(flags ResetFlag) {
	if flags.Has(ClearOutput) {
		b.queue.Reset()
		if b.isVideo() {
			b.waitKeyMu.Lock()
			b.waitKey = true
			b.waitKeyMu.Unlock()
		}
	}
	if flags.Has(RequestIDR) {
		b.idr.Store(true)
	}
}

// IDRRequested returns true once for every keyframe request.
func (b *Buffer) IDRRequested() bool {
	return b.idr.Swap(false)
}

// ErrInvalidBitrate bitrate must be positive.
var ErrInvalidBitrate = errors.New("invalid bitrate")

// Reconfigure stores the bitrate for the external encoder, see Bitrate.
func (b *Buffer) Reconfigure(bitrate int) error {
	if bitrate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBitrate, bitrate)
	}
	b.bitrate.Store(int64(bitrate))
	return nil
}

// Bitrate returns the last bitrate passed to Reconfigure, or zero.
func (b *Buffer) Bitrate() int {
	return int(b.bitrate.Load())
}

func (b *Buffer) isVideo() bool {
	return b.config.Codec == CodecH264 || b.config.Codec == CodecH265
}

// WriteFrame queues a compressed video frame built from the spans.
// Returns false if the frame was dropped.
func (b *Buffer) WriteFrame(ts uint32, key bool, data ...[]byte) bool {
	b.waitKeyMu.Lock()
	defer b.waitKeyMu.Unlock()

	if !key && b.waitKey {
		return false
	}

	kind := framequeue.KindVideoDelta
	if key {
		kind = framequeue.KindVideoKey
	}
	if b.queue.Write(ts, kind, data...) {
		b.waitKey = false
		return true
	}

	if !b.queue.Active() {
		return false
	}
	if key {
		b.waitKey = true
		b.idr.Store(true)
		b.logger.Warn().Src("codec").Stream(b.name).
			Msgf("keyframe dropped, queue full %d/%d", b.queue.Used(), b.queue.Cap())
	} else {
		b.logger.Debug().Src("codec").Stream(b.name).Msg("frame dropped, queue full")
	}
	return false
}

// WriteAudio queues a compressed audio frame built from the spans.
// Returns false if the frame was dropped.
func (b *Buffer) WriteAudio(ts uint32, data ...[]byte) bool {
	if b.queue.Write(ts, framequeue.KindAudio, data...) {
		return true
	}
	if b.queue.Active() {
		b.logger.Debug().Src("codec").Stream(b.name).Msg("audio frame dropped, queue full")
	}
	return false
}
