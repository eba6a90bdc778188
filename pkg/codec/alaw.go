package codec

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"ffrecorder/pkg/framequeue"
	"ffrecorder/pkg/log"

	"github.com/zaf/g711"
)

// ALaw encodes little-endian 16 bit PCM into G.711 A-law frames.
type ALaw struct {
	name   string
	config Config
	input  *framequeue.Queue
	output *framequeue.Queue
	logger *log.Logger

	pollTimeout time.Duration
}

// NewALaw returns a started encoder. Its goroutine
// runs until the context is canceled.
func NewALaw(
	ctx context.Context,
	wg *sync.WaitGroup,
	name string,
	sampleRate int,
	channels int,
	samplesPerFrame int,
	queueSize int,
	logger *log.Logger,
) *ALaw {
	a := &ALaw{
		name: name,
		config: Config{
			Codec:           CodecALaw,
			SampleRate:      sampleRate,
			Channels:        channels,
			SamplesPerFrame: samplesPerFrame,
		},
		input:       framequeue.New(queueSize * 2),
		output:      framequeue.New(queueSize),
		logger:      logger,
		pollTimeout: 50 * time.Millisecond,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.run(ctx)
	}()
	return a
}

func (a *ALaw) run(ctx context.Context) {
	defer a.output.Stop()
	for ctx.Err() == nil {
		if a.input.View(a.pollTimeout, a.encodeFrame) || a.input.Active() {
			continue
		}
		// Stopped, the view returned without waiting.
		select {
		case <-ctx.Done():
		case <-time.After(a.pollTimeout):
		}
	}
}

func (a *ALaw) encodeFrame(f framequeue.Frame) {
	var out []byte
	if len(f.Data1)%2 != 0 {
		out = g711.EncodeAlaw(f.Bytes())
	} else {
		out = append(g711.EncodeAlaw(f.Data1), g711.EncodeAlaw(f.Data2)...)
	}

	if !a.output.Write(f.Timestamp, framequeue.KindAudio, out) && a.output.Active() {
		a.logger.Debug().Src("codec").Stream(a.name).Msg("audio frame dropped, queue full")
	}
}

// WritePCM queues interleaved samples for encoding.
// Returns false if they were dropped.
func (a *ALaw) WritePCM(ts uint32, samples []int16) bool {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	if a.input.Write(ts, framequeue.KindAudio, buf) {
		return true
	}
	if a.input.Active() {
		a.logger.Debug().Src("codec").Stream(a.name).Msg("pcm dropped, input queue full")
	}
	return false
}

// Name implements Encoder.
func (a *ALaw) Name() string {
	return a.name
}

// Queue implements Encoder.
func (a *ALaw) Queue() *framequeue.Queue {
	return a.output
}

// Config implements Encoder.
func (a *ALaw) Config() Config {
	return a.config
}

// Start implements Encoder.
func (a *ALaw) Start(on bool) {
	if on {
		a.input.Start()
		a.output.Start()
	} else {
		a.input.Stop()
		a.output.Stop()
	}
}

// Reset implements Encoder.
func (a *ALaw) Reset(flags ResetFlag) {
	if flags.Has(ClearInput) {
		a.input.Reset()
	}
	if flags.Has(ClearOutput) {
		a.output.Reset()
	}
}

// Reconfigure implements Encoder. A-law has a fixed rate of 8 bits per sample.
func (a *ALaw) Reconfigure(bitrate int) error {
	if bitrate != 8*a.config.SampleRate*a.config.Channels {
		return fmt.Errorf("alaw bitrate %d: %w", bitrate, ErrNotSupported)
	}
	return nil
}
