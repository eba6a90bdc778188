// Package codec defines the encoder adapters that feed the recorder.
// Every adapter owns a framequeue.Queue that holds its finished frames.
package codec

import (
	"errors"
	"fmt"
	"time"

	"ffrecorder/pkg/framequeue"
)

// Codec identifies the format of the frames an encoder produces.
type Codec uint8

// Codecs.
const (
	CodecNone Codec = iota
	CodecAAC
	CodecALaw
	CodecH264
	CodecH265
)

func (c Codec) String() string {
	switch c {
	case CodecAAC:
		return "aac"
	case CodecALaw:
		return "alaw"
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	}
	return "none"
}

// ErrUnknownCodec unknown codec name.
var ErrUnknownCodec = errors.New("unknown codec")

// ParseCodec parses a codec name.
func ParseCodec(s string) (Codec, error) {
	for _, c := range []Codec{CodecNone, CodecAAC, CodecALaw, CodecH264, CodecH265} {
		if c.String() == s {
			return c, nil
		}
	}
	if s == "" {
		return CodecNone, nil
	}
	return CodecNone, fmt.Errorf("%w: %v", ErrUnknownCodec, s)
}

// ResetFlag selects what Reset clears.
type ResetFlag uint8

// Reset flags.
const (
	ClearInput ResetFlag = 1 << iota
	ClearOutput
	RequestIDR
)

// Has returns true if every bit of flag is set.
func (f ResetFlag) Has(flag ResetFlag) bool {
	return f&flag == flag
}

// Config describes the stream an encoder produces.
type Config struct {
	Codec Codec

	// Decoder specific data. AudioSpecificConfig for AAC,
	// parameter sets for video.
	Blob []byte

	SampleRate      int
	Channels        int
	SamplesPerFrame int
}

// Encoder is the control surface of an encoder adapter.
type Encoder interface {
	// Name is used in logs.
	Name() string

	// Start enables or disables the encoder. A disabled
	// encoder drops input and wakes readers of its queue.
	Start(on bool)

	Reset(flags ResetFlag)

	// Reconfigure changes the target bitrate in bits per second.
	Reconfigure(bitrate int) error

	// Queue returns the output queue.
	Queue() *framequeue.Queue

	// Config can be called any time after construction.
	Config() Config
}

// ErrNotSupported the encoder does not support the operation.
var ErrNotSupported = errors.New("not supported")

var tickStart = time.Now()

// Tick returns milliseconds since process start from the monotonic clock.
func Tick() uint32 {
	return uint32(time.Since(tickStart).Milliseconds())
}
