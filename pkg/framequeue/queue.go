// Package framequeue moves timestamped frames from one producer
// to its consumers through a fixed size byte ring.
package framequeue

import (
	"encoding/binary"
	"sync"
	"time"
)

// Kind tags the content of a frame.
type Kind byte

// Frame kinds.
const (
	KindAudio      Kind = 'A'
	KindVideoKey   Kind = 'V'
	KindVideoDelta Kind = 'v'
)

// IsVideo returns true for key and delta video frames.
func (k Kind) IsVideo() bool {
	return k == KindVideoKey || k == KindVideoDelta
}

// IsKey returns true for video keyframes.
func (k Kind) IsKey() bool {
	return k == KindVideoKey
}

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideoKey:
		return "video-key"
	case KindVideoDelta:
		return "video-delta"
	}
	return "unknown"
}

const (
	// HeaderSize is the envelope overhead of each frame.
	HeaderSize = 8

	// MaxPayload the largest payload a envelope can describe.
	MaxPayload = 1<<24 - 1
)

// Envelope is a frame copied out of the queue.
type Envelope struct {
	Timestamp uint32
	Kind      Kind
	Payload   []byte
}

// Frame is a zero-copy view of the next envelope. The payload is
// split in two spans when it wraps around the end of the ring.
// The spans are only valid inside the View callback.
type Frame struct {
	Timestamp uint32
	Kind      Kind
	Data1     []byte
	Data2     []byte
}

// Len returns the payload size.
func (f Frame) Len() int {
	return len(f.Data1) + len(f.Data2)
}

// Bytes returns a contiguous copy of the payload.
func (f Frame) Bytes() []byte {
	buf := make([]byte, 0, f.Len())
	buf = append(buf, f.Data1...)
	return append(buf, f.Data2...)
}

// Queue is a ring of frame envelopes with one producer. Writes never
// block, frames that do not fit are dropped and counted.
type Queue struct {
	buf []byte

	// Serializes consumers, held while a view is open.
	consumer sync.Mutex

	mu      sync.Mutex
	head    int
	tail    int
	used    int
	frames  int
	dropped uint64
	active  bool

	// Signaled after every admitted write.
	notify chan struct{}
	// Closed by Stop to wake every waiter.
	stopped chan struct{}
}

// New returns a started queue with the given capacity in bytes.
func New(capacity int) *Queue {
	return &Queue{
		buf:     make([]byte, capacity),
		active:  true,
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Write appends one envelope built from the concatenated spans.
// Returns false if the frame was dropped.
func (q *Queue) Write(ts uint32, kind Kind, spans ...[]byte) bool {
	size := 0
	for _, s := range spans {
		size += len(s)
	}

	q.mu.Lock()
	if !q.active {
		q.mu.Unlock()
		return false
	}
	if size > MaxPayload || q.used+HeaderSize+size > len(q.buf) {
		q.dropped++
		q.mu.Unlock()
		return false
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], ts)
	binary.BigEndian.PutUint32(header[4:8], uint32(size)<<8|uint32(kind))
	q.put(header[:])
	for _, s := range spans {
		q.put(s)
	}
	q.frames++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// put copies p at the tail. Caller must hold mu and have checked space.
func (q *Queue) put(p []byte) {
	for len(p) > 0 {
		n := copy(q.buf[q.tail:], p)
		p = p[n:]
		q.tail = (q.tail + n) % len(q.buf)
		q.used += n
	}
}

// spans returns n bytes starting at off as up to two slices.
func (q *Queue) spans(off, n int) ([]byte, []byte) {
	if off+n <= len(q.buf) {
		return q.buf[off : off+n], nil
	}
	first := len(q.buf) - off
	return q.buf[off:], q.buf[:n-first]
}

// peek returns the next envelope without consuming it.
// Caller must hold mu and have checked that a frame is queued.
func (q *Queue) peek() Frame {
	var header [HeaderSize]byte
	h1, h2 := q.spans(q.head, HeaderSize)
	copy(header[copy(header[:], h1):], h2)

	typeLen := binary.BigEndian.Uint32(header[4:8])
	size := int(typeLen >> 8)
	d1, d2 := q.spans((q.head+HeaderSize)%len(q.buf), size)
	if size == 0 {
		d1, d2 = nil, nil
	}
	return Frame{
		Timestamp: binary.BigEndian.Uint32(header[0:4]),
		Kind:      Kind(typeLen & 0xff),
		Data1:     d1,
		Data2:     d2,
	}
}

// consume advances the head past one envelope. Caller must hold mu.
func (q *Queue) consume(size int) {
	n := HeaderSize + size
	q.head = (q.head + n) % len(q.buf)
	q.used -= n
	q.frames--
	if q.frames == 0 {
		q.head, q.tail = 0, 0
	}
}

// wait blocks until a frame is queued, the deadline
// passes or the queue is stopped. Caller must hold consumer.
func (q *Queue) wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		frames, active, stopped := q.frames, q.active, q.stopped
		q.mu.Unlock()

		if frames > 0 {
			return true
		}
		if !active {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if timer == nil {
			timer = time.NewTimer(remaining)
		} else {
			timer.Reset(remaining)
		}

		select {
		case <-q.notify:
		case <-stopped:
		case <-timer.C:
			timer = nil
		}
	}
}

// Read copies out and removes the oldest envelope. It waits up to
// timeout for one to arrive and returns false if none did.
func (q *Queue) Read(timeout time.Duration) (Envelope, bool) {
	q.consumer.Lock()
	defer q.consumer.Unlock()

	if !q.wait(timeout) {
		return Envelope{}, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.frames == 0 {
		return Envelope{}, false
	}
	f := q.peek()
	env := Envelope{
		Timestamp: f.Timestamp,
		Kind:      f.Kind,
		Payload:   f.Bytes(),
	}
	q.consume(f.Len())
	return env, true
}

// View waits up to timeout for the oldest envelope and calls fn with a
// zero-copy view of it. The envelope is removed when fn returns.
// The producer keeps writing into free space while fn runs.
// Returns false if no envelope arrived in time.
func (q *Queue) View(timeout time.Duration, fn func(Frame)) bool {
	q.consumer.Lock()
	defer q.consumer.Unlock()

	if !q.wait(timeout) {
		return false
	}

	q.mu.Lock()
	if q.frames == 0 {
		q.mu.Unlock()
		return false
	}
	f := q.peek()
	q.mu.Unlock()

	// The viewed region stays counted in used until consume,
	// so the producer cannot overwrite it.
	fn(f)

	q.mu.Lock()
	q.consume(f.Len())
	q.mu.Unlock()
	return true
}

// Reset drops every queued envelope. It waits for an open view to close.
func (q *Queue) Reset() {
	q.consumer.Lock()
	defer q.consumer.Unlock()

	q.mu.Lock()
	q.head, q.tail, q.used, q.frames = 0, 0, 0, 0
	q.mu.Unlock()

	select {
	case <-q.notify:
	default:
	}
}

// Start allows writes and blocking reads.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active {
		return
	}
	q.active = true
	q.stopped = make(chan struct{})
}

// Stop drops further writes and wakes every waiting reader.
// Queued envelopes can still be read.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.active {
		return
	}
	q.active = false
	close(q.stopped)
}

// Active returns true if the queue accepts writes.
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Used returns the number of occupied bytes.
func (q *Queue) Used() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frames
}

// Cap returns the capacity in bytes.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns the number of frames dropped because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
