// Package bitio writes big-endian box fields with a sticky error.
package bitio

import (
	"encoding/binary"
	"io"
)

// WriterAndByteWriter io.Writer and io.ByteWriter at the same time.
type WriterAndByteWriter interface {
	io.Writer
	io.ByteWriter
}

// Writer writes big-endian fields to the underlying writer and keeps
// track of the number of bytes written.
type Writer struct {
	out WriterAndByteWriter
	n   int

	// TryError holds the first error occurred in TryXXX() methods.
	TryError error
}

// NewWriter returns a new Writer using the specified io.Writer as the output.
func NewWriter(out WriterAndByteWriter) *Writer {
	return &Writer{out: out}
}

// Written returns the number of bytes written so far.
func (w *Writer) Written() int {
	return w.n
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.out.Write(p)
	w.n += n
	return n, err
}

// WriteByte implements io.ByteWriter.
func (w *Writer) WriteByte(b byte) error {
	if err := w.out.WriteByte(b); err != nil {
		return err
	}
	w.n++
	return nil
}

// WriteUint16 writes 16 bits.
func (w *Writer) WriteUint16(v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// WriteUint32 writes 32 bits.
func (w *Writer) WriteUint32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// WriteUint64 writes 64 bits.
func (w *Writer) WriteUint64(v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// TryWrite tries to write len(p) bytes.
func (w *Writer) TryWrite(p []byte) {
	if w.TryError == nil {
		_, w.TryError = w.Write(p)
	}
}

// TryWriteByte tries to write 1 byte.
func (w *Writer) TryWriteByte(b byte) {
	if w.TryError == nil {
		w.TryError = w.WriteByte(b)
	}
}

// TryWriteUint16 tries to write 16 bits.
func (w *Writer) TryWriteUint16(v uint16) {
	if w.TryError == nil {
		w.TryError = w.WriteUint16(v)
	}
}

// TryWriteUint32 tries to write 32 bits.
func (w *Writer) TryWriteUint32(v uint32) {
	if w.TryError == nil {
		w.TryError = w.WriteUint32(v)
	}
}

// TryWriteUint64 tries to write 64 bits.
func (w *Writer) TryWriteUint64(v uint64) {
	if w.TryError == nil {
		w.TryError = w.WriteUint64(v)
	}
}

// TryWriteZeros tries to write n zero bytes.
func (w *Writer) TryWriteZeros(n int) {
	const chunk = 512
	var zeros [chunk]byte
	for n > 0 && w.TryError == nil {
		c := n
		if c > chunk {
			c = chunk
		}
		_, w.TryError = w.Write(zeros[:c])
		n -= c
	}
}

// ByteWriter is a helper for io.Writers without io.ByteWriter.
type ByteWriter struct {
	out io.Writer
}

// NewByteWriter returns a new ByteWriter using the specified io.Writer as the output.
func NewByteWriter(out io.Writer) *ByteWriter {
	return &ByteWriter{out: out}
}

// Write implements io.Writer.
func (w *ByteWriter) Write(p []byte) (int, error) {
	return w.out.Write(p)
}

// WriteByte implements io.ByteWriter.
func (w *ByteWriter) WriteByte(b byte) error {
	_, err := w.out.Write([]byte{b})
	return err
}
