package mp4

import (
	"bytes"
	"errors"
	"fmt"

	"ffrecorder/pkg/video/mp4/bitio"
)

// BoxHeaderSize is the size of a compact box header.
const BoxHeaderSize = 8

// BoxType is mpeg box type.
type BoxType [4]byte

// String returns the four character code.
func (t BoxType) String() string {
	return string(t[:])
}

// ImmutableBoxes is slice of ImmutableBox.
type ImmutableBoxes []ImmutableBox

// ImmutableBox is common interface of box.
type ImmutableBox interface {
	// Type returns the BoxType.
	Type() BoxType

	// Size returns the marshaled payload size in bytes.
	// The size must be known before marshaling
	// since the box header contains the size.
	Size() int

	// Marshal box payload to writer.
	Marshal(w *bitio.Writer) error
}

// Boxes is a tree of boxes that is marshaled together.
type Boxes struct {
	Box      ImmutableBox
	Children []Boxes
}

// Size returns the total size of the box including header and children.
func (b *Boxes) Size() int {
	total := BoxHeaderSize + b.Box.Size()
	for i := range b.Children {
		total += b.Children[i].Size()
	}
	return total
}

// ErrSizeMismatch box wrote a different number of bytes than it declared.
var ErrSizeMismatch = errors.New("box size mismatch")

// Marshal box including children.
func (b *Boxes) Marshal(w *bitio.Writer) error {
	if err := writeBoxInfo(w, uint32(b.Size()), b.Box.Type()); err != nil {
		return err
	}

	start := w.Written()
	if err := b.Box.Marshal(w); err != nil {
		return err
	}
	if n := w.Written() - start; n != b.Box.Size() {
		return fmt.Errorf("%w: %v wrote %d, declared %d",
			ErrSizeMismatch, b.Box.Type(), n, b.Box.Size())
	}

	for i := range b.Children {
		if err := b.Children[i].Marshal(w); err != nil {
			return err
		}
	}
	return nil
}

// Bytes marshals the tree into a new byte slice.
func (b *Boxes) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(b.Size())
	if err := b.Marshal(bitio.NewWriter(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Offset returns the offset of the header of target relative
// to the start of b. Boxes are compared by identity.
func (b *Boxes) Offset(target ImmutableBox) (int, bool) {
	if b.Box == target {
		return 0, true
	}
	pos := BoxHeaderSize + b.Box.Size()
	for i := range b.Children {
		if off, ok := b.Children[i].Offset(target); ok {
			return pos + off, true
		}
		pos += b.Children[i].Size()
	}
	return 0, false
}

func writeBoxInfo(w *bitio.Writer, size uint32, typ BoxType) error {
	w.TryWriteUint32(size)
	w.TryWrite(typ[:])
	return w.TryError
}

// WriteBoxHeader writes a box header for a payload of the given size.
func WriteBoxHeader(w *bitio.Writer, typ BoxType, payloadSize int) error {
	return writeBoxInfo(w, uint32(BoxHeaderSize+payloadSize), typ)
}

// WriteSingleBox write a single box.
func WriteSingleBox(w *bitio.Writer, b ImmutableBox) (int, error) {
	size := BoxHeaderSize + b.Size()

	if err := writeBoxInfo(w, uint32(size), b.Type()); err != nil {
		return 0, err
	}
	if err := b.Marshal(w); err != nil {
		return 0, err
	}
	return size, nil
}

// Marshal ImmutableBoxes to writer.
func (boxes ImmutableBoxes) Marshal(w *bitio.Writer) error {
	for _, b := range boxes {
		if _, err := WriteSingleBox(w, b); err != nil {
			return err
		}
	}
	return nil
}

// Size combined size of boxes.
func (boxes ImmutableBoxes) Size() int {
	var n int
	for _, b := range boxes {
		n += BoxHeaderSize + b.Size()
	}
	return n
}
