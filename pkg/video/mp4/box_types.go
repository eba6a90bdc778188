package mp4

import (
	"ffrecorder/pkg/video/mp4/bitio"
)

// Seconds between 1904-01-01 and 1970-01-01.
const epochOffset = 2082844800

// Time converts unix seconds to box time.
func Time(unix int64) uint32 {
	return uint32(unix + epochOffset)
}

var unityMatrix = [9]uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

func writeMatrix(w *bitio.Writer) {
	for _, v := range unityMatrix {
		w.TryWriteUint32(v)
	}
}

/************************* FullBox **************************/

// FullBox is ISOBMFF FullBox.
type FullBox struct {
	Version uint8
	Flags   uint32 // 24 bits.
}

// MarshalField box to writer.
func (b *FullBox) MarshalField(w *bitio.Writer) {
	w.TryWriteByte(b.Version)
	w.TryWriteByte(byte(b.Flags >> 16))
	w.TryWriteByte(byte(b.Flags >> 8))
	w.TryWriteByte(byte(b.Flags))
}

/************************ containers ************************/

// Container is a box without payload of its own.
type Container BoxType

// Type returns the BoxType.
func (c Container) Type() BoxType { return BoxType(c) }

// Size returns the marshaled size in bytes.
func (Container) Size() int { return 0 }

// Marshal writes nothing.
func (Container) Marshal(*bitio.Writer) error { return nil }

// Container box constructors.
func Moov() *Container { return newContainer("moov") }
func Trak() *Container { return newContainer("trak") }
func Mdia() *Container { return newContainer("mdia") }
func Minf() *Container { return newContainer("minf") }
func Dinf() *Container { return newContainer("dinf") }
func Stbl() *Container { return newContainer("stbl") }

func newContainer(typ string) *Container {
	var c Container
	copy(c[:], typ)
	return &c
}

/*************************** ftyp ****************************/

// Ftyp is ISOBMFF ftyp box type.
type Ftyp struct {
	MajorBrand       [4]byte
	MinorVersion     uint32
	CompatibleBrands [][4]byte
}

// Type returns the BoxType.
func (*Ftyp) Type() BoxType {
	return [4]byte{'f', 't', 'y', 'p'}
}

// Size returns the marshaled size in bytes.
func (b *Ftyp) Size() int {
	return 8 + len(b.CompatibleBrands)*4
}

// Marshal box to writer.
func (b *Ftyp) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.MajorBrand[:])
	w.TryWriteUint32(b.MinorVersion)
	for _, brand := range b.CompatibleBrands {
		w.TryWrite(brand[:])
	}
	return w.TryError
}

/*************************** mvhd ****************************/

// Mvhd is ISOBMFF mvhd box type, version 0 only.
type Mvhd struct {
	FullBox
	CreationTime     uint32
	ModificationTime uint32
	Timescale        uint32
	Duration         uint32
	NextTrackID      uint32
}

// MvhdDurationOffset offset of the duration field from the box start.
const MvhdDurationOffset = BoxHeaderSize + 16

// Type returns the BoxType.
func (*Mvhd) Type() BoxType {
	return [4]byte{'m', 'v', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (*Mvhd) Size() int {
	return 100
}

// Marshal box to writer.
func (b *Mvhd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.CreationTime)
	w.TryWriteUint32(b.ModificationTime)
	w.TryWriteUint32(b.Timescale)
	w.TryWriteUint32(b.Duration)
	w.TryWriteUint32(0x00010000) // Rate.
	w.TryWriteUint16(0x0100)     // Volume.
	w.TryWriteZeros(10)
	writeMatrix(w)
	w.TryWriteZeros(24) // Pre defined.
	w.TryWriteUint32(b.NextTrackID)
	return w.TryError
}

/*************************** tkhd ****************************/

// Tkhd is ISOBMFF tkhd box type, version 0 only.
type Tkhd struct {
	FullBox
	CreationTime     uint32
	ModificationTime uint32
	TrackID          uint32
	Duration         uint32
	AlternateGroup   int16
	Volume           int16
	Width            uint32 // fixed-point 16.16
	Height           uint32 // fixed-point 16.16
}

// Offsets of tkhd fields from the box start.
const (
	TkhdDurationOffset = BoxHeaderSize + 20
	TkhdWidthOffset    = BoxHeaderSize + 76
	TkhdHeightOffset   = BoxHeaderSize + 80
)

// Type returns the BoxType.
func (*Tkhd) Type() BoxType {
	return [4]byte{'t', 'k', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (*Tkhd) Size() int {
	return 84
}

// Marshal box to writer.
func (b *Tkhd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.CreationTime)
	w.TryWriteUint32(b.ModificationTime)
	w.TryWriteUint32(b.TrackID)
	w.TryWriteUint32(0)
	w.TryWriteUint32(b.Duration)
	w.TryWriteZeros(8)
	w.TryWriteUint16(0) // Layer.
	w.TryWriteUint16(uint16(b.AlternateGroup))
	w.TryWriteUint16(uint16(b.Volume))
	w.TryWriteUint16(0)
	writeMatrix(w)
	w.TryWriteUint32(b.Width)
	w.TryWriteUint32(b.Height)
	return w.TryError
}

/*************************** mdhd ****************************/

// Mdhd is ISOBMFF mdhd box type, version 0 only.
type Mdhd struct {
	FullBox
	CreationTime     uint32
	ModificationTime uint32
	Timescale        uint32
	Duration         uint32
	Language         [3]byte // ISO-639-2/T language code
}

// MdhdDurationOffset offset of the duration field from the box start.
const MdhdDurationOffset = BoxHeaderSize + 16

// Type returns the BoxType.
func (*Mdhd) Type() BoxType {
	return [4]byte{'m', 'd', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (*Mdhd) Size() int {
	return 24
}

// Marshal box to writer.
func (b *Mdhd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.CreationTime)
	w.TryWriteUint32(b.ModificationTime)
	w.TryWriteUint32(b.Timescale)
	w.TryWriteUint32(b.Duration)
	lang := b.Language
	if lang == [3]byte{} {
		lang = [3]byte{'u', 'n', 'd'}
	}
	w.TryWriteUint16(uint16(lang[0]-0x60)<<10 |
		uint16(lang[1]-0x60)<<5 |
		uint16(lang[2]-0x60))
	w.TryWriteUint16(0)
	return w.TryError
}

/*************************** hdlr ****************************/

// Hdlr is ISOBMFF hdlr box type.
type Hdlr struct {
	FullBox
	HandlerType [4]byte
	Name        string
}

// Type returns the BoxType.
func (*Hdlr) Type() BoxType {
	return [4]byte{'h', 'd', 'l', 'r'}
}

// Size returns the marshaled size in bytes.
func (b *Hdlr) Size() int {
	return 25 + len(b.Name)
}

// Marshal box to writer.
func (b *Hdlr) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(0) // Pre defined.
	w.TryWrite(b.HandlerType[:])
	w.TryWriteZeros(12)
	w.TryWrite([]byte(b.Name))
	w.TryWriteByte(0)
	return w.TryError
}

/*************************** vmhd ****************************/

// Vmhd is ISOBMFF vmhd box type.
type Vmhd struct {
	FullBox
}

// Type returns the BoxType.
func (*Vmhd) Type() BoxType {
	return [4]byte{'v', 'm', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (*Vmhd) Size() int {
	return 12
}

// Marshal box to writer.
func (b *Vmhd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteZeros(8) // Graphics mode and opcolor.
	return w.TryError
}

/*************************** smhd ****************************/

// Smhd is ISOBMFF smhd box type.
type Smhd struct {
	FullBox
	Balance int16
}

// Type returns the BoxType.
func (*Smhd) Type() BoxType {
	return [4]byte{'s', 'm', 'h', 'd'}
}

// Size returns the marshaled size in bytes.
func (*Smhd) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Smhd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint16(uint16(b.Balance))
	w.TryWriteUint16(0)
	return w.TryError
}

/*************************** dref ****************************/

// Dref is ISOBMFF dref box type.
type Dref struct {
	FullBox
	EntryCount uint32
}

// Type returns the BoxType.
func (*Dref) Type() BoxType {
	return [4]byte{'d', 'r', 'e', 'f'}
}

// Size returns the marshaled size in bytes.
func (*Dref) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Dref) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.EntryCount)
	return w.TryError
}

/*************************** url ****************************/

// URLSelfContained media data is in the same file.
const URLSelfContained = 0x000001

// URL is ISOBMFF "url " box type.
type URL struct {
	FullBox
}

// Type returns the BoxType.
func (*URL) Type() BoxType {
	return [4]byte{'u', 'r', 'l', ' '}
}

// Size returns the marshaled size in bytes.
func (*URL) Size() int {
	return 4
}

// Marshal box to writer.
func (b *URL) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	return w.TryError
}

/*************************** stsd ****************************/

// Stsd is ISOBMFF stsd box type.
type Stsd struct {
	FullBox
	EntryCount uint32
}

// Type returns the BoxType.
func (*Stsd) Type() BoxType {
	return [4]byte{'s', 't', 's', 'd'}
}

// Size returns the marshaled size in bytes.
func (*Stsd) Size() int {
	return 8
}

// Marshal box to writer.
func (b *Stsd) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.EntryCount)
	return w.TryError
}

/********************* VisualSampleEntry *********************/

// VisualSampleEntry is the avc1/hvc1 sample entry.
type VisualSampleEntry struct {
	EntryType          BoxType
	DataReferenceIndex uint16
	Width              uint16
	Height             uint16
	Compressorname     string
}

// Type returns the BoxType.
func (b *VisualSampleEntry) Type() BoxType {
	return b.EntryType
}

// Size returns the marshaled size in bytes.
func (*VisualSampleEntry) Size() int {
	return 78
}

// Marshal box to writer.
func (b *VisualSampleEntry) Marshal(w *bitio.Writer) error {
	w.TryWriteZeros(6)
	w.TryWriteUint16(b.DataReferenceIndex)
	w.TryWriteZeros(16) // Pre defined and reserved.
	w.TryWriteUint16(b.Width)
	w.TryWriteUint16(b.Height)
	w.TryWriteUint32(0x00480000) // 72 dpi.
	w.TryWriteUint32(0x00480000)
	w.TryWriteUint32(0)
	w.TryWriteUint16(1) // Frame count.

	var name [32]byte
	n := copy(name[1:], b.Compressorname)
	name[0] = byte(n)
	w.TryWrite(name[:])

	w.TryWriteUint16(0x0018) // Depth.
	w.TryWriteUint16(0xffff) // Pre defined.
	return w.TryError
}

/********************** AudioSampleEntry *********************/

// AudioSampleEntry is the mp4a/alaw sample entry.
type AudioSampleEntry struct {
	EntryType          BoxType
	DataReferenceIndex uint16
	ChannelCount       uint16
	SampleSize         uint16
	SampleRate         uint32
}

// Type returns the BoxType.
func (b *AudioSampleEntry) Type() BoxType {
	return b.EntryType
}

// Size returns the marshaled size in bytes.
func (*AudioSampleEntry) Size() int {
	return 28
}

// Marshal box to writer.
func (b *AudioSampleEntry) Marshal(w *bitio.Writer) error {
	w.TryWriteZeros(6)
	w.TryWriteUint16(b.DataReferenceIndex)
	w.TryWriteZeros(8)
	w.TryWriteUint16(b.ChannelCount)
	w.TryWriteUint16(b.SampleSize)
	w.TryWriteUint32(0) // Pre defined and reserved.
	w.TryWriteUint32(b.SampleRate << 16)
	return w.TryError
}

/*************************** esds ****************************/

// Descriptor tags.
const (
	ESDescrTag            = 0x03
	DecoderConfigDescrTag = 0x04
	DecSpecificInfoTag    = 0x05
	SLConfigDescrTag      = 0x06
)

// Esds is ISOBMFF esds box type with a single AAC decoder config.
type Esds struct {
	FullBox
	ESID       uint16
	MaxBitrate uint32
	AvgBitrate uint32
	Config     []byte
}

// Type returns the BoxType.
func (*Esds) Type() BoxType {
	return [4]byte{'e', 's', 'd', 's'}
}

// Size returns the marshaled size in bytes.
func (b *Esds) Size() int {
	return 41 + len(b.Config)
}

// writeDescriptorHeader writes the tag and a size padded
// to four bytes of 7 bits each, so sizes up to 2^28-1 fit.
func writeDescriptorHeader(w *bitio.Writer, tag byte, size int) {
	w.TryWriteByte(tag)
	w.TryWrite([]byte{
		0x80 | byte(size>>21)&0x7f,
		0x80 | byte(size>>14)&0x7f,
		0x80 | byte(size>>7)&0x7f,
		byte(size) & 0x7f,
	})
}

// Marshal box to writer.
func (b *Esds) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)

	writeDescriptorHeader(w, ESDescrTag, 32+len(b.Config))
	w.TryWriteUint16(b.ESID)
	w.TryWriteByte(0) // Flags.

	writeDescriptorHeader(w, DecoderConfigDescrTag, 18+len(b.Config))
	w.TryWriteByte(0x40) // Audio ISO/IEC 14496-3.
	w.TryWriteByte(0x15) // Audio stream.
	w.TryWrite([]byte{0, 0, 0})
	w.TryWriteUint32(b.MaxBitrate)
	w.TryWriteUint32(b.AvgBitrate)

	writeDescriptorHeader(w, DecSpecificInfoTag, len(b.Config))
	w.TryWrite(b.Config)

	writeDescriptorHeader(w, SLConfigDescrTag, 1)
	w.TryWriteByte(0x02)
	return w.TryError
}

/**************************** raw ****************************/

// Raw is a box with an opaque payload, used for avcC and hvcC.
type Raw struct {
	BoxType BoxType
	Data    []byte
}

// Type returns the BoxType.
func (b *Raw) Type() BoxType {
	return b.BoxType
}

// Size returns the marshaled size in bytes.
func (b *Raw) Size() int {
	return len(b.Data)
}

// Marshal box to writer.
func (b *Raw) Marshal(w *bitio.Writer) error {
	w.TryWrite(b.Data)
	return w.TryError
}

/*************************** free ****************************/

// Free is ISOBMFF free box type with a zero filled payload.
type Free struct {
	PayloadSize int
}

// Type returns the BoxType.
func (*Free) Type() BoxType {
	return [4]byte{'f', 'r', 'e', 'e'}
}

// Size returns the marshaled size in bytes.
func (b *Free) Size() int {
	return b.PayloadSize
}

// Marshal box to writer.
func (b *Free) Marshal(w *bitio.Writer) error {
	w.TryWriteZeros(b.PayloadSize)
	return w.TryError
}

// Offsets from the box start of the entry count and the first entry
// of stts, stss and stco. Stsz has an extra sample size field.
const (
	TableCountOffset   = BoxHeaderSize + 4
	TableEntriesOffset = BoxHeaderSize + 8
	StszCountOffset    = BoxHeaderSize + 8
	StszEntriesOffset  = BoxHeaderSize + 12
)

/*************************** stts ****************************/

// Stts is ISOBMFF stts box type. Reserve is the number of entries
// the box has room for, unused entries are zero filled.
type Stts struct {
	FullBox
	Entries []SttsEntry
	Reserve int
}

// SttsEntry .
type SttsEntry struct {
	SampleCount uint32
	SampleDelta uint32
}

// Type returns the BoxType.
func (*Stts) Type() BoxType {
	return [4]byte{'s', 't', 't', 's'}
}

// Size returns the marshaled size in bytes.
func (b *Stts) Size() int {
	return 8 + reserved(len(b.Entries), b.Reserve)*8
}

// Marshal box to writer.
func (b *Stts) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(uint32(len(b.Entries)))
	for _, entry := range b.Entries {
		w.TryWriteUint32(entry.SampleCount)
		w.TryWriteUint32(entry.SampleDelta)
	}
	w.TryWriteZeros((reserved(len(b.Entries), b.Reserve) - len(b.Entries)) * 8)
	return w.TryError
}

/*************************** stsc ****************************/

// Stsc is ISOBMFF stsc box type.
type Stsc struct {
	FullBox
	Entries []StscEntry
}

// StscEntry .
type StscEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

// Type returns the BoxType.
func (*Stsc) Type() BoxType {
	return [4]byte{'s', 't', 's', 'c'}
}

// Size returns the marshaled size in bytes.
func (b *Stsc) Size() int {
	return 8 + len(b.Entries)*12
}

// Marshal box to writer.
func (b *Stsc) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(uint32(len(b.Entries)))
	for _, entry := range b.Entries {
		w.TryWriteUint32(entry.FirstChunk)
		w.TryWriteUint32(entry.SamplesPerChunk)
		w.TryWriteUint32(entry.SampleDescriptionIndex)
	}
	return w.TryError
}

/*************************** stss ****************************/

// Stss is ISOBMFF stss box type.
type Stss struct {
	FullBox
	SampleNumbers []uint32
	Reserve       int
}

// Type returns the BoxType.
func (*Stss) Type() BoxType {
	return [4]byte{'s', 't', 's', 's'}
}

// Size returns the marshaled size in bytes.
func (b *Stss) Size() int {
	return 8 + reserved(len(b.SampleNumbers), b.Reserve)*4
}

// Marshal box to writer.
func (b *Stss) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	return marshalTable32(w, b.SampleNumbers, b.Reserve)
}

/*************************** stsz ****************************/

// Stsz is ISOBMFF stsz box type.
type Stsz struct {
	FullBox
	SampleSize uint32
	EntrySizes []uint32
	Reserve    int
}

// Type returns the BoxType.
func (*Stsz) Type() BoxType {
	return [4]byte{'s', 't', 's', 'z'}
}

// Size returns the marshaled size in bytes.
func (b *Stsz) Size() int {
	return 12 + reserved(len(b.EntrySizes), b.Reserve)*4
}

// Marshal box to writer.
func (b *Stsz) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	w.TryWriteUint32(b.SampleSize)
	return marshalTable32(w, b.EntrySizes, b.Reserve)
}

/*************************** stco ****************************/

// Stco is ISOBMFF stco box type.
type Stco struct {
	FullBox
	ChunkOffsets []uint32
	Reserve      int
}

// Type returns the BoxType.
func (*Stco) Type() BoxType {
	return [4]byte{'s', 't', 'c', 'o'}
}

// Size returns the marshaled size in bytes.
func (b *Stco) Size() int {
	return 8 + reserved(len(b.ChunkOffsets), b.Reserve)*4
}

// Marshal box to writer.
func (b *Stco) Marshal(w *bitio.Writer) error {
	b.FullBox.MarshalField(w)
	return marshalTable32(w, b.ChunkOffsets, b.Reserve)
}

func marshalTable32(w *bitio.Writer, entries []uint32, reserve int) error {
	w.TryWriteUint32(uint32(len(entries)))
	for _, v := range entries {
		w.TryWriteUint32(v)
	}
	w.TryWriteZeros((reserved(len(entries), reserve) - len(entries)) * 4)
	return w.TryError
}

func reserved(n, reserve int) int {
	if reserve > n {
		return reserve
	}
	return n
}
