package mp4

import (
	"bytes"
	"errors"
	"testing"

	"ffrecorder/pkg/video/mp4/bitio"

	"github.com/stretchr/testify/require"
)

type badBox struct{}

func (badBox) Type() BoxType { return BoxType{'b', 'a', 'd', ' '} }
func (badBox) Size() int     { return 4 }
func (badBox) Marshal(w *bitio.Writer) error {
	w.TryWriteUint16(1)
	return w.TryError
}

func testTree() (Boxes, *Mvhd, *Stsz) {
	mvhd := &Mvhd{Timescale: 1000, NextTrackID: 2}
	stsz := &Stsz{Reserve: 4}
	tree := Boxes{
		Box: Moov(),
		Children: []Boxes{
			{Box: mvhd},
			{Box: Trak(), Children: []Boxes{
				{Box: &Tkhd{TrackID: 1}},
				{Box: Mdia(), Children: []Boxes{
					{Box: Minf(), Children: []Boxes{
						{Box: Stbl(), Children: []Boxes{
							{Box: stsz},
						}},
					}},
				}},
			}},
		},
	}
	return tree, mvhd, stsz
}

func TestBoxes(t *testing.T) {
	t.Run("size", func(t *testing.T) {
		tree, _, _ := testTree()
		// moov 8, mvhd 108, trak 8, tkhd 92, mdia 8, minf 8, stbl 8, stsz 36.
		require.Equal(t, 276, tree.Size())

		buf, err := tree.Bytes()
		require.NoError(t, err)
		require.Len(t, buf, 276)
		require.Equal(t, []byte{0, 0, 0x01, 0x14, 'm', 'o', 'o', 'v'}, buf[:8])
	})
	t.Run("offset", func(t *testing.T) {
		tree, mvhd, stsz := testTree()

		off, ok := tree.Offset(mvhd)
		require.True(t, ok)
		require.Equal(t, 8, off)

		off, ok = tree.Offset(stsz)
		require.True(t, ok)
		require.Equal(t, 8+108+8+92+8+8+8, off)

		buf, err := tree.Bytes()
		require.NoError(t, err)
		require.Equal(t, "stsz", string(buf[off+4:off+8]))

		_, ok = tree.Offset(&Stco{})
		require.False(t, ok)
	})
	t.Run("sizeMismatch", func(t *testing.T) {
		tree := Boxes{Box: Moov(), Children: []Boxes{{Box: badBox{}}}}
		_, err := tree.Bytes()
		require.True(t, errors.Is(err, ErrSizeMismatch))
	})
}

func TestProbe(t *testing.T) {
	tree, _, _ := testTree()
	moov, err := tree.Bytes()
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	w := bitio.NewWriter(buf)
	_, err = WriteSingleBox(w, &Ftyp{
		MajorBrand:       [4]byte{'i', 's', 'o', 'm'},
		CompatibleBrands: [][4]byte{{'i', 's', 'o', 'm'}},
	})
	require.NoError(t, err)
	buf.Write(moov)
	require.NoError(t, WriteBoxHeader(w, BoxType{'m', 'd', 'a', 't'}, 4))
	buf.Write([]byte{1, 2, 3, 4})

	boxes, err := Probe(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	var paths []string
	for _, b := range boxes {
		paths = append(paths, b.Path)
	}
	expected := []string{
		"ftyp",
		"moov",
		"moov/mvhd",
		"moov/trak",
		"moov/trak/tkhd",
		"moov/trak/mdia",
		"moov/trak/mdia/minf",
		"moov/trak/mdia/minf/stbl",
		"moov/trak/mdia/minf/stbl/stsz",
		"mdat",
	}
	require.Equal(t, expected, paths)

	stsz := FindAll(boxes, "moov/trak/mdia/minf/stbl/stsz")
	require.Len(t, stsz, 1)
	require.Equal(t, "stsz", stsz[0].Type())
	require.Equal(t, 5, stsz[0].Depth())
	require.Equal(t, int64(36), stsz[0].Size)

	mdat := FindAll(boxes, "mdat")[0]
	require.Equal(t, int64(20+276), mdat.Offset)
}
