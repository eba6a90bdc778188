package mp4

import (
	"fmt"
	"io"
	"strings"

	amp4 "github.com/abema/go-mp4"
)

// BoxInfo describes a box found by Probe.
type BoxInfo struct {
	Path       string
	Offset     int64
	Size       int64
	HeaderSize int64
}

// Type returns the last path element.
func (i BoxInfo) Type() string {
	return i.Path[strings.LastIndex(i.Path, "/")+1:]
}

// Depth returns the nesting level, top level boxes have depth 0.
func (i BoxInfo) Depth() int {
	return strings.Count(i.Path, "/")
}

// Only pure containers are expanded, sample entries and
// tables are reported without decoding their payload.
var probeContainers = map[string]struct{}{
	"moov": {},
	"trak": {},
	"mdia": {},
	"minf": {},
	"dinf": {},
	"stbl": {},
	"udta": {},
	"edts": {},
}

// Probe walks the box structure of a ISO-BMFF file and returns
// every box in file order.
func Probe(r io.ReadSeeker) ([]BoxInfo, error) {
	var boxes []BoxInfo
	_, err := amp4.ReadBoxStructure(r, func(h *amp4.ReadHandle) (interface{}, error) {
		path := make([]string, 0, len(h.Path))
		for _, t := range h.Path {
			path = append(path, t.String())
		}
		boxes = append(boxes, BoxInfo{
			Path:       strings.Join(path, "/"),
			Offset:     int64(h.BoxInfo.Offset),
			Size:       int64(h.BoxInfo.Size),
			HeaderSize: int64(h.BoxInfo.HeaderSize),
		})

		if _, ok := probeContainers[h.BoxInfo.Type.String()]; ok {
			return h.Expand()
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("read box structure: %w", err)
	}
	return boxes, nil
}

// FindAll returns every box with the given path.
func FindAll(boxes []BoxInfo, path string) []BoxInfo {
	var found []BoxInfo
	for _, b := range boxes {
		if b.Path == path {
			found = append(found, b)
		}
	}
	return found
}
