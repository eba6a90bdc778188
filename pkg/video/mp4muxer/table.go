package mp4muxer

import "fmt"

// table is the in memory copy of a reserved 32 bit sample table.
// Entries before flushed are already on disk.
type table struct {
	name    string
	count   int64 // File offset of the entry count.
	first   int64 // File offset of the first entry.
	max     int
	entries []uint32
	flushed int
}

func newTable(name string, box, countOffset, entriesOffset int64, max int) table {
	return table{
		name:  name,
		count: box + countOffset,
		first: box + entriesOffset,
		max:   max,
	}
}

// add returns false if the table is full.
func (t *table) add(v uint32) bool {
	if len(t.entries) >= t.max {
		return false
	}
	t.entries = append(t.entries, v)
	return true
}

func (t *table) flush(m *Muxer) error {
	if t.flushed == len(t.entries) {
		return nil
	}
	pending := t.entries[t.flushed:]
	if err := m.patch(t.first+int64(t.flushed)*4, pending...); err != nil {
		return fmt.Errorf("%v entries: %w", t.name, err)
	}
	if err := m.patch(t.count, uint32(len(t.entries))); err != nil {
		return fmt.Errorf("%v count: %w", t.name, err)
	}
	t.flushed = len(t.entries)
	return nil
}

// sttsTable holds a single entry since every sample has the same duration.
type sttsTable struct {
	count   int64
	first   int64
	delta   uint32
	flushed uint32
}

func (t *sttsTable) flush(m *Muxer, samples uint32) error {
	if samples == 0 || samples == t.flushed {
		return nil
	}
	if err := m.patch(t.first, samples, t.delta); err != nil {
		return fmt.Errorf("stts entry: %w", err)
	}
	if t.flushed == 0 {
		if err := m.patch(t.count, 1); err != nil {
			return fmt.Errorf("stts count: %w", err)
		}
	}
	t.flushed = samples
	return nil
}
