package h26x

// span is a byte sequence stored in up to two slices.
type span struct {
	a, b []byte
}

func (s span) len() int {
	return len(s.a) + len(s.b)
}

func (s span) at(i int) byte {
	if i < len(s.a) {
		return s.a[i]
	}
	return s.b[i-len(s.a)]
}

// slice returns s[start:end], copying only when the range crosses the boundary.
func (s span) slice(start, end int) []byte {
	switch {
	case end <= len(s.a):
		return s.a[start:end]
	case start >= len(s.a):
		return s.b[start-len(s.a) : end-len(s.a)]
	}
	buf := make([]byte, 0, end-start)
	buf = append(buf, s.a[start:]...)
	return append(buf, s.b[:end-len(s.a)]...)
}

// Split calls fn for every NAL unit of the Annex-B stream formed by a
// followed by b. A start code is two or more zero bytes followed by a
// one. Bytes before the first start code are skipped. If there is no
// start code at all the whole stream is passed to fn as one unit and
// Split returns false.
func Split(a, b []byte, fn func(nalu []byte)) bool {
	s := span{a: a, b: b}
	n := s.len()

	start := -1
	zeros := 0
	for i := 0; i < n; i++ {
		c := s.at(i)
		if c == 0 {
			zeros++
			continue
		}
		if c == 1 && zeros >= 2 {
			if start >= 0 {
				if end := i - zeros; end > start {
					fn(s.slice(start, end))
				}
			}
			start = i + 1
		}
		zeros = 0
	}

	if start < 0 {
		if n > 0 {
			fn(s.slice(0, n))
		}
		return false
	}
	if end := n - zeros; end > start {
		fn(s.slice(start, end))
	}
	return true
}
