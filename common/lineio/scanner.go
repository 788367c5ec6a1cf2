// Package lineio frames separator-delimited text records over a byte buffer.
package lineio

import "bytes"

// Scanner finds a separator in a buffer that only grows at the tail and is
// consumed at the head. It remembers how far it has already looked so a
// separator split across two deliveries is found without rescanning the
// whole buffer.
type Scanner struct {
	separator []byte
	unit      int
	scanned   int
}

// Index returns the offset of the first separator in buffered aligned to
// unit bytes, or -1.
func (s *Scanner) Index(buffered []byte, separator []byte, unit int) int {
	if len(separator) == 0 {
		panic("lineio: empty separator")
	}
	if unit <= 0 {
		unit = 1
	}
	if s.unit != unit || !bytes.Equal(s.separator, separator) {
		s.separator = append(s.separator[:0], separator...)
		s.unit = unit
		s.scanned = 0
	}
	if s.scanned > len(buffered) {
		s.scanned = 0
	}
	for from := s.scanned; from <= len(buffered)-len(separator); {
		index := bytes.Index(buffered[from:], separator)
		if index < 0 {
			break
		}
		index += from
		if index%unit == 0 {
			s.scanned = index
			return index
		}
		from = index + 1
	}
	if next := len(buffered) - len(separator) + 1; next > s.scanned {
		s.scanned = next - next%unit
	}
	return -1
}

// Consume tells the scanner that n bytes were removed from the head.
func (s *Scanner) Consume(n int) {
	s.scanned -= n
	if s.scanned < 0 {
		s.scanned = 0
	}
}

func (s *Scanner) Reset() {
	s.scanned = 0
}
