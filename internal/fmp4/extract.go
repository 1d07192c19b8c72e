// Package fmp4 locates the container header at the start of a fragmented
// MP4 byte stream and describes it for status reporting.
//
// A fragmented MP4 stream is a sequence of size-prefixed boxes: an ftyp and
// a moov that together form the header, followed by moof/mdat pairs. Every
// box starts with a 4-byte big-endian size (covering the whole box) and a
// 4-byte type.
package fmp4

import (
	"bytes"
	"encoding/binary"
)

// MaxScanSize is how much output is accumulated while looking for the first
// moof box. Past this the whole accumulation is taken as the header.
const MaxScanSize = 64 * 1024

// boxHeaderSize is the size prefix plus the type field.
const boxHeaderSize = 8

var typeMoof = []byte("moof")

// Extractor scans the first bytes of an encoder's output for the boundary
// between the header and the first movie fragment. Feed it chunks in
// arrival order until Done reports true. It is not safe for concurrent use.
//
// A moof match is only taken as a box boundary when the size field in front
// of it is at least a box header and fits in the bytes available from that
// point, which filters most occurrences of the four letters inside
// compressed payload. A payload match that happens to be preceded by a
// plausible size is still taken as the boundary.
type Extractor struct {
	scratch    []byte
	searchFrom int
	header     []byte
	rest       []byte
	done       bool
	fallback   bool
}

// Feed appends chunk to the scan and reports whether the header has been
// found. Once done, further chunks are ignored.
func (e *Extractor) Feed(chunk []byte) bool {
	if e.done {
		return true
	}
	e.scratch = append(e.scratch, chunk...)

	if start, ok := e.scan(); ok {
		e.latch(start, false)
		return true
	}

	if len(e.scratch) > MaxScanSize {
		e.latch(len(e.scratch), true)
		return true
	}
	return false
}

// scan looks for the first moof candidate with a plausible size prefix and
// returns the offset of its box start.
func (e *Extractor) scan() (int, bool) {
	from := e.searchFrom
	pending := -1

	for {
		i := bytes.Index(e.scratch[from:], typeMoof)
		if i < 0 {
			break
		}
		p := from + i
		from = p + 1

		if p < 4 {
			continue
		}
		start := p - 4
		size := binary.BigEndian.Uint32(e.scratch[start:p])
		if size < boxHeaderSize {
			continue
		}
		if uint64(size) <= uint64(len(e.scratch)-start) {
			return start, true
		}
		// The box may simply not have arrived in full yet.
		if pending < 0 {
			pending = p
		}
	}

	switch {
	case pending >= 0:
		e.searchFrom = pending
	case len(e.scratch) > len(typeMoof)-1:
		// Keep a partial type at the tail in range for the next chunk.
		e.searchFrom = len(e.scratch) - (len(typeMoof) - 1)
	}
	return 0, false
}

func (e *Extractor) latch(boundary int, fallback bool) {
	e.header = append([]byte(nil), e.scratch[:boundary]...)
	e.rest = append([]byte(nil), e.scratch[boundary:]...)
	e.done = true
	e.fallback = fallback
	e.scratch = nil
}

// Done reports whether the header has been latched.
func (e *Extractor) Done() bool {
	return e.done
}

// Header returns the latched header, or nil before Done.
func (e *Extractor) Header() []byte {
	return e.header
}

// Rest returns the bytes that followed the header in the scanned input:
// the start of the first fragment. Empty for a fallback latch.
func (e *Extractor) Rest() []byte {
	return e.rest
}

// Fallback reports whether the header was latched by the size limit rather
// than by finding a moof box.
func (e *Extractor) Fallback() bool {
	return e.fallback
}

// Buffered returns the number of bytes accumulated so far.
func (e *Extractor) Buffered() int {
	return len(e.scratch)
}
