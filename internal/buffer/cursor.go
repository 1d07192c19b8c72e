package buffer

// Cursor is one viewer's private read position in a Buffer. It is not safe
// for concurrent use; each connection owns its own.
type Cursor struct {
	buf     *Buffer
	pos     int64
	started bool
	joined  bool
	// header holds what is left of a header too large for one read.
	header  []byte
	resyncs int64
}

// NewCursor returns a cursor positioned at the start of the logical stream.
// Its first read includes the header.
func (b *Buffer) NewCursor() *Cursor {
	return &Cursor{buf: b}
}

// Next returns up to maxBytes of data at the cursor and advances past it.
// The header goes out first, split over several calls if it is larger than
// maxBytes, and stream data follows.
func (c *Cursor) Next(maxBytes int) []byte {
	if !c.started {
		c.started = true
		h := c.buf.Header()
		if maxBytes <= 0 || len(h) <= maxBytes {
			data, next, _ := c.buf.read(c.pos, true, maxBytes)
			c.pos = next
			c.joined = true
			return data
		}
		c.header = h
	}

	if len(c.header) > 0 {
		n := len(c.header)
		if maxBytes > 0 && n > maxBytes {
			n = maxBytes
		}
		out := c.header[:n]
		c.header = c.header[n:]
		return out
	}

	data, next, resynced := c.buf.read(c.pos, false, maxBytes)
	// Joining after the first trim is not a resync.
	if resynced && c.joined {
		c.resyncs++
	}
	c.joined = true
	c.pos = next
	return data
}

// Pending reports whether Next would return data. A cursor that has not
// read yet is always pending so the header goes out first.
func (c *Cursor) Pending() bool {
	return !c.started || len(c.header) > 0 || c.buf.HasNewData(c.pos)
}

// Position returns the logical offset of the next stream byte to read.
func (c *Cursor) Position() int64 {
	return c.pos
}

// Resyncs returns how many times the cursor fell behind the window and was
// moved forward.
func (c *Cursor) Resyncs() int64 {
	return c.resyncs
}
