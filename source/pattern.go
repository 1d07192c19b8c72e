package source

// Pattern colors.
var (
	patternBackground = [3]byte{0x1e, 0x1e, 0x1e}
	patternBar        = [3]byte{0xe0, 0x30, 0x30}
	patternMeterA     = [3]byte{0x40, 0xc0, 0x60}
	patternMeterB     = [3]byte{0x40, 0x80, 0xe0}
)

// Pattern generates an animated RGB24 test card: a red bar sweeping across
// a dark background above two meters whose lengths change every frame.
type Pattern struct {
	width, height int
	seq           int
}

// NewPattern creates a pattern generator for the given raster size.
func NewPattern(width, height int) *Pattern {
	return &Pattern{width: width, height: height}
}

// FrameSize returns the size of each generated frame in bytes.
func (p *Pattern) FrameSize() int {
	return p.width * p.height * 3
}

// Next renders the next frame into a new slice.
func (p *Pattern) Next() []byte {
	w, h := p.width, p.height
	frame := make([]byte, p.FrameSize())
	for i := 0; i < len(frame); i += 3 {
		copy(frame[i:i+3], patternBackground[:])
	}

	barWidth := max(w/20, 1)
	step := max(w/50, 1)
	barX := (p.seq * step) % max(w-barWidth, 1)
	p.fill(frame, barX, 0, barWidth, h*2/3, patternBar)

	meterH := max(h/24, 1)
	p.fill(frame, 0, h*3/4, w*(3+p.seq%5)/8, meterH, patternMeterA)
	p.fill(frame, 0, h*3/4+2*meterH, w*(2+(p.seq+3)%4)/8, meterH, patternMeterB)

	p.seq++
	return frame
}

func (p *Pattern) fill(frame []byte, x0, y0, w, h int, c [3]byte) {
	x1 := min(x0+w, p.width)
	y1 := min(y0+h, p.height)
	for y := max(y0, 0); y < y1; y++ {
		row := y * p.width * 3
		for x := max(x0, 0); x < x1; x++ {
			copy(frame[row+x*3:row+x*3+3], c[:])
		}
	}
}
