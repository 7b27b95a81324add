package hashsplit

import (
	"io"
)

// Chunk is one split-out piece of the input stream. Level is the number of
// extra digest bits that were all ones at the cut: higher levels are rarer
// and drive the fan-out of the hash tree above the chunks.
type Chunk struct {
	Data  []byte
	Level int
}

// Splitter reads a byte stream and yields chunks at content-defined cut
// points. Chunks are identical for identical input regardless of how the
// underlying reader partitions its reads.
type Splitter struct {
	r    io.Reader
	sum  *Rollsum
	buf  []byte // bytes read but not yet emitted
	roll int    // bytes of buf already rolled into sum
	eof  bool
}

// NewSplitter returns a Splitter over r.
func NewSplitter(r io.Reader) *Splitter {
	return &Splitter{
		r:   r,
		sum: NewRollsum(),
	}
}

// fill reads more input into the buffer. Sets eof once the reader is done.
func (s *Splitter) fill() error {
	chunk := make([]byte, 32*1024)
	n, err := s.r.Read(chunk)
	if n > 0 {
		s.buf = append(s.buf, chunk[:n]...)
	}
	if err == io.EOF {
		s.eof = true
		return nil
	}
	return err
}

// emit cuts the first n buffered bytes out as a chunk and resets the
// checksum for the next one.
func (s *Splitter) emit(n, level int) Chunk {
	data := make([]byte, n)
	copy(data, s.buf[:n])
	s.buf = s.buf[:copy(s.buf, s.buf[n:])]
	s.roll = 0
	s.sum = NewRollsum()
	return Chunk{Data: data, Level: level}
}

// Next returns the next chunk of the stream. It returns io.EOF after the
// final chunk has been emitted. Read errors propagate untouched.
func (s *Splitter) Next() (Chunk, error) {
	for {
		// Roll through whatever is buffered looking for a cut.
		for s.roll < len(s.buf) && s.roll < MaxBlobSize {
			s.sum.Roll(s.buf[s.roll])
			s.roll++
			if s.sum.OnSplit() {
				return s.emit(s.roll, s.sum.Bits()), nil
			}
		}
		if s.roll >= MaxBlobSize {
			return s.emit(MaxBlobSize, 0), nil
		}
		if s.eof {
			if len(s.buf) > 0 {
				return s.emit(len(s.buf), 0), nil
			}
			return Chunk{}, io.EOF
		}
		if err := s.fill(); err != nil {
			return Chunk{}, err
		}
	}
}
