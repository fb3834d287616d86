package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single JPEG frame; anything larger is treated as a
// corrupt stream.
const maxFrameBytes = 16 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// ErrFrameTooLarge is returned when no end-of-image marker is found within
// the frame size limit.
var ErrFrameTooLarge = errors.New("ingest: jpeg frame exceeds size limit")

// FrameReader splits a concatenated MJPEG byte stream (as written by
// ffmpeg -f image2pipe -c:v mjpeg) into individual JPEG images.
type FrameReader struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete JPEG image. Bytes before a start-of-image
// marker are discarded. A stream that ends mid-frame returns
// io.ErrUnexpectedEOF; a clean end returns io.EOF.
func (fr *FrameReader) Next() ([]byte, error) {
	if err := fr.seekSOI(); err != nil {
		return nil, err
	}
	fr.buf.Reset()
	fr.buf.Write(jpegSOI)

	var prev byte
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		fr.buf.WriteByte(b)
		if prev == jpegEOI[0] && b == jpegEOI[1] {
			out := make([]byte, fr.buf.Len())
			copy(out, fr.buf.Bytes())
			return out, nil
		}
		prev = b
		if fr.buf.Len() > maxFrameBytes {
			return nil, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, maxFrameBytes)
		}
	}
}

func (fr *FrameReader) seekSOI() error {
	var prev byte
	first := true
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return err
		}
		if !first && prev == jpegSOI[0] && b == jpegSOI[1] {
			return nil
		}
		prev, first = b, false
	}
}
