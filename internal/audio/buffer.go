// Package audio provides in-memory audio buffering for the voice
// pipeline. Chunks accumulate without file I/O and come back out as a
// complete WAV container for the STT collaborator.
package audio

import (
	"bytes"
	"encoding/binary"
)

const (
	// DefaultSampleRate is the expected capture rate.
	DefaultSampleRate = 16000

	// wavHeaderSize is the fixed RIFF/fmt/data header length.
	wavHeaderSize = 44

	// DefaultMinChunkBytes is one second of 16 kHz mono 16-bit audio,
	// the minimum worth sending to the STT engine.
	DefaultMinChunkBytes = 16000
)

// Buffer accumulates raw PCM and renders it as a WAV file. One per
// stream; not safe for concurrent use.
type Buffer struct {
	sampleRate  int
	channels    int
	sampleWidth int
	data        bytes.Buffer
}

// NewBuffer creates a buffer for 16 kHz mono 16-bit PCM.
func NewBuffer() *Buffer {
	return &Buffer{
		sampleRate:  DefaultSampleRate,
		channels:    1,
		sampleWidth: 2,
	}
}

// Add appends a raw PCM chunk.
func (b *Buffer) Add(chunk []byte) {
	b.data.Write(chunk)
}

// Len returns the number of buffered PCM bytes, excluding the header.
func (b *Buffer) Len() int {
	return b.data.Len()
}

// Reset discards all buffered audio.
func (b *Buffer) Reset() {
	b.data.Reset()
}

// WAV returns the buffered audio as a complete WAV file.
func (b *Buffer) WAV() []byte {
	dataLen := b.data.Len()
	out := make([]byte, 0, wavHeaderSize+dataLen)
	out = append(out, b.header(dataLen)...)
	out = append(out, b.data.Bytes()...)
	return out
}

// header renders the 44-byte RIFF header for dataLen bytes of PCM.
func (b *Buffer) header(dataLen int) []byte {
	byteRate := b.sampleRate * b.channels * b.sampleWidth
	blockAlign := b.channels * b.sampleWidth

	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(b.channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(b.sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], uint16(b.sampleWidth*8))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// Segmenter accumulates raw PCM chunks and emits a segment once enough
// audio has arrived, so an unbounded utterance still reaches the STT
// engine in pieces. WAV framing stays with Buffer; the segmenter only
// decides where segments end.
type Segmenter struct {
	data     bytes.Buffer
	minBytes int
}

// NewSegmenter creates a segmenter that flushes at minBytes of PCM.
// A non-positive minBytes uses DefaultMinChunkBytes.
func NewSegmenter(minBytes int) *Segmenter {
	if minBytes <= 0 {
		minBytes = DefaultMinChunkBytes
	}
	return &Segmenter{minBytes: minBytes}
}

// Add appends a chunk and returns the accumulated PCM if the threshold
// is reached, nil while still accumulating.
func (s *Segmenter) Add(chunk []byte) []byte {
	s.data.Write(chunk)
	if s.data.Len() >= s.minBytes {
		return s.take()
	}
	return nil
}

// Flush returns any remaining PCM, or nil if the buffer is empty.
func (s *Segmenter) Flush() []byte {
	if s.data.Len() == 0 {
		return nil
	}
	return s.take()
}

// Pending returns the number of buffered PCM bytes.
func (s *Segmenter) Pending() int {
	return s.data.Len()
}

func (s *Segmenter) take() []byte {
	out := make([]byte, s.data.Len())
	copy(out, s.data.Bytes())
	s.data.Reset()
	return out
}
