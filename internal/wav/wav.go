// Package wav wraps raw 16-bit mono PCM in a canonical 44-byte WAVE header.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the size of the canonical PCM header.
	HeaderSize = 44

	formatPCM     = 1
	channels      = 1
	bitsPerSample = 16
	blockAlign    = channels * bitsPerSample / 8
)

// ErrMalformed is returned by Parse for anything that is not a canonical
// PCM WAVE stream.
var ErrMalformed = errors.New("malformed wave data")

// Header describes a parsed WAVE stream.
type Header struct {
	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Encode returns header+pcm. All sizes are taken from len(pcm).
func Encode(pcm []byte, sampleRate uint32) []byte {
	out := make([]byte, HeaderSize+len(pcm))
	dataSize := uint32(len(pcm))

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], 36+dataSize)
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], formatPCM)
	binary.LittleEndian.PutUint16(out[22:24], channels)
	binary.LittleEndian.PutUint32(out[24:28], sampleRate)
	binary.LittleEndian.PutUint32(out[28:32], sampleRate*blockAlign)
	binary.LittleEndian.PutUint16(out[32:34], blockAlign)
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], dataSize)
	copy(out[HeaderSize:], pcm)

	return out
}

// Parse reads the header of a stream produced by Encode and returns it along
// with the PCM payload.
func Parse(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}

	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" ||
		string(data[12:16]) != "fmt " || string(data[36:40]) != "data" {
		return Header{}, nil, fmt.Errorf("%w: bad chunk ids", ErrMalformed)
	}

	if binary.LittleEndian.Uint16(data[20:22]) != formatPCM {
		return Header{}, nil, fmt.Errorf("%w: not PCM", ErrMalformed)
	}

	header := Header{
		Channels:      binary.LittleEndian.Uint16(data[22:24]),
		SampleRate:    binary.LittleEndian.Uint32(data[24:28]),
		BitsPerSample: binary.LittleEndian.Uint16(data[34:36]),
		DataSize:      binary.LittleEndian.Uint32(data[40:44]),
	}

	if int(header.DataSize) != len(data)-HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: data size %d, payload %d", ErrMalformed, header.DataSize, len(data)-HeaderSize)
	}

	if binary.LittleEndian.Uint32(data[4:8]) != 36+header.DataSize {
		return Header{}, nil, fmt.Errorf("%w: riff size mismatch", ErrMalformed)
	}

	return header, data[HeaderSize:], nil
}

// Duration returns the playback length in seconds.
func (h Header) Duration() float64 {
	bytesPerSecond := float64(h.SampleRate) * float64(h.Channels) * float64(h.BitsPerSample) / 8
	if bytesPerSecond == 0 {
		return 0
	}

	return float64(h.DataSize) / bytesPerSecond
}
