// Package params holds the engine's parameter block: global synthesis
// settings plus one speaker record per loaded voice. The block is sized by
// probing the engine, allocated once and patched in place for every request.
package params

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/book-expert/aitalk-service/internal/engine"
	"github.com/book-expert/aitalk-service/internal/sjis"
)

var (
	// ErrUnexpectedProbe indicates the size probe did not answer INSUFFICIENT.
	ErrUnexpectedProbe = errors.New("parameter size probe returned unexpected status")
	// ErrBlockTooSmall indicates the engine reported a block smaller than its header.
	ErrBlockTooSmall = errors.New("parameter block smaller than header")
	// ErrVoiceNotFound indicates no speaker record carries the requested name.
	ErrVoiceNotFound = errors.New("voice not found in parameter block")
	// ErrAmbiguousVoice indicates more than one speaker record carries the name.
	ErrAmbiguousVoice = errors.New("voice matches more than one speaker record")
)

// Source is the part of the engine the cache needs.
type Source interface {
	GetParameters(buf []byte) (uint32, engine.Status)
}

// Settings are the per-request values copied into a speaker record.
type Settings struct {
	Volume        float32
	Speed         float32
	Pitch         float32
	Range         float32
	PauseMiddle   int32
	PauseLong     int32
	PauseSentence int32
}

// Speaker identifies one record inside the block.
type Speaker struct {
	Index int
	Name  string
}

// Cache owns the parameter block.
type Cache struct {
	block    []byte
	speakers []Speaker
}

// Load probes the engine for the block size, allocates it and fetches the
// current parameters.
func Load(src Source) (*Cache, error) {
	size, status := src.GetParameters(nil)
	if status != engine.StatusInsufficient {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedProbe, status)
	}

	if size < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlockTooSmall, size)
	}

	block := make([]byte, size)

	_, status = src.GetParameters(block)
	if !status.OK() {
		return nil, fmt.Errorf("failed to fetch parameter block: %w", status.Err())
	}

	cache := &Cache{block: block}

	err := cache.indexSpeakers()
	if err != nil {
		return nil, err
	}

	return cache, nil
}

func (c *Cache) indexSpeakers() error {
	capacity := (len(c.block) - HeaderSize) / SpeakerSize
	declared := int(binary.LittleEndian.Uint32(c.block[OffsetNumSpeakers:]))

	count := min(declared, capacity)
	c.speakers = make([]Speaker, 0, count)

	for i := range count {
		off := SpeakerOffset(i)

		name, err := sjis.Decode(c.block[off+SpeakerOffsetVoiceName : off+SpeakerOffsetVoiceName+MaxVoiceName])
		if err != nil {
			return fmt.Errorf("failed to decode speaker %d name: %w", i, err)
		}

		c.speakers = append(c.speakers, Speaker{Index: i, Name: name})
	}

	return nil
}

// Bytes returns the block for SetParameters. The slice aliases the cache.
func (c *Cache) Bytes() []byte {
	return c.block
}

// Voices returns the speaker names in block order.
func (c *Cache) Voices() []string {
	names := make([]string, len(c.speakers))
	for i, s := range c.speakers {
		names[i] = s.Name
	}

	return names
}

// Lookup finds the single speaker record named name.
func (c *Cache) Lookup(name string) (Speaker, error) {
	var (
		found   Speaker
		matches int
	)

	for _, s := range c.speakers {
		if s.Name == name {
			found = s
			matches++
		}
	}

	switch matches {
	case 0:
		return Speaker{}, fmt.Errorf("%w: %q", ErrVoiceNotFound, name)
	case 1:
		return found, nil
	default:
		return Speaker{}, fmt.Errorf("%w: %q (%d records)", ErrAmbiguousVoice, name, matches)
	}
}

// Verify checks that each name has exactly one speaker record.
func (c *Cache) Verify(names []string) error {
	var errs []error

	for _, name := range names {
		_, err := c.Lookup(name)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Apply copies settings into the speaker record and makes the speaker the
// active voice in the global slot.
func (c *Cache) Apply(speaker Speaker, settings Settings) {
	off := SpeakerOffset(speaker.Index)
	rec := c.block[off : off+SpeakerSize]

	putFloat(rec[SpeakerOffsetVolume:], settings.Volume)
	putFloat(rec[SpeakerOffsetSpeed:], settings.Speed)
	putFloat(rec[SpeakerOffsetPitch:], settings.Pitch)
	putFloat(rec[SpeakerOffsetRange:], settings.Range)
	putInt(rec[SpeakerOffsetPauseMiddle:], settings.PauseMiddle)
	putInt(rec[SpeakerOffsetPauseLong:], settings.PauseLong)
	putInt(rec[SpeakerOffsetPauseSentence:], settings.PauseSentence)

	// The global voice name is copied byte for byte from the record so both
	// fields always hold the same encoding.
	copy(c.block[OffsetVoiceName:OffsetVoiceName+MaxVoiceName], rec[SpeakerOffsetVoiceName:SpeakerOffsetVoiceName+MaxVoiceName])
	putFloat(c.block[OffsetVolume:], settings.Volume)
	putInt(c.block[OffsetJeitaPauseMiddle:], settings.PauseMiddle)
	putInt(c.block[OffsetJeitaPauseLong:], settings.PauseLong)
	putInt(c.block[OffsetJeitaPauseSent:], settings.PauseSentence)
}

// TextBufferBytes is the drain size for the intermediate phase.
func (c *Cache) TextBufferBytes() int {
	n := int(binary.LittleEndian.Uint32(c.block[OffsetLenTextBufBytes:]))

	return clampBuffer(n, MaxTextBufBytes)
}

// RawBufferBytes is the drain size, in bytes, for the waveform phase.
func (c *Cache) RawBufferBytes() int {
	words := int(binary.LittleEndian.Uint32(c.block[OffsetLenRawBufWords:]))

	return clampBuffer(words*2, MaxRawBufBytes)
}

func clampBuffer(n, ceiling int) int {
	if n <= 0 || n > ceiling {
		return ceiling
	}

	return n
}

// ReadSettings decodes speaker record i of a raw block.
func ReadSettings(block []byte, i int) Settings {
	off := SpeakerOffset(i)
	rec := block[off : off+SpeakerSize]

	return Settings{
		Volume:        getFloat(rec[SpeakerOffsetVolume:]),
		Speed:         getFloat(rec[SpeakerOffsetSpeed:]),
		Pitch:         getFloat(rec[SpeakerOffsetPitch:]),
		Range:         getFloat(rec[SpeakerOffsetRange:]),
		PauseMiddle:   getInt(rec[SpeakerOffsetPauseMiddle:]),
		PauseLong:     getInt(rec[SpeakerOffsetPauseLong:]),
		PauseSentence: getInt(rec[SpeakerOffsetPauseSentence:]),
	}
}

// ActiveVoice decodes the global voice-name slot of a raw block.
func ActiveVoice(block []byte) (string, error) {
	return sjis.Decode(block[OffsetVoiceName : OffsetVoiceName+MaxVoiceName])
}

// SpeakerIndex returns the index of the speaker named name in a raw block, or -1.
func SpeakerIndex(block []byte, name string) int {
	capacity := (len(block) - HeaderSize) / SpeakerSize
	count := min(int(binary.LittleEndian.Uint32(block[OffsetNumSpeakers:])), capacity)

	for i := range count {
		off := SpeakerOffset(i)

		decoded, err := sjis.Decode(block[off : off+MaxVoiceName])
		if err == nil && decoded == name {
			return i
		}
	}

	return -1
}

func putFloat(dst []byte, v float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
}

func getFloat(src []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(src))
}

func putInt(dst []byte, v int32) {
	binary.LittleEndian.PutUint32(dst, uint32(v))
}

func getInt(src []byte) int32 {
	return int32(binary.LittleEndian.Uint32(src))
}
