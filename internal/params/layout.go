package params

// Byte layout of the engine's parameter block (32-bit engine, little endian).
// The block is a fixed header followed by NumSpeakers speaker records.
const (
	OffsetSize             = 0
	OffsetProcTextBuf      = 4
	OffsetProcRawBuf       = 8
	OffsetProcEventTTS     = 12
	OffsetLenTextBufBytes  = 16
	OffsetLenRawBufWords   = 20
	OffsetVolume           = 24
	OffsetPauseBegin       = 28
	OffsetPauseTerm        = 32
	OffsetExtendFormat     = 36
	OffsetVoiceName        = 40
	OffsetJeitaFemaleName  = 120
	OffsetJeitaMaleName    = 200
	OffsetJeitaPauseMiddle = 280
	OffsetJeitaPauseLong   = 284
	OffsetJeitaPauseSent   = 288
	OffsetJeitaControl     = 292
	OffsetNumSpeakers      = 304
	OffsetReserved         = 308

	HeaderSize = 320
)

// Speaker record layout, relative to the start of the record.
const (
	SpeakerOffsetVoiceName     = 0
	SpeakerOffsetVolume        = 80
	SpeakerOffsetSpeed         = 84
	SpeakerOffsetPitch         = 88
	SpeakerOffsetRange         = 92
	SpeakerOffsetPauseMiddle   = 96
	SpeakerOffsetPauseLong     = 100
	SpeakerOffsetPauseSentence = 104
	SpeakerOffsetStyleRate     = 108

	SpeakerSize = 188
)

// MaxVoiceName is the width of every voice-name field, terminator included.
const MaxVoiceName = 80

// Drain buffer ceilings imposed by the engine.
const (
	MaxTextBufBytes = 0x10000
	MaxRawBufBytes  = 0x21000
)

// SpeakerOffset returns the offset of speaker record i.
func SpeakerOffset(i int) int {
	return HeaderSize + i*SpeakerSize
}

// BlockSize returns the size of a block holding n speaker records.
func BlockSize(n int) int {
	return HeaderSize + n*SpeakerSize
}
