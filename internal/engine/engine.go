// Package engine defines the contract between the orchestrator and a native
// AITalk synthesis engine: status codes, callback reason codes and the
// synchronous call surface every binding implements.
package engine

import (
	"errors"
	"fmt"
)

// Status is the result code returned by every engine call.
type Status int32

// Engine result codes.
const (
	StatusSuccess               Status = 0
	StatusInternalError         Status = -1
	StatusUnsupported           Status = -2
	StatusInvalidArgument       Status = -3
	StatusWaitTimeout           Status = -4
	StatusNotInitialized        Status = -10
	StatusAlreadyInitialized    Status = 10
	StatusNotLoaded             Status = -11
	StatusAlreadyLoaded         Status = 11
	StatusInsufficient          Status = -20
	StatusPartiallyRegistered   Status = 21
	StatusLicenseAbsent         Status = -100
	StatusLicenseExpired        Status = -101
	StatusLicenseRejected       Status = -102
	StatusTooManyJobs           Status = -201
	StatusInvalidJobID          Status = -202
	StatusJobBusy               Status = -203
	StatusNoMoreData            Status = 204
	StatusOutOfMemory           Status = -206
	StatusFileNotFound          Status = -1001
	StatusPathNotFound          Status = -1002
	StatusReadFault             Status = -1003
	StatusCountLimit            Status = -1004
	StatusUserDictionaryLocked  Status = -1011
	StatusUserDictionaryNoEntry Status = -1012
)

var statusNames = map[Status]string{
	StatusSuccess:               "SUCCESS",
	StatusInternalError:         "INTERNAL_ERROR",
	StatusUnsupported:           "UNSUPPORTED",
	StatusInvalidArgument:       "INVALID_ARGUMENT",
	StatusWaitTimeout:           "WAIT_TIMEOUT",
	StatusNotInitialized:        "NOT_INITIALIZED",
	StatusAlreadyInitialized:    "ALREADY_INITIALIZED",
	StatusNotLoaded:             "NOT_LOADED",
	StatusAlreadyLoaded:         "ALREADY_LOADED",
	StatusInsufficient:          "INSUFFICIENT",
	StatusPartiallyRegistered:   "PARTIALLY_REGISTERED",
	StatusLicenseAbsent:         "LICENSE_ABSENT",
	StatusLicenseExpired:        "LICENSE_EXPIRED",
	StatusLicenseRejected:       "LICENSE_REJECTED",
	StatusTooManyJobs:           "TOO_MANY_JOBS",
	StatusInvalidJobID:          "INVALID_JOBID",
	StatusJobBusy:               "JOB_BUSY",
	StatusNoMoreData:            "NOMORE_DATA",
	StatusOutOfMemory:           "OUT_OF_MEMORY",
	StatusFileNotFound:          "FILE_NOT_FOUND",
	StatusPathNotFound:          "PATH_NOT_FOUND",
	StatusReadFault:             "READ_FAULT",
	StatusCountLimit:            "COUNT_LIMIT",
	StatusUserDictionaryLocked:  "USERDIC_LOCKED",
	StatusUserDictionaryNoEntry: "USERDIC_NOENTRY",
}

// String returns the engine's symbolic name for the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("STATUS(%d)", int32(s))
}

// OK reports whether the status is StatusSuccess.
func (s Status) OK() bool {
	return s == StatusSuccess
}

// Err converts a non-success status into a *StatusError. Success yields nil.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}

	return &StatusError{Status: s}
}

// StatusError carries a failing engine status through the error chain.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "engine status " + e.Status.String()
}

// StatusOf extracts the engine status from err, if any.
func StatusOf(err error) (Status, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status, true
	}

	return StatusSuccess, false
}

// ReasonCode tells a handler why the engine invoked it.
type ReasonCode int32

// Callback reason codes.
const (
	ReasonTextBufFull   ReasonCode = 101
	ReasonTextBufFlush  ReasonCode = 102
	ReasonTextBufClose  ReasonCode = 103
	ReasonRawBufFull    ReasonCode = 201
	ReasonRawBufFlush   ReasonCode = 202
	ReasonRawBufClose   ReasonCode = 203
	ReasonPhoneticLabel ReasonCode = 301
	ReasonBookmark      ReasonCode = 302
	ReasonAutoBookmark  ReasonCode = 303
)

func (r ReasonCode) String() string {
	switch r {
	case ReasonTextBufFull:
		return "TEXTBUF_FULL"
	case ReasonTextBufFlush:
		return "TEXTBUF_FLUSH"
	case ReasonTextBufClose:
		return "TEXTBUF_CLOSE"
	case ReasonRawBufFull:
		return "RAWBUF_FULL"
	case ReasonRawBufFlush:
		return "RAWBUF_FLUSH"
	case ReasonRawBufClose:
		return "RAWBUF_CLOSE"
	case ReasonPhoneticLabel:
		return "PH_LABEL"
	case ReasonBookmark:
		return "BOOKMARK"
	case ReasonAutoBookmark:
		return "AUTO_BOOKMARK"
	default:
		return fmt.Sprintf("REASON(%d)", int32(r))
	}
}

// Handler is invoked by the engine on its own thread. user is the opaque token
// passed at submission. The return value is handed back to the engine.
type Handler func(reason ReasonCode, jobID int32, user uintptr) int32

// Handlers selects which handlers are installed by SetParameters. A nil field
// leaves the corresponding native callback slot empty.
type Handlers struct {
	Intermediate Handler
	Waveform     Handler
}

// Config is handed to Init once per engine instance.
type Config struct {
	SampleRate     uint32
	VoiceDirectory string
	TimeoutMillis  uint32
	LicensePath    string
	AuthSeed       string
}

// Engine is the synchronous call surface of one native engine instance.
// Implementations are not reentrant: all calls except the Drain methods must
// come from a single goroutine, and the Drain methods may only be called from
// inside a Handler.
type Engine interface {
	Init(cfg Config) Status
	End() Status

	ReloadWordDictionary(path string) Status
	ReloadPhraseDictionary(path string) Status
	ReloadSymbolDictionary(path string) Status

	LoadLanguage(name string) Status
	UnloadLanguage() Status
	LoadVoice(name string) Status

	// GetParameters copies the parameter block into buf. A nil or short buf
	// yields StatusInsufficient together with the required size.
	GetParameters(buf []byte) (uint32, Status)
	SetParameters(buf []byte, handlers Handlers) Status

	SubmitTextToIntermediate(user uintptr, text []byte) (int32, Status)
	DrainIntermediate(jobID int32, buf []byte) (read uint32, position uint32, status Status)
	CloseIntermediate(jobID int32) Status

	SubmitIntermediateToWaveform(user uintptr, intermediate []byte) (int32, Status)
	DrainWaveform(jobID int32, buf []byte) (samples uint32, status Status)
	CloseWaveform(jobID int32) Status
}
