// Package sim is an in-process engine that behaves like the native binding:
// jobs run on their own goroutine and push data through the installed
// handlers, and every call is recorded for inspection. It backs the tests and
// the service's "sim" engine driver on hosts without the native library.
package sim

import (
	"encoding/binary"
	"math"
	"slices"
	"sync"

	"github.com/book-expert/aitalk-service/internal/engine"
	"github.com/book-expert/aitalk-service/internal/params"
	"github.com/book-expert/aitalk-service/internal/sjis"
)

const (
	defaultTextBufferBytes = 64
	defaultRawBufferWords  = 256
	defaultTextChunk       = 40
	defaultWaveChunk       = 600
	samplesPerByte         = 48
)

// Faults makes individual calls fail with the given status. A zero field
// means the call behaves normally.
type Faults struct {
	Init          engine.Status
	LoadLanguage  engine.Status
	UnloadLang    engine.Status
	SetParameters engine.Status
	SubmitText    engine.Status
	SubmitWave    engine.Status
	DrainText     engine.Status
	DrainWave     engine.Status
	CloseText     engine.Status
	CloseWave     engine.Status

	// StrayCallbacks re-invokes the handler with a FULL reason from inside
	// the close call, after the stream has already been closed.
	StrayCallbacks bool
}

// Options configures a simulated engine.
type Options struct {
	// Voices installed on disk. LoadVoice fails for anything else.
	Voices []string
	// Languages installed on disk. Empty means any name loads.
	Languages []string

	TextBufferBytes uint32
	RawBufferWords  uint32

	// Hold, when set, is received from once by every job before it emits
	// any data.
	Hold <-chan struct{}
}

type job struct {
	phase    engine.ReasonCode
	pending  []byte
	position uint32
	user     uintptr
	finished chan struct{}
}

// Engine implements engine.Engine.
type Engine struct {
	opts Options

	mu          sync.Mutex
	initialized bool
	config      engine.Config
	language    string
	loaded      []string
	block       []byte
	handlers    engine.Handlers
	jobs        map[int32]*job
	nextJob     int32
	calls       []string
	faults      Faults

	wg sync.WaitGroup
}

var _ engine.Engine = (*Engine)(nil)

// New returns an uninitialised simulated engine.
func New(opts Options) *Engine {
	if opts.TextBufferBytes == 0 {
		opts.TextBufferBytes = defaultTextBufferBytes
	}

	if opts.RawBufferWords == 0 {
		opts.RawBufferWords = defaultRawBufferWords
	}

	return &Engine{
		opts: opts,
		jobs: make(map[int32]*job),
	}
}

// SetFaults replaces the active fault set.
func (e *Engine) SetFaults(f Faults) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.faults = f
}

// Calls returns the names of all engine calls made so far, in order.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.calls)
}

// Count returns how many times the named call was made.
func (e *Engine) Count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0

	for _, c := range e.calls {
		if c == name {
			n++
		}
	}

	return n
}

// Language returns the loaded language resource, empty when none.
func (e *Engine) Language() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.language
}

// LastParameters returns a copy of the block passed to the last successful
// SetParameters call.
func (e *Engine) LastParameters() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.block)
}

// Config returns the configuration passed to Init.
func (e *Engine) Config() engine.Config {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.config
}

func (e *Engine) record(name string) {
	e.calls = append(e.calls, name)
}

func (e *Engine) Init(cfg engine.Config) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("Init")

	if e.faults.Init != engine.StatusSuccess {
		return e.faults.Init
	}

	if e.initialized {
		return engine.StatusAlreadyInitialized
	}

	if cfg.SampleRate == 0 {
		return engine.StatusInvalidArgument
	}

	e.config = cfg
	e.initialized = true

	return engine.StatusSuccess
}

func (e *Engine) End() engine.Status {
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("End")

	if !e.initialized {
		return engine.StatusNotInitialized
	}

	e.initialized = false
	e.language = ""
	e.loaded = nil

	return engine.StatusSuccess
}

func (e *Engine) reloadDictionary(call string) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record(call)

	if !e.initialized {
		return engine.StatusNotInitialized
	}

	return engine.StatusSuccess
}

func (e *Engine) ReloadWordDictionary(string) engine.Status {
	return e.reloadDictionary("ReloadWordDictionary")
}

func (e *Engine) ReloadPhraseDictionary(string) engine.Status {
	return e.reloadDictionary("ReloadPhraseDictionary")
}

func (e *Engine) ReloadSymbolDictionary(string) engine.Status {
	return e.reloadDictionary("ReloadSymbolDictionary")
}

func (e *Engine) LoadLanguage(name string) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("LoadLanguage")

	switch {
	case !e.initialized:
		return engine.StatusNotInitialized
	case e.faults.LoadLanguage != engine.StatusSuccess:
		return e.faults.LoadLanguage
	case e.language != "":
		return engine.StatusAlreadyLoaded
	case len(e.opts.Languages) > 0 && !slices.Contains(e.opts.Languages, name):
		return engine.StatusFileNotFound
	}

	e.language = name

	return engine.StatusSuccess
}

func (e *Engine) UnloadLanguage() engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("UnloadLanguage")

	switch {
	case !e.initialized:
		return engine.StatusNotInitialized
	case e.faults.UnloadLang != engine.StatusSuccess:
		return e.faults.UnloadLang
	case e.language == "":
		return engine.StatusNotLoaded
	}

	e.language = ""

	return engine.StatusSuccess
}

func (e *Engine) LoadVoice(name string) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("LoadVoice")

	switch {
	case !e.initialized:
		return engine.StatusNotInitialized
	case !slices.Contains(e.opts.Voices, name):
		return engine.StatusFileNotFound
	case slices.Contains(e.loaded, name):
		return engine.StatusAlreadyLoaded
	}

	e.loaded = append(e.loaded, name)

	return engine.StatusSuccess
}

// GetParameters builds a block with one default record per loaded voice.
func (e *Engine) GetParameters(buf []byte) (uint32, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("GetParameters")

	if !e.initialized {
		return 0, engine.StatusNotInitialized
	}

	size := params.BlockSize(len(e.loaded))
	if len(buf) < size {
		return uint32(size), engine.StatusInsufficient
	}

	block := buf[:size]
	clear(block)

	le := binary.LittleEndian
	le.PutUint32(block[params.OffsetSize:], uint32(size))
	le.PutUint32(block[params.OffsetLenTextBufBytes:], e.opts.TextBufferBytes)
	le.PutUint32(block[params.OffsetLenRawBufWords:], e.opts.RawBufferWords)
	le.PutUint32(block[params.OffsetVolume:], math.Float32bits(1))
	le.PutUint32(block[params.OffsetNumSpeakers:], uint32(len(e.loaded)))

	for i, name := range e.loaded {
		off := params.SpeakerOffset(i)
		rec := block[off : off+params.SpeakerSize]

		if err := sjis.PutFixed(rec[:params.MaxVoiceName], name); err != nil {
			return 0, engine.StatusInternalError
		}

		for _, field := range []int{
			params.SpeakerOffsetVolume, params.SpeakerOffsetSpeed,
			params.SpeakerOffsetPitch, params.SpeakerOffsetRange,
		} {
			le.PutUint32(rec[field:], math.Float32bits(1))
		}

		le.PutUint32(rec[params.SpeakerOffsetPauseMiddle:], 150)
		le.PutUint32(rec[params.SpeakerOffsetPauseLong:], 370)
		le.PutUint32(rec[params.SpeakerOffsetPauseSentence:], 800)
	}

	return uint32(size), engine.StatusSuccess
}

func (e *Engine) SetParameters(buf []byte, handlers engine.Handlers) engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("SetParameters")

	switch {
	case !e.initialized:
		return engine.StatusNotInitialized
	case e.faults.SetParameters != engine.StatusSuccess:
		return e.faults.SetParameters
	case len(buf) < params.HeaderSize:
		return engine.StatusInvalidArgument
	}

	e.block = slices.Clone(buf)
	e.handlers = handlers

	return engine.StatusSuccess
}

// activeSettings returns the record of the voice named in the global slot,
// or false when that voice is not loaded.
func (e *Engine) activeSettings() (params.Settings, bool) {
	name, err := params.ActiveVoice(e.block)
	if err != nil || !slices.Contains(e.loaded, name) {
		return params.Settings{}, false
	}

	idx := params.SpeakerIndex(e.block, name)
	if idx < 0 {
		return params.Settings{}, false
	}

	return params.ReadSettings(e.block, idx), true
}

func (e *Engine) SubmitTextToIntermediate(user uintptr, text []byte) (int32, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("SubmitTextToIntermediate")

	switch {
	case !e.initialized:
		return 0, engine.StatusNotInitialized
	case e.faults.SubmitText != engine.StatusSuccess:
		return 0, e.faults.SubmitText
	case e.language == "" || e.handlers.Intermediate == nil:
		return 0, engine.StatusInvalidArgument
	}

	if _, ok := e.activeSettings(); !ok {
		return 0, engine.StatusInvalidArgument
	}

	text = trimNUL(text)
	output := append([]byte("<S>"), text...)

	return e.startJob(engine.ReasonTextBufFull, user, output, defaultTextChunk), engine.StatusSuccess
}

func (e *Engine) SubmitIntermediateToWaveform(user uintptr, intermediate []byte) (int32, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record("SubmitIntermediateToWaveform")

	switch {
	case !e.initialized:
		return 0, engine.StatusNotInitialized
	case e.faults.SubmitWave != engine.StatusSuccess:
		return 0, e.faults.SubmitWave
	case e.handlers.Waveform == nil:
		return 0, engine.StatusInvalidArgument
	}

	settings, ok := e.activeSettings()
	if !ok {
		return 0, engine.StatusInvalidArgument
	}

	pcm := synthesize(trimNUL(intermediate), settings)

	return e.startJob(engine.ReasonRawBufFull, user, pcm, defaultWaveChunk), engine.StatusSuccess
}

// startJob must be called with e.mu held.
func (e *Engine) startJob(phase engine.ReasonCode, user uintptr, output []byte, chunk int) int32 {
	e.nextJob++
	id := e.nextJob

	j := &job{phase: phase, user: user, finished: make(chan struct{})}
	e.jobs[id] = j

	handler := e.handlers.Intermediate
	closeReason := engine.ReasonTextBufClose

	if phase == engine.ReasonRawBufFull {
		handler = e.handlers.Waveform
		closeReason = engine.ReasonRawBufClose
	}

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer close(j.finished)

		if e.opts.Hold != nil {
			<-e.opts.Hold
		}

		for offset := 0; offset < len(output); offset += chunk {
			end := min(offset+chunk, len(output))

			e.mu.Lock()
			j.pending = append(j.pending, output[offset:end]...)
			e.mu.Unlock()

			handler(phase, id, user)
		}

		handler(closeReason, id, user)
	}()

	return id
}

func (e *Engine) DrainIntermediate(jobID int32, buf []byte) (uint32, uint32, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[jobID]
	if !ok || j.phase != engine.ReasonTextBufFull {
		return 0, 0, engine.StatusInvalidJobID
	}

	if e.faults.DrainText != engine.StatusSuccess {
		return 0, j.position, e.faults.DrainText
	}

	if len(j.pending) == 0 {
		return 0, j.position, engine.StatusNoMoreData
	}

	if len(buf) < 2 {
		return 0, j.position, engine.StatusInsufficient
	}

	// One byte is reserved for the terminator.
	n := copy(buf[:len(buf)-1], j.pending)
	buf[n] = 0
	j.pending = j.pending[n:]
	j.position += uint32(n)

	return uint32(n), j.position, engine.StatusSuccess
}

func (e *Engine) DrainWaveform(jobID int32, buf []byte) (uint32, engine.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[jobID]
	if !ok || j.phase != engine.ReasonRawBufFull {
		return 0, engine.StatusInvalidJobID
	}

	if e.faults.DrainWave != engine.StatusSuccess {
		return 0, e.faults.DrainWave
	}

	if len(j.pending) == 0 {
		return 0, engine.StatusNoMoreData
	}

	n := copy(buf[:len(buf)&^1], j.pending)
	j.pending = j.pending[n:]

	return uint32(n / 2), engine.StatusSuccess
}

func (e *Engine) closeJob(call string, jobID int32, phase engine.ReasonCode, fault engine.Status) engine.Status {
	e.mu.Lock()
	e.record(call)

	j, ok := e.jobs[jobID]
	if !ok || j.phase != phase {
		e.mu.Unlock()

		return engine.StatusInvalidJobID
	}

	if fault != engine.StatusSuccess {
		e.mu.Unlock()

		return fault
	}

	stray := e.faults.StrayCallbacks
	handler := e.handlers.Intermediate

	if phase == engine.ReasonRawBufFull {
		handler = e.handlers.Waveform
	}
	e.mu.Unlock()

	<-j.finished

	e.mu.Lock()
	delete(e.jobs, jobID)
	e.mu.Unlock()

	if stray && handler != nil {
		handler(phase, jobID, j.user)
	}

	return engine.StatusSuccess
}

func (e *Engine) CloseIntermediate(jobID int32) engine.Status {
	e.mu.Lock()
	fault := e.faults.CloseText
	e.mu.Unlock()

	return e.closeJob("CloseIntermediate", jobID, engine.ReasonTextBufFull, fault)
}

func (e *Engine) CloseWaveform(jobID int32) engine.Status {
	e.mu.Lock()
	fault := e.faults.CloseWave
	e.mu.Unlock()

	return e.closeJob("CloseWaveform", jobID, engine.ReasonRawBufFull, fault)
}

func trimNUL(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}

	return b
}

// synthesize renders a square wave per intermediate byte. Speed shortens
// each segment and volume scales the amplitude.
func synthesize(intermediate []byte, settings params.Settings) []byte {
	speed := settings.Speed
	if speed <= 0 {
		speed = 1
	}

	perByte := max(int(float32(samplesPerByte)/speed), 1)
	amplitude := float64(settings.Volume) * 4000
	amplitude = math.Min(math.Max(amplitude, 0), math.MaxInt16)

	pcm := make([]byte, 0, len(intermediate)*perByte*2)

	for _, b := range intermediate {
		period := 4 + int(b%16)

		for s := range perByte {
			sample := int16(amplitude)
			if (s/period)%2 == 1 {
				sample = -sample
			}

			pcm = binary.LittleEndian.AppendUint16(pcm, uint16(sample))
		}
	}

	return pcm
}
