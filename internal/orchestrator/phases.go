package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/aitalk-service/internal/core"
	"github.com/book-expert/aitalk-service/internal/engine"
	"github.com/book-expert/aitalk-service/internal/language"
	"github.com/book-expert/aitalk-service/internal/params"
	"github.com/book-expert/aitalk-service/internal/sjis"
	"github.com/book-expert/aitalk-service/internal/wav"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errNoVoices = errors.New("no voices configured")

// setup reports whether Init succeeded so the caller knows to call End.
func (o *Orchestrator) setup() (bool, error) {
	if len(o.opts.Voices) == 0 {
		return false, fmt.Errorf("%w: %w", ErrSetup, errNoVoices)
	}

	status := o.engine.Init(o.opts.Engine)
	if !status.OK() {
		return false, fmt.Errorf("%w: failed to initialize engine: %w", ErrSetup, status.Err())
	}

	dictionaries := []struct {
		kind   string
		path   string
		reload func(string) engine.Status
	}{
		{"word", o.opts.WordDictionary, o.engine.ReloadWordDictionary},
		{"phrase", o.opts.PhraseDictionary, o.engine.ReloadPhraseDictionary},
		{"symbol", o.opts.SymbolDictionary, o.engine.ReloadSymbolDictionary},
	}

	for _, dict := range dictionaries {
		if dict.path == "" {
			continue
		}

		status = dict.reload(dict.path)
		if !status.OK() {
			return true, fmt.Errorf("%w: failed to load %s dictionary %s: %w", ErrSetup, dict.kind, dict.path, status.Err())
		}
	}

	for _, voice := range o.opts.Voices {
		status = o.engine.LoadVoice(voice)
		if !status.OK() && status != engine.StatusAlreadyLoaded {
			return true, fmt.Errorf("%w: failed to load voice %q: %w", ErrSetup, voice, status.Err())
		}
	}

	cache, err := params.Load(o.engine)
	if err != nil {
		return true, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	err = cache.Verify(o.opts.Voices)
	if err != nil {
		return true, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	o.params = cache
	o.textBuf = cache.TextBufferBytes()
	o.rawBuf = cache.RawBufferBytes()

	return true, nil
}

func settingsOf(req core.SynthesisRequest) params.Settings {
	return params.Settings{
		Volume:        req.Volume,
		Speed:         req.Speed,
		Pitch:         req.Pitch,
		Range:         req.Range,
		PauseMiddle:   req.PauseMiddle,
		PauseLong:     req.PauseLong,
		PauseSentence: req.PauseSentence,
	}
}

func (o *Orchestrator) process(ctx context.Context, req core.SynthesisRequest) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "aitalk.synthesize", trace.WithAttributes(
		attribute.String("pipeline", o.opts.Name),
		attribute.String("voice", req.VoiceID),
		attribute.Int("text.length", len(req.Text)),
	))
	defer span.End()

	result, err := o.synthesize(ctx, span, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return Result{}, err
	}

	return result, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, span trace.Span, req core.SynthesisRequest) (Result, error) {
	speaker, err := o.params.Lookup(req.VoiceID)
	if err != nil {
		return Result{}, err
	}

	o.params.Apply(speaker, settingsOf(req))

	dialect := o.opts.Resolver.Dialect(req.VoiceID, req.Dialect)
	span.SetAttributes(attribute.String("dialect", dialect))

	var timings core.PhaseTimings

	started := time.Now()

	err = o.syncLanguage(dialect)
	if err != nil {
		return Result{}, err
	}

	timings.Language = time.Since(started)
	o.observePhase(ctx, "language", timings.Language)
	span.AddEvent("language ready")

	started = time.Now()

	intermediate, err := o.toIntermediate(req.Text)
	if err != nil {
		return Result{}, err
	}

	timings.Intermediate = time.Since(started)
	o.observePhase(ctx, "intermediate", timings.Intermediate)
	span.AddEvent("intermediate ready", trace.WithAttributes(attribute.Int("bytes", len(intermediate))))

	started = time.Now()

	pcm, err := o.toWaveform(intermediate)
	if err != nil {
		return Result{}, err
	}

	timings.Waveform = time.Since(started)
	o.observePhase(ctx, "waveform", timings.Waveform)
	span.AddEvent("waveform ready", trace.WithAttributes(attribute.Int("bytes", len(pcm))))

	o.log.Info("Pipeline %s: voice=%s dialect=%s lang=%s intermediate=%s waveform=%s total=%s pcm=%d bytes",
		o.opts.Name, req.VoiceID, dialect, timings.Language, timings.Intermediate, timings.Waveform,
		timings.Total(), len(pcm))

	return Result{
		Audio:   wav.Encode(pcm, o.opts.Engine.SampleRate),
		Dialect: dialect,
		Timings: timings,
	}, nil
}

// syncLanguage makes sure the resource for dialect is the loaded one.
func (o *Orchestrator) syncLanguage(dialect string) error {
	resource, err := o.opts.Resolver.Resource(dialect)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLanguageSwitch, err)
	}

	if o.language.Decide(resource) == language.Keep {
		return nil
	}

	previous, loaded := o.language.Loaded()
	if !loaded {
		previous = "none"
	}

	status := o.engine.UnloadLanguage()
	if !status.OK() && status != engine.StatusNotLoaded {
		return fmt.Errorf("%w: failed to unload language: %w", ErrLanguageSwitch, status.Err())
	}

	o.language.Reset()

	status = o.engine.LoadLanguage(resource)
	if !status.OK() {
		return fmt.Errorf("%w: failed to load %s: %w", ErrLanguageSwitch, resource, status.Err())
	}

	o.language.Commit(resource)
	o.log.Info("Pipeline %s: language %s loaded for dialect %s (was %s)", o.opts.Name, resource, dialect, previous)

	return nil
}

func (o *Orchestrator) toIntermediate(text string) ([]byte, error) {
	s := newSink(o.textBuf, o.opts.MaxOutputBytes)
	token := o.handles.register(s)

	status := o.engine.SetParameters(o.params.Bytes(), engine.Handlers{Intermediate: o.onIntermediate})
	if !status.OK() {
		o.handles.release(token)

		return nil, fmt.Errorf("%w: failed to set parameters: %w", ErrSubmission, status.Err())
	}

	jobID, status := o.engine.SubmitTextToIntermediate(token, sjis.EncodeCString(text))
	if !status.OK() {
		o.handles.release(token)

		return nil, fmt.Errorf("%w: failed to submit text: %w", ErrSubmission, status.Err())
	}

	<-s.done

	closeStatus := o.engine.CloseIntermediate(jobID)

	data, err := s.result()
	if err != nil {
		return nil, err
	}

	if !closeStatus.OK() {
		return nil, fmt.Errorf("%w: failed to close intermediate job %d: %w", ErrStream, jobID, closeStatus.Err())
	}

	return append(data, 0), nil
}

func (o *Orchestrator) toWaveform(intermediate []byte) ([]byte, error) {
	s := newSink(o.rawBuf, o.opts.MaxOutputBytes)
	token := o.handles.register(s)

	status := o.engine.SetParameters(o.params.Bytes(), engine.Handlers{Waveform: o.onWaveform})
	if !status.OK() {
		o.handles.release(token)

		return nil, fmt.Errorf("%w: failed to set parameters: %w", ErrSubmission, status.Err())
	}

	jobID, status := o.engine.SubmitIntermediateToWaveform(token, intermediate)
	if !status.OK() {
		o.handles.release(token)

		return nil, fmt.Errorf("%w: failed to submit intermediate: %w", ErrSubmission, status.Err())
	}

	<-s.done

	closeStatus := o.engine.CloseWaveform(jobID)

	data, err := s.result()
	if err != nil {
		return nil, err
	}

	if !closeStatus.OK() {
		return nil, fmt.Errorf("%w: failed to close waveform job %d: %w", ErrStream, jobID, closeStatus.Err())
	}

	return data, nil
}

// onIntermediate runs on the engine's thread.
func (o *Orchestrator) onIntermediate(reason engine.ReasonCode, jobID int32, user uintptr) int32 {
	switch reason {
	case engine.ReasonTextBufFull, engine.ReasonTextBufFlush, engine.ReasonTextBufClose:
	default:
		return 0
	}

	s, ok := o.handles.lookup(user)
	if !ok {
		return 0
	}

	size := len(s.scratch)

	for {
		read, _, status := o.engine.DrainIntermediate(jobID, s.scratch)
		if status == engine.StatusNoMoreData {
			break
		}

		if !status.OK() {
			s.fail(fmt.Errorf("%w: failed to drain intermediate job %d: %w", ErrStream, jobID, status.Err()))

			break
		}

		n := min(int(read), size)
		if !s.write(s.scratch[:n]) || n < size-1 {
			break
		}
	}

	if reason == engine.ReasonTextBufClose {
		o.handles.release(user)
		s.finish()
	}

	return 0
}

// onWaveform runs on the engine's thread.
func (o *Orchestrator) onWaveform(reason engine.ReasonCode, jobID int32, user uintptr) int32 {
	switch reason {
	case engine.ReasonRawBufFull, engine.ReasonRawBufFlush, engine.ReasonRawBufClose:
	default:
		return 0
	}

	s, ok := o.handles.lookup(user)
	if !ok {
		return 0
	}

	size := len(s.scratch)

	for {
		samples, status := o.engine.DrainWaveform(jobID, s.scratch)
		if status == engine.StatusNoMoreData {
			break
		}

		if !status.OK() {
			s.fail(fmt.Errorf("%w: failed to drain waveform job %d: %w", ErrStream, jobID, status.Err()))

			break
		}

		n := min(int(samples)*2, size)
		if !s.write(s.scratch[:n]) || n < size {
			break
		}
	}

	if reason == engine.ReasonRawBufClose {
		o.handles.release(user)
		s.finish()
	}

	return 0
}
