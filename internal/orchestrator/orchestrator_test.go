package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/aitalk-service/internal/core"
	"github.com/book-expert/aitalk-service/internal/engine"
	"github.com/book-expert/aitalk-service/internal/engine/sim"
	"github.com/book-expert/aitalk-service/internal/language"
	"github.com/book-expert/aitalk-service/internal/orchestrator"
	"github.com/book-expert/aitalk-service/internal/params"
	"github.com/book-expert/aitalk-service/internal/wav"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVoices = []string{"f1", "m1", "akane_west"}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "orchestrator-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = log.Close()
	})

	return log
}

func newSimEngine(opts sim.Options) *sim.Engine {
	if opts.Voices == nil {
		opts.Voices = testVoices
	}

	return sim.New(opts)
}

func startOrchestrator(t *testing.T, eng *sim.Engine, opts orchestrator.Options) *orchestrator.Orchestrator {
	t.Helper()

	if opts.Voices == nil {
		opts.Voices = testVoices
	}

	if opts.Engine.SampleRate == 0 {
		opts.Engine = engine.Config{SampleRate: 44100, VoiceDirectory: "Voice", TimeoutMillis: 1000}
	}

	orch := orchestrator.New(eng, opts, newTestLogger(t))
	require.NoError(t, orch.Start(context.Background()))

	t.Cleanup(func() {
		assert.NoError(t, orch.Close())
	})

	return orch
}

func TestSubmit_ProducesWave(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{})

	result, err := orch.Submit(context.Background(), core.NewSynthesisRequest("f1", "hello"))
	require.NoError(t, err)

	header, pcm, err := wav.Parse(result.Audio)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(result.Audio[:4]))
	assert.Equal(t, uint32(44100), header.SampleRate)
	assert.Equal(t, uint32(len(pcm)), header.DataSize)
	assert.NotEmpty(t, pcm)
	assert.Equal(t, language.Standard, result.Dialect)
	assert.Equal(t, uint32(44100), eng.Config().SampleRate)
}

func TestSubmit_JapaneseText(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{})

	result, err := orch.Submit(context.Background(), core.NewSynthesisRequest("m1", "こんにちは、今日は良い天気ですね。"))
	require.NoError(t, err)

	_, pcm, err := wav.Parse(result.Audio)
	require.NoError(t, err)
	assert.NotEmpty(t, pcm)
}

func TestLanguage_SwitchOnlyWhenDialectChanges(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{})
	ctx := context.Background()

	_, err := orch.Submit(ctx, core.NewSynthesisRequest("f1", "one"))
	require.NoError(t, err)

	_, err = orch.Submit(ctx, core.NewSynthesisRequest("m1", "two"))
	require.NoError(t, err)

	assert.Equal(t, 1, eng.Count("UnloadLanguage"))
	assert.Equal(t, 1, eng.Count("LoadLanguage"))
	assert.Equal(t, `Lang\standard`, eng.Language())

	result, err := orch.Submit(ctx, core.NewSynthesisRequest("akane_west", "three"))
	require.NoError(t, err)

	assert.Equal(t, language.Kansai, result.Dialect)
	assert.Equal(t, 2, eng.Count("UnloadLanguage"))
	assert.Equal(t, 2, eng.Count("LoadLanguage"))
	assert.Equal(t, `Lang\standard_kansai`, eng.Language())
}

func TestLanguage_OverrideWins(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{})

	req := core.NewSynthesisRequest("f1", "hello")
	req.Dialect = language.Kansai

	result, err := orch.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, language.Kansai, result.Dialect)
	assert.Equal(t, `Lang\standard_kansai`, eng.Language())
}

func TestLanguage_UnknownDialect(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{})

	req := core.NewSynthesisRequest("f1", "hello")
	req.Dialect = "tohoku"

	_, err := orch.Submit(context.Background(), req)
	require.ErrorIs(t, err, orchestrator.ErrLanguageSwitch)
	require.ErrorIs(t, err, language.ErrUnknownDialect)
	assert.True(t, orchestrator.IsRequestError(err))
	assert.Equal(t, 0, eng.Count("LoadLanguage"))
}

func TestLanguage_FailedLoadForcesReload(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{})
	ctx := context.Background()

	eng.SetFaults(sim.Faults{LoadLanguage: engine.StatusFileNotFound})

	_, err := orch.Submit(ctx, core.NewSynthesisRequest("f1", "hello"))
	require.ErrorIs(t, err, orchestrator.ErrLanguageSwitch)

	status, ok := engine.StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, engine.StatusFileNotFound, status)

	eng.SetFaults(sim.Faults{})

	_, err = orch.Submit(ctx, core.NewSynthesisRequest("f1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, 2, eng.Count("LoadLanguage"))
}

func TestSubmit_UnknownVoice(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{})

	_, err := orch.Submit(context.Background(), core.NewSynthesisRequest("nonexistent", "hello"))
	require.ErrorIs(t, err, orchestrator.ErrVoiceNotFound)
	assert.Contains(t, err.Error(), "nonexistent")
	assert.True(t, orchestrator.IsRequestError(err))

	assert.Equal(t, 0, eng.Count("LoadLanguage"), "language state untouched")
	assert.Equal(t, 0, eng.Count("SubmitTextToIntermediate"))
}

func TestSubmit_EmptyText(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{})

	_, err := orch.Submit(context.Background(), core.NewSynthesisRequest("f1", ""))
	require.ErrorIs(t, err, orchestrator.ErrEmptyText)
	assert.Equal(t, 0, eng.Count("SubmitTextToIntermediate"))
}

func TestSubmit_TextWithNULRejected(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{})

	for _, text := range []string{"\x00hello", "hel\x00lo", "hello\x00"} {
		_, err := orch.Submit(context.Background(), core.NewSynthesisRequest("f1", text))
		require.ErrorIs(t, err, orchestrator.ErrNULInText, "%q", text)
		assert.True(t, orchestrator.IsRequestError(err))
	}

	assert.Equal(t, 0, eng.Count("SubmitTextToIntermediate"))
}

func TestSubmit_SubmissionFailureSkipsWaveform(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{})
	ctx := context.Background()

	eng.SetFaults(sim.Faults{SubmitText: engine.StatusTooManyJobs})

	_, err := orch.Submit(ctx, core.NewSynthesisRequest("f1", "hello"))
	require.ErrorIs(t, err, orchestrator.ErrSubmission)
	assert.Equal(t, 0, eng.Count("SubmitIntermediateToWaveform"))

	eng.SetFaults(sim.Faults{})

	_, err = orch.Submit(ctx, core.NewSynthesisRequest("f1", "hello"))
	require.NoError(t, err, "loop returns to idle after a failure")
}

func TestSubmit_SetParametersFailure(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{})

	eng.SetFaults(sim.Faults{SetParameters: engine.StatusInvalidArgument})

	_, err := orch.Submit(context.Background(), core.NewSynthesisRequest("f1", "hello"))
	require.ErrorIs(t, err, orchestrator.ErrSubmission)
	assert.Equal(t, 0, eng.Count("SubmitTextToIntermediate"))
}

func TestSubmit_StreamFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		faults sim.Faults
		status engine.Status
	}{
		{name: "intermediate drain", faults: sim.Faults{DrainText: engine.StatusReadFault}, status: engine.StatusReadFault},
		{name: "waveform drain", faults: sim.Faults{DrainWave: engine.StatusOutOfMemory}, status: engine.StatusOutOfMemory},
		{name: "intermediate close", faults: sim.Faults{CloseText: engine.StatusJobBusy}, status: engine.StatusJobBusy},
		{name: "waveform close", faults: sim.Faults{CloseWave: engine.StatusInternalError}, status: engine.StatusInternalError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			eng := newSimEngine(sim.Options{})
			orch := startOrchestrator(t, eng, orchestrator.Options{})
			eng.SetFaults(tc.faults)

			result, err := orch.Submit(context.Background(), core.NewSynthesisRequest("f1", "hello"))
			require.ErrorIs(t, err, orchestrator.ErrStream)
			assert.Nil(t, result.Audio, "no partial audio")

			status, ok := engine.StatusOf(err)
			require.True(t, ok)
			assert.Equal(t, tc.status, status)
		})
	}
}

func TestSubmit_OutputLimit(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{MaxOutputBytes: 128})

	_, err := orch.Submit(context.Background(), core.NewSynthesisRequest("f1", "a sentence long enough to exceed the limit"))
	require.ErrorIs(t, err, orchestrator.ErrStream)
	assert.Contains(t, err.Error(), "exceeds 128 bytes")
}

func TestSubmit_StrayCallbacksIgnored(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{})
	eng.SetFaults(sim.Faults{StrayCallbacks: true})

	ctx := context.Background()

	first, err := orch.Submit(ctx, core.NewSynthesisRequest("f1", "hello"))
	require.NoError(t, err)

	second, err := orch.Submit(ctx, core.NewSynthesisRequest("f1", "hello"))
	require.NoError(t, err)

	assert.Equal(t, first.Audio, second.Audio)
}

func TestSubmit_PatchesSpeakerParameters(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{})
	ctx := context.Background()

	normal, err := orch.Submit(ctx, core.NewSynthesisRequest("m1", "hello world"))
	require.NoError(t, err)

	req := core.NewSynthesisRequest("m1", "hello world")
	req.Speed = 2
	req.Volume = 0.5
	req.PauseSentence = 400

	fast, err := orch.Submit(ctx, req)
	require.NoError(t, err)
	assert.Less(t, len(fast.Audio), len(normal.Audio))

	block := eng.LastParameters()

	active, err := params.ActiveVoice(block)
	require.NoError(t, err)
	assert.Equal(t, "m1", active)

	idx := params.SpeakerIndex(block, "m1")
	require.GreaterOrEqual(t, idx, 0)

	settings := params.ReadSettings(block, idx)
	assert.InDelta(t, 2.0, settings.Speed, 1e-6)
	assert.InDelta(t, 0.5, settings.Volume, 1e-6)
	assert.Equal(t, int32(400), settings.PauseSentence)
	assert.Equal(t, core.DefaultPauseMiddle, settings.PauseMiddle)
}

func TestSubmit_ConcurrentCallersAreSerialised(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{QueueSize: 2})

	voices := []string{"f1", "m1", "akane_west", "f1", "m1", "akane_west", "f1", "m1"}
	errs := make([]error, len(voices))

	var wg sync.WaitGroup

	for i, voice := range voices {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, errs[i] = orch.Submit(context.Background(), core.NewSynthesisRequest(voice, "concurrent"))
		}()
	}

	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, len(voices), eng.Count("CloseWaveform"))
}

func TestSubmit_AbandonedRequestIsSkipped(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	eng := newSimEngine(sim.Options{Hold: hold})
	orch := startOrchestrator(t, eng, orchestrator.Options{})

	firstDone := make(chan error, 1)

	go func() {
		_, err := orch.Submit(context.Background(), core.NewSynthesisRequest("f1", "first"))
		firstDone <- err
	}()

	require.Eventually(t, func() bool {
		return eng.Count("SubmitTextToIntermediate") == 1
	}, 5*time.Second, 5*time.Millisecond)

	abandonCtx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)

	go func() {
		_, err := orch.Submit(abandonCtx, core.NewSynthesisRequest("f1", "abandoned"))
		abandoned <- err
	}()

	require.Eventually(t, func() bool {
		return orch.QueueDepth() == 1
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-abandoned, context.Canceled)

	close(hold)
	require.NoError(t, <-firstDone)

	_, err := orch.Submit(context.Background(), core.NewSynthesisRequest("f1", "third"))
	require.NoError(t, err)

	assert.Equal(t, 2, eng.Count("SubmitTextToIntermediate"), "abandoned request never reached the engine")
}

func TestSubmit_CallerLeavesWhileEngineRuns(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	eng := newSimEngine(sim.Options{Hold: hold})
	orch := startOrchestrator(t, eng, orchestrator.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	left := make(chan error, 1)

	go func() {
		_, err := orch.Submit(ctx, core.NewSynthesisRequest("f1", "left behind"))
		left <- err
	}()

	require.Eventually(t, func() bool {
		return eng.Count("SubmitTextToIntermediate") == 1
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-left, context.Canceled)

	close(hold)

	require.Eventually(t, func() bool {
		return eng.Count("CloseWaveform") == 1
	}, 5*time.Second, 5*time.Millisecond, "job in the engine still runs to completion")

	result, err := orch.Submit(context.Background(), core.NewSynthesisRequest("f1", "next"))
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(result.Audio[:4]))
	assert.Equal(t, 2, eng.Count("CloseWaveform"))
	assert.True(t, orch.Ready())
}

func TestStart_SetupFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		voices []string
		faults sim.Faults
	}{
		{name: "unknown voice", voices: []string{"f1", "zz"}},
		{name: "init failure", voices: []string{"f1"}, faults: sim.Faults{Init: engine.StatusLicenseAbsent}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			eng := newSimEngine(sim.Options{})
			eng.SetFaults(tc.faults)

			orch := orchestrator.New(eng, orchestrator.Options{
				Voices: tc.voices,
				Engine: engine.Config{SampleRate: 44100},
			}, newTestLogger(t))

			err := orch.Start(context.Background())
			require.ErrorIs(t, err, orchestrator.ErrSetup)
			assert.False(t, orch.Ready())

			_, err = orch.Submit(context.Background(), core.NewSynthesisRequest("f1", "hello"))
			require.ErrorIs(t, err, orchestrator.ErrQueueClosed)

			require.NoError(t, orch.Close())
		})
	}
}

func TestStart_NoVoices(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := orchestrator.New(eng, orchestrator.Options{Voices: []string{}, Engine: engine.Config{SampleRate: 44100}}, newTestLogger(t))

	require.ErrorIs(t, orch.Start(context.Background()), orchestrator.ErrSetup)
	assert.Equal(t, 0, eng.Count("Init"))
}

func TestStart_LoadsDictionaries(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	startOrchestrator(t, eng, orchestrator.Options{
		WordDictionary:   "user.wdic",
		SymbolDictionary: "user.sdic",
	})

	assert.Equal(t, 1, eng.Count("ReloadWordDictionary"))
	assert.Equal(t, 0, eng.Count("ReloadPhraseDictionary"))
	assert.Equal(t, 1, eng.Count("ReloadSymbolDictionary"))
}

func TestClose_StopsLoopAndEndsEngine(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := orchestrator.New(eng, orchestrator.Options{
		Voices: testVoices,
		Engine: engine.Config{SampleRate: 44100},
	}, newTestLogger(t))
	require.NoError(t, orch.Start(context.Background()))
	assert.True(t, orch.Ready())

	require.NoError(t, orch.Close())
	require.NoError(t, orch.Close())

	assert.False(t, orch.Ready())
	assert.Equal(t, 1, eng.Count("End"))

	_, err := orch.Submit(context.Background(), core.NewSynthesisRequest("f1", "hello"))
	require.ErrorIs(t, err, orchestrator.ErrQueueClosed)
}

func TestStart_ContextCancelStopsLoop(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := orchestrator.New(eng, orchestrator.Options{
		Voices: testVoices,
		Engine: engine.Config{SampleRate: 44100},
	}, newTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, orch.Start(ctx))

	cancel()

	require.Eventually(t, func() bool {
		return eng.Count("End") == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, orch.Close())
}

func TestSynthesize_FillsResult(t *testing.T) {
	t.Parallel()

	eng := newSimEngine(sim.Options{})
	orch := startOrchestrator(t, eng, orchestrator.Options{Name: "standard"})

	result, err := orch.Synthesize(context.Background(), core.NewSynthesisRequest("f1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "standard", result.Pipeline)
	assert.NotEmpty(t, result.Audio)
	assert.GreaterOrEqual(t, result.Timings.Total(), result.Timings.Waveform)
}
