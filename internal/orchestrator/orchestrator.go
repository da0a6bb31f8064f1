// Package orchestrator runs one synthesis engine instance on a dedicated
// OS thread and serialises requests through it. Each request patches the
// speaker parameters, swaps the language resource when the dialect changes,
// runs the text-to-intermediate and intermediate-to-waveform jobs and wraps
// the PCM in a WAVE container.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/aitalk-service/internal/core"
	"github.com/book-expert/aitalk-service/internal/engine"
	"github.com/book-expert/aitalk-service/internal/language"
	"github.com/book-expert/aitalk-service/internal/params"
	"github.com/book-expert/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/book-expert/aitalk-service/orchestrator"

	defaultQueueSize      = 16
	defaultMaxOutputBytes = 256 << 20
	defaultPipelineName   = "default"
)

// Options configures one orchestrator.
type Options struct {
	// Name labels logs and metrics for this engine instance.
	Name   string
	Engine engine.Config
	// Voices are loaded into the engine during setup. Each must end up with
	// exactly one speaker record.
	Voices []string

	WordDictionary   string
	PhraseDictionary string
	SymbolDictionary string

	Resolver *language.Resolver

	QueueSize      int
	MaxOutputBytes int
}

// Result is the successful outcome of one request.
type Result struct {
	Audio   []byte
	Dialect string
	Timings core.PhaseTimings
}

type outcome struct {
	result Result
	err    error
}

type request struct {
	ctx   context.Context
	req   core.SynthesisRequest
	reply chan outcome
}

// Orchestrator owns one engine instance. All engine, parameter and language
// state is touched only by the loop goroutine.
type Orchestrator struct {
	opts    Options
	engine  engine.Engine
	log     *logger.Logger
	handles *handleTable
	queue   chan *request

	// loop goroutine state
	params   *params.Cache
	language language.State
	textBuf  int
	rawBuf   int

	running   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	quit      chan struct{}
	stopped   chan struct{}

	tracer        trace.Tracer
	requests      metric.Int64Counter
	phaseDuration metric.Float64Histogram
	registration  metric.Registration
}

// New creates an orchestrator for eng. Nothing touches the engine until Start.
func New(eng engine.Engine, opts Options, log *logger.Logger) *Orchestrator {
	if opts.Name == "" {
		opts.Name = defaultPipelineName
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = defaultMaxOutputBytes
	}

	if opts.Resolver == nil {
		opts.Resolver = language.NewResolver()
	}

	o := &Orchestrator{
		opts:    opts,
		engine:  eng,
		log:     log,
		handles: newHandleTable(),
		queue:   make(chan *request, opts.QueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		tracer:  otel.Tracer(instrumentationName),
	}

	err := o.initMetrics()
	if err != nil {
		log.Warn("Pipeline %s: metrics disabled: %v", opts.Name, err)
	}

	return o
}

func (o *Orchestrator) initMetrics() error {
	meter := otel.Meter(instrumentationName)

	requests, err := meter.Int64Counter("aitalk.requests",
		metric.WithDescription("Synthesis requests by outcome"))
	if err != nil {
		return fmt.Errorf("failed to create request counter: %w", err)
	}

	phaseDuration, err := meter.Float64Histogram("aitalk.phase.duration",
		metric.WithDescription("Engine phase duration"), metric.WithUnit("s"))
	if err != nil {
		return fmt.Errorf("failed to create phase histogram: %w", err)
	}

	depth, err := meter.Int64ObservableGauge("aitalk.queue.depth",
		metric.WithDescription("Requests waiting for the engine"))
	if err != nil {
		return fmt.Errorf("failed to create queue gauge: %w", err)
	}

	pipeline := metric.WithAttributes(attribute.String("pipeline", o.opts.Name))

	registration, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depth, int64(o.QueueDepth()), pipeline)

		return nil
	}, depth)
	if err != nil {
		return fmt.Errorf("failed to register queue gauge: %w", err)
	}

	o.requests = requests
	o.phaseDuration = phaseDuration
	o.registration = registration

	return nil
}

// Name returns the pipeline name.
func (o *Orchestrator) Name() string {
	return o.opts.Name
}

// Voices returns the voices this orchestrator serves.
func (o *Orchestrator) Voices() []string {
	return append([]string(nil), o.opts.Voices...)
}

// Ready reports whether the loop is accepting requests.
func (o *Orchestrator) Ready() bool {
	return o.running.Load()
}

// QueueDepth returns the number of requests waiting for the engine.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// Start brings the engine up on a dedicated, locked OS thread and starts
// the request loop. It returns once setup has finished; a setup failure is
// returned wrapped in ErrSetup and the loop does not start. The loop runs
// until ctx is done or Close is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	err := fmt.Errorf("%w: already started", ErrSetup)

	o.startOnce.Do(func() {
		setupResult := make(chan error, 1)

		go o.run(ctx, setupResult)

		err = <-setupResult
	})

	return err
}

func (o *Orchestrator) run(ctx context.Context, setupResult chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(o.stopped)

	initialized, err := o.setup()
	if err != nil {
		if initialized {
			o.shutdownEngine()
		}

		setupResult <- err

		return
	}

	o.running.Store(true)
	setupResult <- nil

	o.log.System("Pipeline %s: ready with %d voices, queue size %d", o.opts.Name, len(o.opts.Voices), o.opts.QueueSize)

	o.loop(ctx)

	o.running.Store(false)
	o.shutdownEngine()
}

func (o *Orchestrator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.log.Info("Pipeline %s: context done, stopping loop", o.opts.Name)

			return
		case <-o.quit:
			o.log.Info("Pipeline %s: closed, stopping loop", o.opts.Name)

			return
		case r := <-o.queue:
			o.serve(r)
		}
	}
}

func (o *Orchestrator) shutdownEngine() {
	status := o.engine.End()
	if !status.OK() {
		o.log.Warn("Pipeline %s: engine end returned %s", o.opts.Name, status)
	}
}

// Close stops the loop and releases the engine. Requests still queued fail
// with ErrQueueClosed.
func (o *Orchestrator) Close() error {
	var err error

	o.closeOnce.Do(func() {
		close(o.quit)

		o.startOnce.Do(func() {
			// Never started: nothing to wait for.
			close(o.stopped)
		})

		<-o.stopped

		if o.registration != nil {
			unregisterErr := o.registration.Unregister()
			if unregisterErr != nil {
				err = fmt.Errorf("failed to unregister metrics callback: %w", unregisterErr)
			}
		}
	})

	<-o.stopped

	return err
}

// Submit queues req and waits for its result. It blocks while the queue is
// full. If ctx ends first the request is abandoned; the loop skips it or
// discards its result.
func (o *Orchestrator) Submit(ctx context.Context, req core.SynthesisRequest) (Result, error) {
	if req.Text == "" {
		return Result{}, ErrEmptyText
	}

	if i := strings.IndexByte(req.Text, 0); i >= 0 {
		return Result{}, fmt.Errorf("%w at offset %d", ErrNULInText, i)
	}

	if !o.running.Load() {
		return Result{}, ErrQueueClosed
	}

	r := &request{ctx: ctx, req: req, reply: make(chan outcome, 1)}

	select {
	case o.queue <- r:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("request not queued: %w", ctx.Err())
	case <-o.stopped:
		return Result{}, ErrQueueClosed
	}

	select {
	case out := <-r.reply:
		return out.result, out.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("request abandoned: %w", ctx.Err())
	case <-o.stopped:
		select {
		case out := <-r.reply:
			return out.result, out.err
		default:
			return Result{}, ErrQueueClosed
		}
	}
}

func (o *Orchestrator) serve(r *request) {
	if r.ctx.Err() != nil {
		o.log.Warn("Pipeline %s: %v", o.opts.Name,
			fmt.Errorf("%w: request for voice %q abandoned while queued", ErrDelivery, r.req.VoiceID))
		o.countRequest(r.ctx, "abandoned")

		return
	}

	result, err := o.process(r.ctx, r.req)
	if err != nil {
		o.log.Error("Pipeline %s: request for voice %q failed: %v", o.opts.Name, r.req.VoiceID, err)
		o.countRequest(r.ctx, "error")
	} else {
		o.countRequest(r.ctx, "ok")
	}

	r.reply <- outcome{result: result, err: err}

	if r.ctx.Err() != nil {
		o.log.Warn("Pipeline %s: %v", o.opts.Name,
			fmt.Errorf("%w: caller for voice %q left before the result was ready", ErrDelivery, r.req.VoiceID))
	}
}

func (o *Orchestrator) countRequest(ctx context.Context, result string) {
	if o.requests == nil {
		return
	}

	o.requests.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("pipeline", o.opts.Name),
		attribute.String("outcome", result),
	))
}

func (o *Orchestrator) observePhase(ctx context.Context, phase string, d time.Duration) {
	if o.phaseDuration == nil {
		return
	}

	o.phaseDuration.Record(context.WithoutCancel(ctx), d.Seconds(), metric.WithAttributes(
		attribute.String("pipeline", o.opts.Name),
		attribute.String("phase", phase),
	))
}

// Synthesize implements core.Synthesizer for a single pipeline.
func (o *Orchestrator) Synthesize(ctx context.Context, req core.SynthesisRequest) (*core.SynthesisResult, error) {
	result, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	return &core.SynthesisResult{
		Pipeline: o.opts.Name,
		Dialect:  result.Dialect,
		Audio:    result.Audio,
		Timings:  result.Timings,
	}, nil
}

// IsRequestError reports whether err was caused by the request itself rather
// than by the engine.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrVoiceNotFound) || errors.Is(err, ErrAmbiguousVoice) ||
		errors.Is(err, ErrEmptyText) || errors.Is(err, ErrNULInText) ||
		errors.Is(err, language.ErrUnknownDialect)
}
