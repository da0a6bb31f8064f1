// Package dispatch routes synthesis requests to the pipeline serving their
// dialect and journals every outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/book-expert/aitalk-service/internal/core"
	"github.com/book-expert/aitalk-service/internal/history"
	"github.com/book-expert/aitalk-service/internal/language"
	"github.com/book-expert/aitalk-service/internal/orchestrator"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/book-expert/aitalk-service/dispatch"

var (
	// ErrNoPipelines indicates a dispatcher built without routes.
	ErrNoPipelines = errors.New("no pipelines configured")
	// ErrNoPipeline indicates that no pipeline serves the resolved dialect.
	ErrNoPipeline = errors.New("no pipeline serves dialect")
)

// Pipeline is one engine instance behind a request queue.
type Pipeline interface {
	Name() string
	Start(ctx context.Context) error
	Close() error
	Submit(ctx context.Context, req core.SynthesisRequest) (orchestrator.Result, error)
	Ready() bool
	QueueDepth() int
	Voices() []string
}

// Route binds a pipeline to the dialects it serves. No dialects means all.
type Route struct {
	Dialects []string
	Pipeline Pipeline
}

func (r Route) serves(dialect string) bool {
	return len(r.Dialects) == 0 || slices.Contains(r.Dialects, dialect)
}

// PipelineStatus is a point-in-time view of one pipeline.
type PipelineStatus struct {
	Name       string   `json:"name"`
	Dialects   []string `json:"dialects,omitempty"`
	Voices     []string `json:"voices"`
	Ready      bool     `json:"ready"`
	QueueDepth int      `json:"queue_depth"`
}

// Recorder journals finished requests.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// Dispatcher implements core.Synthesizer over a set of pipelines.
type Dispatcher struct {
	routes   []Route
	resolver *language.Resolver
	recorder Recorder
	log      *logger.Logger
	latency  metric.Float64Histogram
}

var _ core.Synthesizer = (*Dispatcher)(nil)

// New creates a dispatcher. Routes are matched in order. recorder may be nil.
func New(routes []Route, resolver *language.Resolver, recorder Recorder, log *logger.Logger) (*Dispatcher, error) {
	if len(routes) == 0 {
		return nil, ErrNoPipelines
	}

	if resolver == nil {
		resolver = language.NewResolver()
	}

	d := &Dispatcher{
		routes:   routes,
		resolver: resolver,
		recorder: recorder,
		log:      log,
	}

	latency, err := otel.Meter(instrumentationName).Float64Histogram("aitalk.request.duration",
		metric.WithDescription("End to end synthesis latency including queueing"), metric.WithUnit("s"))
	if err != nil {
		log.Warn("Dispatcher: latency metric disabled: %v", err)
	} else {
		d.latency = latency
	}

	return d, nil
}

// Start starts every pipeline. If one fails the ones already started are
// closed again.
func (d *Dispatcher) Start(ctx context.Context) error {
	for i, route := range d.routes {
		err := route.Pipeline.Start(ctx)
		if err != nil {
			for _, started := range d.routes[:i] {
				closeErr := started.Pipeline.Close()
				if closeErr != nil {
					d.log.Warn("Dispatcher: failed to close pipeline %s: %v", started.Pipeline.Name(), closeErr)
				}
			}

			return fmt.Errorf("failed to start pipeline %s: %w", route.Pipeline.Name(), err)
		}
	}

	return nil
}

// Close closes every pipeline.
func (d *Dispatcher) Close() error {
	var errs []error

	for _, route := range d.routes {
		err := route.Pipeline.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("pipeline %s: %w", route.Pipeline.Name(), err))
		}
	}

	return errors.Join(errs...)
}

// Route returns the pipeline serving dialect.
func (d *Dispatcher) Route(dialect string) (Pipeline, error) {
	for _, route := range d.routes {
		if route.serves(dialect) {
			return route.Pipeline, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrNoPipeline, dialect)
}

// Ready reports whether every pipeline accepts requests.
func (d *Dispatcher) Ready() bool {
	for _, route := range d.routes {
		if !route.Pipeline.Ready() {
			return false
		}
	}

	return true
}

// Status returns the state of every pipeline in route order.
func (d *Dispatcher) Status() []PipelineStatus {
	statuses := make([]PipelineStatus, 0, len(d.routes))

	for _, route := range d.routes {
		statuses = append(statuses, PipelineStatus{
			Name:       route.Pipeline.Name(),
			Dialects:   route.Dialects,
			Voices:     route.Pipeline.Voices(),
			Ready:      route.Pipeline.Ready(),
			QueueDepth: route.Pipeline.QueueDepth(),
		})
	}

	return statuses
}

// Synthesize resolves the dialect, submits req to its pipeline and records
// the outcome.
func (d *Dispatcher) Synthesize(ctx context.Context, req core.SynthesisRequest) (*core.SynthesisResult, error) {
	started := time.Now()
	requestID := uuid.NewString()
	dialect := d.resolver.Dialect(req.VoiceID, req.Dialect)

	entry := history.Entry{
		RequestID:  requestID,
		Voice:      req.VoiceID,
		Dialect:    dialect,
		TextLength: len(req.Text),
		CreatedAt:  started,
	}

	pipeline, err := d.Route(dialect)
	if err != nil {
		d.finish(ctx, entry, started, err)

		return nil, err
	}

	entry.Pipeline = pipeline.Name()

	result, err := pipeline.Submit(ctx, req)
	if err != nil {
		d.finish(ctx, entry, started, err)

		return nil, err
	}

	entry.Dialect = result.Dialect
	entry.AudioBytes = len(result.Audio)
	entry.LanguageMillis = result.Timings.Language.Milliseconds()
	entry.IntermediateMillis = result.Timings.Intermediate.Milliseconds()
	entry.WaveformMillis = result.Timings.Waveform.Milliseconds()
	d.finish(ctx, entry, started, nil)

	return &core.SynthesisResult{
		RequestID: requestID,
		Pipeline:  pipeline.Name(),
		Dialect:   result.Dialect,
		Audio:     result.Audio,
		Timings:   result.Timings,
	}, nil
}

func (d *Dispatcher) finish(ctx context.Context, entry history.Entry, started time.Time, err error) {
	ctx = context.WithoutCancel(ctx)

	entry.Outcome = history.OutcomeOK
	if err != nil {
		entry.Outcome = history.OutcomeError
		entry.Error = err.Error()
	}

	if d.latency != nil {
		d.latency.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
			attribute.String("pipeline", entry.Pipeline),
			attribute.String("outcome", entry.Outcome),
		))
	}

	if d.recorder == nil {
		return
	}

	recordErr := d.recorder.Record(ctx, entry)
	if recordErr != nil {
		d.log.Warn("Dispatcher: failed to record request %s: %v", entry.RequestID, recordErr)
	}
}

// IsRequestError reports whether err was caused by the request itself.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrNoPipeline) || orchestrator.IsRequestError(err)
}
