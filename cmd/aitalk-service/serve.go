package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/book-expert/aitalk-service/internal/bus"
	"github.com/book-expert/aitalk-service/internal/catalog"
	"github.com/book-expert/aitalk-service/internal/config"
	"github.com/book-expert/aitalk-service/internal/dispatch"
	"github.com/book-expert/aitalk-service/internal/engine"
	"github.com/book-expert/aitalk-service/internal/engine/aitalked"
	"github.com/book-expert/aitalk-service/internal/engine/sim"
	"github.com/book-expert/aitalk-service/internal/gateway"
	"github.com/book-expert/aitalk-service/internal/history"
	"github.com/book-expert/aitalk-service/internal/language"
	"github.com/book-expert/aitalk-service/internal/natsserver"
	"github.com/book-expert/aitalk-service/internal/objectstore"
	"github.com/book-expert/aitalk-service/internal/orchestrator"
	"github.com/book-expert/aitalk-service/internal/telemetry"
	"github.com/book-expert/aitalk-service/internal/text"
	"github.com/book-expert/aitalk-service/internal/worker"
	"github.com/book-expert/logger"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 15 * time.Second
	busClientName   = "aitalk-service"
)

var errNothingToServe = errors.New("neither http nor nats is enabled")

// service holds everything serve starts, in start order.
type service struct {
	cfg *config.Config
	log *logger.Logger

	telemetryShutdown telemetry.Shutdown
	metrics           http.Handler
	history           *history.Store
	resolver          *language.Resolver
	catalog           *catalog.Catalog
	dispatcher        *dispatch.Dispatcher
	embedded          *natsserver.EmbeddedServer
	bus               *bus.Client
}

func runServe(cmd *cobra.Command, cfgFile string) error {
	cfg, log, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}

	defer func() {
		_ = log.Close()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to start service: %v", err)

		return err
	}

	defer svc.close()

	log.System("aitalk-service %s started with %d pipeline(s) and %d voice(s)",
		version, len(cfg.Pipelines), len(svc.catalog.Voices()))

	return svc.run(ctx)
}

// newService builds and starts every component the configuration enables.
// On failure whatever was started is closed again.
func newService(ctx context.Context, cfg *config.Config, log *logger.Logger) (*service, error) {
	if !cfg.HTTP.Enabled && !cfg.NATS.Enabled {
		return nil, errNothingToServe
	}

	svc := &service{cfg: cfg, log: log, resolver: newResolver(cfg.Dialects)}

	err := svc.start(ctx)
	if err != nil {
		svc.close()

		return nil, err
	}

	return svc, nil
}

func (s *service) start(ctx context.Context) error {
	var err error

	s.telemetryShutdown, s.metrics, err = telemetry.Setup(ctx, s.cfg.Telemetry, s.log)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	s.history, err = history.Open(ctx, history.Options{
		Enabled:       s.cfg.History.Enabled,
		Path:          s.cfg.History.Path,
		RetentionDays: s.cfg.History.RetentionDays,
		MaxRows:       s.cfg.History.MaxRows,
		PruneEvery:    s.cfg.History.PruneEvery,
	}, s.log)
	if err != nil {
		return err
	}

	if !s.history.Enabled() {
		s.log.Info("Request history disabled")
	}

	s.catalog = loadCatalog(s.cfg, s.resolver, s.log)

	routes, err := buildRoutes(s.cfg, s.resolver, s.catalog, s.log)
	if err != nil {
		return err
	}

	s.dispatcher, err = dispatch.New(routes, s.resolver, s.history, s.log)
	if err != nil {
		return err
	}

	err = s.dispatcher.Start(ctx)
	if err != nil {
		s.dispatcher = nil

		return fmt.Errorf("failed to start pipelines: %w", err)
	}

	if s.cfg.NATS.Enabled {
		return s.connectBus()
	}

	return nil
}

func newResolver(cfg config.DialectsConfig) *language.Resolver {
	resolver := language.NewResolver()
	resolver.Marker = cfg.Marker

	if cfg.MarkerDialect != "" {
		resolver.MarkerDialect = cfg.MarkerDialect
	}

	if cfg.Default != "" {
		resolver.Default = cfg.Default
	}

	if len(cfg.Resources) > 0 {
		resolver.Resources = cfg.Resources
	}

	return resolver
}

// loadCatalog lists the voices to serve. Configured voice ids win over the
// installation scan.
func loadCatalog(cfg *config.Config, resolver *language.Resolver, log *logger.Logger) *catalog.Catalog {
	if len(cfg.Engine.Voices) > 0 {
		return catalog.FromIDs(cfg.Engine.Voices, resolver)
	}

	voices, err := catalog.Scan(cfg.Engine.VoicePath(), resolver, log)
	if err != nil {
		log.Warn("Failed to scan voices under %s: %v", cfg.Engine.VoicePath(), err)

		return catalog.New(nil)
	}

	return voices
}

func buildRoutes(
	cfg *config.Config,
	resolver *language.Resolver,
	voices *catalog.Catalog,
	log *logger.Logger,
) ([]dispatch.Route, error) {
	routes := make([]dispatch.Route, 0, len(cfg.Pipelines))

	for _, p := range cfg.Pipelines {
		pipelineVoices := p.Voices
		if len(pipelineVoices) == 0 {
			pipelineVoices = voices.IDs()
		}

		eng, err := openEngine(cfg, p, pipelineVoices)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", p.Name, err)
		}

		o := orchestrator.New(eng, orchestrator.Options{
			Name: p.Name,
			Engine: engine.Config{
				SampleRate:     cfg.Engine.SampleRate,
				VoiceDirectory: cfg.Engine.VoicePath(),
				TimeoutMillis:  cfg.Engine.TimeoutMillis,
				LicensePath:    cfg.Engine.LicensePath(),
				AuthSeed:       cfg.Engine.AuthSeed,
			},
			Voices:           pipelineVoices,
			WordDictionary:   cfg.Engine.WordDictionary,
			PhraseDictionary: cfg.Engine.PhraseDictionary,
			SymbolDictionary: cfg.Engine.SymbolDictionary,
			Resolver:         resolver,
			QueueSize:        cfg.Engine.QueueSize,
			MaxOutputBytes:   cfg.Engine.MaxOutputBytes,
		}, log)

		routes = append(routes, dispatch.Route{Dialects: p.Dialects, Pipeline: o})
	}

	return routes, nil
}

func openEngine(cfg *config.Config, p config.PipelineConfig, voices []string) (engine.Engine, error) {
	switch cfg.Engine.Driver {
	case config.DriverSim:
		return sim.New(sim.Options{Voices: voices}), nil
	default:
		binding, err := aitalked.Open(p.LibraryPath(cfg.Engine.InstallationDir))
		if err != nil {
			return nil, err
		}

		return binding, nil
	}
}

func (s *service) connectBus() error {
	url := s.cfg.NATS.URL

	if s.cfg.NATS.Embedded {
		embedded, err := natsserver.Start(natsserver.Options{
			Port:     s.cfg.NATS.EmbeddedPort,
			StoreDir: s.cfg.NATS.EmbeddedStoreDir,
		}, s.log)
		if err != nil {
			return err
		}

		s.embedded = embedded
		url = embedded.ClientURL()
	}

	client, err := bus.Connect(url, busClientName, s.log)
	if err != nil {
		return err
	}

	s.bus = client

	return nil
}

func (s *service) newWorker(ctx context.Context) (*worker.NatsWorker, error) {
	var preprocessor *text.Preprocessor
	if s.cfg.NATS.PreprocessText {
		preprocessor = text.NewPreprocessor()
	}

	texts, err := objectstore.New(ctx, s.bus.JetStream(), s.cfg.NATS.TextObjectStoreBucket)
	if err != nil {
		return nil, err
	}

	audio, err := objectstore.New(ctx, s.bus.JetStream(), s.cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return nil, err
	}

	return worker.NewNatsWorker(s.bus.Conn(), worker.Options{
		Subject:        s.cfg.NATS.TextProcessedSubject,
		PublishSubject: s.cfg.NATS.AudioChunkCreatedSubject,
		DefaultVoice:   s.cfg.NATS.DefaultVoice,
		Timeout:        time.Duration(s.cfg.NATS.TimeoutSeconds) * time.Second,
		Preprocessor:   preprocessor,
	}, texts, audio, s.dispatcher, s.log)
}

func (s *service) newGateway() *gateway.Server {
	return gateway.New(gateway.Options{
		Listen:       s.cfg.HTTP.Listen,
		ReadTimeout:  time.Duration(s.cfg.HTTP.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(s.cfg.HTTP.WriteTimeoutSeconds) * time.Second,
		Synthesizer:  s.dispatcher,
		Voices:       s.catalog,
		History:      s.history,
		Status:       s.dispatcher,
		Metrics:      s.metrics,
	}, s.log)
}

// run serves until ctx is done or a front end fails; either stops the rest.
func (s *service) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var runners []func(context.Context) error

	if s.cfg.HTTP.Enabled {
		runners = append(runners, s.newGateway().Run)
	}

	if s.cfg.NATS.Enabled {
		w, err := s.newWorker(ctx)
		if err != nil {
			return err
		}

		runners = append(runners, w.Run)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, runner := range runners {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := runner(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}

			cancel()
		}()
	}

	wg.Wait()
	s.log.System("aitalk-service stopping")

	return errors.Join(errs...)
}

// close stops components in reverse start order.
func (s *service) close() {
	if s.bus != nil {
		s.bus.Close()
	}

	s.embedded.Shutdown()

	if s.dispatcher != nil {
		err := s.dispatcher.Close()
		if err != nil {
			s.log.Warn("Pipelines closed with errors: %v", err)
		}
	}

	if s.history != nil {
		err := s.history.Close()
		if err != nil {
			s.log.Warn("Failed to close history: %v", err)
		}
	}

	if s.telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := s.telemetryShutdown(ctx)
		if err != nil {
			s.log.Warn("Telemetry shutdown failed: %v", err)
		}
	}
}
