// Package worker provides a NATS worker that turns processed text into
// speech.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/aitalk-service/internal/core"
	"github.com/book-expert/aitalk-service/internal/text"
	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const defaultHandleTimeout = 5 * time.Minute

var (
	// ErrVoiceEmpty indicates an event without a voice and no default voice.
	ErrVoiceEmpty = errors.New("voice cannot be empty")
	// ErrTextEmpty indicates the downloaded text is blank.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrSubjectEmpty indicates a worker without a subject.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
)

// Options configures a NatsWorker.
type Options struct {
	// Subject carries events.TextProcessedEvent messages.
	Subject string
	// PublishSubject, when set, also receives every AudioChunkCreatedEvent.
	PublishSubject string
	DefaultVoice   string
	Timeout        time.Duration
	// Preprocessor, when set, cleans downloaded text before synthesis.
	Preprocessor *text.Preprocessor
}

// NatsWorker listens for processed text on a NATS subject and synthesizes it.
type NatsWorker struct {
	natsConnection *nats.Conn
	opts           Options
	texts          core.ObjectStore
	audio          core.ObjectStore
	synthesizer    core.Synthesizer
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	opts Options,
	texts core.ObjectStore,
	audio core.ObjectStore,
	synthesizer core.Synthesizer,
	log *logger.Logger,
) (*NatsWorker, error) {
	if opts.Subject == "" {
		return nil, ErrSubjectEmpty
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultHandleTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		opts:           opts,
		texts:          texts,
		audio:          audio,
		synthesizer:    synthesizer,
		log:            log,
	}, nil
}

// Run starts the worker and blocks until ctx is done.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.opts.Subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.opts.Subject, err)
	}

	w.log.Info("Listening for jobs on subject: %s", w.opts.Subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.Timeout)
	defer cancel()

	event, err := w.parseEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse event: %v", err)

		return
	}

	audioKey, err := w.processJob(ctx, event)
	if err != nil {
		w.log.Error("Failed to process TTS job for workflow %s: %v", event.Header.WorkflowID, err)

		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// processJob downloads the text, synthesizes it and uploads the audio.
func (w *NatsWorker) processJob(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	voice := event.Voice
	if voice == "" {
		voice = w.opts.DefaultVoice
	}

	if voice == "" {
		return "", ErrVoiceEmpty
	}

	textData, err := w.texts.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	content := string(textData)
	if w.opts.Preprocessor != nil {
		content = w.opts.Preprocessor.PreprocessText(content)
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: key '%s'", ErrTextEmpty, event.TextKey)
	}

	result, err := w.synthesizer.Synthesize(ctx, core.NewSynthesisRequest(voice, content))
	if err != nil {
		return "", fmt.Errorf("failed to synthesize speech: %w", err)
	}

	audioKey := uuid.NewString() + ".wav"

	err = w.audio.Upload(ctx, audioKey, result.Audio)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	w.log.Info("Workflow %s page %d: %d bytes of audio stored as %s (pipeline %s)",
		event.Header.WorkflowID, event.PageNumber, len(result.Audio), audioKey, result.Pipeline)

	return audioKey, nil
}

// publishReplyEvent answers the request and, when configured, announces the
// chunk on the publish subject.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	if msg.Reply != "" {
		err = msg.Respond(replyData)
		if err != nil {
			return fmt.Errorf("failed to respond with reply event: %w", err)
		}
	}

	if w.opts.PublishSubject != "" {
		err = w.natsConnection.Publish(w.opts.PublishSubject, replyData)
		if err != nil {
			return fmt.Errorf("failed to publish reply event to %s: %w", w.opts.PublishSubject, err)
		}
	}

	return nil
}

func (w *NatsWorker) parseEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}
