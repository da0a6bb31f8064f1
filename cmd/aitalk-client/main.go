// Command aitalk-client sends text to a running aitalk-service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/aitalk-service/internal/client"
	"github.com/book-expert/aitalk-service/internal/gateway"
	"github.com/book-expert/aitalk-service/internal/wav"
	"github.com/book-expert/logger"
)

// Flag descriptions.
const (
	flagTextDesc    = "Text to convert to speech"
	flagChunksDesc  = "JSON file containing an array of text chunks, sent over one WebSocket"
	flagVoiceDesc   = "Voice id"
	flagOutputDesc  = "Output file (.wav) for --text, output directory for --chunks"
	flagServerDesc  = "Base URL of the aitalk-service"
	flagDialectDesc = "Dialect override (standard|kansai); empty derives it from the voice"
	flagSpeedDesc   = "Speaking speed"
	flagPitchDesc   = "Pitch"
	flagVolumeDesc  = "Volume"
	flagHealthDesc  = "Check service health and exit"
	flagVoicesDesc  = "List voices and exit"
	flagTimeoutDesc = "Request timeout"
	flagLogDirDesc  = "Directory for the client log"
)

// Flag names.
const (
	flagText    = "text"
	flagChunks  = "chunks"
	flagVoice   = "voice"
	flagOutput  = "output"
	flagServer  = "server"
	flagDialect = "dialect"
	flagSpeed   = "speed"
	flagPitch   = "pitch"
	flagVolume  = "volume"
	flagHealth  = "health"
	flagVoices  = "voices"
	flagTimeout = "timeout"
	flagLogDir  = "log-dir"
)

const (
	defaultServer     = "http://127.0.0.1:3000"
	defaultVoice      = "f1"
	defaultOutputFile = "output.wav"
	defaultTimeout    = 5 * time.Minute
	logFileName       = "aitalk-client.log"
)

var (
	errEitherTextOrChunks = errors.New("either --text or --chunks must be provided")
	errCannotSpecifyBoth  = errors.New("cannot specify both --text and --chunks")
	errNoChunks           = errors.New("chunks file contains no text")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text    string
	chunks  string
	voice   string
	output  string
	server  string
	dialect string
	speed   float64
	pitch   float64
	volume  float64
	health  bool
	voices  bool
	timeout time.Duration
	logDir  string
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	log, err := logger.New(flags.logDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() {
		_ = log.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	c := client.NewHTTPClient(flags.server, flags.timeout)

	switch {
	case flags.health:
		return handleHealthCheck(ctx, c, log, stdout)
	case flags.voices:
		return handleVoices(ctx, c, stdout)
	}

	err = validateArguments(flags)
	if err != nil {
		return err
	}

	if flags.text != "" {
		return processSingleText(ctx, c, log, flags, stdout)
	}

	return processChunks(ctx, c, log, flags, stdout)
}

func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	fs := flag.NewFlagSet("aitalk-client", flag.ContinueOnError)
	fs.StringVar(&flags.text, flagText, "", flagTextDesc)
	fs.StringVar(&flags.chunks, flagChunks, "", flagChunksDesc)
	fs.StringVar(&flags.voice, flagVoice, defaultVoice, flagVoiceDesc)
	fs.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	fs.StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	fs.StringVar(&flags.dialect, flagDialect, "", flagDialectDesc)
	fs.Float64Var(&flags.speed, flagSpeed, 1.0, flagSpeedDesc)
	fs.Float64Var(&flags.pitch, flagPitch, 1.0, flagPitchDesc)
	fs.Float64Var(&flags.volume, flagVolume, 1.0, flagVolumeDesc)
	fs.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	fs.BoolVar(&flags.voices, flagVoices, false, flagVoicesDesc)
	fs.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	fs.StringVar(&flags.logDir, flagLogDir, os.TempDir(), flagLogDirDesc)

	err := fs.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateArguments checks required and conflicting arguments.
func validateArguments(flags appFlags) error {
	if flags.text == "" && flags.chunks == "" {
		return errEitherTextOrChunks
	}

	if flags.text != "" && flags.chunks != "" {
		return errCannotSpecifyBoth
	}

	return nil
}

func (f appFlags) request(text string) gateway.TTSRequest {
	speed, pitch, volume := float32(f.speed), float32(f.pitch), float32(f.volume)

	return gateway.TTSRequest{
		VoiceID: f.voice,
		Text:    text,
		Speed:   &speed,
		Pitch:   &pitch,
		Volume:  &volume,
		Dialect: f.dialect,
	}
}

func handleHealthCheck(ctx context.Context, c *client.HTTPClient, log *logger.Logger, stdout io.Writer) error {
	err := c.HealthCheck(ctx)
	if err != nil {
		log.Error("Health check failed: %v", err)

		return err
	}

	_, _ = fmt.Fprintln(stdout, "aitalk service is healthy")

	return nil
}

func handleVoices(ctx context.Context, c *client.HTTPClient, stdout io.Writer) error {
	voices, err := c.Voices(ctx)
	if err != nil {
		return err
	}

	for _, v := range voices {
		_, _ = fmt.Fprintf(stdout, "%-20s %-10s %s\n", v.ID, v.Dialect, v.Name)
	}

	return nil
}

func processSingleText(ctx context.Context, c *client.HTTPClient, log *logger.Logger, flags appFlags, stdout io.Writer) error {
	outputPath := flags.output
	if outputPath == "" {
		outputPath = defaultOutputFile
	}

	log.Info("Processing single text with voice %s to: %s", flags.voice, outputPath)

	audio, err := c.GenerateSpeech(ctx, flags.request(flags.text))
	if err != nil {
		log.Error("Failed to process text: %v", err)

		return fmt.Errorf("failed to process text: %w", err)
	}

	err = writeAudio(outputPath, audio)
	if err != nil {
		return err
	}

	log.Info("Successfully generated speech: %s", outputPath)
	_, _ = fmt.Fprintf(stdout, "Generated: %s%s\n", outputPath, describeAudio(audio))

	return nil
}

// describeAudio returns the playback length of a WAV file, or nothing when
// the data does not parse.
func describeAudio(audio []byte) string {
	header, _, err := wav.Parse(audio)
	if err != nil {
		return ""
	}

	return fmt.Sprintf(" (%.2fs)", header.Duration())
}

func processChunks(ctx context.Context, c *client.HTTPClient, log *logger.Logger, flags appFlags, stdout io.Writer) error {
	chunks, err := readChunks(flags.chunks)
	if err != nil {
		return err
	}

	outputDir := flags.output
	if outputDir == "" {
		outputDir = "."
	}

	log.Info("Processing %d chunks from %s into %s", len(chunks), flags.chunks, outputDir)

	reqs := make([]gateway.TTSRequest, 0, len(chunks))
	for _, chunk := range chunks {
		reqs = append(reqs, flags.request(chunk))
	}

	results, streamErr := c.StreamSpeech(ctx, reqs)

	for i, audio := range results {
		path := filepath.Join(outputDir, fmt.Sprintf("chunk_%04d.wav", i+1))

		err = writeAudio(path, audio)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(stdout, "Generated: %s%s\n", path, describeAudio(audio))
	}

	if streamErr != nil {
		log.Error("Failed to process chunks: %v", streamErr)

		return fmt.Errorf("failed to process chunks: %w", streamErr)
	}

	log.Info("Successfully processed all chunks")

	return nil
}

func readChunks(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks file: %w", err)
	}

	var raw []string

	err = json.Unmarshal(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunks file %s: %w", path, err)
	}

	chunks := raw[:0]

	for _, chunk := range raw {
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	if len(chunks) == 0 {
		return nil, errNoChunks
	}

	return chunks, nil
}

func writeAudio(path string, audio []byte) error {
	dir := filepath.Dir(path)

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	err = os.WriteFile(path, audio, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}
