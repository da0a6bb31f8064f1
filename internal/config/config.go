// Package config provides the configuration structure for the aitalk-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Engine drivers.
const (
	DriverAITalked = "aitalked"
	DriverSim      = "sim"
)

var (
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid configuration")
)

// EngineConfig holds the settings shared by every engine instance.
type EngineConfig struct {
	Driver           string   `toml:"driver"`
	InstallationDir  string   `toml:"installation_dir"`
	VoiceDir         string   `toml:"voice_dir"`
	LicenseFile      string   `toml:"license_file"`
	AuthSeed         string   `toml:"auth_seed"`
	SampleRate       uint32   `toml:"sample_rate"`
	TimeoutMillis    uint32   `toml:"timeout_ms"`
	WordDictionary   string   `toml:"word_dic"`
	PhraseDictionary string   `toml:"phrase_dic"`
	SymbolDictionary string   `toml:"symbol_dic"`
	Voices           []string `toml:"voices"`
	QueueSize        int      `toml:"queue_size"`
	MaxOutputBytes   int      `toml:"max_output_bytes"`
}

// VoicePath returns the directory holding the voice databases.
func (e EngineConfig) VoicePath() string {
	return filepath.Join(e.InstallationDir, e.VoiceDir)
}

// LicensePath returns the full path of the license file.
func (e EngineConfig) LicensePath() string {
	return filepath.Join(e.InstallationDir, e.LicenseFile)
}

// PipelineConfig describes one engine instance and the dialects it serves.
type PipelineConfig struct {
	Name    string `toml:"name"`
	Library string `toml:"library"`
	// Dialects served by this pipeline. Empty means all of them.
	Dialects []string `toml:"dialects"`
	// Voices overrides engine.voices for this pipeline.
	Voices []string `toml:"voices"`
}

// LibraryPath returns the full path of the pipeline's engine library.
func (p PipelineConfig) LibraryPath(installationDir string) string {
	if filepath.IsAbs(p.Library) {
		return p.Library
	}

	return filepath.Join(installationDir, p.Library)
}

// DialectsConfig controls dialect resolution.
type DialectsConfig struct {
	Default       string            `toml:"default"`
	Marker        string            `toml:"marker"`
	MarkerDialect string            `toml:"marker_dialect"`
	Resources     map[string]string `toml:"resources"`
}

// HTTPConfig holds the HTTP gateway settings.
type HTTPConfig struct {
	Enabled             bool   `toml:"enabled"`
	Listen              string `toml:"listen"`
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	Enabled                  bool   `toml:"enabled"`
	URL                      string `toml:"url"`
	Embedded                 bool   `toml:"embedded"`
	EmbeddedPort             int    `toml:"embedded_port"`
	EmbeddedStoreDir         string `toml:"embedded_store_dir"`
	TextProcessedSubject     string `toml:"text_processed_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	TextObjectStoreBucket    string `toml:"text_object_store_bucket"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
	DefaultVoice             string `toml:"default_voice"`
	TimeoutSeconds           int    `toml:"timeout_seconds"`
	PreprocessText           bool   `toml:"preprocess_text"`
}

// HistoryConfig holds the job history settings.
type HistoryConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`
	RetentionDays int    `toml:"retention_days"`
	MaxRows       int    `toml:"max_rows"`
	PruneEvery    int    `toml:"prune_every"`
}

// TelemetryConfig holds tracing and metrics settings.
type TelemetryConfig struct {
	ServiceName  string `toml:"service_name"`
	Environment  string `toml:"environment"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	OTLPInsecure bool   `toml:"otlp_insecure"`
	StdoutTraces bool   `toml:"stdout_traces"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Engine    EngineConfig     `toml:"engine"`
	Pipelines []PipelineConfig `toml:"pipelines"`
	Dialects  DialectsConfig   `toml:"dialects"`
	HTTP      HTTPConfig       `toml:"http"`
	NATS      NATSConfig       `toml:"nats"`
	History   HistoryConfig    `toml:"history"`
	Telemetry TelemetryConfig  `toml:"telemetry"`
	Paths     PathsConfig      `toml:"paths"`
}

// Default returns the configuration used for every field a source leaves out.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Driver:          DriverAITalked,
			InstallationDir: `C:\Program Files (x86)\AHS\VOICEROID2`,
			VoiceDir:        "Voice",
			LicenseFile:     "aitalk.lic",
			AuthSeed:        "ORXJC6AIWAUKDpDbH2al",
			SampleRate:      44100,
			TimeoutMillis:   1000,
			QueueSize:       16,
			MaxOutputBytes:  256 << 20,
		},
		Pipelines: []PipelineConfig{
			{Name: "standard", Library: "aitalked.dll", Dialects: []string{"standard"}},
			{Name: "kansai", Library: "aitalked_kansai.dll", Dialects: []string{"kansai"}},
		},
		Dialects: DialectsConfig{
			Default:       "standard",
			Marker:        "west",
			MarkerDialect: "kansai",
			Resources: map[string]string{
				"standard": `Lang\standard`,
				"kansai":   `Lang\standard_kansai`,
			},
		},
		HTTP: HTTPConfig{
			Enabled:             true,
			Listen:              "0.0.0.0:3000",
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 300,
		},
		NATS: NATSConfig{
			URL:                      "nats://127.0.0.1:4222",
			EmbeddedPort:             4222,
			TextProcessedSubject:     "text.processed",
			AudioChunkCreatedSubject: "audio.chunk.created",
			TextObjectStoreBucket:    "TEXT_FILES",
			AudioObjectStoreBucket:   "AUDIO_FILES",
			TimeoutSeconds:           300,
			PreprocessText:           true,
		},
		History: HistoryConfig{
			Path:          "data/history.db",
			RetentionDays: 30,
			MaxRows:       10000,
			PruneEvery:    100,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "aitalk-service",
			Environment: "dev",
		},
		Paths: PathsConfig{
			BaseLogsDir: "logs",
		},
	}
}

// Load loads the configuration for the aitalk-service. With an empty path the
// central configurator is used; otherwise the TOML file at path is read.
// Defaults are applied first and AITALK_* environment variables last.
func Load(path string, log *logger.Logger) (*Config, error) {
	cfg := Default()

	if path == "" {
		err := configurator.Load(&cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
		}
	} else {
		err := LoadFile(path, &cfg)
		if err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFile decodes the TOML file at path into cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// A file that lists pipelines replaces the default ones.
	var listed struct {
		Pipelines []PipelineConfig `toml:"pipelines"`
	}

	err = toml.Unmarshal(data, &listed)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if len(listed.Pipelines) > 0 {
		cfg.Pipelines = nil
	}

	err = toml.Unmarshal(data, cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Engine.Driver, "AITALK_ENGINE_DRIVER")
	overrideString(&cfg.Engine.InstallationDir, "AITALK_INSTALLATION_DIR")
	overrideString(&cfg.Engine.AuthSeed, "AITALK_AUTH_SEED")
	overrideString(&cfg.Engine.WordDictionary, "AITALK_WORD_DIC")
	overrideString(&cfg.Engine.PhraseDictionary, "AITALK_PHRASE_DIC")
	overrideString(&cfg.Engine.SymbolDictionary, "AITALK_SYMBOL_DIC")
	overrideStringSlice(&cfg.Engine.Voices, "AITALK_VOICES")
	overrideInt(&cfg.Engine.QueueSize, "AITALK_QUEUE_SIZE")
	overrideBool(&cfg.HTTP.Enabled, "AITALK_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Listen, "AITALK_HTTP_LISTEN")
	overrideBool(&cfg.NATS.Enabled, "AITALK_NATS_ENABLED")
	overrideString(&cfg.NATS.URL, "AITALK_NATS_URL")
	overrideBool(&cfg.NATS.Embedded, "AITALK_NATS_EMBEDDED")
	overrideString(&cfg.NATS.DefaultVoice, "AITALK_NATS_DEFAULT_VOICE")
	overrideBool(&cfg.History.Enabled, "AITALK_HISTORY_ENABLED")
	overrideString(&cfg.History.Path, "AITALK_HISTORY_PATH")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AITALK_OTLP_ENDPOINT")
	overrideString(&cfg.Telemetry.Environment, "AITALK_ENVIRONMENT")
	overrideString(&cfg.Paths.BaseLogsDir, "AITALK_LOGS_DIR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}

	var trimmed []string

	for part := range strings.SplitSeq(value, ",") {
		if s := strings.TrimSpace(part); s != "" {
			trimmed = append(trimmed, s)
		}
	}

	if len(trimmed) > 0 {
		*target = trimmed
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.Engine.Driver {
	case DriverAITalked, DriverSim:
	default:
		errs = append(errs, fmt.Errorf("engine.driver must be one of %s|%s, got %q", DriverAITalked, DriverSim, c.Engine.Driver))
	}

	if c.Engine.SampleRate == 0 {
		errs = append(errs, errors.New("engine.sample_rate must be positive"))
	}

	if c.Engine.QueueSize <= 0 {
		errs = append(errs, errors.New("engine.queue_size must be >= 1"))
	}

	errs = append(errs, c.validatePipelines()...)

	if c.HTTP.Enabled && c.HTTP.Listen == "" {
		errs = append(errs, errors.New("http.listen must be set when http is enabled"))
	}

	if c.NATS.Enabled {
		if !c.NATS.Embedded && c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url must be set when nats is enabled"))
		}

		if c.NATS.TextProcessedSubject == "" {
			errs = append(errs, errors.New("nats.text_processed_subject must not be empty"))
		}

		if c.NATS.TextObjectStoreBucket == "" || c.NATS.AudioObjectStoreBucket == "" {
			errs = append(errs, errors.New("nats object store buckets must not be empty"))
		}
	}

	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, errors.New("history.path must be set when history is enabled"))
	}

	if c.History.RetentionDays < 0 || c.History.MaxRows < 0 || c.History.PruneEvery < 0 {
		errs = append(errs, errors.New("history retention values must be >= 0"))
	}

	if c.Paths.BaseLogsDir == "" {
		errs = append(errs, errors.New("paths.base_logs_dir must not be empty"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}

	return nil
}

func (c *Config) validatePipelines() []error {
	var errs []error

	if len(c.Pipelines) == 0 {
		return []error{errors.New("at least one [[pipelines]] entry is required")}
	}

	if _, ok := c.Dialects.Resources[c.Dialects.Default]; !ok {
		errs = append(errs, fmt.Errorf("dialects.default %q has no resource", c.Dialects.Default))
	}

	var names []string

	for _, p := range c.Pipelines {
		if p.Name == "" || p.Library == "" {
			errs = append(errs, errors.New("every pipeline needs a name and a library"))

			continue
		}

		if slices.Contains(names, p.Name) {
			errs = append(errs, fmt.Errorf("duplicate pipeline %q", p.Name))
		}

		names = append(names, p.Name)

		for _, d := range p.Dialects {
			if _, ok := c.Dialects.Resources[d]; !ok {
				errs = append(errs, fmt.Errorf("pipeline %q serves dialect %q which has no resource", p.Name, d))
			}
		}
	}

	return errs
}
