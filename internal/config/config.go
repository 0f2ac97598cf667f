package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Overrides     OverridesConfig     `yaml:"overrides"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Cloud         CloudConfig         `yaml:"cloud"`
	Silence       SilenceConfig       `yaml:"silence"`
	Preload       PreloadConfig       `yaml:"preload"`
	Capture       CaptureConfig       `yaml:"capture"`
}

// Production reports whether developer-only behaviour must be disabled.
func (c Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvironmentProduction)
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// OverridesConfig locates the developer override flag store.
type OverridesConfig struct {
	Path string `yaml:"path"`
}

// TranscriptionConfig drives the on-device engine.
type TranscriptionConfig struct {
	Mode               string `yaml:"mode"` // wasm, exec, mock
	ModelID            string `yaml:"model_id"`
	Command            string `yaml:"command"`
	Language           string `yaml:"language"`
	SampleRate         int    `yaml:"sample_rate"`
	Channels           int    `yaml:"channels"`
	ModelLoadTimeoutMS int    `yaml:"model_load_timeout_ms"`
	ConfirmTimeoutMS   int    `yaml:"confirm_timeout_ms"`
	PartialEveryMS     int    `yaml:"partial_every_ms"`
	SegmentMS          int    `yaml:"segment_ms"`
}

// CloudConfig drives the cloud streaming recognizer.
type CloudConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Endpoint         string `yaml:"endpoint"`
	Token            string `yaml:"token"`
	Language         string `yaml:"language"`
	StartTimeoutMS   int    `yaml:"start_timeout_ms"`
	ForceUnsupported bool   `yaml:"force_unsupported"`
}

type SilenceConfig struct {
	ThresholdMS int `yaml:"threshold_ms"`
	CountdownMS int `yaml:"countdown_ms"`
	PollMS      int `yaml:"poll_ms"`
}

type PreloadConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BaseURL  string `yaml:"base_url"`
	CacheDir string `yaml:"cache_dir"`
	Manifest string `yaml:"manifest"`
}

type CaptureConfig struct {
	Device     string   `yaml:"device"` // malgo, memory, none
	DeviceName string   `yaml:"device_name"`
	SampleRate int      `yaml:"sample_rate"`
	Channels   int      `yaml:"channels"`
	Encodings  []string `yaml:"encodings"`
	ClipDir    string   `yaml:"clip_dir"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-capture",
		Environment: EnvironmentDevelopment,
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/capture-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Overrides: OverridesConfig{
			Path: "./data/overrides.db",
		},
		Transcription: TranscriptionConfig{
			Mode:               "wasm",
			SampleRate:         16000,
			Channels:           1,
			ModelLoadTimeoutMS: 20 * 60 * 1000,
			ConfirmTimeoutMS:   5000,
			PartialEveryMS:     800,
			SegmentMS:          6000,
		},
		Cloud: CloudConfig{
			Enabled:        true,
			Endpoint:       "ws://localhost:8765/v1/listen",
			Language:       "en-US",
			StartTimeoutMS: 10000,
		},
		Silence: SilenceConfig{
			ThresholdMS: 4000,
			CountdownMS: 3000,
			PollMS:      100,
		},
		Preload: PreloadConfig{
			Enabled:  true,
			BaseURL:  "https://huggingface.co",
			CacheDir: "./data/models",
		},
		Capture: CaptureConfig{
			Device:     "malgo",
			SampleRate: 16000,
			Channels:   1,
			Encodings:  []string{"audio/wav", "audio/mpeg"},
			ClipDir:    "./data/clips",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Overrides.Path, "LOQA_OVERRIDES_PATH")
	overrideString(&cfg.Transcription.Mode, "LOQA_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.ModelID, "LOQA_TRANSCRIPTION_MODEL_ID")
	overrideString(&cfg.Transcription.Command, "LOQA_TRANSCRIPTION_COMMAND")
	overrideString(&cfg.Transcription.Language, "LOQA_TRANSCRIPTION_LANGUAGE")
	overrideInt(&cfg.Transcription.SampleRate, "LOQA_TRANSCRIPTION_SAMPLE_RATE")
	overrideInt(&cfg.Transcription.Channels, "LOQA_TRANSCRIPTION_CHANNELS")
	overrideInt(&cfg.Transcription.ModelLoadTimeoutMS, "LOQA_TRANSCRIPTION_MODEL_LOAD_TIMEOUT_MS")
	overrideInt(&cfg.Transcription.ConfirmTimeoutMS, "LOQA_TRANSCRIPTION_CONFIRM_TIMEOUT_MS")
	overrideInt(&cfg.Transcription.PartialEveryMS, "LOQA_TRANSCRIPTION_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Transcription.SegmentMS, "LOQA_TRANSCRIPTION_SEGMENT_MS")
	overrideBool(&cfg.Cloud.Enabled, "LOQA_CLOUD_ENABLED")
	overrideString(&cfg.Cloud.Endpoint, "LOQA_CLOUD_ENDPOINT")
	overrideString(&cfg.Cloud.Token, "LOQA_CLOUD_TOKEN")
	overrideString(&cfg.Cloud.Language, "LOQA_CLOUD_LANGUAGE")
	overrideInt(&cfg.Cloud.StartTimeoutMS, "LOQA_CLOUD_START_TIMEOUT_MS")
	overrideBool(&cfg.Cloud.ForceUnsupported, "LOQA_CLOUD_FORCE_UNSUPPORTED")
	overrideInt(&cfg.Silence.ThresholdMS, "LOQA_SILENCE_THRESHOLD_MS")
	overrideInt(&cfg.Silence.CountdownMS, "LOQA_SILENCE_COUNTDOWN_MS")
	overrideInt(&cfg.Silence.PollMS, "LOQA_SILENCE_POLL_MS")
	overrideBool(&cfg.Preload.Enabled, "LOQA_PRELOAD_ENABLED")
	overrideString(&cfg.Preload.BaseURL, "LOQA_PRELOAD_BASE_URL")
	overrideString(&cfg.Preload.CacheDir, "LOQA_PRELOAD_CACHE_DIR")
	overrideString(&cfg.Preload.Manifest, "LOQA_PRELOAD_MANIFEST")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.DeviceName, "LOQA_CAPTURE_DEVICE_NAME")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideStringSlice(&cfg.Capture.Encodings, "LOQA_CAPTURE_ENCODINGS")
	overrideString(&cfg.Capture.ClipDir, "LOQA_CAPTURE_CLIP_DIR")
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
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Transcription.Mode {
	case "wasm", "exec", "mock":
	default:
		return errors.New("transcription.mode must be one of wasm|exec|mock")
	}
	if cfg.Transcription.Mode == "exec" && cfg.Transcription.Command == "" {
		return errors.New("transcription.command must be set when mode=exec")
	}
	if cfg.Transcription.SampleRate <= 0 {
		return errors.New("transcription.sample_rate must be positive")
	}
	if cfg.Transcription.Channels <= 0 {
		return errors.New("transcription.channels must be positive")
	}
	if cfg.Transcription.ModelLoadTimeoutMS <= 0 {
		return errors.New("transcription.model_load_timeout_ms must be positive")
	}
	if cfg.Transcription.ConfirmTimeoutMS <= 0 {
		return errors.New("transcription.confirm_timeout_ms must be positive")
	}
	if cfg.Cloud.Enabled && cfg.Cloud.Endpoint == "" {
		return errors.New("cloud.endpoint must be set when cloud is enabled")
	}
	if cfg.Silence.ThresholdMS <= 0 {
		return errors.New("silence.threshold_ms must be positive")
	}
	if cfg.Silence.CountdownMS < 0 || cfg.Silence.CountdownMS > cfg.Silence.ThresholdMS {
		return errors.New("silence.countdown_ms must be between 0 and silence.threshold_ms")
	}
	if cfg.Silence.PollMS <= 0 {
		return errors.New("silence.poll_ms must be positive")
	}
	if cfg.Preload.Enabled && cfg.Preload.CacheDir == "" {
		return errors.New("preload.cache_dir must not be empty when preload is enabled")
	}
	switch cfg.Capture.Device {
	case "malgo", "memory", "none":
	default:
		return errors.New("capture.device must be one of malgo|memory|none")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if len(cfg.Capture.Encodings) == 0 {
		return errors.New("capture.encodings must not be empty")
	}
	if cfg.Capture.ClipDir == "" {
		return errors.New("capture.clip_dir must not be empty")
	}
	return nil
}
