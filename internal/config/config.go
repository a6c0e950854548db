package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
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
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Devices     DevicesConfig    `yaml:"devices"`
	Capture     CaptureConfig    `yaml:"capture"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Correction  CorrectionConfig `yaml:"correction"`
	Narration   NarrationConfig  `yaml:"narration"`
	History     HistoryConfig    `yaml:"history"`
	Clipboard   ClipboardConfig  `yaml:"clipboard"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type DevicesConfig struct {
	HeartbeatTimeout int `yaml:"heartbeat_timeout_ms"`
}

type CaptureConfig struct {
	FallbackSampleRate int `yaml:"fallback_sample_rate"`
	OpusFrameMS        int `yaml:"opus_frame_ms"`
}

type RecognitionConfig struct {
	Mode      string `yaml:"mode"` // mock, openai, exec
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	MinBytes  int    `yaml:"min_bytes"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type CorrectionConfig struct {
	Mode        string  `yaml:"mode"` // mock, openai, ollama
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Endpoint    string  `yaml:"endpoint"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type NarrationConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Mode          string `yaml:"mode"` // mock, openai
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Voice         string `yaml:"voice"`
	PlayerCommand string `yaml:"player_command"`
	TimeoutMS     int    `yaml:"timeout_ms"`
}

type HistoryConfig struct {
	MaxWords int  `yaml:"max_words"`
	UseHint  bool `yaml:"use_hint"`
}

type ClipboardConfig struct {
	Command          string `yaml:"command"`
	PublishCorrected bool   `yaml:"publish_corrected"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxUtterances int    `yaml:"max_utterances"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "talkback-runtime",
		Environment: "development",
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
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Devices: DevicesConfig{
			HeartbeatTimeout: 6000,
		},
		Capture: CaptureConfig{
			FallbackSampleRate: 16000,
			OpusFrameMS:        20,
		},
		Recognition: RecognitionConfig{
			Mode:      "mock",
			Model:     "whisper-1",
			Language:  "en",
			MinBytes:  16000,
			TimeoutMS: 30000,
		},
		Correction: CorrectionConfig{
			Mode:        "mock",
			Model:       "gpt-4o-mini",
			Endpoint:    "http://localhost:11434",
			Temperature: 0.1,
			TimeoutMS:   30000,
		},
		Narration: NarrationConfig{
			Enabled:   false,
			Mode:      "mock",
			Model:     "tts-1",
			Voice:     "alloy",
			TimeoutMS: 45000,
		},
		History: HistoryConfig{
			MaxWords: 120,
			UseHint:  true,
		},
		Clipboard: ClipboardConfig{
			Command:          "",
			PublishCorrected: true,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/talkback-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxUtterances: 10000,
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
	overrideString(&cfg.RuntimeName, "TALKBACK_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TALKBACK_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TALKBACK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TALKBACK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TALKBACK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TALKBACK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TALKBACK_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "TALKBACK_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "TALKBACK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TALKBACK_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "TALKBACK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TALKBACK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TALKBACK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TALKBACK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TALKBACK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TALKBACK_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Devices.HeartbeatTimeout, "TALKBACK_DEVICES_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Capture.FallbackSampleRate, "TALKBACK_CAPTURE_FALLBACK_SAMPLE_RATE")
	overrideInt(&cfg.Capture.OpusFrameMS, "TALKBACK_CAPTURE_OPUS_FRAME_MS")
	overrideString(&cfg.Recognition.Mode, "TALKBACK_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.APIKey, "TALKBACK_RECOGNITION_API_KEY")
	overrideString(&cfg.Recognition.Model, "TALKBACK_RECOGNITION_MODEL")
	overrideString(&cfg.Recognition.Command, "TALKBACK_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.ModelPath, "TALKBACK_RECOGNITION_MODEL_PATH")
	overrideString(&cfg.Recognition.Language, "TALKBACK_RECOGNITION_LANGUAGE")
	overrideInt(&cfg.Recognition.MinBytes, "TALKBACK_RECOGNITION_MIN_BYTES")
	overrideInt(&cfg.Recognition.TimeoutMS, "TALKBACK_RECOGNITION_TIMEOUT_MS")
	overrideString(&cfg.Correction.Mode, "TALKBACK_CORRECTION_MODE")
	overrideString(&cfg.Correction.APIKey, "TALKBACK_CORRECTION_API_KEY")
	overrideString(&cfg.Correction.Model, "TALKBACK_CORRECTION_MODEL")
	overrideString(&cfg.Correction.Endpoint, "TALKBACK_CORRECTION_ENDPOINT")
	overrideFloat(&cfg.Correction.Temperature, "TALKBACK_CORRECTION_TEMPERATURE")
	overrideInt(&cfg.Correction.TimeoutMS, "TALKBACK_CORRECTION_TIMEOUT_MS")
	overrideBool(&cfg.Narration.Enabled, "TALKBACK_NARRATION_ENABLED")
	overrideString(&cfg.Narration.Mode, "TALKBACK_NARRATION_MODE")
	overrideString(&cfg.Narration.APIKey, "TALKBACK_NARRATION_API_KEY")
	overrideString(&cfg.Narration.Model, "TALKBACK_NARRATION_MODEL")
	overrideString(&cfg.Narration.Voice, "TALKBACK_NARRATION_VOICE")
	overrideString(&cfg.Narration.PlayerCommand, "TALKBACK_NARRATION_PLAYER_COMMAND")
	overrideInt(&cfg.Narration.TimeoutMS, "TALKBACK_NARRATION_TIMEOUT_MS")
	overrideInt(&cfg.History.MaxWords, "TALKBACK_HISTORY_MAX_WORDS")
	overrideBool(&cfg.History.UseHint, "TALKBACK_HISTORY_USE_HINT")
	overrideString(&cfg.Clipboard.Command, "TALKBACK_CLIPBOARD_COMMAND")
	overrideBool(&cfg.Clipboard.PublishCorrected, "TALKBACK_CLIPBOARD_PUBLISH_CORRECTED")
	overrideString(&cfg.EventStore.Path, "TALKBACK_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "TALKBACK_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "TALKBACK_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxUtterances, "TALKBACK_EVENT_STORE_MAX_UTTERANCES")
	overrideBool(&cfg.EventStore.VacuumOnStart, "TALKBACK_EVENT_STORE_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Devices.HeartbeatTimeout <= 0 {
		return errors.New("devices.heartbeat_timeout_ms must be positive")
	}
	if cfg.Capture.FallbackSampleRate <= 0 {
		return errors.New("capture.fallback_sample_rate must be positive")
	}
	if cfg.Capture.OpusFrameMS <= 0 {
		return errors.New("capture.opus_frame_ms must be positive")
	}
	switch cfg.Recognition.Mode {
	case "mock", "openai", "exec":
	default:
		return errors.New("recognition.mode must be one of mock|openai|exec")
	}
	if cfg.Recognition.Mode == "openai" && cfg.Recognition.APIKey == "" {
		return errors.New("recognition.api_key must be set when mode=openai")
	}
	if cfg.Recognition.Mode == "exec" && cfg.Recognition.Command == "" {
		return errors.New("recognition.command must be set when mode=exec")
	}
	if cfg.Recognition.MinBytes < 0 {
		return errors.New("recognition.min_bytes must be >= 0")
	}
	if cfg.Recognition.TimeoutMS <= 0 {
		return errors.New("recognition.timeout_ms must be positive")
	}
	switch cfg.Correction.Mode {
	case "mock", "openai", "ollama":
	default:
		return errors.New("correction.mode must be one of mock|openai|ollama")
	}
	if cfg.Correction.Mode == "openai" && cfg.Correction.APIKey == "" {
		return errors.New("correction.api_key must be set when mode=openai")
	}
	if cfg.Correction.Mode == "ollama" && cfg.Correction.Endpoint == "" {
		return errors.New("correction.endpoint must be set when mode=ollama")
	}
	if cfg.Correction.TimeoutMS <= 0 {
		return errors.New("correction.timeout_ms must be positive")
	}
	if cfg.Narration.Enabled {
		switch cfg.Narration.Mode {
		case "mock", "openai":
		default:
			return errors.New("narration.mode must be one of mock|openai")
		}
		if cfg.Narration.Mode == "openai" && cfg.Narration.APIKey == "" {
			return errors.New("narration.api_key must be set when mode=openai")
		}
		if cfg.Narration.TimeoutMS <= 0 {
			return errors.New("narration.timeout_ms must be positive")
		}
	}
	if cfg.History.MaxWords <= 0 {
		return errors.New("history.max_words must be >= 1")
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
	return nil
}
