// Package config loads process configuration for the livekit-check binaries.
//
// A YAML file supplies the base values and environment variables override
// them. Variable names follow the LiveKit CLI and starter-kit conventions
// (LIVEKIT_URL, LIVEKIT_API_KEY, ...), so an existing .env works unchanged.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Conversly/livekit-check/runtime/agentconfig"
	"github.com/Conversly/livekit-check/runtime/logger"
	"github.com/Conversly/livekit-check/runtime/media"
	"github.com/Conversly/livekit-check/runtime/sessionerrors"
	"github.com/Conversly/livekit-check/runtime/telemetry"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the root configuration.
type Config struct {
	LiveKit LiveKitConfig            `yaml:"livekit"`
	Server  ServerConfig             `yaml:"server"`
	Agent   AgentConfig              `yaml:"agent"`
	Voice   VoiceOptions             `yaml:"voice"`
	Frames  FrameConfig              `yaml:"frames"`
	Errors  ErrorConfig              `yaml:"errors"`
	Logging logger.LoggingConfigSpec `yaml:"logging"`
	Metrics MetricsConfig            `yaml:"metrics"`
	Tracing telemetry.Config         `yaml:"tracing"`
	Store   StoreConfig              `yaml:"store"`
}

// LiveKitConfig holds server credentials and telephony identifiers.
type LiveKitConfig struct {
	URL             string `yaml:"url" env:"LIVEKIT_URL"`
	APIKey          string `yaml:"api_key" env:"LIVEKIT_API_KEY"`
	APISecret       string `yaml:"api_secret" env:"LIVEKIT_API_SECRET"`
	OutboundTrunkID string `yaml:"outbound_trunk_id" env:"LIVEKIT_OUTBOUND_TRUNK_ID"`
	SIPTrunkID      string `yaml:"sip_trunk_id" env:"LIVEKIT_SIP_TRUNK_ID"`
	SIPFromNumber   string `yaml:"sip_from_number" env:"LIVEKIT_SIP_FROM_NUMBER"`
}

// Configured reports whether the server URL and API credentials are all set.
func (c LiveKitConfig) Configured() bool {
	return c.URL != "" && c.APIKey != "" && c.APISecret != ""
}

// APIURL returns the HTTP(S) form of URL used by the server APIs.
func (c LiveKitConfig) APIURL() string {
	switch {
	case strings.HasPrefix(c.URL, "wss://"):
		return "https://" + strings.TrimPrefix(c.URL, "wss://")
	case strings.HasPrefix(c.URL, "ws://"):
		return "http://" + strings.TrimPrefix(c.URL, "ws://")
	case c.URL == "" || strings.HasPrefix(c.URL, "http"):
		return c.URL
	default:
		return "https://" + c.URL
	}
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Addr         string        `yaml:"addr" env:"SERVER_ADDR"`
	AgentAddr    string        `yaml:"agent_addr" env:"AGENT_ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	RateLimit    float64       `yaml:"rate_limit" env:"SERVER_RATE_LIMIT"`
	RateBurst    int           `yaml:"rate_burst" env:"SERVER_RATE_BURST"`
}

// AgentConfig identifies the dispatched agent and how job metadata is read.
type AgentConfig struct {
	Name             string `yaml:"name" env:"AGENT_NAME"`
	MetadataSelector string `yaml:"metadata_selector" env:"AGENT_METADATA_SELECTOR"`
	DefaultVoice     string `yaml:"default_voice" env:"AGENT_DEFAULT_VOICE"`
}

// VoiceOptions tunes turn taking. Values are handed to the external voice pipeline.
type VoiceOptions struct {
	MinEndpointingDelay     time.Duration `yaml:"min_endpointing_delay" env:"VOICE_MIN_ENDPOINTING_DELAY"`
	MaxEndpointingDelay     time.Duration `yaml:"max_endpointing_delay" env:"VOICE_MAX_ENDPOINTING_DELAY"`
	MinInterruptionDuration time.Duration `yaml:"min_interruption_duration" env:"VOICE_MIN_INTERRUPTION_DURATION"`
	StabilizationDelay      time.Duration `yaml:"stabilization_delay" env:"VOICE_STABILIZATION_DELAY"`
	PreemptiveGeneration    bool          `yaml:"preemptive_generation" env:"VOICE_PREEMPTIVE_GENERATION"`
	LLMModel                string        `yaml:"llm_model" env:"VOICE_LLM_MODEL"`
	TTSModel                string        `yaml:"tts_model" env:"VOICE_TTS_MODEL"`
	TTSInstructions         string        `yaml:"tts_instructions" env:"VOICE_TTS_INSTRUCTIONS"`
}

// FrameConfig controls frame buffering and encoding for the language model.
type FrameConfig struct {
	ProgressEvery uint64             `yaml:"progress_every" env:"FRAME_PROGRESS_EVERY"`
	ImageDetail   string             `yaml:"image_detail" env:"FRAME_IMAGE_DETAIL"`
	Encode        media.EncodeConfig `yaml:"encode"`
}

// ErrorConfig configures the pipeline error classifier.
type ErrorConfig struct {
	Classifier     sessionerrors.ClassifierConfig `yaml:"classifier"`
	SignaturesFile string                         `yaml:"signatures_file" env:"ERROR_SIGNATURES_FILE"`
	MaxFailures    int                            `yaml:"max_failures" env:"ERROR_MAX_FAILURES"`
	FailureWindow  time.Duration                  `yaml:"failure_window" env:"ERROR_FAILURE_WINDOW"`
}

// MetricsConfig configures the Prometheus exporter. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"METRICS_ADDR"`
}

// StoreConfig selects where session reports are kept.
// Without a redis address reports stay in memory.
type StoreConfig struct {
	RedisAddr string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisDB   int           `yaml:"redis_db" env:"REDIS_DB"`
	Prefix    string        `yaml:"prefix" env:"STORE_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"STORE_TTL"`
}

// Default returns the configuration used when no file or environment is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":3000",
			AgentAddr:    ":8081",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			RateLimit:    5,
			RateBurst:    10,
		},
		Agent: AgentConfig{
			Name:         "my-telephony-agent",
			DefaultVoice: agentconfig.DefaultTTSVoice,
		},
		Voice: VoiceOptions{
			MinEndpointingDelay:     400 * time.Millisecond,
			MaxEndpointingDelay:     4000 * time.Millisecond,
			MinInterruptionDuration: 400 * time.Millisecond,
			StabilizationDelay:      1500 * time.Millisecond,
			LLMModel:                agentconfig.DefaultLLMModel,
			TTSModel:                agentconfig.DefaultTTSModel,
			TTSInstructions:         agentconfig.DefaultTTSInstructions,
		},
		Frames: FrameConfig{
			ProgressEvery: 60,
			Encode:        media.DefaultEncodeConfig(),
		},
		Errors: ErrorConfig{
			Classifier:    sessionerrors.ClassifierConfig{Apology: sessionerrors.DefaultApology},
			MaxFailures:   3,
			FailureWindow: 30 * time.Second,
		},
		Logging: logger.LoggingConfigSpec{DefaultLevel: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Tracing: telemetry.Config{ServiceName: telemetry.DefaultServiceName},
		Store: StoreConfig{
			Prefix: "livekit-check",
			TTL:    7 * 24 * time.Hour,
		},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. A missing file is not an error; an empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Debug("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := decodeYAML(bytes.NewReader(data), cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if f := cfg.Errors.SignaturesFile; f != "" {
		if err := cfg.loadSignatures(f); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) loadSignatures(path string) error {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("open signatures %s: %w", path, err)
	}
	defer f.Close()
	sigs, err := sessionerrors.LoadSignatures(f)
	if err != nil {
		return fmt.Errorf("load signatures %s: %w", path, err)
	}
	if c.Errors.Classifier.Signatures == nil {
		c.Errors.Classifier.Signatures = sessionerrors.DefaultSignatures()
	}
	c.Errors.Classifier.Signatures = append(c.Errors.Classifier.Signatures, sigs...)
	return nil
}

// Validate reports every problem that would stop the given command from running.
// Telephony credentials are only required when requireLiveKit is set.
func (c *Config) Validate(requireLiveKit bool) error {
	var errs []error
	if requireLiveKit {
		if !c.LiveKit.Configured() {
			errs = append(errs, errors.New("livekit url, api_key and api_secret are required"))
		} else if _, err := url.Parse(c.LiveKit.APIURL()); err != nil {
			errs = append(errs, fmt.Errorf("livekit url: %w", err))
		}
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("server rate limit must not be negative"))
	}
	if c.Voice.MinEndpointingDelay > c.Voice.MaxEndpointingDelay {
		errs = append(errs, fmt.Errorf("voice.min_endpointing_delay %s exceeds max %s",
			c.Voice.MinEndpointingDelay, c.Voice.MaxEndpointingDelay))
	}
	if q := c.Frames.Encode.Quality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("frames.encode.quality %d out of range 1-100", q))
	}
	if c.Errors.MaxFailures < 1 || c.Errors.FailureWindow <= 0 {
		errs = append(errs, errors.New("errors.max_failures and errors.failure_window must be positive"))
	}
	if f := c.Logging.Format; f != "" && f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", f))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
