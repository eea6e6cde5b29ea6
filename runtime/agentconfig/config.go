// Package agentconfig resolves the per-call agent configuration carried in
// LiveKit job, room, or dispatch metadata.
//
// Metadata is a JSON object. It is validated against a JSON schema, may be
// narrowed with a JMESPath selector when the agent settings are nested in a
// larger document, and is decoded over a set of defaults. Job metadata wins
// over room metadata; when neither yields a usable object the defaults apply.
package agentconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmespath/go-jmespath"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/Conversly/livekit-check/runtime/logger"
)

// Defaults applied when metadata leaves a field unset.
const (
	DefaultSTTLanguage = "en"
	DefaultTTSVoice    = "zephyr"
	DefaultTTSLanguage = "en"

	DefaultLLMModel        = "gemini-2.5-flash-lite"
	DefaultTTSModel        = "gemini-2.5-flash-preview-tts"
	DefaultTTSInstructions = "Speak in a friendly and engaging tone."

	DefaultInstructions = "You are a helpful voice AI assistant. The user is interacting with you via voice, " +
		"even if you perceive the conversation as text. " +
		"You eagerly assist users with their questions by providing information from your extensive knowledge. " +
		"Your responses are concise, to the point, and without any complex formatting or punctuation " +
		"including emojis, asterisks, or other symbols. " +
		"You are curious, friendly, and have a sense of humor."
)

// DefaultVoices is the set of synthesis voices accepted in tts_voice.
var DefaultVoices = []string{
	"achernar", "achird", "algenib", "algieba", "alnilam", "aoede",
	"autonoe", "callirrhoe", "charon", "despina", "enceladus", "erinome",
	"fenrir", "gacrux", "iapetus", "kore", "laomedeia", "leda", "orus",
	"puck", "pulcherrima", "rasalgethi", "sadachbia", "sadaltager",
	"schedar", "sulafat", "umbriel", "vindemiatrix", "zephyr", "zubenelgenubi",
}

var (
	// ErrEmptyMetadata is returned by Parse when the metadata holds no settings.
	ErrEmptyMetadata = errors.New("agent metadata is empty")
	// ErrInvalidMetadata is returned when metadata is not a valid settings object.
	ErrInvalidMetadata = errors.New("invalid agent metadata")
)

// AgentConfig is the resolved configuration for one agent job.
type AgentConfig struct {
	PhoneNumber     string `json:"phone_number,omitempty"`
	OutboundTrunkID string `json:"outbound_trunk_id,omitempty"`
	KrispEnabled    bool   `json:"krisp_enabled"`
	PlayDialtone    bool   `json:"play_dialtone"`
	DisplayName     string `json:"display_name,omitempty"`
	DTMF            string `json:"dtmf,omitempty"`
	Instructions    string `json:"instructions"`
	STTLanguage     string `json:"stt_language"`
	TTSVoice        string `json:"tts_voice"`
	TTSLanguage     string `json:"tts_language"`
}

// Default returns the configuration used when no metadata is present.
func Default() *AgentConfig {
	return &AgentConfig{
		KrispEnabled: true,
		PlayDialtone: false,
		Instructions: DefaultInstructions,
		STTLanguage:  DefaultSTTLanguage,
		TTSVoice:     DefaultTTSVoice,
		TTSLanguage:  DefaultTTSLanguage,
	}
}

// IsOutbound reports whether the job places an outbound phone call.
func (c *AgentConfig) IsOutbound() bool {
	return c.PhoneNumber != ""
}

// TrunkID returns the configured outbound trunk, or fallback when unset.
func (c *AgentConfig) TrunkID(fallback string) string {
	if c.OutboundTrunkID != "" {
		return c.OutboundTrunkID
	}
	return fallback
}

// Origin names where a resolved configuration came from.
type Origin string

// Configuration origins.
const (
	OriginJob     Origin = "job"
	OriginRoom    Origin = "room"
	OriginDefault Origin = "default"
)

// Loader parses agent metadata.
type Loader struct {
	selector     *jmespath.JMESPath
	voices       sets.Set[string]
	defaultVoice string
}

// Option configures a Loader.
type Option func(*loaderOptions)

type loaderOptions struct {
	selector     string
	voices       []string
	defaultVoice string
}

// WithSelector narrows each metadata document with a JMESPath expression
// before decoding, e.g. "agent_config" when the settings are nested.
func WithSelector(expr string) Option {
	return func(o *loaderOptions) { o.selector = expr }
}

// WithVoices replaces the accepted voice set.
func WithVoices(voices ...string) Option {
	return func(o *loaderOptions) { o.voices = voices }
}

// WithDefaultVoice sets the voice used when tts_voice is missing or unknown.
func WithDefaultVoice(voice string) Option {
	return func(o *loaderOptions) { o.defaultVoice = voice }
}

// NewLoader creates a Loader. It fails only when the selector does not compile.
func NewLoader(opts ...Option) (*Loader, error) {
	o := loaderOptions{voices: DefaultVoices, defaultVoice: DefaultTTSVoice}
	for _, opt := range opts {
		opt(&o)
	}

	l := &Loader{
		voices:       sets.New[string](),
		defaultVoice: normalizeVoice(o.defaultVoice),
	}
	for _, v := range o.voices {
		l.voices.Insert(normalizeVoice(v))
	}
	l.voices.Insert(l.defaultVoice)

	if o.selector != "" {
		sel, err := jmespath.Compile(o.selector)
		if err != nil {
			return nil, fmt.Errorf("invalid metadata selector %q: %w", o.selector, err)
		}
		l.selector = sel
	}
	return l, nil
}

// Voices returns the accepted voice names in sorted order.
func (l *Loader) Voices() []string {
	return sets.List(l.voices)
}

// Parse decodes one metadata string over the defaults.
// It returns ErrEmptyMetadata for blank input, an empty object, or a
// selector that matches nothing.
func (l *Loader) Parse(ctx context.Context, metadata string) (*AgentConfig, error) {
	if strings.TrimSpace(metadata) == "" {
		return nil, ErrEmptyMetadata
	}

	var doc any
	if err := json.Unmarshal([]byte(metadata), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if l.selector != nil {
		selected, err := l.selector.Search(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: selector: %v", ErrInvalidMetadata, err)
		}
		doc = selected
	}

	if doc == nil {
		return nil, ErrEmptyMetadata
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a JSON object, got %T", ErrInvalidMetadata, doc)
	}
	if len(obj) == 0 {
		return nil, ErrEmptyMetadata
	}
	if err := validate(obj); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	l.normalize(ctx, cfg)
	return cfg, nil
}

// Resolve picks the configuration for a job: job metadata first, then room
// metadata, then defaults. Unparseable metadata is logged and skipped.
func (l *Loader) Resolve(ctx context.Context, jobMetadata, roomMetadata string) (*AgentConfig, Origin) {
	candidates := []struct {
		origin   Origin
		metadata string
	}{
		{OriginJob, jobMetadata},
		{OriginRoom, roomMetadata},
	}
	for _, c := range candidates {
		cfg, err := l.Parse(ctx, c.metadata)
		if err == nil {
			logger.DebugContext(ctx, "agent config loaded from metadata", "origin", c.origin)
			return cfg, c.origin
		}
		if !errors.Is(err, ErrEmptyMetadata) {
			logger.WarnContext(ctx, "failed to parse metadata, skipping",
				"origin", c.origin, "error", err)
		}
	}

	cfg := Default()
	l.normalize(ctx, cfg)
	return cfg, OriginDefault
}

func (l *Loader) normalize(ctx context.Context, cfg *AgentConfig) {
	raw := cfg.TTSVoice
	voice := normalizeVoice(raw)
	if voice == "" {
		voice = l.defaultVoice
	}
	if !l.voices.Has(voice) {
		logger.WarnContext(ctx, "invalid voice name, falling back to default",
			"voice", raw, "default", l.defaultVoice)
		voice = l.defaultVoice
	}
	cfg.TTSVoice = voice

	if cfg.PhoneNumber != "" {
		cfg.PhoneNumber = NormalizePhoneNumber(cfg.PhoneNumber)
	}
}

func normalizeVoice(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// LogSummary writes the resolved configuration at info level.
// Phone numbers are masked.
func (c *AgentConfig) LogSummary(ctx context.Context, origin Origin) {
	callType := "inbound"
	if c.IsOutbound() {
		callType = "outbound"
	}
	instructions := c.Instructions
	const preview = 100
	if len(instructions) > preview {
		instructions = instructions[:preview] + "..."
	}
	logger.InfoContext(ctx, "agent configuration",
		"origin", origin,
		"call_type", callType,
		"phone_number", logger.RedactPhoneNumber(c.PhoneNumber),
		"stt_language", c.STTLanguage,
		"tts_voice", c.TTSVoice,
		"tts_language", c.TTSLanguage,
		"krisp_enabled", c.KrispEnabled,
		"instructions", instructions,
	)
}
