package logger

import (
	"log/slog"
	"strings"
	"sync"
)

// ModuleConfig manages per-module log levels. Module names are dotted
// ("runtime.framebuffer"); the most specific configured prefix wins.
type ModuleConfig struct {
	defaultLevel slog.Level
	modules      map[string]slog.Level
	mu           sync.RWMutex
}

// NewModuleConfig creates a new ModuleConfig with the given default level.
func NewModuleConfig(defaultLevel slog.Level) *ModuleConfig {
	return &ModuleConfig{
		defaultLevel: defaultLevel,
		modules:      make(map[string]slog.Level),
	}
}

// SetModuleLevel sets the log level for a specific module.
func (m *ModuleConfig) SetModuleLevel(module string, level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[module] = level
}

// SetDefaultLevel sets the default log level.
func (m *ModuleConfig) SetDefaultLevel(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultLevel = level
}

// LevelFor returns the level for module, walking up the dotted hierarchy
// until a configured entry is found.
func (m *ModuleConfig) LevelFor(module string) slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for module != "" {
		if level, ok := m.modules[module]; ok {
			return level
		}
		lastDot := strings.LastIndex(module, ".")
		if lastDot == -1 {
			break
		}
		module = module[:lastDot]
	}
	return m.defaultLevel
}

// MinLevel returns the lowest level any module may log at.
func (m *ModuleConfig) MinLevel() slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()

	minLevel := m.defaultLevel
	for _, level := range m.modules {
		if level < minLevel {
			minLevel = level
		}
	}
	return minLevel
}

// Len returns the number of module overrides.
func (m *ModuleConfig) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.modules)
}

// LoggingConfigSpec is the logging section of the runtime configuration.
type LoggingConfigSpec struct {
	DefaultLevel string            `yaml:"level" env:"LOG_LEVEL"`
	Format       string            `yaml:"format" env:"LOG_FORMAT"` // "json" or "text"
	CommonFields map[string]string `yaml:"common_fields"`
	Modules      []ModuleLoggingSpec `yaml:"modules"`
}

// ModuleLoggingSpec configures logging for a specific module.
type ModuleLoggingSpec struct {
	Name  string `yaml:"name"`
	Level string `yaml:"level"`
}

// Log format constants
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Configure rebuilds DefaultLogger from cfg. A logger installed with
// SetLogger is preserved.
func Configure(cfg *LoggingConfigSpec) error {
	if cfg == nil {
		return nil
	}

	mu.Lock()
	defer mu.Unlock()
	if customHandler != nil {
		return nil
	}

	defaultLevel := slog.LevelInfo
	if cfg.DefaultLevel != "" {
		defaultLevel = ParseLevel(cfg.DefaultLevel)
	}

	commonFields := make([]slog.Attr, 0, len(cfg.CommonFields))
	for k, v := range cfg.CommonFields {
		commonFields = append(commonFields, slog.String(k, v))
	}

	moduleConfig := NewModuleConfig(defaultLevel)
	for _, mod := range cfg.Modules {
		moduleConfig.SetModuleLevel(mod.Name, ParseLevel(mod.Level))
	}

	// The base handler must let through everything a module may log.
	base := newBaseHandler(moduleConfig.MinLevel(), cfg.Format == FormatJSON)

	var handler slog.Handler
	if moduleConfig.Len() > 0 {
		handler = NewModuleHandler(base, moduleConfig, commonFields...)
	} else {
		handler = NewContextHandler(base, commonFields...)
	}

	DefaultLogger = slog.New(handler)
	slog.SetDefault(DefaultLogger)
	return nil
}
