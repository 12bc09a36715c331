package logging

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conveyor/internal/config"
)

// maxPatternLen bounds redaction patterns supplied through configuration.
const maxPatternLen = 200

// Config holds logging configuration.
type Config struct {
	Level  zapcore.Level `koanf:"level"`
	Format string        `koanf:"format"`

	// Stdout and OTEL select the outputs. At least one must be enabled.
	Stdout bool `koanf:"stdout"`
	OTEL   bool `koanf:"otel"`

	Caller          bool          `koanf:"caller"`
	StacktraceLevel zapcore.Level `koanf:"stacktrace_level"`

	Sampling  SamplingConfig    `koanf:"sampling"`
	Redaction RedactionConfig   `koanf:"redaction"`
	Fields    map[string]string `koanf:"fields"`
}

// SamplingConfig throttles repeated Debug and Info entries. Warnings and
// errors always pass.
type SamplingConfig struct {
	Enabled    bool            `koanf:"enabled"`
	Tick       config.Duration `koanf:"tick"`
	Initial    int             `koanf:"initial"`
	Thereafter int             `koanf:"thereafter"`
}

// RedactionConfig names the field keys and value patterns that are masked
// before an entry is written.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

// NewDefaultConfig returns the settings used by the daemon.
func NewDefaultConfig() *Config {
	return &Config{
		Level:           zapcore.InfoLevel,
		Format:          "json",
		Stdout:          true,
		Caller:          true,
		StacktraceLevel: zapcore.ErrorLevel,
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"authorization", "token", "secret", "password",
				"webhook_secret", "bearer", "api_key", "private_key",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`\bgh[pousr]_[A-Za-z0-9]{20,}`,
				`\bxox[abprs]-[A-Za-z0-9-]{10,}`,
				`(?i)api[_-]?key[=:]\s*\S+`,
			},
		},
		Fields: map[string]string{"service": "conveyor"},
	}
}

// FromSettings builds a config from the logging.level and logging.format
// settings of the configuration file.
func FromSettings(level, format string) (*Config, error) {
	cfg := NewDefaultConfig()
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = lvl
	if format != "" {
		cfg.Format = format
	}
	return cfg, cfg.Validate()
}

// ParseLevel parses a level name. Empty means info, and "warning" is
// accepted for warn.
func ParseLevel(s string) (zapcore.Level, error) {
	switch name := strings.ToLower(strings.TrimSpace(s)); name {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	default:
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(name)); err != nil {
			return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", s)
		}
		return l, nil
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("format must be \"json\" or \"console\", got %q", c.Format)
	}
	if !c.Stdout && !c.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick.Duration() <= 0 {
			return fmt.Errorf("sampling tick must be > 0 when sampling is enabled")
		}
		if c.Sampling.Initial < 0 || c.Sampling.Thereafter < 0 {
			return fmt.Errorf("sampling initial and thereafter must be >= 0")
		}
	}
	if c.Redaction.Enabled {
		if _, err := compilePatterns(c.Redaction.Patterns); err != nil {
			return err
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	return nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern longer than %d characters: %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
