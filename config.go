package haproxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/10088/haproxy/httpclient"
)

// Config is the whole process configuration.
type Config struct {
	Log    LogConfig         `yaml:"log"`
	Admin  AdminConfig       `yaml:"admin"`
	Client httpclient.Config `yaml:"client"`
}

// LogConfig selects the process logger's level and output shape.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// AdminConfig places the admin socket.
type AdminConfig struct {
	Network string `yaml:"network" validate:"omitempty,oneof=tcp tcp4 tcp6 unix"`
	Addr    string `yaml:"addr"`
}

// NewLogger builds the logger c describes, writing to stderr.
func (c LogConfig) NewLogger() *slog.Logger {
	level := slog.LevelInfo
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if c.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(h)
}

// LoadConfig reads and validates a yaml config file. A missing file is
// an error; an empty one yields the zero Config, whose defaults are
// filled in by [New].
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := ParseConfig(b)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// ParseConfig decodes yaml config bytes. Unknown keys are rejected, as
// is anything the field validators refuse.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := httpclient.Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
