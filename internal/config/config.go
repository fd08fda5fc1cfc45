// Package config loads harvester settings from YAML or CUE files.
//
// The format is picked by file extension: ".cue" files are evaluated with
// the CUE runtime and exported as JSON, everything else is decoded as YAML
// with unknown fields rejected.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/harvester/internal/checkpoint"
	"github.com/roach88/harvester/internal/harvest"
	"github.com/roach88/harvester/internal/store"
	"github.com/roach88/harvester/internal/stream"
	"github.com/roach88/harvester/internal/throttle"
)

// Duration is a time.Duration written as a string ("500ms", "2s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalJSON implements json.Unmarshaler. CUE exports durations as
// strings.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full harvester configuration.
type Config struct {
	Database     string `yaml:"database" json:"database"`
	DatabaseName string `yaml:"database_name" json:"database_name"`
	MongoURL     string `yaml:"mongo_url" json:"mongo_url"`

	InstanceID string `yaml:"instance_id" json:"instance_id"`
	Listen     string `yaml:"listen" json:"listen"`
	BaseURL    string `yaml:"base_url" json:"base_url"`
	MaxPending int    `yaml:"max_pending" json:"max_pending"`

	Throttle Throttle `yaml:"throttle" json:"throttle"`
	Retry    Retry    `yaml:"retry" json:"retry"`
	Stream   Stream   `yaml:"stream" json:"stream"`

	Resources []string           `yaml:"resources" json:"resources"`
	Handlers  map[string]Handlers `yaml:"handlers" json:"handlers"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// Throttle bounds handler starts per window.
type Throttle struct {
	Limit  int      `yaml:"limit" json:"limit"`
	Window Duration `yaml:"window" json:"window"`
}

// Retry configures handler retries.
type Retry struct {
	Delay       Duration `yaml:"delay" json:"delay"`
	MaxDelay    Duration `yaml:"max_delay" json:"max_delay"`
	Backoff     string   `yaml:"backoff" json:"backoff"`
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts"`
	StuckAfter  int      `yaml:"stuck_after" json:"stuck_after"`
}

// Stream configures the SSE endpoint.
type Stream struct {
	TickInterval Duration `yaml:"tick_interval" json:"tick_interval"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
}

// Handlers binds webhooks to the operations of one resource.
type Handlers struct {
	Insert   *Hook `yaml:"insert" json:"insert"`
	Update   *Hook `yaml:"update" json:"update"`
	Delete   *Hook `yaml:"delete" json:"delete"`
	Detached bool  `yaml:"detached" json:"detached"`
}

// Hook is a webhook target. Filter only applies to updates.
type Hook struct {
	URL    string `yaml:"url" json:"url"`
	Filter string `yaml:"filter" json:"filter"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database:     "harvester.db",
		DatabaseName: store.DefaultDatabaseName,
		InstanceID:   checkpoint.DefaultInstanceID,
		Listen:       ":8080",
		MaxPending:   harvest.DefaultMaxPending,
		Throttle: Throttle{
			Limit:  throttle.DefaultLimit,
			Window: Duration(throttle.DefaultWindow),
		},
		Retry: Retry{
			Delay:   Duration(harvest.DefaultRetryDelay),
			Backoff: string(harvest.BackoffFixed),
		},
		Stream: Stream{
			TickInterval: Duration(stream.DefaultTickInterval),
			PollInterval: Duration(store.DefaultPollInterval),
		},
		LogLevel: "info",
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		err = decodeCUE(path, data, &cfg)
	default:
		err = decodeYAML(data, &cfg)
	}
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		// An empty document leaves the defaults in place.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func decodeCUE(path string, data []byte, cfg *Config) error {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return fmt.Errorf("building CUE value: %w", err)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("CUE value is not concrete: %w", err)
	}

	raw, err := value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("exporting CUE value: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode CUE config: %w", err)
	}
	return nil
}

// Validate checks limits and handler bindings.
func (c Config) Validate() error {
	var errs []error

	if c.Database == "" && c.MongoURL == "" {
		errs = append(errs, errors.New("one of database or mongo_url is required"))
	}
	if c.InstanceID == "" {
		errs = append(errs, errors.New("instance_id must not be empty"))
	}
	if c.MaxPending <= 0 {
		errs = append(errs, fmt.Errorf("max_pending must be positive, got %d", c.MaxPending))
	}
	if c.Throttle.Limit <= 0 {
		errs = append(errs, fmt.Errorf("throttle.limit must be positive, got %d", c.Throttle.Limit))
	}
	if c.Throttle.Window <= 0 {
		errs = append(errs, fmt.Errorf("throttle.window must be positive, got %s", c.Throttle.Window))
	}
	if c.Retry.Delay <= 0 {
		errs = append(errs, fmt.Errorf("retry.delay must be positive, got %s", c.Retry.Delay))
	}
	if c.Retry.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("retry.max_delay must not be negative, got %s", c.Retry.MaxDelay))
	}
	if _, err := harvest.ParseBackoff(c.Retry.Backoff); err != nil {
		errs = append(errs, fmt.Errorf("retry.backoff: %w", err))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must not be negative, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.StuckAfter < 0 {
		errs = append(errs, fmt.Errorf("retry.stuck_after must not be negative, got %d", c.Retry.StuckAfter))
	}
	if c.Stream.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("stream.tick_interval must be positive, got %s", c.Stream.TickInterval))
	}
	if c.Stream.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("stream.poll_interval must be positive, got %s", c.Stream.PollInterval))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	for name, h := range c.Handlers {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("handlers: resource name must not be empty"))
			continue
		}
		if h.Insert == nil && h.Update == nil && h.Delete == nil {
			errs = append(errs, fmt.Errorf("handlers.%s: at least one of insert, update or delete is required", name))
		}
		for op, hook := range map[string]*Hook{"insert": h.Insert, "update": h.Update, "delete": h.Delete} {
			if hook != nil && hook.URL == "" {
				errs = append(errs, fmt.Errorf("handlers.%s.%s: url is required", name, op))
			}
		}
	}

	return errors.Join(errs...)
}

// ParseLevel maps a log_level string to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: unknown level %q", s)
	}
	return level, nil
}

// RetryConfig converts the retry section for the harvester.
func (c Config) RetryConfig() harvest.RetryConfig {
	return harvest.RetryConfig{
		Delay:       c.Retry.Delay.Std(),
		MaxDelay:    c.Retry.MaxDelay.Std(),
		Backoff:     harvest.Backoff(c.Retry.Backoff),
		MaxAttempts: c.Retry.MaxAttempts,
		StuckAfter:  c.Retry.StuckAfter,
	}
}

// ThrottleConfig converts the throttle section.
func (c Config) ThrottleConfig() throttle.Config {
	return throttle.Config{
		Limit:  c.Throttle.Limit,
		Window: c.Throttle.Window.Std(),
	}
}
