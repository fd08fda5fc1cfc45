package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/roach88/harvester/internal/config"
	"github.com/roach88/harvester/internal/mongostore"
	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/registry"
	"github.com/roach88/harvester/internal/resource"
	"github.com/roach88/harvester/internal/store"
	"github.com/roach88/harvester/internal/webhook"
)

// backend is a store that is both the operation log and the record adapter.
type backend interface {
	oplog.Log
	resource.Adapter
	io.Closer
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}

	if opts.Database != "" {
		cfg.Database = opts.Database
		cfg.MongoURL = ""
	}
	if opts.MongoURL != "" {
		cfg.MongoURL = opts.MongoURL
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// newLogger installs a text handler on stderr. --verbose forces debug,
// otherwise log_level decides.
func newLogger(opts *RootOptions, cfg config.Config) *slog.Logger {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// openBackend opens MongoDB when a URL is configured, SQLite otherwise.
func openBackend(cfg config.Config) (backend, error) {
	if cfg.MongoURL != "" {
		s, err := mongostore.Dial(cfg.MongoURL, mongostore.WithDatabaseName(cfg.DatabaseName))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to connect to mongo", err)
		}
		return s, nil
	}

	s, err := store.Open(cfg.Database,
		store.WithDatabaseName(cfg.DatabaseName),
		store.WithPollInterval(cfg.Stream.PollInterval.Std()),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return s, nil
}

// databaseName is the namespace prefix the backend writes under.
func databaseName(b backend) string {
	if named, ok := b.(interface{ DatabaseName() string }); ok {
		return named.DatabaseName()
	}
	return ""
}

// buildRegistry registers the configured resources and binds webhook
// handlers to them.
func buildRegistry(cfg config.Config, b backend) (*registry.Registry, error) {
	builder := registry.NewBuilder(databaseName(b)).Resource(cfg.Resources...)

	for name, hooks := range cfg.Handlers {
		handlers := registry.ChangeHandlers{
			Insert: hookHandler(hooks.Insert, b),
			Update: hookHandler(hooks.Update, b),
			Delete: hookHandler(hooks.Delete, b),
		}
		if hooks.Detached {
			handlers.Mode = registry.Detached
		}
		builder.OnChange(name, handlers)
	}

	reg, err := builder.Build()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid resources", err)
	}
	return reg, nil
}

func hookHandler(hook *config.Hook, records webhook.Deserializer) *registry.Handler {
	if hook == nil {
		return nil
	}
	fn := webhook.New(hook.URL, records)
	if hook.Filter != "" {
		return registry.Filtered(fn, hook.Filter)
	}
	return registry.Func(fn)
}

func closeBackend(b backend, logger *slog.Logger) {
	if err := b.Close(); err != nil {
		logger.Error("error closing backend", "event", "backend_close", "error", err)
	}
}

func formatter(opts *RootOptions, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: w}
}

func parsePosition(s string) (oplog.Position, error) {
	if s == "" {
		return oplog.Position{}, nil
	}
	pos, err := oplog.ParsePosition(s)
	if err != nil {
		return oplog.Position{}, WrapExitError(ExitCommandError, fmt.Sprintf("invalid position %q", s), err)
	}
	return pos, nil
}
