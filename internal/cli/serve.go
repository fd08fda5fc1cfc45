package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/harvester/internal/config"
	"github.com/roach88/harvester/internal/harvest"
	"github.com/roach88/harvester/internal/metrics"
	"github.com/roach88/harvester/internal/registry"
	"github.com/roach88/harvester/internal/stream"
	"github.com/roach88/harvester/internal/throttle"
)

const (
	healthPath  = "/healthz"
	metricsPath = "/metrics"

	shutdownTimeout = 5 * time.Second
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen     string
	BaseURL    string
	InstanceID string

	// ready, when set, receives the bound listener address (for testing).
	ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the harvester, the change stream and the HTTP server",
		Long: `Start the change pipeline and serve the change stream.

The harvester resumes from the instance's checkpoint (or the log head on first
start) and runs the configured webhook handlers. The HTTP server exposes:

  GET {base_url}/changes/stream   Server-Sent Events change stream
  GET {base_url}/healthz          pipeline state and checkpoint
  GET {base_url}/metrics          Prometheus metrics

Example:
  harvester serve --db ./harvester.db --listen :8080
  harvester serve -c harvester.yaml --instance worker-2`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "route prefix (overrides config)")
	cmd.Flags().StringVar(&opts.InstanceID, "instance", "", "checkpoint instance id (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.InstanceID != "" {
		cfg.InstanceID = opts.InstanceID
	}
	logger := newLogger(opts.RootOptions, cfg)

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer closeBackend(b, logger)

	reg, err := buildRegistry(cfg, b)
	if err != nil {
		return err
	}

	throttleCfg := cfg.ThrottleConfig()
	throttleCfg.Logger = logger
	thr := throttle.New(throttleCfg)
	defer func() { _ = thr.Stop() }()

	collector := metrics.NewCollector(thr.Len)
	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(collector)

	h, err := newHarvester(cfg, b, reg, thr, collector, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure harvester", err)
	}

	hub, err := stream.NewHub(stream.HubConfig{Log: b, Logger: logger})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure change stream", err)
	}
	sse := stream.NewHandler(stream.HandlerConfig{
		Hub:          hub,
		Registry:     reg,
		Adapter:      b,
		TickInterval: cfg.Stream.TickInterval.Std(),
		Observer:     collector,
		Logger:       logger,
	})

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "event", "signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	if err := hub.Start(ctx); err != nil {
		_ = listener.Close()
		return WrapExitError(ExitCommandError, "failed to start change stream", err)
	}
	if err := h.Start(ctx); err != nil {
		_ = listener.Close()
		_ = hub.Stop()
		return WrapExitError(ExitCommandError, "failed to start harvester", err)
	}

	server := &http.Server{
		Handler:           newRouter(cfg.BaseURL, sse, healthHandler(h, hub), gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()

	addr := listener.Addr().String()
	logger.Info("harvester serving",
		"event", "serve",
		"addr", addr,
		"base_url", cfg.BaseURL,
		"instance", h.InstanceID(),
		"resources", len(reg.Resources()),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving change stream on %s%s\n", addr, stream.JoinPath(cfg.BaseURL, stream.Path))
	if opts.ready != nil {
		opts.ready(addr)
	}

	var httpErr error
	select {
	case <-ctx.Done():
	case <-h.Dead():
	case httpErr = <-serveErr:
	}

	// Ending the hub first closes open streams so Shutdown does not wait on
	// them.
	if err := hub.Stop(); err != nil {
		logger.Warn("change stream stopped with error", "event", "hub_stop", "error", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "event", "http_shutdown", "error", err)
	}

	harvestErr := h.Stop()
	if harvestErr != nil {
		logger.Error("harvester stopped", "event", "fatal", "error", harvestErr)
		return WrapExitError(ExitFailure, "harvester stopped", harvestErr)
	}
	if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "http server failed", httpErr)
	}

	logger.Info("harvester stopped gracefully", "event", "shutdown", "checkpoint", h.Checkpoint().String())
	return nil
}

func newHarvester(cfg config.Config, b backend, reg *registry.Registry, thr *throttle.Throttle, observer harvest.Observer, logger *slog.Logger) (*harvest.Harvester, error) {
	retryCfg := cfg.RetryConfig()
	retryCfg.OnStuck = func(s harvest.Stuck) {
		logger.Warn("handler stuck",
			"event", "handler_stuck",
			"resource", s.Resource,
			"operation", string(s.Operation),
			"document_id", s.DocumentID,
			"position", s.Position.String(),
			"attempts", s.Attempts,
			"error", s.LastError,
		)
	}

	return harvest.New(harvest.Config{
		Log:        b,
		Adapter:    b,
		Registry:   reg,
		InstanceID: cfg.InstanceID,
		Invoker:    thr,
		Retry:      retryCfg,
		MaxPending: cfg.MaxPending,
		Observer:   observer,
		Logger:     logger,
	})
}

// newRouter mounts the stream, health and metrics routes under baseURL.
func newRouter(baseURL string, sse *stream.Handler, health http.Handler, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	stream.RegisterRoutes(router, baseURL, sse)
	router.Handle(stream.JoinPath(baseURL, healthPath), health).Methods(http.MethodGet)
	router.Handle(stream.JoinPath(baseURL, metricsPath), promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

// healthStatus is the /healthz body.
type healthStatus struct {
	State       string `json:"state"`
	InstanceID  string `json:"instance_id"`
	Checkpoint  string `json:"checkpoint"`
	Head        string `json:"head"`
	Subscribers int    `json:"subscribers"`
}

// healthHandler reports 200 while the pipeline runs and 503 once it has
// stopped.
func healthHandler(h *harvest.Harvester, hub *stream.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := h.State()
		status := healthStatus{
			State:       state.String(),
			InstanceID:  h.InstanceID(),
			Checkpoint:  h.Checkpoint().String(),
			Head:        hub.Head().String(),
			Subscribers: hub.Subscribers(),
		}

		code := http.StatusOK
		if state == harvest.Stopped || state == harvest.Stopping {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
