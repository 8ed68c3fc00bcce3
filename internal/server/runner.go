package server

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/netgrove/authdnsd/internal/config"
	"github.com/netgrove/authdnsd/internal/dnsproc"
	"github.com/netgrove/authdnsd/internal/qsr"
	"github.com/netgrove/authdnsd/internal/registry"
	"github.com/netgrove/authdnsd/internal/reload"
	"github.com/netgrove/authdnsd/internal/zone"
)

// Runner orchestrates the DNS server startup, configuration, and shutdown.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a new server runner with the given logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run starts the DNS server with the given configuration.
//
// Server lifecycle:
//  1. Configure runtime (GOMAXPROCS based on workers setting)
//  2. Build the zone registry and start the reload orchestrator's background dispatch loop
//  3. Run an initial reload through that loop and wait for it to finish
//  4. Start UDP and optionally TCP servers
//  5. Wait for shutdown signal (SIGINT/SIGTERM)
//  6. Gracefully stop servers with timeout
func (r *Runner) Run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	desiredProcs := r.configureRuntime(cfg)
	workers := r.calculateWorkers(cfg, desiredProcs)

	domain := qsr.NewDomain()
	reg := registry.New(domain)
	source := &zone.FileSource{Dir: cfg.Zones.Directory, Files: cfg.Zones.Files}
	orch := reload.New(reg, source, r.logger)
	orch.Start(ctx)
	r.runInitialLoad(orch)

	proc := dnsproc.New(reg, r.logger)
	limiter := NewRateLimiterFromConfig(cfg.RateLimit)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	r.logStartup(cfg, addr, workers)

	udp := &UDPServer{Logger: r.logger, Processor: proc, Domain: domain, Limiter: limiter, WorkersPerSocket: workers}
	var tcp *TCPServer
	if cfg.Server.EnableTCP {
		tcp = &TCPServer{Logger: r.logger, Processor: proc, Domain: domain, MaxClients: cfg.Server.MaxClients}
	}

	errCh := make(chan error, 2)
	go func() { errCh <- udp.Run(ctx, addr) }()
	if tcp != nil {
		go func() { errCh <- tcp.Run(ctx, addr) }()
	}

	select {
	case <-ctx.Done():
		// shutdown requested via signal
	case err := <-errCh:
		if err != nil {
			cancelRun()
			return err
		}
	}

	stopTimeout := 5 * time.Second
	_ = udp.Stop(stopTimeout)
	if tcp != nil {
		_ = tcp.Stop(stopTimeout)
	}
	return nil
}

// runInitialLoad triggers a reload against the already-started dispatch
// loop and blocks until it completes, so the registry is never empty at
// the first query the server answers.
func (r *Runner) runInitialLoad(orch *reload.Orchestrator) {
	orch.Trigger()
	res := <-orch.Results()
	if r.logger != nil {
		r.logger.Info("initial zone load", "job", res.JobID, "success", res.Success, "zones", len(res.Zones))
	}
}

// configureRuntime sets GOMAXPROCS based on worker configuration.
// Workers can reduce but never increase parallelism beyond the default.
func (r *Runner) configureRuntime(cfg *config.Config) int {
	baseProcs := runtime.GOMAXPROCS(0)
	if baseProcs <= 0 {
		baseProcs = 1
	}
	desiredProcs := baseProcs

	if cfg.Server.Workers.Mode == config.WorkersFixed {
		w := cfg.Server.Workers.Value
		if w <= 0 {
			w = 1
		}
		if w < desiredProcs {
			desiredProcs = w
		}
	}

	prev := runtime.GOMAXPROCS(desiredProcs)
	actual := runtime.GOMAXPROCS(0)
	if r.logger != nil {
		r.logger.Info("runtime", "gomaxprocs", actual, "prev", prev, "base", baseProcs)
	}
	return actual
}

// calculateWorkers determines the number of UDP worker goroutines per
// socket. One SO_REUSEPORT socket is opened per worker.
func (r *Runner) calculateWorkers(cfg *config.Config, procs int) int {
	if cfg.Server.Workers.Mode == config.WorkersFixed && cfg.Server.Workers.Value > 0 {
		return cfg.Server.Workers.Value
	}
	w := procs
	if w <= 0 {
		w = 1
	}
	return w
}

// logStartup logs server configuration at startup.
func (r *Runner) logStartup(cfg *config.Config, addr string, workers int) {
	if r.logger != nil {
		r.logger.Info(
			"dns listening",
			"addr", addr,
			"udp", true,
			"tcp", cfg.Server.EnableTCP,
			"workers", workers,
			"max_clients", cfg.Server.MaxClients,
			"rate_limit", RateLimitsStartupLog(cfg.RateLimit),
		)
	}
}
