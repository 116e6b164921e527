// Command sosd is the execution substrate's daemon binary: it builds every
// subsystem once (internal/services.Build), starts the Daemon's seven
// cooperating loops, and serves the Engine's HTTP surface in the same
// process, the default single-host deployment shape of spec.md §5.
//
// Structured as cmd/control-plane/main.go is: a flat main() building a
// ServeMux-backed HTTP server, listening for SIGINT/SIGTERM via
// signal.NotifyContext, and shutting down gracefully — generalized here
// from one HTTP server to "HTTP server plus seven background loops," both
// stopped by the same cancelled context.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sosproject/sentinel/internal/buildinfo"
	"github.com/sosproject/sentinel/internal/config"
	"github.com/sosproject/sentinel/internal/daemon"
	"github.com/sosproject/sentinel/internal/engine"
	"github.com/sosproject/sentinel/internal/logging"
	"github.com/sosproject/sentinel/internal/services"
	"github.com/sosproject/sentinel/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	buildinfo.Version, buildinfo.Commit, buildinfo.Date = version, commit, date

	cfg, err := config.Load(os.Getenv("SOS_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "sosd: load config:", err)
		os.Exit(1)
	}

	log := logging.New(logging.Options{StripEmojis: !cfg.LogEmojis})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, os.Getenv("SOS_OTLP_ENDPOINT"), version)
	if err != nil {
		log.Error(err, "sosd: init trace provider failed, continuing without tracing")
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.Background())

	svc, err := services.Build(ctx, cfg, log)
	if err != nil {
		log.Error(err, "sosd: failed to build services")
		os.Exit(1)
	}

	agentID := os.Getenv("SOS_AGENT_ID")
	if agentID == "" {
		agentID = "sentinel-genesis"
	}

	e := engine.New(engine.Config{
		Tasks:                   svc.Tasks,
		Models:                  svc.Models,
		Workers:                 svc.Workers,
		Limiter:                 svc.Limiter,
		Verifier:                svc.Verifier,
		StrictCapabilities:      cfg.StrictCapabilities,
		Log:                     log,
	})
	httpSrv := engine.NewServer(e, cfg.EngineListenAddr)

	d := daemon.New(daemon.Config{
		AgentID:            agentID,
		Bus:                svc.Bus,
		Tasks:              svc.Tasks,
		Workers:            svc.Workers,
		Models:             svc.Models,
		Limiter:            svc.Limiter,
		Notifier:           svc.Notifier,
		AutoClaimEnabled:   cfg.AutoClaimEnabled,
		AutoExecuteEnabled: cfg.AutoExecuteEnabled,
		AutoReportEnabled:  cfg.AutoReportEnabled,
		TaskClaimInterval:  time.Duration(cfg.TaskPollingInterval) * time.Second,
		Log:                log,
	})

	log.Info("sosd starting", "version", version, "agent_id", agentID, "engine_addr", cfg.EngineListenAddr,
		"auto_claim", cfg.AutoClaimEnabled, "auto_execute", cfg.AutoExecuteEnabled, "auto_report", cfg.AutoReportEnabled)

	d.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("sosd: shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error(err, "sosd: engine http server exited")
		}
		cancel()
	}

	d.Stop()
	<-errCh
	log.Info("sosd: stopped")
}
