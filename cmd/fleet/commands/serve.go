package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/fleet/am"
	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/handlers"
	"github.com/teranos/fleet/logger"
	"github.com/teranos/fleet/pulse/assign"
	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/pulse/carousel"
	"github.com/teranos/fleet/pulse/controller"
	"github.com/teranos/fleet/pulse/ledger"
	"github.com/teranos/fleet/pulse/lock"
	"github.com/teranos/fleet/pulse/metrics"
	"github.com/teranos/fleet/pulse/progress"
	"github.com/teranos/fleet/pulse/retry"
	"github.com/teranos/fleet/remote"
	"github.com/teranos/fleet/remote/remotetest"
	"github.com/teranos/fleet/server"
	"github.com/teranos/fleet/sym"
)

// RemoteClient is the remote-service client used by serve. Binaries that
// link a concrete client set it before executing the root command. When it
// also implements remote.Watcher, watch jobs are available.
var RemoteClient remote.Client

const shutdownTimeout = 30 * time.Second

// ServeCmd runs the pollers, the carousel and the admin server
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Pulse + " Run pollers, the carousel and the admin server",
	Long: sym.Pulse + ` serve - run this process as a fleet node

A node:
- Polls the job store and executes fanout and watch jobs
- Runs adopted watches on their schedules (carousel)
- Serves the admin API, /metrics and /ws/jobs
- Hot-applies controller pacing when its config file changes

On Ctrl+C running jobs are handed back to pending with their progress so
another node resumes them.

Examples:
  fleet serve                       # Use the linked remote client
  fleet serve --dry-run             # Scripted client, nothing leaves the process
  fleet serve --workers 4 --addr :8787`,
	RunE: runServe,
}

var (
	serveDryRun     bool
	serveWorkers    int
	serveAddr       string
	serveConfigPath string
)

func init() {
	ServeCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "Use the scripted remote client instead of a real one")
	ServeCmd.Flags().IntVar(&serveWorkers, "workers", -1, "Number of pollers (overrides pulse.workers)")
	ServeCmd.Flags().StringVar(&serveAddr, "addr", "", "Admin server address (overrides server.addr)")
	ServeCmd.Flags().StringVar(&serveConfigPath, "config", "", "Config file to watch for pacing changes (default: last merged file)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logger.Logger

	client, watcher, err := remoteClient()
	if err != nil {
		return err
	}

	cfg, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if serveWorkers >= 0 {
		cfg.Pulse.Workers = serveWorkers
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	m := metrics.New()
	tracker := progress.NewTracker(st.queue, log)
	ctrl := controller.New(controller.Deps{
		Client:   client,
		Registry: st.registry,
		Locker:   lock.New(st.conn, st.dialect, log),
		Plans:    assign.NewManager(st.queue, st.registry, log),
		Progress: tracker,
		Queue:    st.queue,
		Retry:    retry.NewEngine(cfg.Retry, log),
		Metrics:  m,
		Logger:   log,
	}, cfg.Controller)

	led := ledger.New(st.conn, st.dialect)
	var car *carousel.Carousel
	if watcher != nil {
		car = carousel.New(ctx, carousel.Deps{
			Queue:      st.queue,
			Controller: ctrl,
			Client:     client,
			Watcher:    watcher,
			Registry:   st.registry,
			Ledger:     led,
			Watermarks: ledger.NewWatermarks(st.conn, st.dialect),
			Progress:   tracker,
			Metrics:    m,
			Logger:     log,
		}, cfg.Carousel)
	}

	reg := async.NewHandlerRegistry()
	if car != nil {
		handlers.Register(reg, handlers.Deps{Controller: ctrl, Carousel: car, Client: client, Ledger: led, Logger: log})
	} else {
		reg.Register(handlers.NewFanout(handlers.Deps{Controller: ctrl, Client: client, Ledger: led, Logger: log}))
		log.Warnw(sym.Carousel + " Remote client cannot fetch items; watch jobs are disabled")
	}

	pool := async.NewWorkerPool(ctx, st.queue, reg, async.WorkerPoolConfig{
		Workers:      cfg.Pulse.Workers,
		PollInterval: cfg.Pulse.PollInterval,
		ClaimLease:   cfg.Pulse.ClaimLease,
		Kinds:        cfg.Pulse.Kinds,
	}, log, async.WithMetrics(m))

	if stopWatch := watchConfig(ctrl, log); stopWatch != nil {
		defer stopWatch()
	}

	srv := server.New(server.Deps{
		Queue:    st.queue,
		Registry: st.registry,
		Tracker:  tracker,
		Carousel: car,
		Pool:     pool,
		Metrics:  m,
		Logger:   log,
	}, cfg.Server)

	printServeBanner(cfg, pool.Claimant())
	pool.Start()

	serveErr := srv.ListenAndServe(ctx)

	pterm.Info.Printfln("%s Shutting down, handing off running work...", sym.PulseClose)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs error
	if car != nil {
		errs = errors.CombineErrors(errs, car.Close(shutdownCtx))
	}
	pool.Stop()
	errs = errors.CombineErrors(errs, ctrl.Close(shutdownCtx))
	errs = errors.CombineErrors(serveErr, errs)
	if errs != nil {
		return errs
	}
	pterm.Success.Printfln("%s fleet node stopped", sym.PulseClose)
	return nil
}

// remoteClient picks the scripted client for --dry-run, otherwise RemoteClient
func remoteClient() (remote.Client, remote.Watcher, error) {
	if serveDryRun {
		c := remotetest.New()
		return c, c, nil
	}
	if RemoteClient == nil {
		return nil, nil, errors.WithHint(
			errors.New("no remote client is linked into this binary"),
			"run with --dry-run, or build a binary that sets commands.RemoteClient")
	}
	watcher, _ := RemoteClient.(remote.Watcher)
	return RemoteClient, watcher, nil
}

// watchConfig hot-applies controller settings from the watched config file
func watchConfig(ctrl *controller.Controller, log *zap.SugaredLogger) func() {
	path := serveConfigPath
	if path == "" {
		files := am.LoadedFiles()
		if len(files) == 0 {
			return nil
		}
		path = files[len(files)-1]
	}

	w, err := am.Watch(path, log)
	if err != nil {
		log.Warnw(sym.AM+" Config hot reload unavailable", "path", path, "error", err)
		return nil
	}
	w.OnReload(func(cfg *am.Config) error {
		ctrl.SetConfig(cfg.Controller)
		log.Infow(sym.AM+" Controller pacing updated",
			"max_concurrent", cfg.Controller.MaxConcurrent,
			"delay", cfg.Controller.Delay,
			"calls_per_minute", cfg.Controller.CallsPerMinute)
		return nil
	})
	w.Start()
	return func() {
		if err := w.Stop(); err != nil {
			log.Warnw("Config watcher stop failed", "error", err)
		}
	}
}

func printServeBanner(cfg *am.Config, claimant string) {
	pterm.DefaultHeader.WithFullWidth().Printf("%s fleet node %s", sym.Fleet, claimant)
	pterm.Println()
	if serveDryRun {
		pterm.Warning.Println("DRY RUN: scripted remote client, no remote calls leave this process")
	}
	pterm.Info.Printfln("Store:    %s", cfg.Database.Driver)
	pterm.Info.Printfln("Pollers:  %d every %v", cfg.Pulse.Workers, cfg.Pulse.PollInterval)
	pterm.Info.Printfln("Pacing:   max %d concurrent, delay %v, %v calls/min",
		cfg.Controller.MaxConcurrent, cfg.Controller.Delay, cfg.Controller.CallsPerMinute)
	pterm.Info.Printfln("Admin:    http://%s", cfg.Server.Addr)
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)
}
