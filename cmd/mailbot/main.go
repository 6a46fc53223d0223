package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tracyhatemice/mailbot/internal/checkpoint"
	"github.com/tracyhatemice/mailbot/internal/config"
	"github.com/tracyhatemice/mailbot/internal/logging"
	"github.com/tracyhatemice/mailbot/internal/metrics"
	"github.com/tracyhatemice/mailbot/internal/notify"
	"github.com/tracyhatemice/mailbot/internal/receiver"
	"github.com/tracyhatemice/mailbot/internal/scheduler"
	"github.com/tracyhatemice/mailbot/internal/store"
)

// configPaths collects every -config flag in order.
type configPaths []string

func (c *configPaths) String() string { return strings.Join(*c, ",") }

func (c *configPaths) Set(v string) error {
	*c = append(*c, v)
	return nil
}

func main() {
	var configs configPaths
	flag.Var(&configs, "config", "configuration file or glob, repeatable; later files override earlier keys (default mailbot.ini)")
	dataDir := flag.String("data-dir", "data", "directory for persistent data (checkpoints)")
	checkpoints := flag.String("checkpoints", "file", "checkpoint store: file, sqlite or redis")
	redisURL := flag.String("redis-url", "redis://localhost:6379/0", "redis server for -checkpoints redis")
	natsURL := flag.String("nats-url", "", "NATS server receiving poll events, empty disables")
	metricsAddr := flag.String("metrics-addr", "", "address serving /metrics, empty disables")
	grace := flag.Duration("grace", 10*time.Second, "how long in-flight polls may run after a shutdown signal")
	dbConns := flag.Int("db-conns", 4, "concurrent writers per database")
	flag.Parse()
	configs = append(configs, flag.Args()...)
	if len(configs) == 0 {
		configs = configPaths{"mailbot.ini"}
	}

	file, err := config.Load(configs...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(file.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger := log.Logger

	instances, err := file.Instances()
	logResolution(logger, err)
	logger.Info("mailbot starting", "instances", len(instances), "checkpoints", *checkpoints)

	cps, err := openCheckpoints(*checkpoints, *dataDir, *redisURL)
	if err != nil {
		logger.Error("failed to open checkpoint store", "error", err)
		os.Exit(1)
	}
	defer cps.Close()

	pool := store.NewPool(*dbConns, logger)
	defer pool.Close()

	var (
		reporters scheduler.Reporters
		prom      *metrics.Reporter
	)
	if *metricsAddr != "" {
		prom = metrics.New()
		reporters = append(reporters, prom)
	}
	if *natsURL != "" {
		events, err := notify.NewEvents(*natsURL, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer events.Close()
		reporters = append(reporters, events)
	}
	if file.Alerts.Enabled() {
		reporters = append(reporters, notify.New(file.Alerts, logger))
	} else {
		logger.Info("alert mail disabled, no [Alerts] SMTPHost or AlertTo")
	}

	sched := scheduler.New(scheduler.Deps{
		Dialer:      receiver.NewDialer(logger),
		Persister:   pool,
		Checkpoints: cps,
		Reporter:    reporters,
		Logger:      logger,
		Grace:       *grace,
	}, instances)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Caught before any goroutine starts: the default SIGHUP action kills the process.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return sched.Run(groupCtx)
	})

	group.Go(func() error {
		return watchReload(groupCtx, hup, configs, sched, logger)
	})

	if prom != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		health := metrics.NewHealth(sched.Status)
		mux.HandleFunc("/live", health.LiveEndpoint)
		mux.HandleFunc("/ready", health.ReadyEndpoint)
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		group.Go(func() error {
			logger.Info("starting metrics server", "address", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	<-groupCtx.Done()
	logger.Info("shutting down, waiting for instances to finish...")

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	if err := group.Wait(); err != nil {
		logger.Error("mailbot stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("mailbot stopped")
}

func openCheckpoints(kind, dataDir, redisURL string) (checkpoint.Store, error) {
	var (
		s   checkpoint.Store
		err error
	)
	switch kind {
	case "file":
		s, err = checkpoint.NewFileStore(filepath.Join(dataDir, "checkpoints"))
	case "sqlite":
		s, err = checkpoint.OpenSQLite(filepath.Join(dataDir, "checkpoints.db"))
	case "redis":
		s, err = checkpoint.OpenRedis(context.Background(), redisURL)
	default:
		return nil, fmt.Errorf("unsupported checkpoint store: %s", kind)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// reloader is the part of the scheduler a configuration reload drives.
type reloader interface {
	Reload(instances []config.Instance, keep ...string)
}

// watchReload re-reads the configuration whenever hup fires. Only instance
// sections are reloaded; [Logging] and [Alerts] changes need a restart.
func watchReload(ctx context.Context, hup <-chan os.Signal, paths []string, sched reloader, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			logger.Info("reloading configuration", "paths", paths)
			file, err := config.Load(paths...)
			if err != nil {
				logger.Error("reload failed, keeping current configuration", "error", err)
				continue
			}
			instances, err := file.Instances()
			logResolution(logger, err)
			sched.Reload(instances, config.FailedInstances(err)...)
			logger.Info("configuration reloaded", "instances", len(instances))
		}
	}
}

func logResolution(logger *slog.Logger, err error) {
	if err == nil {
		return
	}
	logger.Error("instances not started, fix their configuration",
		"instances", config.FailedInstances(err),
		"error", err,
	)
}
