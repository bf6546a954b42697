package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/micro-ha/device-mounter/internal/config"
	"github.com/micro-ha/device-mounter/internal/devices"
	httpapi "github.com/micro-ha/device-mounter/internal/http"
	"github.com/micro-ha/device-mounter/internal/logging"
	"github.com/micro-ha/device-mounter/internal/metrics"
	"github.com/micro-ha/device-mounter/internal/mounter"
	"github.com/micro-ha/device-mounter/internal/mounttable"
	"github.com/micro-ha/device-mounter/internal/poller"
	"github.com/micro-ha/device-mounter/internal/publisher"
	"github.com/micro-ha/device-mounter/internal/registry"
	"github.com/micro-ha/device-mounter/internal/scanner"
	"github.com/micro-ha/device-mounter/internal/service"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mounterd",
	Short: "Mount labeled block devices on demand",
	Long: `mounterd watches /dev/disk/by-label, exposes mount and unmount commands
for every labeled device the system does not already manage, and publishes
per-device usage info.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("device-pattern", "", "only handle labels matching this regular expression")
	flags.String("http-addr", ":8099", "HTTP listen address")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.Duration("poll-interval", time.Second, "interval between device scans")
	flags.String("match-mode", string(mounttable.MatchFields), "mount table match mode: fields or substring")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mounterd:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	pattern, err := cfg.Pattern()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Level())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	store, err := registry.OpenStore(ctx, cfg.RegistryDSN, logging.Component(logger, "registry"))
	if err != nil {
		return fmt.Errorf("open registry store: %w", err)
	}
	defer store.Close()

	hub := registry.NewHub(logging.Component(logger, "hub"))
	commands := registry.New(store, hub, logging.Component(logger, "registry"))

	deviceRegistry := devices.NewRegistry()
	index := mounttable.New(mounttable.Options{
		LabelDir:   cfg.LabelDir,
		StaticPath: cfg.StaticMountTable,
		LivePath:   cfg.LiveMountTable,
		Mode:       cfg.Match(),
	}, logging.Component(logger, "mounttable"))
	devScanner := scanner.New(cfg.LabelDir, pattern, logging.Component(logger, "scanner"))
	controller := mounter.New(mounter.Options{
		LabelDir:      cfg.LabelDir,
		MountRoot:     cfg.MountRoot,
		MountBinary:   cfg.MountBinary,
		UnmountBinary: cfg.UnmountBinary,
	}, deviceRegistry, commands, mounter.ExecRunner{}, m, logging.Component(logger, "mounter"))
	pub := publisher.New(deviceRegistry, publisher.DiskUsage{}, commands, cfg.MountRoot, m, logging.Component(logger, "publisher"))

	svc := service.New(index, devScanner, deviceRegistry, controller, pub, commands, m, logger)
	if err := svc.Init(); err != nil {
		return err
	}

	devicePoller := poller.New(svc, cfg.PollInterval, logging.Component(logger, "poller"))

	api := httpapi.New(
		commands,
		svc,
		devicePoller,
		http.HandlerFunc(hub.ServeWS),
		promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		logging.Component(logger, "http"),
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("mounter starting",
		"addr", httpServer.Addr,
		"label_dir", cfg.LabelDir,
		"mount_root", cfg.MountRoot,
		"poll_interval", cfg.PollInterval.String(),
		"match_mode", string(cfg.Match()),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return devicePoller.Run(groupCtx)
	})
	group.Go(func() error {
		return httpapi.RunServer(groupCtx, httpServer, logger)
	})
	devicePoller.TriggerRefresh()

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mounter terminated with error", "err", err)
		return err
	}
	logger.Info("mounter stopped")
	return nil
}
