package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/carbonetes/mltaskd/internal/api"
	"github.com/carbonetes/mltaskd/internal/artifacts"
	"github.com/carbonetes/mltaskd/internal/cluster"
	"github.com/carbonetes/mltaskd/internal/cluster/dryrun"
	"github.com/carbonetes/mltaskd/internal/cluster/kube"
	"github.com/carbonetes/mltaskd/internal/core"
	"github.com/carbonetes/mltaskd/internal/notify"
	"github.com/carbonetes/mltaskd/internal/telemetry"
)

// daemon holds everything `serve` starts so it can be torn down in order.
type daemon struct {
	cfg        core.Config
	collector  *telemetry.Collector
	profiler   *telemetry.ProfilingServer
	repo       core.TaskRepository
	store      *core.Store
	artifacts  core.ArtifactStore
	sftp       *artifacts.SFTPStore
	submitter  cluster.Submitter
	hub        *notify.Hub
	service    *core.Service
	reconciler *core.Reconciler
	monitor    *telemetry.Monitor
	server     *api.Server
}

// clusterRegistry lists the workload drivers selectable by cluster.driver.
func clusterRegistry(cfg core.Config) *cluster.Registry {
	reg := cluster.NewRegistry()
	reg.Register("kubernetes", func() (cluster.Submitter, error) {
		return kube.New(kube.Config{
			Kubeconfig: cfg.Cluster.Kubeconfig,
			Context:    cfg.Cluster.Context,
			Group:      cfg.Cluster.Group,
			Version:    cfg.Cluster.Version,
			Resource:   cfg.Cluster.Resource,
			Kind:       cfg.Cluster.Kind,
			QPS:        cfg.Cluster.QPS,
			Burst:      cfg.Cluster.Burst,
			Timeout:    cfg.DispatchTimeout(),
			Namespace:  cfg.Cluster.Namespace,
		})
	})
	reg.Register("dryrun", func() (cluster.Submitter, error) {
		return dryrun.New(cluster.PhaseUnknown), nil
	})
	return reg
}

func newDaemon(ctx context.Context, cfg core.Config) (d *daemon, err error) {
	d = &daemon{cfg: cfg}
	defer func() {
		if err != nil {
			d.close(context.Background())
		}
	}()

	opts := telemetry.Options{
		Enabled:       cfg.Telemetry.Enabled,
		FlushInterval: time.Duration(cfg.Telemetry.FlushSeconds) * time.Second,
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		opts.Exporter = telemetry.NewOTLPExporter(cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, version)
	}
	d.collector = telemetry.InitGlobal(telemetry.NewCollector(opts))
	if cfg.Telemetry.PprofAddr != "" {
		d.profiler = telemetry.NewProfilingServer(cfg.Telemetry.PprofAddr)
	}

	switch cfg.Store.Driver {
	case "memory":
		d.repo = core.NewMemStore()
	default:
		st, err := core.NewStore(cfg.Store.Path)
		if err != nil {
			return d, err
		}
		d.store, d.repo = st, st
	}

	switch cfg.Artifacts.Driver {
	case "sftp":
		sc := cfg.Artifacts.SFTP
		st, err := artifacts.DialSFTP(ctx, artifacts.SFTPConfig{
			Addr:       sc.Addr,
			User:       sc.User,
			KeyPath:    sc.KeyPath,
			Password:   sc.Password,
			KnownHosts: sc.KnownHosts,
			Root:       sc.Root,
			Timeout:    time.Duration(sc.TimeoutSeconds) * time.Second,
			Retries:    sc.Retries,
		})
		if err != nil {
			return d, err
		}
		d.sftp, d.artifacts = st, st
	default:
		st, err := artifacts.NewLocalStore(cfg.Artifacts.Dir)
		if err != nil {
			return d, err
		}
		d.artifacts = st
	}

	reg := clusterRegistry(cfg)
	if d.submitter, err = reg.Get(cfg.Cluster.Driver); err != nil {
		return d, fmt.Errorf("cluster driver %q (available %v): %w", cfg.Cluster.Driver, reg.Names(), err)
	}

	d.hub = notify.NewHub(0)
	retry := cluster.DefaultRetryConfig()
	retry.MaxRetries = cfg.Dispatch.Retries
	d.service, err = core.NewService(cfg.ServiceConfig(), d.repo, d.artifacts, d.submitter,
		core.WithPublisher(d.hub),
		core.WithArtifactKey(artifacts.Key),
		core.WithRetry(retry),
	)
	if err != nil {
		return d, err
	}
	if cfg.Reconcile.Enabled {
		d.reconciler = d.service.NewReconciler(cfg.ReconcilerConfig())
	}

	d.monitor = telemetry.NewMonitor(d.collector)
	for name, check := range telemetry.DefaultHealthChecks() {
		d.monitor.RegisterHealthCheck(name, check)
	}
	d.monitor.RegisterHealthCheck("store", telemetry.PingCheck("store", d.service.Ping))
	if p, ok := d.submitter.(cluster.Pinger); ok {
		d.monitor.RegisterHealthCheck("cluster", telemetry.PingCheck("cluster", p.Ping))
	}
	if d.sftp != nil {
		d.monitor.RegisterHealthCheck("artifacts", telemetry.PingCheck("artifacts", d.sftp.Ping))
	}

	d.server = &api.Server{
		Version: version,
		Service: d.service,
		Events:  d.hub,
		Monitor: d.monitor,
		Token:   cfg.API.Token,
	}
	return d, nil
}

// run serves until ctx ends or the listener fails.
func (d *daemon) run(ctx context.Context) error {
	if d.profiler != nil {
		d.profiler.Start()
	}
	go telemetry.NewRuntimeSampler(d.collector, 0).Run(ctx)
	if d.reconciler != nil {
		go func() {
			if err := d.reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("reconciler stopped")
			}
		}()
	}

	errc := make(chan error, 1)
	go func() { errc <- d.server.ListenAndServe(d.cfg.Server.Addr, d.cfg.API.TLS) }()

	select {
	case err := <-errc:
		d.close(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Dur("timeout", d.cfg.ShutdownTimeout()).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout())
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API shutdown")
	}
	d.close(shutdownCtx)
	return nil
}

// close releases resources in reverse start order. Nil members are skipped.
func (d *daemon) close(ctx context.Context) {
	if d.service != nil {
		if err := d.service.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("dispatches still in flight at shutdown")
		}
	}
	if d.hub != nil {
		d.hub.Close()
	}
	if d.profiler != nil {
		_ = d.profiler.Shutdown(ctx)
	}
	if d.sftp != nil {
		_ = d.sftp.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.collector != nil {
		if err := telemetry.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("telemetry flush")
		}
	}
}

// Run the API server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task API, dispatcher and status reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			if drv, _ := cmd.Flags().GetString("cluster"); drv != "" {
				cfg.Cluster.Driver = drv
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			d, err := newDaemon(ctx, cfg)
			if err != nil {
				return err
			}
			log.Info().
				Str("addr", cfg.Server.Addr).
				Str("store", cfg.Store.Driver).
				Str("cluster", cfg.Cluster.Driver).
				Str("artifacts", cfg.Artifacts.Driver).
				Msg("mltaskd starting")
			return d.run(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("cluster", "", "cluster driver: kubernetes or dryrun (overrides cluster.driver)")
	return cmd
}
