package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"logfanout/internal/config"
	"logfanout/internal/delivery"
	"logfanout/internal/delivery/cloudwatch"
	"logfanout/internal/maintenance"
	"logfanout/internal/metrics"
	"logfanout/internal/objectstore"
	"logfanout/internal/orchestrator"
	"logfanout/internal/tenant"
	"logfanout/internal/tenant/dynamo"
	tenantfile "logfanout/internal/tenant/file"
)

// warmCapacity bounds the tenants kept by the warm cache.
const warmCapacity = 4096

// app is the wired pipeline shared by every execution mode.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	aws      aws.Config
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	tenants   tenant.Store
	warm      *tenant.Warm      // nil when the warm cache is disabled
	fileStore *tenantfile.Store // nil unless tenants come from a file
	delivery  *delivery.Client
	orch      *orchestrator.Orchestrator
}

// build loads AWS configuration and wires every component.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		aws:      awsCfg,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if err := a.openTenants(); err != nil {
		return nil, err
	}

	stsAPI := delivery.STSAPI(sts.NewFromConfig(awsCfg))
	externalID := ""
	if cfg.CentralRoleARN != "" {
		stsAPI, externalID, err = delivery.CentralHop(awsCfg, stsAPI, cfg.CentralRoleARN)
		if err != nil {
			return nil, err
		}
		logger.Info("double-hop role assumption enabled", "central_role", cfg.CentralRoleARN)
	}
	assumer := delivery.NewRoleAssumer(stsAPI, externalID, 0)
	a.delivery = delivery.New(assumer, cloudwatch.NewFactory(awsCfg, logger), cfg.Delivery(), logger, a.metrics)

	fetcher := objectstore.NewS3(s3.NewFromConfig(awsCfg), cfg.MaxObjectBytes, cfg.FetchTimeout)
	a.orch = orchestrator.New(fetcher, a.tenants, a.delivery, cfg.Orchestrator(),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(a.metrics),
	)
	return a, nil
}

func (a *app) openTenants() error {
	var store tenant.Store
	switch {
	case a.cfg.TenantTable != "":
		store = dynamo.NewStore(dynamodb.NewFromConfig(a.aws), a.cfg.TenantTable)
		a.logger.Info("tenant configuration", "source", "dynamodb", "table", a.cfg.TenantTable)
	case a.cfg.TenantFile != "":
		fs, err := tenantfile.NewStore(a.cfg.TenantFile,
			tenantfile.WithLogger(a.logger),
			tenantfile.WithOnReload(func() {
				if a.warm != nil {
					a.warm.InvalidateAll()
				}
			}),
		)
		if err != nil {
			return err
		}
		a.fileStore = fs
		store = fs
		a.logger.Info("tenant configuration", "source", "file", "path", a.cfg.TenantFile, "tenants", fs.Len())
	default:
		return errors.New("no tenant configuration source")
	}

	a.tenants = store
	if a.cfg.TenantCacheTTL > 0 {
		a.warm = tenant.NewWarm(store, a.cfg.TenantCacheTTL, warmCapacity)
		a.tenants = a.warm
	}
	return nil
}

// startMaintenance schedules the cache sweeps for long-running modes.
func (a *app) startMaintenance() (*maintenance.Scheduler, error) {
	s, err := maintenance.NewScheduler(a.logger)
	if err != nil {
		return nil, err
	}
	mc := maintenance.Config{
		Interval:   a.cfg.MaintenanceInterval,
		StaleAfter: 10 * a.cfg.MaintenanceInterval,
		Delivery:   a.delivery,
	}
	if a.warm != nil {
		mc.Tenants = a.warm
	}
	if err := maintenance.Register(s, mc); err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}

// serveMetrics exposes the registry until ctx ends. A blank address
// disables it.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Info("metrics server listening", "addr", a.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (a *app) close() {
	if a.fileStore != nil {
		if err := a.fileStore.Close(); err != nil {
			a.logger.Warn("close tenant file", "error", err)
		}
	}
}
