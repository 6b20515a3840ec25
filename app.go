package main

import (
	"context"
	"fmt"
	"log/slog"

	"cardscan/pkg/blobstore"
	"cardscan/pkg/catalog"
	"cardscan/pkg/ocr"
	"cardscan/pkg/ocr/tesseract"
	"cardscan/pkg/scan"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
)

// app holds the wired services shared by the server and the batch commands.
type app struct {
	cfg      Config
	logger   *slog.Logger
	db       *gorm.DB
	users    users
	store    *scan.GormStore
	sources  *scan.SourceResolver
	registry *prometheus.Registry
	pipeline *scan.Pipeline
	manager  *scan.Manager
	enhancer *scan.Orchestrator
}

// deps are the external collaborators; tests replace them with fakes.
type deps struct {
	db         *gorm.DB
	blobs      blobstore.Store
	recognizer ocr.Recognizer
	catalog    catalog.Catalog
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.DBAutoMigrate {
		migrate(db, logger)
	}
	blobs, err := newBlobStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rec := ocr.NewPool(tesseract.New(cfg.TessdataPrefix, logger), cfg.OCRWorkers, cfg.OCRTimeout, logger)
	return wire(cfg, deps{
		db:         db,
		blobs:      blobs,
		recognizer: rec,
		catalog:    catalog.NewClient(cfg.Catalog, logger),
	}, logger), nil
}

func newBlobStore(ctx context.Context, cfg Config, logger *slog.Logger) (blobstore.Store, error) {
	switch cfg.StorageBackend {
	case "s3":
		return blobstore.NewS3(ctx, cfg.S3, logger)
	case "fs":
		return blobstore.NewFS(cfg.UploadBase, logger)
	}
	return nil, fmt.Errorf("unsupported storage backend %q", cfg.StorageBackend)
}

func wire(cfg Config, d deps, logger *slog.Logger) *app {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := scan.NewMetrics(registry)
	resolver := catalog.NewResolver(d.catalog, logger)
	pipeline := scan.NewPipeline(d.recognizer, resolver, scan.DefaultPipelineConfig(), metrics, logger)
	store := scan.NewGormStore(d.db)
	sources := scan.NewSourceResolver(d.blobs, nil, cfg.ImageHosts)
	manager := scan.NewManager(store, d.blobs, sources, pipeline, metrics, logger)
	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       d.db,
		users:    users{db: d.db},
		store:    store,
		sources:  sources,
		registry: registry,
		pipeline: pipeline,
		manager:  manager,
		enhancer: scan.NewOrchestrator(manager, logger),
	}
}

func (a *app) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
