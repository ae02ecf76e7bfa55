package main

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/checkpoint"
	"github.com/fyrsmithlabs/testgen/internal/config"
	"github.com/fyrsmithlabs/testgen/internal/database"
	"github.com/fyrsmithlabs/testgen/internal/docstore"
	"github.com/fyrsmithlabs/testgen/internal/embeddings"
	"github.com/fyrsmithlabs/testgen/internal/events"
	"github.com/fyrsmithlabs/testgen/internal/generator"
	"github.com/fyrsmithlabs/testgen/internal/ingest"
	"github.com/fyrsmithlabs/testgen/internal/loader"
	"github.com/fyrsmithlabs/testgen/internal/logging"
	"github.com/fyrsmithlabs/testgen/internal/orchestrator"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/repository"
	"github.com/fyrsmithlabs/testgen/internal/retriever"
	"github.com/fyrsmithlabs/testgen/internal/runs"
	"github.com/fyrsmithlabs/testgen/internal/secrets"
	"github.com/fyrsmithlabs/testgen/internal/segmenter"
	"github.com/fyrsmithlabs/testgen/internal/stages"
	"github.com/fyrsmithlabs/testgen/internal/telemetry"
	"github.com/fyrsmithlabs/testgen/internal/vectorstore"
)

// app holds every long-lived collaborator of the daemon.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	logger *zap.Logger
	tel    *telemetry.Telemetry

	db          *database.DB
	store       docstore.Store
	vectors     vectorstore.Store
	embedder    embeddings.Provider
	index       *retriever.Retriever
	repo        repository.Repository
	registry    repository.Documents
	checkpoints checkpoint.Store
	redactor    secrets.Redactor
	relay       *events.NATSRelay
	stages      []pipeline.Stage
	docs        *ingest.Service

	closers []func() error
}

// newLogger builds the process logger. stdio transports log to stderr.
func newLogger(cfg *config.Config, stderr bool) (*logging.Logger, error) {
	lc, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	lc.Stderr = stderr
	lc.Fields["version"] = version
	return logging.NewLogger(lc, global.GetLoggerProvider())
}

// newApp initializes infrastructure and the pipeline stages.
//
// This function:
//  1. Initializes logger and telemetry
//  2. Opens the database, document store and vector index
//  3. Creates the embedding provider, generator and redactor
//  4. Wires the stages and the document service
func newApp(ctx context.Context, cfg *config.Config, stdio bool) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.log, err = newLogger(cfg, stdio); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = a.log.Underlying()
	a.closers = append(a.closers, func() error {
		_ = a.log.Sync() // Best-effort sync on shutdown
		return nil
	})

	if a.tel, err = telemetry.New(ctx, cfg.Telemetry, a.logger); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.tel.Shutdown(context.Background()) })

	if err = a.initStorage(ctx); err != nil {
		return nil, err
	}
	if err = a.initIndex(ctx); err != nil {
		return nil, err
	}

	gen, err := generator.New(cfg.Generator, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}
	if a.redactor, err = secrets.New(cfg.Redaction, a.logger); err != nil {
		return nil, fmt.Errorf("failed to create redactor: %w", err)
	}

	if cfg.Events.NATSURL != "" {
		if a.relay, err = events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, a.logger); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.relay.Close)
	}

	a.stages, err = stages.New(stages.Deps{
		Loader:     loader.New(a.store, 0, a.logger),
		Generator:  gen,
		Retriever:  a.index,
		Redactor:   a.redactor,
		Repository: a.repo,
		Options: stages.Options{
			Segmenter: segmenter.Options{
				TargetSize: cfg.Segmenter.ChunkSize,
				Overlap:    cfg.Segmenter.ChunkOverlap,
			},
			RequirementTopK:   cfg.Retrieval.RequirementTopK,
			FunctionPointTopK: cfg.Retrieval.FunctionPointTopK,
			FallbackChars:     cfg.Retrieval.FallbackChars,
			FanoutLimit:       cfg.Pipeline.FanoutLimit,
		},
		Logger: a.logger,
	})
	if err != nil {
		return nil, err
	}

	a.docs, err = ingest.New(ingest.Deps{
		Store:     a.store,
		Registry:  a.registry,
		Artifacts: a.repo,
		Index:     a.index,
		Parser:    a.stages[0],
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("dependencies initialized",
		zap.String("database", cfg.Database.Driver),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("generator", cfg.Generator.Provider),
		zap.Bool("nats_relay", a.relay != nil),
		zap.Bool("telemetry_degraded", a.tel.Degraded()))
	return a, nil
}

// initStorage opens the artifact database and the document store. The
// memory driver keeps artifacts and checkpoints in process.
func (a *app) initStorage(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Database.Driver == "memory" {
		mem := repository.NewMemory()
		a.repo, a.registry = mem, mem
		a.checkpoints = checkpoint.NewMemoryStore(a.logger)
	} else {
		db, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.DSN.Value())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, db.Close)

		sqlRepo := repository.NewSQL(db, a.logger)
		a.repo, a.registry = sqlRepo, sqlRepo
		if a.checkpoints, err = checkpoint.NewSQLStore(db, 0, a.logger); err != nil {
			return err
		}
	}
	a.closers = append(a.closers, a.checkpoints.Close)

	var err error
	if cfg.Storage.AccessKey != "" {
		a.store, err = docstore.NewMinioStore(docstore.MinioConfig{
			Endpoint:     cfg.Storage.Endpoint,
			AccessKey:    cfg.Storage.AccessKey,
			SecretKey:    cfg.Storage.SecretKey.Value(),
			UseSSL:       cfg.Storage.UseSSL,
			Region:       cfg.Storage.Region,
			BucketPrefix: cfg.Storage.BucketPrefix,
		}, a.logger)
	} else {
		a.store, err = docstore.NewLocalStore(cfg.Storage.LocalDir, cfg.Storage.BucketPrefix)
	}
	if err != nil {
		return fmt.Errorf("failed to create document store: %w", err)
	}
	return nil
}

// initIndex creates the embedding provider and the vector store.
func (a *app) initIndex(ctx context.Context) error {
	cfg := a.cfg
	var err error
	if a.embedder, err = embeddings.NewProvider(cfg.Embeddings, a.logger); err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	a.closers = append(a.closers, a.embedder.Close)

	switch cfg.VectorStore.Provider {
	case "qdrant":
		a.vectors, err = vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
			Host:   cfg.VectorStore.QdrantHost,
			Port:   cfg.VectorStore.QdrantPort,
			APIKey: cfg.VectorStore.QdrantAPIKey.Value(),
			UseTLS: cfg.VectorStore.QdrantUseTLS,
		}, a.logger)
	default:
		a.vectors, err = vectorstore.NewChromemStore(vectorstore.ChromemConfig{
			Path:     cfg.VectorStore.ChromemPath,
			Compress: cfg.VectorStore.ChromemCompress,
		}, a.logger)
	}
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	a.closers = append(a.closers, a.vectors.Close)

	a.index = retriever.New(a.vectors, a.embedder, retriever.Options{
		CollectionPrefix: cfg.Retrieval.CollectionPrefix,
		MaxContentChars:  cfg.Retrieval.MaxContentChars,
	}, a.logger)
	return nil
}

// runService wires the in-process orchestrator behind a run service.
func (a *app) runService() (*runs.Service, error) {
	cfg := a.cfg.Pipeline
	orch, err := orchestrator.New(orchestrator.Deps{
		Stages:      a.stages,
		Checkpoints: a.checkpoints,
		Logger:      a.logger,
	}, orchestrator.Options{
		InterruptBeforeReview: cfg.InterruptBeforeReview,
		MaxSteps:              cfg.MaxSteps,
	})
	if err != nil {
		return nil, err
	}

	lang, err := pipeline.ParseScriptLanguage(cfg.ScriptLanguage)
	if err != nil {
		return nil, err
	}
	opts := runs.Options{
		InterruptBeforeReview: cfg.InterruptBeforeReview,
		GenerateScripts:       cfg.GenerateScripts,
		ScriptLanguage:        lang,
		RunTimeout:            cfg.RunTimeout.Duration(),
		RetainRuns:            cfg.RetainRuns,
		QueueSize:             a.cfg.Events.QueueSize,
		Relay:                 relayOf(a),
		Checkpoints:           a.checkpoints,
		Logger:                a.logger,
	}
	return runs.NewService(orch, opts)
}

// relayOf returns the NATS relay, or a nil interface when none is configured.
func relayOf(a *app) events.Relay {
	if a.relay == nil {
		return nil
	}
	return a.relay
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
