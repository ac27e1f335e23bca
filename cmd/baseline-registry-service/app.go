package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/artifacts"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/audit"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/config"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/events"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/governance"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/ledger"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/signing"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/store"
)

// app holds the wired registry components shared by the subcommands.
type app struct {
	db         *sql.DB
	store      store.Store
	publisher  events.Publisher
	artifacts  *artifacts.Service
	ledger     *ledger.Ledger
	governance *governance.Service
}

func openDB(ctx context.Context, c config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, c.StoreTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func newApp(ctx context.Context, c config.Config, logger *zap.Logger) (*app, error) {
	a := &app{}
	switch c.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; state is lost on exit")
		a.store = store.NewMemoryStore()
	default:
		db, err := openDB(ctx, c)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.store = store.NewPGStore(db)
	}

	signer, err := signing.NewSignerFromConfig(c)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("signer init: %w", err)
	}

	if len(c.KafkaBrokers) > 0 {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: c.KafkaBrokers, Topic: c.KafkaTopic})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("kafka publisher init: %w", err)
		}
		a.publisher = pub
	} else {
		logger.Info("no kafka brokers configured, change events go to the log")
		a.publisher = events.NewLogPublisher(logger)
	}

	var archiver audit.NoteArchiver
	if c.S3Bucket != "" {
		s3, err := audit.NewS3NoteArchiver(ctx, c.S3Bucket, c.S3Prefix)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("s3 archiver init: %w", err)
		}
		archiver = s3
	}

	a.artifacts = artifacts.New(a.store, logger.Named("artifacts"), c.StoreTimeout)
	a.ledger = ledger.New(a.store, logger.Named("ledger"), c.StoreTimeout)
	a.governance = governance.New(governance.Deps{
		Store:      a.store,
		Artifacts:  a.artifacts,
		Ledger:     a.ledger,
		Recorder:   audit.NewRecorder(signer),
		Dispatcher: events.NewDispatcher(a.store, a.publisher, logger.Named("events"), c.StoreTimeout),
		Archiver:   archiver,
		Logger:     logger.Named("governance"),
	}, governance.Config{RequireApproval: c.RequireApproval, Timeout: c.StoreTimeout})

	logger.Info("registry initialised",
		zap.String("store", c.StoreDriver),
		zap.Bool("require_approval", c.RequireApproval),
		zap.String("signer", signer.SignerID()),
		zap.Bool("change_note_archival", archiver != nil),
	)
	return a, nil
}

func (a *app) Close() {
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
