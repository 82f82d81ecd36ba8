package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"depthwatch/config"
	"depthwatch/internal/dashboard"
	"depthwatch/internal/metrics"
	"depthwatch/internal/pipeline"
	"depthwatch/internal/session"
	"depthwatch/internal/store"
	"depthwatch/logger"
	"depthwatch/maestro"
	"depthwatch/notifier"
	"depthwatch/worker"
	"depthwatch/writer"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 1
	}

	launchID := uuid.New()
	log.WithFields(logger.Fields{
		"service":   cfg.Depthwatch.Name,
		"version":   cfg.Depthwatch.Version,
		"launch_id": launchID,
		"env":       config.AppEnvironment(),
	}).Info("starting depthwatch")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if log.ReportEnabled() {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	metrics.Init()
	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		metrics.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		log.WithError(err).Error("failed to open database")
		return 1
	}
	defer db.Close()

	if cfg.Database.AutoMigrate && config.IsProductionLike(config.AppEnvironment()) {
		log.WithComponent("main").Warn("auto_migrate ignored in production-like environment")
	} else if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			log.WithError(err).Error("failed to migrate database")
			return 1
		}
	}

	notify, err := notifier.New(cfg.Notifier)
	if err != nil {
		log.WithError(err).Error("failed to configure notifier")
		return 1
	}
	defer func() {
		if err := notify.Close(); err != nil {
			log.WithError(err).Warn("failed to close notifier")
		}
	}()

	var archiver worker.Archiver
	if cfg.Storage.S3.Enabled {
		s3Archiver, err := writer.NewS3Archiver(ctx, cfg.Storage.S3, cfg.Depthwatch.Version)
		if err != nil {
			log.WithError(err).Error("failed to configure S3 archiver")
			return 1
		}
		go s3Archiver.ReportMetrics(ctx, cfg.Logging.ReportInterval)
		archiver = s3Archiver
	}

	guard, err := session.New(cfg.Session.Windows)
	if err != nil {
		log.WithError(err).Error("invalid session windows")
		return 1
	}

	manager := pipeline.NewManager(cfg, launchID, db, notify, archiver, guard)
	m := maestro.New(launchID, cfg.Maestro, db, manager, worker.SystemClock)

	dash, err := dashboard.NewServer(cfg.Dashboard, log, manager, db, m.ID().String())
	if err != nil {
		log.WithError(err).Error("failed to configure dashboard")
		return 1
	}
	if dash != nil {
		go func() {
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Error("dashboard stopped")
			}
		}()
	}

	exitCode := 0
	if err := m.Run(ctx); err != nil {
		if errors.Is(err, maestro.ErrTakenOver) {
			log.WithComponent("main").Warn("pairs taken over by another instance, shutting down")
		} else {
			log.WithError(err).Error("maestro failed")
		}
		exitCode = 1
	}

	// pipelines stop with the context; a takeover cancels it here
	stop()
	manager.Wait()
	log.WithComponent("main").Info("depthwatch stopped")
	return exitCode
}
