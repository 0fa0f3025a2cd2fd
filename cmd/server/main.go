package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"estimo/server/config"
	"estimo/server/internal/api"
	"estimo/server/internal/database"
	"estimo/server/internal/estimation"
	"estimo/server/internal/geocoding"
	"estimo/server/internal/processor"
	"estimo/server/internal/queue"
)

// store is what both database backends provide.
type store interface {
	estimation.ComparableStore
	api.Store
	io.Closer
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := newLogger(cfg)
	gin.SetMode(cfg.Server.GinMode)

	var (
		db      store
		journal *database.Database
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pg, err := database.NewPostGISStore(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConnections)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to PostgreSQL")
		}
		logger.Info("Connected to PostGIS warehouse")
		db = pg
	default:
		logger.Infof("Using database at: %s", cfg.Database.SQLitePath)
		if err := os.MkdirAll(filepath.Dir(cfg.Database.SQLitePath), 0755); err != nil {
			logger.WithError(err).Fatal("Failed to create database directory")
		}

		sqlite, err := database.NewDatabase(cfg.Database.SQLitePath, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize database")
		}

		logger.Info("Running database migrations...")
		if err := sqlite.RunMigrations(); err != nil {
			logger.WithError(err).Fatal("Failed to run database migrations")
		}
		db = sqlite
		journal = sqlite
	}
	defer db.Close()

	cacheDir := cfg.Geocoding.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "estimo", "geocode_cache")
	}
	geocoder := geocoding.NewGeocoder(logger, geocoding.Config{
		APIURL:      cfg.Geocoding.APIURL,
		MinScore:    cfg.Geocoding.MinScore,
		Timeout:     cfg.Geocoding.Timeout,
		MaxAttempts: cfg.Geocoding.MaxAttempts,
		CacheDir:    cacheDir,
	})

	finder := estimation.NewFinder(db, logger,
		estimation.WithMinComparables(cfg.Estimation.MinComparables),
		estimation.WithMaxComparables(cfg.Estimation.MaxComparables),
	)
	estimator := estimation.NewEstimator(finder, geocoder, db, logger)

	// The estimation journal needs the gorm store.
	var batch *processor.BatchProcessor
	if journal != nil {
		recordQueue := queue.NewRecordQueue(cfg.BatchProcessing.JournalQueueSize, logger)
		batch = processor.NewBatchProcessor(estimator, journal.GetDB(), recordQueue, cfg, logger)
	} else {
		batch = processor.NewBatchProcessor(estimator, nil, nil, cfg, logger)
	}
	batch.Start()
	defer batch.Stop()

	handler := api.NewHandler(estimator, db, batch, cfg.Estimation.Timeout, logger)
	if journal != nil {
		handler.SetJournal(journal)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.Server.AllowedOrigins) == 0 || cfg.Server.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.Server.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	api.SetupRoutes(router, handler)

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	go func() {
		logger.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	logger.Info("Server stopped")
}
