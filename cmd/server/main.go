package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/otcheredev/dicom-ingestor/internal/cache"
	"github.com/otcheredev/dicom-ingestor/internal/catalog"
	"github.com/otcheredev/dicom-ingestor/internal/config"
	"github.com/otcheredev/dicom-ingestor/internal/database"
	"github.com/otcheredev/dicom-ingestor/internal/handlers"
	"github.com/otcheredev/dicom-ingestor/internal/ingest"
	"github.com/otcheredev/dicom-ingestor/internal/middleware"
	"github.com/otcheredev/dicom-ingestor/internal/objectstore"
	"github.com/otcheredev/dicom-ingestor/internal/repository"
	"github.com/otcheredev/dicom-ingestor/internal/scp"
	"github.com/otcheredev/dicom-ingestor/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting DICOM Ingestor")

	ctx := context.Background()
	var checks []handlers.Check

	// Catalog and audit log
	var (
		store    catalog.Store
		auditLog catalog.AuditLog
		db       *gorm.DB
	)
	if cfg.Database.Enabled {
		db, err = database.Connect(database.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			DBName:          cfg.Database.DBName,
			SSLMode:         cfg.Database.SSLMode,
			LogLevel:        cfg.Database.LogLevel,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			AutoMigrate:     cfg.Database.AutoMigrate,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close(db)

		store = repository.NewInstanceRepository(db)
		auditLog = repository.NewAuditRepository(db)
		checks = append(checks, handlers.Check{
			Name: "database",
			Ping: func(ctx context.Context) error { return database.Ping(ctx, db) },
		})
	} else {
		store = catalog.NewMemoryStore()
		auditLog = catalog.NewMemoryAuditLog()
		log.Warn().Msg("Database disabled, using in-memory catalog")
	}

	// Ingested-marker cache
	var markers *cache.IngestedMarkers
	if cfg.Cache.Enabled {
		var cacheImpl cache.Cache
		if cfg.Cache.Type == "redis" {
			redisCache, err := cache.NewRedisCache(cache.RedisConfig{
				Addr:      net.JoinHostPort(cfg.Redis.Host, strconv.Itoa(cfg.Redis.Port)),
				Password:  cfg.Redis.Password,
				DB:        cfg.Redis.DB,
				KeyPrefix: cfg.Redis.KeyPrefix,
				PoolSize:  cfg.Redis.PoolSize,
			})
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to connect to Redis")
			}
			checks = append(checks, handlers.Check{Name: "redis", Ping: redisCache.Ping})
			cacheImpl = redisCache
			log.Info().Msg("Redis cache initialized")
		} else {
			cacheImpl = cache.NewMemoryCache(0)
			log.Info().Msg("Memory cache initialized")
		}
		defer cacheImpl.Close()
		markers = cache.NewIngestedMarkers(cacheImpl, cfg.Cache.TTL)
	}

	// Object store
	objects, err := objectstore.New(ctx, objectstore.Config{
		Backend:         cfg.ObjectStore.Backend,
		Bucket:          cfg.ObjectStore.Bucket,
		CredentialsFile: cfg.ObjectStore.CredentialsFile,
		Endpoint:        cfg.ObjectStore.Endpoint,
		RootDir:         cfg.ObjectStore.RootDir,
		Prefix:          cfg.ObjectStore.Prefix,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize object store")
	}
	defer objects.Close()
	checks = append(checks, handlers.Check{Name: "object_store", Ping: objects.Ping})

	// Pipeline
	writer := catalog.NewWriter(store, markers)
	pipeline := ingest.NewPipeline(objects, writer, auditLog, ingest.Options{
		MaxObjectSize: cfg.Ingest.MaxObjectSize,
	})
	batch := ingest.NewBatch(pipeline, ingest.BatchOptions{
		MaxMemberSize: cfg.Ingest.MaxMemberSize,
		Workers:       cfg.Ingest.BatchWorkers,
	})

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(checks...)
	uploadHandler := handlers.NewUploadHandler(pipeline, batch, cfg.Server.MaxUploadSize)
	instanceHandler := handlers.NewInstanceHandler(writer, objects)
	auditHandler := handlers.NewAuditHandler(auditLog)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/dicom", func(r chi.Router) {
		r.Post("/upload", uploadHandler.Upload)
		r.Post("/upload/batch", uploadHandler.UploadBatch)

		r.Get("/audit", auditHandler.ListAudit)

		r.Route("/instances/{sopInstanceUID}", func(r chi.Router) {
			r.Use(chimiddleware.Compress(5, "application/json"))
			r.Get("/", instanceHandler.GetInstance)
			r.Head("/", instanceHandler.HeadInstance)
			r.Get("/file", instanceHandler.GetInstanceFile)
			r.Get("/audit", auditHandler.GetInstanceAudit)
		})
	})

	// HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed to start")
		}
	}()

	// DIMSE service
	var dimseServer *scp.Server
	if cfg.DIMSE.Enabled {
		dimseServer = scp.NewServer(scp.Config{
			AETitle:            cfg.DIMSE.AETitle,
			Addr:               net.JoinHostPort(cfg.DIMSE.Host, strconv.Itoa(cfg.DIMSE.Port)),
			MaxPDULength:       uint32(cfg.DIMSE.MaxPDULength),
			MaxObjectSize:      cfg.DIMSE.MaxObjectSize,
			AssociationTimeout: cfg.DIMSE.AssociationTimeout,
			IdleTimeout:        cfg.DIMSE.IdleTimeout,
			MaxAssociations:    cfg.DIMSE.MaxAssociations,
		}, pipeline)

		go func() {
			if err := dimseServer.ListenAndServe(); err != nil && !errors.Is(err, scp.ErrServerClosed) {
				log.Fatal().Err(err).Msg("DIMSE service failed to start")
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if dimseServer != nil {
		if err := dimseServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("DIMSE service forced to shut down")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shut down")
	}

	log.Info().Msg("Server stopped")
}
