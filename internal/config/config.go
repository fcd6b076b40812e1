// Package config loads settings from the environment, reading a .env file
// first when one is present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	DIMSE       DIMSEConfig
	SCU         SCUConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Cache       CacheConfig
	ObjectStore ObjectStoreConfig
	Ingest      IngestConfig
	Log         LogConfig
	CORS        CORSConfig
	Metrics     MetricsConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxUploadSize   int64
}

// DIMSEConfig configures the storage and verification service.
type DIMSEConfig struct {
	Enabled            bool
	AETitle            string
	Host               string
	Port               int
	MaxPDULength       int
	MaxObjectSize      int64
	AssociationTimeout time.Duration
	IdleTimeout        time.Duration
	MaxAssociations    int
}

// SCUConfig configures the storescu client.
type SCUConfig struct {
	Host       string
	Port       int
	CallingAET string
	CalledAET  string
	Timeout    time.Duration
	PoolSize   int
}

type DatabaseConfig struct {
	// Enabled selects the Postgres catalog; otherwise an in-memory catalog
	// is used.
	Enabled         bool
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	LogLevel        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
	PoolSize  int
}

type CacheConfig struct {
	Enabled bool
	Type    string // redis or memory
	TTL     time.Duration
}

type ObjectStoreConfig struct {
	Backend         string // gcs, filesystem or memory
	Bucket          string
	CredentialsFile string
	Endpoint        string
	RootDir         string
	Prefix          string
}

type IngestConfig struct {
	MaxObjectSize int64
	MaxMemberSize int64
	BatchWorkers  int
}

type LogConfig struct {
	Level  string
	Format string
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

type MetricsConfig struct {
	Enabled bool
}

// Load reads the configuration. A missing .env file is not an error;
// malformed values are.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	e := &env{}
	cfg := &Config{
		Server: ServerConfig{
			Host:            e.getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            e.getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     e.getEnvDuration("SERVER_READ_TIMEOUT", 5*time.Minute),
			WriteTimeout:    e.getEnvDuration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
			ShutdownTimeout: e.getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxUploadSize:   e.getEnvInt64("SERVER_MAX_UPLOAD_SIZE", 1<<30),
		},
		DIMSE: DIMSEConfig{
			Enabled:            e.getEnvBool("DIMSE_ENABLED", true),
			AETitle:            e.getEnv("DIMSE_AE_TITLE", "DICOM_INGESTOR"),
			Host:               e.getEnv("DIMSE_HOST", "0.0.0.0"),
			Port:               e.getEnvInt("DIMSE_PORT", 11112),
			MaxPDULength:       e.getEnvInt("DIMSE_MAX_PDU_LENGTH", 65536),
			MaxObjectSize:      e.getEnvInt64("DIMSE_MAX_OBJECT_SIZE", 0),
			AssociationTimeout: e.getEnvDuration("DIMSE_ASSOCIATION_TIMEOUT", 30*time.Second),
			IdleTimeout:        e.getEnvDuration("DIMSE_IDLE_TIMEOUT", 5*time.Minute),
			MaxAssociations:    e.getEnvInt("DIMSE_MAX_ASSOCIATIONS", 0),
		},
		SCU: SCUConfig{
			Host:       e.getEnv("SCU_HOST", "127.0.0.1"),
			Port:       e.getEnvInt("SCU_PORT", 11112),
			CallingAET: e.getEnv("SCU_CALLING_AET", "STORESCU"),
			CalledAET:  e.getEnv("SCU_CALLED_AET", "DICOM_INGESTOR"),
			Timeout:    e.getEnvDuration("SCU_TIMEOUT", 30*time.Second),
			PoolSize:   e.getEnvInt("SCU_POOL_SIZE", 4),
		},
		Database: DatabaseConfig{
			Enabled:         e.getEnvBool("DB_ENABLED", true),
			Host:            e.getEnv("DB_HOST", "localhost"),
			Port:            e.getEnvInt("DB_PORT", 5432),
			User:            e.getEnv("DB_USER", "postgres"),
			Password:        e.getEnv("DB_PASSWORD", ""),
			DBName:          e.getEnv("DB_NAME", "dicom_ingestor"),
			SSLMode:         e.getEnv("DB_SSLMODE", "disable"),
			LogLevel:        e.getEnv("DB_LOG_LEVEL", "warn"),
			MaxOpenConns:    e.getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    e.getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: e.getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			AutoMigrate:     e.getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Host:      e.getEnv("REDIS_HOST", "localhost"),
			Port:      e.getEnvInt("REDIS_PORT", 6379),
			Password:  e.getEnv("REDIS_PASSWORD", ""),
			DB:        e.getEnvInt("REDIS_DB", 0),
			KeyPrefix: e.getEnv("REDIS_KEY_PREFIX", "dicom-ingestor:"),
			PoolSize:  e.getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Cache: CacheConfig{
			Enabled: e.getEnvBool("CACHE_ENABLED", true),
			Type:    e.getEnv("CACHE_TYPE", "memory"),
			TTL:     e.getEnvDuration("CACHE_TTL", 24*time.Hour),
		},
		ObjectStore: ObjectStoreConfig{
			Backend:         e.getEnv("OBJECT_STORE_BACKEND", "filesystem"),
			Bucket:          e.getEnv("OBJECT_STORE_BUCKET", ""),
			CredentialsFile: e.getEnv("OBJECT_STORE_CREDENTIALS_FILE", ""),
			Endpoint:        e.getEnv("OBJECT_STORE_ENDPOINT", ""),
			RootDir:         e.getEnv("OBJECT_STORE_ROOT_DIR", "./data/objects"),
			Prefix:          e.getEnv("OBJECT_STORE_PREFIX", ""),
		},
		Ingest: IngestConfig{
			MaxObjectSize: e.getEnvInt64("INGEST_MAX_OBJECT_SIZE", 0),
			MaxMemberSize: e.getEnvInt64("INGEST_MAX_MEMBER_SIZE", 100<<20),
			BatchWorkers:  e.getEnvInt("INGEST_BATCH_WORKERS", 1),
		},
		Log: LogConfig{
			Level:  e.getEnv("LOG_LEVEL", "info"),
			Format: e.getEnv("LOG_FORMAT", "json"),
		},
		CORS: CORSConfig{
			AllowedOrigins: e.getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: e.getEnvSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: e.getEnvSlice("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "X-Request-ID"}),
		},
		Metrics: MetricsConfig{
			Enabled: e.getEnvBool("METRICS_ENABLED", true),
		},
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid SERVER_PORT: %d", c.Server.Port))
	}
	if c.DIMSE.Enabled {
		if c.DIMSE.Port <= 0 || c.DIMSE.Port > 65535 {
			errs = append(errs, fmt.Errorf("invalid DIMSE_PORT: %d", c.DIMSE.Port))
		}
		if l := len(strings.TrimSpace(c.DIMSE.AETitle)); l == 0 || l > 16 {
			errs = append(errs, fmt.Errorf("DIMSE_AE_TITLE must be 1-16 characters, got %q", c.DIMSE.AETitle))
		}
		if c.DIMSE.MaxPDULength != 0 && c.DIMSE.MaxPDULength < 4096 {
			errs = append(errs, fmt.Errorf("DIMSE_MAX_PDU_LENGTH must be 0 or at least 4096, got %d", c.DIMSE.MaxPDULength))
		}
	}
	if c.Database.Enabled && c.Database.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required when DB_ENABLED is true"))
	}
	if c.Cache.Enabled && c.Cache.Type != "redis" && c.Cache.Type != "memory" {
		errs = append(errs, fmt.Errorf("CACHE_TYPE must be redis or memory, got %q", c.Cache.Type))
	}

	switch c.ObjectStore.Backend {
	case "gcs":
		if c.ObjectStore.Bucket == "" {
			errs = append(errs, errors.New("OBJECT_STORE_BUCKET is required for the gcs backend"))
		}
	case "filesystem":
		if c.ObjectStore.RootDir == "" {
			errs = append(errs, errors.New("OBJECT_STORE_ROOT_DIR is required for the filesystem backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown OBJECT_STORE_BACKEND %q", c.ObjectStore.Backend))
	}

	if c.Ingest.BatchWorkers < 1 {
		errs = append(errs, fmt.Errorf("INGEST_BATCH_WORKERS must be at least 1, got %d", c.Ingest.BatchWorkers))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// env reads typed variables, collecting parse errors.
type env struct {
	errs []error
}

func (e *env) getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func (e *env) getEnvInt(key string, defaultValue int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return n
}

func (e *env) getEnvInt64(key string, defaultValue int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return n
}

func (e *env) getEnvBool(key string, defaultValue bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return b
}

func (e *env) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return d
}

func (e *env) getEnvSlice(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
