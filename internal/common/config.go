package common

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	OCR       OCRConfig
	Pipeline  PipelineConfig
	Queue     QueueConfig
	Database  DatabaseConfig
	Archive   ArchiveConfig
	Inbox     InboxConfig
	LogLevel  slog.Level
	LogFormat string
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr       string
	GRPCAddr       string
	StaticDir      string
	CORSOrigins    []string
	MaxUploadBytes int64
	RequestTimeout time.Duration
}

// OCRConfig holds the external tool configuration
type OCRConfig struct {
	Pdfseparate   string
	Pdftoppm      string
	Tesseract     string
	TesseractLang string
	TessdataDir   string
	DPI           int
	PSM           int
	OEM           int
	MaxPages      int
	Pdftk         string
	SplitTimeout  time.Duration
	ChunkTargetKB int
}

// PipelineConfig bounds concurrency and time for every job.
type PipelineConfig struct {
	Concurrency    int
	PageTimeout    time.Duration
	JobTimeout     time.Duration
	MaxPageTimeout time.Duration
	MaxJobTimeout  time.Duration
	WorkspaceDir   string
	SweepAge       time.Duration
}

// QueueConfig holds async job queue configuration
type QueueConfig struct {
	Workers int
	Size    int
}

// DatabaseConfig holds job store configuration
type DatabaseConfig struct {
	Driver           string // memory | sqlite | postgres
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ArchiveConfig holds the optional S3 result archive configuration
type ArchiveConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
}

// Enabled reports whether terminal jobs should be archived.
func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// InboxConfig is the optional watch folder; files dropped into Dir are queued as jobs.
type InboxConfig struct {
	Dir      string
	Debounce time.Duration
}

func (i InboxConfig) Enabled() bool { return i.Dir != "" }

// LoadConfig loads configuration from environment variables, reading a
// local .env first when present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr:       getEnv("GRPC_ADDR", ":9090"),
			StaticDir:      getEnv("STATIC_DIR", ""),
			CORSOrigins:    getEnvAsList("CORS_ORIGINS", []string{"http://localhost:5173"}),
			MaxUploadBytes: getEnvAsInt64("MAX_UPLOAD_BYTES", 200<<20),
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 2*time.Hour+5*time.Minute),
		},
		OCR: OCRConfig{
			Pdfseparate:   getEnv("PDFSEPARATE_BIN", "pdfseparate"),
			Pdftoppm:      getEnv("PDFTOPPM_BIN", "pdftoppm"),
			Tesseract:     getEnv("TESSERACT_BIN", "tesseract"),
			TesseractLang: getEnv("TESSERACT_LANG", "san"),
			TessdataDir:   getEnv("TESSDATA_PREFIX", ""),
			DPI:           getEnvAsInt("OCR_DPI", 300),
			PSM:           getEnvAsInt("OCR_PSM", 0),
			OEM:           getEnvAsInt("OCR_OEM", 0),
			MaxPages:      getEnvAsInt("OCR_MAX_PAGES", 0),
			Pdftk:         getEnv("PDFTK_BIN", "pdftk"),
			SplitTimeout:  getEnvAsDuration("SPLIT_TIMEOUT", 5*time.Minute),
			ChunkTargetKB: getEnvAsInt("CHUNK_TARGET_KB", 500),
		},
		Pipeline: PipelineConfig{
			Concurrency:    getEnvAsInt("OCR_CONCURRENCY", runtime.NumCPU()),
			PageTimeout:    getEnvAsDuration("PAGE_TIMEOUT", 2*time.Minute),
			JobTimeout:     getEnvAsDuration("JOB_TIMEOUT", 30*time.Minute),
			MaxPageTimeout: getEnvAsDuration("MAX_PAGE_TIMEOUT", 10*time.Minute),
			MaxJobTimeout:  getEnvAsDuration("MAX_JOB_TIMEOUT", 2*time.Hour),
			WorkspaceDir:   getEnv("WORKSPACE_DIR", os.TempDir()),
			SweepAge:       getEnvAsDuration("WORKSPACE_SWEEP_AGE", 6*time.Hour),
		},
		Queue: QueueConfig{
			Workers: getEnvAsInt("QUEUE_WORKERS", 2),
			Size:    getEnvAsInt("QUEUE_SIZE", 64),
		},
		Database: DatabaseConfig{
			Driver:           getEnv("JOB_STORE", "memory"),
			DSN:              getEnv("JOB_STORE_DSN", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 10),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 1),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Archive: ArchiveConfig{
			Bucket:    getEnv("ARCHIVE_BUCKET", ""),
			Prefix:    getEnv("ARCHIVE_PREFIX", "ocr-jobs"),
			Region:    getEnv("AWS_REGION", "us-east-2"),
			AccessKey: getEnv("AWS_ACCESS_KEY", ""),
			SecretKey: getEnv("AWS_SECRET_KEY", ""),
		},
		Inbox: InboxConfig{
			Dir:      getEnv("INBOX_DIR", ""),
			Debounce: getEnvAsDuration("INBOX_DEBOUNCE", 2*time.Second),
		},
		LogLevel:  getEnvAsLevel("LOG_LEVEL", slog.LevelInfo),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		slog.Warn("invalid integer in environment, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		slog.Warn("invalid duration in environment, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
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

func getEnvAsLevel(key string, defaultValue slog.Level) slog.Level {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(value)); err != nil {
		return defaultValue
	}
	return lvl
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	v := NewValidator()
	v.Field("HTTP_ADDR", c.Server.HTTPAddr, Required)
	v.Field("TESSERACT_LANG", c.OCR.TesseractLang, Required)
	v.Field("OCR_CONCURRENCY", c.Pipeline.Concurrency, IntRange(1, 256))
	v.Field("OCR_DPI", c.OCR.DPI, IntRange(50, 1200))
	v.Field("PAGE_TIMEOUT", c.Pipeline.PageTimeout, PositiveDuration)
	v.Field("JOB_TIMEOUT", c.Pipeline.JobTimeout, PositiveDuration)
	v.Field("SPLIT_TIMEOUT", c.OCR.SplitTimeout, PositiveDuration)
	v.Field("CHUNK_TARGET_KB", c.OCR.ChunkTargetKB, IntRange(1, 1<<20))
	// a sync request must outlive the longest job it may run; zero disables the limit
	if c.Server.RequestTimeout != 0 {
		v.Field("REQUEST_TIMEOUT", c.Server.RequestTimeout, MinDuration("MAX_JOB_TIMEOUT", c.Pipeline.MaxJobTimeout))
	}
	v.Field("QUEUE_WORKERS", c.Queue.Workers, IntRange(1, 64))
	v.Field("JOB_STORE", c.Database.Driver, OneOf("memory", "sqlite", "postgres"))
	if c.Database.Driver != "memory" {
		v.Field("JOB_STORE_DSN", c.Database.DSN, Required)
	}
	if v.HasErrors() {
		return NewAppError("CONFIG_ERROR", v.ErrorMessage(), ErrInvalidInput)
	}
	return nil
}

// NewLogger builds the process logger from the configured level and format.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
