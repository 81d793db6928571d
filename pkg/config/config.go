// Package config loads server configuration from environment variables.
// The variable names are operator-facing contracts; do not rename them.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the full faxbot configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string // empty selects SQLite lite mode
	SQLitePath  string

	Backend     string // phaxio | sinch | sip | disabled
	FaxDisabled bool

	MaxFileSizeMB        int
	MaxRequestsPerMinute int
	InboundListRPM       int
	InboundGetRPM        int
	AdminRPM             int
	RateLimitRedisURL    string

	BootstrapAPIKey    string
	RequireAPIKey      bool
	PublicAPIURL       string
	EnforcePublicHTTPS bool
	PDFTokenTTL        time.Duration

	// Phaxio (URL-fetch cloud provider)
	PhaxioAPIKey         string
	PhaxioAPISecret      string
	PhaxioCallbackSecret string
	PhaxioAPIURL         string

	// Sinch (direct-upload cloud provider)
	SinchProjectID  string
	SinchAPIKey     string
	SinchAPISecret  string
	SinchAPIURL     string
	SinchBasicUser  string
	SinchBasicPass  string
	SinchHMACSecret string

	// SIP/Asterisk (self-hosted PBX)
	AMIHost               string
	AMIPort               string
	AMIUsername           string
	AMIPassword           string
	AMIStationID          string
	AMICommandTimeout     time.Duration
	AsteriskInboundSecret string
	InternalSecret        string

	InboundEnabled       bool
	InboundRetentionDays int
	InboundTokenTTL      time.Duration
	DedupTTL             time.Duration
	RetentionInterval    time.Duration

	StorageBackend string // local | s3 | gcs
	DataDir        string
	S3Bucket       string
	S3Region       string
	S3KMSKeyID     string
	S3EndpointURL  string
	GCSBucket      string

	AuditLogEnabled bool

	ConvertTimeout time.Duration
	GhostscriptBin string
	TIFF2PDFBin    string

	OTELEnabled  bool
	OTLPEndpoint string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	cfg := &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getenv("SQLITE_PATH", "data/faxbot.db"),

		Backend:     getenv("FAX_BACKEND", "disabled"),
		FaxDisabled: boolenv("FAX_DISABLED", false),

		MaxFileSizeMB:        intenv("MAX_FILE_SIZE_MB", 10),
		MaxRequestsPerMinute: intenv("MAX_REQUESTS_PER_MINUTE", 0),
		InboundListRPM:       intenv("INBOUND_LIST_RPM", 0),
		InboundGetRPM:        intenv("INBOUND_GET_RPM", 0),
		AdminRPM:             intenv("ADMIN_RPM", 0),
		RateLimitRedisURL:    os.Getenv("RATE_LIMIT_REDIS_URL"),

		BootstrapAPIKey:    os.Getenv("API_KEY"),
		RequireAPIKey:      boolenv("REQUIRE_API_KEY", true),
		PublicAPIURL:       getenv("PUBLIC_API_URL", "http://localhost:8080"),
		EnforcePublicHTTPS: boolenv("ENFORCE_PUBLIC_HTTPS", false),
		PDFTokenTTL:        minutesenv("PDF_TOKEN_TTL_MINUTES", 60),

		PhaxioAPIKey:         os.Getenv("PHAXIO_API_KEY"),
		PhaxioAPISecret:      os.Getenv("PHAXIO_API_SECRET"),
		PhaxioCallbackSecret: os.Getenv("PHAXIO_CALLBACK_SECRET"),
		PhaxioAPIURL:         getenv("PHAXIO_API_URL", "https://api.phaxio.com/v2.1"),

		SinchProjectID:  os.Getenv("SINCH_PROJECT_ID"),
		SinchAPIKey:     os.Getenv("SINCH_API_KEY"),
		SinchAPISecret:  os.Getenv("SINCH_API_SECRET"),
		SinchAPIURL:     getenv("SINCH_API_URL", "https://fax.api.sinch.com/v3"),
		SinchBasicUser:  os.Getenv("SINCH_CALLBACK_BASIC_USER"),
		SinchBasicPass:  os.Getenv("SINCH_CALLBACK_BASIC_PASS"),
		SinchHMACSecret: os.Getenv("SINCH_CALLBACK_HMAC_SECRET"),

		AMIHost:               getenv("ASTERISK_AMI_HOST", "asterisk"),
		AMIPort:               getenv("ASTERISK_AMI_PORT", "5038"),
		AMIUsername:           getenv("ASTERISK_AMI_USERNAME", "api"),
		AMIPassword:           os.Getenv("ASTERISK_AMI_PASSWORD"),
		AMIStationID:          getenv("FAX_STATION_ID", "Faxbot"),
		AMICommandTimeout:     secondsenv("AMI_COMMAND_TIMEOUT_SECONDS", 60),
		AsteriskInboundSecret: os.Getenv("ASTERISK_INBOUND_SECRET"),
		InternalSecret:        os.Getenv("INTERNAL_SECRET"),

		InboundEnabled:       boolenv("INBOUND_ENABLED", false),
		InboundRetentionDays: intenv("INBOUND_RETENTION_DAYS", 30),
		InboundTokenTTL:      minutesenv("INBOUND_TOKEN_TTL_MINUTES", 60),
		DedupTTL:             time.Duration(intenv("DEDUP_TTL_HOURS", 48)) * time.Hour,
		RetentionInterval:    minutesenv("RETENTION_INTERVAL_MINUTES", 60),

		StorageBackend: getenv("STORAGE_BACKEND", "local"),
		DataDir:        getenv("DATA_DIR", "data"),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3Region:       getenv("S3_REGION", "us-east-1"),
		S3KMSKeyID:     os.Getenv("S3_KMS_KEY_ID"),
		S3EndpointURL:  os.Getenv("S3_ENDPOINT_URL"),
		GCSBucket:      os.Getenv("GCS_BUCKET"),

		AuditLogEnabled: boolenv("AUDIT_LOG_ENABLED", false),

		ConvertTimeout: secondsenv("CONVERT_TIMEOUT_SECONDS", 60),
		GhostscriptBin: getenv("GHOSTSCRIPT_BIN", "gs"),
		TIFF2PDFBin:    getenv("TIFF2PDF_BIN", "tiff2pdf"),

		OTELEnabled:  boolenv("OTEL_ENABLED", false),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
	}

	// FAX_DISABLED overrides whatever backend is configured.
	if cfg.FaxDisabled {
		cfg.Backend = "disabled"
	}
	// The Asterisk hook secret falls back to the shared internal secret.
	if cfg.AsteriskInboundSecret == "" {
		cfg.AsteriskInboundSecret = cfg.InternalSecret
	}
	return cfg
}

// MaxFileSizeBytes converts the configured megabyte limit.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) << 20
}

// InboundRetention converts the configured day count.
func (c *Config) InboundRetention() time.Duration {
	return time.Duration(c.InboundRetentionDays) * 24 * time.Hour
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intenv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolenv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes"
}

func minutesenv(key string, def int) time.Duration {
	return time.Duration(intenv(key, def)) * time.Minute
}

func secondsenv(key string, def int) time.Duration {
	return time.Duration(intenv(key, def)) * time.Second
}
