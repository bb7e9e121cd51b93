package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config lists the tunable parameters for the DR form sync agent.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	DatabasePath    string
	ServerURL       string
	ProbeURL        string
	ProbeInterval   time.Duration
	RequestTimeout  time.Duration
	AlwaysReupload  bool
	LocationsPath   string
	ImageDir        string
	EnableMDNS      bool
	LogLevel        string
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultDatabasePath    = "data/drmsync.db"
	defaultServerURL       = "http://localhost:8787"
	defaultProbeInterval   = 10 * time.Second
	defaultRequestTimeout  = 30 * time.Second
	defaultImageDir        = "data/images"
	defaultLogLevel        = "info"
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		DatabasePath:    defaultDatabasePath,
		ServerURL:       defaultServerURL,
		ProbeInterval:   defaultProbeInterval,
		RequestTimeout:  defaultRequestTimeout,
		ImageDir:        defaultImageDir,
		EnableMDNS:      true,
		LogLevel:        defaultLogLevel,
	}

	if v := os.Getenv("DRMSYNC_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DRMSYNC_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v, ok := os.LookupEnv("DRMSYNC_MQTT_BIND"); ok {
		// An empty value disables the embedded broker.
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("DRMSYNC_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("DRMSYNC_SERVER_URL"); v != "" {
		cfg.ServerURL = strings.TrimRight(v, "/")
	}
	if _, err := url.ParseRequestURI(cfg.ServerURL); err != nil {
		return Config{}, fmt.Errorf("invalid DRMSYNC_SERVER_URL: %w", err)
	}

	cfg.ProbeURL = cfg.ServerURL + "/healthz"
	if v := os.Getenv("DRMSYNC_PROBE_URL"); v != "" {
		cfg.ProbeURL = v
	}

	if v := os.Getenv("DRMSYNC_PROBE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DRMSYNC_PROBE_INTERVAL: %w", err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("invalid DRMSYNC_PROBE_INTERVAL: must be positive")
		}
		cfg.ProbeInterval = d
	}

	if v := os.Getenv("DRMSYNC_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DRMSYNC_REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = d
	}

	if v := os.Getenv("DRMSYNC_ALWAYS_REUPLOAD"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DRMSYNC_ALWAYS_REUPLOAD: %w", err)
		}
		cfg.AlwaysReupload = b
	}

	if v := os.Getenv("DRMSYNC_LOCATIONS_PATH"); v != "" {
		cfg.LocationsPath = v
	}

	if v := os.Getenv("DRMSYNC_IMAGE_DIR"); v != "" {
		cfg.ImageDir = v
	}

	if v := os.Getenv("DRMSYNC_MDNS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DRMSYNC_MDNS: %w", err)
		}
		cfg.EnableMDNS = b
	}

	if v := os.Getenv("DRMSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// CollectorConfig lists the parameters for the development collection service.
type CollectorConfig struct {
	HTTPPort       int
	DatabasePath   string
	PublicBaseURL  string
	ImageDir       string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	LogLevel       string
}

// LoadCollector reads DRMCOLLECT_* variables. When DRMCOLLECT_MINIO_ENDPOINT is empty
// images are written under ImageDir instead of an object store. With MinIO and no
// DRMCOLLECT_PUBLIC_BASE_URL, PublicBaseURL is left empty.
func LoadCollector() (CollectorConfig, error) {
	cfg := CollectorConfig{
		HTTPPort:       8787,
		DatabasePath:   "data/collector.db",
		ImageDir:       "data/collector-images",
		MinioAccessKey: "minioadmin",
		MinioSecretKey: "minioadmin",
		MinioBucket:    "drm-images",
		LogLevel:       defaultLogLevel,
	}

	if v := os.Getenv("DRMCOLLECT_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return CollectorConfig{}, fmt.Errorf("invalid DRMCOLLECT_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}
	cfg.PublicBaseURL = fmt.Sprintf("http://localhost:%d/images", cfg.HTTPPort)

	if v := os.Getenv("DRMCOLLECT_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("DRMCOLLECT_PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("DRMCOLLECT_IMAGE_DIR"); v != "" {
		cfg.ImageDir = v
	}
	if v := os.Getenv("DRMCOLLECT_MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("DRMCOLLECT_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("DRMCOLLECT_MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("DRMCOLLECT_MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("DRMCOLLECT_MINIO_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return CollectorConfig{}, fmt.Errorf("invalid DRMCOLLECT_MINIO_SSL: %w", err)
		}
		cfg.MinioUseSSL = b
	}
	if v := os.Getenv("DRMCOLLECT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	// Object URLs default to the bucket's own endpoint.
	if cfg.MinioEndpoint != "" && os.Getenv("DRMCOLLECT_PUBLIC_BASE_URL") == "" {
		cfg.PublicBaseURL = ""
	}

	return cfg, nil
}

// SlogLevel maps a configured level name onto a slog level; unknown names mean info.
func SlogLevel(level string) slog.Leveler {
	var lvl slog.Level

	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}
