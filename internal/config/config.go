package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/wiregate/wiregate/internal/model"
)

// Storage modes selected by DASHBOARD_TYPE.
const (
	ModeSimple = "simple"
	ModeScale  = "scale"
)

type Config struct {
	Mode              string
	ConfigurationPath string
	DBPath            string
	WGConfPath        string
	AWGConfPath       string
	ScriptsPath       string
	BackupPath        string
	CPSPath           string
	LogLevel          string
	NodeID            string

	PeerDefaults model.PeerDefaults

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	CacheTTL          time.Duration
	TelemetryInterval time.Duration
	JobInterval       time.Duration
	HistoryRetention  time.Duration
	MetricsListenAddr string

	TLSPipeEncryptionKey string
	WGSecretKey          string

	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
}

func Load() (*Config, error) {
	confPath := getEnv("CONFIGURATION_PATH", "/etc/wiregate")

	cfg := &Config{
		Mode:              strings.ToLower(getEnv("DASHBOARD_TYPE", ModeSimple)),
		ConfigurationPath: confPath,
		DBPath:            getEnv("DB_PATH", filepath.Join(confPath, "db")),
		WGConfPath:        getEnv("WGD_CONF_PATH", getEnv("WG_CONF_PATH", "/etc/wireguard")),
		AWGConfPath:       getEnv("AWG_CONF_PATH", "/etc/amnezia/amneziawg"),
		ScriptsPath:       getEnv("WGD_IPTABLES_PATH", filepath.Join(confPath, "iptable-rules")),
		BackupPath:        getEnv("WGD_BACKUP_PATH", filepath.Join(confPath, "backups")),
		CPSPath:           getEnv("WGD_CPS_PATH", filepath.Join(confPath, "cps_patterns")),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		NodeID:            getEnv("NODE_ID", ""),

		PeerDefaults: model.PeerDefaults{
			DNS:                getEnv("WGD_DNS", "1.1.1.1"),
			EndpointAllowedIP:  getEnv("WGD_PEER_ENDPOINT_ALLOWED_IP", "0.0.0.0/0, ::/0"),
			RemoteEndpoint:     getEnv("WGD_REMOTE_ENDPOINT", ""),
			RemoteEndpointPort: getEnv("WGD_REMOTE_ENDPOINT_PORT", ""),
		},

		PostgresHost:     getEnv("POSTGRES_HOST", ""),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", ""),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		MetricsListenAddr: getEnv("METRICS_LISTEN_ADDR", ":9102"),

		TLSPipeEncryptionKey: getEnv("TLSPIPE_ENCRYPTION_KEY", ""),
		WGSecretKey:          getEnv("WG_SECRET_KEY", ""),

		S3Endpoint:  getEnv("S3_BACKUP_ENDPOINT", ""),
		S3Bucket:    getEnv("S3_BACKUP_BUCKET", ""),
		S3AccessKey: getEnv("S3_BACKUP_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_BACKUP_SECRET_KEY", ""),
		S3Region:    getEnv("S3_BACKUP_REGION", "us-east-1"),
	}

	var err error
	if cfg.PeerDefaults.MTU, err = getEnvInt("WGD_MTU", 1420); err != nil {
		return nil, err
	}
	if cfg.PeerDefaults.Keepalive, err = getEnvInt("WGD_KEEP_ALIVE", 21); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getEnvDuration("CACHE_TTL", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.TelemetryInterval, err = getEnvDuration("TELEMETRY_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.JobInterval, err = getEnvDuration("JOB_INTERVAL", 3*time.Minute); err != nil {
		return nil, err
	}
	if cfg.HistoryRetention, err = getEnvDuration("HISTORY_RETENTION", 24*time.Hour); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that everything the selected storage mode needs is present.
func (c *Config) Validate() error {
	var problems []string

	switch c.Mode {
	case ModeSimple:
	case ModeScale:
		var missing []string
		if c.PostgresHost == "" {
			missing = append(missing, "POSTGRES_HOST")
		}
		if c.PostgresUser == "" {
			missing = append(missing, "POSTGRES_USER")
		}
		if c.PostgresDB == "" {
			missing = append(missing, "POSTGRES_DB")
		}
		if len(missing) > 0 {
			problems = append(problems, "missing required config: "+strings.Join(missing, ", "))
		}
	default:
		problems = append(problems, fmt.Sprintf("DASHBOARD_TYPE must be %q or %q, got %q", ModeSimple, ModeScale, c.Mode))
	}

	if c.PeerDefaults.MTU < 0 || c.PeerDefaults.MTU > 1460 {
		problems = append(problems, "WGD_MTU must be between 0 and 1460")
	}
	if c.PeerDefaults.Keepalive < 0 {
		problems = append(problems, "WGD_KEEP_ALIVE must not be negative")
	}
	if c.TelemetryInterval <= 0 || c.JobInterval <= 0 {
		problems = append(problems, "TELEMETRY_INTERVAL and JOB_INTERVAL must be positive")
	}
	if (c.S3Bucket == "") != (c.S3Endpoint == "") {
		problems = append(problems, "S3_BACKUP_ENDPOINT and S3_BACKUP_BUCKET must both be set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// PostgresURL builds the connection URL for scale mode.
func (c *Config) PostgresURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     net.JoinHostPort(c.PostgresHost, c.PostgresPort),
		Path:     "/" + c.PostgresDB,
		RawQuery: "sslmode=" + url.QueryEscape(c.PostgresSSLMode),
	}
	return u.String()
}

// RedisAddr returns the cache address, or "" when no cache is configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return net.JoinHostPort(c.RedisHost, c.RedisPort)
}

// SQLitePath is the database file used in simple mode.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DBPath, "wiregate.db")
}

// OffsiteEnabled reports whether backups are copied to S3.
func (c *Config) OffsiteEnabled() bool {
	return c.S3Endpoint != "" && c.S3Bucket != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare integers are seconds.
		if n, nerr := strconv.Atoi(v); nerr == nil {
			return time.Duration(n) * time.Second, nil
		}
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
