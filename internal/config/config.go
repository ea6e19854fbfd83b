package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Host string
	Port string

	InactivityTimeout time.Duration
	QueryTimeout      time.Duration
	ContainerMemoryMB int64
	MaxDBSizeMB       int64

	MetadataDBPath string
	DockerSocket   string

	MaxHostsPerDialect int
	PoolHealthInterval time.Duration
	ReaperInterval     time.Duration

	R2Endpoint  string
	R2Bucket    string
	R2AccessKey string
	R2SecretKey string

	BackupOnExpiry bool
}

func Load() Config {
	return Config{
		Host: getenv("HOST", "0.0.0.0"),
		Port: getenv("PORT", "8080"),

		InactivityTimeout: getenvSeconds("INACTIVITY_TIMEOUT_SECS", 1800*time.Second),
		QueryTimeout:      getenvSeconds("QUERY_TIMEOUT_SECS", 30*time.Second),
		ContainerMemoryMB: int64(getenvInt("CONTAINER_MEMORY_MB", 512)),
		MaxDBSizeMB:       int64(getenvInt("MAX_DB_SIZE_MB", 256)),

		MetadataDBPath: getenv("METADATA_DB_PATH", "./data/dbforge.db"),
		DockerSocket:   getenv("DOCKER_SOCKET", "/var/run/docker.sock"),

		MaxHostsPerDialect: getenvInt("MAX_HOSTS_PER_DIALECT", 4),
		PoolHealthInterval: getenvSeconds("POOL_HEALTH_INTERVAL_SECS", 15*time.Second),
		ReaperInterval:     getenvSeconds("REAPER_INTERVAL_SECS", 30*time.Second),

		R2Endpoint:  os.Getenv("R2_ENDPOINT"),
		R2Bucket:    os.Getenv("R2_BUCKET"),
		R2AccessKey: os.Getenv("R2_ACCESS_KEY_ID"),
		R2SecretKey: os.Getenv("R2_SECRET_ACCESS_KEY"),

		BackupOnExpiry: getenvBool("BACKUP_ON_EXPIRY", false),
	}
}

// Addr is the listen address derived from Host and Port.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

// getenvSeconds reads an integer count of seconds, matching the _SECS
// naming convention used throughout the configuration table.
func getenvSeconds(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return time.Duration(n) * time.Second
}

func getenvBool(k string, d bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return d
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	return d
}
