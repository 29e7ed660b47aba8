// Package config loads the proxy configuration file: key=value pairs
// under [Server], [Connection] and [Database] sections. A missing file
// is created with defaults at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/ini.v1"
)

// Config holds the resolved proxy configuration.
type Config struct {
	// [Server]
	UserAuthentication bool
	ProxyPort          int
	NodePort           int
	ManagementPort     int

	// [Connection]
	PollingTimeout          time.Duration
	WorkingTimeout          time.Duration
	ExceptionThreshold      int
	ProxyTimeout            time.Duration
	ChunkBufferSize         int
	MaxConnections          int
	RateLimiting            bool
	MaxConnectionsPerIP     int
	MaxConnectionsPerMinute int
	BanDuration             time.Duration

	// [Database]
	DatabaseURL string
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		UserAuthentication:      false,
		ProxyPort:               6666,
		NodePort:                7777,
		ManagementPort:          6668,
		PollingTimeout:          10 * time.Second,
		WorkingTimeout:          300 * time.Second,
		ExceptionThreshold:      5,
		ProxyTimeout:            60 * time.Second,
		ChunkBufferSize:         16 * 1024,
		MaxConnections:          1024,
		RateLimiting:            false,
		MaxConnectionsPerIP:     100,
		MaxConnectionsPerMinute: 60,
		BanDuration:             300 * time.Second,
		DatabaseURL:             "hivecore.db",
	}
}

// Load reads the configuration at path, creating it with defaults
// first when it does not exist. Individual malformed values fall back
// to their defaults; an unreadable or unparsable file is an error.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return nil, err
		}
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	def := Default()
	cfg := &Config{}

	server := f.Section("Server")
	cfg.UserAuthentication = server.Key("USER_AUTHENTICATION").MustBool(def.UserAuthentication)
	cfg.ProxyPort = server.Key("PROXY_PORT").MustInt(def.ProxyPort)
	cfg.NodePort = server.Key("NODE_CONNECTION_PORT").MustInt(def.NodePort)
	cfg.ManagementPort = server.Key("MANAGEMENT_CONNECTION_PORT").MustInt(def.ManagementPort)

	conn := f.Section("Connection")
	cfg.PollingTimeout = msKey(conn, "POLLING_NODE_CONNECTION_TIMEOUT", def.PollingTimeout)
	cfg.WorkingTimeout = msKey(conn, "WORKING_NODE_CONNECTION_TIMEOUT", def.WorkingTimeout)
	cfg.ExceptionThreshold = conn.Key("CONNECTION_EXCEPTION_THRESHOLD").MustInt(def.ExceptionThreshold)
	cfg.ProxyTimeout = msKey(conn, "PROXY_TIMEOUT_MS", def.ProxyTimeout)
	cfg.ChunkBufferSize = conn.Key("MESSAGE_CHUNK_BUFFER_SIZE").MustInt(def.ChunkBufferSize)
	cfg.MaxConnections = conn.Key("MAX_CONNECTIONS").MustInt(def.MaxConnections)
	cfg.RateLimiting = conn.Key("RATE_LIMITING").MustBool(def.RateLimiting)
	cfg.MaxConnectionsPerIP = conn.Key("MAX_CONNECTIONS_PER_IP").MustInt(def.MaxConnectionsPerIP)
	cfg.MaxConnectionsPerMinute = conn.Key("MAX_CONNECTIONS_PER_MINUTE").MustInt(def.MaxConnectionsPerMinute)
	cfg.BanDuration = time.Duration(conn.Key("BAN_DURATION_SECONDS").MustInt(int(def.BanDuration/time.Second))) * time.Second

	cfg.DatabaseURL = f.Section("Database").Key("DATABASE_URL").MustString(def.DatabaseURL)

	if cfg.ChunkBufferSize <= 0 {
		cfg.ChunkBufferSize = def.ChunkBufferSize
	}
	if cfg.ExceptionThreshold <= 0 {
		cfg.ExceptionThreshold = def.ExceptionThreshold
	}
	return cfg, nil
}

// msKey reads a millisecond-valued key as a duration.
func msKey(sec *ini.Section, name string, def time.Duration) time.Duration {
	return time.Duration(sec.Key(name).MustInt(int(def/time.Millisecond))) * time.Millisecond
}

// writeDefault creates the config file with defaults. A file lock
// keeps concurrent first starts from torn-writing it.
func writeDefault(path string) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking config file: %w", err)
	}
	defer lock.Unlock()

	// another process may have won the race while we waited
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	def := Default()
	f := ini.Empty()

	server, _ := f.NewSection("Server")
	server.NewKey("USER_AUTHENTICATION", fmt.Sprintf("%t", def.UserAuthentication))
	server.NewKey("PROXY_PORT", fmt.Sprintf("%d", def.ProxyPort))
	server.NewKey("NODE_CONNECTION_PORT", fmt.Sprintf("%d", def.NodePort))
	server.NewKey("MANAGEMENT_CONNECTION_PORT", fmt.Sprintf("%d", def.ManagementPort))

	conn, _ := f.NewSection("Connection")
	conn.NewKey("POLLING_NODE_CONNECTION_TIMEOUT", fmt.Sprintf("%d", int(def.PollingTimeout/time.Millisecond)))
	conn.NewKey("WORKING_NODE_CONNECTION_TIMEOUT", fmt.Sprintf("%d", int(def.WorkingTimeout/time.Millisecond)))
	conn.NewKey("CONNECTION_EXCEPTION_THRESHOLD", fmt.Sprintf("%d", def.ExceptionThreshold))
	conn.NewKey("PROXY_TIMEOUT_MS", fmt.Sprintf("%d", int(def.ProxyTimeout/time.Millisecond)))
	conn.NewKey("MESSAGE_CHUNK_BUFFER_SIZE", fmt.Sprintf("%d", def.ChunkBufferSize))
	conn.NewKey("MAX_CONNECTIONS", fmt.Sprintf("%d", def.MaxConnections))
	conn.NewKey("RATE_LIMITING", fmt.Sprintf("%t", def.RateLimiting))
	conn.NewKey("MAX_CONNECTIONS_PER_IP", fmt.Sprintf("%d", def.MaxConnectionsPerIP))
	conn.NewKey("MAX_CONNECTIONS_PER_MINUTE", fmt.Sprintf("%d", def.MaxConnectionsPerMinute))
	conn.NewKey("BAN_DURATION_SECONDS", fmt.Sprintf("%d", int(def.BanDuration/time.Second)))

	db, _ := f.NewSection("Database")
	db.NewKey("DATABASE_URL", def.DatabaseURL)

	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}
