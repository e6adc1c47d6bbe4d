// Package config holds the immutable runtime configuration. It is populated
// once at startup from flags/environment and passed by value afterwards.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Config carries every tunable of the service. Zero values are not usable;
// construct with Default() and override.
type Config struct {
	ListenAddr string // HTTP + WebSocket listen address
	RedisAddr  string // single-node Redis used for jobs, queue and events
	DataRoot   string // parent of work/ and out/
	LogLevel   string // debug, info, warn, error

	Workers        int // concurrent pipelines; 0 means NumCPU
	QueueHighWater int // admission rejects new jobs above this queue depth

	MaxDownloadBytes int64         // fetch stage size cap
	DownloadTimeout  time.Duration // fetch stage total-duration cap
	StageTimeout     time.Duration // deadline applied to every other stage
	RetentionTTL     time.Duration // job records and output artifacts
	EventRetention   int           // replayable events kept per job
	Heartbeat        time.Duration // gateway heartbeat interval
	KillGrace        time.Duration // TERM to KILL delay for subprocess groups
	MinFreeBytes     int64         // workspace allocation guard; 0 disables

	PipMirrorURL   string // index passed to pip download
	MarketplaceURL string // base URL for marketplace downloads
	PipPath        string // packaging tool binary
	PackagerPath   string // plugin-archive tool binary; empty selects by host
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		RedisAddr:        "127.0.0.1:6379",
		DataRoot:         "./data",
		LogLevel:         "info",
		Workers:          runtime.NumCPU(),
		QueueHighWater:   128,
		MaxDownloadBytes: 500 * 1024 * 1024,
		DownloadTimeout:  10 * time.Minute,
		StageTimeout:     15 * time.Minute,
		RetentionTTL:     24 * time.Hour,
		EventRetention:   256,
		Heartbeat:        30 * time.Second,
		KillGrace:        10 * time.Second,
		MinFreeBytes:     0,
		PipMirrorURL:     "https://pypi.org/simple",
		MarketplaceURL:   "https://marketplace.dify.ai",
		PipPath:          "pip",
		PackagerPath:     "",
	}
}

// Validate rejects values the rest of the system cannot run with.
func (c Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data root must not be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis address must not be empty")
	}
	if c.Workers < 0 {
		return fmt.Errorf("worker count must not be negative")
	}
	if c.QueueHighWater < 1 {
		return fmt.Errorf("queue high-water mark must be at least 1")
	}
	if c.MaxDownloadBytes < 1 {
		return fmt.Errorf("download size cap must be positive")
	}
	if c.DownloadTimeout <= 0 || c.StageTimeout <= 0 {
		return fmt.Errorf("stage timeouts must be positive")
	}
	if c.RetentionTTL <= 0 {
		return fmt.Errorf("retention TTL must be positive")
	}
	if c.EventRetention < 1 {
		return fmt.Errorf("event retention count must be at least 1")
	}
	if c.Heartbeat <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.KillGrace <= 0 {
		return fmt.Errorf("kill grace must be positive")
	}
	return nil
}

// WorkerCount resolves the effective pool size.
func (c Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// ResolvePackagerPath returns the plugin-archive tool to invoke: the
// configured path, or the conventional per-platform binary name shipped by
// the plugin tooling releases.
func (c Config) ResolvePackagerPath() string {
	if c.PackagerPath != "" {
		return c.PackagerPath
	}
	name := fmt.Sprintf("dify-plugin-%s-%s", runtime.GOOS, runtime.GOARCH)
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}
