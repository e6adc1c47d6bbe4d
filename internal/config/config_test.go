package config

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty data root", func(c *Config) { c.DataRoot = "" }, "data root"},
		{"empty redis addr", func(c *Config) { c.RedisAddr = "" }, "redis address"},
		{"negative workers", func(c *Config) { c.Workers = -1 }, "worker count"},
		{"zero high water", func(c *Config) { c.QueueHighWater = 0 }, "high-water"},
		{"zero download cap", func(c *Config) { c.MaxDownloadBytes = 0 }, "size cap"},
		{"zero download timeout", func(c *Config) { c.DownloadTimeout = 0 }, "timeouts"},
		{"zero stage timeout", func(c *Config) { c.StageTimeout = 0 }, "timeouts"},
		{"zero retention", func(c *Config) { c.RetentionTTL = 0 }, "retention TTL"},
		{"zero event retention", func(c *Config) { c.EventRetention = 0 }, "event retention"},
		{"zero heartbeat", func(c *Config) { c.Heartbeat = 0 }, "heartbeat"},
		{"zero kill grace", func(c *Config) { c.KillGrace = 0 }, "kill grace"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestConfig_WorkerCount(t *testing.T) {
	cfg := Default()
	cfg.Workers = 4
	assert.Equal(t, 4, cfg.WorkerCount())

	cfg.Workers = 0
	assert.Equal(t, runtime.NumCPU(), cfg.WorkerCount())
}

func TestConfig_ResolvePackagerPath(t *testing.T) {
	cfg := Default()
	cfg.PackagerPath = "/opt/tools/dify-plugin"
	assert.Equal(t, "/opt/tools/dify-plugin", cfg.ResolvePackagerPath())

	cfg.PackagerPath = ""
	want := fmt.Sprintf("dify-plugin-%s-%s", runtime.GOOS, runtime.GOARCH)
	if runtime.GOOS == "windows" {
		want += ".exe"
	}
	assert.Equal(t, want, cfg.ResolvePackagerPath())
}
