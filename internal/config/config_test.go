package config

import (
	"strings"
	"testing"
	"time"

	"photo-processor/internal/providers"
)

func TestLoadConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.QueueBackend != QueueAsynq {
		t.Errorf("QueueBackend = %q, want %q", cfg.QueueBackend, QueueAsynq)
	}
	if cfg.StorageBackend != StorageMinio {
		t.Errorf("StorageBackend = %q, want %q", cfg.StorageBackend, StorageMinio)
	}
	if cfg.AIAllowRerender {
		t.Error("AIAllowRerender should default to false")
	}
	if cfg.UpscaleFactor != 2 {
		t.Errorf("UpscaleFactor = %d, want 2", cfg.UpscaleFactor)
	}
	if cfg.QueueMaxAttempts != 3 {
		t.Errorf("QueueMaxAttempts = %d, want 3", cfg.QueueMaxAttempts)
	}
	if cfg.WorkerRateWindow != time.Minute {
		t.Errorf("WorkerRateWindow = %v, want 1m", cfg.WorkerRateWindow)
	}
	if cfg.AuthAdminRole != "admin" {
		t.Errorf("AuthAdminRole = %q, want admin", cfg.AuthAdminRole)
	}
	if !cfg.IsDevelopment() {
		t.Error("default APP_ENV should be development")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("QUEUE_BACKEND", "rabbitmq")
	t.Setenv("AI_ALLOW_RERENDER", "true")
	t.Setenv("AI_PROVIDER", "noop")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("QUEUE_RETRY_BASE_DELAY", "250ms")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.QueueBackend != QueueRabbitMQ {
		t.Errorf("QueueBackend = %q", cfg.QueueBackend)
	}
	if !cfg.AIAllowRerender {
		t.Error("AIAllowRerender = false, want true")
	}
	if cfg.AIProvider != providers.Noop {
		t.Errorf("AIProvider = %q", cfg.AIProvider)
	}
	if cfg.WorkerConcurrency != 12 {
		t.Errorf("WorkerConcurrency = %d", cfg.WorkerConcurrency)
	}
	if cfg.QueueRetryBaseDelay != 250*time.Millisecond {
		t.Errorf("QueueRetryBaseDelay = %v", cfg.QueueRetryBaseDelay)
	}
}

func validConfig() Config {
	return Config{
		QueueBackend:      QueueAsynq,
		RedisAddr:         "localhost:6379",
		StorageBackend:    StorageS3,
		StorageBucket:     "photos",
		AuthMode:          AuthHMAC,
		AuthJWTSecret:     "secret",
		AIProvider:        providers.OpenAI,
		UpscaleProvider:   providers.Local,
		UpscaleFactor:     2,
		QueueMaxAttempts:  3,
		WorkerConcurrency: 1,
		WorkerRateLimit:   1,
		WorkerRateWindow:  time.Second,
		WorkerJobTimeout:  time.Minute,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown queue", mutate: func(c *Config) { c.QueueBackend = "sqs" }, wantErr: "QUEUE_BACKEND"},
		{name: "asynq without redis", mutate: func(c *Config) { c.RedisAddr = "" }, wantErr: "REDIS_ADDR"},
		{name: "unknown storage", mutate: func(c *Config) { c.StorageBackend = "blob" }, wantErr: "STORAGE_BACKEND"},
		{name: "hmac without secret", mutate: func(c *Config) { c.AuthJWTSecret = "" }, wantErr: "AUTH_JWT_SECRET"},
		{name: "unknown ai provider", mutate: func(c *Config) { c.AIProvider = "gemini" }, wantErr: "AI_PROVIDER"},
		{name: "local provider cannot rerender", mutate: func(c *Config) {
			c.AIProvider = providers.Local
			c.AIAllowRerender = true
		}, wantErr: "AI_ALLOW_RERENDER"},
		{name: "openai upscaler", mutate: func(c *Config) { c.UpscaleProvider = providers.OpenAI }, wantErr: "UPSCALE_PROVIDER"},
		{name: "zero concurrency", mutate: func(c *Config) { c.WorkerConcurrency = 0 }, wantErr: "WORKER_CONCURRENCY"},
		{name: "zero attempts", mutate: func(c *Config) { c.QueueMaxAttempts = 0 }, wantErr: "QUEUE_MAX_ATTEMPTS"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %s", err, tc.wantErr)
			}
		})
	}
}
