package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("MASTER_KEYS", "1:MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDE=")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("OBJECT_STORE_BACKEND", "")
	t.Setenv("RETRY_MAX_ATTEMPTS", "")
	t.Setenv("BREAKER_FAILURE_RATIO", "")
	t.Setenv("OCR_DOCUMENT_TYPES", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ObjectStoreBackend != BackendLocalFS {
		t.Fatalf("expected default backend localfs, got %q", cfg.ObjectStoreBackend)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Fatalf("expected default retry attempts 3, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.BreakerFailureRatio != 0.6 || cfg.BreakerMinRequests != 10 {
		t.Fatalf("unexpected breaker defaults ratio=%v min=%d", cfg.BreakerFailureRatio, cfg.BreakerMinRequests)
	}
	if cfg.StoreTimeout != 30*time.Second || cfg.PipelineTimeout != 2*time.Minute {
		t.Fatalf("unexpected timeouts store=%s pipeline=%s", cfg.StoreTimeout, cfg.PipelineTimeout)
	}
	if cfg.RequeueInterval != time.Minute || cfg.ExtractionStaleAfter != 10*time.Minute {
		t.Fatalf("unexpected requeue settings %s / %s", cfg.RequeueInterval, cfg.ExtractionStaleAfter)
	}
	if strings.Join(cfg.OCRDocumentTypes, ",") != "identity,medical_record" {
		t.Fatalf("unexpected OCR document types %v", cfg.OCRDocumentTypes)
	}
	if cfg.OCRProvider != OCRProviderNone {
		t.Fatalf("expected OCR disabled by default, got %q", cfg.OCRProvider)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("OBJECT_STORE_BACKEND", "S3")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_INITIAL_BACKOFF", "200ms")
	t.Setenv("BREAKER_FAILURE_RATIO", "0.75")
	t.Setenv("STORAGE_SHARDING_ENABLED", "false")
	t.Setenv("OCR_LANGUAGES", "eng, por")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ObjectStoreBackend != BackendS3 {
		t.Fatalf("expected backend s3, got %q", cfg.ObjectStoreBackend)
	}
	if cfg.RetryMaxAttempts != 5 || cfg.RetryInitialBackoff != 200*time.Millisecond {
		t.Fatalf("unexpected retry settings %d / %s", cfg.RetryMaxAttempts, cfg.RetryInitialBackoff)
	}
	if cfg.BreakerFailureRatio != 0.75 {
		t.Fatalf("expected failure ratio 0.75, got %v", cfg.BreakerFailureRatio)
	}
	if cfg.StorageSharding {
		t.Fatalf("expected sharding disabled")
	}
	if len(cfg.OCRLanguages) != 2 || cfg.OCRLanguages[1] != "por" {
		t.Fatalf("unexpected languages %v", cfg.OCRLanguages)
	}
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	setRequired(t)
	t.Setenv("RETRY_MAX_ATTEMPTS", "many")
	t.Setenv("STORE_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.StoreTimeout != 30*time.Second {
		t.Fatalf("expected defaults, got %d / %s", cfg.RetryMaxAttempts, cfg.StoreTimeout)
	}
}

func TestLoadReadsConfigFileWithEnvOverride(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "object_store_backend: jetstream\n" +
		"retry_max_attempts: 4\n" +
		"store_timeout: 45s\n" +
		"ocr_document_types:\n  - identity\n  - income_proof\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("OBJECT_STORE_BACKEND", "")
	t.Setenv("OCR_DOCUMENT_TYPES", "")
	t.Setenv("STORE_TIMEOUT", "")
	t.Setenv("RETRY_MAX_ATTEMPTS", "6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ObjectStoreBackend != BackendJetStream {
		t.Fatalf("expected backend from file, got %q", cfg.ObjectStoreBackend)
	}
	if cfg.StoreTimeout != 45*time.Second {
		t.Fatalf("expected store timeout from file, got %s", cfg.StoreTimeout)
	}
	if cfg.RetryMaxAttempts != 6 {
		t.Fatalf("expected env to override file, got %d", cfg.RetryMaxAttempts)
	}
	if strings.Join(cfg.OCRDocumentTypes, ",") != "identity,income_proof" {
		t.Fatalf("unexpected document types %v", cfg.OCRDocumentTypes)
	}
}

func TestLoadRejectsMissingConfigFile(t *testing.T) {
	setRequired(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			ObjectStoreBackend:      BackendLocalFS,
			ObjectStoreBucket:       "vault",
			StorageSharding:         true,
			StorageShardWidth:       2,
			MasterKeys:              "1:abc",
			ActiveKeyVersion:        "1",
			RetryMaxAttempts:        3,
			RetryInitialBackoff:     time.Millisecond,
			RetryMaxBackoff:         time.Second,
			BreakerMinRequests:      10,
			BreakerFailureRatio:     0.5,
			BreakerHalfOpenMaxCalls: 1,
			OCRProvider:             OCRProviderNone,
			UploadMaxBytes:          1 << 20,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.ObjectStoreBackend = "gcs" }, wantErr: "OBJECT_STORE_BACKEND"},
		{name: "missing keys", mutate: func(c *Config) { c.MasterKeys = "" }, wantErr: "MASTER_KEYS"},
		{name: "zero shard width", mutate: func(c *Config) { c.StorageShardWidth = 0 }, wantErr: "STORAGE_SHARD_WIDTH"},
		{name: "no attempts", mutate: func(c *Config) { c.RetryMaxAttempts = 0 }, wantErr: "RETRY_MAX_ATTEMPTS"},
		{name: "inverted backoff", mutate: func(c *Config) { c.RetryMaxBackoff = 0 }, wantErr: "RETRY_MAX_BACKOFF"},
		{name: "ratio above one", mutate: func(c *Config) { c.BreakerFailureRatio = 1.5 }, wantErr: "BREAKER_FAILURE_RATIO"},
		{name: "azure without key", mutate: func(c *Config) { c.OCRProvider = OCRProviderAzure }, wantErr: "OCR_ENDPOINT"},
		{name: "unknown ocr", mutate: func(c *Config) { c.OCRProvider = "vision" }, wantErr: "OCR_PROVIDER"},
		{name: "stale window inside pipeline timeout", mutate: func(c *Config) {
			c.RequeueInterval = time.Minute
			c.PipelineTimeout = 2 * time.Minute
			c.ExtractionStaleAfter = time.Minute
		}, wantErr: "EXTRACTION_STALE_AFTER"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", tc.wantErr, err)
			}
		})
	}
}
