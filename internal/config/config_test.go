package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 || cfg.MongoDB != "padsync" || cfg.Liveness != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ListenAddr() != ":8080" {
		t.Fatalf("listen addr %q", cfg.ListenAddr())
	}
}

func TestOverrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"PADSYNC_ADDR":       "127.0.0.1",
		"PADSYNC_PORT":       "9000",
		"PADSYNC_JWT_SECRET": "s3cret",
		"PADSYNC_REDIS_ADDR": "localhost:6379",
		"PADSYNC_MDNS":       "true",
		"PADSYNC_LIVENESS":   "5s",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr() != "127.0.0.1:9000" || cfg.JWTSecret != "s3cret" || !cfg.MDNS || cfg.Liveness != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestBadValues(t *testing.T) {
	for _, kv := range [][2]string{
		{"PADSYNC_PORT", "http"},
		{"PADSYNC_PORT", "70000"},
		{"PADSYNC_MDNS", "maybe"},
		{"PADSYNC_LIVENESS", "30"},
	} {
		if _, err := FromEnv(env(map[string]string{kv[0]: kv[1]})); err == nil {
			t.Errorf("%s=%s accepted", kv[0], kv[1])
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PADSYNC_MONGO_DB=fromfile\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("PADSYNC_MONGO_DB")
	defer os.Unsetenv("PADSYNC_MONGO_DB")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MongoDB != "fromfile" {
		t.Fatalf("expected value from .env, got %q", cfg.MongoDB)
	}
}
