package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jo-hoe/clipforge/internal/common"
)

func TestParseByteSize_CommonUnits(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"1KiB", 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"3GiB", 3 * 1024 * 1024 * 1024},
		{"10KB", 10 * 1000},
		{"10MB", 10 * 1000 * 1000},
		{"2GB", 2 * 1000 * 1000 * 1000},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	// invalid
	if _, err := ParseByteSize("bad"); err == nil {
		t.Fatalf("expected error for invalid unit")
	}
	if _, err := ParseByteSize(""); err == nil {
		t.Fatalf("expected error for empty size")
	}
}

func TestLoad_WithEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	t.Setenv("CLIPFORGE_TEST_SECRET", "secret123")

	yaml := `
server:
  address: ":0"
  readTimeout: 1s
  maxBodySize: 1MiB
  apiKey: "key123"
  shutdownGrace: 5s

pipeline:
  workerCount: 2
  tempDir: "` + escapeBackslashes(filepath.Join(dir, "tmp")) + `"
  fetchRetry:
    maxAttempts: 5
    initialDelay: 250ms
    multiplier: 3

source:
  patterns:
    - '^https://video\.example/watch\?id=[A-Za-z0-9]+$'
  maxFileSize: 500MB

storage:
  driver: minio
  minio:
    endpoint: "localhost:9000"
    accessKey: "minio"
    secretKey: "${CLIPFORGE_TEST_SECRET}"
    bucket: "clips"

state:
  driver: memory
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}

	t.Setenv(common.EnvClientURL, "")
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}

	if cfg.Server.Addr != ":0" || cfg.Server.ReadTimeout != time.Second {
		t.Fatalf("server not parsed: %+v", cfg.Server)
	}
	if cfg.Server.WriteTimeout != 2*time.Minute {
		t.Fatalf("writeTimeout default not applied: %v", cfg.Server.WriteTimeout)
	}
	if uint64(cfg.Server.MaxBodySize) != 1024*1024 {
		t.Fatalf("maxBodySize not parsed: %d", cfg.Server.MaxBodySize)
	}
	if cfg.Pipeline.WorkerCount != 2 || cfg.Pipeline.MaxInFlight != 8 {
		t.Fatalf("pipeline concurrency mismatch: %+v", cfg.Pipeline)
	}
	p := cfg.Pipeline.Fetch.Policy()
	if p.MaxAttempts != 5 || p.InitialDelay != 250*time.Millisecond || p.Multiplier != 3 {
		t.Fatalf("fetch retry policy mismatch: %+v", p)
	}
	if cfg.Pipeline.Store.MaxAttempts != 3 {
		t.Fatalf("store retry default not applied: %+v", cfg.Pipeline.Store)
	}
	if cfg.Pipeline.Callback.MaxAttempts != 3 || cfg.Pipeline.CallbackTimeout != 10*time.Second {
		t.Fatalf("callback defaults not applied: %+v", cfg.Pipeline)
	}
	if _, err := os.Stat(cfg.Pipeline.TempDir); err != nil {
		t.Fatalf("temp dir should be created: %v", err)
	}
	if len(cfg.Source.Patterns) != 1 || cfg.Source.YtDlpPath != "yt-dlp" {
		t.Fatalf("source config mismatch: %+v", cfg.Source)
	}
	if uint64(cfg.Source.MaxFileSize) != 500*1000*1000 {
		t.Fatalf("maxFileSize mismatch: %d", cfg.Source.MaxFileSize)
	}
	if cfg.Storage.MinIO.SecretKey != "secret123" {
		t.Fatalf("env expansion for secret failed")
	}
	if cfg.Storage.MinIO.Prefix != "clips" {
		t.Fatalf("minio prefix default not applied: %q", cfg.Storage.MinIO.Prefix)
	}
	if len(cfg.Server.CORSOrigins) != 0 {
		t.Fatalf("cors origins without CLIENT_URL: %v", cfg.Server.CORSOrigins)
	}
	if cfg.State.Driver != StateMemory {
		t.Fatalf("state driver = %q", cfg.State.Driver)
	}
	tbl, err := cfg.ProfileTable()
	if err != nil {
		t.Fatalf("ProfileTable: %v", err)
	}
	if len(tbl.Names()) != 3 {
		t.Fatalf("expected built-in profiles, got %v", tbl.Names())
	}
}

func TestParse_ProfileOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := `
pipeline:
  tempDir: "` + escapeBackslashes(dir) + `"
storage:
  local:
    dir: "` + escapeBackslashes(filepath.Join(dir, "clips")) + `"
profiles:
  - name: Square
    width: 1080
    height: 1080
    format: mp4
    audioBitrate: 96k
    videoBitrate: 1500k
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tbl, err := cfg.ProfileTable()
	if err != nil {
		t.Fatalf("ProfileTable: %v", err)
	}
	p, ok := tbl.Get("Square")
	if !ok || p.Height != 1080 {
		t.Fatalf("override profile missing: %+v", p)
	}
	if _, ok := tbl.Get("TikTok"); ok {
		t.Fatalf("override should replace built-in profiles")
	}
	if !strings.HasSuffix(cfg.Storage.Local.PublicBaseURL, "/clips") {
		t.Fatalf("local public url default = %q", cfg.Storage.Local.PublicBaseURL)
	}
}

func TestParse_CORSOrigins(t *testing.T) {
	dir := escapeBackslashes(t.TempDir())
	base := "pipeline:\n  tempDir: \"" + dir + "\"\nstorage:\n  local:\n    dir: \"" + dir + "\"\n"

	t.Setenv(common.EnvClientURL, "http://localhost:3000")
	cfg, err := Parse([]byte(base))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("CLIENT_URL default not applied: %v", cfg.Server.CORSOrigins)
	}

	cfg, err = Parse([]byte(base + "server:\n  corsOrigins: ['${CLIENT_URL}', 'https://clips.example']\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("configured origins = %v", cfg.Server.CORSOrigins)
	}
}

func TestParse_RejectsInvalid(t *testing.T) {
	dir := escapeBackslashes(t.TempDir())
	cases := map[string]string{
		"storage driver": "pipeline:\n  tempDir: \"" + dir + "\"\nstorage:\n  driver: ftp\n",
		"state driver":   "pipeline:\n  tempDir: \"" + dir + "\"\nstorage:\n  local:\n    dir: \"" + dir + "\"\nstate:\n  driver: mongo\n",
		"minio bucket":   "pipeline:\n  tempDir: \"" + dir + "\"\nstorage:\n  driver: minio\n  minio:\n    endpoint: x:9000\n",
		"bad pattern":    "pipeline:\n  tempDir: \"" + dir + "\"\nstorage:\n  local:\n    dir: \"" + dir + "\"\nsource:\n  patterns: ['(']\n",
		"bad multiplier": "pipeline:\n  tempDir: \"" + dir + "\"\n  storeRetry:\n    multiplier: 0.5\nstorage:\n  local:\n    dir: \"" + dir + "\"\n",
	}
	for name, y := range cases {
		if _, err := Parse([]byte(y)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func escapeBackslashes(p string) string {
	// On Windows, YAML literal may require escaping backslashes
	return strings.ReplaceAll(p, `\`, `\\`)
}
