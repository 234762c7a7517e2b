package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pump.RegularCapacity != 64 {
		t.Errorf("RegularCapacity = %d, want 64", cfg.Pump.RegularCapacity)
	}
	if cfg.Timeouts.Request.Duration() != 30*time.Second {
		t.Errorf("Request = %v, want 30s", cfg.Timeouts.Request.Duration())
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Timeouts.ShutdownGrace.Duration() != 5*time.Second {
		t.Errorf("ShutdownGrace = %v, want 5s", cfg.Timeouts.ShutdownGrace.Duration())
	}
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
[backends.code]
command = "gopls"
args = ["serve"]
workdir = "/src"
max_restarts = 3

[backends.code.env]
GOFLAGS = "-mod=vendor"

[backends.code.initialization_options]
usePlaceholders = true

[backends.markup]
command = "marksman"

[pump]
regular_capacity = 128

[timeouts]
request = "10s"
shutdown_grace = "2s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	code, ok := cfg.Backends["code"]
	if !ok {
		t.Fatal("code backend missing")
	}
	if code.Command != "gopls" || len(code.Args) != 1 || code.Args[0] != "serve" {
		t.Errorf("code launch = %q %v", code.Command, code.Args)
	}
	if code.WorkDir != "/src" {
		t.Errorf("WorkDir = %q", code.WorkDir)
	}
	if code.Env["GOFLAGS"] != "-mod=vendor" {
		t.Errorf("Env = %v", code.Env)
	}
	if code.MaxRestarts != 3 {
		t.Errorf("MaxRestarts = %d", code.MaxRestarts)
	}
	if v, ok := code.InitializationOptions["usePlaceholders"].(bool); !ok || !v {
		t.Errorf("InitializationOptions = %v", code.InitializationOptions)
	}
	if _, ok := cfg.Backends["markup"]; !ok {
		t.Error("markup backend missing")
	}
	if cfg.Pump.RegularCapacity != 128 {
		t.Errorf("RegularCapacity = %d, want 128", cfg.Pump.RegularCapacity)
	}
	if cfg.Timeouts.Request.Duration() != 10*time.Second {
		t.Errorf("Request = %v, want 10s", cfg.Timeouts.Request.Duration())
	}
	if cfg.Timeouts.ShutdownGrace.Duration() != 2*time.Second {
		t.Errorf("ShutdownGrace = %v, want 2s", cfg.Timeouts.ShutdownGrace.Duration())
	}
}

func TestLoad_MissingCommandRejected(t *testing.T) {
	path := writeConfig(t, `
[backends.code]
args = ["serve"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted a backend without a command")
	}
}

func TestLoad_ZeroCapacityRejected(t *testing.T) {
	path := writeConfig(t, `
[pump]
regular_capacity = 0
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted a zero queue capacity")
	}
}

func TestLoad_MalformedTOMLRejected(t *testing.T) {
	path := writeConfig(t, `[backends.code`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted malformed TOML")
	}
}

func TestLoad_BadDurationRejected(t *testing.T) {
	path := writeConfig(t, `
[timeouts]
request = "soon"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted an unparsable duration")
	}
}
