package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlContent := `guest: guest.img
disk: data.img
memory: 131072
debug: true
serial: console.log
display:
  enabled: false
  refreshHz: 10
`
	path := filepath.Join(dir, "vmm.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Guest != "guest.img" {
		t.Errorf("Guest = %q, want %q", cfg.Guest, "guest.img")
	}
	if cfg.Disk != "data.img" {
		t.Errorf("Disk = %q, want %q", cfg.Disk, "data.img")
	}
	if cfg.Memory != 131072 {
		t.Errorf("Memory = %d, want 131072", cfg.Memory)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
	if cfg.Serial != "console.log" {
		t.Errorf("Serial = %q, want %q", cfg.Serial, "console.log")
	}
	if cfg.DisplayEnabled(true) {
		t.Error("display should stay disabled when set explicitly")
	}
	if cfg.Display.RefreshHz != 10 {
		t.Errorf("Display.RefreshHz = %d, want 10", cfg.Display.RefreshHz)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "vmm.yaml")
	if err := os.WriteFile(path, []byte("guest: g.img\n"), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Disk != DefaultDisk {
		t.Errorf("Disk = %q, want %q", cfg.Disk, DefaultDisk)
	}
	if cfg.Memory != DefaultMemory {
		t.Errorf("Memory = %d, want %d", cfg.Memory, DefaultMemory)
	}
	if cfg.Display.RefreshHz != DefaultRefreshHz {
		t.Errorf("Display.RefreshHz = %d, want %d", cfg.Display.RefreshHz, DefaultRefreshHz)
	}
	if !cfg.DisplayEnabled(true) || cfg.DisplayEnabled(false) {
		t.Error("unset display.enabled should follow the terminal check")
	}
}

func TestLoadMissingDefaultFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without vmm.yaml: %v", err)
	}
	if cfg.Memory != DefaultMemory {
		t.Errorf("Memory = %d, want %d", cfg.Memory, DefaultMemory)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("explicit missing file should fail")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmm.yaml")
	if err := os.WriteFile(path, []byte("memory: [1, 2\n"), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "no guest", mutate: func(c *Config) { c.Guest = "" }, wantErr: "guest"},
		{name: "unaligned memory", mutate: func(c *Config) { c.Memory = 0x40001 }, wantErr: "multiple"},
		{name: "memory reaches frame buffer", mutate: func(c *Config) { c.Memory = 0xC0000 }, wantErr: "VGA"},
		{name: "largest memory", mutate: func(c *Config) { c.Memory = 0xB8000 }},
		{name: "refresh rate", mutate: func(c *Config) { c.Display.RefreshHz = -1 }, wantErr: "refresh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Guest = "guest.img"
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmm.yaml")

	enabled := true
	in := Config{Guest: "guest.img", Display: DisplayConfig{Enabled: &enabled}}
	if err := Write(path, in); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Guest != "guest.img" || out.Disk != DefaultDisk || !out.DisplayEnabled(false) {
		t.Fatalf("unexpected config after round trip: %+v", out)
	}
}
