package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if cfg.Serial.Port != "auto" || cfg.Serial.Baud != 115200 {
		t.Fatalf("serial defaults wrong: %+v", cfg.Serial)
	}
	if cfg.Buffer.WindowS != 30 || cfg.Buffer.MaxPoints != 5000 {
		t.Fatalf("buffer defaults wrong: %+v", cfg.Buffer)
	}
	if cfg.Server.ListenAddr != ":8000" {
		t.Fatalf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Influx.Enabled {
		t.Fatal("influx enabled by default")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pitlink.yaml")
	yaml := `
serial:
  port: /dev/ttyACM1
  baud: 921600
buffer:
  window_s: 60
  max_points: 10000
  keys: [rpm, oil_psi]
server:
  listen_addr: ":9000"
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Serial.Port != "/dev/ttyACM1" || cfg.Serial.Baud != 921600 {
		t.Fatalf("serial = %+v", cfg.Serial)
	}
	if cfg.Buffer.WindowS != 60 || cfg.Buffer.MaxPoints != 10000 {
		t.Fatalf("buffer = %+v", cfg.Buffer)
	}
	if len(cfg.Buffer.Keys) != 2 || cfg.Buffer.Keys[1] != "oil_psi" {
		t.Fatalf("keys = %v", cfg.Buffer.Keys)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Fatalf("listen addr = %q", cfg.Server.ListenAddr)
	}
	// Unspecified sections keep their defaults.
	if cfg.Runs.BaseDir != "data" {
		t.Fatalf("base dir = %q", cfg.Runs.BaseDir)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TELEM_PORT", "/dev/ttyUSB3")
	t.Setenv("TELEM_BAUD", "230400")
	t.Setenv("TELEM_KEYS", "rpm, map_kpa,,oil_psi")
	t.Setenv("TELEM_WINDOW_S", "12.5")
	t.Setenv("LISTEN_ADDR", ":8123")

	cfg := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if cfg.Serial.Port != "/dev/ttyUSB3" || cfg.Serial.Baud != 230400 {
		t.Fatalf("serial = %+v", cfg.Serial)
	}
	want := []string{"rpm", "map_kpa", "oil_psi"}
	if len(cfg.Buffer.Keys) != len(want) {
		t.Fatalf("keys = %v, want %v", cfg.Buffer.Keys, want)
	}
	for i, k := range want {
		if cfg.Buffer.Keys[i] != k {
			t.Fatalf("keys = %v, want %v", cfg.Buffer.Keys, want)
		}
	}
	if cfg.Buffer.WindowS != 12.5 {
		t.Fatalf("window = %v", cfg.Buffer.WindowS)
	}
	if cfg.Server.ListenAddr != ":8123" {
		t.Fatalf("listen addr = %q", cfg.Server.ListenAddr)
	}
}

func TestDotEnvFileLoadedButRealEnvWins(t *testing.T) {
	dir := t.TempDir()
	env := "TELEM_BAUD=57600\nLISTEN_ADDR=:7777\n# comment\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LISTEN_ADDR", ":8888")
	os.Unsetenv("TELEM_BAUD")
	t.Cleanup(func() { os.Unsetenv("TELEM_BAUD") })

	cfg := Load(filepath.Join(dir, "pitlink.yaml"))
	if cfg.Serial.Baud != 57600 {
		t.Fatalf("baud from .env = %d, want 57600", cfg.Serial.Baud)
	}
	if cfg.Server.ListenAddr != ":8888" {
		t.Fatalf("real env should win: %q", cfg.Server.ListenAddr)
	}
}

func TestInfluxTokenResolution(t *testing.T) {
	t.Run("disabled needs nothing", func(t *testing.T) {
		cfg := DefaultConfig()
		if err := cfg.Validate(); err != nil {
			t.Fatalf("default config invalid: %v", err)
		}
	})

	t.Run("enabled without token fails", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Influx.Enabled = true
		cfg.Influx.URL = "http://influx:8086"
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error without token")
		}
	})

	t.Run("token file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token")
		if err := os.WriteFile(path, []byte("  secret-token \n"), 0600); err != nil {
			t.Fatal(err)
		}
		cfg := DefaultConfig()
		cfg.Influx.Enabled = true
		cfg.Influx.URL = "http://influx:8086"
		cfg.Influx.TokenFile = path
		token, err := cfg.InfluxToken()
		if err != nil {
			t.Fatal(err)
		}
		if token != "secret-token" {
			t.Fatalf("token = %q", token)
		}
	})

	t.Run("inline token wins over file", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Influx.Enabled = true
		cfg.Influx.URL = "http://influx:8086"
		cfg.Influx.Token = "inline"
		cfg.Influx.TokenFile = "/nonexistent"
		token, err := cfg.InfluxToken()
		if err != nil || token != "inline" {
			t.Fatalf("token = %q err = %v", token, err)
		}
	})
}
