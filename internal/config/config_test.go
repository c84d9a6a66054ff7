package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := newReader(filepath.Join(t.TempDir(), "missing.ini")).read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := Default()
	want.ConfigPath = cfg.ConfigPath
	if cfg != want {
		t.Errorf("got %+v, want %+v", cfg, want)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.ini")
	cfg := Default()
	cfg.ConfigPath = path
	cfg.DataDir = "/var/lib/teavpn2"
	cfg.BindPort = 6000
	cfg.SockType = SockUDP
	cfg.IOEngine = IOEngineIOUring

	if err := newWriter(path).write(cfg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := newReader(path).read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != cfg {
		t.Errorf("got %+v, want %+v", got, cfg)
	}
}

func TestReadRejectsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ini")
	if err := os.WriteFile(path, []byte("not-a-key-value-line\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := newReader(path).read(); err == nil {
		t.Error("expected error for malformed line")
	}
}

func TestReadIgnoresCommentsAndSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commented.ini")
	content := "# comment\n[server]\nbind_port = 7000\n; also a comment\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := newReader(path).read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cfg.BindPort != 7000 {
		t.Errorf("BindPort = %d, want 7000", cfg.BindPort)
	}
}
