package config

import (
	"flag"
	"testing"
	"time"
)

func TestDefaultIsClientOnly(t *testing.T) {
	cfg := Default()
	if cfg.ORAddr != "" {
		t.Fatalf("ORAddr = %q, want empty (client-only default)", cfg.ORAddr)
	}
	if cfg.HopCount != 3 {
		t.Fatalf("HopCount = %d, want 3", cfg.HopCount)
	}
	if cfg.SocksAddr == "" {
		t.Fatal("SocksAddr should have a default")
	}
}

func TestRegisterFlagsAndResolve(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	bound := RegisterFlags(fs)

	if err := fs.Parse([]string{
		"-socks-addr", "127.0.0.1:9150",
		"-hop-count", "4",
		"-or-addr", "0.0.0.0:9001",
	}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg, err := bound.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.SocksAddr != "127.0.0.1:9150" {
		t.Fatalf("SocksAddr = %q, want 127.0.0.1:9150", cfg.SocksAddr)
	}
	if cfg.HopCount != 4 {
		t.Fatalf("HopCount = %d, want 4", cfg.HopCount)
	}
	if cfg.ORPort != 9001 {
		t.Fatalf("ORPort = %d, want 9001 (derived from -or-addr)", cfg.ORPort)
	}
}

func TestResolveRejectsBadHopCount(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	bound := RegisterFlags(fs)
	if err := fs.Parse([]string{"-hop-count", "0"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := bound.Resolve(); err == nil {
		t.Fatal("expected error for hop-count=0")
	}
}

func TestResolveRejectsBadBandwidthRate(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	bound := RegisterFlags(fs)
	if err := fs.Parse([]string{"-bandwidth-rate", "-1"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := bound.Resolve(); err == nil {
		t.Fatal("expected error for negative bandwidth-rate")
	}
}

func TestStoreSwap(t *testing.T) {
	a := Default()
	b := &Config{SocksAddr: "127.0.0.1:1234", HopCount: 3, BandwidthRate: 1}

	store := NewStore(a)
	if store.Load() != a {
		t.Fatal("Load should return the initial snapshot")
	}

	old := store.Swap(b)
	if old != a {
		t.Fatal("Swap should return the previous snapshot")
	}
	if store.Load() != b {
		t.Fatal("Load should return the newly installed snapshot")
	}
}

func TestCircuitBuildTimeoutDefault(t *testing.T) {
	if Default().CircuitBuildTimeout < time.Second {
		t.Fatal("CircuitBuildTimeout default should be at least a second")
	}
}
