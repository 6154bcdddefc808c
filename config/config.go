// Package config holds the relay's startup settings as an immutable
// snapshot, replacing a mutable global options struct with a value built
// once from flags and swapped atomically if reloaded.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is an immutable snapshot of everything the scheduler, link
// manager, and path selector need at startup. Reconfiguration builds a new
// *Config and installs it with Store; nothing ever mutates a Config value
// in place.
type Config struct {
	// ORAddr is the listen address for the OR port (relay-to-relay links).
	ORAddr string
	// SocksAddr is the listen address for the client-facing SOCKS port.
	SocksAddr string
	// DataDir holds the onion key, any persisted router descriptors, and
	// the debug log.
	DataDir string
	// CircuitBuildTimeout bounds the whole build of one circuit: the
	// BeginFirstHop handshake and every ExtendCircuit share one deadline.
	CircuitBuildTimeout time.Duration
	// MaxCircuitDirtiness is how long a client-side circuit may keep
	// carrying new streams after its first use before path selection
	// retires it in favor of a fresh one.
	MaxCircuitDirtiness time.Duration
	// BandwidthRate and BandwidthBurst feed link.BandwidthLimits.
	BandwidthRate  int
	BandwidthBurst int
	// HopCount is how many relays a client-built circuit uses (3 in the
	// ordinary guard/middle/exit case).
	HopCount int
	// Nickname and ORPort describe this process in relay mode. They are
	// resolved from flags only; nothing in this module sends them to peers.
	Nickname string
	ORPort   uint16
}

// Default returns the zero-configuration baseline: a 3-hop client-only
// process listening on the conventional loopback SOCKS port, with no OR
// port (so it never takes on a relay role) and a modest bandwidth cap.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		ORAddr:              "",
		SocksAddr:           "127.0.0.1:9050",
		DataDir:             dataDir,
		CircuitBuildTimeout: 60 * time.Second,
		MaxCircuitDirtiness: 10 * time.Minute,
		BandwidthRate:       1 << 20, // 1 MB/s
		BandwidthBurst:      1 << 21,
		HopCount:            3,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ortelay"
	}
	return filepath.Join(home, ".ortelay")
}

// FlagSet describes the command-line surface as a set of flag.Value
// pointers the caller parses, then resolves into a *Config with Resolve.
// Every flag defaults to Default()'s value and Resolve copies each one; the
// only unset value it treats specially is -or-port 0, which is then taken
// from -or-addr's port.
type FlagSet struct {
	ORAddr              *string
	SocksAddr           *string
	DataDir             *string
	CircuitBuildTimeout *time.Duration
	MaxCircuitDirtiness *time.Duration
	BandwidthRate       *int
	BandwidthBurst      *int
	HopCount            *int
	Nickname            *string
	ORPort              *int
}

// RegisterFlags adds this package's flags to fs (ordinarily flag.CommandLine)
// and returns the bound FlagSet for Resolve to read back after fs.Parse.
func RegisterFlags(fs *flag.FlagSet) *FlagSet {
	def := Default()
	return &FlagSet{
		ORAddr:              fs.String("or-addr", "", "listen address for the OR port (empty disables relaying)"),
		SocksAddr:           fs.String("socks-addr", def.SocksAddr, "listen address for the SOCKS proxy"),
		DataDir:             fs.String("data-dir", def.DataDir, "directory for the onion key and cached state"),
		CircuitBuildTimeout: fs.Duration("circuit-build-timeout", def.CircuitBuildTimeout, "deadline for building one whole circuit"),
		MaxCircuitDirtiness: fs.Duration("max-circuit-dirtiness", def.MaxCircuitDirtiness, "how long a used circuit stays eligible for new streams"),
		BandwidthRate:       fs.Int("bandwidth-rate", def.BandwidthRate, "link token-bucket fill rate, bytes/sec"),
		BandwidthBurst:      fs.Int("bandwidth-burst", def.BandwidthBurst, "link token-bucket burst size, bytes"),
		HopCount:            fs.Int("hop-count", def.HopCount, "number of hops in a client-built circuit"),
		Nickname:            fs.String("nickname", "", "advertised relay nickname (relay mode only)"),
		ORPort:              fs.Int("or-port", 0, "advertised OR port (relay mode only, defaults to -or-addr's port)"),
	}
}

// Resolve builds the final Config after fs.Parse has populated f.
func (f *FlagSet) Resolve() (*Config, error) {
	cfg := Default()
	cfg.ORAddr = *f.ORAddr
	cfg.SocksAddr = *f.SocksAddr
	cfg.DataDir = *f.DataDir
	cfg.CircuitBuildTimeout = *f.CircuitBuildTimeout
	cfg.MaxCircuitDirtiness = *f.MaxCircuitDirtiness
	cfg.BandwidthRate = *f.BandwidthRate
	cfg.BandwidthBurst = *f.BandwidthBurst
	cfg.HopCount = *f.HopCount
	cfg.Nickname = *f.Nickname
	cfg.ORPort = uint16(*f.ORPort)

	if cfg.HopCount < 1 {
		return nil, fmt.Errorf("config: hop-count must be at least 1, got %d", cfg.HopCount)
	}
	if cfg.BandwidthRate <= 0 {
		return nil, fmt.Errorf("config: bandwidth-rate must be positive, got %d", cfg.BandwidthRate)
	}
	if cfg.ORAddr != "" && cfg.ORPort == 0 {
		if _, port, err := splitPort(cfg.ORAddr); err == nil {
			cfg.ORPort = port
		}
	}
	return cfg, nil
}

func splitPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("config: cannot parse port from %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("config: bad port in %q: %w", addr, err)
	}
	return host, uint16(port), nil
}
