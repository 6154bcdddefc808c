package main

import (
	"context"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // legacy wire identity digest, matches link.go
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/ortelay/core/circuit"
	"github.com/ortelay/core/config"
	"github.com/ortelay/core/cryptoprim"
	"github.com/ortelay/core/link"
	"github.com/ortelay/core/pathselect"
	"github.com/ortelay/core/routerset"
	"github.com/ortelay/core/scheduler"
	"github.com/ortelay/core/socks"
	"github.com/ortelay/core/stream"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	fs := config.RegisterFlags(flag.CommandLine)
	flag.Parse()
	cfg, err := fs.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	store := config.NewStore(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "create data dir: %v\n", err)
		os.Exit(1)
	}

	logger, logFile := setupLogging(cfg.DataDir)
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== ortelay core %s ===\n", Version)
	fmt.Println()

	onionPriv, err := loadOrGenerateIdentity(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "onion identity key: %v\n", err)
		os.Exit(1)
	}

	rs := routerset.New()
	n, err := loadRouters(filepath.Join(cfg.DataDir, "routers.json"), rs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "router feed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d routers from %s\n", n, filepath.Join(cfg.DataDir, "routers.json"))

	ourIdentity := identityDigest(&onionPriv.PublicKey)
	limits := link.BandwidthLimits{Rate: cfg.BandwidthRate, Burst: cfg.BandwidthBurst}
	mgr := link.NewManager(ourIdentity, limits, logger)
	table := circuit.NewTable()

	var relayPriv *rsa.PrivateKey
	if cfg.ORAddr != "" {
		relayPriv = onionPriv
	}
	sched := scheduler.New(mgr, table, relayPriv, nil, logger)
	muxer := stream.NewMuxer(sched)
	sched.Dispatch = muxer

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		if err := sched.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Warn("scheduler loop exited", "error", err)
		}
	}()

	if cfg.ORAddr != "" {
		if err := serveORPort(runCtx, cfg, onionPriv, mgr, sched, logger); err != nil {
			fmt.Fprintf(os.Stderr, "OR port: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("\nSelecting path and building circuit...")
	circ, guardLink, hopIndex, err := buildInitialCircuit(store, rs, sched)
	if err != nil {
		fmt.Printf("  Failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  %d-hop circuit built (handle %s)\n", hopIndex+1, circ.Handle)

	runSOCKSProxy(store, muxer, circ, guardLink, hopIndex, mgr)
}

func setupLogging(dataDir string) (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile(filepath.Join(dataDir, "tor-debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// loadOrGenerateIdentity loads the persisted RSA onion key from dataDir, or
// generates and persists a fresh one on first run.
func loadOrGenerateIdentity(dataDir string) (*rsa.PrivateKey, error) {
	path := filepath.Join(dataDir, "onion_key.pem")
	if raw, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("decode %s: not a PEM file", path)
		}
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	priv, err := cryptoprim.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("persist %s: %w", path, err)
	}
	return priv, nil
}

// identityDigest mirrors the wire identity derivation peers use when
// certifying a link: the SHA-1 digest of the PKIX-encoded public key.
func identityDigest(pub *rsa.PublicKey) [20]byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return [20]byte{}
	}
	return sha1.Sum(der)
}

func buildInitialCircuit(store *config.Store, rs *routerset.RouterSet, sched *scheduler.Scheduler) (*circuit.Circuit, *link.Link, int, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		cfg := store.Load()
		circ, guardLink, hopIndex, err := tryBuildInitialCircuit(cfg, rs, sched)
		if err != nil {
			lastErr = err
			fmt.Printf("  Attempt %d failed: %v\n", attempt, err)
			continue
		}
		return circ, guardLink, hopIndex, nil
	}
	return nil, nil, 0, fmt.Errorf("after 3 attempts: %w", lastErr)
}

func tryBuildInitialCircuit(cfg *config.Config, rs *routerset.RouterSet, sched *scheduler.Scheduler) (*circuit.Circuit, *link.Link, int, error) {
	path, err := pathselect.SelectPath(rs.Snapshot(), pathselect.Policy{}, cfg.HopCount)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("path selection: %w", err)
	}

	names := make([]string, len(path))
	for i, r := range path {
		names[i] = r.Nickname
	}
	fmt.Printf("  Path: %v\n", names)

	guard := path[0]
	guardPub, err := parseOnionKey(guard.OnionKeyPub)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("guard onion key: %w", err)
	}

	guardLink, err := sched.Manager.GetOrConnect(net.JoinHostPort(guard.Address, portString(guard.ORPort)), guard.Identity, true)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("guard connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CircuitBuildTimeout)
	defer cancel()

	circ, err := sched.BeginFirstHop(ctx, guardLink, guard.Identity, guardPub, false)
	if err != nil {
		_ = guardLink.Close()
		return nil, nil, 0, fmt.Errorf("circuit create: %w", err)
	}

	for _, hop := range path[1:] {
		pub, err := parseOnionKey(hop.OnionKeyPub)
		if err != nil {
			_ = guardLink.Close()
			return nil, nil, 0, fmt.Errorf("hop %s onion key: %w", hop.Nickname, err)
		}
		ip, err := resolveHost(hop.Address)
		if err != nil {
			_ = guardLink.Close()
			return nil, nil, 0, fmt.Errorf("resolve %s: %w", hop.Nickname, err)
		}
		if err := sched.ExtendCircuit(ctx, circ, ip, hop.ORPort, hop.Identity, pub); err != nil {
			_ = guardLink.Close()
			return nil, nil, 0, fmt.Errorf("extend to %s: %w", hop.Nickname, err)
		}
	}

	return circ, guardLink, circ.HopCount() - 1, nil
}

func parseOnionKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("onion key is not RSA")
	}
	return rsaPub, nil
}

func resolveHost(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addr, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return nil, err
	}
	return addr.IP, nil
}

func portString(port uint16) string {
	return strconv.Itoa(int(port))
}

func runSOCKSProxy(store *config.Store, muxer *stream.Muxer, circ *circuit.Circuit, guardLink *link.Link, hopIndex int, mgr *link.Manager) {
	var mu sync.Mutex
	cfg := store.Load()
	fmt.Printf("\nStarting SOCKS proxy on %s...\n", cfg.SocksAddr)

	srv := &socks.Server{
		Addr: cfg.SocksAddr,
		Muxer: muxer,
		GetCirc: func(req socks.ConnectRequest) (*circuit.Circuit, *link.Link, int, error) {
			mu.Lock()
			defer mu.Unlock()
			if circ == nil {
				return nil, nil, 0, fmt.Errorf("circuit destroyed")
			}
			return circ, guardLink, hopIndex, nil
		},
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = srv.Close()
		mu.Lock()
		_ = mgr.Close(guardLink, "client shutdown")
		circ = nil
		mu.Unlock()
	}()

	fmt.Printf("Ready. Use: curl --socks5-hostname %s http://example.com\n", cfg.SocksAddr)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Printf("SOCKS server error: %v\n", err)
	}
}

// serveORPort accepts inbound relay links when this process also offers
// itself as a hop for others' circuits.
func serveORPort(ctx context.Context, cfg *config.Config, onionPriv *rsa.PrivateKey, mgr *link.Manager, sched *scheduler.Scheduler, logger *slog.Logger) error {
	cert, err := link.GenerateSelfSignedCert(onionPriv)
	if err != nil {
		return fmt.Errorf("generate link cert: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.ORAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ORAddr, err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("OR port accept failed", "error", err)
				}
				return
			}
			go func() {
				l, err := link.Accept(conn, cert, logger)
				if err != nil {
					logger.Debug("link accept failed", "error", err)
					return
				}
				if err := mgr.Adopt(l); err != nil {
					logger.Warn("adopt inbound link failed", "error", err)
					return
				}
				go func() {
					if err := sched.Serve(ctx, l); err != nil && ctx.Err() == nil {
						logger.Debug("relay link serve loop exited", "error", err)
					}
				}()
			}()
		}
	}()

	logger.Info("OR port listening", "addr", cfg.ORAddr)
	return nil
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
