package main

import (
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"

	"github.com/aeolun/relay/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.StringP("config", "c", "~/.relay/config.toml", "Path to config file")
	port := flag.IntP("port", "p", 0, "TCP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	backend := flag.String("backend", "", "History backend: sqlite or badger (overrides config)")
	pprofAddr := flag.String("pprof", "", "Serve pprof on this address (e.g. localhost:6060)")
	debug := flag.BoolP("debug", "d", false, "Enable debug logging")
	version := flag.BoolP("version", "v", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Relay Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	envDebug, err := config.ApplyEnv()
	if err != nil {
		log.Fatalf("Failed to apply environment: %v", err)
	}

	resolvedConfigPath, err := server.ExpandPath(*configPath)
	if err != nil {
		log.Fatalf("Failed to resolve config path: %v", err)
	}
	if absPath, err := filepath.Abs(resolvedConfigPath); err == nil {
		resolvedConfigPath = absPath
	}

	// Command-line flags override config file and environment
	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if *dbPath != "" {
		config.History.DatabasePath = *dbPath
	}
	if *backend != "" {
		config.History.Backend = *backend
	}

	serverConfig := config.ToServerConfig()

	srv, err := server.NewServer(serverConfig, resolvedConfigPath)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug || envDebug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	srv.PrometheusRegistry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	log.Printf("Config: %s (resolved to %s, using defaults if not found)", *configPath, resolvedConfigPath)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Relay server %s started successfully", Version)
	log.Printf("Available connection methods:")
	if addr := srv.Addr(); addr != nil {
		log.Printf("  - TCP: %s", addr)
	}
	if addr := srv.SSHAddr(); addr != nil {
		log.Printf("  - SSH: %s (host key %s)", addr, serverConfig.SSHHostKeyPath)
	}
	if addr := srv.HTTPAddr(); addr != nil {
		log.Printf("  - WebSocket: ws://%s/ws", addr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Printf("Starting pprof server on http://%s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
