// statlined serves recorded statistics to remote clients.
package main

import (
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/statline/internal/logging"
	"github.com/xtxerr/statline/internal/server"
	"github.com/xtxerr/statline/internal/storage"
	"github.com/xtxerr/statline/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	listen := flag.String("listen", "", "listen address (overrides config)")
	noTLS := flag.Bool("no-tls", false, "disable TLS")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file")
	tlsKey := flag.String("tls-key", "", "TLS key file")
	token := flag.String("token", "", "auth token (or STATLINE_TOKEN env)")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *noTLS {
		cfg.Server.TLSCertFile = ""
		cfg.Server.TLSKeyFile = ""
	}
	if *tlsCert != "" {
		cfg.Server.TLSCertFile = *tlsCert
	}
	if *tlsKey != "" {
		cfg.Server.TLSKeyFile = *tlsKey
	}

	// Token from flag or env
	authToken := *token
	if authToken == "" {
		authToken = os.Getenv("STATLINE_TOKEN")
	}
	if authToken != "" && len(cfg.Server.Tokens) == 0 {
		cfg.Server.Tokens = []config.TokenConfig{{ID: "cli", Token: authToken}}
	}
	if len(cfg.Server.Tokens) == 0 {
		log.Fatal("At least one auth token required (use -token or config)")
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Logging: %v", err)
	}
	logging.Init(level, cfg.Logging.JSON)
	logging.Info("statlined starting", "version", Version, "config", *cfgPath)

	// =========================================================================
	// Storage (store, recorder, retention, compaction)
	// =========================================================================

	svc, err := storage.New(cfg)
	if err != nil {
		log.Fatalf("Create storage: %v", err)
	}
	if err := svc.Start(); err != nil {
		log.Fatalf("Start storage: %v", err)
	}
	logging.Info("storage started", "data_dir", cfg.DataDir, "store", cfg.StorePath())

	// =========================================================================
	// Server
	// =========================================================================

	srv, err := server.New(cfg.Server, svc, svc.Recorder())
	if err != nil {
		svc.Stop()
		log.Fatalf("Create server: %v", err)
	}

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logging.Info("shutting down")

		// Stop server first (stop accepting new work)
		srv.Shutdown()
	}()

	// =========================================================================
	// Run
	// =========================================================================

	runErr := srv.Run()

	// Wait for open sessions to finish
	srv.Shutdown()

	// Stop storage last (flush open buckets, close the store)
	if err := svc.Stop(); err != nil {
		logging.Warn("storage stop failed", "error", err)
	}

	if runErr != nil {
		log.Fatalf("Server error: %v", runErr)
	}
}
