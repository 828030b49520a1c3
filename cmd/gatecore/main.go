package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gatecore "github.com/gatecore-ai/gatecore"
	"github.com/gatecore-ai/gatecore/internal/logging"
	"github.com/gatecore-ai/gatecore/internal/version"
)

func main() {
	logging.Setup(os.Getenv("GATECORE_LOG_LEVEL"), os.Getenv("GATECORE_LOG_FORMAT"))

	// Load and validate config if GATECORE_CONFIG is set.
	cfg := gatecore.Config{}
	if cfgPath := os.Getenv("GATECORE_CONFIG"); cfgPath != "" {
		loaded, err := gatecore.LoadConfig(cfgPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		if err := gatecore.ValidateConfig(*loaded); err != nil {
			log.Fatalf("Invalid config: %v", err)
		}
		cfg = *loaded
		log.Printf("Config loaded: store=%s, cache=%v", cfg.Store.Backend, cfg.Cache.Enabled)
	}

	// Environment overrides for the common knobs.
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Backend.APIKey == "" {
		cfg.Backend.APIKey = key
	}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" && cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = base
	}
	if cfg.Backend.APIKey == "" {
		log.Fatal("No upstream credentials configured. Set backend.api_key in the config file or OPENAI_API_KEY")
	}

	core, err := gatecore.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create gateway core: %v", err)
	}
	defer func() {
		_ = core.Close()
	}()

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interval := cfg.Quota.GCInterval; interval != "" {
		d, _ := time.ParseDuration(interval)
		if err := core.StartGC(ctx, d); err != nil {
			log.Fatalf("Failed to start usage GC: %v", err)
		}
	}

	var corsOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}

	r := newRouter(core, os.Getenv("GATECORE_ADMIN_TOKEN"), corsOrigins)

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down gracefully…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	log.Printf("GateCore %s listening on %s", version.Short(), addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("Server error: %v", err) //nolint:gocritic
	}
	log.Println("Server stopped.")
}
