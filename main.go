package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/sshdash/internal/config"
	"github.com/gluk-w/sshdash/internal/gateway"
	"github.com/gluk-w/sshdash/internal/logging"
)

func main() {
	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	idle := config.Cfg.SessionIdle
	registry := gateway.NewRegistry(gateway.SSHDialer{Timeout: config.Cfg.SSHDialTimeout}, gateway.RegistryOptions{
		Shell:          config.Cfg.Shell,
		ScrollbackSize: config.Cfg.ScrollbackBytes,
		IdleTimeout:    idle,
	})
	if err := registry.StartCleanup("@every 1m"); err != nil {
		log.Fatalf("Session cleanup: %v", err)
	}
	log.Printf("Session registry initialized (scrollback=%d bytes, idle_timeout=%s, shell=%q)",
		config.Cfg.ScrollbackBytes, idle, config.Cfg.Shell)

	gw := gateway.NewServer(registry, gateway.ServerOptions{
		AllowedOrigins: config.Cfg.AllowedOrigins,
		DialTimeout:    config.Cfg.SSHDialTimeout,
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: gw.Router(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Gateway starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	registry.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Gateway stopped")
}
