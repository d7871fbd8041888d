// cmd/kokoro-web serves the dashboard API: stats, emotion/physical
// timelines, cleanup suggestions, search, and a websocket feed of write
// events across personas.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kokoroai/kokoro/internal/config"
	"github.com/kokoroai/kokoro/internal/registry"
	"github.com/kokoroai/kokoro/web/handlers"
)

// backendProvider adapts the registry to the dashboard handlers.
type backendProvider struct {
	reg *registry.Registry
}

func (p *backendProvider) Backend(persona string) (*handlers.Backend, error) {
	entry, err := p.reg.Entry(persona)
	if err != nil {
		return nil, err
	}
	return &handlers.Backend{
		Engine: entry.Engine,
		Store:  entry.Store,
		Items:  entry.Items,
	}, nil
}

func main() {
	log.SetPrefix("kokoro-web: ")
	log.SetFlags(log.LstdFlags)

	var (
		dataPath = flag.String("data", envOr("KOKORO_DATA_PATH", "./data"), "data directory")
		listen   = flag.String("listen", "", "listen address (default: config dashboard port)")
	)
	flag.Parse()

	if err := os.MkdirAll(*dataPath, 0o700); err != nil {
		log.Fatalf("failed to create data directory %q: %v", *dataPath, err)
	}

	loader := config.NewLoader(*dataPath)
	if err := loader.Watch(); err != nil {
		log.Printf("WARNING: config watcher not started: %v", err)
	}
	defer loader.Stop()
	cfg := loader.Get()

	addr := *listen
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.Dashboard.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	hub := handlers.NewWebSocketHub(addr, "localhost:*", "127.0.0.1:*")
	go hub.Run()
	defer hub.Stop()

	reg := registry.New(loader, registry.Options{
		RootCtx:      ctx,
		StartWorkers: true,
		OnWrite:      hub.BroadcastWrite,
	})
	defer reg.Close()

	api := handlers.NewAPI(&backendProvider{reg: reg}, hub)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("WARNING: http shutdown: %v", err)
		}
	}()

	log.Printf("dashboard listening on %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
