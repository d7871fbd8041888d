// cmd/kokoro-mcp is the entry point for the Kokoro memory server. It
// speaks line-delimited JSON-RPC 2.0 over stdin/stdout by default and can
// serve the same tool surface over HTTP with -listen.
//
// CRITICAL: in stdio mode ALL logging goes to stderr. Any bytes written to
// stdout that are not response frames corrupt the protocol.
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

	"github.com/kokoroai/kokoro/internal/api/mcp"
	"github.com/kokoroai/kokoro/internal/config"
	"github.com/kokoroai/kokoro/internal/engine"
	"github.com/kokoroai/kokoro/internal/importer"
	"github.com/kokoroai/kokoro/internal/registry"
	"github.com/kokoroai/kokoro/pkg/types"
)

// sessionProvider adapts the registry to the MCP server.
type sessionProvider struct {
	reg *registry.Registry
}

func (p *sessionProvider) Session(persona string) (*mcp.Session, error) {
	entry, err := p.reg.Entry(persona)
	if err != nil {
		return nil, err
	}
	return &mcp.Session{
		Engine:  entry.Engine,
		Items:   entry.Items,
		Tasks:   entry.Store,
		Context: entry.Context,
	}, nil
}

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("kokoro-mcp: ")
	log.SetFlags(log.LstdFlags)

	var (
		dataPath  = flag.String("data", envOr("KOKORO_DATA_PATH", "./data"), "data directory")
		personaID = flag.String("persona", "", "persona binding for stdio mode (default: per-request)")
		listen    = flag.String("listen", "", "serve HTTP on this address instead of stdio (e.g. :6360)")
		importDir = flag.String("import", "", "import markdown memories from this directory and exit")
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	reg := registry.New(loader, registry.Options{
		RootCtx:      ctx,
		StartWorkers: *importDir == "",
	})
	defer reg.Close()

	if *importDir != "" {
		if err := runImport(ctx, reg, *personaID, *importDir); err != nil {
			log.Fatalf("import failed: %v", err)
		}
		return
	}

	srv := mcp.NewServer(&sessionProvider{reg: reg}, mcp.WithBoundPersona(*personaID))

	if *listen != "" {
		serveHTTP(ctx, srv, *listen)
		return
	}

	transport := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout)
	if err := transport.Serve(ctx); err != nil && err != context.Canceled {
		log.Fatalf("stdio transport: %v", err)
	}
}

func serveHTTP(ctx context.Context, srv *mcp.Server, addr string) {
	handler := mcp.NewHTTPTransport(srv, 20)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("WARNING: http shutdown: %v", err)
		}
	}()

	log.Printf("serving HTTP on %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

// runImport bulk-imports markdown memories through the normal write path,
// then drains the vector queue so every imported point is indexed before
// exit.
func runImport(ctx context.Context, reg *registry.Registry, personaID, dir string) error {
	entry, err := reg.Entry(personaID)
	if err != nil {
		return err
	}

	result, err := importer.ImportDir(ctx, os.DirFS(dir), importWriter{entry.Engine})
	if err != nil {
		return err
	}
	if err := entry.Engine.DrainQueue(ctx); err != nil {
		log.Printf("WARNING: vector queue did not drain: %v", err)
	}

	log.Printf("imported %d memories, skipped %d", result.Imported, result.Skipped)
	for _, importErr := range result.Errors {
		log.Printf("WARNING: %v", importErr)
	}
	if result.Imported == 0 && result.Skipped > 0 {
		return fmt.Errorf("nothing imported from %s", dir)
	}
	return nil
}

type importWriter struct {
	engine *engine.Engine
}

func (w importWriter) Create(ctx context.Context, in engine.CreateInput) (*types.MemoryRecord, error) {
	return w.engine.Create(ctx, in)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
