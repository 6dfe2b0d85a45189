// Command toolproxy is a development stand-in for the central
// tool-proxy. It serves the same HTTP surface the pipeline's dispatcher
// speaks — POST /mcp/tool and GET /mcp/tools — over a small set of
// built-in tools, so the full completion loop can run without the
// platform proxy.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nevindra/loom/provider/gemini"
)

type config struct {
	addr        string
	internalKey string
	braveKey    string
	geminiKey   string
	embedModel  string
	embedDims   int
}

func loadConfig() config {
	cfg := config{
		addr:       ":8100",
		embedModel: "gemini-embedding-001",
		embedDims:  768,
	}
	if v := os.Getenv("TOOLPROXY_ADDR"); v != "" {
		cfg.addr = v
	}
	cfg.internalKey = os.Getenv("API_INTERNAL_KEY")
	cfg.braveKey = os.Getenv("BRAVE_API_KEY")
	cfg.geminiKey = os.Getenv("GEMINI_API_KEY")
	return cfg
}

func main() {
	cfg := loadConfig()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	srv := newServer(cfg.internalKey, log)

	fetcher := newFetcher()
	srv.register(fetcher.tool())

	if cfg.braveKey != "" {
		s := newSearcher(cfg.braveKey, log)
		if cfg.geminiKey != "" {
			s.embedder = gemini.NewEmbedding(cfg.geminiKey, cfg.embedModel, cfg.embedDims)
		}
		srv.register(s.tool())
	} else {
		log.Warn("BRAVE_API_KEY not set, web_search disabled")
	}

	httpSrv := &http.Server{
		Addr:         cfg.addr,
		Handler:      srv.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("toolproxy listening", "addr", cfg.addr, "tools", len(srv.tools))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("serve failed", "error", err)
		os.Exit(1)
	}
}
