// Command loom runs the chat completion service.
//
// It serves POST /v1/chat (SSE by default, buffered JSON with
// suppressStreaming) and POST /v1/ingest, with configuration from
// loom.toml plus environment overrides.
//
// An ingest subcommand loads local files into the knowledge store
// without starting the server:
//
//	loom -config loom.toml ingest -collection docs guide.md spec.pdf
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/nevindra/loom/internal/app"
	"github.com/nevindra/loom/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to loom.toml")
	flag.Parse()

	cfg := config.Load(*configPath)
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if flag.Arg(0) == "ingest" {
		if err := runIngest(cfg, log, flag.Args()[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "ingest:", err)
			os.Exit(1)
		}
		return
	}

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	if err := a.RunWithSignal(); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func runIngest(cfg config.Config, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	collection := fs.String("collection", "docs", "target collection")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("no files given")
	}

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	return a.IngestFiles(context.Background(), *collection, fs.Args())
}
