// Command sandbox is a code execution service backed by docker containers.
//
// It receives code via HTTP, executes it inside a per-session container,
// and returns results. Sessions map to containers: the first execution for
// a session creates one, later executions reuse it (so files persist on
// the container filesystem), and idle sessions are reaped after a TTL.
//
// Tool calls made by running code do not pass through this service; the
// generated prelude POSTs them straight to the callback URL supplied with
// the execution request.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/docker/go-connections/sockets"
)

type config struct {
	addr            string
	pythonImage     string
	nodeImage       string
	network         string
	callbackHost    string
	maxConcurrent   int
	sessionTTL      time.Duration
	cleanupInterval time.Duration
	maxOutputBytes  int
	memoryBytes     int64
	nanoCPUs        int64
	pidsLimit       int64
}

func loadConfig() config {
	cfg := config{
		addr:            ":9000",
		pythonImage:     "python:3.12-slim",
		nodeImage:       "node:22-slim",
		network:         "bridge",
		maxConcurrent:   4,
		sessionTTL:      time.Hour,
		cleanupInterval: 5 * time.Minute,
		maxOutputBytes:  512 * 1024,
		memoryBytes:     512 << 20,
		nanoCPUs:        1e9,
		pidsLimit:       256,
	}
	if v := os.Getenv("SANDBOX_ADDR"); v != "" {
		cfg.addr = v
	}
	if v := os.Getenv("SANDBOX_PYTHON_IMAGE"); v != "" {
		cfg.pythonImage = v
	}
	if v := os.Getenv("SANDBOX_NODE_IMAGE"); v != "" {
		cfg.nodeImage = v
	}
	if v := os.Getenv("SANDBOX_NETWORK"); v != "" {
		cfg.network = v
	}
	if v := os.Getenv("SANDBOX_CALLBACK_HOST"); v != "" {
		cfg.callbackHost = v
	}
	if v := os.Getenv("SANDBOX_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxConcurrent = n
		}
	}
	if v := os.Getenv("SANDBOX_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.sessionTTL = d
		}
	}
	if v := os.Getenv("SANDBOX_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.cleanupInterval = d
		}
	}
	if v := os.Getenv("SANDBOX_MAX_OUTPUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxOutputBytes = n
		}
	}
	if v := os.Getenv("SANDBOX_MEMORY_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.memoryBytes = n << 20
		}
	}
	if v := os.Getenv("SANDBOX_CPUS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.nanoCPUs = int64(f * 1e9)
		}
	}
	if v := os.Getenv("SANDBOX_PIDS_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.pidsLimit = n
		}
	}
	return cfg
}

// newListener supports plain host:port plus tcp:// and unix:// schemes.
func newListener(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return sockets.NewUnixSocket(strings.TrimPrefix(addr, "unix://"), os.Getgid())
	case strings.HasPrefix(addr, "tcp://"):
		return sockets.NewTCPSocket(strings.TrimPrefix(addr, "tcp://"), nil)
	default:
		return net.Listen("tcp", addr)
	}
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[sandbox] ")

	cfg := loadConfig()

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatalf("docker client: %v", err)
	}
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err = docker.Ping(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("docker daemon unreachable: %v", err)
	}

	sessions := newSessionManager(docker, cfg)
	if n := sessions.sweepOrphans(context.Background()); n > 0 {
		log.Printf("removed %d orphaned session containers", n)
	}
	sessions.start(cfg.cleanupInterval)

	run := newRunner(docker, cfg.maxOutputBytes, cfg.callbackHost)
	sem := make(chan struct{}, cfg.maxConcurrent)

	mux := http.NewServeMux()
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		handleExecute(sem, sessions, run, w, r)
	})
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/workspace/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		handleDeleteWorkspace(sessions, w, r)
	})

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	ln, err := newListener(cfg.addr)
	if err != nil {
		log.Fatalf("listen %s: %v", cfg.addr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("listening on %s", cfg.addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	sessions.close(shutCtx)
	log.Println("stopped")
}
