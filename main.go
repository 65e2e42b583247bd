package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/memgrove/memgrove/internal/category"
	"github.com/memgrove/memgrove/internal/config"
	"github.com/memgrove/memgrove/internal/server"
)

func main() {
	fs := flag.NewFlagSet("memgrove", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	transport := fs.String("transport", "", "Transport mode: stdio or http")
	port := fs.String("port", "", "HTTP port (only used with --transport http)")
	dataDir := fs.String("data-dir", "", "Base directory for category databases")
	capacity := fs.Int("cache-capacity", 0, "Maximum simultaneously open categories")
	debug := fs.Bool("debug", false, "Enable debug logging")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if fs.Changed("transport") {
		cfg.Transport = *transport
	}
	if fs.Changed("port") {
		cfg.Port = *port
	}
	if fs.Changed("data-dir") {
		cfg.DataDir = *dataDir
	}
	if fs.Changed("cache-capacity") {
		cfg.CacheCapacity = *capacity
	}
	if fs.Changed("debug") {
		cfg.Debug = *debug
	}

	log, err := newLogger(cfg.Debug)
	if err != nil {
		fatalf("Failed to build logger: %v", err)
	}
	defer log.Sync()

	mgr := category.NewManager(cfg.DataDir,
		category.WithCapacity(cfg.CacheCapacity),
		category.WithLogger(log),
	)
	defer mgr.CloseAll()

	srv := server.New(mgr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cfg.Transport {
	case "stdio":
		log.Info("memgrove server starting", zap.String("transport", "stdio"), zap.String("data_dir", cfg.DataDir))
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil {
			log.Fatal("server error", zap.Error(err))
		}
	case "http":
		addr := ":" + cfg.Port
		handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			return srv
		}, nil)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatal("listen", zap.String("addr", addr), zap.Error(err))
		}
		log.Info("memgrove server listening", zap.String("addr", addr), zap.String("data_dir", cfg.DataDir))
		if err := runHTTP(ctx, ln, handler); err != nil {
			log.Fatal("http server error", zap.Error(err))
		}
		log.Info("memgrove server stopped")
	default:
		log.Fatal("unknown transport", zap.String("transport", cfg.Transport))
	}
}

// runHTTP serves on ln until ctx is cancelled, then shuts the server down so
// the deferred CloseAll releases every cached adapter before exit.
func runHTTP(ctx context.Context, ln net.Listener, handler http.Handler) error {
	httpSrv := &http.Server{Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
