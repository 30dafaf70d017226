package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/events"
	"github.com/crueladdict/ori/apps/ori-runner/internal/httpapi"
	"github.com/crueladdict/ori/apps/ori-runner/internal/infrastructure/database/drivers"
	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/logfile"
	"github.com/crueladdict/ori/apps/ori-runner/internal/rpc"
	"github.com/crueladdict/ori/apps/ori-runner/internal/service"
)

const (
	DefaultResourcesPath = "./resources.yaml"
	DefaultPort          = 8080

	shutdownTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	resourcesPath := flag.String("config", DefaultResourcesPath, "Path to resource file (.yaml or .json)")
	port := flag.Int("port", DefaultPort, "Port to listen on (TCP, optional)")
	socketPath := flag.String("socket", "", "Unix domain socket path (preferred)")
	logLevelFlag := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	standalone := flag.Bool("standalone", false, "Run without parent-process monitoring (foreground mode)")
	flag.Parse()

	logs := logfile.New("ori-runner", logfile.ParseLevel(*logLevelFlag, slog.LevelInfo), "")
	slog.SetDefault(logs.Open())
	defer func() { _ = logs.Close() }()

	// reopen the log file after external rotation
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			slog.SetDefault(logs.Open())
			slog.Info("log file reopened", slog.String("path", logs.Path()))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var parentDone <-chan struct{}
	if !*standalone {
		ch := make(chan struct{})
		parentDone = ch
		go monitorParentAlive(ch, cancel)
	} else {
		slog.InfoContext(ctx, "standalone mode: parent monitor disabled")
	}

	catalog := service.NewResourceCatalogService(*resourcesPath)
	slog.InfoContext(ctx, "loading resources", slog.String("path", *resourcesPath))
	if err := catalog.LoadResources(); err != nil {
		slog.ErrorContext(ctx, "failed to load resources", slog.Any("err", err))
		return 1
	}

	registry := drivers.Registry()
	slog.InfoContext(ctx, "resources loaded", slog.Any("drivers", registry.Types()))

	eventHub := events.NewHub()
	sessions := service.NewSessionService(catalog, service.NewPasswordService(), registry, eventHub)
	scripts := service.NewScriptService(sessions, eventHub)

	handler := httpapi.NewHandler(catalog, sessions, scripts)
	rpcHandler := rpc.NewHTTPHandler(rpc.NewHandler(catalog, sessions, scripts))

	var (
		server *httpapi.Server
		err    error
	)
	if *socketPath != "" {
		server, err = httpapi.NewUnixServer(ctx, handler, eventHub, rpcHandler, *socketPath)
		if err != nil {
			slog.ErrorContext(ctx, "failed to create unix socket server", slog.Any("err", err))
			return 1
		}
		slog.InfoContext(ctx, "server started", slog.String("transport", "unix"), slog.String("socket", *socketPath))
	} else {
		server, err = httpapi.NewServer(ctx, handler, eventHub, rpcHandler, *port)
		if err != nil {
			slog.ErrorContext(ctx, "failed to create TCP server", slog.Any("err", err))
			return 1
		}
		slog.InfoContext(ctx, "server started", slog.String("transport", "tcp"), slog.Int("port", *port))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-parentDone:
		slog.WarnContext(ctx, "parent process died, shutting down")
	}

	slog.InfoContext(ctx, "shutting down")

	stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	scripts.Stop(stopCtx)

	code := 0
	if err := server.Shutdown(stopCtx); err != nil {
		slog.ErrorContext(ctx, "server forced to shutdown", slog.Any("err", err))
		code = 1
	}
	sessions.CloseAll(stopCtx)
	eventHub.Close()

	slog.InfoContext(ctx, "server stopped")
	return code
}

// monitorParentAlive reads fd 3, a pipe held open by the launching process.
// EOF means the parent is gone.
func monitorParentAlive(done chan<- struct{}, cancel context.CancelFunc) {
	pipe := os.NewFile(3, "parent-pipe")
	if pipe == nil {
		return
	}
	defer func() { _ = pipe.Close() }()

	buf := make([]byte, 1)
	if _, err := pipe.Read(buf); err != nil {
		cancel()
		close(done)
	}
}
