package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/docker/model-bundler/pkg/bundler"
	"github.com/docker/model-bundler/pkg/config"
	"github.com/docker/model-bundler/pkg/middleware"
	"github.com/docker/model-bundler/pkg/routing"
)

// shutdownTimeout bounds how long in-flight bundling requests may take to
// finish after a shutdown signal.
const shutdownTimeout = 30 * time.Second

var log = logrus.New()

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	b, err := bundler.NewFromConfig(log, cfg)
	if err != nil {
		log.Fatalf("Unable to initialize bundler: %v", err)
	}

	router := newRouter(cfg, b)
	server := &http.Server{Handler: middleware.CORS(cfg.Origins, router)}
	serverErrors := make(chan error, 1)

	ln, err := listen(os.Getenv("MODEL_BUNDLER_PORT"), sockName())
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	go func() {
		serverErrors <- server.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Server error: %v", err)
		}
	case <-ctx.Done():
		log.Infoln("Shutdown signal received")
		log.Infoln("Shutting down the server")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Server shutdown error: %v", err)
		}
	}
	log.Infoln("Model bundler stopped")
}

// newRouter mounts the bundling API.
func newRouter(cfg *config.Config, b *bundler.Bundler) *routing.NormalizedServeMux {
	router := routing.NewNormalizedServeMux()
	router.Mount(bundler.NewHandler(
		log.WithFields(logrus.Fields{"component": "api"}),
		b,
		cfg.MaxConcurrent,
	))
	return router
}

func sockName() string {
	if name := os.Getenv("MODEL_BUNDLER_SOCK"); name != "" {
		return name
	}
	return "model-bundler.sock"
}

// listen opens the TCP port if one is given, the unix socket otherwise.
func listen(tcpPort, sockName string) (net.Listener, error) {
	if tcpPort != "" {
		log.Infof("Listening on TCP port %s", tcpPort)
		return net.Listen("tcp", ":"+tcpPort)
	}

	if err := os.Remove(sockName); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	log.Infof("Listening on socket %s", sockName)
	return net.ListenUnix("unix", &net.UnixAddr{Name: sockName, Net: "unix"})
}
