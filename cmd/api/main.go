package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nimasrn/campaign-gateway/internal/app"
	"github.com/nimasrn/campaign-gateway/internal/config"
	"github.com/nimasrn/campaign-gateway/internal/handlers"
	"github.com/nimasrn/campaign-gateway/internal/processor"
	xhttp "github.com/nimasrn/campaign-gateway/pkg/http"
	"github.com/nimasrn/campaign-gateway/pkg/logger"
	"github.com/nimasrn/campaign-gateway/pkg/prom"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defer logger.Sync()

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	logger.Info("starting api", "version", version, "commit", commit, "date", date, "env", cfg.AppEnv)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	a, err := app.New(cfg)
	if err != nil {
		logger.Error("failed to initialize application", "error", err)
		return
	}
	defer a.Close(cfg.ShutdownTimeout)

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 30))
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	var workers handlers.WorkerReporter
	var service *processor.ProcessorService
	if cfg.RunWorkers {
		service = a.NewProcessorService()
		if err := service.Start(); err != nil {
			logger.Error("failed to start workers", "error", err)
			return
		}
		workers = service
	}
	a.RegisterRoutes(s.Router, workers)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.ListenAndServe(cfg.ListenAddr())
	}()

	var fatal <-chan error
	if service != nil {
		fatal = service.Fatal()
	}

	select {
	case sig := <-c:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	case err := <-fatal:
		logger.Error("worker failure, shutting down", "error", err)
	}

	s.Shutdown()
	if service != nil {
		service.Stop()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
