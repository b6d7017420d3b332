// Command openlist-desktop-service supervises an open-ended set of child
// processes and exposes a local HTTP API to create, start, stop and inspect
// them. It runs as a host service (Windows SCM, systemd/OpenRC, launchd) or
// in the foreground with --console.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/OpenListTeam/openlist-desktop-service/internal/api"
	"github.com/OpenListTeam/openlist-desktop-service/internal/catalog"
	"github.com/OpenListTeam/openlist-desktop-service/internal/config"
	"github.com/OpenListTeam/openlist-desktop-service/internal/history"
	"github.com/OpenListTeam/openlist-desktop-service/internal/supervisor"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

const maxConcurrentConns = 64

type program struct {
	log *logrus.Logger

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	doneCh       chan struct{}
	exitCode     int
}

// Start is the service-manager entry point; it must not block.
func (p *program) Start(s service.Service) error {
	go p.run()
	return nil
}

// Stop signals shutdown and waits for run to unwind.
func (p *program) Stop(s service.Service) error {
	p.triggerShutdown()
	select {
	case <-p.doneCh:
	case <-time.After(30 * time.Second):
	}
	return nil
}

func (p *program) triggerShutdown() {
	p.shutdownOnce.Do(func() { close(p.shutdownCh) })
}

func (p *program) run() {
	defer close(p.doneCh)

	config.LoadEnvFile(".env")
	cfg := config.Load()

	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		p.log.SetLevel(lvl)
	}
	log := p.log.WithField("component", "service")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.WithError(err).Errorf("create data dir %s", cfg.DataDir)
		p.exitCode = 1
		return
	}
	key, generated, err := cfg.EnsureAPIKey()
	if err != nil {
		log.WithError(err).Error("api key")
		p.exitCode = 1
		return
	}
	if generated {
		log.Infof("no PROCESS_MANAGER_API_KEY set; generated one under %s", cfg.DataDir)
	}

	hist, err := history.Open(cfg.HistoryPath(), p.log.WithField("component", "history"))
	if err != nil {
		log.WithError(err).Warn("event journal disabled")
		hist = nil
	}

	sup := supervisor.New(supervisor.Options{
		Store:         &catalog.Store{Path: cfg.CatalogPath(), Log: p.log.WithField("component", "catalog")},
		History:       hist,
		Log:           p.log.WithField("component", "supervisor"),
		LogDir:        cfg.LogDir(),
		GracePeriod:   cfg.GracePeriod,
		MaxRestarts:   cfg.MaxRestarts,
		RestartWindow: cfg.RestartWindow,
	})
	if cfg.AutoStart {
		sup.StartAll()
	}

	apiSrv := api.New(sup, key, version, p.log.WithField("component", "api"), p.triggerShutdown)
	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		log.WithError(err).Errorf("listen on %s", cfg.ListenAddr())
		sup.Shutdown()
		p.exitCode = 1
		return
	}
	ln = netutil.LimitListener(ln, maxConcurrentConns)
	httpSrv := &http.Server{Handler: apiSrv.Handler()}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server")
			p.triggerShutdown()
		}
	}()
	log.Infof("listening on %s (version %s, %d processes loaded)", cfg.ListenAddr(), version, sup.Stats().Total)

	<-p.shutdownCh
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	httpSrv.Shutdown(ctx)
	cancel()
	sup.Shutdown()
	if hist != nil {
		hist.Close()
	}
}

func main() {
	console := flag.Bool("console", false, "run in the foreground, bypassing the service manager")
	flag.BoolVar(console, "c", false, "shorthand for -console")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	prg := &program{
		log:        logger,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	svcConfig := &service.Config{
		Name:        "OpenListDesktopService",
		DisplayName: "OpenList Desktop Service",
		Description: "Supervises OpenList child processes and serves the local management API.",
	}
	svc, err := service.New(prg, svcConfig)
	if err != nil && !*console {
		logger.WithError(err).Warn("service manager unavailable, running in foreground")
		*console = true
	}

	if *console || service.Interactive() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			select {
			case <-sig:
				prg.triggerShutdown()
			case <-prg.doneCh:
			}
		}()
		prg.run()
		os.Exit(prg.exitCode)
	}

	if err := svc.Run(); err != nil {
		logger.WithError(err).Error("service run")
		os.Exit(1)
	}
	os.Exit(prg.exitCode)
}
