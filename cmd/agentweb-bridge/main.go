package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EchoPBX/agentweb-bridge/internal/config"
	"github.com/EchoPBX/agentweb-bridge/internal/events"
	"github.com/EchoPBX/agentweb-bridge/internal/filechooser"
	"github.com/EchoPBX/agentweb-bridge/internal/hostview"
	"github.com/EchoPBX/agentweb-bridge/internal/httpserver"
	"github.com/EchoPBX/agentweb-bridge/internal/launcher"
	"github.com/EchoPBX/agentweb-bridge/internal/logging"
	"github.com/EchoPBX/agentweb-bridge/internal/monitoring"
	"github.com/EchoPBX/agentweb-bridge/internal/permission"
	"github.com/EchoPBX/agentweb-bridge/internal/reloader"
	"github.com/EchoPBX/agentweb-bridge/internal/syspermission"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) > 2 && os.Args[1] == "view" {
		os.Exit(runView(os.Args[2]))
	}

	cfgPath := os.Getenv("AGENTWEB_CONFIG")
	if cfgPath == "" {
		cfgPath = "/etc/agentweb/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	logger := logging.New(logging.Cfg{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	})
	defer logger.Sync()

	// Banner
	fmt.Println(`
                        _                    _
   __ _  __ _  ___ _ __ | |___      _____| |__
  / _' |/ _' |/ _ \ '_ \| __\ \ /\ / / _ \ '_ \
 | (_| | (_| |  __/ | | | |_ \ V  V /  __/ |_) |
  \__,_|\__, |\___|_| |_|\__| \_/\_/ \___|_.__/
        |___/
AgentWeb bridge - native side of the web content channel
---------------------------------------------------------
Config:  ` + cfgPath + `
`)

	bus := events.NewBus()
	metrics := monitoring.NewMetrics()

	store, err := syspermission.Open(cfg.Permissions.StorePath)
	if err != nil {
		logger.Fatal("grant store", zap.Error(err))
	}
	defer store.Close()

	policy, err := permission.ParsePolicy(cfg.Permissions.Policy)
	if err != nil {
		logger.Fatal("permission policy", zap.Error(err))
	}
	filter, err := filechooser.NewFilter(cfg.Files.AllowedRoots)
	if err != nil {
		logger.Fatal("file roots", zap.Error(err))
	}
	resolver := &launcher.Resolver{
		DefaultURL:   cfg.Launcher.DefaultURL,
		DefaultToken: cfg.Launcher.DefaultToken,
		Log:          logger.Named("launcher"),
	}
	if cfg.Launcher.Probe {
		resolver.Prober = launcher.NewHTTPProber(cfg.Launcher.ProbeTimeout, logger.Named("probe"))
	}

	srv := httpserver.New(cfg, logger, bus, hostview.Deps{
		Store:    store,
		Resolver: resolver,
		Policy:   policy,
		Filter:   filter,
		Metrics:  metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Content.HeadlessScript != "" {
		h, err := startHeadless(ctx, cfg, logger.Named("headless"), bus, metrics, store, policy, filter)
		if err != nil {
			logger.Fatal("headless content", zap.Error(err))
		}
		defer h.Close()
	}

	// Hot reload on SIGHUP
	reloader.OnSIGHUP(ctx, func() {
		newCfg, err := config.Load(cfgPath)
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		srv.Reload(newCfg)
		cfg = newCfg
		logger.Info("reloaded config")
	})

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.Bool("tls", cfg.HTTP.TLS.Enabled))
		if cfg.HTTP.TLS.Enabled {
			if err := httpSrv.ListenAndServeTLS(cfg.HTTP.TLS.Cert, cfg.HTTP.TLS.Key); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("http tls", zap.Error(err))
			}
		} else {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("http", zap.Error(err))
			}
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down...")
	for _, s := range srv.Sessions().List() {
		s.Close()
	}
	cancel()

	ctxTimeout, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = httpSrv.Shutdown(ctxTimeout)
	logger.Info("bye")
}
