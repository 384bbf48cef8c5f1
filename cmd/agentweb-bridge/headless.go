package main

import (
	"context"
	"fmt"
	"os"

	"github.com/EchoPBX/agentweb-bridge/internal/bridge"
	"github.com/EchoPBX/agentweb-bridge/internal/config"
	"github.com/EchoPBX/agentweb-bridge/internal/filechooser"
	"github.com/EchoPBX/agentweb-bridge/internal/hostview/jsview"
	"github.com/EchoPBX/agentweb-bridge/internal/monitoring"
	"github.com/EchoPBX/agentweb-bridge/internal/permission"
	"github.com/EchoPBX/agentweb-bridge/internal/syspermission"
	"github.com/EchoPBX/agentweb-bridge/pkg/sdk"
	"go.uber.org/zap"
)

// startHeadless runs the configured content script in an embedded engine
// with its own bridge. Nobody can answer prompts or pick files there, so
// gated permissions are only granted if already held.
func startHeadless(ctx context.Context, cfg *config.Config, log *zap.Logger, bus sdk.Bus, metrics *monitoring.Metrics,
	store *syspermission.Store, policy permission.Policy, filter *filechooser.Filter) (*jsview.View, error) {
	src, err := os.ReadFile(cfg.Content.HeadlessScript)
	if err != nil {
		return nil, fmt.Errorf("read content script: %w", err)
	}

	view := jsview.New(jsview.Options{
		ObjectName: cfg.Bridge.ObjectName,
		Timeout:    cfg.Bridge.EvaluateTimeout,
		Log:        log.Named("js"),
	})
	surface := syspermission.NewSurface(store, nil, log.Named("syspermission"))
	b := bridge.New(bridge.Options{
		Host:          view,
		Evaluator:     view,
		System:        surface,
		Policy:        policy,
		Filter:        filter,
		Receiver:      cfg.Bridge.Receiver,
		CloseDelay:    cfg.Bridge.CloseDelay,
		PickerTimeout: cfg.Files.PickerTimeout,
		RateLimit:     cfg.Bridge.RateLimit,
		Burst:         cfg.Bridge.Burst,
		Log:           log.Named("bridge"),
		Bus:           bus,
		Metrics:       metrics,
	})
	surface.SetSink(b.SystemPermissionResult)
	view.Attach(b.CallNative)

	go view.Run(ctx)
	go b.Run(ctx)
	if err := view.Load(ctx, string(src)); err != nil {
		view.Close()
		return nil, fmt.Errorf("load content script: %w", err)
	}
	log.Info("headless content loaded", zap.String("script", cfg.Content.HeadlessScript))
	return view, nil
}
