package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/EchoPBX/agentweb-bridge/internal/hostview"
	"github.com/EchoPBX/agentweb-bridge/internal/logging"
	"github.com/EchoPBX/agentweb-bridge/internal/viewclient"
	"go.uber.org/zap"
)

// runView connects a scripted shell to a running bridge:
//
//	agentweb-bridge view ws://localhost:8080/v1/bridge?url=https://example.org
func runView(wsURL string) int {
	logger := logging.New(logging.Cfg{Level: "debug"})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := viewclient.New(viewclient.Options{
		URL:   wsURL,
		Grant: os.Getenv("AGENTWEB_VIEW_GRANT") == "1",
		Log:   logger.Named("view"),
		OnFrame: func(f hostview.Frame) {
			logger.Info("frame", zap.String("op", f.Op), zap.Any("frame", f))
		},
	})
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
