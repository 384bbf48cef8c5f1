package reloader

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOnSIGHUP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hits := make(chan struct{}, 1)
	OnSIGHUP(ctx, func() { hits <- struct{}{} })

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))
	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("reload not triggered")
	}
}
