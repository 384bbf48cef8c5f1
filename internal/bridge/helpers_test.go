package bridge

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EchoPBX/agentweb-bridge/internal/monitoring"
	"github.com/EchoPBX/agentweb-bridge/pkg/sdk"
	"github.com/stretchr/testify/require"
)

type recordingEvaluator struct {
	mu      sync.Mutex
	scripts []string
}

func (e *recordingEvaluator) Evaluate(script string, done func(string, error)) {
	e.mu.Lock()
	e.scripts = append(e.scripts, script)
	e.mu.Unlock()
	done("null", nil)
}

func (e *recordingEvaluator) Scripts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.scripts...)
}

type recordingHost struct {
	mu      sync.Mutex
	notices []string
	closes  int
	closed  chan struct{}
}

func newRecordingHost() *recordingHost { return &recordingHost{closed: make(chan struct{})} }

func (h *recordingHost) Notify(text string) {
	h.mu.Lock()
	h.notices = append(h.notices, text)
	h.mu.Unlock()
}

func (h *recordingHost) Close() {
	h.mu.Lock()
	h.closes++
	if h.closes == 1 {
		close(h.closed)
	}
	h.mu.Unlock()
}

func (h *recordingHost) Notices() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.notices...)
}

var scriptUnescaper = strings.NewReplacer(`\\`, `\`, `\'`, `'`, `\"`, `"`)

// decodeScript reverses CallScript for the default receiver.
func decodeScript(t *testing.T, script string) sdk.Envelope {
	t.Helper()
	const prefix = "window." + DefaultReceiver + "('"
	require.True(t, strings.HasPrefix(script, prefix), script)
	require.True(t, strings.HasSuffix(script, "')"), script)
	body := strings.TrimSuffix(strings.TrimPrefix(script, prefix), "')")
	env, err := sdk.Decode([]byte(scriptUnescaper.Replace(body)))
	require.NoError(t, err)
	return env
}

type fixture struct {
	b       *Bridge
	eval    *recordingEvaluator
	host    *recordingHost
	metrics *monitoring.Metrics
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{eval: &recordingEvaluator{}, host: newRecordingHost(), metrics: monitoring.NewMetrics()}
	o := Options{
		Host:       f.host,
		Evaluator:  f.eval,
		CloseDelay: 30 * time.Millisecond,
		Metrics:    f.metrics,
		Now:        func() time.Time { return time.UnixMilli(1700000000123) },
	}
	if mutate != nil {
		mutate(&o)
	}
	f.b = New(o)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.b.Run(ctx)
	return f
}

// flush waits until everything posted so far has run.
func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.b.Do(ctx, func() {}))
}
