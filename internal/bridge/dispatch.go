package bridge

import (
	"fmt"

	"github.com/EchoPBX/agentweb-bridge/internal/monitoring"
	"github.com/EchoPBX/agentweb-bridge/pkg/sdk"
	"go.uber.org/zap"
)

// Table routes inbound envelopes by event type. Not safe for concurrent use.
type Table struct {
	handlers  map[string]sdk.Handler
	unhandled sdk.UnhandledHandler
	log       *zap.Logger
	metrics   *monitoring.Metrics
}

func NewTable(log *zap.Logger, metrics *monitoring.Metrics) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		handlers: make(map[string]sdk.Handler),
		log:      log,
		metrics:  metrics,
	}
}

// Register replaces any earlier handler for eventType.
func (t *Table) Register(eventType string, h sdk.Handler) {
	if _, ok := t.handlers[eventType]; ok {
		t.log.Debug("replacing handler", zap.String("event_type", eventType))
	}
	t.handlers[eventType] = h
}

func (t *Table) SetUnhandled(h sdk.UnhandledHandler) { t.unhandled = h }

func (t *Table) Lookup(eventType string) (sdk.Handler, bool) {
	h, ok := t.handlers[eventType]
	return h, ok
}

func (t *Table) Len() int { return len(t.handlers) }

// Dispatch never fails: handler errors and panics are logged and counted.
func (t *Table) Dispatch(ctx sdk.Context, env sdk.Envelope) {
	data := env.Data
	if data == nil {
		data = map[string]any{}
	}
	if h, ok := t.handlers[env.EventType]; ok {
		t.count(env.EventType, "handled")
		t.invoke(env.EventType, func() error { return h(ctx, data) })
		return
	}
	t.count(env.EventType, "unhandled")
	t.log.Warn("unhandled event type", zap.String("event_type", env.EventType))
	if t.unhandled == nil {
		return
	}
	t.invoke(env.EventType, func() error { return t.unhandled(ctx, env.EventType, data) })
}

func (t *Table) invoke(eventType string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			t.fail(eventType, "panic", fmt.Errorf("handler panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		t.fail(eventType, "error", err)
	}
}

func (t *Table) fail(eventType, kind string, err error) {
	t.log.Error("handler failed", zap.String("event_type", eventType), zap.Error(err))
	if t.metrics != nil {
		t.metrics.HandlerFailures.WithLabelValues(eventType, kind).Inc()
	}
}

func (t *Table) count(eventType, route string) {
	if t.metrics == nil {
		return
	}
	// Unknown types share one label to keep cardinality bounded.
	if route == "unhandled" {
		eventType = "other"
	}
	t.metrics.Inbound.WithLabelValues(eventType, route).Inc()
}
