// Package bridge is the native side of the content bridge: it decodes what the
// content sends through the exposed channel object, dispatches it on a single
// owning loop and injects replies back into the content's script context.
package bridge

import (
	"context"
	"errors"
	"html"
	"time"

	"github.com/EchoPBX/agentweb-bridge/internal/events"
	"github.com/EchoPBX/agentweb-bridge/internal/filechooser"
	"github.com/EchoPBX/agentweb-bridge/internal/monitoring"
	"github.com/EchoPBX/agentweb-bridge/internal/permission"
	"github.com/EchoPBX/agentweb-bridge/pkg/sdk"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultObjectName = "agentWebBridge"
	DefaultReceiver   = "onCallH5Message"
	DefaultCloseDelay = time.Second

	CloseValue  = "close"
	CloseReason = "user_request"
)

var ErrClosed = errors.New("bridge: closed")

// Host is the view hosting the content.
type Host interface {
	// Notify shows a short, non-fatal notice to the user.
	Notify(text string)
	// Close tears the view down.
	Close()
}

type Options struct {
	Host      Host
	Evaluator Evaluator
	System    permission.System
	Policy    permission.Policy
	Picker    filechooser.Picker
	Filter    *filechooser.Filter

	Receiver      string
	CloseDelay    time.Duration
	PickerTimeout time.Duration
	RateLimit     float64 // inbound messages per second, 0 means unlimited
	Burst         int

	Log     *zap.Logger
	Bus     sdk.Bus
	Metrics *monitoring.Metrics
	Now     func() time.Time
}

type Bridge struct {
	loop       *Loop
	table      *Table
	invoker    *Invoker
	correlator *permission.Correlator
	chooser    *filechooser.Chooser
	limiter    *rate.Limiter

	host       Host
	log        *zap.Logger
	bus        sdk.Bus
	metrics    *monitoring.Metrics
	now        func() time.Time
	closeDelay time.Duration
	notice     *bluemonday.Policy

	closing  bool
	tornDown bool
}

func New(o Options) *Bridge {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Bus == nil {
		o.Bus = events.NewBus()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.CloseDelay <= 0 {
		o.CloseDelay = DefaultCloseDelay
	}
	if o.Host == nil {
		o.Host = nopHost{}
	}
	limit := rate.Inf
	if o.RateLimit > 0 {
		limit = rate.Limit(o.RateLimit)
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}

	loop := NewLoop()
	b := &Bridge{
		loop:       loop,
		table:      NewTable(o.Log, o.Metrics),
		invoker:    NewInvoker(loop, o.Evaluator, o.Receiver, o.Log, o.Metrics),
		limiter:    rate.NewLimiter(limit, o.Burst),
		host:       o.Host,
		log:        o.Log,
		bus:        o.Bus,
		metrics:    o.Metrics,
		now:        o.Now,
		closeDelay: o.CloseDelay,
		notice:     bluemonday.StrictPolicy(),
	}
	if o.Evaluator == nil {
		b.invoker.eval = nopEvaluator{}
	}
	system := o.System
	if system == nil {
		system = denySystem{b}
	}
	b.correlator = permission.NewCorrelator(o.Policy, system, o.Log.Named("permission"))
	b.chooser = filechooser.New(filechooser.Options{
		Picker:  o.Picker,
		Filter:  o.Filter,
		Poster:  loop,
		Timeout: o.PickerTimeout,
		Notify:  b.host.Notify,
		Log:     o.Log.Named("filechooser"),
		Metrics: o.Metrics,
	})
	b.invoker.onSend = func(eventType string, data map[string]any) {
		b.publish(events.TopicOutbound, map[string]any{"eventType": eventType, "data": data})
	}
	b.correlator.OnEvent(b.permissionEvent)

	b.table.Register(sdk.EventClick, b.handleClick)
	b.table.Register(sdk.EventMessage, b.handleMessage)
	b.table.SetUnhandled(b.handleUnhandled)
	return b
}

// Run owns all bridge state until ctx ends or the bridge tears down.
func (b *Bridge) Run(ctx context.Context) { b.loop.Run(ctx) }

// Done is closed once Run has returned.
func (b *Bridge) Done() <-chan struct{} { return b.loop.Done() }

// Register adds or replaces a handler. Safe from any goroutine.
func (b *Bridge) Register(eventType string, h sdk.Handler) {
	b.loop.Post(func() { b.table.Register(eventType, h) })
}

// CallNative is the function exposed to content as <object>.callNative.
// It may be called from any goroutine.
// Clicks bypass the rate limit so a chatty page can always be closed.
func (b *Bridge) CallNative(message string) {
	env, err := sdk.Decode([]byte(message))
	if err != nil {
		b.log.Warn("bad inbound message", zap.Error(err), zap.Int("len", len(message)))
		if b.metrics != nil {
			b.metrics.DecodeFailures.Inc()
		}
		return
	}
	if env.EventType != sdk.EventClick && !b.limiter.Allow() {
		b.log.Warn("inbound message rate limited", zap.String("event_type", env.EventType))
		if b.metrics != nil {
			b.metrics.RateLimited.Inc()
		}
		return
	}
	if !b.loop.Post(func() { b.handleInbound(env) }) {
		b.log.Debug("inbound message after close dropped")
	}
}

// Send delivers an envelope to the content's receiver function.
func (b *Bridge) Send(eventType string, data map[string]any) error {
	return b.invoker.Send(eventType, data)
}

// RequestPermission handles a content permission request. After close the
// request is denied so the content is not left waiting.
func (b *Bridge) RequestPermission(req permission.Request) {
	if !b.loop.Post(func() { b.correlator.Request(req) }) {
		req.Deny()
	}
}

// SystemPermissionResult routes the system's answer back onto the loop.
func (b *Bridge) SystemPermissionResult(c permission.Capability, granted bool) {
	b.loop.Post(func() {
		if b.correlator.Resolve(c, granted) == permission.OutcomeDenied {
			b.host.Notify(DeniedNotice(c))
		}
	})
}

// DeniedNotice is what the user is told when the system refuses a
// capability a page asked for.
func DeniedNotice(c permission.Capability) string {
	switch c {
	case permission.CapabilityMicrophone:
		return "Audio permission denied, recording function unavailable"
	case permission.CapabilityCamera:
		return "Camera permission denied, video function unavailable"
	case permission.CapabilityStorage:
		return "Storage permission denied, file access unavailable"
	}
	return "Permission denied: " + string(c)
}

// ShowFileChooser delegates a content file input to the picker. cb runs on
// the loop with the selected locators, empty when nothing was chosen.
func (b *Bridge) ShowFileChooser(p filechooser.Params, cb filechooser.Callback) {
	if !b.loop.Post(func() { b.chooser.Show(p, cb) }) {
		cb([]string{})
	}
}

// Close tears the bridge down immediately.
func (b *Bridge) Close() {
	b.loop.Post(b.teardown)
}

// Do runs fn on the loop and waits for it.
func (b *Bridge) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !b.loop.Post(func() { fn(); close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-b.loop.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is a snapshot of the bridge state.
type Status struct {
	Permission        string `json:"permission"`
	PendingCapability string `json:"pendingCapability,omitempty"`
	FileChooserOpen   bool   `json:"fileChooserOpen"`
	Handlers          int    `json:"handlers"`
	Closing           bool   `json:"closing"`
}

func (b *Bridge) Status(ctx context.Context) (Status, error) {
	var s Status
	err := b.Do(ctx, func() {
		s.Permission = b.correlator.State().String()
		if c, _, ok := b.correlator.Pending(); ok {
			s.PendingCapability = string(c)
		}
		s.FileChooserOpen = b.chooser.Pending()
		s.Handlers = b.table.Len()
		s.Closing = b.closing
	})
	return s, err
}

func (b *Bridge) handleInbound(env sdk.Envelope) {
	b.log.Debug("content calling native", zap.String("event_type", env.EventType))
	b.publish(events.TopicInbound, map[string]any{"eventType": env.EventType, "data": env.Data})
	b.table.Dispatch(handlerContext{b}, env)
}

func (b *Bridge) handleClick(ctx sdk.Context, data map[string]any) error {
	ctx.Log().Debug("click event", zap.Any("data", data))
	if value, _ := data["value"].(string); value == CloseValue {
		return b.closeWeb(value)
	}
	return nil
}

func (b *Bridge) handleMessage(ctx sdk.Context, data map[string]any) error {
	ctx.Log().Debug("message event", zap.Any("data", data))
	b.publish(events.TopicMessage, data)
	return nil
}

func (b *Bridge) handleUnhandled(ctx sdk.Context, eventType string, data map[string]any) error {
	b.publish(events.TopicUnhandled, map[string]any{"eventType": eventType, "data": data})
	// Notices are plain text: strip markup, then undo the entity escaping.
	b.host.Notify(html.UnescapeString(b.notice.Sanitize("Unsupported feature: " + eventType)))
	return nil
}

// closeWeb tells the content the view is about to close, then tears down
// after the close delay.
func (b *Bridge) closeWeb(value string) error {
	if b.closing {
		b.log.Debug("close already scheduled")
		return nil
	}
	b.closing = true
	err := b.invoker.Send(sdk.EventClick, map[string]any{
		"value":     value,
		"reason":    CloseReason,
		"delay":     b.closeDelay.Milliseconds(),
		"timestamp": b.now().UnixMilli(),
	})
	b.loop.PostDelayed(b.closeDelay, b.teardown)
	return err
}

func (b *Bridge) teardown() {
	if b.tornDown {
		return
	}
	b.tornDown = true
	b.correlator.Clear()
	b.chooser.Cancel()
	b.host.Close()
	b.publish(events.TopicClosed, map[string]any{"time": b.now().Unix()})
	b.log.Info("bridge closed")
	b.loop.Stop()
}

func (b *Bridge) permissionEvent(o permission.Outcome, req permission.Request) {
	if b.metrics != nil {
		b.metrics.Permissions.WithLabelValues(string(o)).Inc()
	}
	res := make([]string, 0, len(req.Resources()))
	for _, r := range req.Resources() {
		res = append(res, string(r))
	}
	b.publish(events.TopicPermission, map[string]any{
		"request":   req.ID(),
		"outcome":   string(o),
		"resources": res,
	})
}

func (b *Bridge) publish(topic string, data map[string]any) {
	b.bus.Publish(sdk.Event{Type: topic, Data: data})
}

type handlerContext struct{ b *Bridge }

func (c handlerContext) Log() *zap.Logger { return c.b.log }
func (c handlerContext) Bus() sdk.Bus     { return c.b.bus }
func (c handlerContext) Send(eventType string, data map[string]any) error {
	return c.b.invoker.Send(eventType, data)
}

type nopEvaluator struct{}

func (nopEvaluator) Evaluate(_ string, done func(string, error)) { done("", nil) }

// denySystem answers every prompt with a denial when no system surface is wired.
type denySystem struct{ b *Bridge }

func (denySystem) Granted(permission.Capability) bool { return false }
func (s denySystem) Prompt(c permission.Capability)   { s.b.SystemPermissionResult(c, false) }

type nopHost struct{}

func (nopHost) Notify(string) {}
func (nopHost) Close()        {}
