// Package jsview runs web content headless in an embedded JavaScript engine.
// The runtime lives on one goroutine, like a page's script thread, and every
// evaluation is queued onto it.
package jsview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	ErrClosed  = errors.New("jsview: view closed")
	ErrTimeout = errors.New("jsview: script timed out")
)

type Options struct {
	// ObjectName is the global the content calls native through.
	ObjectName string
	// Timeout bounds a single evaluation. Zero means no bound.
	Timeout  time.Duration
	OnNotice func(string)
	Log      *zap.Logger
}

// View is a headless host view. It satisfies the bridge's Host and Evaluator.
type View struct {
	vm         *goja.Runtime
	jobs       chan func()
	closed     chan struct{}
	closeOnce  sync.Once
	timeout    time.Duration
	onNotice   func(string)
	log        *zap.Logger
	objectName string

	mu         sync.RWMutex
	callNative func(string)
}

func New(o Options) *View {
	if o.ObjectName == "" {
		o.ObjectName = "agentWebBridge"
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	v := &View{
		vm:         goja.New(),
		jobs:       make(chan func(), 64),
		closed:     make(chan struct{}),
		timeout:    o.Timeout,
		onNotice:   o.OnNotice,
		log:        o.Log,
		objectName: o.ObjectName,
	}
	v.setupGlobals()
	return v
}

// Attach sets where callNative messages go.
func (v *View) Attach(fn func(message string)) {
	v.mu.Lock()
	v.callNative = fn
	v.mu.Unlock()
}

func (v *View) setupGlobals() {
	_ = v.vm.Set("window", v.vm.GlobalObject())
	_ = v.vm.Set("require", goja.Undefined())

	console := v.vm.NewObject()
	_ = console.Set("log", v.consoleFunc(zap.InfoLevel))
	_ = console.Set("info", v.consoleFunc(zap.InfoLevel))
	_ = console.Set("warn", v.consoleFunc(zap.WarnLevel))
	_ = console.Set("error", v.consoleFunc(zap.ErrorLevel))
	_ = v.vm.Set("console", console)

	channel := v.vm.NewObject()
	_ = channel.Set("callNative", func(call goja.FunctionCall) goja.Value {
		msg := call.Argument(0).String()
		v.mu.RLock()
		fn := v.callNative
		v.mu.RUnlock()
		if fn == nil {
			v.log.Warn("callNative with nothing attached")
			return goja.Undefined()
		}
		fn(msg)
		return goja.Undefined()
	})
	_ = v.vm.Set(v.objectName, channel)
}

func (v *View) consoleFunc(level zapcore.Level) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		if ce := v.log.Check(level, "console"); ce != nil {
			ce.Write(zap.String("text", strings.Join(parts, " ")))
		}
		return goja.Undefined()
	}
}

// Run executes queued scripts until ctx is done or the view is closed.
func (v *View) Run(ctx context.Context) {
	for {
		select {
		case job := <-v.jobs:
			job()
		case <-ctx.Done():
			return
		case <-v.closed:
			return
		}
	}
}

// Evaluate queues script and reports its JSON-encoded result, the way a
// browser's evaluateJavascript does.
func (v *View) Evaluate(script string, done func(string, error)) {
	job := func() {
		res, err := v.run(script)
		if done != nil {
			done(res, err)
		}
	}
	select {
	case <-v.closed:
	default:
		select {
		case v.jobs <- job:
			return
		case <-v.closed:
		}
	}
	if done != nil {
		done("", ErrClosed)
	}
}

// Eval is Evaluate that waits for the result.
func (v *View) Eval(ctx context.Context, script string) (string, error) {
	type result struct {
		val string
		err error
	}
	ch := make(chan result, 1)
	v.Evaluate(script, func(val string, err error) { ch <- result{val, err} })
	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Load runs the page script.
func (v *View) Load(ctx context.Context, script string) error {
	_, err := v.Eval(ctx, script)
	return err
}

func (v *View) run(script string) (string, error) {
	if v.timeout > 0 {
		t := time.AfterFunc(v.timeout, func() { v.vm.Interrupt(ErrTimeout) })
		defer func() {
			t.Stop()
			v.vm.ClearInterrupt()
		}()
	}
	val, err := v.vm.RunString(script)
	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("jsview: %w", err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return "null", nil
	}
	b, err := json.Marshal(val.Export())
	if err != nil {
		return val.String(), nil
	}
	return string(b), nil
}

// Notify implements the bridge Host.
func (v *View) Notify(text string) {
	v.log.Info("notice", zap.String("text", text))
	if v.onNotice != nil {
		v.onNotice(text)
	}
}

// Close implements the bridge Host.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.log.Info("view closed")
		close(v.closed)
	})
}

func (v *View) Closed() <-chan struct{} { return v.closed }
