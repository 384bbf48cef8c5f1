package hostview

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/EchoPBX/agentweb-bridge/internal/bridge"
	"github.com/EchoPBX/agentweb-bridge/internal/config"
	"github.com/EchoPBX/agentweb-bridge/internal/events"
	"github.com/EchoPBX/agentweb-bridge/internal/filechooser"
	"github.com/EchoPBX/agentweb-bridge/internal/launcher"
	"github.com/EchoPBX/agentweb-bridge/internal/monitoring"
	"github.com/EchoPBX/agentweb-bridge/internal/permission"
	"github.com/EchoPBX/agentweb-bridge/internal/syspermission"
	"github.com/EchoPBX/agentweb-bridge/pkg/sdk"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	readLimit  = 1 << 20
)

var (
	ErrEvaluateTimeout = errors.New("hostview: evaluate timed out")
	ErrSessionClosed   = errors.New("hostview: session closed")
)

// Deps are shared by every session.
type Deps struct {
	Cfg      *config.Config
	Store    *syspermission.Store
	Resolver *launcher.Resolver
	Policy   permission.Policy
	Filter   *filechooser.Filter
	Log      *zap.Logger
	Bus      sdk.Bus
	Metrics  *monitoring.Metrics
	Registry *Registry
}

// Launch is what the view asked to open.
type Launch struct {
	URL   string
	Token string
}

type pickResult struct {
	uris []string
	err  error
}

// Session is one connected view. It is the bridge's Host, Evaluator and file
// Picker, and the Prompter of its system permission surface.
type Session struct {
	id          string
	conn        *websocket.Conn
	log         *zap.Logger
	out         chan Frame
	done        chan struct{}
	stopOnce    sync.Once
	closeOnce   sync.Once
	evalTimeout time.Duration

	mu    sync.Mutex
	evals map[string]func(string, error)
	picks map[string]chan pickResult

	bridge  *bridge.Bridge
	surface *syspermission.Surface
}

// Serve runs a session until the view disconnects or the bridge closes.
func Serve(ctx context.Context, conn *websocket.Conn, launch Launch, d Deps) {
	s := &Session{
		id:          uuid.NewString(),
		conn:        conn,
		out:         make(chan Frame, 256),
		done:        make(chan struct{}),
		evalTimeout: d.Cfg.Bridge.EvaluateTimeout,
		evals:       make(map[string]func(string, error)),
		picks:       make(map[string]chan pickResult),
	}
	s.log = d.Log.With(zap.String("session", s.id))
	s.surface = syspermission.NewSurface(d.Store, s, s.log.Named("syspermission"))
	s.bridge = bridge.New(bridge.Options{
		Host:          s,
		Evaluator:     s,
		System:        s.surface,
		Policy:        d.Policy,
		Picker:        s,
		Filter:        d.Filter,
		Receiver:      d.Cfg.Bridge.Receiver,
		CloseDelay:    d.Cfg.Bridge.CloseDelay,
		PickerTimeout: d.Cfg.Files.PickerTimeout,
		RateLimit:     d.Cfg.Bridge.RateLimit,
		Burst:         d.Cfg.Bridge.Burst,
		Log:           s.log.Named("bridge"),
		Bus:           d.Bus,
		Metrics:       d.Metrics,
	})
	s.surface.SetSink(s.bridge.SystemPermissionResult)

	if d.Metrics != nil {
		d.Metrics.Sessions.Inc()
		defer d.Metrics.Sessions.Dec()
	}
	if d.Registry != nil {
		d.Registry.add(s)
		defer d.Registry.remove(s)
	}

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.bridge.Run(bctx)
	go s.writer()

	res := d.Resolver.Resolve(ctx, launch.URL, launch.Token)
	s.log.Info("view connected", zap.String("url", res.URL))
	s.enqueue(Frame{Op: OpLoad, URL: res.URL})
	if res.Notice != "" {
		s.Notify(res.Notice)
	}
	if d.Bus != nil {
		d.Bus.Publish(sdk.Event{Type: events.TopicSession, Data: map[string]any{"session": s.id, "url": res.URL}})
	}
	s.surface.Sweep(capabilities(d.Cfg.Permissions.Startup), func(allGranted bool) {
		s.Notify(syspermission.SweepNotice(allGranted))
	})

	s.readLoop()

	s.bridge.Close()
	select {
	case <-s.bridge.Done():
	case <-time.After(writeWait):
	}
	s.stop()
	s.failPending()
	s.log.Info("view disconnected")
}

func (s *Session) ID() string { return s.id }

// Status snapshots the session's bridge.
func (s *Session) Status(ctx context.Context) (bridge.Status, error) {
	return s.bridge.Status(ctx)
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("view read", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handle(f)
	}
}

func (s *Session) handle(f Frame) {
	switch f.Op {
	case OpCallNative:
		s.bridge.CallNative(f.Message)
	case OpEvaluateResult:
		s.mu.Lock()
		done, ok := s.evals[f.ID]
		delete(s.evals, f.ID)
		s.mu.Unlock()
		if !ok {
			return
		}
		if f.Error != "" {
			done("", errors.New(f.Error))
			return
		}
		done(f.Result, nil)
	case OpPermissionRequest:
		res := make([]permission.Resource, 0, len(f.Resources))
		for _, r := range f.Resources {
			res = append(res, permission.Resource(r))
		}
		s.bridge.RequestPermission(&viewRequest{s: s, id: f.ID, resources: res})
	case OpSystemPromptResult:
		granted := f.Granted != nil && *f.Granted
		s.surface.Report(permission.Capability(f.Capability), granted)
	case OpFileChooser:
		id := f.ID
		s.bridge.ShowFileChooser(filechooser.Params{Accept: f.Accept, Multiple: f.Multiple}, func(uris []string) {
			s.enqueue(Frame{Op: OpFileChosen, ID: id, URIs: uris})
		})
	case OpFilePicked:
		s.mu.Lock()
		ch, ok := s.picks[f.ID]
		delete(s.picks, f.ID)
		s.mu.Unlock()
		if !ok {
			return
		}
		var err error
		if f.Error != "" {
			err = errors.New(f.Error)
		}
		ch <- pickResult{uris: f.URIs, err: err}
	default:
		s.log.Debug("unknown frame", zap.String("op", f.Op))
	}
}

func (s *Session) writer() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case f := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.log.Debug("view write", zap.Error(err))
				s.stop()
				return
			}
			if f.Op == OpClose {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed"),
					time.Now().Add(writeWait))
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.stop()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) enqueue(f Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// failPending resolves evaluations and picks that will never get an answer.
func (s *Session) failPending() {
	s.mu.Lock()
	evals, picks := s.evals, s.picks
	s.evals = map[string]func(string, error){}
	s.picks = map[string]chan pickResult{}
	s.mu.Unlock()
	for _, done := range evals {
		done("", ErrSessionClosed)
	}
	for _, ch := range picks {
		ch <- pickResult{err: ErrSessionClosed}
	}
}

// Notify implements bridge.Host.
func (s *Session) Notify(text string) {
	s.enqueue(Frame{Op: OpNotice, Text: text})
}

// Close implements bridge.Host: the view is told to close and the socket is
// shut once the frame is written.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.log.Info("closing view")
		s.enqueue(Frame{Op: OpClose})
	})
}

// Evaluate implements bridge.Evaluator.
func (s *Session) Evaluate(script string, done func(string, error)) {
	id := uuid.NewString()
	var once sync.Once
	finish := func(result string, err error) { once.Do(func() { done(result, err) }) }

	s.mu.Lock()
	s.evals[id] = finish
	s.mu.Unlock()

	if s.evalTimeout > 0 {
		time.AfterFunc(s.evalTimeout, func() {
			s.mu.Lock()
			_, pending := s.evals[id]
			delete(s.evals, id)
			s.mu.Unlock()
			if pending {
				finish("", ErrEvaluateTimeout)
			}
		})
	}
	if !s.enqueue(Frame{Op: OpEvaluate, ID: id, Script: script}) {
		s.mu.Lock()
		delete(s.evals, id)
		s.mu.Unlock()
		finish("", ErrSessionClosed)
	}
}

// Pick implements filechooser.Picker by asking the view to show its picker.
func (s *Session) Pick(ctx context.Context, p filechooser.Params) ([]string, error) {
	id := uuid.NewString()
	ch := make(chan pickResult, 1)
	s.mu.Lock()
	s.picks[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.picks, id)
		s.mu.Unlock()
	}()

	if !s.enqueue(Frame{Op: OpPickFile, ID: id, Accept: p.Accept, Multiple: p.Multiple}) {
		return nil, ErrSessionClosed
	}
	select {
	case r := <-ch:
		return r.uris, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// PromptCapability implements syspermission.Prompter.
func (s *Session) PromptCapability(c permission.Capability) {
	s.enqueue(Frame{Op: OpSystemPrompt, Capability: string(c)})
}

type viewRequest struct {
	s         *Session
	id        string
	resources []permission.Resource
}

func (r *viewRequest) ID() string                       { return r.id }
func (r *viewRequest) Resources() []permission.Resource { return r.resources }

func (r *viewRequest) Grant(res []permission.Resource) {
	names := make([]string, 0, len(res))
	for _, x := range res {
		names = append(names, string(x))
	}
	r.s.enqueue(Frame{Op: OpPermissionResolved, ID: r.id, Granted: boolPtr(true), Resources: names})
}

func (r *viewRequest) Deny() {
	r.s.enqueue(Frame{Op: OpPermissionResolved, ID: r.id, Granted: boolPtr(false)})
}

func capabilities(names []string) []permission.Capability {
	out := make([]permission.Capability, 0, len(names))
	for _, n := range names {
		out = append(out, permission.Capability(n))
	}
	return out
}
