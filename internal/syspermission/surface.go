package syspermission

import (
	"context"
	"sync"
	"time"

	"github.com/EchoPBX/agentweb-bridge/internal/permission"
	"go.uber.org/zap"
)

// Prompter shows the system grant/deny prompt. It must not block; the answer
// is delivered through Surface.Report.
type Prompter interface {
	PromptCapability(c permission.Capability)
}

// Surface implements permission.System on top of a Store and a Prompter for
// one host view.
// Startup sweep summaries shown to the user.
const (
	NoticeAllGranted = "All permissions granted"
	NoticeSomeDenied = "Some permissions denied, certain features may not work properly"
)

type Surface struct {
	store    *Store
	prompter Prompter
	sink     func(permission.Capability, bool)
	log      *zap.Logger

	mu    sync.Mutex
	sweep *sweep
}

// sweep tracks the answers a startup sweep is still waiting for.
type sweep struct {
	waiting    map[permission.Capability]bool
	allGranted bool
	done       func(allGranted bool)
}

func NewSurface(store *Store, prompter Prompter, log *zap.Logger) *Surface {
	if log == nil {
		log = zap.NewNop()
	}
	return &Surface{store: store, prompter: prompter, log: log}
}

// SetSink sets where answers are forwarded, normally Bridge.SystemPermissionResult.
func (s *Surface) SetSink(fn func(permission.Capability, bool)) { s.sink = fn }

func (s *Surface) Granted(c permission.Capability) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := s.store.Granted(ctx, c)
	if err != nil {
		s.log.Warn("grant lookup failed", zap.String("capability", string(c)), zap.Error(err))
		return false
	}
	return ok
}

func (s *Surface) Prompt(c permission.Capability) {
	if s.prompter == nil {
		// Nobody was asked, so nothing is persisted.
		s.log.Warn("no prompter, denying", zap.String("capability", string(c)))
		go s.answer(c, false)
		return
	}
	s.log.Info("prompting for system permission", zap.String("capability", string(c)))
	s.prompter.PromptCapability(c)
}

// Report records the user's answer and forwards it. Callable from any goroutine.
func (s *Surface) Report(c permission.Capability, granted bool) {
	if !c.Valid() {
		s.log.Warn("answer for unknown capability ignored", zap.String("capability", string(c)))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.Set(ctx, c, granted); err != nil {
		s.log.Warn("persist grant failed", zap.String("capability", string(c)), zap.Error(err))
	}
	s.answer(c, granted)
}

func (s *Surface) answer(c permission.Capability, granted bool) {
	s.settle(c, granted)
	if s.sink != nil {
		s.sink(c, granted)
	}
}

// settle counts an answer against the running sweep and fires its summary
// once the last prompted capability is answered.
func (s *Surface) settle(c permission.Capability, granted bool) {
	s.mu.Lock()
	sw := s.sweep
	if sw == nil || !sw.waiting[c] {
		s.mu.Unlock()
		return
	}
	delete(sw.waiting, c)
	sw.allGranted = sw.allGranted && granted
	finished := len(sw.waiting) == 0
	if finished {
		s.sweep = nil
	}
	s.mu.Unlock()

	if finished && sw.done != nil {
		s.log.Info("startup permissions answered", zap.Bool("all_granted", sw.allGranted))
		sw.done(sw.allGranted)
	}
}

// Sweep prompts for every capability in caps that is not granted yet and
// returns the ones it prompted for. done, if set, runs once all of them are
// answered; it does not run when nothing needed asking.
func (s *Surface) Sweep(caps []permission.Capability, done func(allGranted bool)) []permission.Capability {
	var asked []permission.Capability
	seen := map[permission.Capability]bool{}
	for _, c := range caps {
		if !c.Valid() || seen[c] || s.Granted(c) {
			continue
		}
		seen[c] = true
		asked = append(asked, c)
	}
	if len(asked) == 0 {
		return nil
	}
	s.mu.Lock()
	s.sweep = &sweep{waiting: seen, allGranted: true, done: done}
	s.mu.Unlock()
	for _, c := range asked {
		s.Prompt(c)
	}
	return asked
}

// SweepNotice turns a sweep summary into the notice shown to the user.
func SweepNotice(allGranted bool) string {
	if allGranted {
		return NoticeAllGranted
	}
	return NoticeSomeDenied
}
