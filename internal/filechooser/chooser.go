// Package filechooser delegates content file inputs to the host's native picker.
package filechooser

import (
	"context"
	"time"

	"github.com/EchoPBX/agentweb-bridge/internal/monitoring"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const NoticeUnavailable = "Cannot open file chooser"

// Params mirrors the attributes of the triggering file input.
type Params struct {
	Accept   []string `json:"accept,omitempty"`
	Multiple bool     `json:"multiple"`
}

// Picker presents the native picker and returns the selected locators.
// An empty result means the user cancelled.
type Picker interface {
	Pick(ctx context.Context, p Params) ([]string, error)
}

// Poster hands work back to the owning loop.
type Poster interface {
	Post(fn func()) bool
}

type Callback func(locators []string)

type pending struct {
	id     string
	cb     Callback
	cancel context.CancelFunc
	params Params
}

// Chooser keeps at most one outstanding callback. Show, Cancel and the
// resolution all run on the poster's goroutine.
type Chooser struct {
	picker  Picker
	filter  *Filter
	poster  Poster
	timeout time.Duration
	notify  func(string)
	log     *zap.Logger
	metrics *monitoring.Metrics
	current *pending
}

type Options struct {
	Picker  Picker
	Filter  *Filter
	Poster  Poster
	Timeout time.Duration
	Notify  func(string)
	Log     *zap.Logger
	Metrics *monitoring.Metrics
}

func New(o Options) *Chooser {
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Notify == nil {
		o.Notify = func(string) {}
	}
	return &Chooser{
		picker:  o.Picker,
		filter:  o.Filter,
		poster:  o.Poster,
		timeout: o.Timeout,
		notify:  o.Notify,
		log:     o.Log,
		metrics: o.Metrics,
	}
}

// Show starts a pick. A previous unresolved pick is resolved with no selection.
func (c *Chooser) Show(p Params, cb Callback) {
	c.Cancel()
	if c.picker == nil {
		c.log.Warn("file chooser requested without picker")
		c.count("unavailable")
		c.notify(NoticeUnavailable)
		cb([]string{})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	cur := &pending{id: uuid.NewString(), cb: cb, cancel: cancel, params: p}
	c.current = cur
	c.log.Debug("file chooser opened", zap.String("pick", cur.id), zap.Strings("accept", p.Accept))

	go func() {
		locators, err := c.picker.Pick(ctx, p)
		c.poster.Post(func() { c.finish(cur, locators, err) })
	}()
}

// Cancel resolves the outstanding pick, if any, with no selection.
func (c *Chooser) Cancel() {
	cur := c.current
	if cur == nil {
		return
	}
	c.current = nil
	cur.cancel()
	c.count("cancelled")
	cur.cb([]string{})
}

// Pending reports whether a callback is outstanding.
func (c *Chooser) Pending() bool { return c.current != nil }

func (c *Chooser) finish(cur *pending, locators []string, err error) {
	if c.current != cur {
		// Already resolved by Cancel or superseded.
		return
	}
	c.current = nil
	cur.cancel()
	if err != nil {
		c.log.Warn("file chooser failed", zap.String("pick", cur.id), zap.Error(err))
		c.count("failed")
		c.notify(NoticeUnavailable)
		cur.cb([]string{})
		return
	}
	selected := locators
	if c.filter != nil {
		selected = c.filter.Apply(locators, cur.params.Accept)
	}
	if !cur.params.Multiple && len(selected) > 1 {
		selected = selected[:1]
	}
	if selected == nil {
		selected = []string{}
	}
	if dropped := len(locators) - len(selected); dropped > 0 {
		c.log.Info("file chooser dropped selections", zap.String("pick", cur.id), zap.Int("dropped", dropped))
	}
	if len(selected) == 0 {
		c.count("empty")
	} else {
		c.count("selected")
	}
	cur.cb(selected)
}

func (c *Chooser) count(outcome string) {
	if c.metrics != nil {
		c.metrics.FileChooser.WithLabelValues(outcome).Inc()
	}
}
