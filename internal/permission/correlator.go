package permission

import (
	"go.uber.org/zap"
)

type State int

const (
	Idle State = iota
	Pending
)

func (s State) String() string {
	if s == Pending {
		return "pending"
	}
	return "idle"
}

// Outcome describes what a Request or Resolve call did.
type Outcome string

const (
	OutcomeGranted    Outcome = "granted"
	OutcomeDenied     Outcome = "denied"
	OutcomePending    Outcome = "pending"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeIgnored    Outcome = "ignored"
)

type record struct {
	capability Capability
	req        Request
	keep       []Resource
	caps       []Capability
	satisfied  map[Capability]bool
}

// Correlator holds at most one in-flight request. It is not safe for
// concurrent use; the bridge loop owns it.
type Correlator struct {
	policy  Policy
	system  System
	log     *zap.Logger
	onEvent func(Outcome, Request)
	pending *record
}

func NewCorrelator(policy Policy, system System, log *zap.Logger) *Correlator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Correlator{policy: policy, system: system, log: log}
}

// OnEvent registers an observer for every resolution and transition.
func (c *Correlator) OnEvent(fn func(Outcome, Request)) { c.onEvent = fn }

func (c *Correlator) State() State {
	if c.pending != nil {
		return Pending
	}
	return Idle
}

// Pending returns the capability and handle of the in-flight record.
func (c *Correlator) Pending() (Capability, Request, bool) {
	if c.pending == nil {
		return "", nil, false
	}
	return c.pending.capability, c.pending.req, true
}

// Request handles a content-originated permission request.
func (c *Correlator) Request(req Request) Outcome {
	keep, caps := c.policy.plan(req.Resources())
	log := c.log.With(zap.String("request", req.ID()), zap.Any("resources", req.Resources()))
	if len(keep) == 0 {
		log.Info("permission request denied by policy")
		req.Deny()
		c.emit(OutcomeDenied, req)
		return OutcomeDenied
	}

	rec := &record{req: req, keep: keep, caps: caps, satisfied: map[Capability]bool{}}
	missing, ok := c.nextMissing(rec)
	if !ok {
		log.Debug("capabilities already held, granting")
		req.Grant(keep)
		c.emit(OutcomeGranted, req)
		return OutcomeGranted
	}

	prompt := true
	if old := c.pending; old != nil {
		c.pending = nil
		prompt = old.capability != missing
		log.Info("superseding pending permission request",
			zap.String("previous", old.req.ID()),
			zap.String("capability", string(old.capability)))
		old.req.Deny()
		c.emit(OutcomeSuperseded, old.req)
	}

	rec.capability = missing
	c.pending = rec
	log.Info("waiting for system permission", zap.String("capability", string(missing)))
	c.emit(OutcomePending, req)
	if prompt {
		c.system.Prompt(missing)
	}
	return OutcomePending
}

// Resolve applies the system's answer for a capability.
func (c *Correlator) Resolve(capability Capability, granted bool) Outcome {
	rec := c.pending
	if rec == nil {
		c.log.Debug("system permission result while idle", zap.String("capability", string(capability)))
		return OutcomeIgnored
	}
	if rec.capability != capability {
		c.log.Debug("system permission result for another capability",
			zap.String("capability", string(capability)),
			zap.String("pending", string(rec.capability)))
		return OutcomeIgnored
	}
	c.pending = nil

	log := c.log.With(zap.String("request", rec.req.ID()), zap.String("capability", string(capability)))
	if !granted {
		log.Info("system permission denied")
		rec.req.Deny()
		c.emit(OutcomeDenied, rec.req)
		return OutcomeDenied
	}

	rec.satisfied[capability] = true
	if next, ok := c.nextMissing(rec); ok {
		rec.capability = next
		c.pending = rec
		log.Info("system permission granted, next capability", zap.String("next", string(next)))
		c.emit(OutcomePending, rec.req)
		c.system.Prompt(next)
		return OutcomePending
	}
	log.Info("system permission granted")
	rec.req.Grant(rec.keep)
	c.emit(OutcomeGranted, rec.req)
	return OutcomeGranted
}

// Clear drops the pending record without resolving it. Used on teardown.
func (c *Correlator) Clear() bool {
	if c.pending == nil {
		return false
	}
	c.log.Info("dropping pending permission request", zap.String("request", c.pending.req.ID()))
	c.pending = nil
	return true
}

func (c *Correlator) nextMissing(rec *record) (Capability, bool) {
	for _, k := range rec.caps {
		if rec.satisfied[k] || c.system.Granted(k) {
			continue
		}
		return k, true
	}
	return "", false
}

func (c *Correlator) emit(o Outcome, req Request) {
	if c.onEvent != nil {
		c.onEvent(o, req)
	}
}
