// Package permission correlates content-originated capability requests with
// the asynchronous answer of the system permission surface.
package permission

import (
	"fmt"
	"sort"
	"strings"
)

// Resource is a content-side permission name.
type Resource string

const (
	ResourceAudioCapture     Resource = "audio-capture"
	ResourceVideoCapture     Resource = "video-capture"
	ResourceProtectedMediaID Resource = "protected-media-id"
	ResourceMIDISysex        Resource = "midi-sysex"
)

// Capability is a system-level permission category.
type Capability string

const (
	CapabilityMicrophone Capability = "microphone"
	CapabilityCamera     Capability = "camera"
	CapabilityStorage    Capability = "storage"
)

func (c Capability) Valid() bool {
	switch c {
	case CapabilityMicrophone, CapabilityCamera, CapabilityStorage:
		return true
	}
	return false
}

// Request is the handle of one content permission request. Grant and Deny are
// called at most once, by the Correlator.
type Request interface {
	ID() string
	Resources() []Resource
	Grant(resources []Resource)
	Deny()
}

// System is the host's system-level permission surface. Prompt must not block;
// the answer comes back later through Correlator.Resolve.
type System interface {
	Granted(c Capability) bool
	Prompt(c Capability)
}

type Action int

const (
	Deny Action = iota
	Allow
	Gate
)

// Decision is the policy outcome for a single resource.
type Decision struct {
	Action     Action
	Capability Capability
}

func (d Decision) String() string {
	switch d.Action {
	case Allow:
		return "allow"
	case Gate:
		return "gate:" + string(d.Capability)
	default:
		return "deny"
	}
}

// Policy maps resources to decisions. Resources without an entry are denied.
type Policy map[Resource]Decision

// DefaultPolicy gates audio capture on the microphone and lets the remaining
// web resources through, which is what the hosted page expects.
func DefaultPolicy() Policy {
	return Policy{
		ResourceAudioCapture:     {Action: Gate, Capability: CapabilityMicrophone},
		ResourceVideoCapture:     {Action: Allow},
		ResourceProtectedMediaID: {Action: Allow},
		ResourceMIDISysex:        {Action: Allow},
	}
}

// ParsePolicy reads the "allow" / "deny" / "gate:<capability>" form used in config.
func ParsePolicy(m map[string]string) (Policy, error) {
	p := make(Policy, len(m))
	for res, raw := range m {
		d, err := parseDecision(raw)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", res, err)
		}
		p[Resource(res)] = d
	}
	return p, nil
}

func parseDecision(raw string) (Decision, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch {
	case raw == "allow":
		return Decision{Action: Allow}, nil
	case raw == "deny":
		return Decision{Action: Deny}, nil
	case strings.HasPrefix(raw, "gate:"):
		c := Capability(strings.TrimPrefix(raw, "gate:"))
		if !c.Valid() {
			return Decision{}, fmt.Errorf("unknown capability %q", c)
		}
		return Decision{Action: Gate, Capability: c}, nil
	}
	return Decision{}, fmt.Errorf("unknown decision %q", raw)
}

func (p Policy) Decide(r Resource) Decision {
	if d, ok := p[r]; ok {
		return d
	}
	return Decision{Action: Deny}
}

// plan splits requested resources into the ones that may be granted and the
// capabilities they depend on (sorted, deduplicated).
func (p Policy) plan(resources []Resource) (keep []Resource, caps []Capability) {
	seen := map[Capability]bool{}
	for _, r := range resources {
		d := p.Decide(r)
		switch d.Action {
		case Allow:
			keep = append(keep, r)
		case Gate:
			keep = append(keep, r)
			if !seen[d.Capability] {
				seen[d.Capability] = true
				caps = append(caps, d.Capability)
			}
		}
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return keep, caps
}
