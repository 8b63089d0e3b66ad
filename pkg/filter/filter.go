// Package filter implements the ordered message-transform chains attached to
// endpoint boundaries.
//
// A filter is a tagged variant over a small set of kinds. Built-in non-cloning
// kinds produce zero or one message, and a custom filter returns whatever its
// operator returns; the cloning kind fans out to extra targets and
// never mutates the primary delivery path. Randomized kinds draw from a
// per-message PRNG derived from the filter seed and the message identity so
// that iteration replays reproduce identical outcomes.
package filter

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync/atomic"

	"github.com/marmos91/fedcore/pkg/fedtime"
	"github.com/marmos91/fedcore/pkg/protocol"
)

// Kind tags the filter variant.
type Kind uint8

const (
	KindCustom Kind = iota
	KindDelay
	KindRandomDelay
	KindRandomDrop
	KindReroute
	KindClone
	KindFirewall
)

var kindNames = map[Kind]string{
	KindCustom:      "custom",
	KindDelay:       "delay",
	KindRandomDelay: "random_delay",
	KindRandomDrop:  "random_drop",
	KindReroute:     "reroute",
	KindClone:       "clone",
	KindFirewall:    "firewall",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unrecognized"
}

// KindFromString parses a filter kind name; unknown names map to KindCustom
// with ok=false.
func KindFromString(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return KindCustom, false
}

// Operator processes one in-flight message and returns its outputs. A nil or
// empty result drops the message. Operators must not retain msg.
type Operator interface {
	Process(msg *protocol.ActionMessage) []*protocol.ActionMessage
}

// OperatorFunc adapts a function to the Operator interface.
type OperatorFunc func(msg *protocol.ActionMessage) []*protocol.ActionMessage

func (f OperatorFunc) Process(msg *protocol.ActionMessage) []*protocol.ActionMessage {
	return f(msg)
}

// Condition gates conditional filters such as reroute and firewall.
type Condition func(msg *protocol.ActionMessage) bool

var (
	// ErrTargetBusy is returned when removing a filter target that still has
	// messages in flight through the filter.
	ErrTargetBusy = errors.New("filter: target has messages in flight")

	// ErrUnknownProperty is returned by Set/SetString for a property the
	// filter kind does not understand.
	ErrUnknownProperty = errors.New("filter: unknown property")

	// ErrNotCloning is returned when a delivery endpoint operation is applied
	// to a non-cloning filter.
	ErrNotCloning = errors.New("filter: not a cloning filter")
)

// Filter is one element of an endpoint's source or destination chain.
type Filter struct {
	name   string
	kind   Kind
	handle protocol.InterfaceHandle

	// Parameters, meaningful per kind.
	delay     fedtime.Time
	mean      fedtime.Time
	stddev    fedtime.Time
	dropProb  float64
	target    string
	condition Condition
	custom    Operator
	seed      int64

	// deliveryEndpoints is the cloning fan-out list.
	deliveryEndpoints []string

	// inFlight counts messages delayed or cloned by this filter that have not
	// reached their destination yet. Guarded atomically because the transport layer
	// decrements from its own workers.
	inFlight atomic.Int64
}

// New creates a filter of the given kind with its default parameters.
func New(kind Kind, name string) *Filter {
	return &Filter{name: name, kind: kind, handle: protocol.InvalidHandle, seed: 1}
}

// NewCustom creates a custom filter around op.
func NewCustom(name string, op Operator) *Filter {
	f := New(KindCustom, name)
	f.custom = op
	return f
}

// Name returns the filter's registered name.
func (f *Filter) Name() string { return f.name }

// Kind returns the filter variant tag.
func (f *Filter) Kind() Kind { return f.kind }

// Handle returns the core-local interface handle, InvalidHandle until the
// filter is registered.
func (f *Filter) Handle() protocol.InterfaceHandle { return f.handle }

// SetHandle records the handle assigned at registration.
func (f *Filter) SetHandle(h protocol.InterfaceHandle) { f.handle = h }

// SetOperator installs the operator of a custom filter.
func (f *Filter) SetOperator(op Operator) { f.custom = op }

// SetCondition installs the predicate of a reroute or firewall filter.
func (f *Filter) SetCondition(c Condition) { f.condition = c }

// Set updates a numeric property. Properties by kind:
//
//	delay:        "delay" (seconds)
//	random_delay: "mean", "stddev" (seconds)
//	random_drop:  "prob"
//	any:          "seed"
func (f *Filter) Set(property string, val float64) error {
	switch property {
	case "delay":
		if f.kind != KindDelay {
			return fmt.Errorf("%w: %q on %s filter", ErrUnknownProperty, property, f.kind)
		}
		f.delay = fedtime.FromSeconds(val)
	case "mean":
		if f.kind != KindRandomDelay {
			return fmt.Errorf("%w: %q on %s filter", ErrUnknownProperty, property, f.kind)
		}
		f.mean = fedtime.FromSeconds(val)
	case "stddev":
		if f.kind != KindRandomDelay {
			return fmt.Errorf("%w: %q on %s filter", ErrUnknownProperty, property, f.kind)
		}
		f.stddev = fedtime.FromSeconds(val)
	case "prob":
		if f.kind != KindRandomDrop {
			return fmt.Errorf("%w: %q on %s filter", ErrUnknownProperty, property, f.kind)
		}
		f.dropProb = val
	case "seed":
		f.seed = int64(val)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProperty, property)
	}
	return nil
}

// SetString updates a string property. "target" names the reroute destination
// endpoint.
func (f *Filter) SetString(property, val string) error {
	switch property {
	case "target":
		if f.kind != KindReroute {
			return fmt.Errorf("%w: %q on %s filter", ErrUnknownProperty, property, f.kind)
		}
		f.target = val
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProperty, property)
	}
	return nil
}

// AddDeliveryEndpoint adds a clone fan-out destination. Only valid on cloning
// filters.
func (f *Filter) AddDeliveryEndpoint(endpoint string) error {
	if f.kind != KindClone {
		return ErrNotCloning
	}
	for _, e := range f.deliveryEndpoints {
		if e == endpoint {
			return nil
		}
	}
	f.deliveryEndpoints = append(f.deliveryEndpoints, endpoint)
	return nil
}

// RemoveDeliveryEndpoint removes a clone fan-out destination. Removal is
// rejected while any message this filter cloned is still in flight, whichever
// endpoint it was cloned toward.
func (f *Filter) RemoveDeliveryEndpoint(endpoint string) error {
	if f.kind != KindClone {
		return ErrNotCloning
	}
	if f.inFlight.Load() > 0 {
		return ErrTargetBusy
	}
	for i, e := range f.deliveryEndpoints {
		if e == endpoint {
			f.deliveryEndpoints = append(f.deliveryEndpoints[:i], f.deliveryEndpoints[i+1:]...)
			return nil
		}
	}
	return nil
}

// MessageDelivered signals that a message this filter held in flight reached
// its destination; the transport layer calls this after final delivery.
func (f *Filter) MessageDelivered() { f.inFlight.Add(-1) }

// InFlight returns the number of undelivered messages attributable to this
// filter.
func (f *Filter) InFlight() int64 { return f.inFlight.Load() }

// rng derives the per-message PRNG. Keyed by the filter seed plus the message
// identity (source, destination, iteration counter) so a replayed iteration
// draws the same values.
func (f *Filter) rng(msg *protocol.ActionMessage) *rand.Rand {
	h := fnv.New64a()
	var key [28]byte
	put32 := func(off int, v uint32) {
		key[off] = byte(v >> 24)
		key[off+1] = byte(v >> 16)
		key[off+2] = byte(v >> 8)
		key[off+3] = byte(v)
	}
	put32(0, uint32(msg.SourceID))
	put32(4, uint32(msg.DestID))
	put32(8, uint32(msg.SourceHandle))
	put32(12, uint32(msg.DestHandle))
	put32(16, uint32(msg.Counter))
	put32(20, uint32(f.seed>>32))
	put32(24, uint32(f.seed))
	h.Write(key[:])
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

// Process applies the filter to one message.
func (f *Filter) Process(msg *protocol.ActionMessage) []*protocol.ActionMessage {
	switch f.kind {
	case KindDelay:
		msg.ActionTime = msg.ActionTime.Add(f.delay)
		f.inFlight.Add(1)
		return []*protocol.ActionMessage{msg}

	case KindRandomDelay:
		d := fedtime.Time(float64(f.mean) + f.rng(msg).NormFloat64()*float64(f.stddev))
		if d < 0 {
			d = 0
		}
		msg.ActionTime = msg.ActionTime.Add(d)
		f.inFlight.Add(1)
		return []*protocol.ActionMessage{msg}

	case KindRandomDrop:
		if f.rng(msg).Float64() < f.dropProb {
			return nil
		}
		return []*protocol.ActionMessage{msg}

	case KindReroute:
		if f.condition == nil || f.condition(msg) {
			msg.Name = f.target
			msg.DestID = 0
			msg.DestHandle = 0
		}
		return []*protocol.ActionMessage{msg}

	case KindClone:
		out := make([]*protocol.ActionMessage, 0, 1+len(f.deliveryEndpoints))
		out = append(out, msg)
		for _, target := range f.deliveryEndpoints {
			clone := *msg
			clone.Payload = append([]byte(nil), msg.Payload...)
			clone.Name = target
			clone.DestID = 0
			clone.DestHandle = 0
			out = append(out, &clone)
			f.inFlight.Add(1)
		}
		return out

	case KindFirewall:
		if f.condition != nil && !f.condition(msg) {
			return nil
		}
		return []*protocol.ActionMessage{msg}

	case KindCustom:
		if f.custom == nil {
			return []*protocol.ActionMessage{msg}
		}
		return f.custom.Process(msg)
	}
	return []*protocol.ActionMessage{msg}
}
