package federate

import (
	"fmt"

	"github.com/marmos91/fedcore/pkg/broker"
	"github.com/marmos91/fedcore/pkg/fedtime"
	"github.com/marmos91/fedcore/pkg/filter"
	"github.com/marmos91/fedcore/pkg/protocol"
)

// publication is the worker-side record of a registered publication.
type publication struct {
	handle protocol.InterfaceHandle
	global protocol.GlobalHandle
	name   string
	typ    string
	units  string
}

// input holds the single-slot value cache of an input or subscription.
type input struct {
	handle protocol.InterfaceHandle
	global protocol.GlobalHandle
	name   string
	typ    string
	units  string

	value      []byte
	defValue   []byte
	hasValue   bool
	updated    bool
	lastUpdate fedtime.Time
}

// endpoint accumulates delivered messages in arrival (time) order.
type endpoint struct {
	handle protocol.InterfaceHandle
	global protocol.GlobalHandle
	name   string
	typ    string

	inbox []Message
}

// Message is one delivered endpoint message.
type Message struct {
	Source  protocol.FederateID
	Time    fedtime.Time
	Payload []byte
}

// RegisterPublication registers a federate-local publication; its directory
// key is prefixed with the federate name.
func (f *Federate) RegisterPublication(name, typ, units string) (protocol.InterfaceHandle, error) {
	return f.registerPublication(name, typ, units, false)
}

// RegisterGlobalPublication registers a publication under its exact name.
func (f *Federate) RegisterGlobalPublication(name, typ, units string) (protocol.InterfaceHandle, error) {
	return f.registerPublication(name, typ, units, true)
}

func (f *Federate) registerPublication(name, typ, units string, global bool) (protocol.InterfaceHandle, error) {
	reg := f.core.Registry()
	qualified, err := reg.QualifyName(f.id, name, global)
	if err != nil {
		return protocol.InvalidHandle, err
	}
	info, err := reg.RegisterInterface(f.id, broker.KindPublication, qualified, typ, units)
	if err != nil {
		return protocol.InvalidHandle, err
	}
	f.do(func() {
		f.pubs[info.Global.Handle] = &publication{
			handle: info.Global.Handle,
			global: info.Global,
			name:   qualified,
			typ:    typ,
			units:  units,
		}
	})
	return info.Global.Handle, nil
}

// RegisterSubscription creates an anonymous input wired to the named
// publication. The subscription resolves lazily if the publication has not
// been registered yet.
func (f *Federate) RegisterSubscription(target, units string) (protocol.InterfaceHandle, error) {
	reg := f.core.Registry()
	info, err := reg.RegisterInterface(f.id, broker.KindInput, "", "", units)
	if err != nil {
		return protocol.InvalidHandle, err
	}
	f.addInput(info.Global, target, "", units)
	if err := reg.Subscribe(info.Global, target); err != nil {
		return protocol.InvalidHandle, err
	}
	return info.Global.Handle, nil
}

// RegisterInput registers a named input; targets attach via AddTarget or
// broker data links. The directory key is prefixed with the federate name.
func (f *Federate) RegisterInput(name, typ string) (protocol.InterfaceHandle, error) {
	return f.registerInput(name, typ, false)
}

// RegisterGlobalInput registers an input under its exact name.
func (f *Federate) RegisterGlobalInput(name, typ string) (protocol.InterfaceHandle, error) {
	return f.registerInput(name, typ, true)
}

func (f *Federate) registerInput(name, typ string, global bool) (protocol.InterfaceHandle, error) {
	reg := f.core.Registry()
	qualified, err := reg.QualifyName(f.id, name, global)
	if err != nil {
		return protocol.InvalidHandle, err
	}
	info, err := reg.RegisterInterface(f.id, broker.KindInput, qualified, typ, "")
	if err != nil {
		return protocol.InvalidHandle, err
	}
	f.addInput(info.Global, qualified, typ, "")
	reg.NotifyInputRegistered(info.Global)
	return info.Global.Handle, nil
}

func (f *Federate) addInput(global protocol.GlobalHandle, name, typ, units string) {
	f.do(func() {
		f.inputs[global.Handle] = &input{
			handle:     global.Handle,
			global:     global,
			name:       name,
			typ:        typ,
			units:      units,
			lastUpdate: fedtime.MinTime,
		}
	})
}

// AddTarget wires an existing input to an additional publication by name.
func (f *Federate) AddTarget(handle protocol.InterfaceHandle, pubName string) error {
	var global protocol.GlobalHandle
	found := false
	f.do(func() {
		if in, ok := f.inputs[handle]; ok {
			global = in.global
			found = true
		}
	})
	if !found {
		return fmt.Errorf("%w: input %d", ErrInvalidHandle, handle)
	}
	return f.core.Registry().Subscribe(global, pubName)
}

// RegisterEndpoint registers a message endpoint under its exact name.
func (f *Federate) RegisterEndpoint(name, typ string) (protocol.InterfaceHandle, error) {
	info, err := f.core.Registry().RegisterInterface(f.id, broker.KindEndpoint, name, typ, "")
	if err != nil {
		return protocol.InvalidHandle, err
	}
	f.do(func() {
		f.endpoints[info.Global.Handle] = &endpoint{
			handle: info.Global.Handle,
			global: info.Global,
			name:   name,
			typ:    typ,
		}
	})
	return info.Global.Handle, nil
}

// RegisterFilter attaches a filter to one of this federate's endpoints.
// destination selects the arrival-side chain; otherwise the filter applies
// when messages leave the endpoint.
func (f *Federate) RegisterFilter(endpointHandle protocol.InterfaceHandle, flt *filter.Filter, destination bool) error {
	var global protocol.GlobalHandle
	found := false
	f.do(func() {
		if ep, ok := f.endpoints[endpointHandle]; ok {
			global = ep.global
			found = true
		}
	})
	if !found {
		return fmt.Errorf("%w: endpoint %d", ErrInvalidHandle, endpointHandle)
	}
	return f.core.RegisterFilter(global, flt, destination)
}

// stamp returns the event timestamp for outbound traffic: the granted time,
// clamped to time zero before exec.
func (f *Federate) stamp() fedtime.Time {
	if g := f.coord.GrantedTime(); g.IsFinite() && g > fedtime.Zero {
		return g
	}
	return fedtime.Zero
}

// Publish sends bytes on a publication. The update carries the federate's
// current granted time and reaches subscribers at their next grant at or
// after that time.
func (f *Federate) Publish(handle protocol.InterfaceHandle, data []byte) error {
	var err error
	f.do(func() {
		pub, ok := f.pubs[handle]
		if !ok {
			err = fmt.Errorf("%w: publication %d", ErrInvalidHandle, handle)
			return
		}
		msg := &protocol.ActionMessage{
			ActionTime: f.stamp(),
			Payload:    data,
		}
		err = f.core.Publish(f.id, pub.global, msg)
	})
	return err
}

// SetDefault seeds an input's value before any update arrives.
func (f *Federate) SetDefault(handle protocol.InterfaceHandle, data []byte) error {
	var err error
	f.do(func() {
		in, ok := f.inputs[handle]
		if !ok {
			err = fmt.Errorf("%w: input %d", ErrInvalidHandle, handle)
			return
		}
		in.defValue = data
	})
	return err
}

// GetValue returns the input's current value and clears its updated flag.
// Before the first update the default value (if set) is returned.
func (f *Federate) GetValue(handle protocol.InterfaceHandle) ([]byte, error) {
	var out []byte
	var err error
	f.do(func() {
		in, ok := f.inputs[handle]
		if !ok {
			err = fmt.Errorf("%w: input %d", ErrInvalidHandle, handle)
			return
		}
		in.updated = false
		if in.hasValue {
			out = in.value
			return
		}
		out = in.defValue
	})
	return out, err
}

// IsUpdated reports whether the input received an update that has not been
// read yet and has not gone stale.
func (f *Federate) IsUpdated(handle protocol.InterfaceHandle) bool {
	var updated bool
	f.do(func() {
		if in, ok := f.inputs[handle]; ok {
			updated = in.updated
		}
	})
	return updated
}

// GetLastUpdateTime returns the timestamp of the input's last delivered
// update, MinTime if none arrived yet.
func (f *Federate) GetLastUpdateTime(handle protocol.InterfaceHandle) fedtime.Time {
	t := fedtime.MinTime
	f.do(func() {
		if in, ok := f.inputs[handle]; ok {
			t = in.lastUpdate
		}
	})
	return t
}

// SendMessage routes payload from one of this federate's endpoints to the
// named destination endpoint, through any filter chains on the way.
func (f *Federate) SendMessage(from protocol.InterfaceHandle, dest string, payload []byte) error {
	var err error
	f.do(func() {
		ep, ok := f.endpoints[from]
		if !ok {
			err = fmt.Errorf("%w: endpoint %d", ErrInvalidHandle, from)
			return
		}
		msg := &protocol.ActionMessage{
			ActionTime: f.stamp(),
			Payload:    payload,
		}
		err = f.core.SendMessage(f.id, ep.global, dest, msg)
	})
	return err
}

// HasMessage reports whether the endpoint has undelivered messages.
func (f *Federate) HasMessage(handle protocol.InterfaceHandle) bool {
	var has bool
	f.do(func() {
		if ep, ok := f.endpoints[handle]; ok {
			has = len(ep.inbox) > 0
		}
	})
	return has
}

// ReceiveMessage pops the oldest delivered message from an endpoint.
func (f *Federate) ReceiveMessage(handle protocol.InterfaceHandle) (Message, error) {
	var out Message
	var err error
	f.do(func() {
		ep, ok := f.endpoints[handle]
		if !ok {
			err = fmt.Errorf("%w: endpoint %d", ErrInvalidHandle, handle)
			return
		}
		if len(ep.inbox) == 0 {
			err = ErrNoMessage
			return
		}
		out = ep.inbox[0]
		ep.inbox = ep.inbox[1:]
	})
	return out, err
}
