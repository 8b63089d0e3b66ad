package broker

import (
	"fmt"
	"sync"

	"github.com/marmos91/fedcore/internal/logger"
	"github.com/marmos91/fedcore/pkg/filter"
	"github.com/marmos91/fedcore/pkg/metrics"
	"github.com/marmos91/fedcore/pkg/protocol"
	"github.com/marmos91/fedcore/pkg/routing"
)

// Inbox posts an action message into a federate's inbound queue. It must be
// safe for concurrent use; ownership of the message passes on enqueue.
type Inbox interface {
	Post(msg *protocol.ActionMessage)
}

// Core is the process-local coordinator: it hosts federates, resolves
// publication fan-out through the registry, applies endpoint filter chains,
// and forwards traffic for non-local destinations over the route table.
type Core struct {
	registry *Registry
	routes   *routing.RouteTable
	metrics  metrics.FabricMetrics

	mu           sync.RWMutex
	inboxes      map[protocol.FederateID]Inbox
	defaultRoute routing.RouteID
	hasDefault   bool

	// endpoint filter chains, keyed by the endpoint's global handle.
	sourceFilters map[protocol.GlobalHandle]*filter.Pipeline
	destFilters   map[protocol.GlobalHandle]*filter.Pipeline
}

// NewCore creates a core over the given registry. Routes and metrics may be
// nil for purely in-process federations.
func NewCore(reg *Registry, routes *routing.RouteTable, m metrics.FabricMetrics) *Core {
	c := &Core{
		registry:      reg,
		routes:        routes,
		metrics:       m,
		inboxes:       make(map[protocol.FederateID]Inbox),
		sourceFilters: make(map[protocol.GlobalHandle]*filter.Pipeline),
		destFilters:   make(map[protocol.GlobalHandle]*filter.Pipeline),
	}
	reg.OnLink(c.wireLink)
	return c
}

// wireLink installs the time-dependency edge behind a fired data link: the
// input's owner must wait on the publication's owner. The edge is pushed to
// both coordinators as fabric control messages so each mutation happens on
// the owning federate's worker.
func (c *Core) wireLink(e LinkEvent) {
	pub, ok := c.registry.LookupHandle(e.Publication)
	if !ok {
		return
	}
	input, ok := c.registry.LookupHandle(e.Input)
	if !ok {
		return
	}
	if pub.Owner == input.Owner {
		// A federate reading its own publication imposes no cross-federate
		// time constraint.
		return
	}
	if err := c.registry.RegisterDependency(input.Owner, pub.Owner); err != nil {
		logger.Error("Dependency rejected", "publication", pub.Name, "input", input.Name, "error", err)
		return
	}
	c.Route(&protocol.ActionMessage{
		Action:   protocol.ActionAddDependent,
		SourceID: input.Owner,
		DestID:   pub.Owner,
	})
	c.Route(&protocol.ActionMessage{
		Action:   protocol.ActionAddDependency,
		SourceID: pub.Owner,
		DestID:   input.Owner,
	})
}

// Registry exposes the federation directory.
func (c *Core) Registry() *Registry { return c.registry }

// Query answers the broker query surface (federation_state, publications,
// inputs, endpoints, federates).
func (c *Core) Query(q string) (any, error) { return c.registry.Query(q) }

// Attach registers a federate's inbox for local delivery.
func (c *Core) Attach(fed protocol.FederateID, inbox Inbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inboxes[fed] = inbox
	if c.metrics != nil {
		c.metrics.SetActiveFederates(len(c.inboxes))
	}
}

// Detach removes a federate's inbox, typically at finalize.
func (c *Core) Detach(fed protocol.FederateID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inboxes, fed)
	if c.metrics != nil {
		c.metrics.SetActiveFederates(len(c.inboxes))
	}
}

// SetDefaultRoute directs traffic for unknown destinations up to the parent
// broker. Child cores call this after the REGISTER handshake.
func (c *Core) SetDefaultRoute(id routing.RouteID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultRoute = id
	c.hasDefault = true
}

// inbox resolves a local federate's queue.
func (c *Core) inbox(fed protocol.FederateID) (Inbox, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	in, ok := c.inboxes[fed]
	return in, ok
}

// Route delivers one action message: locally attached destinations get a
// queue post, everything else goes out the route table. Unroutable messages
// are dropped with a log line; the coordinator protocol tolerates gaps by
// timestamp reconciliation.
func (c *Core) Route(msg *protocol.ActionMessage) {
	if in, ok := c.inbox(msg.DestID); ok {
		in.Post(msg)
		return
	}
	if c.routes != nil {
		routeID, ok := c.routes.RouteFor(msg.DestID)
		if !ok {
			c.mu.RLock()
			routeID, ok = c.defaultRoute, c.hasDefault
			c.mu.RUnlock()
		}
		if ok {
			if err := c.routes.Transmit(routeID, msg); err != nil {
				logger.Error("Transmit failed", "dest", msg.DestID, "action", msg.Action, "error", err)
			}
			return
		}
	}
	logger.Warn("No route to destination", "dest", msg.DestID, "action", msg.Action)
}

// Publish fans a DATA message out to every input linked to the publication.
// Delivery order among equal-time updates is fixed downstream by (source id,
// source handle) ordering in the federate queue drain.
func (c *Core) Publish(src protocol.FederateID, pub protocol.GlobalHandle, msg *protocol.ActionMessage) error {
	info, ok := c.registry.LookupHandle(pub)
	if !ok || info.Kind != KindPublication {
		return fmt.Errorf("%w: %v is not a publication", ErrInvalidHandle, pub)
	}
	if info.Owner != src {
		return fmt.Errorf("%w: %v not owned by federate %d", ErrInvalidHandle, pub, src)
	}
	for _, target := range c.registry.Targets(pub) {
		tinfo, ok := c.registry.LookupHandle(target)
		if !ok {
			continue
		}
		out := *msg
		out.Action = protocol.ActionData
		out.SourceID = src
		out.SourceHandle = pub.Handle
		out.DestID = tinfo.Owner
		out.DestHandle = target.Handle
		out.Payload = append([]byte(nil), msg.Payload...)
		c.Route(&out)
	}
	return nil
}

// RegisterFilter attaches a filter to an endpoint's source or destination
// chain. Chains are only mutated between time steps.
func (c *Core) RegisterFilter(endpoint protocol.GlobalHandle, f *filter.Filter, destination bool) error {
	info, ok := c.registry.LookupHandle(endpoint)
	if !ok || info.Kind != KindEndpoint {
		return fmt.Errorf("%w: %v is not an endpoint", ErrInvalidHandle, endpoint)
	}
	reg, err := c.registry.RegisterInterface(info.Owner, KindFilter, f.Name(), "", "")
	if err != nil {
		return err
	}
	f.SetHandle(reg.Global.Handle)

	c.mu.Lock()
	defer c.mu.Unlock()
	chains := c.sourceFilters
	if destination {
		chains = c.destFilters
	}
	p, ok := chains[endpoint]
	if !ok {
		p = &filter.Pipeline{}
		chains[endpoint] = p
	}
	p.Append(f)
	return nil
}

// SendMessage routes an endpoint-to-endpoint MESSAGE through the source
// endpoint's filter chain, resolves the destination by name, then applies the
// destination chain. Filters may retime, drop, clone, or reroute.
func (c *Core) SendMessage(src protocol.FederateID, from protocol.GlobalHandle, destName string, msg *protocol.ActionMessage) error {
	info, ok := c.registry.LookupHandle(from)
	if !ok || info.Kind != KindEndpoint {
		return fmt.Errorf("%w: %v is not an endpoint", ErrInvalidHandle, from)
	}
	if info.Owner != src {
		return fmt.Errorf("%w: %v not owned by federate %d", ErrInvalidHandle, from, src)
	}
	msg.Action = protocol.ActionMessagePayload
	msg.SourceID = src
	msg.SourceHandle = from.Handle
	msg.Name = destName

	outputs := []*protocol.ActionMessage{msg}
	c.mu.RLock()
	chain := c.sourceFilters[from]
	c.mu.RUnlock()
	if chain != nil {
		outputs = chain.Apply(msg)
	}

	for _, out := range outputs {
		if err := c.deliverMessage(out); err != nil {
			return err
		}
	}
	return nil
}

// deliverMessage resolves a MESSAGE destination by name and pushes the
// message through the destination endpoint's filter chain before routing.
func (c *Core) deliverMessage(msg *protocol.ActionMessage) error {
	dest, ok := c.registry.Lookup(msg.Name)
	if !ok || dest.Kind != KindEndpoint {
		return fmt.Errorf("%w: endpoint %q", ErrUnknownTarget, msg.Name)
	}

	c.mu.RLock()
	chain := c.destFilters[dest.Global]
	c.mu.RUnlock()

	outputs := []*protocol.ActionMessage{msg}
	if chain != nil {
		outputs = chain.Apply(msg)
		if outputs == nil {
			return nil
		}
	}
	for _, out := range outputs {
		// A destination filter may have rerouted to yet another endpoint.
		if out.Name != msg.Name && out.DestHandle == 0 {
			if err := c.deliverMessage(out); err != nil {
				return err
			}
			continue
		}
		out.DestID = dest.Owner
		out.DestHandle = dest.Global.Handle
		c.Route(out)
	}
	return nil
}

// MessageDelivered notifies the filter chains attached to the source endpoint
// handle that one of their in-flight messages reached its destination, so
// in-flight accounting stays balanced. Called by the federate layer when a
// MESSAGE lands in an endpoint queue.
func (c *Core) MessageDelivered(sourceHandle protocol.InterfaceHandle) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for ep, chain := range c.sourceFilters {
		if ep.Handle != sourceHandle {
			continue
		}
		for _, f := range chain.Filters() {
			if f.InFlight() > 0 {
				f.MessageDelivered()
			}
		}
	}
}
