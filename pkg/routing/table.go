package routing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/fedcore/internal/logger"
	"github.com/marmos91/fedcore/internal/telemetry"
	"github.com/marmos91/fedcore/pkg/metrics"
	"github.com/marmos91/fedcore/pkg/protocol"
)

// RouteID identifies one outbound route.
type RouteID int32

// txQueueSize bounds each route's transmit queue. Enqueue blocks when full,
// applying backpressure to the producing federate worker.
const txQueueSize = 256

type route struct {
	id      RouteID
	address string
	adapter CommsAdapter

	queue chan []byte
	done  chan struct{}

	mu     sync.Mutex
	ch     Channel // established lazily by the worker
	closed bool
}

// RouteTable maps destinations to routes and drains per-route transmit
// queues. Sequence numbering for outbound control messages lives here because
// the table is the last hop that sees every message for a (source, dest)
// pair in order.
type RouteTable struct {
	mu       sync.RWMutex
	routes   map[RouteID]*route
	fedRoute map[protocol.FederateID]RouteID

	seqMu sync.Mutex
	seq   map[pairKey]uint32

	metrics metrics.FabricMetrics
	wg      sync.WaitGroup
}

type pairKey struct {
	src, dst protocol.FederateID
}

// NewRouteTable creates an empty table. Metrics may be nil.
func NewRouteTable(m metrics.FabricMetrics) *RouteTable {
	return &RouteTable{
		routes:   make(map[RouteID]*route),
		fedRoute: make(map[protocol.FederateID]RouteID),
		seq:      make(map[pairKey]uint32),
		metrics:  m,
	}
}

// AddRoute registers a route to the given endpoint address on the adapter.
// The channel is established lazily by the route worker on first transmit.
func (rt *RouteTable) AddRoute(id RouteID, adapter CommsAdapter, address string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.routes[id]; exists {
		return fmt.Errorf("routing: route %d already exists", id)
	}
	r := &route{
		id:      id,
		address: address,
		adapter: adapter,
		queue:   make(chan []byte, txQueueSize),
		done:    make(chan struct{}),
	}
	rt.routes[id] = r
	rt.wg.Add(1)
	go rt.drain(r)
	return nil
}

// BindFederate directs traffic for a destination federate onto a route.
func (rt *RouteTable) BindFederate(fed protocol.FederateID, id RouteID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.fedRoute[fed] = id
}

// RouteFor resolves the route serving a destination federate.
func (rt *RouteTable) RouteFor(fed protocol.FederateID) (RouteID, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	id, ok := rt.fedRoute[fed]
	return id, ok
}

// NextSequence stamps the outbound sequence for a (source, dest) pair.
func (rt *RouteTable) NextSequence(src, dst protocol.FederateID) uint32 {
	rt.seqMu.Lock()
	defer rt.seqMu.Unlock()
	key := pairKey{src, dst}
	rt.seq[key]++
	return rt.seq[key]
}

// Transmit serializes msg and enqueues it on the route. The message is
// stamped with the next sequence number for its (source, dest) pair unless
// the caller already set one.
func (rt *RouteTable) Transmit(id RouteID, msg *protocol.ActionMessage) error {
	rt.mu.RLock()
	r, ok := rt.routes[id]
	rt.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRoute, id)
	}

	if msg.Sequence == 0 {
		msg.Sequence = rt.NextSequence(msg.SourceID, msg.DestID)
	}

	_, span := telemetry.StartSpan(context.Background(), "routing.transmit",
		trace.WithAttributes(
			attribute.String("action", msg.Action.String()),
			attribute.Int("route", int(id)),
			attribute.Int("dest", int(msg.DestID)),
		))
	defer span.End()

	frame := msg.EncodeFrame()
	select {
	case r.queue <- frame:
	case <-r.done:
		return fmt.Errorf("%w: %d", ErrRouteClosed, id)
	}
	if rt.metrics != nil {
		rt.metrics.RecordMessageRouted(msg.Action.String(), r.address)
	}
	return nil
}

// drain is the per-route worker: establish the channel on first use, then
// forward frames in order.
func (rt *RouteTable) drain(r *route) {
	defer rt.wg.Done()
	for {
		select {
		case frame := <-r.queue:
			ch, err := rt.channel(r)
			if err != nil {
				logger.Error("Route connect failed", "route", r.id, "address", r.address, "error", err)
				rt.RemoveRoute(r.id)
				return
			}
			if err := ch.Send(frame); err != nil {
				logger.Error("Route send failed", "route", r.id, "address", r.address, "error", err)
				rt.RemoveRoute(r.id)
				return
			}
		case <-r.done:
			// Flush whatever is already queued before exiting.
			for {
				select {
				case frame := <-r.queue:
					ch, err := rt.channel(r)
					if err != nil {
						return
					}
					if err := ch.Send(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (rt *RouteTable) channel(r *route) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRouteClosed
	}
	if r.ch != nil {
		return r.ch, nil
	}
	ch, err := r.adapter.Dial(r.address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailure, r.address, err)
	}
	r.ch = ch
	logger.Debug("Route established", "route", r.id, "address", r.address)
	return ch, nil
}

// RemoveRoute tears a route down, closing its channel. Safe to call more than
// once and from route workers.
func (rt *RouteTable) RemoveRoute(id RouteID) {
	rt.mu.Lock()
	r, ok := rt.routes[id]
	if ok {
		delete(rt.routes, id)
		for fed, rid := range rt.fedRoute {
			if rid == id {
				delete(rt.fedRoute, fed)
			}
		}
	}
	rt.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.done)
		if r.ch != nil {
			_ = r.ch.Close()
		}
	}
	r.mu.Unlock()
}

// Close tears down every route and waits for the workers to exit.
func (rt *RouteTable) Close() {
	rt.mu.RLock()
	ids := make([]RouteID, 0, len(rt.routes))
	for id := range rt.routes {
		ids = append(ids, id)
	}
	rt.mu.RUnlock()
	for _, id := range ids {
		rt.RemoveRoute(id)
	}
	rt.wg.Wait()
}
