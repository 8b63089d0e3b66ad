package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/fedcore/internal/logger"
	"github.com/marmos91/fedcore/pkg/metrics"
	"github.com/marmos91/fedcore/pkg/protocol"
	"github.com/marmos91/fedcore/pkg/routing"
)

// Server is the broker's transport face: it listens on one endpoint, runs the
// REGISTER handshake with child cores, and relays frames between cores by
// destination id.
//
// The handshake: a child sends REGISTER with its own listen endpoint in the
// Name field; the server assigns it a core id from the negative space, adds a
// return route to the child's endpoint, and replies with REGISTER_ACK
// carrying the assigned id and the federation id. On DISCONNECT the return
// route is torn down.
type Server struct {
	core     *Core
	registry *Registry
	adapter  routing.CommsAdapter
	routes   *routing.RouteTable
	endpoint string
	metrics  metrics.FabricMetrics

	mu        sync.Mutex
	listener  routing.Listener
	nextRoute routing.RouteID
	peerRoute map[protocol.FederateID]routing.RouteID
	started   bool
}

// NewServer creates a broker server. The route table must be the same one the
// core transmits on.
func NewServer(core *Core, adapter routing.CommsAdapter, routes *routing.RouteTable, endpoint string, m metrics.FabricMetrics) *Server {
	return &Server{
		core:      core,
		registry:  core.Registry(),
		adapter:   adapter,
		routes:    routes,
		endpoint:  endpoint,
		metrics:   m,
		nextRoute: 1,
		peerRoute: make(map[protocol.FederateID]routing.RouteID),
	}
}

// Serve binds the endpoint and blocks until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ep, err := routing.ParseEndpoint(s.endpoint)
	if err != nil {
		return err
	}

	receiver := routing.NewReceiver(s.endpoint, s.metrics, s.dispatch, nil)
	ln, err := s.adapter.Listen(ep.Address, receiver.HandleFrame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.started = true
	s.mu.Unlock()

	logger.Info("Broker listening", "endpoint", s.endpoint, "federation", s.registry.FederationID())
	<-ctx.Done()
	return s.Stop(context.Background())
}

// Stop closes the listener. Idempotent and safe to call concurrently with
// Serve.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	return s.listener.Close()
}

// PeerCount returns the number of registered child cores.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peerRoute)
}

// dispatch handles one decoded inbound frame.
func (s *Server) dispatch(msg *protocol.ActionMessage) {
	switch msg.Action {
	case protocol.ActionRegister:
		s.handleRegister(msg)
	case protocol.ActionDisconnect:
		s.handleDisconnect(msg)
		// Also deliver to a local destination, if one is addressed.
		if msg.DestID != 0 {
			s.core.Route(msg)
		}
	default:
		s.core.Route(msg)
	}
}

func (s *Server) handleRegister(msg *protocol.ActionMessage) {
	ep, err := routing.ParseEndpoint(msg.Name)
	if err != nil {
		logger.Warn("REGISTER with bad return endpoint", "endpoint", msg.Name, "error", err)
		return
	}
	coreID := s.registry.AllocateCoreID()

	s.mu.Lock()
	routeID := s.nextRoute
	s.nextRoute++
	s.peerRoute[coreID] = routeID
	s.mu.Unlock()

	if err := s.routes.AddRoute(routeID, s.adapter, ep.Address); err != nil {
		logger.Error("Return route failed", "core", coreID, "endpoint", msg.Name, "error", err)
		return
	}
	s.routes.BindFederate(coreID, routeID)
	logger.Info("Core registered", "core", coreID, "endpoint", msg.Name)

	ack := &protocol.ActionMessage{
		Action:   protocol.ActionRegisterAck,
		SourceID: -1,
		DestID:   coreID,
		Name:     s.registry.FederationID(),
	}
	if err := s.routes.Transmit(routeID, ack); err != nil {
		logger.Error("REGISTER_ACK transmit failed", "core", coreID, "error", err)
	}
}

func (s *Server) handleDisconnect(msg *protocol.ActionMessage) {
	if !msg.SourceID.IsBroker() {
		return
	}
	s.mu.Lock()
	routeID, ok := s.peerRoute[msg.SourceID]
	if ok {
		delete(s.peerRoute, msg.SourceID)
	}
	s.mu.Unlock()
	if ok {
		// Acknowledge before the return route goes away.
		_ = s.routes.Transmit(routeID, &protocol.ActionMessage{
			Action:   protocol.ActionDisconnectAck,
			SourceID: -1,
			DestID:   msg.SourceID,
		})
		s.routes.RemoveRoute(routeID)
		logger.Info("Core disconnected", "core", msg.SourceID)
	}
}

// Link is the child-core side of the handshake: it listens on its own
// endpoint, registers with the parent broker, and directs unknown
// destinations up the parent route.
type Link struct {
	core     *Core
	adapter  routing.CommsAdapter
	routes   *routing.RouteTable
	endpoint string

	mu       sync.Mutex
	listener routing.Listener

	coreID       protocol.FederateID
	federationID string
	acked        chan struct{}
	ackOnce      sync.Once
}

// parentRouteID is the fixed slot the parent broker occupies in a child
// core's route table.
const parentRouteID routing.RouteID = 0

// Connect performs the REGISTER handshake with the parent broker at
// parentEndpoint, listening for return traffic on ownEndpoint. It blocks
// until the broker acknowledges or the timeout elapses.
func Connect(core *Core, adapter routing.CommsAdapter, routes *routing.RouteTable, ownEndpoint, parentEndpoint string, m metrics.FabricMetrics, timeout time.Duration) (*Link, error) {
	ownEP, err := routing.ParseEndpoint(ownEndpoint)
	if err != nil {
		return nil, err
	}
	parentEP, err := routing.ParseEndpoint(parentEndpoint)
	if err != nil {
		return nil, err
	}

	l := &Link{
		core:     core,
		adapter:  adapter,
		routes:   routes,
		endpoint: ownEndpoint,
		coreID:   protocol.InvalidFederateID,
		acked:    make(chan struct{}),
	}

	receiver := routing.NewReceiver(ownEndpoint, m, l.dispatch, func() {
		l.Close()
	})
	ln, err := adapter.Listen(ownEP.Address, receiver.HandleFrame)
	if err != nil {
		return nil, err
	}
	l.listener = ln

	if err := routes.AddRoute(parentRouteID, adapter, parentEP.Address); err != nil {
		_ = ln.Close()
		return nil, err
	}
	core.SetDefaultRoute(parentRouteID)

	register := &protocol.ActionMessage{
		Action: protocol.ActionRegister,
		Name:   ownEndpoint,
	}
	if err := routes.Transmit(parentRouteID, register); err != nil {
		_ = ln.Close()
		return nil, err
	}

	select {
	case <-l.acked:
		return l, nil
	case <-time.After(timeout):
		_ = ln.Close()
		return nil, fmt.Errorf("%w: broker did not acknowledge within %s", routing.ErrConnectionFailure, timeout)
	}
}

// dispatch handles frames arriving from the parent broker.
func (l *Link) dispatch(msg *protocol.ActionMessage) {
	switch msg.Action {
	case protocol.ActionRegisterAck:
		l.mu.Lock()
		l.coreID = msg.DestID
		l.federationID = msg.Name
		l.mu.Unlock()
		l.ackOnce.Do(func() { close(l.acked) })
	case protocol.ActionDisconnectAck:
		// Shutdown acknowledgement; nothing to deliver.
	default:
		l.core.Route(msg)
	}
}

// CoreID returns the broker-assigned core id.
func (l *Link) CoreID() protocol.FederateID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.coreID
}

// FederationID returns the federation id learned from the broker.
func (l *Link) FederationID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.federationID
}

// Close sends DISCONNECT to the parent and tears down the link.
func (l *Link) Close() error {
	l.mu.Lock()
	id := l.coreID
	ln := l.listener
	l.mu.Unlock()

	if id != protocol.InvalidFederateID {
		_ = l.routes.Transmit(parentRouteID, &protocol.ActionMessage{
			Action:   protocol.ActionDisconnect,
			SourceID: id,
		})
	}
	l.routes.RemoveRoute(parentRouteID)
	if ln != nil {
		return ln.Close()
	}
	return nil
}
