package e2e

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/fedcore/pkg/broker"
	"github.com/marmos91/fedcore/pkg/protocol"
	"github.com/marmos91/fedcore/pkg/routing"
)

// inboxFunc adapts a function to the broker.Inbox interface.
type inboxFunc func(*protocol.ActionMessage)

func (f inboxFunc) Post(msg *protocol.ActionMessage) { f(msg) }

func TestRegisterHandshakeAndRelay(t *testing.T) {
	net := routing.NewInprocNetwork()
	adapter := net.Adapter()

	// Root broker.
	rootRoutes := routing.NewRouteTable(nil)
	defer rootRoutes.Close()
	rootCore := broker.NewCore(broker.NewRegistry(), rootRoutes, nil)
	server := broker.NewServer(rootCore, adapter, rootRoutes, "inproc://root", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ctx) }()

	// Give the listener a moment to bind before dialing.
	require.Eventually(t, func() bool {
		_, err := adapter.Dial("root")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	// A federate hosted on the root broker.
	var mu sync.Mutex
	var received []*protocol.ActionMessage
	rootCore.Attach(7, inboxFunc(func(msg *protocol.ActionMessage) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
	}))

	// Child core registers and learns its id and the federation id.
	childRoutes := routing.NewRouteTable(nil)
	defer childRoutes.Close()
	childCore := broker.NewCore(broker.NewRegistry(), childRoutes, nil)
	link, err := broker.Connect(childCore, adapter, childRoutes, "inproc://child", "inproc://root", nil, 2*time.Second)
	require.NoError(t, err)

	assert.Negative(t, int32(link.CoreID()), "core ids live in the negative space")
	assert.Equal(t, rootCore.Registry().FederationID(), link.FederationID())
	require.Eventually(t, func() bool { return server.PeerCount() == 1 }, time.Second, 5*time.Millisecond)

	// A message routed at the child for an unknown destination climbs the
	// parent route and lands in the root-hosted federate's inbox.
	childCore.Route(&protocol.ActionMessage{
		Action:     protocol.ActionTimeRequest,
		SourceID:   99,
		DestID:     7,
		ActionTime: 1,
	})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	got := received[0]
	mu.Unlock()
	assert.Equal(t, protocol.ActionTimeRequest, got.Action)
	assert.Equal(t, protocol.FederateID(7), got.DestID)

	// Clean disconnect tears the peer down on the broker side.
	require.NoError(t, link.Close())
	require.Eventually(t, func() bool { return server.PeerCount() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-serveDone)
}

func TestConnectUnsupportedTransport(t *testing.T) {
	routes := routing.NewRouteTable(nil)
	defer routes.Close()
	core := broker.NewCore(broker.NewRegistry(), routes, nil)
	_, err := broker.Connect(core, routing.NewTCPAdapter(), routes, "zmq://x:1", "tcp://127.0.0.1:1", nil, time.Second)
	require.ErrorIs(t, err, routing.ErrUnsupportedTransport)
}
