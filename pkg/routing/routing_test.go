package routing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/fedcore/pkg/fedtime"
	"github.com/marmos91/fedcore/pkg/protocol"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		scheme  string
		address string
		err     error
	}{
		{"tcp://localhost:9500", "tcp", "localhost:9500", nil},
		{"inproc://broker-1", "inproc", "broker-1", nil},
		{"zmq://host:5555", "", "", ErrUnsupportedTransport},
		{"mpi://0:1", "", "", ErrUnsupportedTransport},
		{"ipc://name", "", "", ErrUnsupportedTransport},
		{"ftp://x", "", "", ErrUnsupportedTransport},
		{"garbage", "", "", ErrConnectionFailure},
	}
	for _, tt := range tests {
		ep, err := ParseEndpoint(tt.in)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("ParseEndpoint(%q) error = %v, want %v", tt.in, err, tt.err)
			}
			continue
		}
		if err != nil || ep.Scheme != tt.scheme || ep.Address != tt.address {
			t.Errorf("ParseEndpoint(%q) = %+v, %v", tt.in, ep, err)
		}
	}
}

// collect gathers decoded messages delivered through a Receiver.
type collect struct {
	mu   sync.Mutex
	msgs []*protocol.ActionMessage
}

func (c *collect) recv(m *protocol.ActionMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collect) wait(t *testing.T, n int) []*protocol.ActionMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]*protocol.ActionMessage(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("timed out waiting for %d messages, have %d", n, len(c.msgs))
	return nil
}

func TestInprocRoundTrip(t *testing.T) {
	net := NewInprocNetwork()
	adapter := net.Adapter()

	var got collect
	rc := NewReceiver("inproc://a", nil, got.recv, nil)
	ln, err := adapter.Listen("a", rc.HandleFrame)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	rt := NewRouteTable(nil)
	defer rt.Close()
	if err := rt.AddRoute(1, adapter, "a"); err != nil {
		t.Fatal(err)
	}

	msg := &protocol.ActionMessage{
		Action:     protocol.ActionTimeRequest,
		SourceID:   1,
		DestID:     2,
		ActionTime: fedtime.FromSeconds(1),
	}
	if err := rt.Transmit(1, msg); err != nil {
		t.Fatal(err)
	}

	msgs := got.wait(t, 1)
	if msgs[0].Action != protocol.ActionTimeRequest || msgs[0].ActionTime != fedtime.FromSeconds(1) {
		t.Errorf("received %+v", msgs[0])
	}
	if msgs[0].Sequence == 0 {
		t.Error("transmit should stamp a sequence")
	}
}

func TestInprocOrderPreserved(t *testing.T) {
	net := NewInprocNetwork()
	adapter := net.Adapter()

	var got collect
	rc := NewReceiver("inproc://b", nil, got.recv, nil)
	ln, err := adapter.Listen("b", rc.HandleFrame)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	rt := NewRouteTable(nil)
	defer rt.Close()
	if err := rt.AddRoute(1, adapter, "b"); err != nil {
		t.Fatal(err)
	}

	const n = 50
	for i := 0; i < n; i++ {
		msg := &protocol.ActionMessage{
			Action:   protocol.ActionTimeRequest,
			SourceID: 1,
			DestID:   2,
			Counter:  int32(i),
		}
		if err := rt.Transmit(1, msg); err != nil {
			t.Fatal(err)
		}
	}
	msgs := got.wait(t, n)
	for i, m := range msgs {
		if m.Counter != int32(i) {
			t.Fatalf("message %d has counter %d, order broken", i, m.Counter)
		}
	}
}

func TestTCPRoundTrip(t *testing.T) {
	adapter := NewTCPAdapter()

	var got collect
	rc := NewReceiver("tcp", nil, got.recv, nil)
	ln, err := adapter.Listen("127.0.0.1:0", rc.HandleFrame)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	address := ln.(*tcpListener).ln.Addr().String()

	rt := NewRouteTable(nil)
	defer rt.Close()
	if err := rt.AddRoute(7, adapter, address); err != nil {
		t.Fatal(err)
	}

	msg := &protocol.ActionMessage{
		Action:   protocol.ActionData,
		SourceID: 1,
		DestID:   2,
		Payload:  []byte("payload"),
	}
	if err := rt.Transmit(7, msg); err != nil {
		t.Fatal(err)
	}
	msgs := got.wait(t, 1)
	if string(msgs[0].Payload) != "payload" {
		t.Errorf("payload = %q", msgs[0].Payload)
	}
}

func TestReceiverDedup(t *testing.T) {
	var got collect
	rc := NewReceiver("test", nil, got.recv, nil)

	msg := &protocol.ActionMessage{
		Action:   protocol.ActionTimeRequest,
		SourceID: 1,
		DestID:   2,
		Sequence: 5,
	}
	rc.HandleFrame(msg.Encode())
	rc.HandleFrame(msg.Encode())
	if len(got.msgs) != 1 {
		t.Errorf("duplicate control frame delivered %d times", len(got.msgs))
	}

	// Data frames are never deduplicated.
	data := &protocol.ActionMessage{
		Action:   protocol.ActionData,
		SourceID: 1,
		DestID:   2,
		Sequence: 5,
	}
	rc.HandleFrame(data.Encode())
	rc.HandleFrame(data.Encode())
	if len(got.msgs) != 3 {
		t.Errorf("data frames delivered %d times, want both accepted", len(got.msgs)-1)
	}
}

func TestReceiverViolationTeardown(t *testing.T) {
	var got collect
	torn := 0
	rc := NewReceiver("test", nil, got.recv, func() { torn++ })

	// Advance the pair sequence, then regress it repeatedly.
	fresh := &protocol.ActionMessage{Action: protocol.ActionTimeRequest, SourceID: 1, DestID: 2, Sequence: 10}
	rc.HandleFrame(fresh.Encode())

	stale := &protocol.ActionMessage{Action: protocol.ActionTimeRequest, SourceID: 1, DestID: 2, Sequence: 3}
	for i := 0; i < violationLimit; i++ {
		rc.HandleFrame(stale.Encode())
	}
	if torn != 1 {
		t.Errorf("teardown fired %d times, want once at the limit", torn)
	}
	if len(got.msgs) != 1 {
		t.Errorf("stale frames should not be delivered, got %d", len(got.msgs))
	}
}

func TestReceiverBadFrames(t *testing.T) {
	var got collect
	torn := false
	rc := NewReceiver("test", nil, got.recv, func() { torn = true })

	rc.HandleFrame([]byte{9, 0, 0}) // bad version
	rc.HandleFrame([]byte{})        // short
	rc.HandleFrame([]byte{1, 0})    // short
	if !torn {
		t.Error("repeated violations should trigger teardown")
	}
	if len(got.msgs) != 0 {
		t.Errorf("bad frames delivered: %d", len(got.msgs))
	}
}

func TestTransmitUnknownRoute(t *testing.T) {
	rt := NewRouteTable(nil)
	defer rt.Close()
	err := rt.Transmit(99, &protocol.ActionMessage{Action: protocol.ActionData})
	if !errors.Is(err, ErrUnknownRoute) {
		t.Errorf("want ErrUnknownRoute, got %v", err)
	}
}

func TestBindFederate(t *testing.T) {
	rt := NewRouteTable(nil)
	defer rt.Close()
	rt.BindFederate(4, 2)
	if id, ok := rt.RouteFor(4); !ok || id != 2 {
		t.Errorf("RouteFor = %d, %v", id, ok)
	}
	if _, ok := rt.RouteFor(5); ok {
		t.Error("unbound federate should not resolve")
	}
}
