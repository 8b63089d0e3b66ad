package routing

import (
	"fmt"
	"sync"
)

// InprocNetwork is the in-process transport: named mailboxes connected by
// channels. A network is an explicit handle so multiple federations in one
// process stay isolated; there is no package-level instance.
type InprocNetwork struct {
	mu        sync.RWMutex
	mailboxes map[string]*inprocMailbox
}

// NewInprocNetwork creates an empty in-process transport.
func NewInprocNetwork() *InprocNetwork {
	return &InprocNetwork{mailboxes: make(map[string]*inprocMailbox)}
}

// Adapter returns the CommsAdapter view of the network.
func (n *InprocNetwork) Adapter() CommsAdapter {
	return &inprocAdapter{net: n}
}

type inprocMailbox struct {
	name string
	recv ReceiveFunc

	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (mb *inprocMailbox) run() {
	for {
		select {
		case frame := <-mb.queue:
			mb.recv(frame)
		case <-mb.done:
			return
		}
	}
}

func (mb *inprocMailbox) Close() error {
	mb.once.Do(func() { close(mb.done) })
	return nil
}

type inprocAdapter struct {
	net *InprocNetwork
}

func (a *inprocAdapter) Scheme() string { return "inproc" }

// Listen binds a named mailbox and starts its delivery worker.
func (a *inprocAdapter) Listen(address string, recv ReceiveFunc) (Listener, error) {
	a.net.mu.Lock()
	defer a.net.mu.Unlock()
	if _, exists := a.net.mailboxes[address]; exists {
		return nil, fmt.Errorf("%w: inproc address %q in use", ErrConnectionFailure, address)
	}
	mb := &inprocMailbox{
		name:  address,
		recv:  recv,
		queue: make(chan []byte, txQueueSize),
		done:  make(chan struct{}),
	}
	a.net.mailboxes[address] = mb
	go mb.run()
	return mb, nil
}

// Dial opens a channel to a named mailbox. The mailbox must be listening.
func (a *inprocAdapter) Dial(address string) (Channel, error) {
	a.net.mu.RLock()
	mb, ok := a.net.mailboxes[address]
	a.net.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no inproc listener at %q", ErrConnectionFailure, address)
	}
	return &inprocChannel{mb: mb}, nil
}

type inprocChannel struct {
	mb *inprocMailbox
}

func (c *inprocChannel) Send(frame []byte) error {
	// There is no wire here: strip the length prefix so receivers see a frame
	// body, same as the TCP read loop produces. Copy because ownership of the
	// backing array stays with the sender's encoder.
	if len(frame) < 4 {
		return fmt.Errorf("inproc: frame shorter than its length prefix")
	}
	buf := append([]byte(nil), frame[4:]...)
	select {
	case c.mb.queue <- buf:
		return nil
	case <-c.mb.done:
		return fmt.Errorf("%w: inproc %q", ErrRouteClosed, c.mb.name)
	}
}

func (c *inprocChannel) Close() error { return nil }
