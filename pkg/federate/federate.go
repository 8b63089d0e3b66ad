// Package federate implements the interface layer simulator code talks to: a
// local value cache, subscription updates, endpoint messaging, and the
// blocking time-request entry points.
//
// Each federate owns one inbound action queue drained by a dedicated worker
// goroutine; all coordinator and cache state is touched only by that worker,
// so no locks guard federate internals. Application-thread calls communicate
// with the worker by posting action messages or closures and, for the
// blocking calls, waiting on a reply channel bounded by the configured grant
// wait.
package federate

import (
	"fmt"
	"sort"
	"time"

	"github.com/marmos91/fedcore/internal/logger"
	"github.com/marmos91/fedcore/pkg/broker"
	"github.com/marmos91/fedcore/pkg/coordinator"
	"github.com/marmos91/fedcore/pkg/fedtime"
	"github.com/marmos91/fedcore/pkg/metrics"
	"github.com/marmos91/fedcore/pkg/protocol"
)

// inboundQueueSize bounds the per-federate action queue. Posting blocks when
// full, which backpressures producers.
const inboundQueueSize = 1024

// Config carries a federate's timing and blocking parameters.
type Config struct {
	// Name is the federate's unique name within the federation.
	Name string

	// Period constrains grants to the grid Offset + k*Period. Zero disables.
	Period fedtime.Time

	// Offset shifts the period grid.
	Offset fedtime.Time

	// MinDelta is the minimum time between grants. Raised to Epsilon when
	// non-positive.
	MinDelta fedtime.Time

	// Interruptible allows grants earlier than the requested time when an
	// external event arrives first.
	Interruptible bool

	// GrantWait bounds how long RequestTime may block. Zero means no bound.
	GrantWait time.Duration

	// FinalizeWait bounds how long Finalize drains for dependent
	// acknowledgements. Zero means no bound.
	FinalizeWait time.Duration
}

// InputCallback observes input updates as they are delivered at a grant. It
// runs on the federate worker; implementations must not call back into
// blocking federate methods.
type InputCallback func(handle protocol.InterfaceHandle, at fedtime.Time)

// queueItem is either an inbound action message or a closure to run on the
// worker.
type queueItem struct {
	msg  *protocol.ActionMessage
	fn   func()
	done chan struct{}
}

type grantOutcome struct {
	granted fedtime.Time
	err     error
}

// Federate is one simulator's handle into the federation.
type Federate struct {
	id    protocol.FederateID
	name  string
	cfg   Config
	core  *broker.Core
	coord *coordinator.TimeCoordinator

	queue     chan queueItem
	stopCh    chan struct{}
	stoppedCh chan struct{}

	metrics metrics.FabricMetrics

	// Worker-owned state below; never touched from other goroutines.
	pubs      map[protocol.InterfaceHandle]*publication
	inputs    map[protocol.InterfaceHandle]*input
	endpoints map[protocol.InterfaceHandle]*endpoint

	pendingData []*protocol.ActionMessage

	execWaiter     chan grantOutcome
	grantWaiter    chan grantOutcome
	grantStart     time.Time
	finalizeWaiter chan struct{}
	finalizeAcks   map[protocol.FederateID]bool

	onInputUpdate InputCallback
}

// New registers a federate with the core's directory and starts its worker.
func New(core *broker.Core, cfg Config) (*Federate, error) {
	if cfg.MinDelta <= 0 {
		cfg.MinDelta = fedtime.Epsilon
	}
	id, err := core.Registry().RegisterFederate(cfg.Name, cfg.MinDelta)
	if err != nil {
		return nil, err
	}

	f := &Federate{
		id:        id,
		name:      cfg.Name,
		cfg:       cfg,
		core:      core,
		queue:     make(chan queueItem, inboundQueueSize),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		metrics:   metrics.NewFabricMetrics(),
		pubs:      make(map[protocol.InterfaceHandle]*publication),
		inputs:    make(map[protocol.InterfaceHandle]*input),
		endpoints: make(map[protocol.InterfaceHandle]*endpoint),
	}
	f.coord = coordinator.New(id, coordinator.Info{
		MinDelta: cfg.MinDelta,
		Period:   cfg.Period,
		Offset:   cfg.Offset,
	}, f.send)

	core.Attach(id, f)
	go f.run()
	return f, nil
}

// ID returns the federate id assigned at registration.
func (f *Federate) ID() protocol.FederateID { return f.id }

// Name returns the federate name.
func (f *Federate) Name() string { return f.name }

// Post enqueues an inbound action message. Implements broker.Inbox; safe for
// concurrent use. Ownership of the message passes on enqueue.
func (f *Federate) Post(msg *protocol.ActionMessage) {
	select {
	case f.queue <- queueItem{msg: msg}:
	case <-f.stopCh:
	}
}

// do runs fn on the worker and waits for it to complete.
func (f *Federate) do(fn func()) {
	done := make(chan struct{})
	select {
	case f.queue <- queueItem{fn: fn, done: done}:
	case <-f.stopCh:
		return
	}
	select {
	case <-done:
	case <-f.stoppedCh:
	}
}

// send is the coordinator's outbound path; it runs on the worker.
func (f *Federate) send(msg *protocol.ActionMessage) {
	f.core.Route(msg)
}

// run is the worker loop: single consumer of the inbound queue.
func (f *Federate) run() {
	defer close(f.stoppedCh)
	for {
		select {
		case item := <-f.queue:
			if item.fn != nil {
				item.fn()
				close(item.done)
			} else {
				f.dispatch(item.msg)
			}
			f.progress()
			if f.metrics != nil {
				f.metrics.SetQueueDepth(f.name, len(f.queue))
			}
		case <-f.stopCh:
			return
		}
	}
}

// dispatch applies one inbound action message to worker state.
func (f *Federate) dispatch(msg *protocol.ActionMessage) {
	switch msg.Action {
	case protocol.ActionExecRequest, protocol.ActionExecGrant:
		f.coord.ProcessExecRequest(msg)

	case protocol.ActionTimeRequest, protocol.ActionTimeGrant:
		if msg.Flags.Has(protocol.FlagError) {
			f.failWaiters(fmt.Errorf("%w: error grant from federate %d", ErrTimeCoordination, msg.SourceID))
		}
		f.coord.ProcessTimeMessage(msg)

	case protocol.ActionDisconnect:
		f.coord.ProcessTimeMessage(msg)
		// Acknowledge so the peer's finalize drain can complete.
		f.send(&protocol.ActionMessage{
			Action:   protocol.ActionDisconnectAck,
			SourceID: f.id,
			DestID:   msg.SourceID,
		})

	case protocol.ActionDisconnectAck:
		if f.finalizeAcks != nil {
			delete(f.finalizeAcks, msg.SourceID)
			if len(f.finalizeAcks) == 0 && f.finalizeWaiter != nil {
				close(f.finalizeWaiter)
				f.finalizeWaiter = nil
			}
		}

	case protocol.ActionData:
		f.bufferData(msg)
		f.coord.UpdateValueTime(msg.ActionTime)

	case protocol.ActionMessagePayload:
		f.bufferData(msg)
		f.coord.UpdateMessageTime(msg.ActionTime)

	case protocol.ActionAddDependency:
		f.coord.AddDependency(msg.SourceID)

	case protocol.ActionAddDependent:
		if f.coord.AddDependent(msg.SourceID) {
			f.coord.SendStatusTo(msg.SourceID)
		}

	case protocol.ActionError:
		f.failWaiters(fmt.Errorf("%w: federate %d reported error", ErrTimeCoordination, msg.SourceID))

	default:
		logger.Warn("Unknown action dropped", "federate", f.name, "action", msg.Action)
	}
}

// bufferData inserts a timestamped payload into the pending buffer, ordered
// by (action time, source id, source handle). Delivery happens at grant.
func (f *Federate) bufferData(msg *protocol.ActionMessage) {
	i := sort.Search(len(f.pendingData), func(i int) bool {
		p := f.pendingData[i]
		if p.ActionTime != msg.ActionTime {
			return p.ActionTime > msg.ActionTime
		}
		if p.SourceID != msg.SourceID {
			return p.SourceID > msg.SourceID
		}
		return p.SourceHandle > msg.SourceHandle
	})
	f.pendingData = append(f.pendingData, nil)
	copy(f.pendingData[i+1:], f.pendingData[i:])
	f.pendingData[i] = msg
}

// earliestPending returns the earliest pending value and message times, used
// to seed a time request.
func (f *Federate) earliestPending() (value, message fedtime.Time) {
	value, message = fedtime.MaxTime, fedtime.MaxTime
	for _, m := range f.pendingData {
		if m.Action == protocol.ActionData && m.ActionTime < value {
			value = m.ActionTime
		}
		if m.Action == protocol.ActionMessagePayload && m.ActionTime < message {
			message = m.ActionTime
		}
	}
	return value, message
}

// progress drives the exec-entry and grant predicates after every queue item.
// A Continue result re-evaluates immediately: the coordinator has advanced
// its iteration counter and rebroadcast, and peers that already granted may
// let it converge without further traffic.
func (f *Federate) progress() {
	for f.execWaiter != nil {
		switch f.coord.CheckExecEntry() {
		case coordinator.Complete:
			f.deliverPending(f.coord.GrantedTime())
			f.execWaiter <- grantOutcome{granted: f.coord.GrantedTime()}
			f.execWaiter = nil
		case coordinator.ConvergedError:
			f.execWaiter <- grantOutcome{err: ErrTimeCoordination}
			f.execWaiter = nil
		case coordinator.Continue:
			continue
		case coordinator.Nonconverged:
			return
		}
	}
	for f.grantWaiter != nil {
		switch f.coord.CheckTimeGrant() {
		case coordinator.Complete:
			granted := f.coord.GrantedTime()
			f.deliverPending(granted)
			if f.metrics != nil {
				f.metrics.RecordGrant(f.name, time.Since(f.grantStart))
			}
			f.grantWaiter <- grantOutcome{granted: granted}
			f.grantWaiter = nil
		case coordinator.ConvergedError:
			f.grantWaiter <- grantOutcome{granted: f.coord.GrantedTime(), err: ErrTimeCoordination}
			f.grantWaiter = nil
		case coordinator.Continue:
			continue
		case coordinator.Nonconverged:
			return
		}
	}
}

// deliverPending releases buffered payloads with time at or before the grant
// into input slots and endpoint queues, then refreshes staleness flags.
func (f *Federate) deliverPending(granted fedtime.Time) {
	updated := make(map[protocol.InterfaceHandle]bool)

	n := 0
	for _, msg := range f.pendingData {
		if msg.ActionTime > granted {
			f.pendingData[n] = msg
			n++
			continue
		}
		switch msg.Action {
		case protocol.ActionData:
			in, ok := f.inputs[msg.DestHandle]
			if !ok {
				logger.Warn("Data for unknown input dropped", "federate", f.name, "handle", msg.DestHandle)
				continue
			}
			in.value = msg.Payload
			in.lastUpdate = msg.ActionTime
			in.hasValue = true
			in.updated = true
			updated[in.handle] = true
			if f.onInputUpdate != nil {
				f.onInputUpdate(in.handle, msg.ActionTime)
			}
		case protocol.ActionMessagePayload:
			ep, ok := f.endpoints[msg.DestHandle]
			if !ok {
				logger.Warn("Message for unknown endpoint dropped", "federate", f.name, "handle", msg.DestHandle)
				continue
			}
			ep.inbox = append(ep.inbox, Message{
				Source:  msg.SourceID,
				Time:    msg.ActionTime,
				Payload: msg.Payload,
			})
			f.core.MessageDelivered(msg.SourceHandle)
		}
	}
	f.pendingData = f.pendingData[:n]

	// Updates not refreshed by this grant go stale once time moves past them.
	for _, in := range f.inputs {
		if in.updated && !updated[in.handle] && granted > in.lastUpdate {
			in.updated = false
		}
	}
}

// failWaiters unblocks any blocked caller with err.
func (f *Federate) failWaiters(err error) {
	if f.execWaiter != nil {
		f.execWaiter <- grantOutcome{err: err}
		f.execWaiter = nil
	}
	if f.grantWaiter != nil {
		f.grantWaiter <- grantOutcome{granted: f.coord.GrantedTime(), err: err}
		f.grantWaiter = nil
	}
}

// EnterInitializingMode moves the federate out of the created phase.
// Registrations and initialization publishes happen here.
func (f *Federate) EnterInitializingMode() {
	f.do(func() { f.coord.EnterInitializing() })
}

// EnterExecutingMode negotiates exec entry with every dependency and blocks
// until the federation converges at iteration 0 (or a later iteration if any
// party requested one). On return the granted time is time zero.
func (f *Federate) EnterExecutingMode() error {
	return f.enterExec(coordinator.Complete)
}

// EnterExecutingModeIterative is the iterating variant: the federate itself
// requests another negotiation round at time zero before converging.
func (f *Federate) EnterExecutingModeIterative() error {
	return f.enterExec(coordinator.Continue)
}

func (f *Federate) enterExec(mode coordinator.Converged) error {
	ch := make(chan grantOutcome, 1)
	f.do(func() {
		if f.coord.Phase() == coordinator.PhaseExec {
			ch <- grantOutcome{granted: f.coord.GrantedTime()}
			return
		}
		f.coord.EnterInitializing()
		f.coord.EnteringExecMode(mode)
		f.execWaiter = ch
	})
	out := <-ch
	return out.err
}

// RequestTime asks to advance to t and blocks until the federation grants a
// time. The grant may be earlier than t when the request is interruptible and
// an external event precedes it. Exceeding the configured grant wait yields
// an error grant at the requested time and a DISCONNECT broadcast.
func (f *Federate) RequestTime(t fedtime.Time) (fedtime.Time, error) {
	return f.requestTime(t, coordinator.Complete)
}

// RequestTimeIterative re-negotiates at the current time point before
// advancing: dependents observe one extra iteration at the same timestamp.
func (f *Federate) RequestTimeIterative(t fedtime.Time) (fedtime.Time, error) {
	return f.requestTime(t, coordinator.Continue)
}

func (f *Federate) requestTime(t fedtime.Time, conv coordinator.Converged) (fedtime.Time, error) {
	ch := make(chan grantOutcome, 1)
	var phaseErr error
	var lastGranted fedtime.Time
	f.do(func() {
		lastGranted = f.coord.GrantedTime()
		if f.coord.Phase() != coordinator.PhaseExec {
			phaseErr = fmt.Errorf("%w: requestTime in phase %s", ErrWrongPhase, f.coord.Phase())
			return
		}
		var flags protocol.Flags
		if f.cfg.Interruptible {
			flags |= protocol.FlagInterruptible
		}
		value, message := f.earliestPending()
		f.coord.TimeRequest(t, conv, value, message, flags)
		f.grantWaiter = ch
		f.grantStart = time.Now()
	})
	if phaseErr != nil {
		return lastGranted, phaseErr
	}

	var timeout <-chan time.Time
	if f.cfg.GrantWait > 0 {
		timer := time.NewTimer(f.cfg.GrantWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case out := <-ch:
		return out.granted, out.err
	case <-timeout:
		var forced fedtime.Time
		f.do(func() {
			if f.grantWaiter == nil {
				return
			}
			f.grantWaiter = nil
			forced = f.coord.ForceGrantError()
			f.coord.Finalize()
		})
		// The grant may have raced the timeout; prefer the real outcome.
		select {
		case out := <-ch:
			return out.granted, out.err
		default:
		}
		return forced, ErrGrantTimeout
	}
}

// GrantedTime returns the most recent granted time.
func (f *Federate) GrantedTime() fedtime.Time {
	var t fedtime.Time
	f.do(func() { t = f.coord.GrantedTime() })
	return t
}

// Finalize broadcasts DISCONNECT, drains acknowledgements from dependents
// (bounded by FinalizeWait), detaches from the core, and stops the worker.
func (f *Federate) Finalize() error {
	ackCh := make(chan struct{})
	f.do(func() {
		deps := f.coord.Dependents()
		f.finalizeAcks = make(map[protocol.FederateID]bool, len(deps))
		for _, d := range deps {
			f.finalizeAcks[d] = true
		}
		f.coord.Finalize()
		if len(f.finalizeAcks) == 0 {
			close(ackCh)
			return
		}
		f.finalizeWaiter = ackCh
	})

	var err error
	if f.cfg.FinalizeWait > 0 {
		select {
		case <-ackCh:
		case <-time.After(f.cfg.FinalizeWait):
			err = ErrFinalizeTimeout
		}
	} else {
		<-ackCh
	}

	f.core.Detach(f.id)
	f.core.Registry().RemoveFederate(f.id)
	close(f.stopCh)
	<-f.stoppedCh
	return err
}

// SetInputCallback installs the update observer invoked during delivery.
// Must be called before entering executing mode.
func (f *Federate) SetInputCallback(cb InputCallback) {
	f.do(func() { f.onInputUpdate = cb })
}
