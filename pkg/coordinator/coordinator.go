// Package coordinator implements the per-federate time coordination state
// machine: the dependency table, exec-mode entry negotiation, and the grant
// predicate that decides when a federate may advance its logical clock.
//
// A TimeCoordinator is single-owner state: all methods must be called from the
// federate's worker goroutine. Outbound traffic goes through the send function
// injected at construction; the coordinator never blocks.
package coordinator

import (
	"github.com/marmos91/fedcore/pkg/fedtime"
	"github.com/marmos91/fedcore/pkg/protocol"
)

// Phase is the coordinator lifecycle phase.
type Phase uint8

const (
	PhaseCreated Phase = iota
	PhaseInitializing
	PhaseCheckingExec
	PhaseExec
	PhaseFinalize
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseInitializing:
		return "initializing"
	case PhaseCheckingExec:
		return "checking_exec"
	case PhaseExec:
		return "exec"
	case PhaseFinalize:
		return "finalize"
	case PhaseError:
		return "error"
	}
	return "unknown"
}

// Info carries the static timing properties of a federate.
type Info struct {
	// MinDelta is the minimum time between grants. It must be positive for
	// federates participating in a dependency cycle.
	MinDelta fedtime.Time

	// Period constrains grants to the grid offset + k*period. Zero disables
	// the grid.
	Period fedtime.Time

	// Offset shifts the period grid.
	Offset fedtime.Time
}

// SendFunc transmits an outbound action message. The coordinator fills in
// every field except Sequence, which the routing layer owns.
type SendFunc func(*protocol.ActionMessage)

// TimeCoordinator negotiates grantable times for one federate against its
// dependencies and dependents.
type TimeCoordinator struct {
	id   protocol.FederateID
	info Info
	send SendFunc

	deps       DependencyTable
	dependents []protocol.FederateID

	timeGranted   fedtime.Time
	timeRequested fedtime.Time
	timeNext      fedtime.Time
	timeMinDe     fedtime.Time
	timeMinminDe  fedtime.Time
	timeAllow     fedtime.Time
	timeExec      fedtime.Time
	timeMessage   fedtime.Time
	timeValue     fedtime.Time

	iteration int32
	iterating bool

	phase         Phase
	activeRequest bool
}

// New creates a coordinator for the given federate id. A non-positive MinDelta
// is raised to Epsilon so a cycle of such federates cannot stall.
func New(id protocol.FederateID, info Info, send SendFunc) *TimeCoordinator {
	if info.MinDelta <= 0 {
		info.MinDelta = fedtime.Epsilon
	}
	return &TimeCoordinator{
		id:            id,
		info:          info,
		send:          send,
		timeGranted:   fedtime.MinTime,
		timeRequested: fedtime.MaxTime,
		timeNext:      fedtime.Zero,
		timeMinDe:     fedtime.Zero,
		timeMinminDe:  fedtime.Zero,
		timeAllow:     fedtime.MinTime,
		timeExec:      fedtime.MaxTime,
		timeMessage:   fedtime.MaxTime,
		timeValue:     fedtime.MaxTime,
		phase:         PhaseCreated,
	}
}

// GrantedTime returns the most recently granted time.
func (tc *TimeCoordinator) GrantedTime() fedtime.Time { return tc.timeGranted }

// RequestedTime returns the time of the active request, MaxTime if none.
func (tc *TimeCoordinator) RequestedTime() fedtime.Time { return tc.timeRequested }

// ExecTime returns the current grant target.
func (tc *TimeCoordinator) ExecTime() fedtime.Time { return tc.timeExec }

// Phase returns the lifecycle phase.
func (tc *TimeCoordinator) Phase() Phase { return tc.phase }

// CurrentIteration returns the iteration counter at the current time point.
func (tc *TimeCoordinator) CurrentIteration() int32 { return tc.iteration }

// Dependencies exposes the dependency table for inspection.
func (tc *TimeCoordinator) Dependencies() *DependencyTable { return &tc.deps }

// Dependents returns the ids this coordinator broadcasts to.
func (tc *TimeCoordinator) Dependents() []protocol.FederateID {
	out := make([]protocol.FederateID, len(tc.dependents))
	copy(out, tc.dependents)
	return out
}

// AddDependency starts tracking fed as a time dependency. Idempotent.
func (tc *TimeCoordinator) AddDependency(fed protocol.FederateID) bool {
	return tc.deps.Add(fed)
}

// RemoveDependency stops tracking fed. If fed held a protocol minimum the
// caller should re-check the grant predicate afterwards.
func (tc *TimeCoordinator) RemoveDependency(fed protocol.FederateID) {
	if tc.deps.Remove(fed) {
		tc.updateTimeFactors()
	}
}

// AddDependent registers fed as a recipient of this coordinator's broadcasts.
// Idempotent.
func (tc *TimeCoordinator) AddDependent(fed protocol.FederateID) bool {
	for _, d := range tc.dependents {
		if d == fed {
			return false
		}
	}
	tc.dependents = append(tc.dependents, fed)
	return true
}

// RemoveDependent drops fed from the broadcast list.
func (tc *TimeCoordinator) RemoveDependent(fed protocol.FederateID) {
	for i, d := range tc.dependents {
		if d == fed {
			tc.dependents = append(tc.dependents[:i], tc.dependents[i+1:]...)
			return
		}
	}
}

// SendStatusTo replays this coordinator's current protocol state to a single
// peer. Used when a dependent is added after negotiation has started, so the
// late peer's dependency table catches up without waiting for the next
// broadcast.
func (tc *TimeCoordinator) SendStatusTo(fed protocol.FederateID) {
	base := protocol.ActionMessage{SourceID: tc.id, DestID: fed}
	switch tc.phase {
	case PhaseCheckingExec:
		msg := base
		msg.Action = protocol.ActionExecRequest
		msg.Counter = tc.iteration
		if tc.iterating {
			msg.Flags = protocol.FlagIterationRequested
		}
		tc.send(&msg)
	case PhaseExec:
		msg := base
		msg.Action = protocol.ActionTimeGrant
		msg.ActionTime = tc.timeGranted
		tc.send(&msg)
		if tc.activeRequest {
			req := base
			req.Action = protocol.ActionTimeRequest
			req.ActionTime = tc.timeExec
			req.Te = tc.timeNext
			req.Tdemin = tc.timeMinDe
			req.Counter = tc.iteration
			tc.send(&req)
		}
	}
}

// IsDependency reports whether fed is a tracked dependency.
func (tc *TimeCoordinator) IsDependency(fed protocol.FederateID) bool {
	return tc.deps.Get(fed) != nil
}

func (tc *TimeCoordinator) broadcast(msg protocol.ActionMessage) {
	msg.SourceID = tc.id
	for _, dep := range tc.dependents {
		out := msg
		out.DestID = dep
		tc.send(&out)
	}
}

func convergedFlags(c Converged) protocol.Flags {
	switch c {
	case Continue:
		return protocol.FlagIterationRequested
	case ConvergedError:
		return protocol.FlagError
	default:
		return 0
	}
}

// EnterInitializing moves the coordinator out of the created phase.
func (tc *TimeCoordinator) EnterInitializing() {
	if tc.phase == PhaseCreated {
		tc.phase = PhaseInitializing
	}
}

// EnteringExecMode broadcasts an EXEC_REQUEST to all dependents with the
// requested convergence mode and arms exec-entry checking.
func (tc *TimeCoordinator) EnteringExecMode(mode Converged) {
	if tc.phase == PhaseCheckingExec || tc.phase == PhaseExec {
		return
	}
	tc.phase = PhaseCheckingExec
	tc.iterating = mode == Continue
	tc.broadcast(protocol.ActionMessage{
		Action:  protocol.ActionExecRequest,
		Counter: tc.iteration,
		Flags:   convergedFlags(mode),
	})
}

// ProcessExecRequest applies an EXEC_REQUEST received from a dependency.
// Returns true if the message changed any dependency state.
func (tc *TimeCoordinator) ProcessExecRequest(msg *protocol.ActionMessage) bool {
	return tc.deps.Update(msg)
}

// CheckExecEntry evaluates whether the coordinator may enter the exec phase.
//
//   - Complete: every dependency reported complete at the current iteration and
//     this federate requested complete; the coordinator enters exec at Zero and
//     broadcasts EXEC_GRANT.
//   - Continue: some party requested iteration; the iteration counter advances
//     and EXEC_REQUEST is rebroadcast (this federate now reporting complete).
//   - Nonconverged: some dependency has not reported at this iteration yet.
//   - ConvergedError: a dependency reported an error; the phase becomes error.
func (tc *TimeCoordinator) CheckExecEntry() Converged {
	if tc.phase != PhaseCheckingExec {
		return Nonconverged
	}
	all, iterating, failed := tc.deps.AllConverged(tc.iteration)
	if failed {
		tc.phase = PhaseError
		return ConvergedError
	}
	if !all {
		return Nonconverged
	}
	if iterating || tc.iterating {
		tc.iteration++
		tc.iterating = false
		tc.broadcast(protocol.ActionMessage{
			Action:  protocol.ActionExecRequest,
			Counter: tc.iteration,
		})
		return Continue
	}
	tc.phase = PhaseExec
	tc.timeGranted = fedtime.Zero
	tc.timeNext = tc.info.MinDelta.RoundUp(tc.info.Period, tc.info.Offset)
	tc.broadcast(protocol.ActionMessage{
		Action:     protocol.ActionExecGrant,
		ActionTime: fedtime.Zero,
		Counter:    tc.iteration,
	})
	tc.iteration = 0
	return Complete
}

// UpdateValueTime lowers the earliest in-flight value update time.
func (tc *TimeCoordinator) UpdateValueTime(t fedtime.Time) {
	if t < tc.timeValue {
		tc.timeValue = t
	}
}

// UpdateMessageTime lowers the earliest in-flight message time.
func (tc *TimeCoordinator) UpdateMessageTime(t fedtime.Time) {
	if t < tc.timeMessage {
		tc.timeMessage = t
	}
}

// updateNextExecutionTime recomputes timeNext and timeExec from the active
// request and the earliest external events.
func (tc *TimeCoordinator) updateNextExecutionTime() {
	base := fedtime.Min(tc.timeRequested, fedtime.Min(tc.timeValue, tc.timeMessage))
	floor := tc.timeGranted.Add(tc.info.MinDelta)
	if tc.timeGranted == fedtime.MinTime {
		floor = tc.info.MinDelta
	}
	tc.timeNext = fedtime.Max(floor, base).RoundUp(tc.info.Period, tc.info.Offset)
	tc.timeExec = fedtime.Min(tc.timeRequested, tc.timeNext)
}

// TimeRequest starts negotiation toward T. The caller's earliest pending value
// and message times fold into the computation; interruptible requests may end
// up granted earlier than T when such an event precedes it.
//
// The coordinator broadcasts a TIME_REQUEST carrying its grant target, its own
// next event time, and the minimum next event time across its dependencies.
// The caller then drives CheckTimeGrant as dependency updates arrive.
func (tc *TimeCoordinator) TimeRequest(t fedtime.Time, conv Converged, newValueTime, newMessageTime fedtime.Time, flags protocol.Flags) {
	tc.UpdateValueTime(newValueTime)
	tc.UpdateMessageTime(newMessageTime)
	tc.timeRequested = t
	tc.iterating = conv == Continue
	tc.activeRequest = true
	tc.updateNextExecutionTime()
	tc.updateTimeFactors()
	tc.broadcastTimeRequest(flags)
}

func (tc *TimeCoordinator) broadcastTimeRequest(flags protocol.Flags) {
	if tc.iterating {
		flags |= protocol.FlagIterationRequested
	}
	tc.broadcast(protocol.ActionMessage{
		Action:     protocol.ActionTimeRequest,
		ActionTime: tc.timeExec,
		Te:         tc.timeNext,
		Tdemin:     tc.timeMinDe,
		Counter:    tc.iteration,
		Flags:      flags,
	})
}

// updateTimeFactors recomputes the dependency-derived minimums. Returns true
// iff either minimum (Te or Tdemin across dependencies) changed; rebroadcasting
// an active TIME_REQUEST is left to the caller.
func (tc *TimeCoordinator) updateTimeFactors() bool {
	minDe, _ := tc.deps.MinTe()
	minminDe, _ := tc.deps.MinTdemin()
	changed := minDe != tc.timeMinDe || minminDe != tc.timeMinminDe
	tc.timeMinDe = minDe
	tc.timeMinminDe = minminDe
	tc.timeAllow = fedtime.Min(minDe, minminDe.Add(fedtime.Epsilon))
	return changed
}

// ProcessTimeMessage applies a TIME_REQUEST, TIME_GRANT, or DISCONNECT
// received from a dependency and recomputes the time factors. If the
// advertised dependency minimum changed while a request is active, the request
// is rebroadcast so dependents observe the new Tdemin. Returns true if the
// message changed coordinator state.
func (tc *TimeCoordinator) ProcessTimeMessage(msg *protocol.ActionMessage) bool {
	if msg.Action == protocol.ActionDisconnect {
		if !tc.deps.Remove(msg.SourceID) {
			return false
		}
		tc.RemoveDependent(msg.SourceID)
		tc.updateTimeFactors()
		return true
	}
	if !tc.deps.Update(msg) {
		return false
	}
	if tc.updateTimeFactors() && tc.activeRequest {
		tc.broadcastTimeRequest(0)
	}
	return true
}

// CheckTimeGrant evaluates the grant predicate for the active request.
//
// Complete: every dependency's Tnext and Tdemin have reached the grant target
// and none is nonconverged. The granted time becomes min(timeExec, minimum
// dependency Tnext), pending event times reset, and a TIME_GRANT goes out to
// all dependents.
//
// Continue: the predicate holds except a party requested iteration at the
// current time point; the iteration counter advances and the request is
// rebroadcast.
//
// Nonconverged: a dependency still lags the target.
func (tc *TimeCoordinator) CheckTimeGrant() Converged {
	if !tc.activeRequest {
		return Nonconverged
	}
	iterating := tc.iterating
	for _, id := range tc.deps.IDs() {
		d := tc.deps.Get(id)
		switch d.Converged {
		case ConvergedError:
			tc.phase = PhaseError
			return ConvergedError
		case Continue:
			iterating = true
		case Nonconverged:
			return Nonconverged
		}
		if d.Tnext < tc.timeExec || d.Tdemin < tc.timeExec {
			return Nonconverged
		}
		if d.LastIteration < tc.iteration && !d.Grant {
			return Nonconverged
		}
	}
	if iterating {
		tc.iteration++
		tc.iterating = false
		tc.broadcastTimeRequest(0)
		return Continue
	}

	minNext, _ := tc.deps.MinNext()
	granted := fedtime.Min(tc.timeExec, minNext)
	if granted > tc.timeGranted || tc.timeGranted == fedtime.MinTime {
		tc.timeGranted = granted
	}
	tc.timeValue = fedtime.MaxTime
	tc.timeMessage = fedtime.MaxTime
	tc.timeRequested = fedtime.MaxTime
	tc.activeRequest = false
	tc.iteration = 0
	tc.broadcast(protocol.ActionMessage{
		Action:     protocol.ActionTimeGrant,
		ActionTime: tc.timeGranted,
	})
	return Complete
}

// ForceGrantError grants the active request at the requested time with the
// error flag set, used when the grant wait times out. Dependents observe an
// error-flagged TIME_GRANT.
func (tc *TimeCoordinator) ForceGrantError() fedtime.Time {
	tc.phase = PhaseError
	if tc.timeRequested.IsFinite() {
		tc.timeGranted = fedtime.Max(tc.timeGranted, tc.timeRequested)
	}
	tc.activeRequest = false
	tc.broadcast(protocol.ActionMessage{
		Action:     protocol.ActionTimeGrant,
		ActionTime: tc.timeGranted,
		Flags:      protocol.FlagError,
	})
	return tc.timeGranted
}

// Finalize broadcasts DISCONNECT to all dependents and moves to the finalize
// phase.
func (tc *TimeCoordinator) Finalize() {
	if tc.phase == PhaseFinalize {
		return
	}
	tc.phase = PhaseFinalize
	tc.broadcast(protocol.ActionMessage{Action: protocol.ActionDisconnect})
}
