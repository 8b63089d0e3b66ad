package coordinator

import (
	"sort"

	"github.com/marmos91/fedcore/pkg/fedtime"
	"github.com/marmos91/fedcore/pkg/protocol"
)

// Converged describes the convergence state a peer reports during exec entry
// and time negotiation.
type Converged uint8

const (
	// Nonconverged means the peer has not reached agreement at the current
	// iteration.
	Nonconverged Converged = iota

	// Continue means the peer (or one of its parties) requested another
	// iteration at the same logical time.
	Continue

	// Complete means the peer agrees and will not iterate further.
	Complete

	// ConvergedError means the peer reported an error state.
	ConvergedError
)

func (c Converged) String() string {
	switch c {
	case Nonconverged:
		return "nonconverged"
	case Continue:
		return "continue"
	case Complete:
		return "complete"
	case ConvergedError:
		return "error"
	}
	return "unknown"
}

// DependencyInfo is the per-peer view of the time protocol: the last times and
// convergence state the peer advertised.
type DependencyInfo struct {
	ID protocol.FederateID

	// Tnext is the next time at which the peer can produce events.
	Tnext fedtime.Time

	// Te is the peer's own next event time.
	Te fedtime.Time

	// Tdemin is the minimum Te across the peer's dependencies.
	Tdemin fedtime.Time

	// MinFed is set to InvalidFederateID when the peer is added and is not
	// updated from peer messages, which carry no such field. The peer that
	// produced a table-wide minimum, ties going to the smaller id, is the
	// second result of MinNext, MinTe and MinTdemin.
	MinFed protocol.FederateID

	// Grant is set when the peer has issued a grant at Tnext.
	Grant bool

	Converged     Converged
	LastIteration int32
}

// DependencyTable tracks the peers a federate is temporally dependent on.
//
// The table is a flat slice kept sorted by peer id; federations are small
// (typically under 32 peers) so binary search beats a map on both lookup and
// iteration.
type DependencyTable struct {
	deps []DependencyInfo
}

// Len returns the number of tracked dependencies.
func (dt *DependencyTable) Len() int { return len(dt.deps) }

// IDs returns the tracked peer ids in ascending order.
func (dt *DependencyTable) IDs() []protocol.FederateID {
	ids := make([]protocol.FederateID, len(dt.deps))
	for i := range dt.deps {
		ids[i] = dt.deps[i].ID
	}
	return ids
}

func (dt *DependencyTable) search(id protocol.FederateID) int {
	return sort.Search(len(dt.deps), func(i int) bool { return dt.deps[i].ID >= id })
}

// Get returns the record for id, or nil if id is not a dependency.
func (dt *DependencyTable) Get(id protocol.FederateID) *DependencyInfo {
	i := dt.search(id)
	if i < len(dt.deps) && dt.deps[i].ID == id {
		return &dt.deps[i]
	}
	return nil
}

// Add inserts a new dependency record. It is idempotent: adding a peer that is
// already tracked returns false and leaves the record untouched.
func (dt *DependencyTable) Add(id protocol.FederateID) bool {
	i := dt.search(id)
	if i < len(dt.deps) && dt.deps[i].ID == id {
		return false
	}
	dt.deps = append(dt.deps, DependencyInfo{})
	copy(dt.deps[i+1:], dt.deps[i:])
	dt.deps[i] = DependencyInfo{
		ID:     id,
		Tnext:  fedtime.Zero,
		Te:     fedtime.Zero,
		Tdemin: fedtime.Zero,
		MinFed: protocol.InvalidFederateID,
	}
	return true
}

// Remove drops the record for id, returning false if it was not present.
func (dt *DependencyTable) Remove(id protocol.FederateID) bool {
	i := dt.search(id)
	if i >= len(dt.deps) || dt.deps[i].ID != id {
		return false
	}
	dt.deps = append(dt.deps[:i], dt.deps[i+1:]...)
	return true
}

// Update applies a received time or exec message to the sender's record.
// Returns false when the sender is not a tracked dependency.
func (dt *DependencyTable) Update(msg *protocol.ActionMessage) bool {
	d := dt.Get(msg.SourceID)
	if d == nil {
		return false
	}
	switch msg.Action {
	case protocol.ActionTimeRequest:
		d.Tnext = msg.ActionTime
		d.Te = msg.Te
		d.Tdemin = msg.Tdemin
		d.Grant = false
		d.Converged = convergedFromFlags(msg.Flags)
		d.LastIteration = msg.Counter
	case protocol.ActionTimeGrant:
		d.Tnext = msg.ActionTime
		d.Te = msg.ActionTime
		d.Tdemin = msg.ActionTime
		d.Grant = true
		d.Converged = Complete
		if msg.Flags.Has(protocol.FlagError) {
			d.Converged = ConvergedError
		}
		d.LastIteration = msg.Counter
	case protocol.ActionExecRequest:
		d.Converged = convergedFromFlags(msg.Flags)
		d.Grant = false
		d.LastIteration = msg.Counter
	case protocol.ActionExecGrant:
		// The peer has entered exec; it cannot iterate anymore.
		d.Converged = Complete
		d.Grant = true
		d.LastIteration = msg.Counter
	default:
		return false
	}
	return true
}

func convergedFromFlags(f protocol.Flags) Converged {
	switch {
	case f.Has(protocol.FlagError):
		return ConvergedError
	case f.Has(protocol.FlagIterationRequested):
		return Continue
	default:
		return Complete
	}
}

// MinNext returns the minimum Tnext across all dependencies and the peer that
// holds it. Ties go to the numerically smaller federate id. An empty table
// returns MaxTime.
func (dt *DependencyTable) MinNext() (fedtime.Time, protocol.FederateID) {
	return dt.minOf(func(d *DependencyInfo) fedtime.Time { return d.Tnext })
}

// MinTe returns the minimum next event time across all dependencies.
func (dt *DependencyTable) MinTe() (fedtime.Time, protocol.FederateID) {
	return dt.minOf(func(d *DependencyInfo) fedtime.Time { return d.Te })
}

// MinTdemin returns the minimum of the dependencies' own dependency minimums.
func (dt *DependencyTable) MinTdemin() (fedtime.Time, protocol.FederateID) {
	return dt.minOf(func(d *DependencyInfo) fedtime.Time { return d.Tdemin })
}

func (dt *DependencyTable) minOf(field func(*DependencyInfo) fedtime.Time) (fedtime.Time, protocol.FederateID) {
	min := fedtime.MaxTime
	fed := protocol.InvalidFederateID
	for i := range dt.deps {
		// Sorted iteration makes the smaller id win ties without a compare.
		if v := field(&dt.deps[i]); v < min {
			min = v
			fed = dt.deps[i].ID
		}
	}
	return min, fed
}

// AllConverged reports whether every dependency has reported a state other
// than nonconverged at the given iteration, and whether any of them requested
// another iteration or reported an error.
func (dt *DependencyTable) AllConverged(iteration int32) (all bool, iterating bool, failed bool) {
	all = true
	for i := range dt.deps {
		d := &dt.deps[i]
		switch d.Converged {
		case ConvergedError:
			failed = true
		case Continue:
			iterating = true
		case Nonconverged:
			all = false
		}
		// A peer that already granted cannot iterate; its counter lag is
		// irrelevant.
		if d.LastIteration < iteration && !d.Grant {
			all = false
		}
	}
	return all, iterating, failed
}
